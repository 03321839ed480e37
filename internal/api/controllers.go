package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"execution-core/internal/engine"
)

const commandTimeout = 15 * time.Second

func (s *Server) getStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"meta":   s.Meta,
		"engine": s.Engine.Status(c.Request.Context()),
	})
}

func (s *Server) getOrders(c *gin.Context) {
	st := s.Engine.Status(c.Request.Context())
	working := make([]any, 0, len(st.Orders))
	all := c.Query("all") == "true"
	for _, o := range st.Orders {
		if all || o.Working() {
			working = append(working, o)
		}
	}
	c.JSON(http.StatusOK, gin.H{"orders": working})
}

func (s *Server) getTrades(c *gin.Context) {
	if s.History == nil {
		c.JSON(http.StatusNotFound, gin.H{
			"code":  "HISTORY_DISABLED",
			"error": "trade history database is not configured",
		})
		return
	}
	limit := 100
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":  "INVALID_LIMIT",
				"error": "limit must be between 1 and 1000",
			})
			return
		}
		limit = n
	}
	ctx := c.Request.Context()
	trades, err := s.History.ListTradeEvents(ctx, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":  "INTERNAL_ERROR",
			"error": err.Error(),
		})
		return
	}
	equity, err := s.History.LatestEquity(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":  "INTERNAL_ERROR",
			"error": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades, "equity": equity})
}

func (s *Server) flatten(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), commandTimeout)
	defer cancel()
	operator := CurrentOperator(c)
	s.log.Warn("flatten requested", zap.String("operator", operator))
	if err := s.Engine.Flatten(ctx); err != nil {
		s.commandFailed(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "flattened", "operator": operator})
}

func (s *Server) halt(c *gin.Context) {
	var req struct {
		Reason string `json:"reason"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":  "INVALID_PAYLOAD",
				"error": "invalid request payload",
			})
			return
		}
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), commandTimeout)
	defer cancel()
	operator := CurrentOperator(c)
	reason := req.Reason
	if reason == "" {
		reason = "requested by " + operator
	}
	s.log.Warn("halt requested", zap.String("operator", operator), zap.String("reason", reason))
	if err := s.Engine.Halt(ctx, reason); err != nil {
		s.commandFailed(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "halted", "reason": reason, "operator": operator})
}

func (s *Server) commandFailed(c *gin.Context, err error) {
	code, label := http.StatusInternalServerError, "COMMAND_FAILED"
	switch {
	case errors.Is(err, engine.ErrStopped):
		code, label = http.StatusServiceUnavailable, "ENGINE_STOPPED"
	case errors.Is(err, context.DeadlineExceeded):
		code, label = http.StatusGatewayTimeout, "COMMAND_TIMEOUT"
	}
	s.log.Error("control command failed", zap.Error(err))
	c.JSON(code, gin.H{"code": label, "error": err.Error()})
}
