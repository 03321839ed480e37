// Package api exposes the engine's status and metrics over HTTP and accepts
// authenticated operator commands.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"execution-core/internal/engine"
	"execution-core/internal/events"
	"execution-core/pkg/db"
)

// TradeHistory is the optional SQLite mirror of the trade journal.
type TradeHistory interface {
	ListTradeEvents(ctx context.Context, limit int) ([]db.TradeEventRow, error)
	LatestEquity(ctx context.Context) (*db.EquityRow, error)
}

// Options configure a Server. Engine is required.
type Options struct {
	Engine   engine.Service
	Bus      *events.Bus
	Gatherer prometheus.Gatherer
	History  TradeHistory
	Secret   string
	Meta     SystemMeta
	// RateLimit is requests per second per client; zero means 20.
	RateLimit float64
	Log       *zap.Logger
}

// SystemMeta describes the running process.
type SystemMeta struct {
	Version string `json:"version"`
	DryRun  bool   `json:"dry_run"`
	Paper   bool   `json:"paper"`
	Broker  string `json:"broker"`
}

// Server wires HTTP endpoints around the engine service.
type Server struct {
	Router  *gin.Engine
	Engine  engine.Service
	Bus     *events.Bus
	History TradeHistory
	Meta    SystemMeta

	gatherer prometheus.Gatherer
	secret   string
	log      *zap.Logger
}

func NewServer(opts Options) *Server {
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	log = log.With(zap.String("component", "api"))
	limit := opts.RateLimit
	if limit <= 0 {
		limit = 20
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger(log))
	r.Use(RateLimitMiddleware(newIPLimiters(rate.Limit(limit), int(limit)*2+1), log))

	s := &Server{
		Router:   r,
		Engine:   opts.Engine,
		Bus:      opts.Bus,
		History:  opts.History,
		Meta:     opts.Meta,
		gatherer: opts.Gatherer,
		secret:   opts.Secret,
		log:      log,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	s.Router.GET("/ws", s.websocket)
	if s.gatherer != nil {
		s.Router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	}

	api := s.Router.Group("/api")
	{
		api.GET("/status", s.getStatus)
		api.GET("/orders", s.getOrders)
		api.GET("/trades", s.getTrades)

		control := api.Group("")
		control.Use(AuthMiddleware(s.secret))
		{
			control.POST("/flatten", s.flatten)
			control.POST("/halt", s.halt)
		}
	}
}

func (s *Server) health(c *gin.Context) {
	st := s.Engine.Status(c.Request.Context())
	code := http.StatusOK
	status := "ok"
	if !st.Connected {
		code, status = http.StatusServiceUnavailable, "disconnected"
	}
	c.JSON(code, gin.H{"status": status, "symbol": st.Symbol, "version": s.Meta.Version})
}

// Start serves on addr until ctx ends, then shuts down gracefully.
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Router, ReadHeaderTimeout: 10 * time.Second}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	s.log.Info("status server listening", zap.String("addr", addr))

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
