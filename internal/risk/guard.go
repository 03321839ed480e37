// Package risk tracks the day's profit and loss from fills and halts new
// trading once the daily loss limit is reached.
package risk

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Guard computes realized PnL from executions and decides when trading stops
// for the day. A halt lasts until the trading day changes.
type Guard struct {
	mu  sync.Mutex
	cfg Config
	log *zap.Logger

	day        string
	position   int
	avgPrice   decimal.Decimal
	realized   decimal.Decimal
	unrealized decimal.Decimal

	halted     bool
	haltReason string
	haltedAt   time.Time
}

// NewGuard returns a guard for cfg.
func NewGuard(cfg Config, log *zap.Logger) *Guard {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.PointValue <= 0 {
		cfg.PointValue = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Guard{cfg: cfg, log: log.With(zap.String("component", "risk"))}
}

func (g *Guard) dayKey(t time.Time) string {
	return t.In(g.cfg.Location).Format("2006-01-02")
}

// rollLocked starts a new day when t falls on a later date.
func (g *Guard) rollLocked(t time.Time) {
	day := g.dayKey(t)
	if day == g.day {
		return
	}
	if g.day != "" {
		g.log.Info("new trading day",
			zap.String("previous", g.day), zap.String("day", day),
			zap.String("realized", g.realized.StringFixed(2)), zap.Bool("was_halted", g.halted))
	}
	g.day = day
	g.realized = decimal.Zero
	g.halted = false
	g.haltReason = ""
	g.haltedAt = time.Time{}
}

// Seed restores the realized PnL and position already booked for the day
// containing t, e.g. from the journal after a restart.
func (g *Guard) Seed(t time.Time, realized float64, position int, avgPrice float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rollLocked(t)
	g.realized = decimal.NewFromFloat(realized)
	g.position = position
	g.avgPrice = decimal.NewFromFloat(avgPrice)
}

// SeedHalt restores a halt recorded at haltedAt before a restart. It only
// applies when haltedAt falls on the same trading day as t.
func (g *Guard) SeedHalt(t, haltedAt time.Time, reason string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rollLocked(t)
	if g.halted || g.dayKey(haltedAt) != g.day {
		return false
	}
	g.halted = true
	g.haltReason = reason
	g.haltedAt = haltedAt
	g.log.Warn("halt restored", zap.String("day", g.day), zap.String("reason", reason), zap.Time("halted_at", haltedAt))
	return true
}

// OnFill books an execution of signedQty contracts (positive buys) at price
// and returns the PnL it realized.
func (g *Guard) OnFill(t time.Time, signedQty int, price float64) float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rollLocked(t)
	if signedQty == 0 {
		return 0
	}

	px := decimal.NewFromFloat(price)
	pv := decimal.NewFromFloat(g.cfg.PointValue)
	realized := decimal.Zero

	switch {
	case g.position == 0 || (g.position > 0) == (signedQty > 0):
		total := g.position + signedQty
		g.avgPrice = g.avgPrice.Mul(decimal.NewFromInt(int64(abs(g.position)))).
			Add(px.Mul(decimal.NewFromInt(int64(abs(signedQty))))).
			Div(decimal.NewFromInt(int64(abs(total))))
		g.position = total
	default:
		closed := min(abs(signedQty), abs(g.position))
		dir := int64(1)
		if g.position < 0 {
			dir = -1
		}
		realized = px.Sub(g.avgPrice).Mul(decimal.NewFromInt(int64(closed) * dir)).Mul(pv)
		g.position += signedQty
		switch {
		case g.position == 0:
			g.avgPrice = decimal.Zero
		case (g.position > 0) == (signedQty > 0):
			g.avgPrice = px
		}
	}
	g.realized = g.realized.Add(realized)
	f, _ := realized.Float64()
	return f
}

// Mark records the open position's unrealized PnL.
func (g *Guard) Mark(unrealized float64) {
	g.mu.Lock()
	g.unrealized = decimal.NewFromFloat(unrealized)
	g.mu.Unlock()
}

// MarkPrice values the tracked position at price.
func (g *Guard) MarkPrice(price float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.position == 0 {
		g.unrealized = decimal.Zero
		return
	}
	g.unrealized = decimal.NewFromFloat(price).Sub(g.avgPrice).
		Mul(decimal.NewFromInt(int64(g.position))).
		Mul(decimal.NewFromFloat(g.cfg.PointValue))
}

// Check evaluates the daily loss limit at t. It returns true exactly once per
// breach: the call that halts trading.
func (g *Guard) Check(t time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rollLocked(t)
	if g.halted || g.cfg.MaxDailyLoss <= 0 {
		return false
	}
	total := g.realized.Add(g.unrealized)
	limit := decimal.NewFromFloat(g.cfg.MaxDailyLoss).Neg()
	if total.GreaterThan(limit) {
		return false
	}
	g.haltLocked(t, fmt.Sprintf("daily loss %s reached limit %.2f", total.StringFixed(2), g.cfg.MaxDailyLoss))
	return true
}

// Halt stops trading for the rest of the day containing t.
func (g *Guard) Halt(t time.Time, reason string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rollLocked(t)
	if !g.halted {
		g.haltLocked(t, reason)
	}
}

func (g *Guard) haltLocked(t time.Time, reason string) {
	g.halted = true
	g.haltReason = reason
	g.haltedAt = t
	g.log.Warn("trading halted for the day", zap.String("day", g.day), zap.String("reason", reason))
}

// Halted reports whether trading is halted on the day containing t.
func (g *Guard) Halted(t time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rollLocked(t)
	return g.halted
}

func (g *Guard) Status() Status {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, _ := g.realized.Float64()
	u, _ := g.unrealized.Float64()
	tot, _ := g.realized.Add(g.unrealized).Float64()
	return Status{
		Day:        g.day,
		Realized:   r,
		Unrealized: u,
		Total:      tot,
		Position:   g.position,
		Halted:     g.halted,
		HaltReason: g.haltReason,
		HaltedAt:   g.haltedAt,
	}
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
