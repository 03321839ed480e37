// Package engine runs one strategy engine against one broker connection:
// it turns prints into bars, executes the engine's signals, enforces the
// daily loss limit and keeps the persisted state current.
package engine

import (
	"context"
	"time"

	"execution-core/internal/order"
	"execution-core/internal/reconciliation"
	"execution-core/internal/risk"
	"execution-core/internal/trade"
)

// Service is what the control API may do with a running engine.
type Service interface {
	Status(ctx context.Context) Status
	// Flatten cancels working orders and closes the position. The engine
	// keeps running and may enter again.
	Flatten(ctx context.Context) error
	// Halt stops new entries for the rest of the trading day and flattens.
	Halt(ctx context.Context, reason string) error
}

// Status is a point-in-time view of the running engine.
type Status struct {
	Symbol      string                `json:"symbol"`
	Strategy    string                `json:"strategy"`
	DryRun      bool                  `json:"dry_run"`
	Connected   bool                  `json:"connected"`
	StartedAt   time.Time             `json:"started_at"`
	LastTick    time.Time             `json:"last_tick,omitempty"`
	LastBar     *trade.Bar            `json:"last_bar,omitempty"`
	Bars        int                   `json:"bars"`
	LateTicks   int                   `json:"late_ticks"`
	PendingRoll string                `json:"pending_roll,omitempty"`
	Trade       trade.TradeState      `json:"trade"`
	Position    trade.PositionInfo    `json:"position"`
	Risk        risk.Status           `json:"risk"`
	Orders      []order.TrackedOrder  `json:"orders"`
	Drift       reconciliation.Report `json:"drift"`
}
