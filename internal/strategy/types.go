package strategy

import (
	"time"

	"go.uber.org/zap"

	"execution-core/internal/trade"
)

// Engine is a bar-driven pattern state machine that manages at most one
// trade at a time. Engines are not safe for concurrent use; the caller owns
// the single goroutine that feeds them.
type Engine interface {
	// Name returns the registry name of the engine.
	Name() string
	// OnBar advances the engine by one completed bar. positionQty is the
	// broker's signed net position before the bar's signals are executed.
	OnBar(bar trade.Bar, positionQty int) []trade.Signal
	// Snapshot returns the engine's persistable state.
	Snapshot() Snapshot
	// RestoreState rebuilds history and patterns from saved bars without
	// emitting signals, then adopts the saved trade.
	RestoreState(r Restore)
	// CheckEODFlatten reports whether barTime is at or past the end-of-day
	// flatten time and the day's flatten has not yet fired.
	CheckEODFlatten(barTime time.Time) bool
	// TradeState returns a copy of the managed trade.
	TradeState() trade.TradeState
	// BindOrders records the broker order ids protecting the managed trade.
	BindOrders(ids trade.OrderIDs)
}

// Snapshot is the serializable view of an engine.
type Snapshot struct {
	Strategy    string           `json:"strategy"`
	Trade       trade.TradeState `json:"trade"`
	TradesToday int              `json:"trades_today"`
	DailyPnL    float64          `json:"daily_pnl"`
	DayKey      int              `json:"day_key"`
	EODDone     bool             `json:"eod_done"`
	PrevDayHigh trade.OptFloat   `json:"prev_day_high"`
	PrevDayLow  trade.OptFloat   `json:"prev_day_low"`
	Engine      map[string]any   `json:"engine,omitempty"`
}

// Restore carries what a restarted process hands back to an engine.
type Restore struct {
	Trade       trade.TradeState
	Bars        []trade.Bar
	TradesToday int
	DailyPnL    float64
	// EODDone reports that the saved day's end-of-day flatten already ran.
	EODDone bool
	SavedAt time.Time
}

// Env carries instrument facts and services shared by every engine.
// Zero TickSize or PointValue keeps the engine defaults.
type Env struct {
	TickSize   float64
	PointValue float64
	Location   *time.Location
	Log        *zap.Logger
}

func (e Env) logger() *zap.Logger {
	if e.Log == nil {
		return zap.NewNop()
	}
	return e.Log
}

func (e Env) location() *time.Location {
	if e.Location == nil {
		return time.UTC
	}
	return e.Location
}
