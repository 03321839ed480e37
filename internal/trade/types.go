package trade

import (
	"time"

	"github.com/shopspring/decimal"
)

// Bar is one completed OHLCV interval. Bars are immutable once emitted.
type Bar struct {
	OpenTime  time.Time `json:"open_time"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
	TickCount int       `json:"tick_count"`
}

// Body returns the absolute open-to-close distance.
func (b Bar) Body() float64 {
	if b.Close >= b.Open {
		return b.Close - b.Open
	}
	return b.Open - b.Close
}

// Action is what a signal asks the order layer to do.
type Action string

const (
	ActionBuy     Action = "BUY"
	ActionSell    Action = "SELL"
	ActionFlatten Action = "FLATTEN"
)

// Signal is an instruction emitted by a strategy engine. Price 0 means market.
type Signal struct {
	Action   Action  `json:"action"`
	Quantity int     `json:"quantity"`
	Reason   string  `json:"reason"`
	Price    float64 `json:"price,omitempty"`
}

// Direction returns +1 for BUY, -1 for SELL and 0 for FLATTEN.
func (s Signal) Direction() int {
	switch s.Action {
	case ActionBuy:
		return 1
	case ActionSell:
		return -1
	}
	return 0
}

// OrderIDs are the broker-side orders protecting the open trade.
type OrderIDs struct {
	Stop string `json:"stop,omitempty"`
	TP1  string `json:"tp1,omitempty"`
	TP2  string `json:"tp2,omitempty"`
}

// TradeState is the engine's view of the one trade it manages.
// A trade is active iff EntryPrice > 0.
type TradeState struct {
	EntryPrice   float64  `json:"entry_price"`
	StopPrice    float64  `json:"stop_price"`
	TP1Price     float64  `json:"tp1_price"`
	TP2Price     float64  `json:"tp2_price"`
	RiskPoints   float64  `json:"risk_points"`
	InitialQty   int      `json:"initial_qty"`
	Direction    int      `json:"direction"`
	PartialTaken bool     `json:"partial_taken"`
	BEActivated  bool     `json:"be_activated"`
	TrailActive  bool     `json:"trail_active"`
	Orders       OrderIDs `json:"orders"`
}

func (s TradeState) IsActive() bool { return s.EntryPrice > 0 }

func (s *TradeState) Reset() { *s = TradeState{} }

// Side returns the entry action of the trade.
func (s TradeState) Side() Action {
	if s.Direction < 0 {
		return ActionSell
	}
	return ActionBuy
}

// PositionInfo is the broker's view of the net position.
type PositionInfo struct {
	Quantity      int     `json:"quantity"`
	AvgPrice      float64 `json:"avg_price"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
}

func (p PositionInfo) IsFlat() bool { return p.Quantity == 0 }

// Sign returns -1, 0 or 1 for the position direction.
func Sign(q int) int {
	switch {
	case q > 0:
		return 1
	case q < 0:
		return -1
	}
	return 0
}

func Abs(q int) int {
	if q < 0 {
		return -q
	}
	return q
}

// RoundToTick snaps price to the nearest multiple of tick.
func RoundToTick(price, tick float64) float64 {
	if tick <= 0 {
		return price
	}
	t := decimal.NewFromFloat(tick)
	v := decimal.NewFromFloat(price).Div(t).Round(0).Mul(t)
	f, _ := v.Float64()
	return f
}

// OptFloat is a price that may be absent.
type OptFloat struct {
	Value float64 `json:"value"`
	Valid bool    `json:"valid"`
}

func Some(v float64) OptFloat { return OptFloat{Value: v, Valid: true} }
