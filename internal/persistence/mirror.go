package persistence

import (
	"execution-core/internal/state"
	"execution-core/pkg/db"
)

// JournalMirror copies journal lines into SQLite through a Writer.
type JournalMirror struct {
	w *Writer
}

func NewJournalMirror(w *Writer) *JournalMirror {
	return &JournalMirror{w: w}
}

func (m *JournalMirror) MirrorTrade(e state.TradeEvent) {
	m.w.enqueue(db.InsertTradeEventSQL, db.TradeEventArgs(db.TradeEventRow{
		Time:     e.Time,
		Symbol:   e.Symbol,
		Strategy: e.Strategy,
		Kind:     string(e.Kind),
		Side:     e.Side,
		Qty:      e.Qty,
		Price:    e.Price,
		Reason:   e.Reason,
		Realized: e.Realized,
	}))
}

func (m *JournalMirror) MirrorEquity(e state.EquityRecord) {
	m.w.enqueue(db.InsertEquitySQL, db.EquityArgs(db.EquityRow{
		Time:       e.Time,
		Symbol:     e.Symbol,
		Realized:   e.Realized,
		Unrealized: e.Unrealized,
		Total:      e.Total,
		Position:   e.Position,
	}))
}
