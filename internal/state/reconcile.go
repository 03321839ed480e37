package state

import (
	"fmt"

	"execution-core/internal/trade"
)

// Outcome classifies how a saved trade was matched to the broker position.
type Outcome string

const (
	OutcomeNoop            Outcome = "noop"
	OutcomeUnmanaged       Outcome = "unmanaged_position"
	OutcomeDiscardFlat     Outcome = "discarded_flat"
	OutcomePartial         Outcome = "partial_adopted"
	OutcomeDiscardOpposite Outcome = "discarded_opposite"
	OutcomeKeep            Outcome = "kept"
	OutcomeKeepLarger      Outcome = "kept_larger_position"
)

// Result is the reconciled trade and what happened to it.
type Result struct {
	Trade   trade.TradeState
	Outcome Outcome
	Message string
	// Warn marks outcomes that need an operator's attention.
	Warn bool
}

// Record reports whether the outcome belongs in the audit journal.
func (r Result) Record() bool {
	return r.Outcome != OutcomeNoop && r.Outcome != OutcomeKeep
}

// Reconcile matches a saved trade against the live broker position. It is
// pure: the same inputs always give the same result.
func Reconcile(saved trade.TradeState, pos trade.PositionInfo) Result {
	if !saved.IsActive() {
		if pos.IsFlat() {
			return Result{Outcome: OutcomeNoop, Message: "no saved trade and broker flat"}
		}
		return Result{
			Outcome: OutcomeUnmanaged,
			Message: fmt.Sprintf("broker holds %d contracts with no saved trade; not managed", pos.Quantity),
			Warn:    true,
		}
	}

	if pos.IsFlat() {
		return Result{Outcome: OutcomeDiscardFlat, Message: "saved trade discarded, broker is flat"}
	}
	if trade.Sign(pos.Quantity) != saved.Direction {
		return Result{
			Outcome: OutcomeDiscardOpposite,
			Message: fmt.Sprintf("saved direction %d disagrees with broker position %d; trade discarded", saved.Direction, pos.Quantity),
			Warn:    true,
		}
	}

	held := trade.Abs(pos.Quantity)
	switch {
	case held < saved.InitialQty:
		t := saved
		t.PartialTaken = true
		t.BEActivated = true
		t.TrailActive = true
		return Result{
			Trade:   t,
			Outcome: OutcomePartial,
			Message: fmt.Sprintf("broker holds %d of %d contracts; partial exit assumed", held, saved.InitialQty),
		}
	case held > saved.InitialQty:
		return Result{
			Trade:   saved,
			Outcome: OutcomeKeepLarger,
			Message: fmt.Sprintf("broker holds %d contracts, more than the saved %d", held, saved.InitialQty),
			Warn:    true,
		}
	}
	return Result{Trade: saved, Outcome: OutcomeKeep, Message: "saved trade matches broker position"}
}
