package strategy

import (
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"execution-core/internal/trade"
)

// base holds what every engine shares: bounded bar history, daily counters,
// the end-of-day guard and position management of the active trade.
type base struct {
	name   string
	common CommonParams
	log    *zap.Logger
	loc    *time.Location

	eodMinutes int
	entryStart int
	entryEnd   int

	bars []trade.Bar
	seq  int // absolute index of the last bar pushed, -1 before the first

	state       trade.TradeState
	tradesToday int
	dailyPnL    float64

	dayKey      int
	dayHigh     float64
	dayLow      float64
	dayHasBars  bool
	prevDayHigh trade.OptFloat
	prevDayLow  trade.OptFloat
	eodDone     bool

	onClose func()
}

func newBase(name string, p CommonParams, env Env) base {
	eod, _ := clockMinutes(p.EODFlattenTime)
	start, _ := clockMinutes(p.EntryStart)
	end, _ := clockMinutes(p.EntryEnd)
	return base{
		name:       name,
		common:     p,
		log:        env.logger().With(zap.String("component", "strategy"), zap.String("strategy", name)),
		loc:        env.location(),
		eodMinutes: eod,
		entryStart: start,
		entryEnd:   end,
		bars:       make([]trade.Bar, 0, p.HistorySize),
		seq:        -1,
	}
}

func (b *base) Name() string { return b.name }

func (b *base) TradeState() trade.TradeState { return b.state }

func (b *base) BindOrders(ids trade.OrderIDs) {
	if b.state.IsActive() {
		b.state.Orders = ids
	}
}

func (b *base) dayKeyOf(t time.Time) int {
	local := t.In(b.loc)
	return local.Year()*1000 + local.YearDay()
}

func (b *base) minutesOf(t time.Time) int {
	local := t.In(b.loc)
	return local.Hour()*60 + local.Minute()
}

// pushBar rolls the trading day if needed and appends bar to history.
func (b *base) pushBar(bar trade.Bar) {
	if key := b.dayKeyOf(bar.OpenTime); key != b.dayKey {
		if b.dayHasBars {
			b.prevDayHigh = trade.Some(b.dayHigh)
			b.prevDayLow = trade.Some(b.dayLow)
		}
		b.dayKey = key
		b.tradesToday = 0
		b.dailyPnL = 0
		b.eodDone = false
		b.dayHasBars = false
	}
	if !b.dayHasBars {
		b.dayHigh, b.dayLow = bar.High, bar.Low
		b.dayHasBars = true
	} else {
		b.dayHigh = math.Max(b.dayHigh, bar.High)
		b.dayLow = math.Min(b.dayLow, bar.Low)
	}

	if len(b.bars) == b.common.HistorySize {
		copy(b.bars, b.bars[1:])
		b.bars = b.bars[:len(b.bars)-1]
	}
	b.bars = append(b.bars, bar)
	b.seq++
}

// at returns the bar with absolute index seq, if it is still in history.
func (b *base) at(seq int) (trade.Bar, bool) {
	i := len(b.bars) - 1 - (b.seq - seq)
	if i < 0 || i >= len(b.bars) {
		return trade.Bar{}, false
	}
	return b.bars[i], true
}

func (b *base) CheckEODFlatten(barTime time.Time) bool {
	if b.eodMinutes < 0 {
		return false
	}
	if b.eodDone && b.dayKeyOf(barTime) == b.dayKey {
		return false
	}
	return b.minutesOf(barTime) >= b.eodMinutes
}

// preamble runs the steps every engine performs before looking for entries:
// end-of-day flatten, self-healing against the broker position and
// management of an open trade. handled reports that the bar is fully
// consumed and no entry may be considered.
func (b *base) preamble(bar trade.Bar, positionQty int) (signals []trade.Signal, handled bool) {
	if b.CheckEODFlatten(bar.OpenTime) {
		b.eodDone = true
		return b.flattenEOD(bar, positionQty), true
	}

	b.resync(positionQty)

	if b.state.IsActive() {
		return b.manage(bar, positionQty), true
	}
	if positionQty != 0 {
		b.log.Warn("unmanaged position; entries suspended",
			zap.Int("position", positionQty), zap.Time("bar", bar.OpenTime))
		return nil, true
	}
	return nil, b.eodDone
}

func (b *base) flattenEOD(bar trade.Bar, positionQty int) []trade.Signal {
	qty := trade.Abs(positionQty)
	if qty == 0 && b.state.IsActive() {
		qty = b.state.InitialQty
	}
	if qty == 0 {
		b.log.Info("end of day reached, flat", zap.Time("bar", bar.OpenTime))
		return nil
	}
	b.log.Info("end of day flatten",
		zap.Int("qty", qty), zap.Float64("close", bar.Close), zap.Time("bar", bar.OpenTime))
	if b.state.IsActive() {
		b.closeTrade(bar.Close, qty)
	}
	return []trade.Signal{{Action: trade.ActionFlatten, Quantity: qty, Reason: "end of day flatten"}}
}

// resync drops a trade the broker no longer holds.
func (b *base) resync(positionQty int) {
	if !b.state.IsActive() {
		return
	}
	switch {
	case positionQty == 0:
		b.log.Warn("position flat while trade active; resetting trade state (exit P&L unknown)",
			zap.Float64("entry", b.state.EntryPrice), zap.Int("direction", b.state.Direction))
	case trade.Sign(positionQty) != b.state.Direction:
		b.log.Warn("position direction disagrees with trade; resetting trade state",
			zap.Int("position", positionQty), zap.Int("direction", b.state.Direction))
	default:
		return
	}
	b.state.Reset()
	if b.onClose != nil {
		b.onClose()
	}
}

// manage applies, in order: stop check, breakeven arming, first target with
// partial exit, second target, trailing stop. At most one reducing signal is
// produced per bar.
func (b *base) manage(bar trade.Bar, positionQty int) []trade.Signal {
	s := &b.state
	dir := float64(s.Direction)
	qty := trade.Abs(positionQty)
	exit := trade.ActionSell
	if s.Direction < 0 {
		exit = trade.ActionBuy
	}

	if (s.Direction > 0 && bar.Low <= s.StopPrice) || (s.Direction < 0 && bar.High >= s.StopPrice) {
		stop := s.StopPrice
		b.log.Info("stop hit",
			zap.Float64("stop", stop), zap.Float64("entry", s.EntryPrice), zap.Int("qty", qty))
		b.closeTrade(stop, qty)
		return []trade.Signal{{Action: trade.ActionFlatten, Quantity: qty, Reason: fmt.Sprintf("stop hit at %.2f", stop)}}
	}

	favorable := bar.High - s.EntryPrice
	if s.Direction < 0 {
		favorable = s.EntryPrice - bar.Low
	}
	if !s.BEActivated && b.common.BreakevenTriggerPoints > 0 && favorable >= b.common.BreakevenTriggerPoints {
		be := s.EntryPrice + dir*float64(b.common.BreakevenOffsetTicks)*b.common.TickSize
		if b.tighten(be) {
			b.log.Info("breakeven armed", zap.Float64("stop", s.StopPrice))
		}
		s.BEActivated = true
	}

	if !s.PartialTaken && s.TP1Price > 0 && b.touched(bar, s.TP1Price) {
		part := int(math.Ceil(float64(qty) * b.common.PartialPct / 100))
		if part >= qty {
			tp1 := s.TP1Price
			b.log.Info("target 1 hit, closing full position", zap.Float64("tp1", tp1), zap.Int("qty", qty))
			b.closeTrade(tp1, qty)
			return []trade.Signal{{Action: trade.ActionFlatten, Quantity: qty, Reason: fmt.Sprintf("target 1 at %.2f", tp1)}}
		}
		s.PartialTaken = true
		b.dailyPnL += (s.TP1Price - s.EntryPrice) * dir * float64(part) * b.common.PointValue
		b.tighten(s.EntryPrice)
		s.BEActivated = true
		if b.common.TrailPoints > 0 {
			s.TrailActive = true
		}
		b.log.Info("target 1 hit, partial exit",
			zap.Float64("tp1", s.TP1Price), zap.Int("qty", part), zap.Int("remaining", qty-part),
			zap.Float64("stop", s.StopPrice))
		return []trade.Signal{{Action: exit, Quantity: part, Reason: fmt.Sprintf("partial at target 1 %.2f", s.TP1Price)}}
	}

	if s.TP2Price > 0 && b.touched(bar, s.TP2Price) {
		tp2 := s.TP2Price
		b.log.Info("target 2 hit", zap.Float64("tp2", tp2), zap.Int("qty", qty))
		b.closeTrade(tp2, qty)
		return []trade.Signal{{Action: trade.ActionFlatten, Quantity: qty, Reason: fmt.Sprintf("target 2 at %.2f", tp2)}}
	}

	if s.TrailActive && b.common.TrailPoints > 0 {
		candidate := bar.High - b.common.TrailPoints
		if s.Direction < 0 {
			candidate = bar.Low + b.common.TrailPoints
		}
		if b.tighten(candidate) {
			b.log.Debug("trailing stop moved", zap.Float64("stop", s.StopPrice))
		}
	}
	return nil
}

func (b *base) touched(bar trade.Bar, price float64) bool {
	if b.state.Direction > 0 {
		return bar.High >= price
	}
	return bar.Low <= price
}

// tighten moves the stop to price if that reduces risk.
func (b *base) tighten(price float64) bool {
	price = trade.RoundToTick(price, b.common.TickSize)
	s := &b.state
	if (s.Direction > 0 && price > s.StopPrice) || (s.Direction < 0 && price < s.StopPrice) {
		s.StopPrice = price
		return true
	}
	return false
}

func (b *base) closeTrade(exit float64, qty int) {
	b.dailyPnL += (exit - b.state.EntryPrice) * float64(b.state.Direction) * float64(qty) * b.common.PointValue
	b.state.Reset()
	if b.onClose != nil {
		b.onClose()
	}
}

// canEnter reports whether a new trade may be opened on bar.
func (b *base) canEnter(bar trade.Bar) bool {
	if b.state.IsActive() || b.eodDone || b.tradesToday >= b.common.MaxTradesPerDay {
		return false
	}
	m := b.minutesOf(bar.OpenTime)
	if b.entryStart >= 0 && m < b.entryStart {
		return false
	}
	if b.entryEnd >= 0 && m >= b.entryEnd {
		return false
	}
	return true
}

// enter opens a trade at entry. The stop must lie on the losing side.
func (b *base) enter(dir int, entry, stop, tp1, tp2 float64, reason string) []trade.Signal {
	tick := b.common.TickSize
	stop = trade.RoundToTick(stop, tick)
	risk := (entry - stop) * float64(dir)
	if risk <= 0 {
		b.log.Warn("entry skipped: stop not beyond entry",
			zap.Int("direction", dir), zap.Float64("entry", entry), zap.Float64("stop", stop))
		return nil
	}
	b.state = trade.TradeState{
		EntryPrice: entry,
		StopPrice:  stop,
		TP1Price:   roundOpt(tp1, tick),
		TP2Price:   roundOpt(tp2, tick),
		RiskPoints: risk,
		InitialQty: b.common.Quantity,
		Direction:  dir,
	}
	b.tradesToday++

	action := trade.ActionBuy
	if dir < 0 {
		action = trade.ActionSell
	}
	b.log.Info("entry",
		zap.String("side", string(action)), zap.Int("qty", b.common.Quantity),
		zap.Float64("entry", entry), zap.Float64("stop", b.state.StopPrice),
		zap.Float64("tp1", b.state.TP1Price), zap.Float64("tp2", b.state.TP2Price),
		zap.String("reason", reason))
	return []trade.Signal{{Action: action, Quantity: b.common.Quantity, Reason: reason}}
}

func roundOpt(p, tick float64) float64 {
	if p <= 0 {
		return 0
	}
	return trade.RoundToTick(p, tick)
}

func (b *base) snapshot(engine map[string]any) Snapshot {
	return Snapshot{
		Strategy:    b.name,
		Trade:       b.state,
		TradesToday: b.tradesToday,
		DailyPnL:    b.dailyPnL,
		DayKey:      b.dayKey,
		EODDone:     b.eodDone,
		PrevDayHigh: b.prevDayHigh,
		PrevDayLow:  b.prevDayLow,
		Engine:      engine,
	}
}

// restore replays bars through push (and the engine's detector via replay),
// then adopts the saved trade and, if still the same trading day, the
// saved counters.
func (b *base) restore(r Restore, replay func(trade.Bar)) {
	b.bars = b.bars[:0]
	b.seq = -1
	b.dayKey = 0
	b.dayHasBars = false
	b.prevDayHigh, b.prevDayLow = trade.OptFloat{}, trade.OptFloat{}
	for _, bar := range r.Bars {
		b.pushBar(bar)
		if replay != nil {
			replay(bar)
		}
	}
	b.state = r.Trade
	b.tradesToday = 0
	b.dailyPnL = 0
	b.eodDone = false
	if !r.SavedAt.IsZero() && (b.dayKey == 0 || b.dayKeyOf(r.SavedAt) == b.dayKey) {
		b.dayKey = b.dayKeyOf(r.SavedAt)
		b.tradesToday = r.TradesToday
		b.dailyPnL = r.DailyPnL
		b.eodDone = r.EODDone
	}
	b.log.Info("state restored",
		zap.Int("bars", len(r.Bars)), zap.Bool("trade_active", b.state.IsActive()),
		zap.Int("trades_today", b.tradesToday), zap.Float64("daily_pnl", b.dailyPnL),
		zap.Bool("eod_done", b.eodDone))
}
