package market

import (
	"time"

	"execution-core/internal/trade"
)

// Aggregator folds trade ticks into fixed-interval bars aligned to the
// exchange's local midnight. A bar is only emitted when a tick arrives in a
// later interval, or on Flush.
type Aggregator struct {
	barMinutes int
	loc        *time.Location
	onBar      func(trade.Bar)

	cur       trade.Bar
	boundary  time.Time
	open      bool
	lateTicks int
}

// NewAggregator builds an aggregator for barMinutes-wide bars in loc.
// A nil loc means UTC.
func NewAggregator(barMinutes int, loc *time.Location, onBar func(trade.Bar)) *Aggregator {
	if barMinutes <= 0 {
		barMinutes = 1
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Aggregator{barMinutes: barMinutes, loc: loc, onBar: onBar}
}

// BarStart returns the open time of the bar containing ts.
func (a *Aggregator) BarStart(ts time.Time) time.Time {
	local := ts.In(a.loc)
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, a.loc)
	mins := local.Hour()*60 + local.Minute()
	mins = (mins / a.barMinutes) * a.barMinutes
	return midnight.Add(time.Duration(mins) * time.Minute)
}

// OnTick adds one trade to the current bar.
func (a *Aggregator) OnTick(price, size float64, ts time.Time) {
	start := a.BarStart(ts)
	if a.open {
		switch {
		case start.Equal(a.boundary):
			if price > a.cur.High {
				a.cur.High = price
			}
			if price < a.cur.Low {
				a.cur.Low = price
			}
			a.cur.Close = price
			a.cur.Volume += size
			a.cur.TickCount++
			return
		case start.Before(a.boundary):
			a.lateTicks++
			return
		}
		a.emit()
	}
	a.boundary = start
	a.open = true
	a.cur = trade.Bar{
		OpenTime:  start,
		Open:      price,
		High:      price,
		Low:       price,
		Close:     price,
		Volume:    size,
		TickCount: 1,
	}
}

// Flush emits the partial bar, if any.
func (a *Aggregator) Flush() {
	if a.open {
		a.emit()
	}
}

// Reset drops the in-progress bar without emitting it.
func (a *Aggregator) Reset() {
	a.open = false
	a.cur = trade.Bar{}
	a.boundary = time.Time{}
}

// Current returns the in-progress bar and whether one exists.
func (a *Aggregator) Current() (trade.Bar, bool) { return a.cur, a.open }

// LateTicks counts ticks dropped because their interval had already closed.
func (a *Aggregator) LateTicks() int { return a.lateTicks }

func (a *Aggregator) emit() {
	b := a.cur
	a.open = false
	a.cur = trade.Bar{}
	if a.onBar != nil && b.TickCount > 0 {
		a.onBar(b)
	}
}
