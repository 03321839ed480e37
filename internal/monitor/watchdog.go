package monitor

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"execution-core/internal/events"
)

// Session is the daily window, in minutes after local midnight, during which
// prints are expected. End is exclusive.
type Session struct {
	Start, End int
	Location   *time.Location
}

// Contains reports whether t falls inside the session.
func (s Session) Contains(t time.Time) bool {
	lt := t.In(s.Location)
	m := lt.Hour()*60 + lt.Minute()
	if s.Start <= s.End {
		return m >= s.Start && m < s.End
	}
	return m >= s.Start || m < s.End
}

// Watchdog warns when no print has arrived for longer than MaxAge during the
// session. The trading loop calls Touch for every print.
type Watchdog struct {
	MaxAge   time.Duration
	Interval time.Duration
	Session  Session
	Bus      *events.Bus
	Metrics  *Metrics
	Log      *zap.Logger
	Now      func() time.Time

	last  atomic.Int64
	stale atomic.Bool
}

// Touch records the arrival of a print at t.
func (w *Watchdog) Touch(t time.Time) {
	w.last.Store(t.UnixNano())
	if w.stale.Swap(false) && w.Log != nil {
		w.Log.Info("market data resumed")
	}
}

// Run polls until ctx ends.
func (w *Watchdog) Run(ctx context.Context) {
	if w.Now == nil {
		w.Now = time.Now
	}
	if w.Log == nil {
		w.Log = zap.NewNop()
	}
	if w.Interval <= 0 {
		w.Interval = 10 * time.Second
	}
	if w.last.Load() == 0 {
		w.last.Store(w.Now().UnixNano())
	}
	ticker := time.NewTicker(w.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Poll()
		}
	}
}

// Poll performs one staleness check and reports whether the feed is stale.
func (w *Watchdog) Poll() bool {
	now := w.Now()
	age := now.Sub(time.Unix(0, w.last.Load()))
	if w.Metrics != nil {
		w.Metrics.TickAge.Set(age.Seconds())
	}
	if !w.Session.Contains(now) || age <= w.MaxAge {
		return false
	}
	if w.Log != nil {
		w.Log.Warn("market data stale", zap.Duration("age", age), zap.Duration("limit", w.MaxAge))
	}
	if !w.stale.Swap(true) {
		w.Bus.Publish(events.EventRiskAlert, events.RiskAlert{
			Level:   events.AlertWarning,
			Source:  "watchdog",
			Message: "no market data for " + age.Truncate(time.Second).String(),
			Time:    now,
		})
	}
	return true
}
