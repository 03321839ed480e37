package strategy

import (
	"fmt"
	"math"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"execution-core/internal/trade"
)

// ReclaimName is the registry name of the break-then-reclaim engine.
const ReclaimName = "break_reclaim"

// ReclaimParams configure the break-then-reclaim engine.
type ReclaimParams struct {
	CommonParams
	Strength         int
	ReclaimWindow    int
	BreakBufferTicks int
	StopBufferTicks  int
	MinStopPoints    float64
	MaxStopPoints    float64
	TP1Points        float64
	TP2Points        float64
	MaxLevels        int
	LevelMaxAge      int
}

// DefaultReclaimParams returns the documented defaults.
func DefaultReclaimParams() ReclaimParams {
	c := DefaultCommonParams()
	c.TrailPoints = 3
	return ReclaimParams{
		CommonParams:     c,
		Strength:         10,
		ReclaimWindow:    5,
		BreakBufferTicks: 1,
		StopBufferTicks:  1,
		MinStopPoints:    2,
		MaxStopPoints:    10,
		TP1Points:        4,
		MaxLevels:        20,
		LevelMaxAge:      200,
	}
}

func (p *ReclaimParams) fields() map[string]setter {
	return joinFields(p.CommonParams.fields(), map[string]setter{
		"strength":           intField(&p.Strength),
		"reclaim_window":     intField(&p.ReclaimWindow),
		"break_buffer_ticks": intField(&p.BreakBufferTicks),
		"stop_buffer_ticks":  intField(&p.StopBufferTicks),
		"min_stop_points":    floatField(&p.MinStopPoints),
		"max_stop_points":    floatField(&p.MaxStopPoints),
		"tp1_points":         floatField(&p.TP1Points),
		"tp2_points":         floatField(&p.TP2Points),
		"max_levels":         intField(&p.MaxLevels),
		"level_max_age":      intField(&p.LevelMaxAge),
	})
}

func (p ReclaimParams) validate() error {
	err := p.CommonParams.validate()
	if p.Strength < 1 {
		err = multierr.Append(err, fmt.Errorf("strength must be at least 1, got %d", p.Strength))
	}
	if p.ReclaimWindow < 1 {
		err = multierr.Append(err, fmt.Errorf("reclaim_window must be at least 1, got %d", p.ReclaimWindow))
	}
	if p.MinStopPoints <= 0 || p.MaxStopPoints < p.MinStopPoints {
		err = multierr.Append(err, fmt.Errorf("stop distance range [%v, %v] invalid", p.MinStopPoints, p.MaxStopPoints))
	}
	if p.TP1Points <= 0 {
		err = multierr.Append(err, fmt.Errorf("tp1_points must be positive, got %v", p.TP1Points))
	}
	if p.MaxLevels < 1 || p.LevelMaxAge < 1 {
		err = multierr.Append(err, fmt.Errorf("max_levels and level_max_age must be positive"))
	}
	if p.HistorySize < 2*p.Strength+1 {
		err = multierr.Append(err, fmt.Errorf("history_size %d too small for strength %d", p.HistorySize, p.Strength))
	}
	return err
}

// LevelStatus is the lifecycle of a pivot level.
type LevelStatus string

const (
	LevelActive    LevelStatus = "ACTIVE"
	LevelBroken    LevelStatus = "BROKEN"
	LevelTraded    LevelStatus = "TRADED"
	LevelCancelled LevelStatus = "CANCELLED"
	LevelExpired   LevelStatus = "EXPIRED"
)

// Level is a confirmed pivot price being watched for a break and reclaim.
type Level struct {
	High         bool        `json:"high"`
	Price        float64     `json:"price"`
	PivotSeq     int         `json:"pivot_seq"`
	Status       LevelStatus `json:"status"`
	BrokenSeq    int         `json:"broken_seq"`
	SweepExtreme float64     `json:"sweep_extreme"`
}

func (l *Level) terminal() bool {
	return l.Status == LevelTraded || l.Status == LevelCancelled || l.Status == LevelExpired
}

// Reclaim trades a pivot level that is broken and then closed back across
// within a few bars: a reclaimed low is bought, a reclaimed high is sold.
type Reclaim struct {
	base
	p      ReclaimParams
	levels []*Level
}

// NewReclaim builds the engine from typed params.
func NewReclaim(p ReclaimParams, env Env) (*Reclaim, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	e := &Reclaim{base: newBase(ReclaimName, p.CommonParams, env), p: p}
	return e, nil
}

// Levels returns a copy of the tracked levels.
func (e *Reclaim) Levels() []Level {
	out := make([]Level, len(e.levels))
	for i, l := range e.levels {
		out[i] = *l
	}
	return out
}

func (e *Reclaim) OnBar(bar trade.Bar, positionQty int) []trade.Signal {
	e.pushBar(bar)
	event := e.detect(true)

	if sigs, handled := e.preamble(bar, positionQty); handled {
		return sigs
	}
	if event == nil || !e.canEnter(bar) {
		return nil
	}
	return e.enterFrom(bar, event)
}

// detect confirms a pivot ending at the current bar, replays the new level
// over the bars since the pivot, then advances every level on the current
// bar. It returns the last level traded live on this bar.
func (e *Reclaim) detect(live bool) *Level {
	cur := e.seq
	if lvl := e.confirmPivot(cur); lvl != nil {
		for s := lvl.PivotSeq + 1; s < cur; s++ {
			if b, ok := e.at(s); ok {
				e.advance(lvl, b, s)
			}
		}
		e.levels = append(e.levels, lvl)
		e.log.Debug("level confirmed",
			zap.Bool("high", lvl.High), zap.Float64("price", lvl.Price), zap.String("status", string(lvl.Status)))
	}

	bar, _ := e.at(cur)
	var event *Level
	for _, lvl := range e.levels {
		if lvl.terminal() {
			continue
		}
		if e.advance(lvl, bar, cur) && live {
			event = lvl
		}
	}
	e.prune()
	return event
}

// confirmPivot checks whether the bar strength bars back is a pivot.
// Pivot lows must be strictly below the left window and not above the right
// window; pivot highs mirror this.
func (e *Reclaim) confirmPivot(cur int) *Level {
	k := e.p.Strength
	c := cur - k
	if len(e.bars) < 2*k+1 {
		return nil
	}
	cand, ok := e.at(c)
	if !ok {
		return nil
	}
	isLow, isHigh := true, true
	for s := c - k; s <= c+k; s++ {
		if s == c {
			continue
		}
		b, _ := e.at(s)
		if s < c {
			isLow = isLow && cand.Low < b.Low
			isHigh = isHigh && cand.High > b.High
		} else {
			isLow = isLow && cand.Low <= b.Low
			isHigh = isHigh && cand.High >= b.High
		}
	}
	switch {
	case isLow:
		return &Level{Price: cand.Low, PivotSeq: c, Status: LevelActive}
	case isHigh:
		return &Level{High: true, Price: cand.High, PivotSeq: c, Status: LevelActive}
	}
	return nil
}

// advance moves lvl through its state machine on bar seq and reports whether
// the level was reclaimed on that bar.
func (e *Reclaim) advance(lvl *Level, bar trade.Bar, seq int) bool {
	buf := float64(e.p.BreakBufferTicks) * e.common.TickSize
	switch lvl.Status {
	case LevelActive:
		if seq-lvl.PivotSeq > e.p.LevelMaxAge {
			lvl.Status = LevelExpired
			return false
		}
		if !lvl.High && bar.Low <= lvl.Price-buf {
			lvl.Status, lvl.BrokenSeq, lvl.SweepExtreme = LevelBroken, seq, bar.Low
		} else if lvl.High && bar.High >= lvl.Price+buf {
			lvl.Status, lvl.BrokenSeq, lvl.SweepExtreme = LevelBroken, seq, bar.High
		} else {
			return false
		}
		return e.reclaim(lvl, bar, seq)
	case LevelBroken:
		if lvl.High {
			lvl.SweepExtreme = math.Max(lvl.SweepExtreme, bar.High)
		} else {
			lvl.SweepExtreme = math.Min(lvl.SweepExtreme, bar.Low)
		}
		return e.reclaim(lvl, bar, seq)
	}
	return false
}

func (e *Reclaim) reclaim(lvl *Level, bar trade.Bar, seq int) bool {
	if (!lvl.High && bar.Close > lvl.Price) || (lvl.High && bar.Close < lvl.Price) {
		lvl.Status = LevelTraded
		return true
	}
	if seq-lvl.BrokenSeq >= e.p.ReclaimWindow {
		lvl.Status = LevelCancelled
	}
	return false
}

func (e *Reclaim) prune() {
	kept := e.levels[:0]
	for _, l := range e.levels {
		if !l.terminal() {
			kept = append(kept, l)
		}
	}
	if over := len(kept) - e.p.MaxLevels; over > 0 {
		kept = kept[over:]
	}
	for i := len(kept); i < len(e.levels); i++ {
		e.levels[i] = nil
	}
	e.levels = kept
}

func (e *Reclaim) enterFrom(bar trade.Bar, lvl *Level) []trade.Signal {
	dir := 1
	if lvl.High {
		dir = -1
	}
	tick := e.common.TickSize
	entry := bar.Close
	stop := lvl.SweepExtreme - float64(dir)*float64(e.p.StopBufferTicks)*tick
	dist := (entry - stop) * float64(dir)
	dist = math.Min(math.Max(dist, e.p.MinStopPoints), e.p.MaxStopPoints)
	stop = entry - float64(dir)*dist

	tp1 := entry + float64(dir)*e.p.TP1Points
	var tp2 float64
	if e.p.TP2Points > 0 {
		tp2 = entry + float64(dir)*e.p.TP2Points
	}
	kind := "low"
	if lvl.High {
		kind = "high"
	}
	reason := fmt.Sprintf("reclaim of %s %.2f after sweep to %.2f", kind, lvl.Price, lvl.SweepExtreme)
	return e.enter(dir, entry, stop, tp1, tp2, reason)
}

func (e *Reclaim) Snapshot() Snapshot {
	return e.snapshot(map[string]any{"levels": e.Levels()})
}

func (e *Reclaim) RestoreState(r Restore) {
	e.levels = nil
	e.restore(r, func(trade.Bar) { e.detect(false) })
}
