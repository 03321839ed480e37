package strategy

import (
	"fmt"
	"math"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"execution-core/internal/trade"
)

// SweepName is the registry name of the liquidity sweep / structure break engine.
const SweepName = "sweep_mss"

// Entry models.
const (
	EntryAggressive = "aggressive"
	EntryFVG        = "fvg"
)

// Stop modes.
const (
	StopStructural = "structural"
	StopFixed      = "fixed"
)

// Second-target modes.
const (
	TargetRR           = "rr"
	TargetDailyExtreme = "daily_extreme"
)

var displacementTiers = map[string]float64{
	"low":    1.0,
	"medium": 1.5,
	"high":   2.0,
}

// SweepParams configure the sweep / market-structure-shift engine.
type SweepParams struct {
	CommonParams
	LiquidityLookback    int
	StrongLookback       int
	RequireDeepLiquidity bool
	SweepBufferTicks     int
	RequireCloseBack     bool
	PivotStrength        int
	DisplacementTier     string
	BodyLookback         int
	SweepExpiryBars      int
	EntryModel           string
	MinFVGTicks          int
	MaxBarsToFill        int
	StopMode             string
	StopPoints           float64
	StopBufferTicks      int
	TargetMode           string
	RRMultiple           float64
}

// DefaultSweepParams returns the documented defaults.
func DefaultSweepParams() SweepParams {
	return SweepParams{
		CommonParams:      DefaultCommonParams(),
		LiquidityLookback: 20,
		StrongLookback:    120,
		SweepBufferTicks:  2,
		RequireCloseBack:  true,
		PivotStrength:     2,
		DisplacementTier:  "medium",
		BodyLookback:      10,
		SweepExpiryBars:   20,
		EntryModel:        EntryAggressive,
		MinFVGTicks:       4,
		MaxBarsToFill:     5,
		StopMode:          StopStructural,
		StopPoints:        8,
		StopBufferTicks:   2,
		TargetMode:        TargetRR,
		RRMultiple:        2,
	}
}

func (p *SweepParams) fields() map[string]setter {
	return joinFields(p.CommonParams.fields(), map[string]setter{
		"liquidity_lookback":     intField(&p.LiquidityLookback),
		"strong_lookback":        intField(&p.StrongLookback),
		"require_deep_liquidity": boolField(&p.RequireDeepLiquidity),
		"sweep_buffer_ticks":     intField(&p.SweepBufferTicks),
		"require_close_back":     boolField(&p.RequireCloseBack),
		"pivot_strength":         intField(&p.PivotStrength),
		"displacement_tier":      stringField(&p.DisplacementTier),
		"body_lookback":          intField(&p.BodyLookback),
		"sweep_expiry_bars":      intField(&p.SweepExpiryBars),
		"entry_model":            stringField(&p.EntryModel),
		"min_fvg_ticks":          intField(&p.MinFVGTicks),
		"max_bars_to_fill":       intField(&p.MaxBarsToFill),
		"stop_mode":              stringField(&p.StopMode),
		"stop_points":            floatField(&p.StopPoints),
		"stop_buffer_ticks":      intField(&p.StopBufferTicks),
		"target_mode":            stringField(&p.TargetMode),
		"rr_multiple":            floatField(&p.RRMultiple),
	})
}

func (p SweepParams) validate() error {
	err := p.CommonParams.validate()
	if p.LiquidityLookback < 2 || p.StrongLookback < p.LiquidityLookback {
		err = multierr.Append(err, fmt.Errorf("lookbacks invalid: liquidity %d, strong %d", p.LiquidityLookback, p.StrongLookback))
	}
	if p.PivotStrength < 1 || p.BodyLookback < 1 {
		err = multierr.Append(err, fmt.Errorf("pivot_strength and body_lookback must be positive"))
	}
	if _, ok := displacementTiers[p.DisplacementTier]; !ok {
		err = multierr.Append(err, fmt.Errorf("displacement_tier %q not one of low, medium, high", p.DisplacementTier))
	}
	if p.EntryModel != EntryAggressive && p.EntryModel != EntryFVG {
		err = multierr.Append(err, fmt.Errorf("entry_model %q not one of aggressive, fvg", p.EntryModel))
	}
	if p.StopMode != StopStructural && p.StopMode != StopFixed {
		err = multierr.Append(err, fmt.Errorf("stop_mode %q not one of structural, fixed", p.StopMode))
	}
	if p.StopMode == StopFixed && p.StopPoints <= 0 {
		err = multierr.Append(err, fmt.Errorf("stop_points must be positive for fixed stops"))
	}
	if p.TargetMode != TargetRR && p.TargetMode != TargetDailyExtreme {
		err = multierr.Append(err, fmt.Errorf("target_mode %q not one of rr, daily_extreme", p.TargetMode))
	}
	if p.RRMultiple <= 0 {
		err = multierr.Append(err, fmt.Errorf("rr_multiple must be positive, got %v", p.RRMultiple))
	}
	if p.SweepExpiryBars < 1 || p.MaxBarsToFill < 1 {
		err = multierr.Append(err, fmt.Errorf("sweep_expiry_bars and max_bars_to_fill must be positive"))
	}
	if p.HistorySize <= p.LiquidityLookback {
		err = multierr.Append(err, fmt.Errorf("history_size %d must exceed liquidity_lookback %d", p.HistorySize, p.LiquidityLookback))
	}
	return err
}

// Phase is a step of the sweep machine.
type Phase string

const (
	PhaseIdle          Phase = "IDLE"
	PhaseSweepDetected Phase = "SWEEP_DETECTED"
	PhaseMSSPending    Phase = "MSS_PENDING"
	PhaseEntryReady    Phase = "ENTRY_READY"
	PhaseInTrade       Phase = "IN_TRADE"
)

// Machine tracks one direction's sweep pattern. Long machines watch
// downside liquidity, short machines upside liquidity.
type Machine struct {
	Dir          int     `json:"dir"`
	Phase        Phase   `json:"phase"`
	SweepSeq     int     `json:"sweep_seq"`
	SweepExtreme float64 `json:"sweep_extreme"`
	RangeExtreme float64 `json:"range_extreme"`
	MSSLevel     float64 `json:"mss_level"`
	MSSSeq       int     `json:"mss_seq"`
	ReadySeq     int     `json:"ready_seq"`
	GapNear      float64 `json:"gap_near"`
}

func (m *Machine) reset() { *m = Machine{Dir: m.Dir, Phase: PhaseIdle} }

// Sweep runs two independent machines looking for a liquidity sweep followed
// by a displacement break of market structure.
type Sweep struct {
	base
	p     SweepParams
	long  Machine
	short Machine
}

// NewSweep builds the engine from typed params.
func NewSweep(p SweepParams, env Env) (*Sweep, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	e := &Sweep{
		base:  newBase(SweepName, p.CommonParams, env),
		p:     p,
		long:  Machine{Dir: 1, Phase: PhaseIdle},
		short: Machine{Dir: -1, Phase: PhaseIdle},
	}
	e.onClose = func() {
		for _, m := range []*Machine{&e.long, &e.short} {
			if m.Phase == PhaseInTrade {
				m.reset()
			}
		}
	}
	return e, nil
}

// Machines returns copies of the long and short machines.
func (e *Sweep) Machines() (Machine, Machine) { return e.long, e.short }

func (e *Sweep) OnBar(bar trade.Bar, positionQty int) []trade.Signal {
	e.pushBar(bar)

	sigs, handled := e.preamble(bar, positionQty)
	live := !handled

	var out []trade.Signal
	for _, m := range []*Machine{&e.long, &e.short} {
		// Eligibility is re-derived per machine so a long entry on this bar
		// blocks the short one through the counters.
		can := live && e.canEnter(bar)
		if s := e.step(m, bar, can); len(s) > 0 {
			out = append(out, s...)
		}
	}
	if handled {
		return sigs
	}
	return out
}

// step advances m by one bar. It returns entry signals only when enter is true.
func (e *Sweep) step(m *Machine, bar trade.Bar, enter bool) []trade.Signal {
	seq := e.seq
	switch m.Phase {
	case PhaseIdle:
		e.detectSweep(m, bar, seq)
	case PhaseSweepDetected:
		e.trackExtreme(m, bar)
		if seq-m.SweepSeq > e.p.SweepExpiryBars {
			e.log.Debug("sweep expired without structure break", zap.Int("dir", m.Dir))
			m.reset()
			return nil
		}
		if e.displacement(m, bar) {
			m.Phase, m.MSSSeq = PhaseMSSPending, seq
			e.log.Info("market structure shift",
				zap.Int("dir", m.Dir), zap.Float64("level", m.MSSLevel), zap.Float64("close", bar.Close))
			e.ready(m, bar, seq)
		}
	case PhaseMSSPending:
		e.trackExtreme(m, bar)
		if seq-m.MSSSeq > e.p.MaxBarsToFill {
			m.reset()
			return nil
		}
		e.ready(m, bar, seq)
	case PhaseEntryReady:
		if seq-m.ReadySeq > e.p.MaxBarsToFill {
			e.log.Debug("entry not filled in time", zap.Int("dir", m.Dir))
			m.reset()
			return nil
		}
		if !enter || seq <= m.ReadySeq {
			return nil
		}
		if e.p.EntryModel == EntryFVG {
			if (m.Dir > 0 && bar.Low > m.GapNear) || (m.Dir < 0 && bar.High < m.GapNear) {
				return nil
			}
		}
		sigs := e.enterFrom(m, bar)
		if len(sigs) > 0 {
			m.Phase = PhaseInTrade
		} else {
			m.reset()
		}
		return sigs
	}
	return nil
}

func (e *Sweep) trackExtreme(m *Machine, bar trade.Bar) {
	if m.Dir > 0 {
		m.SweepExtreme = math.Min(m.SweepExtreme, bar.Low)
	} else {
		m.SweepExtreme = math.Max(m.SweepExtreme, bar.High)
	}
}

// window returns the n bars before the current one, oldest first.
func (e *Sweep) window(n int) []trade.Bar {
	end := len(e.bars) - 1
	if n > end {
		return nil
	}
	return e.bars[end-n : end]
}

func (e *Sweep) detectSweep(m *Machine, bar trade.Bar, seq int) {
	prior := e.window(e.p.LiquidityLookback)
	if prior == nil {
		return
	}
	buf := float64(e.p.SweepBufferTicks) * e.common.TickSize
	ref, rng := extremes(prior, m.Dir)

	if m.Dir > 0 {
		if bar.Low > ref-buf || (e.p.RequireCloseBack && bar.Close <= ref) {
			return
		}
	} else {
		if bar.High < ref+buf || (e.p.RequireCloseBack && bar.Close >= ref) {
			return
		}
	}

	if e.p.RequireDeepLiquidity {
		strong, ok := e.strongReference(m.Dir)
		if !ok {
			e.log.Debug("sweep rejected: no strong liquidity reference", zap.Int("dir", m.Dir))
			return
		}
		if (m.Dir > 0 && bar.Low > strong-buf) || (m.Dir < 0 && bar.High < strong+buf) {
			return
		}
	}

	m.Phase = PhaseSweepDetected
	m.SweepSeq = seq
	m.RangeExtreme = rng
	m.MSSLevel = e.structureLevel(m.Dir)
	if m.Dir > 0 {
		m.SweepExtreme = bar.Low
	} else {
		m.SweepExtreme = bar.High
	}
	e.log.Info("liquidity sweep",
		zap.Int("dir", m.Dir), zap.Float64("reference", ref), zap.Float64("extreme", m.SweepExtreme),
		zap.Float64("mss_level", m.MSSLevel))
}

// extremes returns the liquidity reference (lowest low for longs) and the
// opposite range extreme (highest high for longs) of bars.
func extremes(bars []trade.Bar, dir int) (ref, rng float64) {
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, b := range bars {
		lo = math.Min(lo, b.Low)
		hi = math.Max(hi, b.High)
	}
	if dir > 0 {
		return lo, hi
	}
	return hi, lo
}

// strongReference is the deeper of the previous day's extreme and the long
// lookback extreme. Neither is available early in the session history.
func (e *Sweep) strongReference(dir int) (float64, bool) {
	var refs []float64
	if dir > 0 && e.prevDayLow.Valid {
		refs = append(refs, e.prevDayLow.Value)
	}
	if dir < 0 && e.prevDayHigh.Valid {
		refs = append(refs, e.prevDayHigh.Value)
	}
	if w := e.window(e.p.StrongLookback); w != nil {
		r, _ := extremes(w, dir)
		refs = append(refs, r)
	}
	if len(refs) == 0 {
		return 0, false
	}
	out := refs[0]
	for _, r := range refs[1:] {
		if dir > 0 {
			out = math.Min(out, r)
		} else {
			out = math.Max(out, r)
		}
	}
	return out, true
}

// structureLevel finds the most recent confirmed swing before the current
// bar: a swing high for longs, a swing low for shorts.
func (e *Sweep) structureLevel(dir int) float64 {
	k := e.p.PivotStrength
	last := len(e.bars) - 2
	for j := last - k; j >= k; j-- {
		c := e.bars[j]
		pivot := true
		for s := j - k; s <= j+k && pivot; s++ {
			if s == j {
				continue
			}
			o := e.bars[s]
			switch {
			case dir > 0 && s < j:
				pivot = c.High > o.High
			case dir > 0:
				pivot = c.High >= o.High
			case s < j:
				pivot = c.Low < o.Low
			default:
				pivot = c.Low <= o.Low
			}
		}
		if pivot {
			if dir > 0 {
				return c.High
			}
			return c.Low
		}
	}
	w := e.window(2*k + 1)
	if w == nil {
		w = e.bars[:len(e.bars)-1]
	}
	_, rng := extremes(w, dir)
	return rng
}

// displacement reports a close through the structure level with a body in
// the trade direction at least the tier multiple of the recent mean body.
func (e *Sweep) displacement(m *Machine, bar trade.Bar) bool {
	if m.Dir > 0 && (bar.Close <= m.MSSLevel || bar.Close <= bar.Open) {
		return false
	}
	if m.Dir < 0 && (bar.Close >= m.MSSLevel || bar.Close >= bar.Open) {
		return false
	}
	w := e.window(e.p.BodyLookback)
	if w == nil {
		w = e.bars[:len(e.bars)-1]
	}
	if len(w) == 0 {
		return bar.Body() > 0
	}
	var sum float64
	for _, b := range w {
		sum += b.Body()
	}
	mean := sum / float64(len(w))
	return bar.Body() >= displacementTiers[e.p.DisplacementTier]*mean
}

// ready moves an MSS_PENDING machine to ENTRY_READY: immediately for the
// aggressive model, once a fair value gap prints for the fvg model.
func (e *Sweep) ready(m *Machine, bar trade.Bar, seq int) {
	if e.p.EntryModel == EntryAggressive {
		m.Phase, m.ReadySeq = PhaseEntryReady, seq
		return
	}
	if len(e.bars) < 3 {
		return
	}
	first := e.bars[len(e.bars)-3]
	minGap := float64(e.p.MinFVGTicks) * e.common.TickSize
	if m.Dir > 0 && bar.Low-first.High >= minGap && bar.Low > first.High {
		m.Phase, m.ReadySeq, m.GapNear = PhaseEntryReady, seq, bar.Low
	} else if m.Dir < 0 && first.Low-bar.High >= minGap && bar.High < first.Low {
		m.Phase, m.ReadySeq, m.GapNear = PhaseEntryReady, seq, bar.High
	} else {
		return
	}
	e.log.Info("fair value gap", zap.Int("dir", m.Dir), zap.Float64("edge", m.GapNear))
}

func (e *Sweep) enterFrom(m *Machine, bar trade.Bar) []trade.Signal {
	dir := float64(m.Dir)
	entry := bar.Close
	tick := e.common.TickSize

	var stop float64
	if e.p.StopMode == StopFixed {
		stop = entry - dir*e.p.StopPoints
	} else {
		stop = m.SweepExtreme - dir*float64(e.p.StopBufferTicks)*tick
	}
	risk := (entry - stop) * dir
	if risk <= 0 {
		return e.enter(m.Dir, entry, stop, 0, 0, "sweep entry")
	}

	tp1 := (m.SweepExtreme + m.RangeExtreme) / 2
	if (tp1-entry)*dir <= 0 {
		tp1 = entry + dir*risk
	}
	tp2 := entry + dir*e.p.RRMultiple*risk
	if e.p.TargetMode == TargetDailyExtreme {
		ext := e.prevDayHigh
		if m.Dir < 0 {
			ext = e.prevDayLow
		}
		if ext.Valid && (ext.Value-entry)*dir > 0 {
			tp2 = ext.Value
		}
	}
	side := "sell-side"
	if m.Dir < 0 {
		side = "buy-side"
	}
	reason := fmt.Sprintf("%s sweep to %.2f, structure break through %.2f", side, m.SweepExtreme, m.MSSLevel)
	return e.enter(m.Dir, entry, stop, tp1, tp2, reason)
}

func (e *Sweep) Snapshot() Snapshot {
	return e.snapshot(map[string]any{"long": e.long, "short": e.short})
}

func (e *Sweep) RestoreState(r Restore) {
	e.long = Machine{Dir: 1, Phase: PhaseIdle}
	e.short = Machine{Dir: -1, Phase: PhaseIdle}
	e.restore(r, func(bar trade.Bar) {
		e.step(&e.long, bar, false)
		e.step(&e.short, bar, false)
	})
	if r.Trade.IsActive() {
		if r.Trade.Direction > 0 {
			e.long = Machine{Dir: 1, Phase: PhaseInTrade}
		} else {
			e.short = Machine{Dir: -1, Phase: PhaseInTrade}
		}
	}
}
