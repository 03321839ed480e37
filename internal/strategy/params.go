package strategy

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cast"
	"go.uber.org/multierr"
)

// CommonParams apply to every engine.
type CommonParams struct {
	Quantity               int
	TickSize               float64
	PointValue             float64
	MaxTradesPerDay        int
	EODFlattenTime         string
	EntryStart             string
	EntryEnd               string
	BreakevenTriggerPoints float64
	BreakevenOffsetTicks   int
	PartialPct             float64
	TrailPoints            float64
	HistorySize            int
}

// DefaultCommonParams is the baseline every engine's defaults start from.
func DefaultCommonParams() CommonParams {
	return CommonParams{
		Quantity:        1,
		TickSize:        0.25,
		PointValue:      50,
		MaxTradesPerDay: 3,
		EODFlattenTime:  "15:55",
		PartialPct:      50,
		HistorySize:     300,
	}
}

type setter func(v any) error

func intField(dst *int) setter {
	return func(v any) error {
		n, err := cast.ToIntE(v)
		if err != nil {
			return err
		}
		*dst = n
		return nil
	}
}

func floatField(dst *float64) setter {
	return func(v any) error {
		f, err := cast.ToFloat64E(v)
		if err != nil {
			return err
		}
		*dst = f
		return nil
	}
}

func boolField(dst *bool) setter {
	return func(v any) error {
		b, err := cast.ToBoolE(v)
		if err != nil {
			return err
		}
		*dst = b
		return nil
	}
}

func stringField(dst *string) setter {
	return func(v any) error {
		s, err := cast.ToStringE(v)
		if err != nil {
			return err
		}
		*dst = strings.TrimSpace(s)
		return nil
	}
}

func (p *CommonParams) fields() map[string]setter {
	return map[string]setter{
		"quantity":                 intField(&p.Quantity),
		"tick_size":                floatField(&p.TickSize),
		"point_value":              floatField(&p.PointValue),
		"max_trades_per_day":       intField(&p.MaxTradesPerDay),
		"eod_flatten_time":         stringField(&p.EODFlattenTime),
		"entry_start":              stringField(&p.EntryStart),
		"entry_end":                stringField(&p.EntryEnd),
		"breakeven_trigger_points": floatField(&p.BreakevenTriggerPoints),
		"breakeven_offset_ticks":   intField(&p.BreakevenOffsetTicks),
		"partial_pct":              floatField(&p.PartialPct),
		"trail_points":             floatField(&p.TrailPoints),
		"history_size":             intField(&p.HistorySize),
	}
}

func (p CommonParams) validate() error {
	var err error
	if p.Quantity <= 0 {
		err = multierr.Append(err, fmt.Errorf("quantity must be positive, got %d", p.Quantity))
	}
	if p.TickSize <= 0 {
		err = multierr.Append(err, fmt.Errorf("tick_size must be positive, got %v", p.TickSize))
	}
	if p.PointValue <= 0 {
		err = multierr.Append(err, fmt.Errorf("point_value must be positive, got %v", p.PointValue))
	}
	if p.MaxTradesPerDay <= 0 {
		err = multierr.Append(err, fmt.Errorf("max_trades_per_day must be positive, got %d", p.MaxTradesPerDay))
	}
	if p.PartialPct <= 0 || p.PartialPct > 100 {
		err = multierr.Append(err, fmt.Errorf("partial_pct must be in (0, 100], got %v", p.PartialPct))
	}
	if p.HistorySize < 10 {
		err = multierr.Append(err, fmt.Errorf("history_size must be at least 10, got %d", p.HistorySize))
	}
	if p.BreakevenTriggerPoints < 0 || p.TrailPoints < 0 {
		err = multierr.Append(err, fmt.Errorf("breakeven_trigger_points and trail_points must not be negative"))
	}
	for name, v := range map[string]string{
		"eod_flatten_time": p.EODFlattenTime,
		"entry_start":      p.EntryStart,
		"entry_end":        p.EntryEnd,
	} {
		if _, e := clockMinutes(v); e != nil {
			err = multierr.Append(err, fmt.Errorf("%s: %w", name, e))
		}
	}
	return err
}

// mergeParams applies overrides onto the typed fields. Unknown keys and
// values that cannot be converted are all reported.
func mergeParams(fields map[string]setter, overrides map[string]any) error {
	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var err error
	for _, k := range keys {
		set, ok := fields[strings.ToLower(k)]
		if !ok {
			err = multierr.Append(err, fmt.Errorf("unknown parameter %q", k))
			continue
		}
		if e := set(overrides[k]); e != nil {
			err = multierr.Append(err, fmt.Errorf("parameter %q: %w", k, e))
		}
	}
	return err
}

func joinFields(sets ...map[string]setter) map[string]setter {
	out := make(map[string]setter)
	for _, s := range sets {
		for k, v := range s {
			out[k] = v
		}
	}
	return out
}

// clockMinutes parses "HH:MM" into minutes after midnight. Empty means unset (-1).
func clockMinutes(s string) (int, error) {
	if s == "" {
		return -1, nil
	}
	t, err := time.Parse("15:04", s)
	if err != nil {
		return -1, fmt.Errorf("invalid clock time %q, want HH:MM", s)
	}
	return t.Hour()*60 + t.Minute(), nil
}
