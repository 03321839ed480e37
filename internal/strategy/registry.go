package strategy

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/multierr"
)

// ErrUnknownStrategy is returned when a name is not registered.
var ErrUnknownStrategy = errors.New("unknown strategy")

// Factory builds an engine from user parameter overrides.
type Factory func(params map[string]any, env Env) (Engine, error)

// Registry maps strategy names to factories. It is built once at startup
// and passed to whoever needs to create or validate engines.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry returns a registry holding every compiled-in engine.
func NewRegistry() *Registry {
	return &Registry{factories: map[string]Factory{
		ReclaimName: newReclaimEngine,
		SweepName:   newSweepEngine,
	}}
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) Has(name string) bool {
	_, ok := r.factories[name]
	return ok
}

// Create builds the named engine, merging params onto its defaults.
func (r *Registry) Create(name string, params map[string]any, env Env) (Engine, error) {
	f, ok := r.factories[name]
	if !ok {
		return nil, fmt.Errorf("%w %q (valid: %s)", ErrUnknownStrategy, name, strings.Join(r.Names(), ", "))
	}
	eng, err := f(params, env)
	if err != nil {
		return nil, fmt.Errorf("strategy %s: %w", name, err)
	}
	return eng, nil
}

func applyEnv(c *CommonParams, env Env) {
	if env.TickSize > 0 {
		c.TickSize = env.TickSize
	}
	if env.PointValue > 0 {
		c.PointValue = env.PointValue
	}
}

func newReclaimEngine(params map[string]any, env Env) (Engine, error) {
	p := DefaultReclaimParams()
	applyEnv(&p.CommonParams, env)
	mergeErr := mergeParams(p.fields(), params)
	eng, err := NewReclaim(p, env)
	if err = multierr.Append(mergeErr, err); err != nil {
		return nil, err
	}
	return eng, nil
}

func newSweepEngine(params map[string]any, env Env) (Engine, error) {
	p := DefaultSweepParams()
	applyEnv(&p.CommonParams, env)
	mergeErr := mergeParams(p.fields(), params)
	eng, err := NewSweep(p, env)
	if err = multierr.Append(mergeErr, err); err != nil {
		return nil, err
	}
	return eng, nil
}
