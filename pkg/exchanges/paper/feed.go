package paper

import (
	"context"
	"math"
	"math/rand"
	"time"

	"execution-core/pkg/exchanges/common"
)

// RandomWalk pushes synthetic ticks for symbol into g until ctx is done.
// It lets dry runs exercise the whole pipeline without a market data link.
type RandomWalk struct {
	Symbol     string
	StartPrice float64
	Step       float64
	TickSize   float64
	Interval   time.Duration
	Seed       int64
}

func (w RandomWalk) Run(ctx context.Context, g *Gateway) {
	price := w.StartPrice
	if price == 0 {
		price = 5000
	}
	if w.Step == 0 {
		w.Step = 1
	}
	if w.TickSize == 0 {
		w.TickSize = 0.25
	}
	if w.Interval == 0 {
		w.Interval = time.Second
	}
	rng := rand.New(rand.NewSource(w.Seed))

	t := time.NewTicker(w.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			price += (rng.Float64()*2 - 1) * w.Step
			price = math.Round(price/w.TickSize) * w.TickSize
			g.OnTick(common.Tick{Symbol: w.Symbol, Price: price, Size: float64(1 + rng.Intn(5)), Time: now})
		}
	}
}
