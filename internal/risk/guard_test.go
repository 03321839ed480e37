package risk

import (
	"math"
	"testing"
	"time"
)

var day1 = time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)

func TestOnFillRealizedPnL(t *testing.T) {
	tests := []struct {
		name     string
		fills    [][2]float64 // signed qty, price
		want     float64
		wantPos  int
		wantLast float64
	}{
		{name: "long round trip", fills: [][2]float64{{2, 5900}, {-2, 5905}}, want: 500, wantLast: 500},
		{name: "short loses", fills: [][2]float64{{-1, 5900}, {1, 5904}}, want: -200, wantLast: -200},
		{name: "scale in then partial", fills: [][2]float64{{1, 5900}, {1, 5902}, {-1, 5906}}, want: 250, wantPos: 1, wantLast: 250},
		{name: "reverse through flat", fills: [][2]float64{{1, 5900}, {-3, 5890}}, want: -500, wantPos: -2, wantLast: -500},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := NewGuard(Config{PointValue: 50}, nil)
			var last float64
			for _, f := range tt.fills {
				last = g.OnFill(day1, int(f[0]), f[1])
			}
			st := g.Status()
			if math.Abs(st.Realized-tt.want) > 1e-9 {
				t.Fatalf("realized %v, want %v", st.Realized, tt.want)
			}
			if st.Position != tt.wantPos {
				t.Fatalf("position %d, want %d", st.Position, tt.wantPos)
			}
			if math.Abs(last-tt.wantLast) > 1e-9 {
				t.Fatalf("last fill realized %v, want %v", last, tt.wantLast)
			}
		})
	}
}

func TestCheckHaltsOnceUntilNextDay(t *testing.T) {
	g := NewGuard(Config{MaxDailyLoss: 500, PointValue: 50}, nil)
	g.OnFill(day1, 1, 5900)
	g.MarkPrice(5895)
	if g.Check(day1) {
		t.Fatal("250 loss should not halt")
	}
	g.MarkPrice(5890)
	if !g.Check(day1) {
		t.Fatal("500 loss should halt")
	}
	if g.Check(day1.Add(time.Minute)) {
		t.Fatal("second check must not report a new breach")
	}
	if !g.Halted(day1.Add(time.Hour)) {
		t.Fatal("halt must last for the day")
	}
	if g.Halted(day1.Add(24 * time.Hour)) {
		t.Fatal("halt must clear on the next day")
	}
	if g.Status().Realized != 0 {
		t.Fatal("realized must reset on the next day")
	}
}

func TestDayBoundaryUsesLocation(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	g := NewGuard(Config{MaxDailyLoss: 100, PointValue: 50, Location: ny}, nil)
	// 23:30 UTC on the 10th is still the 10th in New York.
	late := time.Date(2026, 3, 10, 23, 30, 0, 0, time.UTC)
	g.Halt(day1, "manual")
	if !g.Halted(late) {
		t.Fatal("halt cleared before the local day changed")
	}
	if g.Halted(time.Date(2026, 3, 11, 5, 0, 0, 0, time.UTC)) {
		t.Fatal("halt survived into the next local day")
	}
}

func TestSeedRestoresDay(t *testing.T) {
	g := NewGuard(Config{MaxDailyLoss: 300, PointValue: 50}, nil)
	g.Seed(day1, -250, 1, 5900)
	g.OnFill(day1, -1, 5899)
	if got := g.Status().Realized; got != -300 {
		t.Fatalf("realized %v, want -300", got)
	}
	if !g.Check(day1) {
		t.Fatal("seeded loss should count toward the limit")
	}
}

func TestSeedHaltOnlyForSameDay(t *testing.T) {
	tests := []struct {
		name     string
		haltedAt time.Time
		want     bool
	}{
		{name: "earlier today", haltedAt: day1.Add(-2 * time.Hour), want: true},
		{name: "yesterday", haltedAt: day1.AddDate(0, 0, -1), want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := NewGuard(Config{MaxDailyLoss: 300, PointValue: 50}, nil)
			g.Seed(day1, 0, 0, 0)
			if got := g.SeedHalt(day1, tt.haltedAt, "manual halt: operator"); got != tt.want {
				t.Fatalf("SeedHalt = %v, want %v", got, tt.want)
			}
			if g.Halted(day1) != tt.want {
				t.Fatalf("halted = %v, want %v", g.Halted(day1), tt.want)
			}
			if tt.want && g.Check(day1) {
				t.Fatal("restored halt must not fire again")
			}
		})
	}
}
