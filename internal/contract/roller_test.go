package contract

import (
	"testing"
	"time"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 10, 30, 0, 0, time.UTC)
}

func TestExpirationDate(t *testing.T) {
	tests := []struct {
		year  int
		month time.Month
		want  time.Time
	}{
		{2026, time.March, time.Date(2026, 3, 20, 0, 0, 0, 0, time.UTC)},
		{2026, time.June, time.Date(2026, 6, 19, 0, 0, 0, 0, time.UTC)},
		{2026, time.September, time.Date(2026, 9, 18, 0, 0, 0, 0, time.UTC)},
		{2026, time.December, time.Date(2026, 12, 18, 0, 0, 0, 0, time.UTC)},
		{2027, time.March, time.Date(2027, 3, 19, 0, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		if got := ExpirationDate(tt.year, tt.month); !got.Equal(tt.want) {
			t.Errorf("ExpirationDate(%d, %v) = %v, want %v", tt.year, tt.month, got, tt.want)
		}
	}
}

func TestResolveFrontMonth(t *testing.T) {
	tests := []struct {
		name string
		asOf time.Time
		days int
		want string
	}{
		{"roll day advances", day(2026, 3, 12), 8, "ESM6"},
		{"day before roll", day(2026, 3, 11), 8, "ESH6"},
		{"off-cycle month", day(2026, 1, 5), 8, "ESH6"},
		{"after december roll wraps year", day(2026, 12, 15), 8, "ESH7"},
		{"zero roll days keeps through expiry eve", day(2026, 6, 18), 0, "ESM6"},
		{"zero roll days on expiry", day(2026, 6, 19), 0, "ESU6"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ResolveFrontMonth("ES", tt.asOf, tt.days); got != tt.want {
				t.Fatalf("got %s, want %s", got, tt.want)
			}
			if again := ResolveFrontMonth("ES", tt.asOf, tt.days); again != tt.want {
				t.Fatalf("not idempotent: %s then %s", tt.want, again)
			}
		})
	}
}

func TestCheckRollNeeded(t *testing.T) {
	tests := []struct {
		name    string
		current string
		asOf    time.Time
		want    bool
		symbol  string
	}{
		{name: "roll date reached", current: "ESH6", asOf: day(2026, 3, 12), want: true, symbol: "ESM6"},
		{name: "already on front", current: "ESM6", asOf: day(2026, 3, 12), symbol: "ESM6"},
		{name: "expired contract from last year", current: "ESZ5", asOf: day(2026, 1, 5), want: true, symbol: "ESH6"},
		{name: "later contract is never rolled back", current: "ESZ6", asOf: day(2026, 3, 1), symbol: "ESZ6"},
		{name: "later contract across a decade", current: "ESH0", asOf: day(2029, 12, 1), symbol: "ESH0"},
		{name: "unparseable current rolls to front", current: "ES", asOf: day(2026, 3, 1), want: true, symbol: "ESH6"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			need, sym := CheckRollNeeded(tt.current, "ES", tt.asOf, 8)
			if need != tt.want || sym != tt.symbol {
				t.Fatalf("got %v %s, want %v %s", need, sym, tt.want, tt.symbol)
			}
		})
	}
}

func TestNextRollDate(t *testing.T) {
	got := NextRollDate(day(2026, 3, 11), 8)
	want := time.Date(2026, 3, 12, 0, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestParseSymbol(t *testing.T) {
	root, year, month, err := ParseSymbol("NQZ6", day(2026, 10, 1))
	if err != nil {
		t.Fatal(err)
	}
	if root != "NQ" || year != 2026 || month != time.December {
		t.Fatalf("got %s %d %v", root, year, month)
	}
	if _, _, _, err := ParseSymbol("ESX6", day(2026, 10, 1)); err == nil {
		t.Fatal("expected error for non-quarterly code")
	}
	_, year, _, _ = ParseSymbol("ESH0", day(2029, 12, 20))
	if year != 2030 {
		t.Fatalf("decade wrap: got %d", year)
	}
	_, year, _, _ = ParseSymbol("ESZ9", day(2030, 1, 5))
	if year != 2029 {
		t.Fatalf("previous decade: got %d", year)
	}
}
