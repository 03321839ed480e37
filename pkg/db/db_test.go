package db

import (
	"context"
	"testing"
	"time"
)

func openTestDB(t *testing.T) *Database {
	t.Helper()
	database, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return database
}

func TestApplyMigrationsIsRepeatable(t *testing.T) {
	database := openTestDB(t)
	if err := ApplyMigrations(database); err != nil {
		t.Fatalf("second migration: %v", err)
	}
	v, err := database.userVersion()
	if err != nil || v != SchemaVersion() {
		t.Fatalf("user_version %d (%v), want %d", v, err, SchemaVersion())
	}
}

func TestApplyMigrationsRejectsNewerSchema(t *testing.T) {
	database := openTestDB(t)
	if _, err := database.DB.Exec("PRAGMA user_version = 99"); err != nil {
		t.Fatalf("set version: %v", err)
	}
	if err := ApplyMigrations(database); err == nil {
		t.Fatal("expected an error for a schema newer than the build")
	}
}

func TestTradeEventsRoundTrip(t *testing.T) {
	database := openTestDB(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 10, 14, 30, 0, 0, time.UTC)

	events := []TradeEventRow{
		{Time: base, Symbol: "ESH6", Strategy: "break_reclaim", Kind: "ENTRY", Side: "BUY", Qty: 2, Price: 5900},
		{Time: base.Add(10 * time.Minute), Symbol: "ESH6", Strategy: "break_reclaim", Kind: "STOP", Side: "SELL", Qty: 2, Price: 5895, Realized: -500},
		{Time: base.Add(-24 * time.Hour), Symbol: "ESH6", Strategy: "break_reclaim", Kind: "FLATTEN", Realized: 125},
	}
	for _, e := range events {
		if err := database.InsertTradeEvent(ctx, e); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	got, err := database.ListTradeEvents(ctx, 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 events, got %d", len(got))
	}
	if got[0].Kind != "FLATTEN" || got[1].Kind != "STOP" {
		t.Errorf("unexpected order: %s, %s", got[0].Kind, got[1].Kind)
	}

	realized, err := database.RealizedSince(ctx, base)
	if err != nil {
		t.Fatalf("realized: %v", err)
	}
	if realized != -500 {
		t.Errorf("realized since session start = %v, want -500", realized)
	}
}

func TestLatestEquity(t *testing.T) {
	database := openTestDB(t)
	ctx := context.Background()

	e, err := database.LatestEquity(ctx)
	if err != nil || e != nil {
		t.Fatalf("empty table: got %+v, %v", e, err)
	}

	ts := time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)
	for i, total := range []float64{100, -250} {
		row := EquityRow{Time: ts.Add(time.Duration(i) * time.Minute), Symbol: "ESH6", Realized: total, Total: total, Position: i}
		if _, err := database.DB.ExecContext(ctx, InsertEquitySQL, EquityArgs(row)...); err != nil {
			t.Fatalf("insert equity: %v", err)
		}
	}
	e, err = database.LatestEquity(ctx)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if e == nil || e.Total != -250 || e.Position != 1 || e.Symbol != "ESH6" {
		t.Fatalf("unexpected latest equity %+v", e)
	}
}
