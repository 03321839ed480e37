package state

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

type recordingMirror struct {
	trades []TradeEvent
	equity []EquityRecord
}

func (m *recordingMirror) MirrorTrade(e TradeEvent)    { m.trades = append(m.trades, e) }
func (m *recordingMirror) MirrorEquity(e EquityRecord) { m.equity = append(m.equity, e) }

func TestJournalAppendsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	ts := time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)

	j, err := OpenJournal(dir, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	mirror := &recordingMirror{}
	j.SetMirror(mirror)
	if err := j.RecordTrade(TradeEvent{Time: ts, Symbol: "ESH6", Kind: KindEntry, Side: "BUY", Qty: 1, Price: 5900}); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := j.RecordEquity(EquityRecord{Time: ts, Symbol: "ESH6", Unrealized: 50, Total: 50, Position: 1}); err != nil {
		t.Fatalf("equity: %v", err)
	}
	if err := j.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := j.RecordTrade(TradeEvent{Kind: KindHalt}); err == nil {
		t.Fatal("write after close should fail")
	}

	j, err = OpenJournal(dir, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if err := j.RecordTrade(TradeEvent{Time: ts.Add(time.Minute), Symbol: "ESH6", Kind: KindStop, Side: "SELL", Qty: 1, Price: 5895, Realized: -250}); err != nil {
		t.Fatalf("record: %v", err)
	}
	j.Close()

	events, err := TradeEvents(dir, nil)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(events) != 2 || events[0].Kind != KindEntry || events[1].Realized != -250 {
		t.Fatalf("unexpected events %+v", events)
	}
	if len(mirror.trades) != 1 || len(mirror.equity) != 1 {
		t.Fatalf("mirror saw %d trades, %d equity", len(mirror.trades), len(mirror.equity))
	}

	raw, err := os.ReadFile(filepath.Join(dir, equityFile))
	if err != nil {
		t.Fatalf("read equity: %v", err)
	}
	if lines := strings.Count(string(raw), "\n"); lines != 1 {
		t.Fatalf("equity lines %d, want 1", lines)
	}
}

func TestTradeEventsMissingFile(t *testing.T) {
	events, err := TradeEvents(t.TempDir(), nil)
	if err != nil || events != nil {
		t.Fatalf("got %v, %v", events, err)
	}
}

func TestTornLastLineIsSkippedAndTerminated(t *testing.T) {
	dir := t.TempDir()
	ts := time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)
	j, err := OpenJournal(dir, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := j.RecordTrade(TradeEvent{Time: ts, Symbol: "ESH6", Kind: KindStop, Realized: -1800}); err != nil {
		t.Fatalf("record: %v", err)
	}
	j.Close()

	path := filepath.Join(dir, tradesFile)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open raw: %v", err)
	}
	f.WriteString(`{"time":"2026-03-10T15:05:00Z","kind":"PART`)
	f.Close()

	events, err := TradeEvents(dir, nil)
	if err != nil {
		t.Fatalf("read torn journal: %v", err)
	}
	if len(events) != 1 || events[0].Realized != -1800 {
		t.Fatalf("events %+v, want the one complete record", events)
	}

	j, err = OpenJournal(dir, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if err := j.RecordTrade(TradeEvent{Time: ts.Add(time.Hour), Symbol: "ESH6", Kind: KindTarget, Realized: 600}); err != nil {
		t.Fatalf("record after reopen: %v", err)
	}
	j.Close()

	events, err = TradeEvents(dir, nil)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(events) != 2 || events[1].Kind != KindTarget || events[1].Realized != 600 {
		t.Fatalf("record after a torn line was lost: %+v", events)
	}
	raw, _ := os.ReadFile(path)
	if !strings.HasSuffix(string(raw), "\n") || strings.Count(string(raw), "\n") != 3 {
		t.Fatalf("unexpected journal layout %q", raw)
	}
}
