// Package state persists the engine's trade across restarts and keeps the
// append-only trade and equity journals.
package state

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"execution-core/internal/trade"
)

const stateFile = "state.json"

// Snapshot is the persisted state of one running engine.
type Snapshot struct {
	Symbol      string           `json:"symbol"`
	Strategy    string           `json:"strategy"`
	Trade       trade.TradeState `json:"trade"`
	RecentBars  []trade.Bar      `json:"recent_bars"`
	TradesToday int              `json:"trades_today"`
	DailyPnL    float64          `json:"daily_pnl"`
	EODDone     bool             `json:"eod_done"`
	Engine      map[string]any   `json:"engine,omitempty"`
	SavedAt     time.Time        `json:"saved_at"`
}

// Store reads and writes the snapshot file in dir.
type Store struct {
	dir     string
	log     *zap.Logger
	journal *Journal
}

// NewStore creates dir if needed.
func NewStore(dir string, log *zap.Logger) (*Store, error) {
	if dir == "" {
		return nil, errors.New("state directory is empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{dir: dir, log: log.With(zap.String("component", "state"))}, nil
}

// AttachJournal makes ReconcileAndRecord append to j.
func (s *Store) AttachJournal(j *Journal) { s.journal = j }

func (s *Store) Path() string { return filepath.Join(s.dir, stateFile) }

// Save replaces the snapshot file atomically: a reader sees either the old
// or the new content, never a partial write.
func (s *Store) Save(snap Snapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	tmp, err := os.CreateTemp(s.dir, stateFile+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp snapshot: %w", err)
	}
	name := tmp.Name()
	cleanup := func() { os.Remove(name) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("sync snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close snapshot: %w", err)
	}
	if err := os.Rename(name, s.Path()); err != nil {
		cleanup()
		return fmt.Errorf("replace snapshot: %w", err)
	}
	if d, err := os.Open(s.dir); err == nil {
		d.Sync()
		d.Close()
	}
	return nil
}

// Load returns the saved snapshot, or nil when none has been written.
func (s *Store) Load() (*Snapshot, error) {
	data, err := os.ReadFile(s.Path())
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", s.Path(), err)
	}
	return &snap, nil
}

// ReconcileAndRecord reconciles the saved trade against the broker position
// and journals every outcome that changed or questioned the saved trade.
func (s *Store) ReconcileAndRecord(saved *Snapshot, pos trade.PositionInfo) Result {
	var st trade.TradeState
	var symbol, strategy string
	if saved != nil {
		st, symbol, strategy = saved.Trade, saved.Symbol, saved.Strategy
	}
	res := Reconcile(st, pos)

	fields := []zap.Field{
		zap.String("outcome", string(res.Outcome)),
		zap.Int("broker_qty", pos.Quantity),
		zap.Int("saved_direction", st.Direction),
		zap.Int("saved_qty", st.InitialQty),
	}
	switch {
	case res.Warn:
		s.log.Warn("reconciliation: "+res.Message, fields...)
	case res.Outcome == OutcomeNoop:
		s.log.Debug("reconciliation: "+res.Message, fields...)
	default:
		s.log.Info("reconciliation: "+res.Message, fields...)
	}

	if res.Record() && s.journal != nil {
		err := s.journal.RecordTrade(TradeEvent{
			Time:     time.Now(),
			Symbol:   symbol,
			Strategy: strategy,
			Kind:     KindReconcile,
			Qty:      pos.Quantity,
			Price:    pos.AvgPrice,
			Reason:   string(res.Outcome) + ": " + res.Message,
		})
		if err != nil {
			s.log.Error("reconciliation record not written", zap.Error(err))
		}
	}
	return res
}
