package state

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	tradesFile = "trades.jsonl"
	equityFile = "equity.jsonl"
)

// EventKind classifies a trade journal line.
type EventKind string

const (
	KindEntry     EventKind = "ENTRY"
	KindPartial   EventKind = "PARTIAL"
	KindFlatten   EventKind = "FLATTEN"
	KindStop      EventKind = "STOP"
	KindTarget    EventKind = "TARGET"
	KindReconcile EventKind = "RECONCILE"
	KindHalt      EventKind = "HALT"
	KindRoll      EventKind = "ROLL"
	KindManual    EventKind = "MANUAL"
)

// TradeEvent is one line of trades.jsonl.
type TradeEvent struct {
	Time     time.Time `json:"time"`
	Symbol   string    `json:"symbol"`
	Strategy string    `json:"strategy"`
	Kind     EventKind `json:"kind"`
	Side     string    `json:"side,omitempty"`
	Qty      int       `json:"qty"`
	Price    float64   `json:"price"`
	Reason   string    `json:"reason,omitempty"`
	Realized float64   `json:"realized"`
}

// EquityRecord is one line of equity.jsonl, written per processed bar.
type EquityRecord struct {
	Time       time.Time `json:"time"`
	Symbol     string    `json:"symbol"`
	Realized   float64   `json:"realized"`
	Unrealized float64   `json:"unrealized"`
	Total      float64   `json:"total"`
	Position   int       `json:"position"`
}

// Mirror receives a copy of every journal line. Implementations must not block.
type Mirror interface {
	MirrorTrade(TradeEvent)
	MirrorEquity(EquityRecord)
}

// Journal appends trade and equity records. Files are only ever appended to.
type Journal struct {
	mu     sync.Mutex
	dir    string
	trades *os.File
	equity *os.File
	mirror Mirror
	log    *zap.Logger
}

// OpenJournal opens or creates the journal files in dir.
func OpenJournal(dir string, log *zap.Logger) (*Journal, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}
	if log == nil {
		log = zap.NewNop()
	}
	log = log.With(zap.String("component", "journal"))
	open := func(name string) (*os.File, error) {
		f, err := os.OpenFile(filepath.Join(dir, name), os.O_APPEND|os.O_CREATE|os.O_RDWR, 0o644)
		if err != nil {
			return nil, err
		}
		torn, err := terminateLastLine(f)
		if err != nil {
			f.Close()
			return nil, err
		}
		if torn {
			log.Warn("journal ended in a partial line; it will be skipped on read", zap.String("file", name))
		}
		return f, nil
	}
	trades, err := open(tradesFile)
	if err != nil {
		return nil, fmt.Errorf("open trade journal: %w", err)
	}
	equity, err := open(equityFile)
	if err != nil {
		trades.Close()
		return nil, fmt.Errorf("open equity journal: %w", err)
	}
	return &Journal{dir: dir, trades: trades, equity: equity, log: log}, nil
}

// terminateLastLine appends a newline when f does not end with one, so a
// record cut short by a crash cannot swallow the next one.
func terminateLastLine(f *os.File) (bool, error) {
	info, err := f.Stat()
	if err != nil {
		return false, err
	}
	if info.Size() == 0 {
		return false, nil
	}
	last := make([]byte, 1)
	if _, err := f.ReadAt(last, info.Size()-1); err != nil {
		return false, fmt.Errorf("read journal tail: %w", err)
	}
	if last[0] == '\n' {
		return false, nil
	}
	if _, err := f.Write([]byte{'\n'}); err != nil {
		return false, fmt.Errorf("terminate journal line: %w", err)
	}
	return true, nil
}

// SetMirror forwards future records to m as well.
func (j *Journal) SetMirror(m Mirror) {
	j.mu.Lock()
	j.mirror = m
	j.mu.Unlock()
}

func (j *Journal) RecordTrade(e TradeEvent) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := appendLine(j.trades, e); err != nil {
		return fmt.Errorf("append trade event: %w", err)
	}
	if j.mirror != nil {
		j.mirror.MirrorTrade(e)
	}
	return nil
}

func (j *Journal) RecordEquity(e EquityRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := appendLine(j.equity, e); err != nil {
		return fmt.Errorf("append equity record: %w", err)
	}
	if j.mirror != nil {
		j.mirror.MirrorEquity(e)
	}
	return nil
}

func appendLine(f *os.File, v any) error {
	if f == nil {
		return errors.New("journal closed")
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = f.Write(append(data, '\n'))
	return err
}

// Close closes both files.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	var errs error
	for _, f := range []**os.File{&j.trades, &j.equity} {
		if *f == nil {
			continue
		}
		if err := (*f).Close(); err != nil {
			errs = multierr.Append(errs, err)
		}
		*f = nil
	}
	return errs
}

// TradeEvents reads the trade journal in dir, oldest first. A missing file
// yields no events. Lines that do not decode are logged and skipped.
func TradeEvents(dir string, log *zap.Logger) ([]TradeEvent, error) {
	if log == nil {
		log = zap.NewNop()
	}
	f, err := os.Open(filepath.Join(dir, tradesFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []TradeEvent
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	line := 0
	for sc.Scan() {
		line++
		if len(sc.Bytes()) == 0 {
			continue
		}
		var e TradeEvent
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			log.Warn("skipping undecodable trade journal line", zap.Int("line", line), zap.Error(err))
			continue
		}
		out = append(out, e)
	}
	return out, sc.Err()
}
