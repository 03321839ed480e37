package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"execution-core/internal/api"
	"execution-core/internal/contract"
	"execution-core/internal/engine"
	"execution-core/internal/events"
	"execution-core/internal/monitor"
	"execution-core/internal/order"
	"execution-core/internal/persistence"
	"execution-core/internal/reconciliation"
	"execution-core/internal/risk"
	"execution-core/internal/state"
	"execution-core/internal/strategy"
	"execution-core/pkg/config"
	"execution-core/pkg/db"
	"execution-core/pkg/exchanges/bridge"
	"execution-core/pkg/exchanges/common"
	"execution-core/pkg/exchanges/paper"
	"execution-core/pkg/logger"
)

const (
	exitOK      = 0
	exitRuntime = 1
	exitConfig  = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration")
	dryRun := flag.Bool("dry-run", false, "simulate fills locally instead of sending orders; positions are left open at shutdown")
	logLevel := flag.String("log-level", "info", "console log level: debug, info, warn or error")
	issueToken := flag.String("issue-token", "", "print a control API token for the named operator and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return exitConfig
	}
	cfg.DryRun = *dryRun
	registry := strategy.NewRegistry()
	if err := cfg.Validate(registry.Names()); err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return exitConfig
	}

	if *issueToken != "" {
		token, err := api.GenerateToken(cfg.Ops.ControlSecret, *issueToken, 24*time.Hour)
		if err != nil {
			fmt.Fprintf(os.Stderr, "issue token: %v\n", err)
			return exitConfig
		}
		fmt.Println(token)
		return exitOK
	}

	log, flush, err := logger.New(logger.Options{
		Level:      *logLevel,
		Dir:        cfg.Ops.LogDir,
		MaxSizeMB:  cfg.Log.MaxSize,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAge,
		Compress:   cfg.Log.Compress,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		return exitConfig
	}
	defer flush()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := runEngine(ctx, cfg, registry, log); err != nil {
		log.Error("execution core failed", zap.Error(err))
		if errors.Is(err, config.ErrInvalid) {
			return exitConfig
		}
		return exitRuntime
	}
	return exitOK
}

func runEngine(ctx context.Context, cfg *config.Config, registry *strategy.Registry, log *zap.Logger) (err error) {
	loc, err := cfg.Location()
	if err != nil {
		return fmt.Errorf("%w: %v", config.ErrInvalid, err)
	}
	rollCheck, _ := config.ClockMinutes(cfg.Roll.CheckTime)
	sessionStart, _ := config.ClockMinutes(cfg.Session.Start)
	sessionEnd, _ := config.ClockMinutes(cfg.Session.End)

	bus := events.NewBus()
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := monitor.NewMetrics(reg, func() float64 { return float64(bus.Dropped()) })

	eng, err := registry.Create(cfg.Strategy.Name, cfg.Strategy.Params, strategy.Env{
		TickSize:   cfg.Instrument.TickSize,
		PointValue: cfg.Instrument.PointValue,
		Location:   loc,
		Log:        log,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", config.ErrInvalid, err)
	}

	store, err := state.NewStore(cfg.State.Dir, log)
	if err != nil {
		return err
	}
	journal, err := state.OpenJournal(cfg.State.Dir, log)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, journal.Close()) }()
	store.AttachJournal(journal)

	var history api.TradeHistory
	if cfg.Ops.JournalDB != "" {
		database, err := db.Open(cfg.Ops.JournalDB)
		if err != nil {
			return fmt.Errorf("open journal database: %w", err)
		}
		writer := persistence.NewWriter(database.DB, persistence.WriterConfig{BatchSize: 100, Interval: 2 * time.Second}, log)
		journal.SetMirror(persistence.NewJournalMirror(writer))
		history = database
		defer func() {
			err = multierr.Append(err, writer.Close())
			err = multierr.Append(err, database.Close())
		}()
	}

	symbol := cfg.Instrument.Symbol
	if symbol == "" {
		symbol = contract.ResolveFrontMonth(cfg.Instrument.Root, time.Now().In(loc), cfg.Roll.DaysBefore)
	}
	gw, feed := buildGateway(cfg, symbol, log)
	if feed != nil {
		go feed(ctx)
	}

	orders := order.NewManager(gw, order.Config{
		Symbol:         symbol,
		Account:        cfg.Instrument.Account,
		MaxQty:         cfg.Risk.MaxContracts,
		SubmitRate:     cfg.Risk.SubmitPerSecond,
		RestingTargets: cfg.Ops.RestingTargets,
	}, log, bus)
	guard := risk.NewGuard(risk.Config{
		MaxDailyLoss: cfg.Risk.MaxDailyLoss,
		PointValue:   cfg.Instrument.PointValue,
		Location:     loc,
	}, log)

	adapter, err := engine.NewAdapter(engine.Config{
		Root:            cfg.Instrument.Root,
		Symbol:          cfg.Instrument.Symbol,
		Exchange:        cfg.Instrument.Exchange,
		Account:         cfg.Instrument.Account,
		BarMinutes:      cfg.Strategy.BarMinutes,
		Location:        loc,
		AutoRoll:        cfg.Roll.AutoRoll,
		RollDaysBefore:  cfg.Roll.DaysBefore,
		RollCheck:       rollCheck,
		StateDir:        cfg.State.Dir,
		RecentBars:      cfg.State.RecentBars,
		DriftInterval:   cfg.State.DriftCheckInterval,
		DryRun:          cfg.DryRun,
		ShutdownTimeout: 30 * time.Second,
	}, engine.Deps{
		Gateway: gw,
		Orders:  orders,
		Engine:  eng,
		Store:   store,
		Journal: journal,
		Risk:    guard,
		Drift:   reconciliation.NewService(orders, bus, metrics, log),
		Watchdog: &monitor.Watchdog{
			MaxAge:   time.Duration(cfg.Risk.StaleTickSeconds) * time.Second,
			Interval: cfg.Session.WatchdogInterval,
			Session:  monitor.Session{Start: sessionStart, End: sessionEnd, Location: loc},
			Bus:      bus,
			Metrics:  metrics,
			Log:      log.With(zap.String("component", "watchdog")),
		},
		Metrics: metrics,
		Bus:     bus,
		Log:     log,
	})
	if err != nil {
		return err
	}

	mon := &monitor.Monitor{Bus: bus, Sinks: []monitor.AlertSink{monitor.LogSink{Log: log}}, Log: log}
	mon.Start(ctx)

	if cfg.Ops.StatusAddr != "" {
		server := api.NewServer(api.Options{
			Engine:   adapter,
			Bus:      bus,
			Gatherer: reg,
			History:  history,
			Secret:   cfg.Ops.ControlSecret,
			Meta:     api.SystemMeta{Version: buildVersion(), DryRun: cfg.DryRun, Paper: cfg.Connection.Paper, Broker: brokerName(cfg)},
			Log:      log,
		})
		go func() {
			if err := server.Start(ctx, cfg.Ops.StatusAddr); err != nil {
				log.Error("status server stopped", zap.Error(err))
			}
		}()
	}

	log.Info("starting execution core",
		zap.String("strategy", eng.Name()),
		zap.String("symbol", symbol),
		zap.String("broker", brokerName(cfg)),
		zap.Bool("dry_run", cfg.DryRun),
		zap.Bool("paper", cfg.Connection.Paper))
	return adapter.Run(ctx)
}

// buildGateway returns the broker gateway and, when no market data link is
// configured, a synthetic feed to run alongside it.
func buildGateway(cfg *config.Config, symbol string, log *zap.Logger) (common.Gateway, func(context.Context)) {
	var upstream common.Gateway
	if cfg.Connection.URL != "" {
		upstream = bridge.New(bridge.Config{
			URL:          cfg.Connection.URL,
			Username:     cfg.Connection.Username,
			Password:     cfg.Connection.Password,
			ReconnectMin: cfg.Connection.ReconnectMin,
			ReconnectMax: cfg.Connection.ReconnectMax,
		}, log)
	}
	if !cfg.Simulated() {
		return upstream, nil
	}

	sim := paper.New(upstream, paper.Config{
		TickSize:   cfg.Instrument.TickSize,
		PointValue: cfg.Instrument.PointValue,
	}, log)
	if upstream != nil {
		return sim, nil
	}
	walk := paper.RandomWalk{
		Symbol:   symbol,
		Step:     cfg.Instrument.TickSize * 2,
		TickSize: cfg.Instrument.TickSize,
		Interval: 250 * time.Millisecond,
		Seed:     time.Now().UnixNano(),
	}
	return sim, func(ctx context.Context) { walk.Run(ctx, sim) }
}

func brokerName(cfg *config.Config) string {
	switch {
	case cfg.Simulated() && cfg.Connection.URL != "":
		return "paper+bridge"
	case cfg.Simulated():
		return "paper"
	}
	return "bridge"
}

func buildVersion() string {
	if v := os.Getenv("APP_VERSION"); v != "" {
		return v
	}
	return "dev"
}
