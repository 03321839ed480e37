// Package config loads the engine's YAML configuration, applies environment
// overrides and validates the result.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/cast"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

type Config struct {
	Connection Connection `yaml:"connection"`
	Instrument Instrument `yaml:"instrument"`
	Strategy   Strategy   `yaml:"strategy"`
	Risk       Risk       `yaml:"risk"`
	Roll       Roll       `yaml:"roll"`
	Session    Session    `yaml:"session"`
	State      State      `yaml:"state"`
	Ops        Ops        `yaml:"ops"`
	Log        Log        `yaml:"log"`

	// DryRun comes from the command line. It routes orders to the simulator
	// whatever connection.paper says.
	DryRun bool `yaml:"-"`
}

// Simulated reports whether orders go to the paper simulator.
func (c *Config) Simulated() bool { return c.Connection.Paper || c.DryRun }

type Connection struct {
	URL          string        `yaml:"url" validate:"omitempty,url"`
	Username     string        `yaml:"username"`
	Password     string        `yaml:"password"`
	Paper        bool          `yaml:"paper"`
	ReconnectMin time.Duration `yaml:"reconnect_min" validate:"gt=0"`
	ReconnectMax time.Duration `yaml:"reconnect_max" validate:"gtefield=ReconnectMin"`
}

type Instrument struct {
	Exchange   string  `yaml:"exchange" validate:"required"`
	Root       string  `yaml:"root" validate:"required,alpha"`
	Symbol     string  `yaml:"symbol"`
	Account    string  `yaml:"account"`
	Timezone   string  `yaml:"timezone" validate:"required"`
	TickSize   float64 `yaml:"tick_size" validate:"gt=0"`
	PointValue float64 `yaml:"point_value" validate:"gt=0"`
}

type Strategy struct {
	Name       string         `yaml:"name" validate:"required"`
	BarMinutes int            `yaml:"bar_minutes" validate:"min=1,max=1440"`
	Params     map[string]any `yaml:"params"`
}

type Risk struct {
	MaxDailyLoss     float64 `yaml:"max_daily_loss" validate:"gte=0"`
	MaxContracts     int     `yaml:"max_contracts" validate:"min=1"`
	StaleTickSeconds int     `yaml:"stale_tick_seconds" validate:"min=1"`
	SubmitPerSecond  float64 `yaml:"submit_per_second" validate:"gte=0"`
}

type Roll struct {
	AutoRoll   bool   `yaml:"auto_roll"`
	DaysBefore int    `yaml:"days_before" validate:"gte=0,lte=60"`
	CheckTime  string `yaml:"check_time"`
}

type Session struct {
	Start            string        `yaml:"start"`
	End              string        `yaml:"end"`
	WatchdogInterval time.Duration `yaml:"watchdog_interval" validate:"gt=0"`
}

type State struct {
	Dir                string        `yaml:"dir" validate:"required"`
	RecentBars         int           `yaml:"recent_bars" validate:"min=1"`
	DriftCheckInterval time.Duration `yaml:"drift_check_interval" validate:"gte=0"`
}

type Ops struct {
	LogDir         string `yaml:"log_dir"`
	JournalDB      string `yaml:"journal_db"`
	StatusAddr     string `yaml:"status_addr"`
	ControlSecret  string `yaml:"control_secret"`
	RestingTargets bool   `yaml:"resting_targets"`
}

type Log struct {
	MaxSize    int  `yaml:"max_size" validate:"gte=0"`
	MaxBackups int  `yaml:"max_backups" validate:"gte=0"`
	MaxAge     int  `yaml:"max_age" validate:"gte=0"`
	Compress   bool `yaml:"compress"`
}

// Default returns a configuration with every optional field filled.
func Default() Config {
	return Config{
		Connection: Connection{ReconnectMin: time.Second, ReconnectMax: time.Minute},
		Instrument: Instrument{Exchange: "CME", Root: "ES", Timezone: "America/New_York", TickSize: 0.25, PointValue: 50},
		Strategy:   Strategy{BarMinutes: 5},
		Risk:       Risk{MaxContracts: 10, StaleTickSeconds: 60, SubmitPerSecond: 5},
		Roll:       Roll{AutoRoll: true, DaysBefore: 8, CheckTime: "08:00"},
		Session:    Session{Start: "09:30", End: "16:00", WatchdogInterval: 10 * time.Second},
		State:      State{Dir: "./state", RecentBars: 300, DriftCheckInterval: 5 * time.Minute},
		Ops:        Ops{LogDir: "./logs"},
		Log:        Log{MaxSize: 100, MaxBackups: 10, MaxAge: 30, Compress: true},
	}
}

// Load reads path on top of Default and applies environment overrides. A
// .env file in the working directory is loaded first when present.
func Load(path string) (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", ErrInvalid, path, err)
	}
	cfg.applyEnv()
	return &cfg, nil
}

func (c *Config) applyEnv() {
	override := func(dst *string, key string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	override(&c.Connection.URL, "BROKER_URL")
	override(&c.Connection.Username, "BROKER_USERNAME")
	override(&c.Connection.Password, "BROKER_PASSWORD")
	override(&c.Ops.ControlSecret, "CONTROL_SECRET")
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks c and returns every problem at once. strategies lists the
// registered engine names.
func (c *Config) Validate(strategies []string) error {
	var errs error
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				errs = multierr.Append(errs, fmt.Errorf("%s: failed %q check (value %v)", fe.Namespace(), fe.Tag(), fe.Value()))
			}
		} else {
			errs = multierr.Append(errs, err)
		}
	}

	if !c.Simulated() && c.Connection.URL == "" {
		errs = multierr.Append(errs, errors.New("connection.url is required unless running on paper or with -dry-run"))
	}
	if _, err := time.LoadLocation(c.Instrument.Timezone); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("instrument.timezone: %w", err))
	}
	if c.Instrument.Symbol == "" && !c.Roll.AutoRoll {
		errs = multierr.Append(errs, errors.New("instrument.symbol is required when roll.auto_roll is off"))
	}
	if c.Strategy.BarMinutes > 0 && 1440%c.Strategy.BarMinutes != 0 {
		errs = multierr.Append(errs, fmt.Errorf("strategy.bar_minutes %d does not divide a day", c.Strategy.BarMinutes))
	}
	if c.Strategy.Name != "" && !contains(strategies, c.Strategy.Name) {
		errs = multierr.Append(errs, fmt.Errorf("strategy.name %q is not registered (known: %s)", c.Strategy.Name, strings.Join(strategies, ", ")))
	}
	// A larger strategy quantity would be capped by the order router while
	// the engine books the uncapped size.
	if q, ok := c.Strategy.Params["quantity"]; ok {
		if n, err := cast.ToIntE(q); err == nil && n > c.Risk.MaxContracts {
			errs = multierr.Append(errs, fmt.Errorf("strategy.params.quantity %d exceeds risk.max_contracts %d", n, c.Risk.MaxContracts))
		}
	}
	for name, v := range map[string]string{
		"roll.check_time": c.Roll.CheckTime,
		"session.start":   c.Session.Start,
		"session.end":     c.Session.End,
	} {
		if _, err := ClockMinutes(v); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	if errs != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, errs)
	}
	return nil
}

// Location returns the instrument's exchange time zone.
func (c *Config) Location() (*time.Location, error) {
	return time.LoadLocation(c.Instrument.Timezone)
}

// ClockMinutes parses "HH:MM" into minutes after midnight.
func ClockMinutes(s string) (int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("%q is not an HH:MM time", s)
	}
	return t.Hour()*60 + t.Minute(), nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
