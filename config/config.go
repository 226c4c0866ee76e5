/*
Package config loads the daemon configuration from TOML.

A missing file is not an error; defaults cover local development and the
test suite. Every field has a default, so partial files only override
what they name.
*/
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Server    Server            `toml:"server"`
	DB        DB                `toml:"db"`
	Scheduler Scheduler         `toml:"scheduler"`
	Streaks   map[string]Streak `toml:"streaks"`
	Earn      Earn              `toml:"earn"`
}

type Server struct {
	Addr string `toml:"addr"`
	// CORSOrigins defaults to allow-all for local development.
	CORSOrigins []string `toml:"cors_origins"`
}

type DB struct {
	// Path is the SQLite database file; ":memory:" for ephemeral runs.
	Path string `toml:"path"`
}

type Scheduler struct {
	// Enabled starts the in-process reconcile loop alongside the server.
	Enabled  bool     `toml:"enabled"`
	Interval duration `toml:"interval"`
}

type Streak struct {
	Enabled bool  `toml:"enabled"`
	Length  int   `toml:"length"`
	Payout  int64 `toml:"payout"`
}

type Earn struct {
	// InvoiceDivisor is the currency-per-point ratio for invoice uploads.
	InvoiceDivisor int64 `toml:"invoice_divisor"`
	InvoiceBonus   int64 `toml:"invoice_bonus"`
	// InvoiceCap bounds one invoice's earn; zero disables the cap.
	InvoiceCap int64 `toml:"invoice_cap"`

	DailyLogin      int64 `toml:"daily_login"`
	SurveyComplete  int64 `toml:"survey_complete"`
	Referral        int64 `toml:"referral_complete"`
	ProfileComplete int64 `toml:"profile_complete"`
	FirstRedemption int64 `toml:"first_redemption"`
}

// duration wraps time.Duration for TOML ("30m", "12h").
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// Default returns the development configuration.
func Default() Config {
	return Config{
		Server: Server{
			Addr:        ":8080",
			CORSOrigins: []string{"*"},
		},
		DB: DB{Path: "./data/loyalty.db"},
		Scheduler: Scheduler{
			Enabled:  true,
			Interval: duration{12 * time.Hour},
		},
		Streaks: map[string]Streak{
			"daily_login":      {Enabled: true, Length: 7, Payout: 100},
			"consistent_month": {Enabled: true, Length: 4, Payout: 200},
		},
		Earn: Earn{
			InvoiceDivisor:  10,
			InvoiceBonus:    1,
			DailyLogin:      5,
			SurveyComplete:  20,
			Referral:        50,
			ProfileComplete: 15,
			FirstRedemption: 10,
		},
	}
}

// Load reads path over the defaults. An empty path or a missing file
// yields the defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to load config %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr must not be empty")
	}
	if c.DB.Path == "" {
		return fmt.Errorf("db.path must not be empty")
	}
	if c.Earn.InvoiceDivisor <= 0 {
		return fmt.Errorf("earn.invoice_divisor must be positive, got %d", c.Earn.InvoiceDivisor)
	}
	for name, s := range c.Streaks {
		if s.Enabled && s.Length <= 0 {
			return fmt.Errorf("streaks.%s.length must be positive, got %d", name, s.Length)
		}
		if s.Payout < 0 {
			return fmt.Errorf("streaks.%s.payout must not be negative, got %d", name, s.Payout)
		}
	}
	return nil
}

// SchedulerInterval exposes the parsed interval.
func (c Config) SchedulerInterval() time.Duration {
	if c.Scheduler.Interval.Duration <= 0 {
		return 12 * time.Hour
	}
	return c.Scheduler.Interval.Duration
}
