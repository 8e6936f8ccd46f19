/*
Package config loads server configuration.

LAYERS (later wins):
  1. Defaults
  2. YAML file (-config flag or BOOKING_CONFIG)
  3. .env file, then environment variables
  4. Command-line flags

EXAMPLE YAML:
  env: production
  port: 8080
  store: postgres
  database_url: postgres://booking@localhost/booking
  timezone: Europe/Paris
  slot_granularity: 15
  allowed_durations: [30, 60, 90]
  lock_timeout: 3s

SEE ALSO:
  - booking/config.go: Engine configuration derived from this one
  - cmd/server/main.go: Caller
*/
package config

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/warp/booking-engine/booking"
)

const (
	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
)

type Config struct {
	Env              string        `yaml:"env"`
	Port             int           `yaml:"port"`
	Store            string        `yaml:"store"`
	SQLitePath       string        `yaml:"sqlite_path"`
	DatabaseURL      string        `yaml:"database_url"`
	Timezone         string        `yaml:"timezone"`
	SlotGranularity  int           `yaml:"slot_granularity"`
	AllowedDurations []int         `yaml:"allowed_durations"`
	LockTimeout      time.Duration `yaml:"lock_timeout"`
	MaxRangeDays     int           `yaml:"max_range_days"`
	CORSOrigins      []string      `yaml:"cors_origins"`
	EnableScenarios  bool          `yaml:"enable_scenarios"`
}

// Default returns the development configuration.
func Default() Config {
	engine := booking.DefaultConfig()
	return Config{
		Env:              "development",
		Port:             8080,
		Store:            StoreSQLite,
		SQLitePath:       "./booking.db",
		Timezone:         "UTC",
		SlotGranularity:  engine.SlotGranularity,
		AllowedDurations: engine.AllowedDurations,
		LockTimeout:      engine.LockTimeout,
		MaxRangeDays:     engine.MaxRangeDays,
		CORSOrigins:      []string{"http://localhost:5173", "http://localhost:8080"},
		EnableScenarios:  true,
	}
}

// Load builds the configuration from args (without the program name).
func Load(args []string) (Config, error) {
	fsFlags := flag.NewFlagSet("server", flag.ContinueOnError)
	var (
		path      = fsFlags.String("config", os.Getenv("BOOKING_CONFIG"), "Path to YAML config file")
		port      = fsFlags.Int("port", 0, "Server port")
		dbPath    = fsFlags.String("db", "", "SQLite database path")
		storeKind = fsFlags.String("store", "", "Store backend: memory, sqlite or postgres")
	)
	if err := fsFlags.Parse(args); err != nil {
		return Config{}, err
	}

	cfg := Default()
	if *path != "" {
		if err := cfg.mergeFile(*path); err != nil {
			return Config{}, err
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	if err := cfg.mergeEnv(os.Getenv); err != nil {
		return Config{}, err
	}

	fsFlags.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "port":
			cfg.Port = *port
		case "db":
			cfg.SQLitePath = *dbPath
		case "store":
			cfg.Store = *storeKind
		}
	})

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) mergeEnv(getenv func(string) string) error {
	setString := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) error {
		v := getenv(key)
		if v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = n
		return nil
	}

	setString("ENV", &c.Env)
	setString("STORE", &c.Store)
	setString("SQLITE_PATH", &c.SQLitePath)
	setString("DATABASE_URL", &c.DatabaseURL)
	setString("TIMEZONE", &c.Timezone)
	if err := setInt("PORT", &c.Port); err != nil {
		return err
	}
	if err := setInt("SLOT_GRANULARITY", &c.SlotGranularity); err != nil {
		return err
	}
	if err := setInt("MAX_RANGE_DAYS", &c.MaxRangeDays); err != nil {
		return err
	}
	if v := getenv("ALLOWED_DURATIONS"); v != "" {
		durations, err := parseInts(v)
		if err != nil {
			return fmt.Errorf("ALLOWED_DURATIONS: %w", err)
		}
		c.AllowedDurations = durations
	}
	if v := getenv("LOCK_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("LOCK_TIMEOUT: %w", err)
		}
		c.LockTimeout = d
	}
	if v := getenv("CORS_ORIGINS"); v != "" {
		c.CORSOrigins = splitList(v)
	}
	if v := getenv("ENABLE_SCENARIOS"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("ENABLE_SCENARIOS: %w", err)
		}
		c.EnableScenarios = b
	}
	return nil
}

// Validate checks the configuration is usable.
func (c Config) Validate() error {
	switch c.Store {
	case StoreMemory:
	case StoreSQLite:
		if c.SQLitePath == "" {
			return errors.New("sqlite store requires a database path")
		}
	case StorePostgres:
		if c.DatabaseURL == "" {
			return errors.New("postgres store requires DATABASE_URL")
		}
	default:
		return fmt.Errorf("unknown store %q", c.Store)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	_, err := c.Booking()
	return err
}

// Booking derives the engine configuration.
func (c Config) Booking() (booking.Config, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return booking.Config{}, fmt.Errorf("timezone %q: %w", c.Timezone, err)
	}
	cfg := booking.Config{
		Location:         loc,
		SlotGranularity:  c.SlotGranularity,
		AllowedDurations: c.AllowedDurations,
		LockTimeout:      c.LockTimeout,
		MaxRangeDays:     c.MaxRangeDays,
	}
	if err := cfg.Validate(); err != nil {
		return booking.Config{}, err
	}
	return cfg, nil
}

// Addr is the listen address.
func (c Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

func parseInts(s string) ([]int, error) {
	var out []int
	for _, part := range splitList(s) {
		n, err := strconv.Atoi(part)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
