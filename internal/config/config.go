// Package config loads the handful of process-level settings the
// exchange needs to start: bind addresses, queue capacities, and the
// Postgres DSN. Configuration loading is a collaborator the engine never
// depends on directly, so this stays intentionally thin — a single flat
// struct read once at startup, not a layered settings subsystem, using
// github.com/spf13/viper env-first with sane defaults and no remote
// config store.
package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config is every process-level knob the exchange binary reads at startup.
type Config struct {
	HTTPAddr string
	WSAddr   string

	PostgresDSN string // empty selects the in-memory adapter

	EngineQueueCapacity int
	SubscriberCapacity  int
	CommandTimeout      time.Duration
	CandleBucket        time.Duration
}

// Load reads configuration from environment variables prefixed FENRIR_
// (e.g. FENRIR_HTTP_ADDR), falling back to the defaults below.
func Load() Config {
	v := viper.New()
	v.SetEnvPrefix("fenrir")
	v.AutomaticEnv()

	v.SetDefault("http_addr", ":8080")
	v.SetDefault("ws_addr", ":8081")
	v.SetDefault("postgres_dsn", "")
	v.SetDefault("engine_queue_capacity", 4096)
	v.SetDefault("subscriber_capacity", 256)
	v.SetDefault("command_timeout_ms", 2000)
	v.SetDefault("candle_bucket_seconds", 60)

	return Config{
		HTTPAddr:            v.GetString("http_addr"),
		WSAddr:              v.GetString("ws_addr"),
		PostgresDSN:         v.GetString("postgres_dsn"),
		EngineQueueCapacity: v.GetInt("engine_queue_capacity"),
		SubscriberCapacity:  v.GetInt("subscriber_capacity"),
		CommandTimeout:      time.Duration(v.GetInt("command_timeout_ms")) * time.Millisecond,
		CandleBucket:        time.Duration(v.GetInt("candle_bucket_seconds")) * time.Second,
	}
}
