// Package config loads the agent YAML configuration into an immutable
// snapshot. All duration-like values are normalized to time.Duration here —
// nothing past this package does unit arithmetic. Missing or out-of-range
// values fall back to documented defaults with a warning.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Defaults applied when a key is absent or rejected.
const (
	DefaultManagerIP       = "localhost"
	DefaultPort            = "55000"
	DefaultMaxBatchingSize = 1000000 // bytes
	DefaultBatchInterval   = 10 * time.Second
	DefaultConnectionRetry = 30 * time.Second

	// MinBatchingSize is the floor on max_batching_size. Configured values
	// below it are rejected in favor of the default.
	MinBatchingSize = 1000
)

// Config is the read-only snapshot consumed by the core.
type Config struct {
	// ManagerIP is the target host for all manager requests.
	ManagerIP string
	// Port is the manager communications API port.
	Port string
	// UseTLS selects https for all manager requests.
	UseTLS bool

	// MaxBatchingSize is the upper bound, in bytes, on a drained batch payload.
	MaxBatchingSize int
	// BatchInterval is the minimum wall time between successive requests on
	// each pipeline.
	BatchInterval time.Duration
	// ConnectionRetry is the sleep between failed connect attempts.
	ConnectionRetry time.Duration

	// DataDir is where the agent persists its identity and event store.
	DataDir string
	// EventStoreBackend selects the persistent queue engine: "sqlite" or "bolt".
	EventStoreBackend string
	// MetricsListen is the optional listen address for the /metrics endpoint.
	// Empty disables the listener.
	MetricsListen string
}

// Load reads the YAML file at path and returns the normalized snapshot.
// An empty path yields a snapshot of pure defaults.
func Load(path string, logger *zap.Logger) (Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: reading %s: %w", path, err)
		}
	}

	cfg := Config{
		ManagerIP:       stringOr(v, logger, "agent.manager_ip", DefaultManagerIP),
		Port:            stringOr(v, logger, "agent.agent_comms_api_port", DefaultPort),
		UseTLS:          v.GetBool("agent.use_https"),
		MaxBatchingSize: v.GetInt("agent.max_batching_size"),
		DataDir:         stringOr(v, logger, "agent.path.data", defaultDataDir()),
		MetricsListen:   v.GetString("agent.metrics_listen"),
	}

	switch backend := v.GetString("agent.event_store_backend"); backend {
	case "", "sqlite":
		cfg.EventStoreBackend = "sqlite"
	case "bolt":
		cfg.EventStoreBackend = "bolt"
	default:
		logger.Warn("unknown event_store_backend, using sqlite",
			zap.String("configured", backend),
		)
		cfg.EventStoreBackend = "sqlite"
	}

	if cfg.MaxBatchingSize < MinBatchingSize {
		if v.IsSet("agent.max_batching_size") {
			logger.Warn("max_batching_size below minimum, using default",
				zap.Int("configured", cfg.MaxBatchingSize),
				zap.Int("minimum", MinBatchingSize),
			)
		}
		cfg.MaxBatchingSize = DefaultMaxBatchingSize
	}

	cfg.BatchInterval = durationOr(v, logger, "agent.batch_interval_ms", time.Millisecond, DefaultBatchInterval)
	cfg.ConnectionRetry = durationOr(v, logger, "agent.connection_retry_secs", time.Second, DefaultConnectionRetry)

	return cfg, nil
}

func stringOr(v *viper.Viper, logger *zap.Logger, key, def string) string {
	if s := v.GetString(key); s != "" {
		return s
	}
	logger.Warn("configuration key missing, using default",
		zap.String("key", key),
		zap.String("default", def),
	)
	return def
}

// durationOr converts an integer config value with the given unit to a
// Duration. Non-positive or missing values fall back to def.
func durationOr(v *viper.Viper, logger *zap.Logger, key string, unit, def time.Duration) time.Duration {
	n := v.GetInt64(key)
	if n <= 0 {
		if v.IsSet(key) {
			logger.Warn("configuration key invalid, using default",
				zap.String("key", key),
				zap.Int64("configured", n),
				zap.Duration("default", def),
			)
		}
		return def
	}
	return time.Duration(n) * unit
}

func defaultDataDir() string {
	return "/var/lib/vigil-agent"
}
