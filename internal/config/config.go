// Package config loads the coordinator's YAML configuration. Every field
// has a sane default so the coordinator runs with no file at all; listen
// addresses can additionally be overridden from the environment.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values can be written as "30s" or
// "1m". Bare integers are taken as nanoseconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := value.Decode(&n); err != nil {
		return fmt.Errorf("invalid duration value: %w", err)
	}
	*d = Duration(n)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the coordinator configuration.
type Config struct {
	// Listen is the coordinator's HTTP listen address.
	Listen string `yaml:"listen"`
	// CallerToken authenticates the coordinator against shard allow-lists.
	CallerToken string `yaml:"caller_token"`
	// ProvisionerURL is the endpoint of the external provisioning
	// collaborator that actually creates shard processes. Auto-scaling is
	// disabled when empty.
	ProvisionerURL string `yaml:"provisioner_url"`

	Routing RoutingConfig `yaml:"routing"`
	Breaker BreakerConfig `yaml:"breaker"`
	Health  HealthConfig  `yaml:"health"`
	Scaler  ScalerConfig  `yaml:"scaler"`
	Cache   CacheConfig   `yaml:"cache"`
	Shard   ShardConfig   `yaml:"shard"`
}

// RoutingConfig selects the load-balancing strategy.
type RoutingConfig struct {
	Algorithm string `yaml:"algorithm"`
}

// BreakerConfig carries the circuit-breaker thresholds.
type BreakerConfig struct {
	FailureThreshold     int      `yaml:"failure_threshold"`
	SuccessThreshold     int      `yaml:"success_threshold"`
	Timeout              Duration `yaml:"timeout"`
	HalfOpenMaxCalls     int      `yaml:"half_open_max_calls"`
	MinimumThroughput    int      `yaml:"minimum_throughput"`
	FailureRateThreshold float64  `yaml:"failure_rate_threshold"`
}

// HealthConfig carries the health checker's timing.
type HealthConfig struct {
	Interval Duration `yaml:"interval"`
	Timeout  Duration `yaml:"timeout"`
	Retries  int      `yaml:"retries"`
}

// ScalerConfig carries the capacity monitor's thresholds.
type ScalerConfig struct {
	Interval         Duration `yaml:"interval"`
	StorageThreshold float64  `yaml:"storage_threshold"`
	LatencyCeiling   Duration `yaml:"latency_ceiling"`
}

// CacheConfig carries the result cache's timing.
type CacheConfig struct {
	TTL           Duration `yaml:"ttl"`
	SweepInterval Duration `yaml:"sweep_interval"`
}

// ShardConfig carries the limits requested for newly provisioned shards.
type ShardConfig struct {
	MaxRecords      int   `yaml:"max_records"`
	MaxStorageBytes int64 `yaml:"max_storage_bytes"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Listen:      ":8080",
		CallerToken: "granary-coordinator",
		Routing:     RoutingConfig{Algorithm: "round_robin"},
		Breaker: BreakerConfig{
			FailureThreshold:     5,
			SuccessThreshold:     3,
			Timeout:              Duration(30 * time.Second),
			HalfOpenMaxCalls:     1,
			MinimumThroughput:    10,
			FailureRateThreshold: 0.5,
		},
		Health: HealthConfig{
			Interval: Duration(30 * time.Second),
			Timeout:  Duration(2 * time.Second),
			Retries:  2,
		},
		Scaler: ScalerConfig{
			Interval:         Duration(time.Minute),
			StorageThreshold: 80,
			LatencyCeiling:   Duration(time.Second),
		},
		Cache: CacheConfig{
			TTL:           Duration(30 * time.Second),
			SweepInterval: Duration(time.Minute),
		},
		Shard: ShardConfig{
			MaxRecords:      100000,
			MaxStorageBytes: 64 << 20,
		},
	}
}

// Load reads the YAML file at path over the defaults. An empty path returns
// the defaults. COORDINATOR_ADDR, when set, overrides the listen address.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %q: %w", path, err)
		}
	}

	if addr := os.Getenv("COORDINATOR_ADDR"); addr != "" {
		cfg.Listen = addr
	}
	if token := os.Getenv("GRANARY_TOKEN"); token != "" {
		cfg.CallerToken = token
	}
	return cfg, nil
}
