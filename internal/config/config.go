package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"gopkg.in/yaml.v3"

	"hacoordinator/pkg/coordinator"
	"hacoordinator/pkg/integration"
)

// Config is the full config.yaml structure.
type Config struct {
	Logging        LoggingConfig             `yaml:"logging"`
	API            APIConfig                 `yaml:"api"`
	Metrics        MetricsConfig             `yaml:"metrics"`
	MQTT           MQTTConfig                `yaml:"mqtt"`
	InfluxDB       InfluxDBConfig            `yaml:"influxdb"`
	Coordinator    CoordinatorConfig         `yaml:"coordinator"`
	SetupRetry     BackoffConfig             `yaml:"setup_retry"`
	ReloadInterval time.Duration             `yaml:"reload_interval"`
	Integrations   []integration.EntryConfig `yaml:"integrations"`
}

// LoggingConfig selects the zap preset and level.
type LoggingConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// APIConfig configures the HTTP API server.
type APIConfig struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// MetricsConfig toggles the /metrics endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// MQTTConfig configures the state publisher's broker connection.
type MQTTConfig struct {
	Enabled              bool          `yaml:"enabled"`
	Broker               string        `yaml:"broker"`
	ClientID             string        `yaml:"client_id"`
	Username             string        `yaml:"username"`
	Password             string        `yaml:"password"`
	TopicPrefix          string        `yaml:"topic_prefix"`
	QoS                  int           `yaml:"qos"`
	QueueSize            int           `yaml:"queue_size"`
	ConnectRetryInterval time.Duration `yaml:"connect_retry_interval"`
	MaxReconnectInterval time.Duration `yaml:"max_reconnect_interval"`
}

// InfluxDBConfig configures the history recorder.
type InfluxDBConfig struct {
	Enabled       bool          `yaml:"enabled"`
	URL           string        `yaml:"url"`
	Token         string        `yaml:"token"`
	Org           string        `yaml:"org"`
	Bucket        string        `yaml:"bucket"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// CoordinatorConfig holds options shared by every coordinator.
type CoordinatorConfig struct {
	RequestRefreshCooldown time.Duration  `yaml:"request_refresh_cooldown"`
	Jitter                 time.Duration  `yaml:"jitter"`
	FailureBackoff         *BackoffConfig `yaml:"failure_backoff"`
}

// BackoffConfig describes an exponential backoff schedule.
type BackoffConfig struct {
	InitialInterval     time.Duration `yaml:"initial_interval"`
	MaxInterval         time.Duration `yaml:"max_interval"`
	Multiplier          float64       `yaml:"multiplier"`
	RandomizationFactor float64       `yaml:"randomization_factor"`
}

// NewBackOff builds a fresh backoff from the schedule.
func (b BackoffConfig) NewBackOff() backoff.BackOff {
	eb := &backoff.ExponentialBackOff{
		InitialInterval:     b.InitialInterval,
		RandomizationFactor: b.RandomizationFactor,
		Multiplier:          b.Multiplier,
		MaxInterval:         b.MaxInterval,
	}
	eb.Reset()
	return eb
}

func (b BackoffConfig) validate(section string) []string {
	var errs []string
	if b.InitialInterval <= 0 {
		errs = append(errs, section+".initial_interval must be positive")
	}
	if b.MaxInterval < b.InitialInterval {
		errs = append(errs, section+".max_interval must not be less than initial_interval")
	}
	if b.Multiplier < 1 {
		errs = append(errs, section+".multiplier must be at least 1")
	}
	if b.RandomizationFactor < 0 || b.RandomizationFactor > 1 {
		errs = append(errs, section+".randomization_factor must be between 0 and 1")
	}
	return errs
}

// Options converts the shared settings into coordinator options.
func (c CoordinatorConfig) Options() []coordinator.Option {
	opts := []coordinator.Option{
		coordinator.WithRequestRefreshCooldown(c.RequestRefreshCooldown),
	}
	if c.Jitter > 0 {
		opts = append(opts, coordinator.WithJitter(c.Jitter))
	}
	if c.FailureBackoff != nil {
		opts = append(opts, coordinator.WithFailureBackOffFunc(c.FailureBackoff.NewBackOff))
	}
	return opts
}

// Parse decodes YAML on top of the defaults, applies HACOORD_* environment
// overrides and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a Config with every default filled in.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "info"},
		API: APIConfig{
			Addr:            ":8080",
			ShutdownTimeout: 5 * time.Second,
		},
		Metrics: MetricsConfig{Enabled: true},
		MQTT: MQTTConfig{
			Broker:               "tcp://localhost:1883",
			ClientID:             "hacoordinator",
			TopicPrefix:          "hacoordinator",
			QoS:                  1,
			QueueSize:            256,
			ConnectRetryInterval: time.Second,
			MaxReconnectInterval: time.Minute,
		},
		InfluxDB: InfluxDBConfig{
			URL:           "http://localhost:8086",
			BatchSize:     100,
			FlushInterval: 10 * time.Second,
		},
		Coordinator: CoordinatorConfig{
			RequestRefreshCooldown: coordinator.DefaultRequestRefreshCooldown,
		},
		SetupRetry: BackoffConfig{
			InitialInterval:     5 * time.Second,
			MaxInterval:         80 * time.Second,
			Multiplier:          2,
			RandomizationFactor: 0.1,
		},
		ReloadInterval: time.Minute,
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("HACOORD_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("HACOORD_API_ADDR"); v != "" {
		cfg.API.Addr = v
	}
	if v := os.Getenv("HACOORD_MQTT_BROKER"); v != "" {
		cfg.MQTT.Broker = v
	}
	if v := os.Getenv("HACOORD_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Username = v
	}
	if v := os.Getenv("HACOORD_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Password = v
	}
	if v := os.Getenv("HACOORD_INFLUXDB_URL"); v != "" {
		cfg.InfluxDB.URL = v
	}
	if v := os.Getenv("HACOORD_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []string

	if c.API.Addr == "" {
		errs = append(errs, "api.addr is required")
	}
	if c.MQTT.Enabled {
		if c.MQTT.Broker == "" {
			errs = append(errs, "mqtt.broker is required when mqtt is enabled")
		}
		if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
			errs = append(errs, "mqtt.qos must be 0, 1, or 2")
		}
		if c.MQTT.QueueSize < 1 {
			errs = append(errs, "mqtt.queue_size must be positive")
		}
	}
	if c.InfluxDB.Enabled {
		if c.InfluxDB.URL == "" || c.InfluxDB.Org == "" || c.InfluxDB.Bucket == "" {
			errs = append(errs, "influxdb.url, influxdb.org and influxdb.bucket are required when influxdb is enabled")
		}
	}
	if c.Coordinator.RequestRefreshCooldown < 0 {
		errs = append(errs, "coordinator.request_refresh_cooldown cannot be negative")
	}
	if c.Coordinator.Jitter < 0 {
		errs = append(errs, "coordinator.jitter cannot be negative")
	}
	if c.Coordinator.FailureBackoff != nil {
		errs = append(errs, c.Coordinator.FailureBackoff.validate("coordinator.failure_backoff")...)
	}
	errs = append(errs, c.SetupRetry.validate("setup_retry")...)
	if c.ReloadInterval < 0 {
		errs = append(errs, "reload_interval cannot be negative")
	}

	seen := make(map[string]bool, len(c.Integrations))
	for i, e := range c.Integrations {
		switch {
		case e.Name == "":
			errs = append(errs, fmt.Sprintf("integrations[%d].name is required", i))
		case seen[e.Name]:
			errs = append(errs, fmt.Sprintf("integrations[%d].name %q is duplicated", i, e.Name))
		}
		seen[e.Name] = true
		if e.Type == "" {
			errs = append(errs, fmt.Sprintf("integrations[%d].type is required", i))
		}
		if e.ScanInterval != nil && *e.ScanInterval < 0 {
			errs = append(errs, fmt.Sprintf("integrations[%d].scan_interval cannot be negative", i))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// ScanIntervalChanges lists entries present in both configs whose
// scan_interval changed. A nil value means the override was removed and the
// entry goes back to its type's default.
func ScanIntervalChanges(prev, next *Config) map[string]*time.Duration {
	old := make(map[string]*time.Duration, len(prev.Integrations))
	for _, e := range prev.Integrations {
		old[e.Name] = e.ScanInterval
	}

	changes := make(map[string]*time.Duration)
	for _, e := range next.Integrations {
		was, ok := old[e.Name]
		if !ok {
			continue
		}
		switch {
		case was == nil && e.ScanInterval == nil:
		case was == nil || e.ScanInterval == nil || *was != *e.ScanInterval:
			changes[e.Name] = e.ScanInterval
		}
	}
	return changes
}
