package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level simulator configuration.
type Config struct {
	CSMS     CSMSConfig     `mapstructure:"csms"`
	Engine   EngineConfig   `mapstructure:"engine"`
	LoadTest LoadTestConfig `mapstructure:"load_test"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Log      LogConfig      `mapstructure:"log"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

// CSMSConfig describes the central system the simulated charge points dial.
type CSMSConfig struct {
	URL            string        `mapstructure:"url"`
	AuthToken      string        `mapstructure:"auth_token"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	PingInterval   time.Duration `mapstructure:"ping_interval"`
}

// EngineConfig holds per-session defaults and engine-wide limits.
type EngineConfig struct {
	MaxSessions           int           `mapstructure:"max_sessions"`
	DefaultHeartbeat      time.Duration `mapstructure:"default_heartbeat"`
	DefaultMeterInterval  time.Duration `mapstructure:"default_meter_interval"`
	RequestTimeout        time.Duration `mapstructure:"request_timeout"`
	ReconnectInitialDelay time.Duration `mapstructure:"reconnect_initial_delay"`
	ReconnectMaxDelay     time.Duration `mapstructure:"reconnect_max_delay"`
	OutboundQueueDepth    int           `mapstructure:"outbound_queue_depth"`
	NominalVoltage        float64       `mapstructure:"nominal_voltage"`
	StationMaxPowerKw     float64       `mapstructure:"station_max_power_kw"`
	Timezone              string        `mapstructure:"timezone"`
	SnapshotInterval      time.Duration `mapstructure:"snapshot_interval"`
}

// LoadTestConfig paces bulk session operations.
type LoadTestConfig struct {
	PacingPerSec int `mapstructure:"pacing_per_sec"`
	BatchSize    int `mapstructure:"batch_size"`
}

// RedisConfig configures the optional session store backend.
type RedisConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Addr         string        `mapstructure:"addr"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// KafkaConfig configures the optional event bus backend.
type KafkaConfig struct {
	Enabled    bool           `mapstructure:"enabled"`
	Brokers    []string       `mapstructure:"brokers"`
	EventTopic string         `mapstructure:"event_topic"`
	Producer   ProducerConfig `mapstructure:"producer"`
}

// ProducerConfig tunes the Kafka async producer.
type ProducerConfig struct {
	RetryMax       int           `mapstructure:"retry_max"`
	ReturnSuccess  bool          `mapstructure:"return_successes"`
	FlushFrequency time.Duration `mapstructure:"flush_frequency"`
}

// LogConfig configures the logger.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
	Async  bool   `mapstructure:"async"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// SetDefaults installs defaults into viper. Call before Load.
func SetDefaults() {
	viper.SetDefault("csms.url", "ws://localhost:8080/ocpp")
	viper.SetDefault("csms.auth_token", "")
	viper.SetDefault("csms.connect_timeout", "10s")
	viper.SetDefault("csms.ping_interval", "30s")

	viper.SetDefault("engine.max_sessions", 50000)
	viper.SetDefault("engine.default_heartbeat", "30s")
	viper.SetDefault("engine.default_meter_interval", "10s")
	viper.SetDefault("engine.request_timeout", "30s")
	viper.SetDefault("engine.reconnect_initial_delay", "1s")
	viper.SetDefault("engine.reconnect_max_delay", "30s")
	viper.SetDefault("engine.outbound_queue_depth", 64)
	viper.SetDefault("engine.nominal_voltage", 230.0)
	viper.SetDefault("engine.station_max_power_kw", 150.0)
	viper.SetDefault("engine.timezone", "UTC")
	viper.SetDefault("engine.snapshot_interval", "5s")

	viper.SetDefault("load_test.pacing_per_sec", 100)
	viper.SetDefault("load_test.batch_size", 500)

	viper.SetDefault("redis.enabled", false)
	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.pool_size", 100)
	viper.SetDefault("redis.min_idle_conns", 10)
	viper.SetDefault("redis.dial_timeout", "5s")
	viper.SetDefault("redis.read_timeout", "3s")
	viper.SetDefault("redis.write_timeout", "3s")

	viper.SetDefault("kafka.enabled", false)
	viper.SetDefault("kafka.brokers", []string{"localhost:9092"})
	viper.SetDefault("kafka.event_topic", "simulator-events")
	viper.SetDefault("kafka.producer.retry_max", 3)
	viper.SetDefault("kafka.producer.return_successes", true)
	viper.SetDefault("kafka.producer.flush_frequency", "500ms")

	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "console")
	viper.SetDefault("log.output", "stdout")
	viper.SetDefault("log.async", false)

	viper.SetDefault("metrics.addr", ":9090")
}

// Load unmarshals the active viper state into a Config and validates it.
func Load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.CSMS.URL == "" {
		return fmt.Errorf("csms.url must not be empty")
	}
	if c.Engine.MaxSessions <= 0 {
		return fmt.Errorf("engine.max_sessions must be positive, got %d", c.Engine.MaxSessions)
	}
	if c.Engine.OutboundQueueDepth <= 0 {
		return fmt.Errorf("engine.outbound_queue_depth must be positive, got %d", c.Engine.OutboundQueueDepth)
	}
	if c.Engine.NominalVoltage <= 0 {
		return fmt.Errorf("engine.nominal_voltage must be positive, got %v", c.Engine.NominalVoltage)
	}
	if c.Engine.ReconnectInitialDelay > c.Engine.ReconnectMaxDelay {
		return fmt.Errorf("engine.reconnect_initial_delay %v exceeds reconnect_max_delay %v",
			c.Engine.ReconnectInitialDelay, c.Engine.ReconnectMaxDelay)
	}
	if c.LoadTest.PacingPerSec < 0 {
		return fmt.Errorf("load_test.pacing_per_sec must not be negative, got %d", c.LoadTest.PacingPerSec)
	}
	if _, err := time.LoadLocation(c.Engine.Timezone); err != nil {
		return fmt.Errorf("engine.timezone %q is not a valid IANA zone: %w", c.Engine.Timezone, err)
	}
	return nil
}

// Location resolves the configured timezone. Validate guarantees it parses.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Engine.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// GetMetricsAddr returns the Prometheus listen address.
func (c *Config) GetMetricsAddr() string {
	return c.Metrics.Addr
}
