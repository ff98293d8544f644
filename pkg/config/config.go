// Package config loads snowbridge configuration from a YAML file, applying
// defaults for every option so a minimal file (instance URL + credentials)
// is enough to run.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/snowbridge/snowbridge/pkg/types"
)

// BusinessHours is the window counted toward SLA elapsed time.
// DaysOfWeekMask uses bit 0 = Sunday through bit 6 = Saturday.
type BusinessHours struct {
	StartHour      int `yaml:"start_hour"`
	EndHour        int `yaml:"end_hour"`
	DaysOfWeekMask int `yaml:"days_of_week_mask"`
}

// RateLimits configures per-source notification rate limiting.
type RateLimits struct {
	PerMinute int `yaml:"per_minute"`
	PerHour   int `yaml:"per_hour"`
	BurstSize int `yaml:"burst_size"`
}

// TransportLimits bounds both real-time transports.
type TransportLimits struct {
	MaxConnections         int           `yaml:"max_connections"`
	MaxMessageSize         int           `yaml:"max_message_size"`
	HeartbeatInterval      time.Duration `yaml:"heartbeat_interval"`
	IdleTimeout            time.Duration `yaml:"idle_timeout"`
	SubscriptionsPerClient int           `yaml:"subscriptions_per_client"`
	ConnectionsPerIP       int           `yaml:"connections_per_ip"`
	MessagesPerMinute      int           `yaml:"messages_per_minute"`
}

// Upstream configures the ServiceNow client.
type Upstream struct {
	InstanceURL       string        `yaml:"instance_url"`
	Username          string        `yaml:"username"`
	Password          string        `yaml:"password"`
	Token             string        `yaml:"token"`
	Timeout           time.Duration `yaml:"timeout"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
	BreakerFailures   int           `yaml:"breaker_failures"`
	BreakerCooldown   time.Duration `yaml:"breaker_cooldown"`
}

// Config is the full runtime configuration.
type Config struct {
	DataDir    string `yaml:"data_dir"`
	ListenAddr string `yaml:"listen_addr"`
	RedisAddr  string `yaml:"redis_addr"`

	SyncIntervalMinutes int           `yaml:"sync_interval_minutes"`
	BatchSize           int           `yaml:"batch_size"`
	MaxRetries          int           `yaml:"max_retries"`
	SyncWorkers         int           `yaml:"sync_workers"`
	EnabledTables       []types.Table `yaml:"enabled_tables"`

	EnableRealTimeUpdates bool `yaml:"enable_real_time_updates"`
	EnableSLACollection   bool `yaml:"enable_sla_collection"`
	EnableNotesCollection bool `yaml:"enable_notes_collection"`
	IncrementalNotes      bool `yaml:"incremental_notes"`

	BusinessHours    BusinessHours   `yaml:"business_hours"`
	PrioritySLAHours map[int]float64 `yaml:"priority_sla_hours"`
	RateLimits       RateLimits      `yaml:"rate_limits"`
	TransportLimits  TransportLimits `yaml:"transport_limits"`
	Upstream         Upstream        `yaml:"upstream"`

	QueueCapacity    int             `yaml:"queue_capacity"`
	RetryDelays      []time.Duration `yaml:"retry_delays"`
	PersistQueue     bool            `yaml:"persist_queue"`
	SLACheckInterval time.Duration   `yaml:"sla_check_interval"`

	LogLevel string `yaml:"log_level"`
	LogJSON  bool   `yaml:"log_json"`
}

// Default returns the configuration with every documented default applied.
func Default() *Config {
	return &Config{
		DataDir:             "/var/lib/snowbridge",
		ListenAddr:          ":8080",
		SyncIntervalMinutes: 5,
		BatchSize:           50,
		MaxRetries:          3,
		SyncWorkers:         3,
		EnabledTables:       []types.Table{types.TableIncident, types.TableChangeTask, types.TableSCTask},

		EnableRealTimeUpdates: true,
		EnableSLACollection:   true,
		EnableNotesCollection: true,

		BusinessHours: BusinessHours{
			StartHour:      9,
			EndHour:        17,
			DaysOfWeekMask: 0b0111110, // Monday through Friday
		},
		PrioritySLAHours: map[int]float64{1: 4, 2: 8, 3: 24, 4: 48, 5: 96},
		RateLimits: RateLimits{
			PerMinute: 30,
			PerHour:   500,
			BurstSize: 10,
		},
		TransportLimits: TransportLimits{
			MaxConnections:         500,
			MaxMessageSize:         64 * 1024,
			HeartbeatInterval:      30 * time.Second,
			IdleTimeout:            5 * time.Minute,
			SubscriptionsPerClient: 20,
			ConnectionsPerIP:       5,
			MessagesPerMinute:      60,
		},
		Upstream: Upstream{
			Timeout:           30 * time.Second,
			RequestsPerSecond: 5,
			Burst:             10,
			BreakerFailures:   5,
			BreakerCooldown:   30 * time.Second,
		},

		QueueCapacity:    10000,
		RetryDelays:      []time.Duration{5 * time.Second, 30 * time.Second, 2 * time.Minute, 10 * time.Minute},
		PersistQueue:     true,
		SLACheckInterval: 3 * time.Minute,

		LogLevel: "info",
		LogJSON:  true,
	}
}

// Load reads a YAML config file over the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the subsystems cannot run with.
func (c *Config) Validate() error {
	if c.Upstream.InstanceURL == "" {
		return fmt.Errorf("upstream.instance_url is required")
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be positive, got %d", c.BatchSize)
	}
	if c.SyncWorkers <= 0 {
		return fmt.Errorf("sync_workers must be positive, got %d", c.SyncWorkers)
	}
	if c.BusinessHours.StartHour < 0 || c.BusinessHours.EndHour > 24 ||
		c.BusinessHours.StartHour >= c.BusinessHours.EndHour {
		return fmt.Errorf("business_hours window %d..%d is invalid",
			c.BusinessHours.StartHour, c.BusinessHours.EndHour)
	}
	for _, table := range c.EnabledTables {
		if !table.Valid() {
			return fmt.Errorf("unknown table %q in enabled_tables", table)
		}
	}
	return nil
}

// SyncInterval returns the incremental sync period.
func (c *Config) SyncInterval() time.Duration {
	return time.Duration(c.SyncIntervalMinutes) * time.Minute
}
