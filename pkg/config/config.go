package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Defaults for pool sizing and timeouts. Timeout values are seconds.
const (
	DefaultNumPetServer   = 4
	DefaultStartPort      = 8765
	DefaultKVURL          = "redis://127.0.0.1:6379/0"
	DefaultPetCmd         = "pet-server"
	DefaultTimeoutOK      = 15
	DefaultTimeoutEps     = 10
	DefaultSettleInterval = 3 * time.Second
	DefaultRAMPollEvery   = 100 * time.Millisecond
	DefaultGracePeriod    = 2 * time.Second
)

// Config holds the runtime configuration shared by the arbiter and the
// session manager. Values come from the environment; every key has a
// default.
type Config struct {
	NumPetServer int    // NUM_PET_SERVER
	StartPort    int    // PET_SERVER_START_PORT
	MaxRAMMB     int    // MAX_RAM_PER_PET, MB; 0 disables RAM checks
	KVURL        string // KV_URL, e.g. redis://host:port/db
	PetCmd       string // PET_CMD, worker binary path

	// TimeoutOK bounds the arbiter probe round-trip; TimeoutEps is the
	// slack added on top of caller deadlines for lock TTLs.
	TimeoutOK  time.Duration
	TimeoutEps time.Duration

	// SettleInterval is how long a freshly spawned pet-server gets to
	// come up before its status is flipped to OK.
	SettleInterval time.Duration

	// RAMPollInterval is the RAM monitor cycle period.
	RAMPollInterval time.Duration

	// GracePeriod is how long Terminate waits before force-killing.
	GracePeriod time.Duration

	// MetricsAddr, when non-empty, exposes Prometheus metrics from the
	// arbiter process (e.g. ":9090").
	MetricsAddr string
}

// Load reads configuration from the environment via viper.
func Load() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("NUM_PET_SERVER", DefaultNumPetServer)
	v.SetDefault("PET_SERVER_START_PORT", DefaultStartPort)
	v.SetDefault("MAX_RAM_PER_PET", 0)
	v.SetDefault("KV_URL", DefaultKVURL)
	v.SetDefault("PET_CMD", DefaultPetCmd)
	v.SetDefault("TIMEOUT_OK", DefaultTimeoutOK)
	v.SetDefault("TIMEOUT_EPS", DefaultTimeoutEps)
	v.SetDefault("METRICS_ADDR", "")

	cfg := &Config{
		NumPetServer:    v.GetInt("NUM_PET_SERVER"),
		StartPort:       v.GetInt("PET_SERVER_START_PORT"),
		MaxRAMMB:        v.GetInt("MAX_RAM_PER_PET"),
		KVURL:           v.GetString("KV_URL"),
		PetCmd:          v.GetString("PET_CMD"),
		TimeoutOK:       time.Duration(v.GetInt("TIMEOUT_OK")) * time.Second,
		TimeoutEps:      time.Duration(v.GetInt("TIMEOUT_EPS")) * time.Second,
		SettleInterval:  DefaultSettleInterval,
		RAMPollInterval: DefaultRAMPollEvery,
		GracePeriod:     DefaultGracePeriod,
		MetricsAddr:     v.GetString("METRICS_ADDR"),
	}

	return cfg, cfg.Validate()
}

// Validate checks configuration invariants.
func (c *Config) Validate() error {
	if c.NumPetServer <= 0 {
		return fmt.Errorf("NUM_PET_SERVER must be positive, got %d", c.NumPetServer)
	}
	if c.StartPort <= 0 || c.StartPort > 65535-c.NumPetServer {
		return fmt.Errorf("PET_SERVER_START_PORT %d leaves no room for %d workers", c.StartPort, c.NumPetServer)
	}
	if c.MaxRAMMB < 0 {
		return fmt.Errorf("MAX_RAM_PER_PET must be >= 0, got %d", c.MaxRAMMB)
	}
	if c.KVURL == "" {
		return fmt.Errorf("KV_URL must be set")
	}
	if c.PetCmd == "" {
		return fmt.Errorf("PET_CMD must be set")
	}
	return nil
}

// Port returns the fixed port for worker index idx.
func (c *Config) Port(idx int) int {
	return c.StartPort + idx
}
