package spoked

import (
	"fmt"
	"path/filepath"
	"time"

	"crosslend/observability/logging"
	"crosslend/services/internal/daemon"
)

// Config captures the runtime configuration for spoked.
type Config struct {
	ListenAddress string   `yaml:"listen"`
	NetworkPath   string   `yaml:"network"`
	Domain        uint64   `yaml:"domain"`
	DataDir       string   `yaml:"data_dir"`
	UserLimit     Limit    `yaml:"user_limit"`
	APILimit      Limit    `yaml:"api_limit"`
	LogRequests   bool     `yaml:"log_requests"`
	CORSOrigins   []string `yaml:"cors_origins"`
	// SendTimeout bounds one relay send independently of the API caller.
	SendTimeout daemon.Duration `yaml:"send_timeout"`
	// ReconcileInterval is the cadence at which unconfirmed deliveries are
	// re-posted to the hub.
	ReconcileInterval daemon.Duration    `yaml:"reconcile_interval"`
	Relay             daemon.RelayAuth   `yaml:"relay"`
	Admin             daemon.AdminConfig `yaml:"admin"`
	Log               logging.FileConfig `yaml:"log"`
	Balances          []daemon.Balance   `yaml:"balances"`
}

// Limit is a token bucket refilled RequestsPerMinute times a minute. The
// user limit applies per signing user, the API limit per client.
type Limit struct {
	RequestsPerMinute float64 `yaml:"requests_per_minute"`
	Burst             int     `yaml:"burst"`
}

// LoadConfig reads configuration from the supplied path.
func LoadConfig(path string) (Config, error) {
	cfg := Config{}
	if err := daemon.Decode(path, &cfg); err != nil {
		return cfg, err
	}
	applyDefaults(&cfg)
	if err := cfg.Admin.Normalise(); err != nil {
		return cfg, fmt.Errorf("admin security: %w", err)
	}
	if err := cfg.Relay.Normalise(); err != nil {
		return cfg, fmt.Errorf("relay auth: %w", err)
	}
	if cfg.Domain == 0 {
		return cfg, fmt.Errorf("domain must be configured")
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":8082"
	}
	if cfg.NetworkPath == "" {
		cfg.NetworkPath = "network.toml"
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "data/spoke"
	}
	if cfg.APILimit.RequestsPerMinute <= 0 {
		cfg.APILimit.RequestsPerMinute = 120
	}
	if cfg.APILimit.Burst <= 0 {
		cfg.APILimit.Burst = 20
	}
	if cfg.SendTimeout.Duration <= 0 {
		cfg.SendTimeout.Duration = 15 * time.Second
	}
	if cfg.ReconcileInterval.Duration <= 0 {
		cfg.ReconcileInterval.Duration = 10 * time.Second
	}
}

func (c Config) path(name string) string {
	return filepath.Join(c.DataDir, name)
}
