package hubd

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"crosslend/observability/logging"
	"crosslend/services/internal/daemon"
)

// Journal drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config captures the runtime configuration for hubd.
type Config struct {
	ListenAddress string             `yaml:"listen"`
	NetworkPath   string             `yaml:"network"`
	DataDir       string             `yaml:"data_dir"`
	Journal       JournalConfig      `yaml:"journal"`
	NonceWindow   int                `yaml:"nonce_window"`
	RetryInterval daemon.Duration    `yaml:"retry_interval"`
	RetryBatch    int                `yaml:"retry_batch"`
	EventBacklog  int                `yaml:"event_backlog"`
	LogRequests   bool               `yaml:"log_requests"`
	CORSOrigins   []string           `yaml:"cors_origins"`
	Relay         daemon.RelayAuth   `yaml:"relay"`
	Admin         daemon.AdminConfig `yaml:"admin"`
	Log           logging.FileConfig `yaml:"log"`
	Balances      []daemon.Balance   `yaml:"balances"`
}

// JournalConfig selects where settlement records live. The sqlite driver
// keeps them in the data directory next to the delivery log.
type JournalConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
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
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":8081"
	}
	if cfg.NetworkPath == "" {
		cfg.NetworkPath = "network.toml"
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "data/hub"
	}
	cfg.Journal.Driver = strings.ToLower(strings.TrimSpace(cfg.Journal.Driver))
	if cfg.Journal.Driver == "" {
		cfg.Journal.Driver = DriverSQLite
	}
	if cfg.RetryInterval.Duration <= 0 {
		cfg.RetryInterval.Duration = 10 * time.Second
	}
	if cfg.RetryBatch <= 0 {
		cfg.RetryBatch = 64
	}
	if cfg.EventBacklog <= 0 {
		cfg.EventBacklog = 256
	}
}

func validateConfig(cfg Config) error {
	switch cfg.Journal.Driver {
	case DriverSQLite:
	case DriverPostgres:
		if strings.TrimSpace(cfg.Journal.DSN) == "" {
			return fmt.Errorf("journal dsn required for postgres")
		}
	default:
		return fmt.Errorf("unknown journal driver %q", cfg.Journal.Driver)
	}
	if cfg.NonceWindow < 0 {
		return fmt.Errorf("nonce_window must not be negative")
	}
	return nil
}

func (c Config) path(name string) string {
	return filepath.Join(c.DataDir, name)
}
