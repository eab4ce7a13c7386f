package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
)

type VendorConfig struct {
	Enabled         bool   `toml:"enabled"`
	BaseURL         string `toml:"base_url"`
	APIKey          string `toml:"api_key"`
	PollIntervalSec int    `toml:"poll_interval_sec"`
	PaperWsURL      string `toml:"paper_ws_url"`
	LiveWsURL       string `toml:"live_ws_url"`
}

type Config struct {
	App struct {
		LogLevel         string `toml:"log_level"`
		SnapshotEveryMin int    `toml:"snapshot_every_min"`
	} `toml:"app"`

	Server struct {
		Addr string `toml:"addr"`
	} `toml:"server"`

	Symbols struct {
		List []string `toml:"list"`
	} `toml:"symbols"`

	Security struct {
		// 32-byte AES key, hex encoded. TRACKD_CREDENTIAL_KEY overrides.
		CredentialKey string `toml:"credential_key"`
	} `toml:"security"`

	Vendors map[string]VendorConfig `toml:"vendors"`

	Storage struct {
		Driver      string `toml:"driver"` // "sqlite" | "postgres"
		SQLitePath  string `toml:"sqlite_path"`
		PostgresDSN string `toml:"postgres_dsn"`
	} `toml:"storage"`

	Redis struct {
		Enabled  bool   `toml:"enabled"`
		Addr     string `toml:"addr"`
		Password string `toml:"password"`
		DB       int    `toml:"db"`
		TTLSec   int    `toml:"ttl_sec"`
	} `toml:"redis"`

	Kafka struct {
		Enabled bool     `toml:"enabled"`
		Brokers []string `toml:"brokers"`
		Topic   string   `toml:"topic"`
	} `toml:"kafka"`
}

func Load(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.App.LogLevel == "" {
		cfg.App.LogLevel = "info"
	}
	if cfg.App.SnapshotEveryMin <= 0 {
		cfg.App.SnapshotEveryMin = 5
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "sqlite"
	}
	if cfg.Storage.SQLitePath == "" {
		cfg.Storage.SQLitePath = "data/trackd.db"
	}
	if cfg.Redis.TTLSec <= 0 {
		cfg.Redis.TTLSec = 90
	}
	if cfg.Kafka.Topic == "" {
		cfg.Kafka.Topic = "trackd.quotes"
	}
	if cfg.Vendors == nil {
		cfg.Vendors = map[string]VendorConfig{}
	}
	for name, v := range cfg.Vendors {
		if v.PollIntervalSec <= 0 {
			v.PollIntervalSec = 60
		}
		cfg.Vendors[name] = v
	}
	if key := os.Getenv("TRACKD_CREDENTIAL_KEY"); key != "" {
		cfg.Security.CredentialKey = key
	}
}

func validate(cfg *Config) error {
	cfg.Symbols.List = normalizeSymbols(cfg.Symbols.List)
	if len(cfg.Symbols.List) == 0 {
		return errors.New("symbols.list is empty")
	}

	switch cfg.Storage.Driver {
	case "sqlite":
	case "postgres":
		if strings.TrimSpace(cfg.Storage.PostgresDSN) == "" {
			return errors.New("storage.postgres_dsn empty but driver is postgres")
		}
	default:
		return fmt.Errorf("unknown storage.driver %q", cfg.Storage.Driver)
	}

	if cfg.Redis.Enabled && strings.TrimSpace(cfg.Redis.Addr) == "" {
		return errors.New("redis.addr empty but enabled")
	}
	if cfg.Kafka.Enabled && len(cfg.Kafka.Brokers) == 0 {
		return errors.New("kafka.brokers empty but enabled")
	}

	for name, v := range cfg.Vendors {
		if !v.Enabled {
			continue
		}
		switch name {
		case "ibkr":
			if strings.TrimSpace(v.PaperWsURL) == "" && strings.TrimSpace(v.LiveWsURL) == "" {
				return fmt.Errorf("vendors.%s enabled but no ws url configured", name)
			}
		default:
			if strings.TrimSpace(v.BaseURL) == "" {
				return fmt.Errorf("vendors.%s enabled but base_url empty", name)
			}
		}
	}

	if _, err := cfg.CredentialKey(); err != nil {
		return err
	}
	return nil
}

// CredentialKey decodes the configured hex key and checks its size.
func (c *Config) CredentialKey() ([]byte, error) {
	raw := strings.TrimSpace(c.Security.CredentialKey)
	if raw == "" {
		return nil, errors.New("security.credential_key is empty (or set TRACKD_CREDENTIAL_KEY)")
	}
	key, err := hex.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("security.credential_key is not valid hex: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("security.credential_key must be 32 bytes, got %d", len(key))
	}
	return key, nil
}

// EnabledVendors returns the names of enabled vendors in stable order.
func (c *Config) EnabledVendors() []string {
	names := make([]string, 0, len(c.Vendors))
	for _, name := range []string{"fmp", "commodityprice", "ibkr"} {
		if v, ok := c.Vendors[name]; ok && v.Enabled {
			names = append(names, name)
		}
	}
	return names
}

func normalizeSymbols(in []string) []string {
	out := make([]string, 0, len(in))
	seen := map[string]struct{}{}
	for _, s := range in {
		u := strings.ToUpper(strings.TrimSpace(s))
		if u == "" {
			continue
		}
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out
}
