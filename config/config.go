/*
Package config loads server and bonus-policy configuration from TOML.

PURPOSE:
  One file for everything an operator tunes: the HTTP listener, the
  database path, the expiry sweeper, and the first-login bonus policy.
  Defaults are always valid; a config file overrides them field by field.

EXAMPLE (config.toml):

  [server]
  host = "0.0.0.0"
  port = 8080
  db_path = "./data/credits.db"

  [sweeper]
  enabled = true
  interval = "1h"

  [bonus]
  enabled = true
  credits = 100
  valid_days = 365
  country_mode = "denylist"
  countries = ["KP"]

  [bonus.ip_limit]
  enabled = true
  max = 3
  window = "24h"
  source = "any"

SEE ALSO:
  - bonus/policy.go: The Policy struct decoded from [bonus]
  - cmd/server/main.go: Flags override the file
*/
package config

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/warp/credit-engine/bonus"
)

// ServerConfig configures the HTTP listener and storage.
type ServerConfig struct {
	Host   string `toml:"host"`
	Port   int    `toml:"port"`
	DBPath string `toml:"db_path"`
}

// SweeperConfig configures the background expiry sweep.
type SweeperConfig struct {
	Enabled  bool           `toml:"enabled"`
	Interval bonus.Duration `toml:"interval"`
}

// Config is the full application configuration.
type Config struct {
	Server  ServerConfig  `toml:"server"`
	Sweeper SweeperConfig `toml:"sweeper"`
	Bonus   bonus.Policy  `toml:"bonus"`
}

// Default returns the baseline configuration used when no file is given.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host:   "127.0.0.1",
			Port:   8080,
			DBPath: "credits.db",
		},
		Sweeper: SweeperConfig{
			Enabled:  true,
			Interval: bonus.Duration{Duration: time.Hour},
		},
		Bonus: bonus.DefaultPolicy(),
	}
}

// Load reads a TOML file over the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to load config %s: %w", path, err)
	}
	return cfg, nil
}
