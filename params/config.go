// Copyright 2025 The chainwatch Authors
// This file is part of the chainwatch library.
//
// The chainwatch library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The chainwatch library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the chainwatch library. If not, see <http://www.gnu.org/licenses/>.

// Package params holds the daemon configuration: the TOML file format, the
// defaults every knob falls back to, and the validation run before startup.
package params

import (
	"net/url"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

// Defaults applied to any knob the config file leaves unset.
const (
	DefaultConfirmationThreshold = 6
	DefaultReconcileInterval     = 10 * time.Second
	DefaultPollInterval          = 15 * time.Second
	DefaultRefreshInterval       = 60 * time.Second
	DefaultShutdownGrace         = 10 * time.Second

	DefaultRPCMaxRetries = 3
	DefaultRPCRetryDelay = time.Second
	DefaultRPCTimeout    = 30 * time.Second

	DefaultMaxReconnectAttempts = 10
	DefaultCatchUpBatch         = 500
	DefaultShieldedLookback     = 1152 // about one day of zcash blocks
)

// Duration wraps time.Duration so TOML values like "15s" decode directly.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler for TOML decoding.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the full daemon configuration, decoded from one TOML file.
type Config struct {
	DataDir string        `toml:"datadir"`
	Log     LogConfig     `toml:"log"`
	Storage StorageConfig `toml:"storage"`
	Metrics MetricsConfig `toml:"metrics"`
	Monitor MonitorConfig `toml:"monitor"`
	Node    NodeSet       `toml:"node"`
}

// NodeSet groups the per-chain node settings.
type NodeSet struct {
	BTC BTCConfig `toml:"btc"`
	ZEC ZECConfig `toml:"zec"`
}

// LogConfig controls log output and rotation.
type LogConfig struct {
	Level      string `toml:"level"`
	File       string `toml:"file"` // empty logs to stderr
	MaxSizeMB  int    `toml:"max-size-mb"`
	MaxBackups int    `toml:"max-backups"`
}

// StorageConfig selects and configures the persistence backend.
type StorageConfig struct {
	Backend string `toml:"backend"` // leveldb or postgres
	DSN     string `toml:"dsn"`     // postgres connection string
}

// MetricsConfig controls the Prometheus endpoint. An empty address disables
// the listener.
type MetricsConfig struct {
	Addr string `toml:"addr"`
}

// MonitorConfig holds settings shared by both chain monitors.
type MonitorConfig struct {
	ConfirmationThreshold int64    `toml:"confirmation-threshold"`
	RefreshInterval       Duration `toml:"refresh-interval"`
	ShutdownGrace         Duration `toml:"shutdown-grace"`
}

// NodeConfig is the RPC connection layer shared by every chain.
type NodeConfig struct {
	Enabled       bool     `toml:"enabled"`
	URL           string   `toml:"url"`
	User          string   `toml:"user"`
	Password      string   `toml:"password"`
	RPCMaxRetries int      `toml:"rpc-max-retries"`
	RPCRetryDelay Duration `toml:"rpc-retry-delay"`
	RPCTimeout    Duration `toml:"rpc-timeout"`
}

// BTCConfig configures the bitcoin monitor.
type BTCConfig struct {
	NodeConfig
	Network              string   `toml:"network"`
	ZMQEndpoint          string   `toml:"zmq-endpoint"`
	ReconcileInterval    Duration `toml:"reconcile-interval"`
	CatchUpBatch         int64    `toml:"catch-up-batch"`
	MaxReconnectAttempts int      `toml:"max-reconnect-attempts"`
}

// ZECConfig configures the zcash monitor.
type ZECConfig struct {
	NodeConfig
	PollInterval     Duration `toml:"poll-interval"`
	CatchUpBatch     int64    `toml:"catch-up-batch"`
	ShieldedLookback int64    `toml:"shielded-lookback"`

	// ViewingKeys are the incoming viewing keys for the shielded addresses
	// this deployment watches. Notes to an address stay invisible until its
	// key is listed here and imported into the node wallet.
	ViewingKeys []ViewingKeyConfig `toml:"viewing-keys"`
}

// ViewingKeyConfig binds an incoming viewing key to its shielded address.
// Birthday is the block height the address was created at; zero means
// unknown and widens the import rescan.
type ViewingKeyConfig struct {
	Address  string `toml:"address"`
	Key      string `toml:"key"`
	Birthday int64  `toml:"birthday"`
}

// DefaultConfig returns a configuration with every knob at its default and
// both monitors disabled. Enabling a chain only requires its node URL and
// credentials.
func DefaultConfig() *Config {
	return &Config{
		DataDir: "chainwatch-data",
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  100,
			MaxBackups: 3,
		},
		Storage: StorageConfig{
			Backend: "leveldb",
		},
		Monitor: MonitorConfig{
			ConfirmationThreshold: DefaultConfirmationThreshold,
			RefreshInterval:       Duration(DefaultRefreshInterval),
			ShutdownGrace:         Duration(DefaultShutdownGrace),
		},
		Node: NodeSet{
			BTC: BTCConfig{
				NodeConfig: NodeConfig{
					URL:           "http://127.0.0.1:8332",
					RPCMaxRetries: DefaultRPCMaxRetries,
					RPCRetryDelay: Duration(DefaultRPCRetryDelay),
					RPCTimeout:    Duration(DefaultRPCTimeout),
				},
				Network:              "mainnet",
				ZMQEndpoint:          "tcp://127.0.0.1:28332",
				ReconcileInterval:    Duration(DefaultReconcileInterval),
				CatchUpBatch:         DefaultCatchUpBatch,
				MaxReconnectAttempts: DefaultMaxReconnectAttempts,
			},
			ZEC: ZECConfig{
				NodeConfig: NodeConfig{
					URL:           "http://127.0.0.1:8232",
					RPCMaxRetries: DefaultRPCMaxRetries,
					RPCRetryDelay: Duration(DefaultRPCRetryDelay),
					RPCTimeout:    Duration(DefaultRPCTimeout),
				},
				PollInterval:     Duration(DefaultPollInterval),
				CatchUpBatch:     DefaultCatchUpBatch,
				ShieldedLookback: DefaultShieldedLookback,
			},
		},
	}
}

// LoadFile reads a TOML config file over the defaults without validating,
// for tooling that inspects or dumps partial configurations.
func LoadFile(path string) (*Config, error) {
	cfg := DefaultConfig()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, errors.Wrapf(err, "loading config %s", path)
	}
	return cfg, nil
}

// Load reads a TOML config file over the defaults and validates the result.
func Load(path string) (*Config, error) {
	cfg, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for values the daemon cannot run with.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case "leveldb":
		if c.DataDir == "" {
			return errors.New("config: datadir is required with the leveldb backend")
		}
	case "postgres":
		if c.Storage.DSN == "" {
			return errors.New("config: storage.dsn is required with the postgres backend")
		}
	default:
		return errors.Errorf("config: unknown storage backend %q", c.Storage.Backend)
	}

	if !c.Node.BTC.Enabled && !c.Node.ZEC.Enabled {
		return errors.New("config: no chain enabled, nothing to monitor")
	}
	if c.Monitor.ConfirmationThreshold < 1 {
		return errors.Errorf("config: confirmation threshold %d, must be at least 1", c.Monitor.ConfirmationThreshold)
	}
	if c.Monitor.RefreshInterval <= 0 || c.Monitor.ShutdownGrace <= 0 {
		return errors.New("config: monitor intervals must be positive")
	}

	if c.Node.BTC.Enabled {
		if err := c.Node.BTC.validate("node.btc"); err != nil {
			return err
		}
		if c.Node.BTC.ZMQEndpoint == "" {
			return errors.New("config: node.btc.zmq-endpoint is required")
		}
		if c.Node.BTC.ReconcileInterval <= 0 {
			return errors.New("config: node.btc.reconcile-interval must be positive")
		}
		if c.Node.BTC.CatchUpBatch < 1 {
			return errors.New("config: node.btc.catch-up-batch must be at least 1")
		}
	}
	if c.Node.ZEC.Enabled {
		if err := c.Node.ZEC.validate("node.zec"); err != nil {
			return err
		}
		if c.Node.ZEC.PollInterval <= 0 {
			return errors.New("config: node.zec.poll-interval must be positive")
		}
		if c.Node.ZEC.CatchUpBatch < 1 {
			return errors.New("config: node.zec.catch-up-batch must be at least 1")
		}
		if c.Node.ZEC.ShieldedLookback < 0 {
			return errors.New("config: node.zec.shielded-lookback must not be negative")
		}
		for i, vk := range c.Node.ZEC.ViewingKeys {
			if vk.Address == "" || vk.Key == "" {
				return errors.Errorf("config: node.zec.viewing-keys[%d] needs both address and key", i)
			}
		}
	}
	return nil
}

func (nc *NodeConfig) validate(section string) error {
	u, err := url.Parse(nc.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return errors.Errorf("config: %s.url %q is not a valid http(s) url", section, nc.URL)
	}
	if nc.RPCMaxRetries < 0 {
		return errors.Errorf("config: %s.rpc-max-retries must not be negative", section)
	}
	if nc.RPCTimeout <= 0 {
		return errors.Errorf("config: %s.rpc-timeout must be positive", section)
	}
	return nil
}
