package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

type (
	Config struct {
		LogLevel string       `yaml:"log_level"`
		LogFile  string       `yaml:"log_file"`
		AppURL   string       `yaml:"app_url"`
		Server   ServerConfig `yaml:"server"`
		Mongo    MongoConfig  `yaml:"mongo"`
		Redis    RedisConfig  `yaml:"redis"`
		Ledger   LedgerConfig `yaml:"ledger"`
	}

	ServerConfig struct {
		// Addr is where the relay listens and where clients dial it.
		Addr string `yaml:"addr"`
	}

	MongoConfig struct {
		URI      string `yaml:"uri"`
		Database string `yaml:"database"`
	}

	RedisConfig struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	}

	LedgerConfig struct {
		Network           string        `yaml:"network"`
		StatusURL         string        `yaml:"status_url"`
		APIKey            string        `yaml:"api_key"`
		AccountURL        string        `yaml:"account_url"`
		WalletURL         string        `yaml:"wallet_url"`
		FeePayer          string        `yaml:"fee_payer"`
		Fee               uint64        `yaml:"fee"`
		Memo              string        `yaml:"memo"`
		PollInterval      time.Duration `yaml:"poll_interval"`
		ActivationTimeout time.Duration `yaml:"activation_timeout"`
	}
)

// Load reads the YAML file at path and fills unset fields with defaults. An
// empty path yields the defaults. ZKCHAT_LEDGER_API_KEY overrides the api key
// so it can stay out of the file.
func Load(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err == nil {
			if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	if key := os.Getenv("ZKCHAT_LEDGER_API_KEY"); key != "" {
		cfg.Ledger.APIKey = key
	}

	cfg.applyDefaults()
	return &cfg, cfg.validate()
}

func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Server.Addr == "" {
		c.Server.Addr = "localhost:9090"
	}
	if c.AppURL == "" {
		c.AppURL = "http://" + c.Server.Addr
	}
	if c.Mongo.URI == "" {
		c.Mongo.URI = "mongodb://localhost:27017"
	}
	if c.Mongo.Database == "" {
		c.Mongo.Database = "zk_chat"
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.Ledger.Network == "" {
		c.Ledger.Network = "devnet"
	}
	if c.Ledger.StatusURL == "" {
		c.Ledger.StatusURL = "https://api.blockberry.one/mina-devnet/v1/zkapps/txs"
	}
	if c.Ledger.WalletURL == "" {
		c.Ledger.WalletURL = "http://localhost:8787/sendTransaction"
	}
	if c.Ledger.Fee == 0 {
		c.Ledger.Fee = 1e9
	}
	if c.Ledger.PollInterval == 0 {
		c.Ledger.PollInterval = 60 * time.Second
	}
	if c.Ledger.ActivationTimeout == 0 {
		c.Ledger.ActivationTimeout = 660 * time.Second
	}
}

func (c *Config) validate() error {
	if c.Ledger.PollInterval < 0 || c.Ledger.ActivationTimeout < 0 {
		return errors.New("config: ledger durations must be positive")
	}
	if c.Ledger.PollInterval > c.Ledger.ActivationTimeout {
		return fmt.Errorf("config: poll interval %s exceeds activation timeout %s", c.Ledger.PollInterval, c.Ledger.ActivationTimeout)
	}
	return nil
}
