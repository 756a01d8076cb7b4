package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-playground/validator/v10"
	"github.com/safecoord/safecoord/internal/network"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes the environment variables that override file keys,
// e.g. SAFECOORD_NETWORK_RPC_URL for network.rpc_url.
const EnvPrefix = "SAFECOORD"

// Config holds all configurable parameters for the application
type Config struct {
	Network Network `mapstructure:"network"`
	Account Account `mapstructure:"account"`
	Signer  Signer  `mapstructure:"signer"`
	Storage Storage `mapstructure:"storage"`
	HTTP    HTTP    `mapstructure:"http"`
	Retry   Retry   `mapstructure:"retry"`
	Log     Log     `mapstructure:"log"`
}

type Network struct {
	ChainID      uint64 `mapstructure:"chain_id"`
	Name         string `mapstructure:"name"`
	RPCURL       string `mapstructure:"rpc_url" validate:"required,url"`
	TxServiceURL string `mapstructure:"tx_service_url" validate:"omitempty,url"`
}

type Account struct {
	Address string `mapstructure:"address" validate:"omitempty,hexaddr"`
}

type Signer struct {
	KeyHex       string `mapstructure:"key_hex" validate:"omitempty,hexadecimal"`
	KeyFile      string `mapstructure:"key_file"`
	PersonalSign bool   `mapstructure:"personal_sign"`
	// ExecutorKeyHex pays for executions; the owner key is used when empty.
	ExecutorKeyHex string `mapstructure:"executor_key_hex" validate:"omitempty,hexadecimal"`
}

type Storage struct {
	Dir string `mapstructure:"dir"`
}

type HTTP struct {
	TimeoutMs    int  `mapstructure:"timeout_ms" validate:"gte=0"`
	DelayEnabled bool `mapstructure:"delay_enabled"`
	MinDelayMs   int  `mapstructure:"min_delay_ms" validate:"gte=0"`
	MaxDelayMs   int  `mapstructure:"max_delay_ms" validate:"gtefield=MinDelayMs"`
}

type Retry struct {
	QueryAttempts  int `mapstructure:"query_attempts" validate:"gte=1,lte=10"`
	PollAttempts   int `mapstructure:"poll_attempts" validate:"gte=1,lte=20"`
	InitialDelayMs int `mapstructure:"initial_delay_ms" validate:"gte=1"`
	MaxDelayMs     int `mapstructure:"max_delay_ms" validate:"gtefield=InitialDelayMs"`
}

type Log struct {
	Level string `mapstructure:"level" validate:"oneof=trace debug info warn error crit"`
	Color bool   `mapstructure:"color"`
}

var defaults = map[string]interface{}{
	"network.chain_id":        0,
	"network.name":            "",
	"network.rpc_url":         "http://localhost:8545",
	"network.tx_service_url":  "",
	"account.address":         "",
	"signer.key_hex":          "",
	"signer.key_file":         "",
	"signer.personal_sign":    false,
	"signer.executor_key_hex": "",
	"storage.dir":             "",
	"http.timeout_ms":         10000,
	"http.delay_enabled":      false,
	"http.min_delay_ms":       0,
	"http.max_delay_ms":       0,
	"retry.query_attempts":    network.QueryPolicy.Attempts,
	"retry.poll_attempts":     network.PollPolicy.Attempts,
	"retry.initial_delay_ms":  250,
	"retry.max_delay_ms":      2000,
	"log.level":               "info",
	"log.color":               false,
}

// Load reads the JSON file at configPath, applies defaults and SAFECOORD_*
// environment overrides, and validates the result. An empty configPath
// uses defaults and the environment only.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("json")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDefault loads the default config from config.json in the config directory
func LoadDefault() (*Config, error) {
	return Load("config/config.json")
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	v := validator.New()
	err := v.RegisterValidation("hexaddr", func(fl validator.FieldLevel) bool {
		return common.IsHexAddress(fl.Field().String())
	})
	if err != nil {
		return err
	}
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// AccountAddress returns the configured account, if any.
func (c *Config) AccountAddress() (common.Address, bool) {
	if c.Account.Address == "" {
		return common.Address{}, false
	}
	return common.HexToAddress(c.Account.Address), true
}

// SigningKey returns the hex-encoded owner key, reading KeyFile when KeyHex
// is empty. An empty result means no key is configured.
func (c *Config) SigningKey() (string, error) {
	if c.Signer.KeyHex != "" || c.Signer.KeyFile == "" {
		return c.Signer.KeyHex, nil
	}
	data, err := os.ReadFile(c.Signer.KeyFile)
	if err != nil {
		return "", fmt.Errorf("failed to read key file: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// HTTPConfig converts the http section.
func (c *Config) HTTPConfig() network.Config {
	return network.Config{
		Timeout:      ms(c.HTTP.TimeoutMs),
		DelayEnabled: c.HTTP.DelayEnabled,
		MinDelay:     ms(c.HTTP.MinDelayMs),
		MaxDelay:     ms(c.HTTP.MaxDelayMs),
	}
}

// QueryPolicy bounds retries of read-only calls.
func (c *Config) QueryPolicy() network.Policy {
	return network.Policy{
		Attempts: c.Retry.QueryAttempts,
		Initial:  ms(c.Retry.InitialDelayMs),
		Max:      ms(c.Retry.MaxDelayMs),
	}
}

// PollPolicy bounds the wait for execution outcomes.
func (c *Config) PollPolicy() network.Policy {
	p := c.QueryPolicy()
	p.Attempts = c.Retry.PollAttempts
	p.Max *= 2
	return p
}

func ms(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}
