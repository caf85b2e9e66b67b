package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"rwadesk/core/identity"
)

// Config is the deskd daemon configuration, loaded from TOML.
type Config struct {
	ListenAddress string `toml:"ListenAddress"`
	DataDir       string `toml:"DataDir"`
	ExportDir     string `toml:"ExportDir"`
	Administrator string `toml:"Administrator"`
	TrustAccount  string `toml:"TrustAccount"`
	Custodian     string `toml:"Custodian"`

	OpenClose        bool     `toml:"OpenClose"`
	WhitelistEnabled bool     `toml:"WhitelistEnabled"`
	Whitelist        []string `toml:"Whitelist"`

	EventRetention int `toml:"EventRetention"`

	RPC     RPCConfig     `toml:"RPC"`
	Gateway GatewayConfig `toml:"Gateway"`
	Log     LogConfig     `toml:"Log"`
}

// RPCConfig tunes the JSON-RPC endpoint.
type RPCConfig struct {
	TokenEnv      string  `toml:"TokenEnv"`
	RatePerSecond float64 `toml:"RatePerSecond"`
	RateBurst     int     `toml:"RateBurst"`
}

// GatewayConfig tunes the JWT guard at the gateway edge.
type GatewayConfig struct {
	AuthEnabled bool   `toml:"AuthEnabled"`
	SecretEnv   string `toml:"SecretEnv"`
	Issuer      string `toml:"Issuer"`
	Audience    string `toml:"Audience"`
	Scope       string `toml:"Scope"`
}

// LogConfig tunes log output and rotation.
type LogConfig struct {
	File       string `toml:"File"`
	MaxSizeMB  int    `toml:"MaxSizeMB"`
	MaxBackups int    `toml:"MaxBackups"`
	MaxAgeDays int    `toml:"MaxAgeDays"`
}

// Load reads the configuration from the given path, creating a default file
// when none exists.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.ListenAddress) == "" {
		cfg.ListenAddress = ":8080"
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = "./desk-data"
	}
	if strings.TrimSpace(cfg.ExportDir) == "" {
		cfg.ExportDir = "./desk-exports"
	}
	if cfg.EventRetention <= 0 {
		cfg.EventRetention = 10_000
	}
	if cfg.RPC.RateBurst <= 0 {
		cfg.RPC.RateBurst = 20
	}
	if strings.TrimSpace(cfg.RPC.TokenEnv) == "" {
		cfg.RPC.TokenEnv = "DESK_RPC_TOKEN"
	}
	if strings.TrimSpace(cfg.Gateway.SecretEnv) == "" {
		cfg.Gateway.SecretEnv = "DESK_GATEWAY_SECRET"
	}
	if strings.TrimSpace(cfg.Gateway.Scope) == "" {
		cfg.Gateway.Scope = "desk"
	}
}

// Validate checks the addresses resolve and the whitelist parses.
func (c *Config) Validate() error {
	if _, err := c.AdministratorAddress(); err != nil {
		return err
	}
	if _, err := c.TrustAccountAddress(); err != nil {
		return err
	}
	if _, err := c.CustodianAddress(); err != nil {
		return err
	}
	for _, entry := range c.Whitelist {
		if _, err := identity.ParseAddress(entry); err != nil {
			return fmt.Errorf("config: whitelist entry %q: %w", entry, err)
		}
	}
	return nil
}

// AdministratorAddress resolves the configured administrator identity.
func (c *Config) AdministratorAddress() (identity.Address, error) {
	addr, err := identity.ParseAddress(c.Administrator)
	if err != nil {
		return addr, fmt.Errorf("config: Administrator: %w", err)
	}
	if identity.IsZero(addr) {
		return addr, fmt.Errorf("config: Administrator must be non-zero")
	}
	return addr, nil
}

// TrustAccountAddress resolves the stable-unit trust account.
func (c *Config) TrustAccountAddress() (identity.Address, error) {
	addr, err := identity.ParseAddress(c.TrustAccount)
	if err != nil {
		return addr, fmt.Errorf("config: TrustAccount: %w", err)
	}
	if identity.IsZero(addr) {
		return addr, fmt.Errorf("config: TrustAccount must be non-zero")
	}
	return addr, nil
}

// CustodianAddress resolves the asset custodian account.
func (c *Config) CustodianAddress() (identity.Address, error) {
	addr, err := identity.ParseAddress(c.Custodian)
	if err != nil {
		return addr, fmt.Errorf("config: Custodian: %w", err)
	}
	if identity.IsZero(addr) {
		return addr, fmt.Errorf("config: Custodian must be non-zero")
	}
	return addr, nil
}

// WhitelistAddresses resolves the configured whitelist entries.
func (c *Config) WhitelistAddresses() ([]identity.Address, error) {
	out := make([]identity.Address, 0, len(c.Whitelist))
	for _, entry := range c.Whitelist {
		addr, err := identity.ParseAddress(entry)
		if err != nil {
			return nil, err
		}
		out = append(out, addr)
	}
	return out, nil
}

// createDefault creates and saves a default configuration file. The address
// fields are left for the operator to fill in; Load will reject the file
// until they are.
func createDefault(path string) (*Config, error) {
	cfg := &Config{
		ListenAddress:  ":8080",
		DataDir:        "./desk-data",
		ExportDir:      "./desk-exports",
		EventRetention: 10_000,
		RPC: RPCConfig{
			TokenEnv:      "DESK_RPC_TOKEN",
			RatePerSecond: 50,
			RateBurst:     20,
		},
		Gateway: GatewayConfig{
			SecretEnv: "DESK_GATEWAY_SECRET",
			Scope:     "desk",
		},
	}
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}
