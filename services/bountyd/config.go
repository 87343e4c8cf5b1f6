package bountyd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"labescrow/native/bounty"
	"labescrow/observability/logging"
	"labescrow/services/bountyd/auth"
	"labescrow/services/bountyd/evidence"
	"labescrow/services/bountyd/notify"
)

// Duration wraps time.Duration to support YAML and TOML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	return d.UnmarshalText([]byte(value.Value))
}

// UnmarshalText parses a duration string such as "90s".
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures the runtime configuration for bountyd.
type Config struct {
	ListenAddress  string                 `yaml:"listen" toml:"listen"`
	RequestTimeout Duration               `yaml:"request_timeout" toml:"request_timeout"`
	Logging        LoggingConfig          `yaml:"logging" toml:"logging"`
	Database       DatabaseConfig         `yaml:"database" toml:"database"`
	Rules          bounty.ValidationRules `yaml:"rules" toml:"rules"`
	Rails          RailsConfig            `yaml:"rails" toml:"rails"`
	Evidence       evidence.Config        `yaml:"evidence" toml:"evidence"`
	Auth           auth.Config            `yaml:"auth" toml:"auth"`
	Notify         NotifyConfig           `yaml:"notify" toml:"notify"`
	RateLimit      RateLimitConfig        `yaml:"rate_limit" toml:"rate_limit"`
}

// LoggingConfig controls the slog handler.
type LoggingConfig struct {
	Level string             `yaml:"level" toml:"level"`
	File  logging.FileConfig `yaml:"file" toml:"file"`
}

// DatabaseConfig selects the bounty store backend.
type DatabaseConfig struct {
	// Driver is postgres, sqlite or leveldb.
	Driver string `yaml:"driver" toml:"driver"`
	DSN    string `yaml:"dsn" toml:"dsn"`
	DSNEnv string `yaml:"dsn_env" toml:"dsn_env"`
	// Path is the leveldb directory.
	Path string `yaml:"path" toml:"path"`
}

// RailsConfig enables and configures each custody rail.
type RailsConfig struct {
	Card     CardRailConfig     `yaml:"card" toml:"card"`
	Program  ProgramRailConfig  `yaml:"program" toml:"program"`
	Contract ContractRailConfig `yaml:"contract" toml:"contract"`
}

// CardRailConfig configures the card authorization rail.
type CardRailConfig struct {
	Enabled          bool     `yaml:"enabled" toml:"enabled"`
	BaseURL          string   `yaml:"base_url" toml:"base_url"`
	SecretKey        string   `yaml:"secret_key" toml:"secret_key"`
	SecretKeyEnv     string   `yaml:"secret_key_env" toml:"secret_key_env"`
	SecretKeyFile    string   `yaml:"secret_key_file" toml:"secret_key_file"`
	FeeBps           uint32   `yaml:"fee_bps" toml:"fee_bps"`
	AuthorizationTTL Duration `yaml:"authorization_ttl" toml:"authorization_ttl"`
}

// ProgramRailConfig configures the program-derived escrow rail.
type ProgramRailConfig struct {
	Enabled        bool   `yaml:"enabled" toml:"enabled"`
	RPCEndpoint    string `yaml:"rpc_endpoint" toml:"rpc_endpoint"`
	ProgramID      string `yaml:"program_id" toml:"program_id"`
	Authority      string `yaml:"authority" toml:"authority"`
	Mint           string `yaml:"mint" toml:"mint"`
	Currency       string `yaml:"currency" toml:"currency"`
	MinorDecimals  uint8  `yaml:"minor_decimals" toml:"minor_decimals"`
	TokenDecimals  uint8  `yaml:"token_decimals" toml:"token_decimals"`
	Commitment     string `yaml:"commitment" toml:"commitment"`
	SignerEndpoint string `yaml:"signer_endpoint" toml:"signer_endpoint"`
	SignerMethod   string `yaml:"signer_method" toml:"signer_method"`
}

// ContractRailConfig configures the EVM contract escrow rail.
type ContractRailConfig struct {
	Enabled       bool   `yaml:"enabled" toml:"enabled"`
	RPCEndpoint   string `yaml:"rpc_endpoint" toml:"rpc_endpoint"`
	ChainID       int64  `yaml:"chain_id" toml:"chain_id"`
	Token         string `yaml:"token" toml:"token"`
	Currency      string `yaml:"currency" toml:"currency"`
	MinorDecimals uint8  `yaml:"minor_decimals" toml:"minor_decimals"`
	TokenDecimals uint8  `yaml:"token_decimals" toml:"token_decimals"`
	Factory       string `yaml:"factory" toml:"factory"`
	InitCodeHash  string `yaml:"init_code_hash" toml:"init_code_hash"`
	Confirmations uint64 `yaml:"confirmations" toml:"confirmations"`
	SignerKeyEnv  string `yaml:"signer_key_env" toml:"signer_key_env"`
}

// NotifyConfig configures webhook fan-out.
type NotifyConfig struct {
	Capacity  int               `yaml:"capacity" toml:"capacity"`
	TTL       Duration          `yaml:"ttl" toml:"ttl"`
	Endpoints []notify.Endpoint `yaml:"endpoints" toml:"endpoints"`
}

// RateLimitConfig bounds per-client request rates on mutating routes.
type RateLimitConfig struct {
	RequestsPerMinute float64 `yaml:"requests_per_minute" toml:"requests_per_minute"`
	Burst             int     `yaml:"burst" toml:"burst"`
}

// LoadConfig reads configuration from the supplied path. Files ending in
// .toml are decoded as TOML, anything else as YAML.
func LoadConfig(path string) (Config, error) {
	cfg := Config{}
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
	} else {
		file, err := os.Open(path)
		if err != nil {
			return cfg, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()
		dec := yaml.NewDecoder(file)
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
	}
	if err := finalizeConfig(&cfg, os.Getenv); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func finalizeConfig(cfg *Config, getenv func(string) string) error {
	applyEnvOverrides(cfg, getenv)
	applyDefaults(cfg)
	if err := cfg.normalise(getenv); err != nil {
		return err
	}
	return validateConfig(*cfg)
}

func applyEnvOverrides(cfg *Config, getenv func(string) string) {
	if v := strings.TrimSpace(getenv("BOUNTYD_LISTEN")); v != "" {
		cfg.ListenAddress = v
	}
	if v := strings.TrimSpace(getenv("BOUNTYD_DATABASE_DRIVER")); v != "" {
		cfg.Database.Driver = v
	}
	if v := strings.TrimSpace(getenv("BOUNTYD_DATABASE_DSN")); v != "" {
		cfg.Database.DSN = v
	}
	if v := strings.TrimSpace(getenv("BOUNTYD_LOG_LEVEL")); v != "" {
		cfg.Logging.Level = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7090"
	}
	if cfg.RequestTimeout.Duration == 0 {
		cfg.RequestTimeout.Duration = 30 * time.Second
	}
	cfg.Database.Driver = strings.ToLower(strings.TrimSpace(cfg.Database.Driver))
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite"
	}
	if cfg.Database.Driver == "sqlite" && strings.TrimSpace(cfg.Database.DSN) == "" && cfg.Database.DSNEnv == "" {
		cfg.Database.DSN = "bountyd.db"
	}
	if cfg.Rails.Card.FeeBps == 0 {
		cfg.Rails.Card.FeeBps = 500
	}
	if cfg.Rails.Card.AuthorizationTTL.Duration == 0 {
		cfg.Rails.Card.AuthorizationTTL.Duration = 7 * 24 * time.Hour
	}
	if cfg.Rails.Program.Commitment == "" {
		cfg.Rails.Program.Commitment = "finalized"
	}
	if cfg.Rails.Program.MinorDecimals == 0 {
		cfg.Rails.Program.MinorDecimals = 2
	}
	if cfg.Rails.Program.TokenDecimals == 0 {
		cfg.Rails.Program.TokenDecimals = 6
	}
	if cfg.Rails.Contract.MinorDecimals == 0 {
		cfg.Rails.Contract.MinorDecimals = 2
	}
	if cfg.Rails.Contract.TokenDecimals == 0 {
		cfg.Rails.Contract.TokenDecimals = 6
	}
	if cfg.Rails.Contract.Confirmations == 0 {
		cfg.Rails.Contract.Confirmations = 3
	}
	if cfg.Rails.Contract.SignerKeyEnv == "" {
		cfg.Rails.Contract.SignerKeyEnv = "BOUNTYD_CONTRACT_SIGNER_KEY"
	}
	if cfg.Notify.Capacity <= 0 {
		cfg.Notify.Capacity = 1024
	}
	if cfg.Notify.TTL.Duration == 0 {
		cfg.Notify.TTL.Duration = time.Hour
	}
	if cfg.RateLimit.RequestsPerMinute <= 0 {
		cfg.RateLimit.RequestsPerMinute = 120
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = 20
	}
}

func (c *Config) normalise(getenv func(string) string) error {
	var err error
	if c.Database.DSN, err = resolveSecret(c.Database.DSN, c.Database.DSNEnv, "", getenv); err != nil {
		return fmt.Errorf("database dsn: %w", err)
	}
	if c.Rails.Card.Enabled {
		if c.Rails.Card.SecretKey, err = resolveSecret(c.Rails.Card.SecretKey, c.Rails.Card.SecretKeyEnv, c.Rails.Card.SecretKeyFile, getenv); err != nil {
			return fmt.Errorf("card secret key: %w", err)
		}
	}
	if c.Auth.Enabled {
		if c.Auth.HMACSecret, err = resolveSecret(c.Auth.HMACSecret, c.Auth.HMACSecretEnv, "", getenv); err != nil {
			return fmt.Errorf("auth hmac secret: %w", err)
		}
	}
	if strings.TrimSpace(c.Evidence.Endpoint) != "" {
		if c.Evidence.AccessKey, err = resolveSecret(c.Evidence.AccessKey, c.Evidence.AccessKeyEnv, "", getenv); err != nil {
			return fmt.Errorf("evidence access key: %w", err)
		}
		if c.Evidence.SecretKey, err = resolveSecret(c.Evidence.SecretKey, c.Evidence.SecretKeyEnv, "", getenv); err != nil {
			return fmt.Errorf("evidence secret key: %w", err)
		}
	}
	if err := notify.ResolveSecrets(c.Notify.Endpoints, getenv); err != nil {
		return err
	}
	return nil
}

// resolveSecret returns value when set, otherwise reads the named
// environment variable or file. An empty result with no source configured is
// left for validateConfig to judge.
func resolveSecret(value, envName, file string, getenv func(string) string) (string, error) {
	value = strings.TrimSpace(value)
	if value != "" {
		return value, nil
	}
	envName = strings.TrimSpace(envName)
	file = strings.TrimSpace(file)
	switch {
	case envName != "":
		resolved := strings.TrimSpace(getenv(envName))
		if resolved == "" {
			return "", fmt.Errorf("%s is empty", envName)
		}
		return resolved, nil
	case file != "":
		contents, err := os.ReadFile(file)
		if err != nil {
			return "", fmt.Errorf("read %s: %w", file, err)
		}
		return strings.TrimSpace(string(contents)), nil
	default:
		return "", nil
	}
}

func validateConfig(cfg Config) error {
	switch cfg.Database.Driver {
	case "postgres", "sqlite":
		if strings.TrimSpace(cfg.Database.DSN) == "" {
			return fmt.Errorf("database dsn must be configured for %s", cfg.Database.Driver)
		}
	case "leveldb":
		if strings.TrimSpace(cfg.Database.Path) == "" {
			return fmt.Errorf("database path must be configured for leveldb")
		}
	default:
		return fmt.Errorf("unsupported database driver %q", cfg.Database.Driver)
	}
	if cfg.Auth.Enabled && cfg.Auth.HMACSecret == "" {
		return fmt.Errorf("auth hmac_secret must be configured when auth is enabled")
	}
	if cfg.Rails.Card.Enabled && cfg.Rails.Card.SecretKey == "" {
		return fmt.Errorf("card rail requires secret_key")
	}
	if cfg.Rails.Card.FeeBps > 10_000 {
		return fmt.Errorf("card fee_bps must not exceed 10000")
	}
	if p := cfg.Rails.Program; p.Enabled {
		if p.RPCEndpoint == "" || p.ProgramID == "" || p.Authority == "" || p.Mint == "" || p.Currency == "" {
			return fmt.Errorf("program rail requires rpc_endpoint, program_id, authority, mint and currency")
		}
	}
	if c := cfg.Rails.Contract; c.Enabled {
		if c.RPCEndpoint == "" || c.ChainID <= 0 || c.Token == "" || c.Currency == "" {
			return fmt.Errorf("contract rail requires rpc_endpoint, chain_id, token and currency")
		}
		if (c.Factory == "") != (c.InitCodeHash == "") {
			return fmt.Errorf("contract rail factory and init_code_hash must be set together")
		}
	}
	if e := cfg.Evidence; strings.TrimSpace(e.Endpoint) != "" && strings.TrimSpace(e.Bucket) == "" {
		return fmt.Errorf("evidence bucket must be configured")
	}
	return nil
}
