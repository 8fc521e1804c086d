package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration loaded at process start.
type Config struct {
	Agent   AgentConfig   `yaml:"agent"`
	Ledger  LedgerConfig  `yaml:"ledger"`
	Oracle  OracleConfig  `yaml:"oracle"`
	Credits CreditsConfig `yaml:"credits"`
	Quota   QuotaConfig   `yaml:"quota"`
	Keeper  KeeperConfig  `yaml:"keeper"`
	Journal JournalConfig `yaml:"journal"`
	Alerts  AlertsConfig  `yaml:"alerts"`
	Server  ServerConfig  `yaml:"server"`
	Log     LogConfig     `yaml:"log"`
}

// AgentConfig identifies the funded account the keeper operates.
type AgentConfig struct {
	Address string `yaml:"address"`
	// PrivateKeyEnv names the environment variable holding the hex-encoded
	// signing key. The key itself never lives in the config file.
	PrivateKeyEnv string `yaml:"private_key_env"`
}

// LedgerConfig describes the chain endpoints and contract addresses.
type LedgerConfig struct {
	RPCURL    string `yaml:"rpc_url"`
	ChainID   int64  `yaml:"chain_id"`
	FeeVault  string `yaml:"fee_vault"`
	Token     string `yaml:"token"`
	PriceFeed string `yaml:"price_feed"`
}

// OracleConfig tunes the price cache. TTL bounds RPC cost, the staleness
// window bounds financial risk; they are independent knobs.
type OracleConfig struct {
	TTLSeconds       int `yaml:"ttl_seconds"`
	StalenessSeconds int `yaml:"staleness_seconds"`
}

// CreditsConfig points at the credit-balance and purchase-intent services.
type CreditsConfig struct {
	BalanceURL  string `yaml:"balance_url"`
	PurchaseURL string `yaml:"purchase_url"`
	APIKeyEnv   string `yaml:"api_key_env"`
}

// QuotaConfig configures the tier usage store and the quota gateway.
type QuotaConfig struct {
	GatewayURL string           `yaml:"gateway_url"`
	Store      QuotaStoreConfig `yaml:"store"`
}

// QuotaStoreConfig selects the daily usage backend.
type QuotaStoreConfig struct {
	Driver string      `yaml:"driver"` // memory | redis
	Redis  RedisConfig `yaml:"redis"`
}

// RedisConfig carries the Redis connection parameters.
type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// KeeperConfig tunes the autonomy cycle. Amount-like values are decimal
// strings in service credit units; gas values are gwei.
type KeeperConfig struct {
	IntervalSeconds         int     `yaml:"interval_seconds"`
	MinClaim                string  `yaml:"min_claim"`
	MinCredits              string  `yaml:"min_credits"`
	PurchaseTarget          string  `yaml:"purchase_target"`
	BufferPercent           int64   `yaml:"buffer_percent"`
	GasCeilingGwei          int64   `yaml:"gas_ceiling_gwei"`
	MinAmountToAct          string  `yaml:"min_amount_to_act"`
	SafetyMultiplier        float64 `yaml:"safety_multiplier"`
	MaxConsecutiveFailures  int     `yaml:"max_consecutive_failures"`
	RetryMaxAttempts        int     `yaml:"retry_max_attempts"`
	RetryInitialDelaySecond float64 `yaml:"retry_initial_delay_seconds"`
	DryRun                  bool    `yaml:"dry_run"`
}

// JournalConfig selects where cycle outcomes are recorded.
type JournalConfig struct {
	Driver string `yaml:"driver"` // memory | mysql
	DSN    string `yaml:"dsn"`
	Keep   int    `yaml:"keep"`
}

// AlertsConfig configures the optional AMQP alert channel.
type AlertsConfig struct {
	AMQPURL      string `yaml:"amqp_url"`
	AMQPExchange string `yaml:"amqp_exchange"`
}

// ServerConfig controls the status/metrics HTTP listener.
type ServerConfig struct {
	Address string `yaml:"address"`
}

// LogConfig mirrors pkg/logger.Config.
type LogConfig struct {
	Level       string   `yaml:"level"`
	Format      string   `yaml:"format"`
	OutputPaths []string `yaml:"output_paths"`
	AuditPath   string   `yaml:"audit_path"`
}

// Load reads a YAML config file, applies environment overrides and defaults.
// A missing file is not an error; env vars and defaults still apply.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("AGENTFUEL_AGENT_ADDRESS"); v != "" {
		c.Agent.Address = v
	}
	if v := os.Getenv("AGENTFUEL_RPC_URL"); v != "" {
		c.Ledger.RPCURL = v
	}
	if v := os.Getenv("AGENTFUEL_BALANCE_URL"); v != "" {
		c.Credits.BalanceURL = v
	}
	if v := os.Getenv("AGENTFUEL_PURCHASE_URL"); v != "" {
		c.Credits.PurchaseURL = v
	}
	if v := os.Getenv("AGENTFUEL_QUOTA_GATEWAY_URL"); v != "" {
		c.Quota.GatewayURL = v
	}
	if v := os.Getenv("AGENTFUEL_REDIS_ADDRESS"); v != "" {
		c.Quota.Store.Redis.Address = v
	}
	if v := os.Getenv("AGENTFUEL_JOURNAL_DSN"); v != "" {
		c.Journal.DSN = v
	}
	if v := os.Getenv("AGENTFUEL_AMQP_URL"); v != "" {
		c.Alerts.AMQPURL = v
	}
	if v := os.Getenv("AGENTFUEL_INTERVAL_SECONDS"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			c.Keeper.IntervalSeconds = parsed
		}
	}
	if v := os.Getenv("AGENTFUEL_DRY_RUN"); v != "" {
		c.Keeper.DryRun = v == "true" || v == "1"
	}
}

func (c *Config) applyDefaults() {
	if c.Agent.PrivateKeyEnv == "" {
		c.Agent.PrivateKeyEnv = "AGENTFUEL_PRIVATE_KEY"
	}
	if c.Credits.APIKeyEnv == "" {
		c.Credits.APIKeyEnv = "AGENTFUEL_API_KEY"
	}
	if c.Oracle.TTLSeconds <= 0 {
		c.Oracle.TTLSeconds = 60
	}
	if c.Oracle.StalenessSeconds <= 0 {
		c.Oracle.StalenessSeconds = 3600
	}
	if c.Keeper.IntervalSeconds <= 0 {
		c.Keeper.IntervalSeconds = 900
	}
	if c.Keeper.MinClaim == "" {
		c.Keeper.MinClaim = "1"
	}
	if c.Keeper.MinCredits == "" {
		c.Keeper.MinCredits = "10"
	}
	if c.Keeper.PurchaseTarget == "" {
		c.Keeper.PurchaseTarget = "25"
	}
	if c.Keeper.BufferPercent <= 0 {
		c.Keeper.BufferPercent = 20
	}
	if c.Keeper.GasCeilingGwei <= 0 {
		c.Keeper.GasCeilingGwei = 50
	}
	if c.Keeper.MinAmountToAct == "" {
		c.Keeper.MinAmountToAct = "0.5"
	}
	if c.Keeper.SafetyMultiplier <= 0 {
		c.Keeper.SafetyMultiplier = 1.2
	}
	if c.Keeper.MaxConsecutiveFailures <= 0 {
		c.Keeper.MaxConsecutiveFailures = 5
	}
	if c.Keeper.RetryMaxAttempts <= 0 {
		c.Keeper.RetryMaxAttempts = 3
	}
	if c.Keeper.RetryInitialDelaySecond <= 0 {
		c.Keeper.RetryInitialDelaySecond = 1
	}
	if c.Journal.Driver == "" {
		c.Journal.Driver = "memory"
	}
	if c.Journal.Keep <= 0 {
		c.Journal.Keep = 256
	}
	if c.Quota.Store.Driver == "" {
		c.Quota.Store.Driver = "memory"
	}
	if c.Server.Address == "" {
		c.Server.Address = ":8090"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// Interval returns the keeper cycle interval.
func (c *Config) Interval() time.Duration {
	return time.Duration(c.Keeper.IntervalSeconds) * time.Second
}

// OracleTTL returns the price cache TTL.
func (c *Config) OracleTTL() time.Duration {
	return time.Duration(c.Oracle.TTLSeconds) * time.Second
}

// OracleStaleness returns the maximum trusted age of oracle data.
func (c *Config) OracleStaleness() time.Duration {
	return time.Duration(c.Oracle.StalenessSeconds) * time.Second
}

// Validate checks the fields every run mode requires.
func (c *Config) Validate() error {
	if c.Agent.Address == "" {
		return fmt.Errorf("agent.address is required")
	}
	if c.Ledger.RPCURL == "" {
		return fmt.Errorf("ledger.rpc_url is required")
	}
	if c.Ledger.FeeVault == "" {
		return fmt.Errorf("ledger.fee_vault is required")
	}
	if c.Ledger.PriceFeed == "" {
		return fmt.Errorf("ledger.price_feed is required")
	}
	if c.Credits.BalanceURL == "" {
		return fmt.Errorf("credits.balance_url is required")
	}
	if c.Oracle.StalenessSeconds < c.Oracle.TTLSeconds {
		return fmt.Errorf("oracle.staleness_seconds must not be below oracle.ttl_seconds")
	}
	if c.Journal.Driver == "mysql" && c.Journal.DSN == "" {
		return fmt.Errorf("journal.dsn is required for the mysql driver")
	}
	if c.Quota.Store.Driver == "redis" && c.Quota.Store.Redis.Address == "" {
		return fmt.Errorf("quota.store.redis.address is required for the redis driver")
	}
	return nil
}
