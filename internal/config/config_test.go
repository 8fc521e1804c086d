package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agentfuel.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("missing file must not fail: %v", err)
	}
	if cfg.Keeper.IntervalSeconds != 900 {
		t.Fatalf("default interval should be 900s, got %d", cfg.Keeper.IntervalSeconds)
	}
	if cfg.Keeper.BufferPercent != 20 || cfg.Keeper.GasCeilingGwei != 50 {
		t.Fatalf("buffer/gas defaults wrong: %d/%d", cfg.Keeper.BufferPercent, cfg.Keeper.GasCeilingGwei)
	}
	if cfg.OracleTTL() != time.Minute || cfg.OracleStaleness() != time.Hour {
		t.Fatalf("oracle defaults wrong: %s/%s", cfg.OracleTTL(), cfg.OracleStaleness())
	}
	if cfg.Keeper.MaxConsecutiveFailures != 5 {
		t.Fatalf("failure budget default should be 5, got %d", cfg.Keeper.MaxConsecutiveFailures)
	}
	if cfg.Journal.Driver != "memory" || cfg.Quota.Store.Driver != "memory" {
		t.Fatalf("store drivers should default to memory")
	}
	if cfg.Agent.PrivateKeyEnv != "AGENTFUEL_PRIVATE_KEY" {
		t.Fatalf("unexpected key env %q", cfg.Agent.PrivateKeyEnv)
	}
}

func TestLoadParsesFileAndEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
agent:
  address: "0x1111111111111111111111111111111111111111"
ledger:
  rpc_url: "https://node.example"
  fee_vault: "0x2222222222222222222222222222222222222222"
  price_feed: "0x3333333333333333333333333333333333333333"
credits:
  balance_url: "https://credits.example/balance"
keeper:
  interval_seconds: 60
  dry_run: true
`)
	t.Setenv("AGENTFUEL_RPC_URL", "https://override.example")
	t.Setenv("AGENTFUEL_INTERVAL_SECONDS", "120")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Ledger.RPCURL != "https://override.example" {
		t.Fatalf("env must override the file, got %q", cfg.Ledger.RPCURL)
	}
	if cfg.Interval() != 2*time.Minute {
		t.Fatalf("env interval not applied: %s", cfg.Interval())
	}
	if !cfg.Keeper.DryRun {
		t.Fatal("dry_run lost from file")
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("complete config must validate: %v", err)
	}
}

func TestValidateRejectsIncompleteConfig(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("empty config must not validate")
	}

	cfg.Agent.Address = "0x1111111111111111111111111111111111111111"
	cfg.Ledger.RPCURL = "https://node.example"
	cfg.Ledger.FeeVault = "0x2222222222222222222222222222222222222222"
	cfg.Ledger.PriceFeed = "0x3333333333333333333333333333333333333333"
	cfg.Credits.BalanceURL = "https://credits.example/balance"

	cfg.Journal.Driver = "mysql"
	if err := cfg.Validate(); err == nil {
		t.Fatal("mysql journal without a DSN must not validate")
	}
	cfg.Journal.Driver = "memory"

	cfg.Oracle.StalenessSeconds = 30
	if err := cfg.Validate(); err == nil {
		t.Fatal("staleness below TTL must not validate")
	}
}
