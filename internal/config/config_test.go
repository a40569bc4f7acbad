package config_test

import (
	"MarketLedger/internal/config"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

// ============================================================================
// Test: Load
// ============================================================================

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.HTTPAddr != ":8080" || cfg.Server.GRPCAddr != ":9090" {
		t.Errorf("server addrs: %+v", cfg.Server)
	}
	if cfg.Market.OfferTTL != 72*time.Hour {
		t.Errorf("offer ttl: %v", cfg.Market.OfferTTL)
	}
	if len(cfg.Chains) != 2 {
		t.Fatalf("default chains: %d", len(cfg.Chains))
	}

	cc, err := cfg.Core()
	if err != nil {
		t.Fatalf("core: %v", err)
	}
	if cc.CommissionRate != 2_000_000 {
		t.Errorf("commission: %d", cc.CommissionRate)
	}
	if dc, ok := cc.Currencies["USDT"]; !ok || dc.DecimalPrecision != 6 {
		t.Errorf("USDT precision: %+v %v", dc, ok)
	}

	reg, err := cfg.Registry(cc)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	trc, err := reg.Get("TRC20")
	if err != nil {
		t.Fatalf("TRC20: %v", err)
	}
	if trc.Limits.MinWithdrawal != 10_000_000 || trc.Limits.MaxDeposit != 0 {
		t.Errorf("TRC20 limits: %+v", trc.Limits)
	}
}

func TestLoad_FileAndEnv(t *testing.T) {
	path := writeConfig(t, `
log_level: debug
market:
  commission_rate: "0.025"
  currencies:
    USDT: 6
  offer_ttl: 1h
withdrawals:
  auto_approve: true
chains:
  - name: bep20
    family: evm
    currency: usdt
    platform_wallet: "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"
    confirmations: 15
    min_deposit: "0.5"
`)
	t.Setenv("MKT_POSTGRES_DSN", "postgres://env/market")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Postgres.DSN != "postgres://env/market" {
		t.Errorf("dsn: %s", cfg.Postgres.DSN)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("log level: %s", cfg.LogLevel)
	}

	cc, err := cfg.Core()
	if err != nil {
		t.Fatalf("core: %v", err)
	}
	if cc.CommissionRate != 2_500_000 || cc.OfferTTL != time.Hour || !cc.AutoApproveWithdrawals {
		t.Errorf("core: %+v", cc)
	}

	reg, err := cfg.Registry(cc)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	if names := reg.List(); len(names) != 1 || names[0] != "BEP20" {
		t.Fatalf("chains: %v", names)
	}
	bep, _ := reg.Get("BEP20")
	if bep.Currency != "USDT" || bep.Limits.MinDeposit != 500_000 || bep.Confirmations != 15 {
		t.Errorf("BEP20: %+v", bep)
	}
}

// ============================================================================
// Test: conversion errors
// ============================================================================

func TestCore_RejectsBadValues(t *testing.T) {
	cfg, err := config.Load(writeConfig(t, "market:\n  commission_rate: \"1.5\"\n"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, err := cfg.Core(); err == nil {
		t.Error("commission above 1 accepted")
	}
}

func TestRegistry_RejectsUnknownCurrencyAndBadWallet(t *testing.T) {
	cfg, err := config.Load(writeConfig(t, `
chains:
  - name: TRC20
    family: tron
    currency: EUR
    platform_wallet: TR7NHqjeKQxGTCi8q8ZY4pL8otSzgjLj6t
`))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	cc, err := cfg.Core()
	if err != nil {
		t.Fatalf("core: %v", err)
	}
	if _, err := cfg.Registry(cc); err == nil {
		t.Error("chain with unconfigured currency accepted")
	}

	cfg.Chains[0].Currency = "USDT"
	cfg.Chains[0].PlatformWallet = "not-an-address"
	if _, err := cfg.Registry(cc); err == nil {
		t.Error("invalid platform wallet accepted")
	}
}
