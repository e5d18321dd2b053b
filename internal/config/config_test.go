package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.RPCAddr() != "127.0.0.1:8332" {
		t.Errorf("RPCAddr = %q", cfg.RPCAddr())
	}
	if cfg.Port != 5000 {
		t.Errorf("Port = %d", cfg.Port)
	}
	if cfg.MinConfStep2 != 6 || cfg.MinConfShard != 0 {
		t.Errorf("minconf defaults = %d/%d", cfg.MinConfStep2, cfg.MinConfShard)
	}
	if cfg.PollInterval() != 15*time.Second {
		t.Errorf("PollInterval = %v", cfg.PollInterval())
	}
	if cfg.DeductionAddress != cfg.FeeAddress {
		t.Errorf("DeductionAddress should default to FeeAddress, got %q", cfg.DeductionAddress)
	}
}

func TestLoadClampsPerTxFees(t *testing.T) {
	t.Setenv("FIXED_FEE", "0.001")
	t.Setenv("TX_FEE_PER_TX", "0.002")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.FixedFee.String() != "0.01" {
		t.Errorf("FixedFee = %s, want floor 0.01", cfg.FixedFee)
	}
	if cfg.TxFeePerTx.String() != "0.01" {
		t.Errorf("TxFeePerTx = %s, want floor 0.01", cfg.TxFeePerTx)
	}
}

func TestDeductionModeNormalized(t *testing.T) {
	t.Setenv("ABCMINT_DEDUCTION_MODE", "ADD")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DeductionMode != "add" {
		t.Errorf("mode = %q, want add", cfg.DeductionMode)
	}

	t.Setenv("ABCMINT_DEDUCTION_MODE", "bogus")
	cfg, err = Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DeductionMode != "deduct" {
		t.Errorf("mode = %q, want deduct fallback", cfg.DeductionMode)
	}
}

func TestAllowedTxVersions(t *testing.T) {
	t.Setenv("ABCMINT_TX_ALLOWED_VERSIONS", " 1, 101,junk,0")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	got := cfg.AllowedTxVersions()
	if len(got) != 2 || !got[1] || !got[101] {
		t.Errorf("AllowedTxVersions = %v", got)
	}
}

func TestTiers(t *testing.T) {
	t.Setenv("TIER_STRONG_SHARDS", "10")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	tiers := cfg.Tiers()
	if len(tiers) != 3 {
		t.Fatalf("tiers = %d", len(tiers))
	}
	if tiers[0].Name != "SL1" || tiers[0].Shards != 3 || tiers[0].Hops != 1 {
		t.Errorf("SL1 = %+v", tiers[0])
	}
	if tiers[2].Name != "SL5" || tiers[2].Shards != 10 {
		t.Errorf("SL5 = %+v", tiers[2])
	}
}
