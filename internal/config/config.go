package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/shopspring/decimal"
)

// Config carries every tunable of the orchestrator. Names match the
// environment variables of the original deployment exactly, so an
// existing .env keeps working.
type Config struct {
	RPCHost     string `envconfig:"ABCMINT_RPC_HOST" default:"127.0.0.1"`
	RPCPort     int    `envconfig:"ABCMINT_RPC_PORT" default:"8332"`
	RPCUser     string `envconfig:"ABCMINT_RPC_USER"`
	RPCPassword string `envconfig:"ABCMINT_RPC_PASSWORD"`

	Port           int    `envconfig:"PORT" default:"5000"`
	AllowedOrigins string `envconfig:"ALLOWED_ORIGINS"`
	APIKey         string `envconfig:"API_KEY"`
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`

	// Optional job-event audit trail. Empty disables it.
	DatabaseURL string `envconfig:"DATABASE_URL"`

	// Optional override for the state-file directory; defaults to the
	// platform user config dir.
	StateDir string `envconfig:"STATE_DIR"`

	FixedFee     decimal.Decimal `envconfig:"FIXED_FEE" default:"0.01"`
	TxFeePerTx   decimal.Decimal `envconfig:"TX_FEE_PER_TX" default:"0.01"`
	DepositExtra decimal.Decimal `envconfig:"DEPOSIT_EXTRA" default:"0.1"`
	DustFloor    decimal.Decimal `envconfig:"DUST_COINS_FLOOR" default:"0.000055"`

	MinConf         int `envconfig:"MINCONF" default:"1"`
	MinConfStep2    int `envconfig:"MINCONF_STEP2" default:"6"`
	MinConfShard    int `envconfig:"MINCONF_SHARD" default:"0"`
	RequiredConf    int `envconfig:"REQUIRED_CONF" default:"6"`
	ConfPollSeconds int `envconfig:"CONF_POLL_INTERVAL_SEC" default:"15"`

	FeeBaseP         decimal.Decimal `envconfig:"FEE_BASE_P" default:"0.003"`
	FeeShardP        decimal.Decimal `envconfig:"FEE_SHARD_P" default:"0.0008"`
	FeeHopP          decimal.Decimal `envconfig:"FEE_HOP_P" default:"0.0005"`
	FeeMinP          decimal.Decimal `envconfig:"FEE_MIN_P" default:"0.0025"`
	FeeMaxP          decimal.Decimal `envconfig:"FEE_MAX_P" default:"0.012"`
	AbsFeeFloor      decimal.Decimal `envconfig:"ABS_FEE_FLOOR" default:"0.001"`
	MinerFeeCap      decimal.Decimal `envconfig:"MINER_FEE_CAP" default:"1"`
	MinRelayFeeFloor decimal.Decimal `envconfig:"MIN_RELAY_FEE_FLOOR" default:"0.001"`

	TierStandardShards int `envconfig:"TIER_STANDARD_SHARDS" default:"3"`
	TierStandardHops   int `envconfig:"TIER_STANDARD_HOPS" default:"1"`
	TierEnhancedShards int `envconfig:"TIER_ENHANCED_SHARDS" default:"5"`
	TierEnhancedHops   int `envconfig:"TIER_ENHANCED_HOPS" default:"2"`
	TierStrongShards   int `envconfig:"TIER_STRONG_SHARDS" default:"8"`
	TierStrongHops     int `envconfig:"TIER_STRONG_HOPS" default:"3"`

	DeductionEnabled bool            `envconfig:"ABCMINT_DEDUCTION_ENABLED" default:"true"`
	DeductionMode    string          `envconfig:"ABCMINT_DEDUCTION_MODE" default:"deduct"`
	DeductionPercent decimal.Decimal `envconfig:"ABCMINT_DEDUCTION_PERCENT" default:"0"`
	DeductionAddress string          `envconfig:"ABCMINT_DEDUCTION_ADDRESS"`
	PrimaryAddress   string          `envconfig:"ABCMINT_PRIMARY_ADDRESS"`
	FeeAddress       string          `envconfig:"ABCMINT_FEE_ADDRESS" default:"8P3aFLXr9F6BPvzC6yR4fTiD4RzFT3wJbjhyMn5uJ1ZFARTRb"`

	TxVersionMode     string `envconfig:"ABCMINT_TX_VERSION_MODE" default:"postfork"`
	TxAllowedVersions string `envconfig:"ABCMINT_TX_ALLOWED_VERSIONS"`
	TxRequireFinality bool   `envconfig:"ABCMINT_TX_REQUIRE_FINALITY" default:"true"`

	WalletPassphrase        string `envconfig:"ABCMINT_WALLET_PASSPHRASE"`
	WalletPassphraseTimeout int    `envconfig:"ABCMINT_WALLET_PASSPHRASE_TIMEOUT" default:"120"`
}

// recommendedMinPerTxFee is the network-recommended per-transaction
// miner fee. Values below it are clamped up on load.
var recommendedMinPerTxFee = decimal.RequireFromString("0.01")

// Load reads the configuration from the environment and applies the
// network floors.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if cfg.FixedFee.LessThan(recommendedMinPerTxFee) {
		cfg.FixedFee = recommendedMinPerTxFee
	}
	if cfg.TxFeePerTx.LessThan(recommendedMinPerTxFee) {
		cfg.TxFeePerTx = recommendedMinPerTxFee
	}
	cfg.DeductionMode = strings.ToLower(cfg.DeductionMode)
	if cfg.DeductionMode != "deduct" && cfg.DeductionMode != "add" {
		cfg.DeductionMode = "deduct"
	}
	if cfg.DeductionAddress == "" {
		cfg.DeductionAddress = cfg.FeeAddress
	}
	return cfg, nil
}

// PollInterval returns the worker poll period.
func (c *Config) PollInterval() time.Duration {
	if c.ConfPollSeconds <= 0 {
		return 15 * time.Second
	}
	return time.Duration(c.ConfPollSeconds) * time.Second
}

// RPCAddr is the host:port of the node RPC endpoint.
func (c *Config) RPCAddr() string {
	return fmt.Sprintf("%s:%d", c.RPCHost, c.RPCPort)
}

// AllowedTxVersions parses the comma-separated allow-list. Malformed
// or zero entries are skipped.
func (c *Config) AllowedTxVersions() map[int]bool {
	out := make(map[int]bool)
	for _, p := range strings.Split(c.TxAllowedVersions, ",") {
		v, err := strconv.Atoi(strings.TrimSpace(p))
		if err == nil && v != 0 {
			out[v] = true
		}
	}
	return out
}

// Tier is a named (shards, hops) preset offered to users.
type Tier struct {
	Name   string `json:"name"`
	Shards int    `json:"shards"`
	Hops   int    `json:"hops"`
}

// Tiers returns the configured security-level presets.
func (c *Config) Tiers() []Tier {
	return []Tier{
		{Name: "SL1", Shards: c.TierStandardShards, Hops: c.TierStandardHops},
		{Name: "SL3", Shards: c.TierEnhancedShards, Hops: c.TierEnhancedHops},
		{Name: "SL5", Shards: c.TierStrongShards, Hops: c.TierStrongHops},
	}
}
