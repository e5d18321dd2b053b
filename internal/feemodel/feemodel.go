// Package feemodel implements the deterministic fee quoting model.
// A quote depends only on its inputs and the configured parameters,
// so the same request always yields the same breakdown.
package feemodel

import (
	"github.com/shopspring/decimal"

	"github.com/rawblock/mix-orchestrator/internal/config"
)

// Quote is the fee breakdown for mixing a given amount through a
// (shards, hops) topology. Field names are the API wire names.
type Quote struct {
	Percent        decimal.Decimal `json:"percent"`
	AbsFee         decimal.Decimal `json:"abs_fee"`
	MinerFee       decimal.Decimal `json:"miner_fee"`
	TxCount        int             `json:"tx_count"`
	NetAmount      decimal.Decimal `json:"net_amount"`
	Cap            decimal.Decimal `json:"cap"`
	ExtraToService decimal.Decimal `json:"extra_to_service"`
}

// quantum is the coin precision: 8 fractional digits.
const quantum = 8

// Quantize rounds a coin amount to the 1e-8 grid using banker's
// rounding, matching the node's own amount arithmetic.
func Quantize(d decimal.Decimal) decimal.Decimal {
	return d.RoundBank(quantum)
}

// FeePercent computes the service-fee rate for a topology. Only the
// lower bound is clamped; the rate grows with both shards and hops.
func FeePercent(cfg *config.Config, shards, hops int) decimal.Decimal {
	p := cfg.FeeBaseP.
		Add(decimal.NewFromInt(int64(shards)).Mul(cfg.FeeShardP)).
		Add(decimal.NewFromInt(int64(hops)).Mul(cfg.FeeHopP))
	if p.LessThan(cfg.FeeMinP) {
		return cfg.FeeMinP
	}
	return p
}

// TxCount is the number of on-chain transactions a mix will execute:
// shards fanouts + shards*hops obfuscation hops + shards finals.
func TxCount(shards, hops int) int {
	return shards*2 + shards*hops
}

// Compute produces the full quote. The miner estimate is clamped into
// [MIN_RELAY_FEE_FLOOR, MINER_FEE_CAP]; whatever the estimate exceeds
// the cap by is transferred into the service bucket so the gross
// deposit requirement stays predictable.
func Compute(cfg *config.Config, amount decimal.Decimal, shards, hops int) Quote {
	percent := FeePercent(cfg, shards, hops)
	txCount := TxCount(shards, hops)

	absFee := amount.Mul(percent)
	if absFee.LessThan(cfg.AbsFeeFloor) {
		absFee = cfg.AbsFeeFloor
	}
	absFee = Quantize(absFee)

	minerEst := Quantize(decimal.NewFromInt(int64(txCount)).Mul(cfg.TxFeePerTx))

	minerFee := minerEst
	if minerFee.LessThan(cfg.MinRelayFeeFloor) {
		minerFee = cfg.MinRelayFeeFloor
	}
	if minerFee.GreaterThan(cfg.MinerFeeCap) {
		minerFee = cfg.MinerFeeCap
	}
	minerFee = Quantize(minerFee)

	extra := decimal.Zero
	if minerEst.GreaterThan(cfg.MinerFeeCap) {
		extra = Quantize(minerEst.Sub(cfg.MinerFeeCap))
	}
	absFee = Quantize(absFee.Add(extra))

	net := amount.Sub(absFee).Sub(minerFee)
	if net.IsNegative() {
		net = decimal.Zero
	}

	return Quote{
		Percent:        percent,
		AbsFee:         absFee,
		MinerFee:       minerFee,
		TxCount:        txCount,
		NetAmount:      Quantize(net),
		Cap:            cfg.MinerFeeCap,
		ExtraToService: extra,
	}
}
