// Package wallet wraps the node RPC into the contract the mixing
// engine works against: address issuance with role labels, UTXO
// queries, fee estimation, the service-fee deduction splice, and the
// pre-broadcast transaction policy gate.
package wallet

import (
	"errors"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil/base58"
	"github.com/charmbracelet/log"
	"github.com/shopspring/decimal"

	"github.com/rawblock/mix-orchestrator/internal/abcmint"
	"github.com/rawblock/mix-orchestrator/internal/config"
	"github.com/rawblock/mix-orchestrator/internal/feemodel"
)

// Address role labels, applied via setaccount so operators can audit
// the wallet by account.
const (
	LabelDeposit = "DEP"
	LabelMix     = "MIX"
	LabelHop     = "H"
	LabelChange  = "CH"
	LabelPool    = "NEIN"
)

const (
	maxConfDefault    = 9999999
	prefetchBatchSize = 16
)

var (
	ErrNoUTXOs           = errors.New("no UTXOs available")
	ErrInsufficientFunds = errors.New("insufficient funds")
)

// NodeRPC is the slice of the node client the façade consumes.
type NodeRPC interface {
	GetBlockCount() (int64, error)
	GetInfo() (*abcmint.Info, error)
	GetRainbowProInfo() (string, error)

	GetNewAddress() (string, error)
	SetAccount(addr, label string) error
	ValidateAddress(addr string) (*btcjson.ValidateAddressWalletResult, error)

	ListUnspent(minConf int) ([]abcmint.Unspent, error)
	ListUnspentAddresses(minConf, maxConf int, addrs []string) ([]abcmint.Unspent, error)
	GetReceivedByAddress(addr string, minConf int) (decimal.Decimal, error)
	GetTransaction(txid string) (*abcmint.WalletTx, error)
	ListTransactions(count, skip int) ([]abcmint.WalletTxEntry, error)
	GetRawTransactionVerbose(txid string) (*abcmint.RawTx, error)

	CreateRawTransaction(inputs []abcmint.TxInput, outputs map[string]decimal.Decimal) (string, error)
	SignRawTransaction(rawHex string) (string, error)
	SendRawTransaction(signedHex string) (string, error)
	DecodeRawTransaction(rawHex string) (*abcmint.RawTx, error)

	WalletPassphrase(passphrase string, timeoutSec int) error
}

// Wallet is the façade instance. Safe for concurrent use by workers.
type Wallet struct {
	cfg *config.Config
	rpc NodeRPC
	log *log.Logger

	poolMu sync.Mutex
	pool   []string
}

func New(cfg *config.Config, rpc NodeRPC) *Wallet {
	return &Wallet{
		cfg: cfg,
		rpc: rpc,
		log: log.Default().WithPrefix("wallet"),
	}
}

// ── addresses ────────────────────────────────────────────────────────

// Prefetch mints up to n addresses into the pool to amortise RPC
// latency before a fanout run. Stops quietly on the first RPC failure.
func (w *Wallet) Prefetch(n int) {
	for i := 0; i < n; i++ {
		addr, err := w.rpc.GetNewAddress()
		if err != nil {
			w.log.Warn("address prefetch stopped", "minted", i, "err", err)
			return
		}
		w.label(addr, LabelPool)
		w.poolMu.Lock()
		w.pool = append(w.pool, addr)
		w.poolMu.Unlock()
	}
}

// NewAddress returns a fresh address labeled with its role, drawing
// from the prefetched pool when possible.
func (w *Wallet) NewAddress(label string) (string, error) {
	w.poolMu.Lock()
	empty := len(w.pool) == 0
	w.poolMu.Unlock()
	if empty {
		w.Prefetch(prefetchBatchSize)
	}

	w.poolMu.Lock()
	if len(w.pool) > 0 {
		addr := w.pool[0]
		w.pool = w.pool[1:]
		w.poolMu.Unlock()
		w.label(addr, label)
		return addr, nil
	}
	w.poolMu.Unlock()

	addr, err := w.rpc.GetNewAddress()
	if err != nil {
		return "", fmt.Errorf("new address: %w", err)
	}
	w.label(addr, label)
	return addr, nil
}

// label tags an address via setaccount, best effort.
func (w *Wallet) label(addr, label string) {
	if label == "" {
		return
	}
	if err := w.rpc.SetAccount(addr, label); err != nil {
		w.log.Debug("setaccount failed", "addr", addr, "label", label, "err", err)
	}
}

// ValidAddress asks the node whether an address is spendable-to,
// after a cheap local base58 well-formedness check.
func (w *Wallet) ValidAddress(addr string) bool {
	if !WellFormedAddress(addr) {
		return false
	}
	res, err := w.rpc.ValidateAddress(addr)
	return err == nil && res != nil && res.IsValid
}

// WellFormedAddress is the offline sanity check: base58 payload of a
// plausible length. It cannot replace validateaddress, it only avoids
// an RPC round trip on obvious garbage.
func WellFormedAddress(addr string) bool {
	if len(addr) < 20 {
		return false
	}
	return len(base58.Decode(addr)) > 0
}

// ── queries ──────────────────────────────────────────────────────────

func (w *Wallet) ListUnspent(minConf int) ([]abcmint.Unspent, error) {
	return w.rpc.ListUnspent(minConf)
}

func (w *Wallet) ListUnspentFor(addrs []string, minConf int) ([]abcmint.Unspent, error) {
	return w.rpc.ListUnspentAddresses(minConf, maxConfDefault, addrs)
}

func (w *Wallet) ReceivedBy(addr string, minConf int) (decimal.Decimal, error) {
	return w.rpc.GetReceivedByAddress(addr, minConf)
}

func (w *Wallet) GetTransaction(txid string) (*abcmint.WalletTx, error) {
	return w.rpc.GetTransaction(txid)
}

func (w *Wallet) ListTransactions(count int) ([]abcmint.WalletTxEntry, error) {
	return w.rpc.ListTransactions(count, 0)
}

func (w *Wallet) GetRawTransactionVerbose(txid string) (*abcmint.RawTx, error) {
	return w.rpc.GetRawTransactionVerbose(txid)
}

// ── fee estimation ───────────────────────────────────────────────────

// txSizeEstimate is the classic non-segwit size formula.
func txSizeEstimate(numInputs, numOutputs int) int {
	if numInputs < 0 {
		numInputs = 0
	}
	if numOutputs < 0 {
		numOutputs = 0
	}
	return 10 + numInputs*148 + numOutputs*34
}

// EstimateFee returns the miner fee in coins for a transaction of the
// given shape. The node's paytxfee hint is used per started kB when
// set; otherwise the configured per-tx constant. The result is never
// below the node's own relay hint.
func (w *Wallet) EstimateFee(numInputs, numOutputs int) decimal.Decimal {
	size := txSizeEstimate(numInputs, numOutputs)
	kb := int64((size + 999) / 1000)

	info, err := w.rpc.GetInfo()
	if err != nil || info == nil || !info.PayTxFee.IsPositive() {
		return w.cfg.TxFeePerTx
	}
	fee := info.PayTxFee.Mul(decimal.NewFromInt(kb))
	if fee.LessThan(info.PayTxFee) {
		fee = info.PayTxFee
	}
	return feemodel.Quantize(fee)
}

// FeeSourceHint reports where quoting gets its miner-fee figure from.
func (w *Wallet) FeeSourceHint() string {
	info, err := w.rpc.GetInfo()
	if err == nil && info != nil && info.PayTxFee.IsPositive() {
		return "node"
	}
	return "constant"
}

// ── deduction splice ─────────────────────────────────────────────────

// ApplyDeduction splices the service-fee output into outs. The primary
// recipient is the engine-provided hint when it is present in the
// outputs, else the first output. Mode "deduct" subtracts the fee from
// the primary; when that would leave it at or below dust the mode is
// promoted to "add". The fee output accumulates and is floored at dust.
func (w *Wallet) ApplyDeduction(sendAmount decimal.Decimal, outs *Outputs, primary string, percent decimal.Decimal) *Outputs {
	if !w.cfg.DeductionEnabled {
		return outs
	}
	// An env-configured rate overrides the per-job fee percent.
	if w.cfg.DeductionPercent.IsPositive() {
		percent = w.cfg.DeductionPercent
	}
	feeAddr := w.cfg.DeductionAddress
	if feeAddr == "" || !percent.IsPositive() || percent.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return outs
	}
	if !w.ValidAddress(feeAddr) {
		return outs
	}

	deduction := feemodel.Quantize(sendAmount.Mul(percent))
	if !deduction.IsPositive() {
		return outs
	}

	result := outs.Clone()
	target := primary
	if _, ok := result.Get(target); !ok {
		target = w.cfg.PrimaryAddress
	}
	if _, ok := result.Get(target); !ok {
		target = result.First()
	}

	mode := w.cfg.DeductionMode
	if mode == "deduct" && target != "" {
		cur, _ := result.Get(target)
		residual := cur.Sub(deduction)
		if residual.LessThanOrEqual(w.cfg.DustFloor) {
			mode = "add"
		} else {
			result.Set(target, feemodel.Quantize(residual))
		}
	}

	cur, _ := result.Get(feeAddr)
	feeOut := cur.Add(deduction)
	if feeOut.LessThan(w.cfg.DustFloor) {
		feeOut = w.cfg.DustFloor
	}
	result.Set(feeAddr, feemodel.Quantize(feeOut))
	return result
}

// ── transactions ─────────────────────────────────────────────────────

func (w *Wallet) CreateRaw(inputs []abcmint.TxInput, outs *Outputs) (string, error) {
	return w.rpc.CreateRawTransaction(inputs, outs.Map())
}

func (w *Wallet) SignRaw(rawHex string) (string, error) {
	return w.rpc.SignRawTransaction(rawHex)
}

// Broadcast runs the policy gate and then sends. On a node-side
// rejection it decodes the tx once more to attach a dust hint, the
// most common cause of silent sendrawtransaction failures here.
func (w *Wallet) Broadcast(signedHex string) (string, error) {
	if err := w.EnforceTxProtections(signedHex); err != nil {
		return "", err
	}
	txid, err := w.rpc.SendRawTransaction(signedHex)
	if err == nil {
		return txid, nil
	}
	if hint := w.dustHint(signedHex); hint != "" {
		return "", fmt.Errorf("broadcast: %w (%s)", err, hint)
	}
	return "", fmt.Errorf("broadcast: %w", err)
}

func (w *Wallet) dustHint(signedHex string) string {
	decoded, derr := w.rpc.DecodeRawTransaction(signedHex)
	if derr != nil || decoded == nil || len(decoded.Vout) == 0 {
		return ""
	}
	min := decoded.Vout[0].Value
	for _, o := range decoded.Vout[1:] {
		if o.Value.LessThan(min) {
			min = o.Value
		}
	}
	if min.LessThan(w.cfg.DustFloor) {
		return "possible dust output"
	}
	return ""
}

// ── wallet control ───────────────────────────────────────────────────

// EnsureUnlocked unlocks the wallet when it reports itself locked and
// a passphrase is configured. Missing passphrase is not an error; the
// signing step will surface the real failure.
func (w *Wallet) EnsureUnlocked() error {
	info, err := w.rpc.GetInfo()
	if err != nil {
		return err
	}
	if info.UnlockedUntil == nil || *info.UnlockedUntil != 0 {
		return nil
	}
	if w.cfg.WalletPassphrase == "" {
		w.log.Warn("wallet is locked and no passphrase is configured")
		return nil
	}
	if err := w.rpc.WalletPassphrase(w.cfg.WalletPassphrase, w.cfg.WalletPassphraseTimeout); err != nil {
		return fmt.Errorf("walletpassphrase: %w", err)
	}
	w.log.Info("wallet unlocked", "timeout_sec", w.cfg.WalletPassphraseTimeout)
	return nil
}

// SumAmounts adds up the amounts of a UTXO set.
func SumAmounts(utxos []abcmint.Unspent) decimal.Decimal {
	total := decimal.Zero
	for _, u := range utxos {
		total = total.Add(u.Amount)
	}
	return total
}
