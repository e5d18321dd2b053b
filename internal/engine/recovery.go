package engine

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/rawblock/mix-orchestrator/internal/abcmint"
	"github.com/rawblock/mix-orchestrator/pkg/models"
)

// Wallet-history windows for crash recovery. The spending transaction
// is recent by construction; scanning further back only costs RPC
// round trips.
const (
	recoveryScanWindow = 100
	finalsScanWindow   = 200
)

// validTxid is a syntax check before getrawtransaction; the wallet
// occasionally lists entries with empty or truncated ids.
func validTxid(txid string) bool {
	_, err := chainhash.NewHashFromStr(txid)
	return err == nil
}

// RecoverTxid1 reconstructs a lost consolidation txid. If the deposit
// address holds no UTXOs but has received the full amount, the coins
// were swept before the state file recorded the txid (crash after
// broadcast). The wallet history is scanned for the transaction that
// spent the deposit. Returns true when the job was patched.
func (e *Engine) RecoverTxid1(job *models.Job) bool {
	snap := e.Snapshot(job)
	if snap.Txid1 != "" || snap.DepositAddress == "" {
		return false
	}
	utxos, err := e.wallet.ListUnspentFor([]string{snap.DepositAddress}, 0)
	if err != nil || len(utxos) > 0 {
		return false
	}
	received, err := e.wallet.ReceivedBy(snap.DepositAddress, 0)
	if err != nil || received.LessThan(snap.DepositRequired) {
		return false
	}

	txs, err := e.wallet.ListTransactions(recoveryScanWindow)
	if err != nil {
		return false
	}
	// Newest entries come last; walk backwards.
	for i := len(txs) - 1; i >= 0; i-- {
		tid := txs[i].TxID
		if !validTxid(tid) {
			continue
		}
		raw, rerr := e.wallet.GetRawTransactionVerbose(tid)
		if rerr != nil || raw == nil {
			continue
		}
		if !e.spendsDeposit(raw.Vin, snap.DepositAddress) {
			continue
		}
		finals := e.scanFinals(snap.TargetAddress)
		e.update(job, func(j *models.Job) {
			j.Txid1 = tid
			promoteAfterRecovery(j, finals)
			j.Touch()
		})
		e.saveState()
		e.emit(e.Snapshot(job), "txid1_recovered")
		return true
	}
	return false
}

func (e *Engine) spendsDeposit(vin []abcmint.RawTxVin, depositAddr string) bool {
	for _, in := range vin {
		if !validTxid(in.TxID) {
			continue
		}
		prev, err := e.wallet.GetRawTransactionVerbose(in.TxID)
		if err != nil || prev == nil || int(in.Vout) >= len(prev.Vout) {
			continue
		}
		for _, addr := range prev.Vout[in.Vout].ScriptPubKey.Addresses {
			if addr == depositAddr {
				return true
			}
		}
	}
	return false
}

// promoteAfterRecovery decides how far the recovered job actually got
// from the deliveries already counted in recent history. Runs under the
// engine lock; the finals scan happens before.
func promoteAfterRecovery(j *models.Job, finals []string) {
	if len(finals) >= j.ShardCount && j.ShardCount > 0 {
		j.ShardTxidsFinal = finals
		j.Txid2 = finals[0]
		j.SetStatus(models.StatusCompleted)
		return
	}
	if j.Status == models.StatusWaitingDeposit {
		j.SetStatus(models.StatusWaitingConfirmations)
	}
}

// BackfillFinals refreshes the delivery list from wallet history and
// promotes the job to completed when every shard has reached the
// target. Returns true when anything changed.
func (e *Engine) BackfillFinals(job *models.Job) bool {
	snap := e.Snapshot(job)
	if snap.TargetAddress == "" {
		return false
	}
	finals := e.scanFinals(snap.TargetAddress)
	if len(finals) == 0 {
		return false
	}
	e.update(job, func(j *models.Job) {
		j.ShardTxidsFinal = finals
		if j.Txid2 == "" {
			j.Txid2 = finals[len(finals)-1]
		}
		minShards := j.ShardCount
		if minShards < 1 {
			minShards = 1
		}
		if j.Status != models.StatusCompleted && len(finals) >= minShards {
			j.SetStatus(models.StatusCompleted)
		}
		j.Touch()
	})
	e.saveState()
	return true
}

// scanFinals lists wallet transactions touching the target address,
// deduplicated in first-seen order.
func (e *Engine) scanFinals(targetAddr string) []string {
	recent, err := e.wallet.ListTransactions(finalsScanWindow)
	if err != nil {
		return nil
	}
	seen := map[string]bool{}
	var finals []string
	for _, tx := range recent {
		if tx.TxID == "" || tx.Address != targetAddr {
			continue
		}
		if tx.Category != "send" && tx.Category != "receive" {
			continue
		}
		if seen[tx.TxID] {
			continue
		}
		seen[tx.TxID] = true
		finals = append(finals, tx.TxID)
	}
	return finals
}
