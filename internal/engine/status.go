package engine

import "github.com/rawblock/mix-orchestrator/pkg/models"

// StatusProbe is the live node-side view attached to status responses,
// so the UI can show readiness before the worker's next poll lands.
type StatusProbe struct {
	MixUtxoReady         bool
	ShardReadyCount      int
	DepositConfirmations int
}

// Probe queries the node for the job's current readiness. All lookups
// are best effort; a failed RPC leaves the zero value.
func (e *Engine) Probe(job *models.Job) StatusProbe {
	var p StatusProbe
	snap := e.Snapshot(job)
	if snap.MixAddress != "" {
		if ready, err := e.wallet.ListUnspentFor([]string{snap.MixAddress}, e.cfg.MinConfStep2); err == nil {
			p.MixUtxoReady = len(ready) > 0
		}
	}
	if len(snap.ShardTxidsFanout) > 0 {
		fan := make(map[string]bool, len(snap.ShardTxidsFanout))
		for _, t := range snap.ShardTxidsFanout {
			fan[t] = true
		}
		if all, err := e.wallet.ListUnspent(e.cfg.MinConfShard); err == nil {
			for _, u := range all {
				if fan[u.TxID] && u.Amount.IsPositive() {
					p.ShardReadyCount++
				}
			}
		}
	}
	if snap.DepositAddress != "" {
		if du, err := e.wallet.ListUnspentFor([]string{snap.DepositAddress}, 0); err == nil {
			for _, u := range du {
				if int(u.Confirmations) > p.DepositConfirmations {
					p.DepositConfirmations = int(u.Confirmations)
				}
			}
		}
	}
	return p
}

// RefreshConfirmations pulls the latest confirmation count for the
// consolidation so status responses do not lag a poll interval behind.
func (e *Engine) RefreshConfirmations(job *models.Job) {
	snap := e.Snapshot(job)
	if snap.Txid1 == "" || snap.Status != models.StatusWaitingConfirmations {
		return
	}
	tx, err := e.wallet.GetTransaction(snap.Txid1)
	if err != nil || tx == nil {
		return
	}
	e.update(job, func(j *models.Job) {
		j.Confirmations = int(tx.Confirmations)
	})
}

// PromoteIfDelivered marks the job completed when every shard already
// reached the target, regardless of what the worker last wrote.
func (e *Engine) PromoteIfDelivered(job *models.Job) bool {
	promoted := false
	e.update(job, func(j *models.Job) {
		if j.Status == models.StatusCompleted || j.ShardCount <= 0 {
			return
		}
		if len(j.ShardTxidsFinal) < j.ShardCount {
			return
		}
		j.SetStatus(models.StatusCompleted)
		promoted = true
	})
	if !promoted {
		return false
	}
	e.saveState()
	e.emit(e.Snapshot(job), "completed")
	return true
}
