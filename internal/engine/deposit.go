package engine

import (
	"github.com/shopspring/decimal"

	"github.com/rawblock/mix-orchestrator/internal/wallet"
	"github.com/rawblock/mix-orchestrator/pkg/models"
)

// monitorDeposit polls the deposit address until enough coins arrive
// with enough confirmations, then hands the job to the consolidation
// step. It also detects the crash-after-broadcast case where the
// deposit was received and already spent.
func (e *Engine) monitorDeposit(jobID string) {
	job := e.GetJob(jobID)
	if job == nil {
		e.release(jobID)
		return
	}
	e.setStatus(job, models.StatusWaitingDeposit)
	snap := e.Snapshot(job)

	for {
		utxos, err := e.wallet.ListUnspentFor([]string{snap.DepositAddress}, 0)
		if err != nil {
			e.fail(job, err)
			return
		}
		total := wallet.SumAmounts(utxos)

		if total.IsZero() {
			// Already spent? Received-total keeps counting after the
			// UTXOs are gone.
			received, rerr := e.wallet.ReceivedBy(snap.DepositAddress, 0)
			if rerr == nil && received.GreaterThanOrEqual(snap.DepositRequired) {
				e.setStatus(job, models.StatusDepositReceived)
				e.executeMixing(jobID)
				return
			}
			// Some node versions drop address filtering on fresh
			// wallets; scan the full set as a fallback.
			all, aerr := e.wallet.ListUnspent(0)
			if aerr == nil {
				total = decimal.Zero
				for _, u := range all {
					if u.Address == snap.DepositAddress {
						total = total.Add(u.Amount)
					}
				}
			}
		}

		e.update(job, func(j *models.Job) {
			j.DepositReceived = total
			j.Touch()
		})

		if total.GreaterThanOrEqual(snap.DepositRequired) {
			e.setStatus(job, models.StatusDepositReceived)
			e.emit(e.Snapshot(job), "deposit_received")
			ready, rerr := e.wallet.ListUnspentFor([]string{snap.DepositAddress}, e.cfg.MinConf)
			if rerr != nil {
				e.fail(job, rerr)
				return
			}
			if len(ready) > 0 {
				e.executeMixing(jobID)
				return
			}
			// Deposit seen but not yet confirmed deep enough.
		}

		e.saveState()
		e.sleep(e.cfg.PollInterval())
	}
}
