package engine

import (
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/rawblock/mix-orchestrator/internal/abcmint"
	"github.com/rawblock/mix-orchestrator/internal/feemodel"
	"github.com/rawblock/mix-orchestrator/internal/wallet"
	"github.com/rawblock/mix-orchestrator/pkg/models"
)

// executeMixing runs step 1: sweep the deposit into a fresh internal
// mix address, splicing in the service fee, then wait for the
// consolidation to confirm and kick off the sharded hops.
func (e *Engine) executeMixing(jobID string) {
	job := e.GetJob(jobID)
	if job == nil {
		e.release(jobID)
		return
	}
	if err := e.wallet.EnsureUnlocked(); err != nil {
		e.log.Warn("wallet unlock failed", "job", jobID, "err", err)
	}
	e.setStatus(job, models.StatusMixingStep1)
	snap := e.Snapshot(job)

	utxos, err := e.wallet.ListUnspentFor([]string{snap.DepositAddress}, e.cfg.MinConf)
	if err != nil {
		e.fail(job, err)
		return
	}
	if len(utxos) == 0 {
		e.fail(job, errors.New("no UTXOs at deposit address"))
		return
	}

	mixAddr, err := e.wallet.NewAddress(wallet.LabelMix)
	if err != nil {
		e.fail(job, err)
		return
	}
	e.update(job, func(j *models.Job) { j.MixAddress = mixAddr })

	outputs := wallet.NewOutputs()
	outputs.Set(mixAddr, snap.Amount)
	outputs = e.wallet.ApplyDeduction(snap.Amount, outputs, mixAddr, snap.FeePercent)

	// The miner-fee overflow collected at deposit time goes to the
	// service address in the same transaction.
	if snap.ExtraServiceFee.IsPositive() && e.cfg.FeeAddress != "" && e.wallet.ValidAddress(e.cfg.FeeAddress) {
		outputs.Add(e.cfg.FeeAddress, snap.ExtraServiceFee)
	}

	sort.Slice(utxos, func(i, j int) bool {
		return utxos[i].Amount.GreaterThan(utxos[j].Amount)
	})
	var (
		selected []abcmint.TxInput
		total    = decimal.Zero
		minerFee = decimal.Zero
	)
	numOutputsEst := outputs.Len()
	for _, u := range utxos {
		if !u.Amount.IsPositive() {
			continue
		}
		selected = append(selected, abcmint.TxInput{TxID: u.TxID, Vout: u.Vout})
		total = total.Add(u.Amount)
		// +1 output for the change we may add below
		minerFee = e.wallet.EstimateFee(len(selected), numOutputsEst+1)
		if total.GreaterThanOrEqual(outputs.Total().Add(minerFee)) {
			break
		}
	}
	need := outputs.Total().Add(minerFee)
	if total.LessThan(need) {
		e.fail(job, fmt.Errorf("insufficient funds for step 1: have %s, need %s", total, need))
		return
	}

	change := feemodel.Quantize(total.Sub(need))
	if change.IsPositive() {
		if change.LessThanOrEqual(e.cfg.DustFloor) {
			outputs.Add(mixAddr, change)
		} else {
			changeAddr, cerr := e.wallet.NewAddress(wallet.LabelChange)
			if cerr != nil {
				e.fail(job, cerr)
				return
			}
			outputs.Add(changeAddr, change)
		}
	}

	raw, err := e.wallet.CreateRaw(selected, outputs)
	if err != nil {
		e.fail(job, err)
		return
	}
	signed, err := e.wallet.SignRaw(raw)
	if err != nil {
		e.fail(job, err)
		return
	}
	txid, err := e.wallet.Broadcast(signed)
	if err != nil {
		e.fail(job, err)
		return
	}
	e.update(job, func(j *models.Job) {
		j.Txid1 = txid
		j.Touch()
	})
	e.saveState()
	e.emit(e.Snapshot(job), "step1_broadcast")

	e.setStatus(job, models.StatusWaitingConfirmations)
	if err := e.waitForStep1(job, txid, mixAddr); err != nil {
		e.fail(job, err)
		return
	}

	e.setStatus(job, models.StatusMixingStep2)
	e.emit(e.Snapshot(job), "step2_started")
	if err := e.executeShardedHops(job, mixAddr); err != nil {
		e.fail(job, err)
		return
	}
	e.setStatus(job, models.StatusCompleted)
	e.release(jobID)
	e.saveState()
	e.emit(e.Snapshot(job), "completed")
}

// waitForStep1 blocks until the consolidation has enough confirmations
// and the mix address exposes spendable UTXOs at the step-2 depth.
func (e *Engine) waitForStep1(job *models.Job, txid1, mixAddr string) error {
	minNeeded := e.cfg.RequiredConf
	if e.cfg.MinConfStep2 > minNeeded {
		minNeeded = e.cfg.MinConfStep2
	}
	conf := e.Snapshot(job).Confirmations
	for {
		tx, err := e.wallet.GetTransaction(txid1)
		if err == nil && tx != nil {
			conf = int(tx.Confirmations)
			e.update(job, func(j *models.Job) {
				j.Confirmations = conf
				j.Touch()
			})
		}
		e.saveState()
		if conf >= minNeeded {
			break
		}
		e.sleep(e.cfg.PollInterval())
	}
	for {
		ready, err := e.wallet.ListUnspentFor([]string{mixAddr}, e.cfg.MinConfStep2)
		if err != nil {
			return err
		}
		if len(ready) > 0 {
			return nil
		}
		e.sleep(e.cfg.PollInterval())
		e.saveState()
	}
}
