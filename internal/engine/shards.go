package engine

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/rawblock/mix-orchestrator/internal/abcmint"
	"github.com/rawblock/mix-orchestrator/internal/feemodel"
	"github.com/rawblock/mix-orchestrator/internal/wallet"
	"github.com/rawblock/mix-orchestrator/pkg/models"
)

// broadcastRetries bounds the unconfirmed-chain retry in singleSendFrom.
const broadcastRetries = 6

// shardSource is a spendable output that belongs to one of the job's
// shard chains.
type shardSource struct {
	Address string
	Amount  decimal.Decimal
	TxID    string
	Vout    uint32
}

// executeShardedHops runs step 2: split the consolidated coins into
// shard_count pieces, walk each piece through hop_count fresh
// addresses, and deliver every chain to the target. It is fully
// resumable: existing chains are continued first, then any coins still
// sitting at the mix address are fanned out.
func (e *Engine) executeShardedHops(job *models.Job, mixAddr string) error {
	feeGuess := e.cfg.TxFeePerTx
	e.update(job, func(j *models.Job) {
		j.ShardProgressTotal = j.ShardCount
		j.Touch()
	})
	snap := e.Snapshot(job)

	for _, src := range e.deriveShardSources(job) {
		if err := e.processShardSequence(job, src, feeGuess); err != nil {
			e.log.Warn("shard chain stalled", "job", snap.JobID, "src", src.TxID, "err", err)
		}
	}

	utxos, err := e.wallet.ListUnspentFor([]string{mixAddr}, e.cfg.MinConfStep2)
	if err != nil {
		return err
	}
	if len(utxos) == 0 {
		return e.finishShardPass(job)
	}

	available := wallet.SumAmounts(utxos)
	doneCount := len(e.Snapshot(job).ShardTxidsFanout)
	remCount := snap.ShardCount - doneCount
	if remCount < 1 {
		remCount = 1
	}
	amounts := computeShardAmounts(available, remCount)

	// One shard address, hop_count hop addresses, and change slack per
	// chain.
	e.wallet.Prefetch(len(amounts) * (snap.HopCount + 4))

	for idx, amt := range amounts {
		shardAddr, aerr := e.wallet.NewAddress(fmt.Sprintf("S%d", doneCount+idx+1))
		if aerr != nil {
			return aerr
		}
		// Shard amounts split the gross mix balance, so the last fanout
		// needs the drain path to cover its own fee.
		txidFan, serr := e.singleSendFrom([]string{mixAddr}, amt, feeGuess, shardAddr, e.cfg.MinConfShard, true)
		if serr != nil {
			return serr
		}
		e.update(job, func(j *models.Job) {
			j.ShardTxidsFanout = append(j.ShardTxidsFanout, txidFan)
			j.Touch()
		})
		e.saveState()
		e.emit(e.Snapshot(job), "shard_fanout")

		src := shardSource{Address: shardAddr, Amount: amt, TxID: txidFan}
		if perr := e.processShardSequence(job, src, feeGuess); perr != nil {
			e.log.Warn("shard chain stalled", "job", snap.JobID, "src", txidFan, "err", perr)
		}
	}
	return e.finishShardPass(job)
}

// finishShardPass persists progress and decides whether the pass
// delivered everything. A shortfall is an error so the guardian keeps
// the job alive instead of marking a partial mix completed.
func (e *Engine) finishShardPass(job *models.Job) error {
	e.saveState()
	snap := e.Snapshot(job)
	if snap.ShardProgressCompleted >= snap.ShardCount {
		return nil
	}
	return fmt.Errorf("shard chains incomplete: %d/%d delivered", snap.ShardProgressCompleted, snap.ShardCount)
}

// deriveShardSources finds wallet UTXOs that belong to this job's
// fanout or hop transactions, i.e. chains that still hold coins.
func (e *Engine) deriveShardSources(job *models.Job) []shardSource {
	utxos, err := e.wallet.ListUnspent(e.cfg.MinConfShard)
	if err != nil {
		return nil
	}
	snap := e.Snapshot(job)
	known := make(map[string]bool, len(snap.ShardTxidsFanout))
	for _, t := range snap.ShardTxidsFanout {
		known[t] = true
	}
	for _, hl := range snap.ShardTxidsHops {
		for _, t := range hl {
			known[t] = true
		}
	}
	var out []shardSource
	for _, u := range utxos {
		if !known[u.TxID] || u.Address == "" || !u.Amount.IsPositive() {
			continue
		}
		out = append(out, shardSource{Address: u.Address, Amount: u.Amount, TxID: u.TxID, Vout: u.Vout})
	}
	return out
}

// computeShardAmounts splits a total into n near-equal parts. The last
// part absorbs the rounding remainder; empty parts are dropped.
func computeShardAmounts(total decimal.Decimal, n int) []decimal.Decimal {
	if n < 1 {
		n = 1
	}
	base := feemodel.Quantize(total.Div(decimal.NewFromInt(int64(n))))
	out := make([]decimal.Decimal, 0, n)
	for i := 0; i < n-1; i++ {
		out = append(out, base)
	}
	last := total.Sub(base.Mul(decimal.NewFromInt(int64(n - 1))))
	if last.IsNegative() {
		last = decimal.Zero
	}
	out = append(out, last)
	filtered := out[:0]
	for _, a := range out {
		if a.IsPositive() {
			filtered = append(filtered, a)
		}
	}
	return filtered
}

// hopListIndex finds (or creates) the hop chain this source belongs
// to, matching by hop txid first and fanout position second.
func hopListIndex(job *models.Job, srcTxID string) int {
	for i, hl := range job.ShardTxidsHops {
		for _, t := range hl {
			if t == srcTxID {
				return i
			}
		}
	}
	for i, fan := range job.ShardTxidsFanout {
		if fan == srcTxID {
			for len(job.ShardTxidsHops) <= i {
				job.ShardTxidsHops = append(job.ShardTxidsHops, []string{})
			}
			return i
		}
	}
	job.ShardTxidsHops = append(job.ShardTxidsHops, []string{})
	return len(job.ShardTxidsHops) - 1
}

// processShardSequence walks one shard through its remaining hops and
// then delivers it to the target address.
func (e *Engine) processShardSequence(job *models.Job, src shardSource, feeGuess decimal.Decimal) error {
	var idx, hopsDone int
	e.update(job, func(j *models.Job) {
		idx = hopListIndex(j, src.TxID)
		hopsDone = len(j.ShardTxidsHops[idx])
	})
	snap := e.Snapshot(job)
	srcAddr := src.Address
	currentAmt := src.Amount

	hopsNeeded := snap.HopCount - hopsDone
	for i := 0; i < hopsNeeded; i++ {
		// Fees would eat the shard; count it done rather than loop on
		// dust errors.
		if currentAmt.LessThanOrEqual(feeGuess) {
			e.update(job, func(j *models.Job) {
				j.ShardProgressCompleted++
				j.Touch()
			})
			return nil
		}
		nextAddr, err := e.wallet.NewAddress(wallet.LabelHop)
		if err != nil {
			return err
		}
		txid, err := e.singleSendFrom([]string{srcAddr}, feemodel.Quantize(currentAmt), feeGuess, nextAddr, e.cfg.MinConfShard, true)
		if err != nil {
			return err
		}
		e.update(job, func(j *models.Job) {
			j.ShardTxidsHops[idx] = append(j.ShardTxidsHops[idx], txid)
			j.Touch()
		})
		e.saveState()
		srcAddr = nextAddr
		currentAmt = feemodel.Quantize(currentAmt.Sub(feeGuess))
		if currentAmt.IsNegative() {
			currentAmt = decimal.Zero
		}
	}

	txidFin, err := e.singleSendFrom([]string{srcAddr}, feemodel.Quantize(currentAmt), feeGuess, snap.TargetAddress, e.cfg.MinConfShard, true)
	if err != nil {
		return err
	}
	e.update(job, func(j *models.Job) {
		j.ShardTxidsFinal = append(j.ShardTxidsFinal, txidFin)
		j.ShardProgressCompleted++
		j.Touch()
	})
	e.saveState()
	return nil
}

// singleSendFrom spends from the given addresses to a single
// destination. With drain set, a shortfall reduces the send amount to
// whatever the inputs cover after fees instead of failing. A broadcast
// rejection at minconf 0 usually means the parent is still in the
// mempool; in that case it waits for one confirmation and retries.
func (e *Engine) singleSendFrom(fromAddrs []string, amount, fee decimal.Decimal, toAddr string, minConf int, drain bool) (string, error) {
	utxos, err := e.wallet.ListUnspentFor(fromAddrs, minConf)
	if err != nil {
		return "", err
	}
	if len(utxos) == 0 {
		return "", wallet.ErrNoUTXOs
	}
	sort.Slice(utxos, func(i, j int) bool {
		return utxos[i].Amount.GreaterThan(utxos[j].Amount)
	})

	target := amount.Add(fee)
	var (
		selected    []abcmint.TxInput
		selectedSet = map[abcmint.TxInput]bool{}
		total       = decimal.Zero
	)
	for _, u := range utxos {
		if !u.Amount.IsPositive() {
			continue
		}
		in := abcmint.TxInput{TxID: u.TxID, Vout: u.Vout}
		selected = append(selected, in)
		selectedSet[in] = true
		total = total.Add(u.Amount)
		if total.GreaterThanOrEqual(target) {
			break
		}
	}
	if total.LessThan(target) {
		if !drain {
			return "", wallet.ErrInsufficientFunds
		}
		amount = total.Sub(fee)
		if amount.IsNegative() {
			amount = decimal.Zero
		}
	}

	outputs := wallet.NewOutputs()
	outputs.Set(toAddr, amount)
	minerFee := e.wallet.EstimateFee(len(selected), 2)
	need := amount.Add(minerFee)
	if total.LessThan(need) {
		for _, u := range utxos {
			in := abcmint.TxInput{TxID: u.TxID, Vout: u.Vout}
			if selectedSet[in] || !u.Amount.IsPositive() {
				continue
			}
			selected = append(selected, in)
			selectedSet[in] = true
			total = total.Add(u.Amount)
			minerFee = e.wallet.EstimateFee(len(selected), 2)
			need = amount.Add(minerFee)
			if total.GreaterThanOrEqual(need) {
				break
			}
		}
	}

	change := feemodel.Quantize(total.Sub(need))
	if change.IsPositive() {
		if change.LessThanOrEqual(e.cfg.DustFloor) {
			outputs.Add(toAddr, change)
		} else {
			changeAddr, cerr := e.wallet.NewAddress(wallet.LabelChange)
			if cerr != nil {
				return "", cerr
			}
			outputs.Add(changeAddr, change)
		}
	}

	raw, err := e.wallet.CreateRaw(selected, outputs)
	if err != nil {
		return "", err
	}
	signed, err := e.wallet.SignRaw(raw)
	if err != nil {
		return "", err
	}
	txid, err := e.wallet.Broadcast(signed)
	if err == nil {
		return txid, nil
	}

	if minConf == 0 {
		for i := 0; i < broadcastRetries; i++ {
			e.sleep(e.cfg.PollInterval())
			ready, rerr := e.wallet.ListUnspentFor(fromAddrs, 1)
			if rerr == nil && len(ready) > 0 {
				return e.singleSendFrom(fromAddrs, amount, fee, toAddr, 1, drain)
			}
		}
	}
	return "", fmt.Errorf("broadcast failed minconf=%d inputs=%d outputs=%d: %w", minConf, len(selected), outputs.Len(), err)
}
