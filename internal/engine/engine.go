// Package engine drives mixing jobs through their lifecycle: deposit
// watch, consolidation, confirmation wait, and the sharded hop fanout.
// Each running job is owned by exactly one worker goroutine; a guardian
// loop re-spawns workers for jobs that lost theirs (crash, restart,
// recoverable error).
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/rawblock/mix-orchestrator/internal/abcmint"
	"github.com/rawblock/mix-orchestrator/internal/config"
	"github.com/rawblock/mix-orchestrator/internal/db"
	"github.com/rawblock/mix-orchestrator/internal/feemodel"
	"github.com/rawblock/mix-orchestrator/internal/store"
	"github.com/rawblock/mix-orchestrator/internal/wallet"
	"github.com/rawblock/mix-orchestrator/pkg/models"
)

// Worker roles. The monitors map holds at most one role per job, which
// is what guarantees a single worker per job.
const (
	roleDeposit = "deposit"
	roleConfirm = "confirm"
	roleShard   = "shard"
)

const guardianInterval = 10 * time.Second

// Wallet is the node-facing surface the engine drives. *wallet.Wallet
// implements it; tests substitute a fake.
type Wallet interface {
	NewAddress(label string) (string, error)
	Prefetch(n int)
	ValidAddress(addr string) bool

	ListUnspent(minConf int) ([]abcmint.Unspent, error)
	ListUnspentFor(addrs []string, minConf int) ([]abcmint.Unspent, error)
	ReceivedBy(addr string, minConf int) (decimal.Decimal, error)
	GetTransaction(txid string) (*abcmint.WalletTx, error)
	ListTransactions(count int) ([]abcmint.WalletTxEntry, error)
	GetRawTransactionVerbose(txid string) (*abcmint.RawTx, error)

	EstimateFee(numInputs, numOutputs int) decimal.Decimal
	FeeSourceHint() string
	ApplyDeduction(sendAmount decimal.Decimal, outs *wallet.Outputs, primary string, percent decimal.Decimal) *wallet.Outputs
	CreateRaw(inputs []abcmint.TxInput, outs *wallet.Outputs) (string, error)
	SignRaw(rawHex string) (string, error)
	Broadcast(signedHex string) (string, error)
	EnsureUnlocked() error
}

// Notifier receives a job snapshot after every notable transition.
// The websocket hub plugs in here.
type Notifier func(job models.Job)

type Engine struct {
	cfg    *config.Config
	wallet Wallet
	store  *store.Store
	audit  *db.AuditStore // nil when no DATABASE_URL
	notify Notifier       // nil when nothing listens
	log    *log.Logger

	// mu guards jobs, monitors, and every field of every Job in the
	// table. Workers mutate through update and read through Snapshot;
	// RPC calls never happen while mu is held.
	mu       sync.Mutex
	jobs     map[string]*models.Job
	monitors map[string]string

	// sleep is swapped out in tests.
	sleep func(time.Duration)
}

func New(cfg *config.Config, w Wallet, st *store.Store, audit *db.AuditStore, notify Notifier) *Engine {
	return &Engine{
		cfg:      cfg,
		wallet:   w,
		store:    st,
		audit:    audit,
		notify:   notify,
		log:      log.Default().WithPrefix("engine"),
		jobs:     make(map[string]*models.Job),
		monitors: make(map[string]string),
		sleep:    time.Sleep,
	}
}

// LoadState restores persisted jobs. Call once before Run.
func (e *Engine) LoadState() error {
	jobs, err := e.store.LoadAll()
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.jobs = jobs
	e.mu.Unlock()
	e.log.Info("state loaded", "jobs", len(jobs))
	return nil
}

// CreateJob registers a new mixing request, snapshots the fee quote,
// and starts the deposit watcher. The returned copy is taken before the
// worker starts, so callers can read it freely.
func (e *Engine) CreateJob(targetAddress string, amount decimal.Decimal, shardCount, hopCount int) (models.Job, error) {
	depositAddr, err := e.wallet.NewAddress(wallet.LabelDeposit)
	if err != nil {
		return models.Job{}, err
	}
	if shardCount <= 0 {
		shardCount = e.cfg.TierStandardShards
	}
	if hopCount <= 0 {
		hopCount = e.cfg.TierStandardHops
	}

	q := feemodel.Compute(e.cfg, amount, shardCount, hopCount)
	job := &models.Job{
		JobID:            uuid.NewString(),
		TargetAddress:    targetAddress,
		Amount:           amount,
		DepositAddress:   depositAddr,
		DepositRequired:  feemodel.Quantize(amount.Add(e.cfg.DepositExtra).Add(q.ExtraToService)),
		ShardCount:       shardCount,
		HopCount:         hopCount,
		FeePercent:       q.Percent,
		AbsFee:           q.AbsFee,
		MinerFee:         q.MinerFee,
		TxCount:          q.TxCount,
		NetAmount:        q.NetAmount,
		ExtraServiceFee:  q.ExtraToService,
		ShardTxidsFanout: []string{},
		ShardTxidsFinal:  []string{},
		ShardTxidsHops:   [][]string{},
		Status:           models.StatusPending,
		CreatedAt:        models.Now(),
		RequiredConf:     e.cfg.RequiredConf,
		LastPollAt:       models.Now(),
		LastUpdateAt:     models.Now(),
	}

	snap := job.Clone()
	e.mu.Lock()
	e.jobs[job.JobID] = job
	e.mu.Unlock()
	e.saveState()
	e.emit(snap, "created")

	e.spawn(job.JobID, roleDeposit, e.monitorDeposit)
	return snap, nil
}

// FeeSource reports where miner-fee quoting currently gets its figure.
func (e *Engine) FeeSource() string {
	return e.wallet.FeeSourceHint()
}

// GetJob returns a handle to the live job, or nil. Callers must not
// read fields off the handle directly; use Snapshot.
func (e *Engine) GetJob(jobID string) *models.Job {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.jobs[jobID]
}

// Snapshot copies the job under the engine lock.
func (e *Engine) Snapshot(job *models.Job) models.Job {
	e.mu.Lock()
	defer e.mu.Unlock()
	return job.Clone()
}

// update applies a mutation to the job under the engine lock. The
// closure must not block or call back into the engine.
func (e *Engine) update(job *models.Job, fn func(*models.Job)) {
	e.mu.Lock()
	fn(job)
	e.mu.Unlock()
}

// setStatus is the common update shape.
func (e *Engine) setStatus(job *models.Job, s models.Status) {
	e.update(job, func(j *models.Job) { j.SetStatus(s) })
}

// Jobs returns a snapshot of all jobs.
func (e *Engine) Jobs() []models.Job {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]models.Job, 0, len(e.jobs))
	for _, j := range e.jobs {
		out = append(out, j.Clone())
	}
	return out
}

// ResumeJob re-attaches a worker to a job based on how far it got.
// Returns false when the job does not exist. A job that already has a
// worker is left alone.
func (e *Engine) ResumeJob(jobID string) bool {
	e.mu.Lock()
	job, ok := e.jobs[jobID]
	if !ok {
		e.mu.Unlock()
		return false
	}
	if e.monitors[jobID] != "" {
		e.mu.Unlock()
		return true
	}
	hasShards := len(job.ShardTxidsFanout) > 0
	txid1 := job.Txid1
	status := job.Status
	e.mu.Unlock()

	switch {
	case txid1 != "" && hasShards:
		e.spawn(jobID, roleShard, e.resumeShardedHops)
	case txid1 != "":
		e.spawn(jobID, roleConfirm, e.resumeConfirmations)
	case status == models.StatusWaitingDeposit || status == models.StatusDepositReceived || status == models.StatusError:
		e.spawn(jobID, roleDeposit, e.monitorDeposit)
	}
	return true
}

// Run is the guardian loop. Every tick it stamps last_poll_at, spawns
// a worker for any unattended job that needs one, and persists state.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(guardianInterval)
	defer ticker.Stop()
	for {
		e.tick()
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (e *Engine) tick() {
	e.mu.Lock()
	ids := make([]string, 0, len(e.jobs))
	for id := range e.jobs {
		ids = append(ids, id)
	}
	e.mu.Unlock()

	for _, id := range ids {
		e.mu.Lock()
		job, ok := e.jobs[id]
		if !ok {
			e.mu.Unlock()
			continue
		}
		job.LastPollAt = models.Now()
		attended := e.monitors[id] != ""
		hasShards := len(job.ShardTxidsFanout) > 0
		txid1 := job.Txid1
		status := job.Status
		e.mu.Unlock()
		if attended {
			continue
		}

		switch {
		case (status == models.StatusMixingStep2 || status == models.StatusError) && hasShards:
			e.spawn(id, roleShard, e.resumeShardedHops)
		case txid1 != "" && !hasShards &&
			(status == models.StatusWaitingConfirmations || status == models.StatusError || status == models.StatusWaitingDeposit):
			e.spawn(id, roleConfirm, e.resumeConfirmations)
		case txid1 == "" && (status == models.StatusWaitingDeposit || status == models.StatusDepositReceived):
			e.spawn(id, roleDeposit, e.monitorDeposit)
		}
	}
	e.saveState()
}

// spawn starts fn for the job unless another worker already owns it.
func (e *Engine) spawn(jobID, role string, fn func(string)) {
	e.mu.Lock()
	if e.monitors[jobID] != "" {
		e.mu.Unlock()
		return
	}
	e.monitors[jobID] = role
	e.mu.Unlock()
	go fn(jobID)
}

// release drops the worker registration for a job.
func (e *Engine) release(jobID string) {
	e.mu.Lock()
	delete(e.monitors, jobID)
	e.mu.Unlock()
}

// saveState persists the whole job table. Failures are logged, not
// fatal; the next transition retries.
func (e *Engine) saveState() {
	e.mu.Lock()
	snapshot := make(map[string]*models.Job, len(e.jobs))
	for id, j := range e.jobs {
		c := j.Clone()
		snapshot[id] = &c
	}
	e.mu.Unlock()
	if err := e.store.SaveAll(snapshot); err != nil {
		e.log.Error("state save failed", "err", err)
	}
}

// SaveState is the exported hook for the API layer after it patches a
// job during status recovery.
func (e *Engine) SaveState() {
	e.saveState()
}

// emit records the transition in the audit trail and pushes the
// snapshot to listeners. Both are best effort. Taking a copy rather
// than the live job keeps the audit write and the notifier off the
// engine lock.
func (e *Engine) emit(snap models.Job, event string) {
	if e.audit != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := e.audit.RecordJobEvent(ctx, &snap, event); err != nil {
			e.log.Warn("audit record failed", "job", snap.JobID, "event", event, "err", err)
		}
		cancel()
	}
	if e.notify != nil {
		e.notify(snap)
	}
}

// fail marks the job errored, releases its worker, and persists.
func (e *Engine) fail(job *models.Job, err error) {
	e.update(job, func(j *models.Job) { j.Fail(err) })
	snap := e.Snapshot(job)
	e.log.Error("job failed", "job", snap.JobID, "status", snap.Status, "err", err)
	e.release(snap.JobID)
	e.saveState()
	e.emit(snap, "error")
}
