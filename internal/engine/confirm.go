package engine

import (
	"errors"

	"github.com/rawblock/mix-orchestrator/pkg/models"
)

// resumeConfirmations re-attaches to a job whose consolidation was
// broadcast but whose worker died before the sharded hops ran.
func (e *Engine) resumeConfirmations(jobID string) {
	job := e.GetJob(jobID)
	if job == nil {
		e.release(jobID)
		return
	}
	snap := e.Snapshot(job)
	if snap.Txid1 == "" {
		e.release(jobID)
		return
	}
	if snap.MixAddress == "" {
		e.fail(job, errors.New("mix address unknown, cannot resume"))
		return
	}
	e.setStatus(job, models.StatusWaitingConfirmations)

	if err := e.waitForStep1(job, snap.Txid1, snap.MixAddress); err != nil {
		e.fail(job, err)
		return
	}
	e.setStatus(job, models.StatusMixingStep2)
	e.emit(e.Snapshot(job), "step2_started")
	if err := e.executeShardedHops(job, snap.MixAddress); err != nil {
		e.fail(job, err)
		return
	}
	e.setStatus(job, models.StatusCompleted)
	e.release(jobID)
	e.saveState()
	e.emit(e.Snapshot(job), "completed")
}

// resumeShardedHops re-attaches to a job that already has fanout
// transactions. The shard worker picks up exactly where the chains
// stopped.
func (e *Engine) resumeShardedHops(jobID string) {
	job := e.GetJob(jobID)
	if job == nil {
		e.release(jobID)
		return
	}
	mixAddr := e.Snapshot(job).MixAddress
	if mixAddr == "" {
		e.release(jobID)
		return
	}
	e.setStatus(job, models.StatusMixingStep2)
	if err := e.executeShardedHops(job, mixAddr); err != nil {
		e.fail(job, err)
		return
	}
	e.setStatus(job, models.StatusCompleted)
	e.release(jobID)
	e.saveState()
	e.emit(e.Snapshot(job), "completed")
}
