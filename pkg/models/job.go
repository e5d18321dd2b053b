package models

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Status is the closed set of job states. The on-wire names are kept
// stable for API and state-file compatibility.
type Status string

const (
	StatusPending              Status = "pending"
	StatusWaitingDeposit       Status = "waiting_deposit"
	StatusDepositReceived      Status = "deposit_received"
	StatusMixingStep1          Status = "mixing_step1"
	StatusWaitingConfirmations Status = "waiting_confirmations"
	StatusMixingStep2          Status = "mixing_step2"
	StatusCompleted            Status = "completed"
	StatusError                Status = "error"
)

// Terminal reports whether no worker should run for this state.
func (s Status) Terminal() bool {
	return s == StatusCompleted
}

// Job is one mixing request from deposit to delivery. It is created by
// the API, mutated only by engine workers, persisted after every field
// change, and never deleted.
//
// All decimal fields serialise as strings; timestamps as ISO-8601.
type Job struct {
	JobID          string          `json:"job_id"`
	TargetAddress  string          `json:"target_address"`
	Amount         decimal.Decimal `json:"amount"`
	DepositAddress string          `json:"deposit_address"`

	DepositReceived decimal.Decimal `json:"deposit_received"`
	DepositRequired decimal.Decimal `json:"deposit_required"`

	ShardCount int `json:"shard_count"`
	HopCount   int `json:"hop_count"`

	// Fee quote snapshot, fixed at creation.
	FeePercent      decimal.Decimal `json:"fee_percent"`
	AbsFee          decimal.Decimal `json:"abs_fee"`
	MinerFee        decimal.Decimal `json:"miner_fee"`
	TxCount         int             `json:"tx_count"`
	NetAmount       decimal.Decimal `json:"net_amount"`
	ExtraServiceFee decimal.Decimal `json:"extra_service_fee"`

	ShardProgressTotal     int `json:"shard_progress_total"`
	ShardProgressCompleted int `json:"shard_progress_completed"`

	// Progress lists, indexed by shard. Fanout holds the mix->shard
	// txids, Hops the per-shard obfuscation chains, Final the sends to
	// the target address.
	ShardTxidsFanout []string   `json:"shard_txids_fanout"`
	ShardTxidsFinal  []string   `json:"shard_txids_final"`
	ShardTxidsHops   [][]string `json:"shard_txids_hops"`

	Status    Status    `json:"status"`
	CreatedAt Timestamp `json:"created_at"`

	Txid1         string `json:"txid1,omitempty"`
	Txid2         string `json:"txid2,omitempty"`
	MixAddress    string `json:"mix_address,omitempty"`
	Confirmations int    `json:"confirmations"`
	RequiredConf  int    `json:"required_conf"`

	Error string `json:"error,omitempty"`

	LastPollAt   Timestamp `json:"last_poll_at"`
	LastUpdateAt Timestamp `json:"last_update_at"`
}

// Touch updates the last-update timestamp.
func (j *Job) Touch() {
	j.LastUpdateAt = Now()
}

// SetStatus moves the job to a new state and clears any stale error on
// a successful (non-error) transition.
func (j *Job) SetStatus(s Status) {
	j.Status = s
	if s != StatusError {
		j.Error = ""
	}
	j.Touch()
}

// Fail records a recoverable failure. txid1 and progress lists are
// left intact so the guardian can resume from partial progress.
func (j *Job) Fail(err error) {
	j.Status = StatusError
	if err != nil {
		j.Error = err.Error()
	}
	j.Touch()
}

// Clone returns a copy whose txid lists do not share backing arrays
// with the original, so it stays safe to read while a worker keeps
// appending to the live job.
func (j *Job) Clone() Job {
	c := *j
	c.ShardTxidsFanout = append(make([]string, 0, len(j.ShardTxidsFanout)), j.ShardTxidsFanout...)
	c.ShardTxidsFinal = append(make([]string, 0, len(j.ShardTxidsFinal)), j.ShardTxidsFinal...)
	c.ShardTxidsHops = make([][]string, len(j.ShardTxidsHops))
	for i, hl := range j.ShardTxidsHops {
		c.ShardTxidsHops[i] = append(make([]string, 0, len(hl)), hl...)
	}
	return c
}

// HopsDone counts executed hop transactions across all shards.
func (j *Job) HopsDone() int {
	n := 0
	for _, hl := range j.ShardTxidsHops {
		n += len(hl)
	}
	return n
}

// Timestamp is a time.Time that tolerates the state files written by
// earlier versions of the service: a missing or unparseable value
// loads as "now" instead of failing the whole document.
type Timestamp struct {
	time.Time
}

// Now returns the current instant as a Timestamp.
func Now() Timestamp {
	return Timestamp{time.Now()}
}

const legacyLayout = "2006-01-02T15:04:05.999999999"

func (t Timestamp) MarshalJSON() ([]byte, error) {
	return []byte(`"` + t.Format(time.RFC3339Nano) + `"`), nil
}

func (t *Timestamp) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		t.Time = time.Now()
		return nil
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, legacyLayout} {
		if parsed, err := time.Parse(layout, s); err == nil {
			t.Time = parsed
			return nil
		}
	}
	t.Time = time.Now()
	return nil
}
