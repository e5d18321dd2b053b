package store

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rawblock/mix-orchestrator/pkg/models"
)

func TestLoadAllMissingFileIsEmpty(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	jobs, err := s.LoadAll()
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(jobs) != 0 {
		t.Errorf("got %d jobs, want 0", len(jobs))
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	job := &models.Job{
		JobID:           "j1",
		TargetAddress:   "8Target",
		Amount:          decimal.RequireFromString("40"),
		DepositRequired: decimal.RequireFromString("40.426"),
		ShardCount:      3,
		HopCount:        1,
		FeePercent:      decimal.RequireFromString("0.0059"),
		NetAmount:       decimal.RequireFromString("39.674"),
		Status:          models.StatusWaitingDeposit,
		CreatedAt:       models.Now(),
		ShardTxidsHops:  [][]string{{"h1"}, {}, {}},
		LastUpdateAt:    models.Now(),
		LastPollAt:      models.Now(),
	}
	if err := s.SaveAll(map[string]*models.Job{"j1": job}); err != nil {
		t.Fatalf("SaveAll: %v", err)
	}

	loaded, err := s.LoadAll()
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	got, ok := loaded["j1"]
	if !ok {
		t.Fatal("job j1 missing after round trip")
	}
	if !got.Amount.Equal(job.Amount) || !got.NetAmount.Equal(job.NetAmount) {
		t.Errorf("amounts drifted: %s / %s", got.Amount, got.NetAmount)
	}
	if got.Status != models.StatusWaitingDeposit {
		t.Errorf("status = %s", got.Status)
	}
	if len(got.ShardTxidsHops) != 3 || got.ShardTxidsHops[0][0] != "h1" {
		t.Errorf("hop txids lost: %v", got.ShardTxidsHops)
	}
}

func TestDecimalsPersistAsStrings(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	job := &models.Job{
		JobID:     "j1",
		Amount:    decimal.RequireFromString("0.10000001"),
		Status:    models.StatusPending,
		CreatedAt: models.Now(),
	}
	if err := s.SaveAll(map[string]*models.Job{"j1": job}); err != nil {
		t.Fatalf("SaveAll: %v", err)
	}
	raw, err := os.ReadFile(s.Path())
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !strings.Contains(string(raw), `"0.10000001"`) {
		t.Errorf("amount not stored as a string:\n%s", raw)
	}
}

func TestCorruptFileStartsEmpty(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := os.WriteFile(s.Path(), []byte("{not json"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	jobs, err := s.LoadAll()
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(jobs) != 0 {
		t.Errorf("got %d jobs from corrupt file, want 0", len(jobs))
	}
}

func TestLenientTimestampLoad(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	doc := `{"j1":{"job_id":"j1","amount":"1","status":"pending","created_at":"2025-03-01T12:00:00.123456789","last_update_at":"garbage"}}`
	if err := os.WriteFile(s.Path(), []byte(doc), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	jobs, err := s.LoadAll()
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	job := jobs["j1"]
	if job == nil {
		t.Fatal("job j1 missing")
	}
	want := time.Date(2025, 3, 1, 12, 0, 0, 123456789, time.UTC)
	if !job.CreatedAt.Equal(want) {
		t.Errorf("created_at = %v, want %v", job.CreatedAt, want)
	}
	if time.Since(job.LastUpdateAt.Time) > time.Minute {
		t.Errorf("unparseable last_update_at should default to now, got %v", job.LastUpdateAt)
	}
}

func TestSaveAllLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := s.SaveAll(map[string]*models.Job{}); err != nil {
			t.Fatalf("SaveAll: %v", err)
		}
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	for _, e := range entries {
		if e.Name() != filepath.Base(s.Path()) {
			t.Errorf("leftover file %s", e.Name())
		}
	}
}
