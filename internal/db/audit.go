// Package db is the optional job-event audit trail. The engine runs
// fine without it; when DATABASE_URL is set, every state transition is
// also recorded in PostgreSQL so operators can reconstruct a job's
// history after the state file has moved on.
package db

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rawblock/mix-orchestrator/pkg/models"
)

// schemaSQL is compiled into the binary so schema init works wherever
// the single binary is deployed, with no schema file on disk next to it.
//
//go:embed schema.sql
var schemaSQL string

type AuditStore struct {
	pool *pgxpool.Pool
}

// Connect initializes the connection pool to PostgreSQL using pgx.
func Connect(connStr string) (*AuditStore, error) {
	pool, err := pgxpool.New(context.Background(), connStr)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %v", err)
	}
	if err := pool.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("ping failed: %v", err)
	}
	return &AuditStore{pool: pool}, nil
}

// Close gracefully closes the connection pool.
func (s *AuditStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// InitSchema executes the embedded schema.sql DDL statements.
func (s *AuditStore) InitSchema() error {
	_, err := s.pool.Exec(context.Background(), schemaSQL)
	if err != nil {
		return fmt.Errorf("failed to execute schema migrations: %v", err)
	}
	return nil
}

// RecordJobEvent appends one state transition to the audit log.
func (s *AuditStore) RecordJobEvent(ctx context.Context, job *models.Job, event string) error {
	sql := `
		INSERT INTO job_events
			(job_id, event, status, deposit_received, shards_completed, hops_done, error, txid1, txid2)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9);
	`
	_, err := s.pool.Exec(ctx, sql,
		job.JobID,
		event,
		string(job.Status),
		job.DepositReceived.String(),
		job.ShardProgressCompleted,
		job.HopsDone(),
		job.Error,
		job.Txid1,
		job.Txid2,
	)
	if err != nil {
		return fmt.Errorf("failed to insert job event: %v", err)
	}
	return nil
}

// JobEvent is one recorded transition, newest first in query results.
type JobEvent struct {
	JobID      string    `json:"job_id"`
	Event      string    `json:"event"`
	Status     string    `json:"status"`
	Error      string    `json:"error,omitempty"`
	Txid1      string    `json:"txid1,omitempty"`
	Txid2      string    `json:"txid2,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

// GetJobEvents returns the audit history of one job.
func (s *AuditStore) GetJobEvents(ctx context.Context, jobID string, limit int) ([]JobEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	sql := `
		SELECT job_id, event, status, COALESCE(error, ''), COALESCE(txid1, ''), COALESCE(txid2, ''), recorded_at
		FROM job_events
		WHERE job_id = $1
		ORDER BY recorded_at DESC
		LIMIT $2;
	`
	rows, err := s.pool.Query(ctx, sql, jobID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := make([]JobEvent, 0)
	for rows.Next() {
		var e JobEvent
		if err := rows.Scan(&e.JobID, &e.Event, &e.Status, &e.Error, &e.Txid1, &e.Txid2, &e.RecordedAt); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return events, nil
}
