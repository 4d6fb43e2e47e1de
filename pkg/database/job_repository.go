package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/coriumlabs/compute-node/pkg/store"
)

// JobRepository is the Postgres-backed store.CompletedIndex.
type JobRepository struct {
	client *Client
}

// NewJobRepository builds a JobRepository over an already-connected client.
func NewJobRepository(client *Client) *JobRepository {
	return &JobRepository{client: client}
}

// Put upserts a completed job record.
func (r *JobRepository) Put(ctx context.Context, key string, rec store.Record) error {
	result, err := json.Marshal(rec.Result)
	if err != nil {
		return fmt.Errorf("database: marshal result for %s: %w", key, err)
	}
	intermediate, err := json.Marshal(rec.IntermediateResults)
	if err != nil {
		return fmt.Errorf("database: marshal intermediate results for %s: %w", key, err)
	}

	const query = `
		INSERT INTO completed_jobs (key, status, result, intermediate_results)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (key) DO UPDATE SET
			status = EXCLUDED.status,
			result = EXCLUDED.result,
			intermediate_results = EXCLUDED.intermediate_results`

	if _, err := r.client.ExecContext(ctx, query, key, string(rec.Status), result, intermediate); err != nil {
		return fmt.Errorf("database: put job %s: %w", key, err)
	}
	return nil
}

// Get fetches a completed job by key.
func (r *JobRepository) Get(ctx context.Context, key string) (store.Record, bool, error) {
	const query = `SELECT status, result, intermediate_results FROM completed_jobs WHERE key = $1`

	var (
		status       string
		result       []byte
		intermediate []byte
	)
	rec := store.Record{ID: key}
	err := r.client.QueryRowContext(ctx, query, key).Scan(&status, &result, &intermediate)
	if err == sql.ErrNoRows {
		return store.Record{}, false, nil
	}
	if err != nil {
		return store.Record{}, false, fmt.Errorf("database: get job %s: %w", key, err)
	}

	rec.Status = store.Status(status)
	if len(result) > 0 {
		if err := json.Unmarshal(result, &rec.Result); err != nil {
			return store.Record{}, false, fmt.Errorf("database: unmarshal result for %s: %w", key, err)
		}
	}
	if len(intermediate) > 0 {
		if err := json.Unmarshal(intermediate, &rec.IntermediateResults); err != nil {
			return store.Record{}, false, fmt.Errorf("database: unmarshal intermediate results for %s: %w", key, err)
		}
	}
	return rec, true, nil
}

// Keys returns every completed job key with the given prefix.
func (r *JobRepository) Keys(ctx context.Context, prefix string) ([]string, error) {
	const query = `SELECT key FROM completed_jobs WHERE key LIKE $1`

	rows, err := r.client.QueryContext(ctx, query, prefix+"%")
	if err != nil {
		return nil, fmt.Errorf("database: keys %s: %w", prefix, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("database: scan key: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

var _ store.CompletedIndex = (*JobRepository)(nil)
