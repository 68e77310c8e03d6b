// Package budget enforces spend caps and call rates for provider calls.
// Spend is summed over sliding windows (24h/7d/30d) of the ai_model_usage
// table, the same rows the usage tracker writes for every invocation.
package budget

import (
	"context"
	"database/sql"
	"time"

	"github.com/teranos/docpipe/errors"
)

// Sliding windows
const (
	Day   = 24 * time.Hour
	Week  = 7 * Day
	Month = 30 * Day
)

// Store handles budget queries against ai_model_usage table
type Store struct {
	db *sql.DB
}

// NewStore creates a new budget store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Spend sums the cost of successful calls requested at or after since.
func (s *Store) Spend(ctx context.Context, since time.Time) (totalCost float64, opCount int, err error) {
	err = s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(cost), 0), COUNT(*)
		FROM ai_model_usage
		WHERE request_timestamp >= ? AND success = 1`, since.UTC()).Scan(&totalCost, &opCount)
	if err != nil {
		return 0, 0, errors.Wrapf(err, "failed to query spend since %s", since.UTC().Format(time.RFC3339))
	}
	return totalCost, opCount, nil
}
