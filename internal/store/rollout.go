package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/headline-goat/autowinner/internal/rollout"
)

// Route records the share of traffic the edge should send to the winner.
func (s *SQLiteStore) Route(ctx context.Context, testID, winnerID string, share float64) error {
	if share < 0 || share > 1 {
		return fmt.Errorf("share %v out of range", share)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO routing (test_name, winner_variant, share, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(test_name) DO UPDATE SET winner_variant = excluded.winner_variant,
		     share = excluded.share, updated_at = excluded.updated_at`,
		testID, winnerID, share, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to route traffic: %w", err)
	}
	return nil
}

// RestoreControl sends all traffic back to control.
func (s *SQLiteStore) RestoreControl(ctx context.Context, testID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO routing (test_name, winner_variant, share, updated_at) VALUES (?, '', 0, ?)
		 ON CONFLICT(test_name) DO UPDATE SET share = 0, updated_at = excluded.updated_at`,
		testID, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to restore control: %w", err)
	}
	return nil
}

// ControlShare is the share of traffic control receives. Unrouted tests
// are all control.
func (s *SQLiteStore) ControlShare(ctx context.Context, testID string) (float64, error) {
	var share float64
	err := s.db.QueryRowContext(ctx, `SELECT share FROM routing WHERE test_name = ?`, testID).Scan(&share)
	if err == sql.ErrNoRows {
		return 1, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read routing: %w", err)
	}
	return 1 - share, nil
}

// RecordLiveMetrics stores the latest production metrics for a test.
func (s *SQLiteStore) RecordLiveMetrics(ctx context.Context, testName string, m rollout.LiveMetrics) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO live_metrics (test_name, error_rate, baseline_error_rate, conversion_rate, baseline_conversion_rate,
		                           revenue_per_visitor, baseline_revenue_per_visitor, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(test_name) DO UPDATE SET error_rate = excluded.error_rate,
		     baseline_error_rate = excluded.baseline_error_rate, conversion_rate = excluded.conversion_rate,
		     baseline_conversion_rate = excluded.baseline_conversion_rate,
		     revenue_per_visitor = excluded.revenue_per_visitor,
		     baseline_revenue_per_visitor = excluded.baseline_revenue_per_visitor, updated_at = excluded.updated_at`,
		testName, m.ErrorRate, m.BaselineErrorRate, m.ConversionRate, m.BaselineConversionRate,
		m.RevenuePerVisitor, m.BaselineRevenuePerVisitor, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to record live metrics: %w", err)
	}
	return nil
}

// Sample returns the latest live metrics, zero when none were recorded.
func (s *SQLiteStore) Sample(ctx context.Context, testID string) (rollout.LiveMetrics, error) {
	var m rollout.LiveMetrics
	err := s.db.QueryRowContext(ctx,
		`SELECT error_rate, baseline_error_rate, conversion_rate, baseline_conversion_rate,
		        revenue_per_visitor, baseline_revenue_per_visitor
		 FROM live_metrics WHERE test_name = ?`, testID,
	).Scan(&m.ErrorRate, &m.BaselineErrorRate, &m.ConversionRate, &m.BaselineConversionRate,
		&m.RevenuePerVisitor, &m.BaselineRevenuePerVisitor)
	if err == sql.ErrNoRows {
		return rollout.LiveMetrics{}, nil
	}
	if err != nil {
		return m, fmt.Errorf("failed to sample live metrics: %w", err)
	}
	return m, nil
}

// SaveImplementationStatus stores the rollout read model. A completed
// rollout also completes the test.
func (s *SQLiteStore) SaveImplementationStatus(ctx context.Context, st rollout.Status) error {
	body, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("failed to marshal implementation status: %w", err)
	}

	now := time.Now().Unix()
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO implementations (test_name, state, body, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(test_name) DO UPDATE SET state = excluded.state, body = excluded.body,
		     updated_at = excluded.updated_at`,
		st.TestID, st.State, string(body), now,
	); err != nil {
		return fmt.Errorf("failed to save implementation status: %w", err)
	}

	if st.State == rollout.Completed.String() {
		if _, err := s.db.ExecContext(ctx,
			`UPDATE tests SET state = 'completed', updated_at = ? WHERE name = ?`, now, st.TestID,
		); err != nil {
			return fmt.Errorf("failed to complete test: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) GetImplementationStatus(ctx context.Context, testName string) (*rollout.Status, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM implementations WHERE test_name = ?`, testName).Scan(&body)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get implementation status: %w", err)
	}

	var st rollout.Status
	if err := json.Unmarshal([]byte(body), &st); err != nil {
		return nil, fmt.Errorf("failed to unmarshal implementation status: %w", err)
	}
	return &st, nil
}
