package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/roostlabs/roost/pkg/types"
)

const dispatchColumns = `request_id, device_id, action, params_json, sent_at,
	payload_hash, fcm_status, http_code, fcm_message_id, latency_ms,
	completed_at, result, result_message, retries, exec_id`

func scanDispatch(row rowScanner) (*types.Dispatch, error) {
	var d types.Dispatch
	var sentAt int64
	var completedAt sql.NullInt64
	var paramsJSON string
	err := row.Scan(
		&d.RequestID, &d.DeviceID, &d.Action, &paramsJSON, &sentAt,
		&d.PayloadHash, &d.Status, &d.HTTPCode, &d.FCMMessageID, &d.LatencyMS,
		&completedAt, &d.Result, &d.ResultMsg, &d.Retries, &d.ExecID,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan dispatch: %w", err)
	}
	d.SentAt = fromMS(sentAt)
	if completedAt.Valid {
		t := fromMS(completedAt.Int64)
		d.CompletedAt = &t
	}
	if paramsJSON != "" && paramsJSON != "{}" {
		if err := json.Unmarshal([]byte(paramsJSON), &d.Params); err != nil {
			return nil, fmt.Errorf("unmarshal dispatch params: %w", err)
		}
	}
	return &d, nil
}

// CreateDispatch persists a ledger row in state pending. The row exists
// before any push-provider call is made. A duplicate request_id surfaces as
// ErrConflict so the dispatcher can take the idempotency path.
func (s *Store) CreateDispatch(ctx context.Context, d *types.Dispatch) error {
	params := "{}"
	if len(d.Params) > 0 {
		b, err := json.Marshal(d.Params)
		if err != nil {
			return fmt.Errorf("marshal dispatch params: %w", err)
		}
		params = string(b)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO fcm_dispatches
			(request_id, device_id, action, params_json, sent_at, payload_hash,
			 fcm_status, exec_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		d.RequestID, d.DeviceID, d.Action, params, ms(d.SentAt), d.PayloadHash,
		string(types.DispatchPending), d.ExecID)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("insert dispatch: %w", err)
	}
	return nil
}

// GetDispatch retrieves a ledger row by request ID
func (s *Store) GetDispatch(ctx context.Context, requestID string) (*types.Dispatch, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+dispatchColumns+` FROM fcm_dispatches WHERE request_id = ?`, requestID)
	return scanDispatch(row)
}

// MarkDispatchSent records a successful push-provider ack
func (s *Store) MarkDispatchSent(ctx context.Context, requestID string, httpCode int, messageID string, latency time.Duration) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE fcm_dispatches
		 SET fcm_status = 'sent', http_code = ?, fcm_message_id = ?, latency_ms = ?
		 WHERE request_id = ?`,
		httpCode, messageID, latency.Milliseconds(), requestID)
	if err != nil {
		return fmt.Errorf("mark dispatch sent: %w", err)
	}
	return nil
}

// MarkDispatchFailed records a push-provider failure
func (s *Store) MarkDispatchFailed(ctx context.Context, requestID string, httpCode int, detail string, latency time.Duration) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE fcm_dispatches
		 SET fcm_status = 'failed', http_code = ?, result_message = ?, latency_ms = ?
		 WHERE request_id = ?`,
		httpCode, detail, latency.Milliseconds(), requestID)
	if err != nil {
		return fmt.Errorf("mark dispatch failed: %w", err)
	}
	return nil
}

// CompleteDispatch closes a dispatch from a device ACK. completed_at is
// write-once: a second completion attempt returns ErrAlreadyCompleted with
// no mutation. Parent exec counters are incremented atomically in the same
// transaction.
func (s *Store) CompleteDispatch(ctx context.Context, requestID, result, message string, failed bool, at time.Time) error {
	status := string(types.DispatchCompleted)
	if failed {
		status = string(types.DispatchFailed)
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE fcm_dispatches
			 SET completed_at = ?, result = ?, result_message = ?, fcm_status = ?
			 WHERE request_id = ? AND completed_at IS NULL`,
			ms(at), result, message, status, requestID)
		if err != nil {
			return fmt.Errorf("complete dispatch: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrAlreadyCompleted
		}

		var execID string
		if err := tx.QueryRowContext(ctx,
			`SELECT exec_id FROM fcm_dispatches WHERE request_id = ?`,
			requestID).Scan(&execID); err != nil {
			return fmt.Errorf("load dispatch exec_id: %w", err)
		}
		if execID == "" {
			return nil
		}

		// Atomic SQL increment; never read-modify-write.
		counter := `acked_count = acked_count + 1`
		if failed {
			counter = `acked_count = acked_count + 1, error_count = error_count + 1`
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE execs SET `+counter+` WHERE exec_id = ?`, execID); err != nil {
			return fmt.Errorf("increment exec counters: %w", err)
		}
		return nil
	})
}

// CreateExec persists a parent record for a fan-out command
func (s *Store) CreateExec(ctx context.Context, e *types.Exec) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO execs (exec_id, mode, action, command, target_count, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, e.Mode, e.Action, e.Command, e.TargetCount, ms(e.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("insert exec: %w", err)
	}
	return nil
}

// GetExec retrieves a parent exec record
func (s *Store) GetExec(ctx context.Context, id string) (*types.Exec, error) {
	var e types.Exec
	var createdAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT exec_id, mode, action, command, target_count, acked_count,
			error_count, created_at
		 FROM execs WHERE exec_id = ?`, id).Scan(
		&e.ID, &e.Mode, &e.Action, &e.Command, &e.TargetCount, &e.AckedCount,
		&e.ErrorCount, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get exec: %w", err)
	}
	e.CreatedAt = fromMS(createdAt)
	return &e, nil
}

// ListDispatchesByExec returns the per-device dispatches of a fan-out
func (s *Store) ListDispatchesByExec(ctx context.Context, execID string) ([]*types.Dispatch, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+dispatchColumns+` FROM fcm_dispatches WHERE exec_id = ? ORDER BY device_id`,
		execID)
	if err != nil {
		return nil, fmt.Errorf("list dispatches by exec: %w", err)
	}
	defer rows.Close()

	var out []*types.Dispatch
	for rows.Next() {
		d, err := scanDispatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
