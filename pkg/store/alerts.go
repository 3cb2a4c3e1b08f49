package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/roostlabs/roost/pkg/types"
)

const alertColumns = `device_id, condition, state, last_raised_at,
	last_recovered_at, cooldown_until, consecutive_violations, last_value`

func scanAlertState(row rowScanner) (*types.AlertState, error) {
	var a types.AlertState
	var raisedAt, recoveredAt, cooldown sql.NullInt64
	err := row.Scan(
		&a.DeviceID, &a.Condition, &a.State,
		&raisedAt, &recoveredAt, &cooldown,
		&a.ConsecutiveViolations, &a.LastValue,
	)
	if err != nil {
		return nil, fmt.Errorf("scan alert state: %w", err)
	}
	if raisedAt.Valid {
		t := fromMS(raisedAt.Int64)
		a.LastRaisedAt = &t
	}
	if recoveredAt.Valid {
		t := fromMS(recoveredAt.Int64)
		a.LastRecoveredAt = &t
	}
	if cooldown.Valid {
		t := fromMS(cooldown.Int64)
		a.CooldownUntil = &t
	}
	return &a, nil
}

// ListAlertStates batch-fetches every alert state row, keyed by
// (device_id, condition).
func (s *Store) ListAlertStates(ctx context.Context) (map[string]map[types.AlertCondition]*types.AlertState, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+alertColumns+` FROM alert_states`)
	if err != nil {
		return nil, fmt.Errorf("list alert states: %w", err)
	}
	defer rows.Close()

	out := make(map[string]map[types.AlertCondition]*types.AlertState)
	for rows.Next() {
		a, err := scanAlertState(rows)
		if err != nil {
			return nil, err
		}
		byCond := out[a.DeviceID]
		if byCond == nil {
			byCond = make(map[types.AlertCondition]*types.AlertState)
			out[a.DeviceID] = byCond
		}
		byCond[a.Condition] = a
	}
	return out, rows.Err()
}

// UpsertAlertState writes the evaluated state for a (device, condition) pair
func (s *Store) UpsertAlertState(ctx context.Context, a *types.AlertState) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO alert_states
			(device_id, condition, state, last_raised_at, last_recovered_at,
			 cooldown_until, consecutive_violations, last_value)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(device_id, condition) DO UPDATE SET
			state = excluded.state,
			last_raised_at = excluded.last_raised_at,
			last_recovered_at = excluded.last_recovered_at,
			cooldown_until = excluded.cooldown_until,
			consecutive_violations = excluded.consecutive_violations,
			last_value = excluded.last_value`,
		a.DeviceID, string(a.Condition), string(a.State),
		nullMS(a.LastRaisedAt), nullMS(a.LastRecoveredAt), nullMS(a.CooldownUntil),
		a.ConsecutiveViolations, a.LastValue)
	if err != nil {
		return fmt.Errorf("upsert alert state: %w", err)
	}
	return nil
}

// DeleteAlertStates removes all alert rows for a device (device deletion)
func (s *Store) DeleteAlertStates(ctx context.Context, deviceID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM alert_states WHERE device_id = ?`, deviceID); err != nil {
		return fmt.Errorf("delete alert states: %w", err)
	}
	return nil
}
