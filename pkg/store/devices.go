package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roostlabs/roost/pkg/types"
)

const deviceColumns = `device_id, alias, hardware_id, token_hash, token_id,
	token_revoked_at, fcm_token, last_seen, mon_package, mon_app_name,
	mon_threshold, mon_enabled, mon_auto_relaunch, mon_use_defaults, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDevice(row rowScanner) (*types.Device, error) {
	var d types.Device
	var revokedAt, lastSeen, createdAt sql.NullInt64
	var monEnabled, monRelaunch, monDefaults int
	err := row.Scan(
		&d.ID, &d.Alias, &d.HardwareID, &d.TokenHash, &d.TokenID,
		&revokedAt, &d.FCMToken, &lastSeen,
		&d.Monitoring.Package, &d.Monitoring.AppName, &d.Monitoring.ThresholdMin,
		&monEnabled, &monRelaunch, &monDefaults, &createdAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan device row: %w", err)
	}
	if revokedAt.Valid {
		t := fromMS(revokedAt.Int64)
		d.TokenRevokedAt = &t
	}
	if lastSeen.Valid && lastSeen.Int64 > 0 {
		d.LastSeen = fromMS(lastSeen.Int64)
	}
	if createdAt.Valid {
		d.CreatedAt = fromMS(createdAt.Int64)
	}
	d.Monitoring.Enabled = monEnabled != 0
	d.Monitoring.AutoRelaunch = monRelaunch != 0
	d.Monitoring.UseDefaults = monDefaults != 0
	return &d, nil
}

func b2i(b bool) int {
	if b {
		return 1
	}
	return 0
}

// CreateDevice inserts a new device row, optionally consuming an enrollment
// token in the same transaction. A duplicate alias surfaces as ErrConflict;
// an exhausted or expired token as ErrTokenExhausted.
func (s *Store) CreateDevice(ctx context.Context, d *types.Device, enrollTokenID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		// Alias existence check under the transaction doubles as the
		// row-exists-and-lock primitive; the UNIQUE index backstops races.
		var exists int
		err := tx.QueryRowContext(ctx,
			`SELECT COUNT(1) FROM devices WHERE alias = ?`, d.Alias).Scan(&exists)
		if err != nil {
			return fmt.Errorf("check alias: %w", err)
		}
		if exists > 0 {
			return ErrConflict
		}

		if enrollTokenID != "" {
			if err := consumeEnrollmentToken(ctx, tx, enrollTokenID); err != nil {
				return err
			}
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO devices (device_id, alias, hardware_id, token_hash, token_id,
				fcm_token, last_seen, mon_package, mon_app_name, mon_threshold,
				mon_enabled, mon_auto_relaunch, mon_use_defaults, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			d.ID, d.Alias, d.HardwareID, d.TokenHash, d.TokenID,
			d.FCMToken, ms(d.LastSeen), d.Monitoring.Package, d.Monitoring.AppName,
			d.Monitoring.ThresholdMin, b2i(d.Monitoring.Enabled),
			b2i(d.Monitoring.AutoRelaunch), b2i(d.Monitoring.UseDefaults),
			ms(d.CreatedAt),
		)
		if err != nil {
			if isUniqueViolation(err) {
				return ErrConflict
			}
			return fmt.Errorf("insert device: %w", err)
		}
		return nil
	})
}

// GetDevice retrieves a device by ID
func (s *Store) GetDevice(ctx context.Context, id string) (*types.Device, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+deviceColumns+` FROM devices WHERE device_id = ?`, id)
	return scanDevice(row)
}

// GetDeviceByAlias retrieves a device by its unique alias
func (s *Store) GetDeviceByAlias(ctx context.Context, alias string) (*types.Device, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+deviceColumns+` FROM devices WHERE alias = ?`, alias)
	return scanDevice(row)
}

// GetDeviceByTokenID retrieves a device by the indexed secret fingerprint
func (s *Store) GetDeviceByTokenID(ctx context.Context, tokenID string) (*types.Device, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+deviceColumns+` FROM devices WHERE token_id = ?`, tokenID)
	return scanDevice(row)
}

// ListLegacyDevices returns devices lacking a token_id fingerprint. The
// ingestor migrates these on first successful match.
func (s *Store) ListLegacyDevices(ctx context.Context) ([]*types.Device, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+deviceColumns+` FROM devices WHERE token_id = ''`)
	if err != nil {
		return nil, fmt.Errorf("list legacy devices: %w", err)
	}
	defer rows.Close()

	var out []*types.Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// BackfillTokenID records the fingerprint for a legacy device row
func (s *Store) BackfillTokenID(ctx context.Context, deviceID, tokenID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE devices SET token_id = ? WHERE device_id = ? AND token_id = ''`,
		tokenID, deviceID)
	if err != nil {
		return fmt.Errorf("backfill token_id: %w", err)
	}
	return nil
}

// TouchDevice updates last_seen and, when non-empty, the FCM push token
func (s *Store) TouchDevice(ctx context.Context, deviceID string, seen time.Time, fcmToken string) error {
	var err error
	if fcmToken != "" {
		_, err = s.db.ExecContext(ctx,
			`UPDATE devices SET last_seen = ?, fcm_token = ? WHERE device_id = ?`,
			ms(seen), fcmToken, deviceID)
	} else {
		_, err = s.db.ExecContext(ctx,
			`UPDATE devices SET last_seen = ? WHERE device_id = ?`,
			ms(seen), deviceID)
	}
	if err != nil {
		return fmt.Errorf("touch device: %w", err)
	}
	return nil
}

// UpdateMonitoring replaces the per-device monitoring overrides
func (s *Store) UpdateMonitoring(ctx context.Context, deviceID string, m types.MonitoringSettings) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE devices SET mon_package = ?, mon_app_name = ?, mon_threshold = ?,
			mon_enabled = ?, mon_auto_relaunch = ?, mon_use_defaults = ?
		 WHERE device_id = ?`,
		m.Package, m.AppName, m.ThresholdMin,
		b2i(m.Enabled), b2i(m.AutoRelaunch), b2i(m.UseDefaults), deviceID)
	if err != nil {
		return fmt.Errorf("update monitoring: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// RevokeDevice marks the device secret revoked; heartbeats then fail with 410
func (s *Store) RevokeDevice(ctx context.Context, deviceID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE devices SET token_revoked_at = ? WHERE device_id = ?`,
		ms(at), deviceID)
	if err != nil {
		return fmt.Errorf("revoke device: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListDevices returns all devices
func (s *Store) ListDevices(ctx context.Context) ([]*types.Device, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+deviceColumns+` FROM devices ORDER BY alias`)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()

	var out []*types.Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// CountDevices returns the number of enrolled devices
func (s *Store) CountDevices(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM devices`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count devices: %w", err)
	}
	return n, nil
}
