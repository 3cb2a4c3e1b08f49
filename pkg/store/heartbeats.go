package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/roostlabs/roost/pkg/types"
)

// Daily heartbeat partitions are plain tables named heartbeats_YYYYMMDD.
// SQLite has no native table partitioning, so the router below resolves a
// query window to the set of day tables it intersects and unions them.

var partitionNameRe = regexp.MustCompile(`^heartbeats_\d{8}$`)

// PartitionNameFor returns the partition table name covering t
func PartitionNameFor(t time.Time) string {
	return "heartbeats_" + t.UTC().Format("20060102")
}

// PartitionRange returns the UTC [midnight, midnight+24h) window for t's day
func PartitionRange(t time.Time) (time.Time, time.Time) {
	u := t.UTC()
	start := time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
	return start, start.Add(24 * time.Hour)
}

const heartbeatColumns = `device_id, ts, battery_pct, network_type, unity_running,
	signal_dbm, ram_free_mb, foreground_recent_s, agent_version, ip, status`

// EnsurePartition creates the daily partition table and its metadata row for
// the day containing t. Idempotent: re-running is a no-op. Returns true when
// the partition was newly created.
func (s *Store) EnsurePartition(ctx context.Context, t time.Time) (bool, error) {
	name := PartitionNameFor(t)
	start, end := PartitionRange(t)

	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		device_id           TEXT NOT NULL,
		ts                  INTEGER NOT NULL,
		battery_pct         INTEGER NOT NULL DEFAULT 0,
		network_type        TEXT NOT NULL DEFAULT '',
		unity_running       INTEGER,
		signal_dbm          INTEGER NOT NULL DEFAULT 0,
		ram_free_mb         INTEGER NOT NULL DEFAULT 0,
		foreground_recent_s INTEGER,
		agent_version       TEXT NOT NULL DEFAULT '',
		ip                  TEXT NOT NULL DEFAULT '',
		status              TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (device_id, ts)
	)`, name)

	created := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create partition %s: %w", name, err)
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO heartbeat_partitions
				(partition_name, range_start, range_end, state, created_at)
			 VALUES (?, ?, ?, 'active', ?)
			 ON CONFLICT(partition_name) DO NOTHING`,
			name, ms(start), ms(end), ms(time.Now()))
		if err != nil {
			return fmt.Errorf("record partition %s: %w", name, err)
		}
		n, _ := res.RowsAffected()
		created = n > 0
		return nil
	})
	if err == nil {
		s.ensuredMu.Lock()
		s.ensured[name] = struct{}{}
		s.ensuredMu.Unlock()
	}
	return created, err
}

// ensurePartitionCached skips the DDL transaction when the partition is
// already known to this process. The nightly create-ahead pass primes the
// cache, so steady-state ingest never touches DDL.
func (s *Store) ensurePartitionCached(ctx context.Context, t time.Time) error {
	name := PartitionNameFor(t)
	s.ensuredMu.Lock()
	_, ok := s.ensured[name]
	s.ensuredMu.Unlock()
	if ok {
		return nil
	}
	_, err := s.EnsurePartition(ctx, t)
	return err
}

// IngestHeartbeat writes the heartbeat row with 10-second bucket dedup and
// upserts the last-status projection, all in one transaction. The returned
// bool reports whether a history row was actually inserted.
//
// The dedup insert is a single statement: concurrent identical submissions
// within one bucket leave exactly one row. Buckets are 10 s aligned and a
// UTC day is a whole number of buckets, so a bucket never spans partitions.
func (s *Store) IngestHeartbeat(ctx context.Context, hb *types.Heartbeat, ls *types.LastStatus) (bool, error) {
	name := PartitionNameFor(hb.TS)
	if !partitionNameRe.MatchString(name) {
		return false, fmt.Errorf("invalid partition name %q", name)
	}
	if err := s.ensurePartitionCached(ctx, hb.TS); err != nil {
		return false, err
	}

	bucketStart := hb.TS.UTC().Truncate(10 * time.Second)
	bucketEnd := bucketStart.Add(10 * time.Second)

	created := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		insert := fmt.Sprintf(`INSERT INTO %s (`+heartbeatColumns+`)
			SELECT ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?
			WHERE NOT EXISTS (
				SELECT 1 FROM %s WHERE device_id = ? AND ts >= ? AND ts < ?
			)`, name, name)

		res, err := tx.ExecContext(ctx, insert,
			hb.DeviceID, ms(hb.TS), hb.BatteryPct, hb.NetworkType,
			nullBool(hb.UnityRunning), hb.SignalDBM, hb.RAMFreeMB,
			nullInt(hb.ForegroundRecentS), hb.AgentVersion, hb.IP, hb.Status,
			hb.DeviceID, ms(bucketStart), ms(bucketEnd),
		)
		if err != nil {
			return fmt.Errorf("insert heartbeat: %w", err)
		}
		n, _ := res.RowsAffected()
		created = n > 0

		return upsertLastStatus(ctx, tx, ls)
	})
	return created, err
}

// upsertLastStatus is last-writer-wins by last_ts: a strictly newer
// projection row is never overwritten by an older heartbeat.
func upsertLastStatus(ctx context.Context, tx *sql.Tx, ls *types.LastStatus) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO device_last_status
			(device_id, last_ts, battery_pct, network_type, signal_dbm,
			 unity_running, service_up, foreground_recent_s,
			 monitored_package, monitored_threshold, agent_version, ip)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(device_id) DO UPDATE SET
			last_ts = excluded.last_ts,
			battery_pct = excluded.battery_pct,
			network_type = excluded.network_type,
			signal_dbm = excluded.signal_dbm,
			unity_running = excluded.unity_running,
			service_up = excluded.service_up,
			foreground_recent_s = excluded.foreground_recent_s,
			monitored_package = excluded.monitored_package,
			monitored_threshold = excluded.monitored_threshold,
			agent_version = excluded.agent_version,
			ip = excluded.ip
		 WHERE excluded.last_ts >= device_last_status.last_ts`,
		ls.DeviceID, ms(ls.LastTS), ls.BatteryPct, ls.NetworkType, ls.SignalDBM,
		nullBool(ls.UnityRunning), nullBool(ls.ServiceUp), nullInt(ls.ForegroundRecentS),
		ls.MonitoredPackage, ls.MonitoredThreshold, ls.AgentVersion, ls.IP,
	)
	if err != nil {
		return fmt.Errorf("upsert last status: %w", err)
	}
	return nil
}

// UpsertLastStatus applies the projection outside an ingest transaction.
// Used by the reconciliation job; the same last-writer-wins guard applies.
func (s *Store) UpsertLastStatus(ctx context.Context, ls *types.LastStatus) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return upsertLastStatus(ctx, tx, ls)
	})
}

// GetLastStatus retrieves the projection row for a device
func (s *Store) GetLastStatus(ctx context.Context, deviceID string) (*types.LastStatus, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT device_id, last_ts, battery_pct, network_type, signal_dbm,
			unity_running, service_up, foreground_recent_s,
			monitored_package, monitored_threshold, agent_version, ip
		 FROM device_last_status WHERE device_id = ?`, deviceID)
	ls, err := scanLastStatus(row)
	if err != nil {
		return nil, err
	}
	return ls, nil
}

// ListLastStatus returns the projection rows for the whole fleet
func (s *Store) ListLastStatus(ctx context.Context) (map[string]*types.LastStatus, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT device_id, last_ts, battery_pct, network_type, signal_dbm,
			unity_running, service_up, foreground_recent_s,
			monitored_package, monitored_threshold, agent_version, ip
		 FROM device_last_status`)
	if err != nil {
		return nil, fmt.Errorf("list last status: %w", err)
	}
	defer rows.Close()

	out := make(map[string]*types.LastStatus)
	for rows.Next() {
		ls, err := scanLastStatus(rows)
		if err != nil {
			return nil, err
		}
		out[ls.DeviceID] = ls
	}
	return out, rows.Err()
}

func scanLastStatus(row rowScanner) (*types.LastStatus, error) {
	var ls types.LastStatus
	var lastTS int64
	var unity, serviceUp sql.NullInt64
	var fg sql.NullInt64
	err := row.Scan(
		&ls.DeviceID, &lastTS, &ls.BatteryPct, &ls.NetworkType, &ls.SignalDBM,
		&unity, &serviceUp, &fg,
		&ls.MonitoredPackage, &ls.MonitoredThreshold, &ls.AgentVersion, &ls.IP,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan last status: %w", err)
	}
	ls.LastTS = fromMS(lastTS)
	ls.UnityRunning = boolPtr(unity)
	ls.ServiceUp = boolPtr(serviceUp)
	ls.ForegroundRecentS = intPtr(fg)
	return &ls, nil
}

// QueryHeartbeats returns heartbeats for a device in [from, to), pruned to
// the partitions the window intersects.
func (s *Store) QueryHeartbeats(ctx context.Context, deviceID string, from, to time.Time) ([]*types.Heartbeat, error) {
	names, err := s.existingPartitionsBetween(ctx, from, to)
	if err != nil {
		return nil, err
	}

	var out []*types.Heartbeat
	for _, name := range names {
		q := fmt.Sprintf(`SELECT `+heartbeatColumns+` FROM %s
			WHERE device_id = ? AND ts >= ? AND ts < ? ORDER BY ts`, name)
		rows, err := s.db.QueryContext(ctx, q, deviceID, ms(from), ms(to))
		if err != nil {
			return nil, fmt.Errorf("query partition %s: %w", name, err)
		}
		for rows.Next() {
			hb, err := scanHeartbeat(rows)
			if err != nil {
				rows.Close()
				return nil, err
			}
			out = append(out, hb)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}
	return out, nil
}

// LatestHeartbeats batch-fetches up to perDevice most recent heartbeats per
// device since the given cutoff, using a window function over the unioned
// partitions the window intersects. Keyed by device ID, newest first.
func (s *Store) LatestHeartbeats(ctx context.Context, since time.Time, perDevice int) (map[string][]*types.Heartbeat, error) {
	names, err := s.existingPartitionsBetween(ctx, since, time.Now().UTC().Add(time.Minute))
	if err != nil {
		return nil, err
	}
	out := make(map[string][]*types.Heartbeat)
	if len(names) == 0 {
		return out, nil
	}

	var unions []string
	for _, name := range names {
		unions = append(unions,
			fmt.Sprintf(`SELECT `+heartbeatColumns+` FROM %s WHERE ts >= ?`, name))
	}
	inner := strings.Join(unions, " UNION ALL ")
	q := `SELECT ` + heartbeatColumns + ` FROM (
		SELECT *, ROW_NUMBER() OVER (PARTITION BY device_id ORDER BY ts DESC) AS rn
		FROM (` + inner + `)
	) WHERE rn <= ? ORDER BY device_id, ts DESC`

	args := make([]any, 0, len(names)+1)
	for range names {
		args = append(args, ms(since))
	}
	args = append(args, perDevice)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query latest heartbeats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		hb, err := scanHeartbeat(rows)
		if err != nil {
			return nil, err
		}
		out[hb.DeviceID] = append(out[hb.DeviceID], hb)
	}
	return out, rows.Err()
}

// LatestHeartbeatFor returns the most recent heartbeat for one device,
// scanning partitions newest-first; ErrNotFound when history is empty.
func (s *Store) LatestHeartbeatFor(ctx context.Context, deviceID string) (*types.Heartbeat, error) {
	names, err := s.existingPartitionNames(ctx)
	if err != nil {
		return nil, err
	}
	// newest day first
	for i := len(names) - 1; i >= 0; i-- {
		q := fmt.Sprintf(`SELECT `+heartbeatColumns+` FROM %s
			WHERE device_id = ? ORDER BY ts DESC LIMIT 1`, names[i])
		row := s.db.QueryRowContext(ctx, q, deviceID)
		hb, err := scanHeartbeat(row)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		return hb, nil
	}
	return nil, ErrNotFound
}

func scanHeartbeat(row rowScanner) (*types.Heartbeat, error) {
	var hb types.Heartbeat
	var ts int64
	var unity, fg sql.NullInt64
	err := row.Scan(
		&hb.DeviceID, &ts, &hb.BatteryPct, &hb.NetworkType, &unity,
		&hb.SignalDBM, &hb.RAMFreeMB, &fg, &hb.AgentVersion, &hb.IP, &hb.Status,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan heartbeat: %w", err)
	}
	hb.TS = fromMS(ts)
	hb.UnityRunning = boolPtr(unity)
	hb.ForegroundRecentS = intPtr(fg)
	return &hb, nil
}

// existingPartitionsBetween returns the non-dropped partition tables whose
// day range intersects [from, to), oldest first.
func (s *Store) existingPartitionsBetween(ctx context.Context, from, to time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT partition_name FROM heartbeat_partitions
		 WHERE state != 'dropped' AND range_end > ? AND range_start < ?
		 ORDER BY range_start`,
		ms(from), ms(to))
	if err != nil {
		return nil, fmt.Errorf("list partitions: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		if partitionNameRe.MatchString(name) {
			names = append(names, name)
		}
	}
	return names, rows.Err()
}

func (s *Store) existingPartitionNames(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT partition_name FROM heartbeat_partitions
		 WHERE state != 'dropped' ORDER BY range_start`)
	if err != nil {
		return nil, fmt.Errorf("list partitions: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		if partitionNameRe.MatchString(name) {
			names = append(names, name)
		}
	}
	return names, rows.Err()
}

func nullBool(b *bool) any {
	if b == nil {
		return nil
	}
	return b2i(*b)
}

func nullInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func boolPtr(v sql.NullInt64) *bool {
	if !v.Valid {
		return nil
	}
	b := v.Int64 != 0
	return &b
}

func intPtr(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	i := int(v.Int64)
	return &i
}
