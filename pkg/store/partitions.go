package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roostlabs/roost/pkg/types"
)

const partitionColumns = `partition_name, range_start, range_end, state,
	row_count, bytes_size, checksum_sha256, archive_url,
	created_at, archived_at, dropped_at`

func scanPartition(row rowScanner) (*types.Partition, error) {
	var p types.Partition
	var rangeStart, rangeEnd, createdAt int64
	var archivedAt, droppedAt sql.NullInt64
	err := row.Scan(
		&p.Name, &rangeStart, &rangeEnd, &p.State,
		&p.RowCount, &p.BytesSize, &p.Checksum, &p.ArchiveURL,
		&createdAt, &archivedAt, &droppedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan partition: %w", err)
	}
	p.RangeStart = fromMS(rangeStart)
	p.RangeEnd = fromMS(rangeEnd)
	p.CreatedAt = fromMS(createdAt)
	if archivedAt.Valid {
		t := fromMS(archivedAt.Int64)
		p.ArchivedAt = &t
	}
	if droppedAt.Valid {
		t := fromMS(droppedAt.Int64)
		p.DroppedAt = &t
	}
	return &p, nil
}

// GetPartition retrieves partition metadata by name
func (s *Store) GetPartition(ctx context.Context, name string) (*types.Partition, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+partitionColumns+` FROM heartbeat_partitions WHERE partition_name = ?`, name)
	return scanPartition(row)
}

// ListPartitions returns all partition metadata rows, oldest first
func (s *Store) ListPartitions(ctx context.Context) ([]*types.Partition, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+partitionColumns+` FROM heartbeat_partitions ORDER BY range_start`)
	if err != nil {
		return nil, fmt.Errorf("list partitions: %w", err)
	}
	defer rows.Close()

	var out []*types.Partition
	for rows.Next() {
		p, err := scanPartition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// CountPartitionRows counts rows in one partition table
func (s *Store) CountPartitionRows(ctx context.Context, name string) (int64, error) {
	if !partitionNameRe.MatchString(name) {
		return 0, fmt.Errorf("invalid partition name %q", name)
	}
	var n int64
	q := fmt.Sprintf(`SELECT COUNT(1) FROM %s`, name)
	if err := s.db.QueryRowContext(ctx, q).Scan(&n); err != nil {
		return 0, fmt.Errorf("count partition rows: %w", err)
	}
	return n, nil
}

// StreamPartitionRows yields every heartbeat of a partition in deterministic
// order (device_id, ts). The archive step depends on this ordering so the
// produced CSV bytes, and therefore the checksum, are reproducible.
func (s *Store) StreamPartitionRows(ctx context.Context, name string, fn func(*types.Heartbeat) error) error {
	if !partitionNameRe.MatchString(name) {
		return fmt.Errorf("invalid partition name %q", name)
	}
	q := fmt.Sprintf(`SELECT `+heartbeatColumns+` FROM %s ORDER BY device_id, ts`, name)
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return fmt.Errorf("stream partition %s: %w", name, err)
	}
	defer rows.Close()

	for rows.Next() {
		hb, err := scanHeartbeat(rows)
		if err != nil {
			return err
		}
		if err := fn(hb); err != nil {
			return err
		}
	}
	return rows.Err()
}

// MarkPartitionArchived records a successful archive upload
func (s *Store) MarkPartitionArchived(ctx context.Context, name string, rowCount, bytesSize int64, checksum, url string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE heartbeat_partitions
		 SET state = 'archived', row_count = ?, bytes_size = ?,
			checksum_sha256 = ?, archive_url = ?, archived_at = ?
		 WHERE partition_name = ?`,
		rowCount, bytesSize, checksum, url, ms(at), name)
	if err != nil {
		return fmt.Errorf("mark partition archived: %w", err)
	}
	return nil
}

// MarkPartitionArchiveFailed flags a failed archive; the partition is never
// dropped in this state and the next run retries.
func (s *Store) MarkPartitionArchiveFailed(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE heartbeat_partitions SET state = 'archive_failed'
		 WHERE partition_name = ? AND state != 'dropped'`, name)
	if err != nil {
		return fmt.Errorf("mark partition archive_failed: %w", err)
	}
	return nil
}

// DropPartition drops the partition table and marks the metadata row. The
// caller gates this on state=archived with checksum and archive URL present;
// the WHERE clause enforces the same invariant a second time.
func (s *Store) DropPartition(ctx context.Context, name string, at time.Time) error {
	if !partitionNameRe.MatchString(name) {
		return fmt.Errorf("invalid partition name %q", name)
	}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE heartbeat_partitions SET state = 'dropped', dropped_at = ?
			 WHERE partition_name = ? AND state = 'archived'
				AND archive_url != '' AND checksum_sha256 != ''`,
			ms(at), name)
		if err != nil {
			return fmt.Errorf("mark partition dropped: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("partition %s not eligible for drop: %w", name, ErrConflict)
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s`, name)); err != nil {
			return fmt.Errorf("drop partition table %s: %w", name, err)
		}
		return nil
	})
	if err == nil {
		s.ensuredMu.Lock()
		delete(s.ensured, name)
		s.ensuredMu.Unlock()
	}
	return err
}

// AnalyzePartition refreshes planner statistics for one partition table
func (s *Store) AnalyzePartition(ctx context.Context, name string) error {
	if !partitionNameRe.MatchString(name) {
		return fmt.Errorf("invalid partition name %q", name)
	}
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`ANALYZE %s`, name)); err != nil {
		return fmt.Errorf("analyze partition %s: %w", name, err)
	}
	return nil
}
