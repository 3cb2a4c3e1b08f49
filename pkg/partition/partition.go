package partition

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/roostlabs/roost/pkg/archive"
	"github.com/roostlabs/roost/pkg/config"
	"github.com/roostlabs/roost/pkg/events"
	"github.com/roostlabs/roost/pkg/log"
	"github.com/roostlabs/roost/pkg/metrics"
	"github.com/roostlabs/roost/pkg/store"
	"github.com/roostlabs/roost/pkg/types"
)

const (
	createAheadDays = 14
	analyzeDays     = 7
	lockTTL         = 30 * time.Minute
)

// Manager runs the daily partition lifecycle: create tables ahead of
// time, archive partitions past retention, drop what has been archived,
// and refresh planner statistics on recent days.
type Manager struct {
	store   *store.Store
	backend archive.Backend
	queue   *events.Queue
	cfg     config.HeartbeatConfig
	owner   string
	logger  zerolog.Logger

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewManager creates a partition lifecycle manager. owner identifies this
// process in the advisory lock table.
func NewManager(st *store.Store, backend archive.Backend, queue *events.Queue, cfg config.HeartbeatConfig, owner string) *Manager {
	return &Manager{
		store:   st,
		backend: backend,
		queue:   queue,
		cfg:     cfg,
		owner:   owner,
		logger:  log.WithComponent("partition"),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Start schedules the nightly run. The first run fires at the next
// 02:00 UTC and then every 24 hours.
func (m *Manager) Start() {
	go m.loop()
}

// Stop stops the scheduler
func (m *Manager) Stop() {
	close(m.stopCh)
	<-m.doneCh
}

func (m *Manager) loop() {
	defer close(m.doneCh)

	timer := time.NewTimer(untilNextRun(time.Now().UTC()))
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			ctx, cancel := context.WithTimeout(context.Background(), lockTTL)
			if err := m.Run(ctx); err != nil {
				m.logger.Error().Err(err).Msg("Nightly partition run failed")
			}
			cancel()
			timer.Reset(untilNextRun(time.Now().UTC()))
		case <-m.stopCh:
			return
		}
	}
}

func untilNextRun(now time.Time) time.Duration {
	next := time.Date(now.Year(), now.Month(), now.Day(), 2, 0, 0, 0, time.UTC)
	if !next.After(now) {
		next = next.Add(24 * time.Hour)
	}
	return next.Sub(now)
}

// Run executes one lifecycle pass under the nightly advisory lock.
// If another process holds the lock the pass is skipped, not queued.
func (m *Manager) Run(ctx context.Context) error {
	if err := m.store.TryAdvisoryLock(ctx, store.LockNightly, m.owner, lockTTL); err != nil {
		if errors.Is(err, store.ErrLockHeld) {
			m.logger.Info().Msg("Nightly run skipped, lock held by another process")
			m.queue.Publish(&events.Event{
				Type:    events.EventNightlySkipped,
				Message: "nightly partition run skipped: advisory lock held",
			})
			return nil
		}
		return err
	}
	defer func() {
		if err := m.store.ReleaseAdvisoryLock(context.Background(), store.LockNightly, m.owner); err != nil {
			m.logger.Warn().Err(err).Msg("Failed to release nightly lock")
		}
	}()

	today := time.Now().UTC()

	var firstErr error
	if err := m.createAhead(ctx, today); err != nil {
		firstErr = err
	}
	if err := m.retire(ctx, today); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := m.analyzeRecent(ctx, today); err != nil && firstErr == nil {
		firstErr = err
	}

	if firstErr != nil {
		m.queue.Publish(&events.Event{
			Type:    events.EventNightlyFailed,
			Message: firstErr.Error(),
		})
	}
	return firstErr
}

// createAhead ensures partition tables exist for today through
// today+createAheadDays, so midnight ingest never races table creation.
func (m *Manager) createAhead(ctx context.Context, today time.Time) error {
	for i := 0; i <= createAheadDays; i++ {
		day := today.AddDate(0, 0, i)
		created, err := m.store.EnsurePartition(ctx, day)
		if err != nil {
			metrics.PartitionOpsTotal.WithLabelValues("create", "error").Inc()
			return fmt.Errorf("failed to create partition for %s: %w", day.Format("2006-01-02"), err)
		}
		if created {
			metrics.PartitionOpsTotal.WithLabelValues("create", "ok").Inc()
			m.logger.Info().Str("partition", store.PartitionNameFor(day)).Msg("Created heartbeat partition")
		}
	}
	return nil
}

// retire archives then drops every active partition whose day is older
// than the retention cutoff. A failed archive marks the partition and
// keeps the data; the drop never runs without a verified archive.
func (m *Manager) retire(ctx context.Context, today time.Time) error {
	cutoff := today.Truncate(24 * time.Hour).AddDate(0, 0, -m.cfg.RetentionDays)

	parts, err := m.store.ListPartitions(ctx)
	if err != nil {
		return err
	}

	var firstErr error
	for _, p := range parts {
		if !p.RangeStart.Before(cutoff) {
			continue
		}
		switch p.State {
		case types.PartitionActive, types.PartitionArchiveFailed:
			if err := m.archiveAndDrop(ctx, p); err != nil {
				m.logger.Error().Err(err).Str("partition", p.Name).Msg("Failed to retire partition")
				if firstErr == nil {
					firstErr = err
				}
			}
		case types.PartitionArchived:
			if err := m.drop(ctx, p.Name); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (m *Manager) archiveAndDrop(ctx context.Context, p *types.Partition) error {
	url, result, err := m.archivePartition(ctx, p.Name)
	if err != nil {
		metrics.PartitionOpsTotal.WithLabelValues("archive", "error").Inc()
		if markErr := m.store.MarkPartitionArchiveFailed(ctx, p.Name); markErr != nil {
			m.logger.Warn().Err(markErr).Str("partition", p.Name).Msg("Failed to mark archive failure")
		}
		return fmt.Errorf("failed to archive %s: %w", p.Name, err)
	}

	if err := m.store.MarkPartitionArchived(ctx, p.Name, result.RowCount, int64(len(result.Data)), result.Checksum, url, time.Now().UTC()); err != nil {
		return err
	}
	metrics.PartitionOpsTotal.WithLabelValues("archive", "ok").Inc()
	m.logger.Info().
		Str("partition", p.Name).
		Int64("rows", result.RowCount).
		Str("checksum", result.Checksum).
		Msg("Archived heartbeat partition")

	return m.drop(ctx, p.Name)
}

func (m *Manager) archivePartition(ctx context.Context, name string) (string, *archive.Result, error) {
	enc, err := archive.NewEncoder()
	if err != nil {
		return "", nil, err
	}
	if err := m.store.StreamPartitionRows(ctx, name, enc.Add); err != nil {
		return "", nil, err
	}
	result, err := enc.Finish()
	if err != nil {
		return "", nil, err
	}
	url, err := archive.Store(ctx, m.backend, name, result)
	if err != nil {
		return "", nil, err
	}
	return url, result, nil
}

func (m *Manager) drop(ctx context.Context, name string) error {
	if err := m.store.DropPartition(ctx, name, time.Now().UTC()); err != nil {
		metrics.PartitionOpsTotal.WithLabelValues("drop", "error").Inc()
		return fmt.Errorf("failed to drop %s: %w", name, err)
	}
	metrics.PartitionOpsTotal.WithLabelValues("drop", "ok").Inc()
	m.logger.Info().Str("partition", name).Msg("Dropped heartbeat partition")
	return nil
}

func (m *Manager) analyzeRecent(ctx context.Context, today time.Time) error {
	for i := 0; i < analyzeDays; i++ {
		name := store.PartitionNameFor(today.AddDate(0, 0, -i))
		p, err := m.store.GetPartition(ctx, name)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return err
		}
		if p.State != types.PartitionActive {
			continue
		}
		if err := m.store.AnalyzePartition(ctx, name); err != nil {
			return err
		}
	}
	return nil
}
