package reconcile

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/roostlabs/roost/pkg/config"
	"github.com/roostlabs/roost/pkg/events"
	"github.com/roostlabs/roost/pkg/ingest"
	"github.com/roostlabs/roost/pkg/log"
	"github.com/roostlabs/roost/pkg/metrics"
	"github.com/roostlabs/roost/pkg/store"
	"github.com/roostlabs/roost/pkg/types"
)

const (
	interval       = time.Hour
	lockTTL        = 10 * time.Minute
	defaultMaxRows = 500
)

// Job repairs last-status projection drift against the authoritative
// heartbeat history. Safe to run alongside live ingest because the
// upsert is last-writer-wins by timestamp.
type Job struct {
	store   *store.Store
	queue   *events.Queue
	cfg     *config.Config
	owner   string
	maxRows int
	logger  zerolog.Logger

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewJob creates the reconciliation job. owner identifies this process
// in the advisory lock table.
func NewJob(st *store.Store, queue *events.Queue, cfg *config.Config, owner string) *Job {
	return &Job{
		store:   st,
		queue:   queue,
		cfg:     cfg,
		owner:   owner,
		maxRows: defaultMaxRows,
		logger:  log.WithComponent("reconcile"),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Start begins the hourly loop
func (j *Job) Start() {
	go j.loop()
}

// Stop stops the loop
func (j *Job) Stop() {
	close(j.stopCh)
	<-j.doneCh
}

func (j *Job) loop() {
	defer close(j.doneCh)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), lockTTL)
			if err := j.Run(ctx); err != nil {
				j.logger.Error().Err(err).Msg("Reconciliation run failed")
			}
			cancel()
		case <-j.stopCh:
			return
		}
	}
}

// Run executes one reconciliation pass under the advisory lock,
// repairing up to maxRows drifted devices. Contended runs are skipped.
func (j *Job) Run(ctx context.Context) error {
	if err := j.store.TryAdvisoryLock(ctx, store.LockReconcile, j.owner, lockTTL); err != nil {
		if errors.Is(err, store.ErrLockHeld) {
			j.logger.Info().Msg("Reconciliation skipped, lock held by another process")
			j.queue.Publish(&events.Event{
				Type:    events.EventReconcileSkipped,
				Message: "reconciliation skipped: advisory lock held",
			})
			return nil
		}
		return err
	}
	defer func() {
		if err := j.store.ReleaseAdvisoryLock(context.Background(), store.LockReconcile, j.owner); err != nil {
			j.logger.Warn().Err(err).Msg("Failed to release reconcile lock")
		}
	}()

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ReconcileDuration)

	devices, err := j.store.ListDevices(ctx)
	if err != nil {
		return err
	}
	lastStatus, err := j.store.ListLastStatus(ctx)
	if err != nil {
		return err
	}

	repaired := 0
	for _, dev := range devices {
		if repaired >= j.maxRows {
			break
		}

		hb, err := j.store.LatestHeartbeatFor(ctx, dev.ID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			j.logger.Warn().Err(err).Str("device_id", dev.ID).Msg("Failed to load latest heartbeat")
			continue
		}

		cur := lastStatus[dev.ID]
		if cur != nil && !cur.LastTS.Before(hb.TS) {
			continue
		}

		if err := j.repair(ctx, dev, cur, hb); err != nil {
			j.logger.Warn().Err(err).Str("device_id", dev.ID).Msg("Failed to repair last status")
			continue
		}
		repaired++
	}

	if repaired > 0 {
		j.logger.Info().Int("repaired", repaired).Msg("Reconciliation pass complete")
	}
	return nil
}

// repair rebuilds the projection from the newest heartbeat. The upsert
// is guarded by timestamp in the store, so a concurrent live ingest with
// a newer heartbeat wins.
func (j *Job) repair(ctx context.Context, dev *types.Device, cur *types.LastStatus, hb *types.Heartbeat) error {
	settings := ingest.EffectiveSettings(j.cfg, dev)
	installed := settings.Package != "" && hb.ForegroundRecentS != nil

	ls := &types.LastStatus{
		DeviceID:           dev.ID,
		LastTS:             hb.TS,
		BatteryPct:         hb.BatteryPct,
		NetworkType:        hb.NetworkType,
		SignalDBM:          hb.SignalDBM,
		UnityRunning:       hb.UnityRunning,
		ServiceUp:          ingest.DeriveUp(installed, hb.ForegroundRecentS, settings.ThresholdMin),
		ForegroundRecentS:  hb.ForegroundRecentS,
		MonitoredPackage:   settings.Package,
		MonitoredThreshold: settings.ThresholdMin,
		AgentVersion:       hb.AgentVersion,
		IP:                 hb.IP,
	}
	if err := j.store.UpsertLastStatus(ctx, ls); err != nil {
		return err
	}

	metrics.ReconcileRepairsTotal.Inc()
	meta := map[string]string{"new_ts": hb.TS.UTC().Format(time.RFC3339)}
	if cur != nil {
		meta["old_ts"] = cur.LastTS.UTC().Format(time.RFC3339)
	} else {
		meta["old_ts"] = "none"
	}
	j.queue.Publish(&events.Event{
		Type:     events.EventReconcileRepair,
		DeviceID: dev.ID,
		Metadata: meta,
	})
	return nil
}
