package ingest

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/roostlabs/roost/pkg/config"
	"github.com/roostlabs/roost/pkg/events"
	"github.com/roostlabs/roost/pkg/log"
	"github.com/roostlabs/roost/pkg/metrics"
	"github.com/roostlabs/roost/pkg/store"
	"github.com/roostlabs/roost/pkg/token"
	"github.com/roostlabs/roost/pkg/types"
)

var (
	// ErrUnauthorized is returned for any credential mismatch. The shape
	// is identical for unknown fingerprints and bad secrets so callers
	// learn nothing about which part failed.
	ErrUnauthorized = errors.New("invalid device credentials")

	// ErrDeviceRevoked is returned when the device token has been revoked.
	ErrDeviceRevoked = errors.New("device token revoked")
)

const batteryCriticalPct = 5

// Relauncher enqueues a launch_app dispatch when the monitored app has
// fallen out of the foreground. Implemented by the command dispatcher.
type Relauncher interface {
	EnqueueLaunch(deviceID, packageName string)
}

// Submission is a decoded telemetry payload from a device.
type Submission struct {
	BatteryPct        int
	NetworkType       string
	SignalDBM         int
	RAMFreeMB         int
	AgentVersion      string
	IP                string
	Status            string
	FCMToken          string
	InstalledPackages []string
	// ForegroundRecentS maps package name to seconds since the package
	// was last in the foreground. Negative means unknown.
	ForegroundRecentS map[string]int
}

// Result reports the outcome of one ingestion.
type Result struct {
	Created bool
}

// Ingestor authenticates devices and applies heartbeat submissions with
// bucket dedup and dual-write semantics.
type Ingestor struct {
	store      *store.Store
	queue      *events.Queue
	cfg        *config.Config
	relauncher Relauncher
	logger     zerolog.Logger
}

// NewIngestor creates a heartbeat ingestor. relauncher may be nil when
// auto-relaunch is disabled fleet-wide.
func NewIngestor(st *store.Store, queue *events.Queue, cfg *config.Config, relauncher Relauncher) *Ingestor {
	return &Ingestor{
		store:      st,
		queue:      queue,
		cfg:        cfg,
		relauncher: relauncher,
		logger:     log.WithComponent("ingest"),
	}
}

// Authenticate resolves a device from its bearer secret. The fingerprint
// gives a point lookup; devices enrolled before fingerprints existed are
// matched by hash scan and backfilled on first contact.
func (i *Ingestor) Authenticate(ctx context.Context, secret string) (*types.Device, error) {
	if secret == "" {
		return nil, ErrUnauthorized
	}

	fp := token.Fingerprint(secret)
	dev, err := i.store.GetDeviceByTokenID(ctx, fp)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		dev, err = i.authenticateLegacy(ctx, secret, fp)
		if err != nil {
			return nil, err
		}
	}

	if !token.Verify(secret, dev.TokenHash) {
		return nil, ErrUnauthorized
	}
	if dev.TokenRevokedAt != nil {
		return nil, ErrDeviceRevoked
	}
	return dev, nil
}

func (i *Ingestor) authenticateLegacy(ctx context.Context, secret, fp string) (*types.Device, error) {
	legacy, err := i.store.ListLegacyDevices(ctx)
	if err != nil {
		return nil, err
	}
	for _, dev := range legacy {
		if token.Verify(secret, dev.TokenHash) {
			if err := i.store.BackfillTokenID(ctx, dev.ID, fp); err != nil {
				i.logger.Warn().Err(err).Str("device_id", dev.ID).Msg("Failed to backfill token fingerprint")
			}
			return dev, nil
		}
	}
	return nil, ErrUnauthorized
}

// Ingest applies one authenticated submission: bucket-deduped history
// insert and last-status upsert in a single transaction, then async
// eventing. Never blocks on event consumers.
func (i *Ingestor) Ingest(ctx context.Context, dev *types.Device, sub *Submission) (*Result, error) {
	timer := metrics.NewTimer()
	now := time.Now().UTC()

	settings := EffectiveSettings(i.cfg, dev)
	installed := contains(sub.InstalledPackages, settings.Package)
	serviceUp := DeriveUp(installed, foregroundFor(sub, settings.Package), settings.ThresholdMin)
	unityRunning := DeriveUp(
		contains(sub.InstalledPackages, types.UnityPackage),
		foregroundFor(sub, types.UnityPackage),
		types.UnityThresholdMin,
	)

	hb := &types.Heartbeat{
		DeviceID:          dev.ID,
		TS:                now,
		BatteryPct:        sub.BatteryPct,
		NetworkType:       sub.NetworkType,
		SignalDBM:         sub.SignalDBM,
		RAMFreeMB:         sub.RAMFreeMB,
		UnityRunning:      unityRunning,
		ForegroundRecentS: foregroundFor(sub, settings.Package),
		AgentVersion:      sub.AgentVersion,
		IP:                sub.IP,
		Status:            sub.Status,
	}
	ls := &types.LastStatus{
		DeviceID:           dev.ID,
		LastTS:             now,
		BatteryPct:         sub.BatteryPct,
		NetworkType:        sub.NetworkType,
		SignalDBM:          sub.SignalDBM,
		UnityRunning:       unityRunning,
		ServiceUp:          serviceUp,
		ForegroundRecentS:  foregroundFor(sub, settings.Package),
		MonitoredPackage:   settings.Package,
		MonitoredThreshold: settings.ThresholdMin,
		AgentVersion:       sub.AgentVersion,
		IP:                 sub.IP,
	}

	prev, err := i.store.GetLastStatus(ctx, dev.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	created, err := i.store.IngestHeartbeat(ctx, hb, ls)
	if err != nil {
		metrics.HeartbeatsTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	if created {
		metrics.HeartbeatsTotal.WithLabelValues("created").Inc()
	} else {
		metrics.HeartbeatsTotal.WithLabelValues("deduped").Inc()
	}

	if err := i.store.TouchDevice(ctx, dev.ID, now, sub.FCMToken); err != nil {
		i.logger.Warn().Err(err).Str("device_id", dev.ID).Msg("Failed to update device last-seen")
	}

	i.publishTransitions(dev, prev, ls)

	if settings.AutoRelaunch && installed && serviceUp != nil && !*serviceUp && i.relauncher != nil {
		i.relauncher.EnqueueLaunch(dev.ID, settings.Package)
	}

	timer.ObserveDuration(metrics.HeartbeatIngestDuration)
	return &Result{Created: created}, nil
}

// EffectiveSettings resolves per-device monitoring overrides against the
// process defaults.
func EffectiveSettings(cfg *config.Config, dev *types.Device) types.MonitoringDefaults {
	if dev.Monitoring.UseDefaults {
		return types.MonitoringDefaults{
			Package:      cfg.Monitoring.Package,
			AppName:      cfg.Monitoring.AppName,
			ThresholdMin: cfg.Monitoring.ThresholdMin,
			Enabled:      cfg.Monitoring.Enabled,
			AutoRelaunch: cfg.Monitoring.AutoRelaunch,
		}
	}
	return types.MonitoringDefaults{
		Package:      dev.Monitoring.Package,
		AppName:      dev.Monitoring.AppName,
		ThresholdMin: dev.Monitoring.ThresholdMin,
		Enabled:      dev.Monitoring.Enabled,
		AutoRelaunch: dev.Monitoring.AutoRelaunch,
	}
}

// DeriveUp implements the service-up state table: unknown when the
// package is missing or recency is unknown, up when the package was
// foreground within the threshold, down otherwise.
func DeriveUp(installed bool, foregroundS *int, thresholdMin int) *bool {
	if !installed || foregroundS == nil || *foregroundS < 0 {
		return nil
	}
	up := *foregroundS <= thresholdMin*60
	return &up
}

func foregroundFor(sub *Submission, pkg string) *int {
	if pkg == "" || sub.ForegroundRecentS == nil {
		return nil
	}
	v, ok := sub.ForegroundRecentS[pkg]
	if !ok {
		return nil
	}
	return &v
}

func contains(list []string, s string) bool {
	if s == "" {
		return false
	}
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func (i *Ingestor) publishTransitions(dev *types.Device, prev, cur *types.LastStatus) {
	if prev == nil {
		i.queue.Publish(&events.Event{
			Type:     events.EventDeviceOnline,
			DeviceID: dev.ID,
			Message:  "first heartbeat received",
		})
		return
	}

	if time.Since(prev.LastTS) > i.cfg.OfflineThreshold() {
		i.queue.Publish(&events.Event{
			Type:     events.EventDeviceOnline,
			DeviceID: dev.ID,
			Message:  "device back online",
			Metadata: map[string]string{"offline_since": prev.LastTS.UTC().Format(time.RFC3339)},
		})
	}

	low := i.cfg.Alerts.BatteryLowPct
	if prev.BatteryPct >= low && cur.BatteryPct < low {
		evType := events.EventBatteryLow
		if cur.BatteryPct < batteryCriticalPct {
			evType = events.EventBatteryCritical
		}
		i.queue.Publish(&events.Event{
			Type:     evType,
			DeviceID: dev.ID,
			Metadata: map[string]string{"battery_pct": strconv.Itoa(cur.BatteryPct)},
		})
	}

	if prev.NetworkType != "" && cur.NetworkType != "" && prev.NetworkType != cur.NetworkType {
		i.queue.Publish(&events.Event{
			Type:     events.EventNetworkChanged,
			DeviceID: dev.ID,
			Metadata: map[string]string{"from": prev.NetworkType, "to": cur.NetworkType},
		})
	}
}
