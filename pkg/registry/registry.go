package registry

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/roostlabs/roost/pkg/config"
	"github.com/roostlabs/roost/pkg/events"
	"github.com/roostlabs/roost/pkg/log"
	"github.com/roostlabs/roost/pkg/metrics"
	"github.com/roostlabs/roost/pkg/store"
	"github.com/roostlabs/roost/pkg/token"
	"github.com/roostlabs/roost/pkg/types"
)

var (
	// ErrSaturated means the admission queue timed out; the caller
	// should back off and retry.
	ErrSaturated = errors.New("registration capacity saturated")

	// ErrInvalidAlias rejects aliases outside the 1-200 char range.
	ErrInvalidAlias = errors.New("alias must be 1-200 characters")

	// ErrAliasTaken means another device already holds the alias.
	ErrAliasTaken = errors.New("alias already registered")

	// ErrInvalidEnrollment covers unknown, expired, revoked, and
	// exhausted enrollment tokens with one opaque shape.
	ErrInvalidEnrollment = errors.New("invalid enrollment token")
)

// Registration is the one-time answer to a successful enrollment. The
// secret is never stored and cannot be recovered later.
type Registration struct {
	DeviceID    string
	DeviceToken string
}

// Registry admits new devices under a fixed concurrency budget.
type Registry struct {
	store  *store.Store
	queue  *events.Queue
	cfg    *config.Config
	sem    *semaphore.Weighted
	logger zerolog.Logger
}

// NewRegistry creates a registration gate with capacity from config.
func NewRegistry(st *store.Store, queue *events.Queue, cfg *config.Config) *Registry {
	r := &Registry{
		store:  st,
		queue:  queue,
		cfg:    cfg,
		sem:    semaphore.NewWeighted(int64(cfg.Registry.Capacity)),
		logger: log.WithComponent("registry"),
	}
	// Seed the fleet gauge from the store so it reports enrolled devices,
	// not just registrations since this process started.
	if n, err := st.CountDevices(context.Background()); err == nil {
		metrics.DevicesTotal.Set(float64(n))
	} else {
		r.logger.Warn().Err(err).Msg("Device count seed failed")
	}
	return r
}

// Register enrolls a new device. Callers queue on the admission
// semaphore up to the configured timeout; saturation surfaces as
// ErrSaturated rather than unbounded queueing. enrollTokenID is the
// consuming enrollment token, empty for admin-key registrations.
func (r *Registry) Register(ctx context.Context, alias, hardwareID, enrollTokenID string) (*Registration, error) {
	if len(alias) < 1 || len(alias) > 200 {
		return nil, ErrInvalidAlias
	}

	admitCtx, cancel := context.WithTimeout(ctx, time.Duration(r.cfg.Registry.AdmitTimeoutSec)*time.Second)
	defer cancel()

	wait := metrics.NewTimer()
	if err := r.sem.Acquire(admitCtx, 1); err != nil {
		metrics.RegistrationQueueWait.Observe(wait.Duration().Seconds())
		return nil, ErrSaturated
	}
	defer r.sem.Release(1)
	metrics.RegistrationQueueWait.Observe(wait.Duration().Seconds())

	metrics.RegistrationsInFlight.Inc()
	defer metrics.RegistrationsInFlight.Dec()

	secret, err := token.NewSecret()
	if err != nil {
		return nil, err
	}

	dev := &types.Device{
		ID:         uuid.New().String(),
		Alias:      alias,
		HardwareID: hardwareID,
		TokenHash:  token.Hash(secret),
		TokenID:    token.Fingerprint(secret),
		Monitoring: r.defaultsSnapshot(),
		CreatedAt:  time.Now().UTC(),
	}

	if err := r.store.CreateDevice(ctx, dev, enrollTokenID); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, ErrAliasTaken
		}
		return nil, err
	}

	metrics.DevicesTotal.Inc()
	r.queue.Publish(&events.Event{
		Type:     events.EventDeviceEnrolled,
		DeviceID: dev.ID,
		Message:  "device enrolled: " + alias,
	})
	r.logger.Info().Str("device_id", dev.ID).Str("alias", alias).Msg("Device registered")

	return &Registration{DeviceID: dev.ID, DeviceToken: secret}, nil
}

// defaultsSnapshot seeds a new device with the monitoring defaults in
// force at enrollment time. UseDefaults stays true so later changes to
// the fleet defaults apply; the snapshot is the recorded starting point.
func (r *Registry) defaultsSnapshot() types.MonitoringSettings {
	return types.MonitoringSettings{
		Package:      r.cfg.Monitoring.Package,
		AppName:      r.cfg.Monitoring.AppName,
		ThresholdMin: r.cfg.Monitoring.ThresholdMin,
		Enabled:      r.cfg.Monitoring.Enabled,
		AutoRelaunch: r.cfg.Monitoring.AutoRelaunch,
		UseDefaults:  true,
	}
}
