package alert

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/roostlabs/roost/pkg/config"
	"github.com/roostlabs/roost/pkg/events"
	"github.com/roostlabs/roost/pkg/log"
	"github.com/roostlabs/roost/pkg/metrics"
	"github.com/roostlabs/roost/pkg/store"
	"github.com/roostlabs/roost/pkg/types"
)

// recentWindow bounds the heartbeat batch fetch; conditions that need
// samples only look this far back.
const recentWindow = 30 * time.Minute

// verdict is one condition's evaluation for one device.
type verdict struct {
	condition types.AlertCondition
	violated  bool
	known     bool // false = neither raise nor recover
	value     string
}

// Evaluator periodically scans the fleet and transitions alert states
// with hysteresis. It reads heartbeats and last-status but never writes
// them; AlertState rows are its only writes.
type Evaluator struct {
	store  *store.Store
	queue  *events.Queue
	cfg    *config.Config
	logger zerolog.Logger

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewEvaluator creates an alert evaluator.
func NewEvaluator(st *store.Store, queue *events.Queue, cfg *config.Config) *Evaluator {
	return &Evaluator{
		store:  st,
		queue:  queue,
		cfg:    cfg,
		logger: log.WithComponent("alert"),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start begins the tick loop
func (e *Evaluator) Start() {
	go e.loop()
}

// Stop stops the tick loop
func (e *Evaluator) Stop() {
	close(e.stopCh)
	<-e.doneCh
}

func (e *Evaluator) loop() {
	defer close(e.doneCh)

	interval := time.Duration(e.cfg.Alerts.TickSec) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			if err := e.Tick(ctx); err != nil {
				e.logger.Error().Err(err).Msg("Alert evaluation tick failed")
			}
			cancel()
		case <-e.stopCh:
			return
		}
	}
}

// Tick runs one batched evaluation pass. All state is loaded up front;
// per-device failures are isolated and do not abort the pass.
func (e *Evaluator) Tick(ctx context.Context) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.AlertEvalDuration)

	now := time.Now().UTC()

	devices, err := e.store.ListDevices(ctx)
	if err != nil {
		return fmt.Errorf("failed to list devices: %w", err)
	}
	states, err := e.store.ListAlertStates(ctx)
	if err != nil {
		return fmt.Errorf("failed to load alert states: %w", err)
	}
	recent, err := e.store.LatestHeartbeats(ctx, now.Add(-recentWindow), 2)
	if err != nil {
		return fmt.Errorf("failed to load recent heartbeats: %w", err)
	}
	lastStatus, err := e.store.ListLastStatus(ctx)
	if err != nil {
		return fmt.Errorf("failed to load last status: %w", err)
	}

	for _, dev := range devices {
		if dev.TokenRevokedAt != nil {
			continue
		}
		verdicts := e.evaluate(dev, lastStatus[dev.ID], recent[dev.ID], now)
		for _, v := range verdicts {
			if !v.known {
				continue
			}
			if err := e.transition(ctx, dev, states[dev.ID], v, now); err != nil {
				e.logger.Warn().Err(err).
					Str("device_id", dev.ID).
					Str("condition", string(v.condition)).
					Msg("Alert transition failed")
			}
		}
	}
	return nil
}

func (e *Evaluator) evaluate(dev *types.Device, ls *types.LastStatus, recent []*types.Heartbeat, now time.Time) []verdict {
	out := make([]verdict, 0, 4)

	// offline: requires at least one heartbeat ever; never-seen devices
	// are not offline
	if ls != nil {
		age := now.Sub(ls.LastTS)
		out = append(out, verdict{
			condition: types.AlertOffline,
			violated:  age > e.cfg.OfflineThreshold(),
			known:     true,
			value:     age.Truncate(time.Second).String(),
		})

		out = append(out, verdict{
			condition: types.AlertLowBattery,
			violated:  ls.BatteryPct < e.cfg.Alerts.BatteryLowPct,
			known:     true,
			value:     strconv.Itoa(ls.BatteryPct),
		})
	}

	out = append(out, e.evaluateUnity(recent))
	out = append(out, e.evaluateService(dev, ls))
	return out
}

// evaluateUnity looks at the newest samples in the recent window. In
// consecutive mode two samples must agree before a raise.
func (e *Evaluator) evaluateUnity(recent []*types.Heartbeat) verdict {
	v := verdict{condition: types.AlertUnityDown}
	if len(recent) == 0 || recent[0].UnityRunning == nil {
		return v
	}

	if *recent[0].UnityRunning {
		return verdict{condition: types.AlertUnityDown, violated: false, known: true, value: "true"}
	}

	if e.cfg.Alerts.UnityDownConsecutive {
		if len(recent) < 2 || recent[1].UnityRunning == nil {
			return v
		}
		if *recent[1].UnityRunning {
			// one bad sample, not two in a row; no change either way
			return v
		}
	}
	return verdict{condition: types.AlertUnityDown, violated: true, known: true, value: "false"}
}

func (e *Evaluator) evaluateService(dev *types.Device, ls *types.LastStatus) verdict {
	v := verdict{condition: types.AlertServiceDown}

	enabled := dev.Monitoring.Enabled
	if dev.Monitoring.UseDefaults {
		enabled = e.cfg.Monitoring.Enabled
	}
	if !enabled || ls == nil || ls.ServiceUp == nil {
		return v
	}
	return verdict{
		condition: types.AlertServiceDown,
		violated:  !*ls.ServiceUp,
		known:     true,
		value:     strconv.FormatBool(*ls.ServiceUp),
	}
}

// transition applies one verdict with hysteresis. Idempotent: when the
// stored state already matches, nothing is written or emitted.
func (e *Evaluator) transition(ctx context.Context, dev *types.Device, states map[types.AlertCondition]*types.AlertState, v verdict, now time.Time) error {
	var cur *types.AlertState
	if states != nil {
		cur = states[v.condition]
	}

	raised := cur != nil && cur.State == types.AlertRaised

	switch {
	case v.violated && !raised:
		if cur != nil && cur.CooldownUntil != nil && now.Before(*cur.CooldownUntil) {
			return nil
		}
		cooldown := now.Add(time.Duration(e.cfg.Alerts.CooldownSec) * time.Second)
		next := &types.AlertState{
			DeviceID:              dev.ID,
			Condition:             v.condition,
			State:                 types.AlertRaised,
			LastRaisedAt:          &now,
			CooldownUntil:         &cooldown,
			ConsecutiveViolations: consecutiveOf(cur) + 1,
			LastValue:             v.value,
		}
		if cur != nil {
			next.LastRecoveredAt = cur.LastRecoveredAt
		}
		if err := e.store.UpsertAlertState(ctx, next); err != nil {
			return err
		}
		metrics.AlertTransitionsTotal.WithLabelValues(string(v.condition), "raise").Inc()
		e.queue.Publish(&events.Event{
			Type:     events.EventAlertRaised,
			DeviceID: dev.ID,
			Message:  fmt.Sprintf("%s raised for %s", v.condition, dev.Alias),
			Metadata: map[string]string{"condition": string(v.condition), "value": v.value},
		})

	case !v.violated && raised:
		next := &types.AlertState{
			DeviceID:        dev.ID,
			Condition:       v.condition,
			State:           types.AlertOK,
			LastRaisedAt:    cur.LastRaisedAt,
			LastRecoveredAt: &now,
			CooldownUntil:   cur.CooldownUntil,
			LastValue:       v.value,
		}
		if err := e.store.UpsertAlertState(ctx, next); err != nil {
			return err
		}
		metrics.AlertTransitionsTotal.WithLabelValues(string(v.condition), "recover").Inc()
		e.queue.Publish(&events.Event{
			Type:     events.EventAlertRecovered,
			DeviceID: dev.ID,
			Message:  fmt.Sprintf("%s recovered for %s", v.condition, dev.Alias),
			Metadata: map[string]string{"condition": string(v.condition), "value": v.value},
		})
	}
	return nil
}

func consecutiveOf(s *types.AlertState) int {
	if s == nil {
		return 0
	}
	return s.ConsecutiveViolations
}
