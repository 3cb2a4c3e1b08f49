package alert

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roostlabs/roost/pkg/config"
	"github.com/roostlabs/roost/pkg/events"
	"github.com/roostlabs/roost/pkg/store"
	"github.com/roostlabs/roost/pkg/types"
)

func newTestEvaluator(t *testing.T, cfg *config.Config) (*Evaluator, *store.Store) {
	t.Helper()
	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	queue := events.NewQueue(64, nil)
	queue.Start()
	t.Cleanup(queue.Stop)

	return NewEvaluator(st, queue, cfg), st
}

func seedDevice(t *testing.T, st *store.Store, id string) {
	t.Helper()
	require.NoError(t, st.CreateDevice(context.Background(), &types.Device{
		ID:         id,
		Alias:      "alias-" + id,
		TokenHash:  "hash",
		TokenID:    "fp-" + id,
		Monitoring: types.MonitoringSettings{UseDefaults: true},
		CreatedAt:  time.Now().UTC(),
	}, ""))
}

func seedLastStatus(t *testing.T, st *store.Store, id string, age time.Duration, battery int) {
	t.Helper()
	require.NoError(t, st.UpsertLastStatus(context.Background(), &types.LastStatus{
		DeviceID:   id,
		LastTS:     time.Now().UTC().Add(-age),
		BatteryPct: battery,
	}))
}

func stateOf(t *testing.T, st *store.Store, id string, cond types.AlertCondition) *types.AlertState {
	t.Helper()
	states, err := st.ListAlertStates(context.Background())
	require.NoError(t, err)
	if states[id] == nil {
		return nil
	}
	return states[id][cond]
}

func TestOfflineRaiseAndRecover(t *testing.T) {
	cfg := config.Default() // 600 s interval, offline past 30 min
	e, st := newTestEvaluator(t, cfg)
	ctx := context.Background()

	seedDevice(t, st, "d1")
	seedLastStatus(t, st, "d1", 2*time.Hour, 90)

	require.NoError(t, e.Tick(ctx))
	s := stateOf(t, st, "d1", types.AlertOffline)
	require.NotNil(t, s)
	assert.Equal(t, types.AlertRaised, s.State)
	assert.Equal(t, 1, s.ConsecutiveViolations)

	// Device reports again: the next tick recovers the alert
	seedLastStatus(t, st, "d1", 0, 90)
	require.NoError(t, e.Tick(ctx))
	s = stateOf(t, st, "d1", types.AlertOffline)
	require.NotNil(t, s)
	assert.Equal(t, types.AlertOK, s.State)
	assert.NotNil(t, s.LastRecoveredAt)
}

func TestNeverSeenDeviceNotOffline(t *testing.T) {
	e, st := newTestEvaluator(t, config.Default())

	seedDevice(t, st, "d1")
	require.NoError(t, e.Tick(context.Background()))
	assert.Nil(t, stateOf(t, st, "d1", types.AlertOffline))
}

func TestRevokedDeviceSkipped(t *testing.T) {
	e, st := newTestEvaluator(t, config.Default())
	ctx := context.Background()

	seedDevice(t, st, "d1")
	seedLastStatus(t, st, "d1", 2*time.Hour, 90)
	require.NoError(t, st.RevokeDevice(ctx, "d1", time.Now().UTC()))

	require.NoError(t, e.Tick(ctx))
	assert.Nil(t, stateOf(t, st, "d1", types.AlertOffline))
}

func TestLowBattery(t *testing.T) {
	e, st := newTestEvaluator(t, config.Default()) // threshold 15
	ctx := context.Background()

	seedDevice(t, st, "d1")
	seedLastStatus(t, st, "d1", 0, 10)

	require.NoError(t, e.Tick(ctx))
	s := stateOf(t, st, "d1", types.AlertLowBattery)
	require.NotNil(t, s)
	assert.Equal(t, types.AlertRaised, s.State)
	assert.Equal(t, "10", s.LastValue)
}

func TestRepeatTickIsIdempotent(t *testing.T) {
	e, st := newTestEvaluator(t, config.Default())
	ctx := context.Background()

	seedDevice(t, st, "d1")
	seedLastStatus(t, st, "d1", 2*time.Hour, 90)

	require.NoError(t, e.Tick(ctx))
	first := stateOf(t, st, "d1", types.AlertOffline)
	require.NotNil(t, first)

	// The violation persists; the second tick writes nothing new
	require.NoError(t, e.Tick(ctx))
	second := stateOf(t, st, "d1", types.AlertOffline)
	require.NotNil(t, second)
	assert.Equal(t, first.ConsecutiveViolations, second.ConsecutiveViolations)
	assert.Equal(t, first.LastRaisedAt.UnixMilli(), second.LastRaisedAt.UnixMilli())
}

func TestCooldownSuppressesReRaise(t *testing.T) {
	cfg := config.Default()
	cfg.Alerts.CooldownSec = 3600
	e, st := newTestEvaluator(t, cfg)
	ctx := context.Background()

	seedDevice(t, st, "d1")
	seedLastStatus(t, st, "d1", 0, 10)

	require.NoError(t, e.Tick(ctx))
	require.Equal(t, types.AlertRaised, stateOf(t, st, "d1", types.AlertLowBattery).State)

	// Battery recovers
	seedLastStatus(t, st, "d1", 0, 50)
	require.NoError(t, e.Tick(ctx))
	require.Equal(t, types.AlertOK, stateOf(t, st, "d1", types.AlertLowBattery).State)

	// Violates again inside the cooldown window: stays quiet
	seedLastStatus(t, st, "d1", 0, 10)
	require.NoError(t, e.Tick(ctx))
	assert.Equal(t, types.AlertOK, stateOf(t, st, "d1", types.AlertLowBattery).State)
}

func TestUnityDownConsecutive(t *testing.T) {
	cfg := config.Default()
	cfg.Alerts.UnityDownConsecutive = true
	e, st := newTestEvaluator(t, cfg)
	ctx := context.Background()

	seedDevice(t, st, "d1")

	now := time.Now().UTC()

	addSample := func(ts time.Time, running bool) {
		v := running
		hb := &types.Heartbeat{DeviceID: "d1", TS: ts, BatteryPct: 90, UnityRunning: &v}
		ls := &types.LastStatus{DeviceID: "d1", LastTS: ts, BatteryPct: 90, UnityRunning: &v}
		_, err := st.IngestHeartbeat(ctx, hb, ls)
		require.NoError(t, err)
	}

	// One bad sample after a good one: unknown, no raise
	addSample(now.Add(-40*time.Second), true)
	addSample(now.Add(-20*time.Second), false)
	require.NoError(t, e.Tick(ctx))
	assert.Nil(t, stateOf(t, st, "d1", types.AlertUnityDown))

	// A second consecutive bad sample raises
	addSample(now, false)
	require.NoError(t, e.Tick(ctx))
	s := stateOf(t, st, "d1", types.AlertUnityDown)
	require.NotNil(t, s)
	assert.Equal(t, types.AlertRaised, s.State)
}

func TestUnityDownSingleSampleMode(t *testing.T) {
	e, st := newTestEvaluator(t, config.Default()) // consecutive off
	ctx := context.Background()

	seedDevice(t, st, "d1")

	v := false
	ts := time.Now().UTC()
	_, err := st.IngestHeartbeat(ctx,
		&types.Heartbeat{DeviceID: "d1", TS: ts, BatteryPct: 90, UnityRunning: &v},
		&types.LastStatus{DeviceID: "d1", LastTS: ts, BatteryPct: 90, UnityRunning: &v})
	require.NoError(t, err)

	require.NoError(t, e.Tick(ctx))
	s := stateOf(t, st, "d1", types.AlertUnityDown)
	require.NotNil(t, s)
	assert.Equal(t, types.AlertRaised, s.State)
}

func TestServiceDownRequiresEnabledMonitoring(t *testing.T) {
	cfg := config.Default() // monitoring disabled by default
	e, st := newTestEvaluator(t, cfg)
	ctx := context.Background()

	seedDevice(t, st, "d1")
	down := false
	require.NoError(t, st.UpsertLastStatus(ctx, &types.LastStatus{
		DeviceID: "d1", LastTS: time.Now().UTC(), BatteryPct: 90, ServiceUp: &down,
	}))

	require.NoError(t, e.Tick(ctx))
	assert.Nil(t, stateOf(t, st, "d1", types.AlertServiceDown))

	// With monitoring enabled the same status raises
	cfg.Monitoring.Enabled = true
	require.NoError(t, e.Tick(ctx))
	s := stateOf(t, st, "d1", types.AlertServiceDown)
	require.NotNil(t, s)
	assert.Equal(t, types.AlertRaised, s.State)
}
