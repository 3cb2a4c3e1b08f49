package registry

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roostlabs/roost/pkg/config"
	"github.com/roostlabs/roost/pkg/events"
	"github.com/roostlabs/roost/pkg/metrics"
	"github.com/roostlabs/roost/pkg/store"
	"github.com/roostlabs/roost/pkg/token"
	"github.com/roostlabs/roost/pkg/types"
)

func newTestRegistry(t *testing.T, cfg *config.Config) (*Registry, *store.Store) {
	t.Helper()
	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	queue := events.NewQueue(64, nil)
	queue.Start()
	t.Cleanup(queue.Stop)

	return NewRegistry(st, queue, cfg), st
}

func TestRegister(t *testing.T) {
	r, st := newTestRegistry(t, config.Default())
	ctx := context.Background()

	reg, err := r.Register(ctx, "kiosk-1", "hw-123", "")
	require.NoError(t, err)
	assert.NotEmpty(t, reg.DeviceID)
	assert.Len(t, reg.DeviceToken, 64)

	// The returned secret authenticates against the stored hash; the
	// secret itself is never stored
	dev, err := st.GetDevice(ctx, reg.DeviceID)
	require.NoError(t, err)
	assert.True(t, token.Verify(reg.DeviceToken, dev.TokenHash))
	assert.Equal(t, token.Fingerprint(reg.DeviceToken), dev.TokenID)
	assert.True(t, dev.Monitoring.UseDefaults)
}

func TestRegisterDuplicateAlias(t *testing.T) {
	r, _ := newTestRegistry(t, config.Default())
	ctx := context.Background()

	_, err := r.Register(ctx, "kiosk-1", "", "")
	require.NoError(t, err)

	_, err = r.Register(ctx, "kiosk-1", "", "")
	assert.ErrorIs(t, err, ErrAliasTaken)
}

func TestRegisterAliasBounds(t *testing.T) {
	r, _ := newTestRegistry(t, config.Default())
	ctx := context.Background()

	_, err := r.Register(ctx, "", "", "")
	assert.ErrorIs(t, err, ErrInvalidAlias)

	_, err = r.Register(ctx, strings.Repeat("x", 201), "", "")
	assert.ErrorIs(t, err, ErrInvalidAlias)

	_, err = r.Register(ctx, strings.Repeat("x", 200), "", "")
	assert.NoError(t, err)
}

func TestRegisterSaturation(t *testing.T) {
	cfg := config.Default()
	cfg.Registry.Capacity = 2
	cfg.Registry.AdmitTimeoutSec = 1
	r, _ := newTestRegistry(t, cfg)

	// Hold the whole admission budget
	require.NoError(t, r.sem.Acquire(context.Background(), 2))

	start := time.Now()
	_, err := r.Register(context.Background(), "kiosk-1", "", "")
	assert.ErrorIs(t, err, ErrSaturated)
	assert.GreaterOrEqual(t, time.Since(start), time.Second, "waited for the admit timeout")

	// Freed capacity admits again
	r.sem.Release(2)
	_, err = r.Register(context.Background(), "kiosk-1", "", "")
	assert.NoError(t, err)
}

func TestRegisterConcurrent(t *testing.T) {
	cfg := config.Default()
	cfg.Registry.Capacity = 4
	r, st := newTestRegistry(t, cfg)

	var wg sync.WaitGroup
	errs := make([]error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = r.Register(context.Background(), fmt.Sprintf("kiosk-%02d", i), "", "")
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		assert.NoError(t, err, "registration %d", i)
	}
	n, err := st.CountDevices(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 20, n)
}

func TestEnrollmentTokenFlow(t *testing.T) {
	r, _ := newTestRegistry(t, config.Default())
	ctx := context.Background()

	grant, err := r.CreateEnrollmentToken(ctx, "kiosk-1", time.Hour, 1)
	require.NoError(t, err)
	assert.NotEmpty(t, grant.Secret)

	tok, err := r.ResolveEnrollmentToken(ctx, grant.Secret)
	require.NoError(t, err)
	assert.Equal(t, "kiosk-1", tok.Alias)

	// Registering through the token consumes it
	_, err = r.Register(ctx, tok.Alias, "", tok.TokenID)
	require.NoError(t, err)

	_, err = r.ResolveEnrollmentToken(ctx, grant.Secret)
	assert.ErrorIs(t, err, ErrInvalidEnrollment)
}

func TestEnrollmentTokenExpiry(t *testing.T) {
	r, _ := newTestRegistry(t, config.Default())
	ctx := context.Background()

	grant, err := r.CreateEnrollmentToken(ctx, "kiosk-1", -time.Minute, 1)
	require.NoError(t, err)

	_, err = r.ResolveEnrollmentToken(ctx, grant.Secret)
	assert.ErrorIs(t, err, ErrInvalidEnrollment)
}

func TestEnrollmentTokenBadSecret(t *testing.T) {
	r, _ := newTestRegistry(t, config.Default())
	ctx := context.Background()

	_, err := r.CreateEnrollmentToken(ctx, "kiosk-1", time.Hour, 1)
	require.NoError(t, err)

	other, err := token.NewSecret()
	require.NoError(t, err)
	_, err = r.ResolveEnrollmentToken(ctx, other)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestEnrollmentTokenRevoked(t *testing.T) {
	r, st := newTestRegistry(t, config.Default())
	ctx := context.Background()

	grant, err := r.CreateEnrollmentToken(ctx, "kiosk-1", time.Hour, 1)
	require.NoError(t, err)
	require.NoError(t, st.RevokeEnrollmentToken(ctx, grant.TokenID))

	_, err = r.ResolveEnrollmentToken(ctx, grant.Secret)
	assert.ErrorIs(t, err, ErrInvalidEnrollment)

	_, err = r.Register(ctx, "kiosk-1", "", grant.TokenID)
	assert.ErrorIs(t, err, store.ErrTokenExhausted)
}

func TestDevicesGaugeSeededFromStore(t *testing.T) {
	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		dev := &types.Device{
			ID:        fmt.Sprintf("d%d", i),
			Alias:     fmt.Sprintf("kiosk-%d", i),
			TokenHash: fmt.Sprintf("hash-%d", i),
			TokenID:   fmt.Sprintf("fp-%d", i),
			CreatedAt: time.Now().UTC(),
		}
		require.NoError(t, st.CreateDevice(ctx, dev, ""))
	}

	queue := events.NewQueue(64, nil)
	queue.Start()
	t.Cleanup(queue.Stop)

	// Construction picks up devices enrolled by earlier processes
	r := NewRegistry(st, queue, config.Default())
	assert.Equal(t, float64(3), testutil.ToFloat64(metrics.DevicesTotal))

	_, err = r.Register(ctx, "kiosk-new", "", "")
	require.NoError(t, err)
	assert.Equal(t, float64(4), testutil.ToFloat64(metrics.DevicesTotal))
}
