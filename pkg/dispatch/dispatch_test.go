package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roostlabs/roost/pkg/events"
	"github.com/roostlabs/roost/pkg/store"
	"github.com/roostlabs/roost/pkg/types"
)

// fakePusher records delivered payloads in place of the push provider.
type fakePusher struct {
	mu     sync.Mutex
	pushed []map[string]string
	fail   bool
}

func (f *fakePusher) Push(_ context.Context, _ string, data map[string]string) (*PushResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return &PushResult{HTTPCode: 503}, errors.New("provider unavailable")
	}
	f.pushed = append(f.pushed, data)
	return &PushResult{HTTPCode: 200, MessageID: fmt.Sprintf("msg-%d", len(f.pushed)), Latency: 5 * time.Millisecond}, nil
}

func (f *fakePusher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pushed)
}

func newTestDispatcher(t *testing.T, pusher Pusher) (*Dispatcher, *store.Store) {
	t.Helper()
	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	queue := events.NewQueue(64, nil)
	queue.Start()
	t.Cleanup(queue.Stop)

	return NewDispatcher(st, pusher, queue, newTestValidator(), "server-hmac-key"), st
}

func seedDevice(t *testing.T, st *store.Store, id string, fcmToken string) {
	t.Helper()
	require.NoError(t, st.CreateDevice(context.Background(), &types.Device{
		ID:        id,
		Alias:     "alias-" + id,
		TokenHash: "hash",
		TokenID:   "fp-" + id,
		FCMToken:  fcmToken,
		CreatedAt: time.Now().UTC(),
	}, ""))
}

func TestDispatchLedgerBeforePush(t *testing.T) {
	pusher := &fakePusher{}
	d, st := newTestDispatcher(t, pusher)
	ctx := context.Background()
	seedDevice(t, st, "d1", "tok-1")

	row, idempotent, err := d.Dispatch(ctx, Request{DeviceID: "d1", Action: ActionPing})
	require.NoError(t, err)
	assert.False(t, idempotent)
	assert.Equal(t, types.DispatchSent, row.Status)
	assert.Equal(t, 200, row.HTTPCode)
	assert.Equal(t, 1, pusher.count())

	// The payload carries the signature fields a device needs to verify
	data := pusher.pushed[0]
	assert.Equal(t, ActionPing, data["action"])
	assert.Equal(t, row.RequestID, data["request_id"])
	assert.Equal(t, "d1", data["device_id"])
	assert.NotEmpty(t, data["ts"])
	assert.Len(t, data["hmac"], 64)

	stored, err := st.GetDispatch(ctx, row.RequestID)
	require.NoError(t, err)
	assert.Equal(t, types.DispatchSent, stored.Status)
	assert.NotEmpty(t, stored.PayloadHash)
}

func TestDispatchIdempotentRetry(t *testing.T) {
	pusher := &fakePusher{}
	d, st := newTestDispatcher(t, pusher)
	ctx := context.Background()
	seedDevice(t, st, "d1", "tok-1")

	first, _, err := d.Dispatch(ctx, Request{RequestID: "r1", DeviceID: "d1", Action: ActionRing})
	require.NoError(t, err)

	// Same request_id, same fields: nothing new is pushed
	second, idempotent, err := d.Dispatch(ctx, Request{RequestID: "r1", DeviceID: "d1", Action: ActionRing})
	require.NoError(t, err)
	assert.True(t, idempotent)
	assert.Equal(t, first.RequestID, second.RequestID)
	assert.Equal(t, 1, pusher.count())

	// Same request_id, different fields: caller bug
	_, _, err = d.Dispatch(ctx, Request{RequestID: "r1", DeviceID: "d2", Action: ActionRing})
	assert.ErrorIs(t, err, ErrRequestMismatch)
}

func TestDispatchErrors(t *testing.T) {
	pusher := &fakePusher{}
	d, st := newTestDispatcher(t, pusher)
	ctx := context.Background()
	seedDevice(t, st, "no-push", "")

	_, _, err := d.Dispatch(ctx, Request{DeviceID: "d1", Action: "format_disk"})
	assert.ErrorIs(t, err, ErrUnknownAction)

	_, _, err = d.Dispatch(ctx, Request{DeviceID: "ghost", Action: ActionPing})
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, _, err = d.Dispatch(ctx, Request{DeviceID: "no-push", Action: ActionPing})
	assert.ErrorIs(t, err, ErrNoPushEndpoint)
}

func TestDispatchPushFailureRecorded(t *testing.T) {
	pusher := &fakePusher{fail: true}
	d, st := newTestDispatcher(t, pusher)
	ctx := context.Background()
	seedDevice(t, st, "d1", "tok-1")

	row, _, err := d.Dispatch(ctx, Request{RequestID: "r1", DeviceID: "d1", Action: ActionPing})
	require.Error(t, err)
	assert.Equal(t, types.DispatchFailed, row.Status)

	// The ledger row survives the failed push with the provider code
	stored, err := st.GetDispatch(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, types.DispatchFailed, stored.Status)
	assert.Equal(t, 503, stored.HTTPCode)
}

func TestDispatchBulkFanOut(t *testing.T) {
	pusher := &fakePusher{}
	d, st := newTestDispatcher(t, pusher)
	ctx := context.Background()

	ids := make([]string, 0, 25)
	for i := 0; i < 25; i++ {
		id := fmt.Sprintf("d%02d", i)
		seedDevice(t, st, id, "tok-"+id)
		ids = append(ids, id)
	}
	// One device with no push endpoint fails, the rest proceed
	seedDevice(t, st, "dead", "")
	ids = append(ids, "dead")

	res, err := d.DispatchBulk(ctx, BulkRequest{Mode: "fcm", DeviceIDs: ids})
	require.NoError(t, err)
	assert.Equal(t, 25, res.Sent)
	assert.Equal(t, 1, res.Failed)

	exec, err := st.GetExec(ctx, res.ExecID)
	require.NoError(t, err)
	assert.Equal(t, 26, exec.TargetCount)

	// Each device got its own derived request id
	row, err := st.GetDispatch(ctx, res.ExecID+"-d00")
	require.NoError(t, err)
	assert.Equal(t, res.ExecID, row.ExecID)
	assert.Equal(t, ActionRemoteExec, row.Action)
}

func TestDispatchBulkShellValidation(t *testing.T) {
	pusher := &fakePusher{}
	d, st := newTestDispatcher(t, pusher)
	ctx := context.Background()
	seedDevice(t, st, "d1", "tok-1")

	// Rejected commands never reach the ledger or the provider
	_, err := d.DispatchBulk(ctx, BulkRequest{
		Mode: "shell", Command: "rm -rf /data", DeviceIDs: []string{"d1"},
	})
	var rej *ErrShellRejected
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, 0, pusher.count())

	res, err := d.DispatchBulk(ctx, BulkRequest{
		Mode: "shell", Command: "svc wifi enable", DeviceIDs: []string{"d1"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Sent)

	data := pusher.pushed[0]
	assert.Equal(t, ActionRemoteShell, data["action"])
	assert.Equal(t, "svc wifi enable", data["command"])
}

func TestDispatchBulkDryRun(t *testing.T) {
	pusher := &fakePusher{}
	d, st := newTestDispatcher(t, pusher)
	ctx := context.Background()
	seedDevice(t, st, "d1", "tok-1")

	res, err := d.DispatchBulk(ctx, BulkRequest{
		Mode: "shell", Command: "svc wifi enable", DeviceIDs: []string{"d1"}, DryRun: true,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, res.ExecID)
	assert.Equal(t, 0, pusher.count())

	_, err = st.GetExec(ctx, res.ExecID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSignatureVerifiableFromPayload(t *testing.T) {
	pusher := &fakePusher{}
	d, st := newTestDispatcher(t, pusher)
	ctx := context.Background()
	seedDevice(t, st, "d1", "tok-1")

	_, _, err := d.Dispatch(ctx, Request{
		DeviceID: "d1",
		Action:   ActionWifiConnect,
		Params:   map[string]string{"ssid": "lobby", "password": "hunter2"},
	})
	require.NoError(t, err)

	// Reproduce the device-side verification from the delivered payload
	data := pusher.pushed[0]
	var ts int64
	_, err = fmt.Sscanf(data["ts"], "%d", &ts)
	require.NoError(t, err)

	canonical := CanonicalString(data["request_id"], data["device_id"], data["action"], ts,
		map[string]string{"ssid": data["ssid"], "password": data["password"]})
	assert.True(t, VerifySignature("server-hmac-key", canonical, data["hmac"]))
}
