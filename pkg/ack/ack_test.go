package ack

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roostlabs/roost/pkg/store"
	"github.com/roostlabs/roost/pkg/types"
)

func newTestReceiver(t *testing.T) (*Receiver, *store.Store) {
	t.Helper()
	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return NewReceiver(st), st
}

func seedDispatch(t *testing.T, st *store.Store, requestID, deviceID, execID string) {
	t.Helper()
	ctx := context.Background()
	if execID != "" {
		_ = st.CreateExec(ctx, &types.Exec{
			ID: execID, Mode: "shell", Action: "remote_exec_shell",
			TargetCount: 1, CreatedAt: time.Now().UTC(),
		})
	}
	require.NoError(t, st.CreateDispatch(ctx, &types.Dispatch{
		RequestID: requestID,
		DeviceID:  deviceID,
		Action:    "ping",
		SentAt:    time.Now().UTC(),
		Status:    types.DispatchSent,
		ExecID:    execID,
	}))
}

func TestHandleAck(t *testing.T) {
	r, st := newTestReceiver(t)
	ctx := context.Background()
	dev := &types.Device{ID: "d1"}
	seedDispatch(t, st, "r1", "d1", "")

	out, err := r.Handle(ctx, dev, &Ack{RequestID: "r1", Status: "OK", Message: "pong"})
	require.NoError(t, err)
	assert.False(t, out.Idempotent)

	got, err := st.GetDispatch(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, types.DispatchCompleted, got.Status)
	assert.Equal(t, "OK", got.Result)
	assert.Equal(t, "pong", got.ResultMsg)
}

func TestHandleAckIdempotent(t *testing.T) {
	r, st := newTestReceiver(t)
	ctx := context.Background()
	dev := &types.Device{ID: "d1"}
	seedDispatch(t, st, "r1", "d1", "e1")

	_, err := r.Handle(ctx, dev, &Ack{RequestID: "r1", Status: "OK"})
	require.NoError(t, err)

	// A duplicate ack is acknowledged without mutating the row
	out, err := r.Handle(ctx, dev, &Ack{RequestID: "r1", Status: "ERROR", Error: "late retry"})
	require.NoError(t, err)
	assert.True(t, out.Idempotent)

	got, err := st.GetDispatch(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "OK", got.Result)

	exec, err := st.GetExec(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, 1, exec.AckedCount, "counter moves once per dispatch")
	assert.Equal(t, 0, exec.ErrorCount)
}

func TestHandleAckRejections(t *testing.T) {
	r, st := newTestReceiver(t)
	ctx := context.Background()
	seedDispatch(t, st, "r1", "d1", "")

	_, err := r.Handle(ctx, &types.Device{ID: "d1"}, &Ack{RequestID: "ghost", Status: "OK"})
	assert.ErrorIs(t, err, ErrUnknownRequest)

	// Another authenticated device cannot complete d1's dispatch
	_, err = r.Handle(ctx, &types.Device{ID: "d2"}, &Ack{RequestID: "r1", Status: "OK"})
	assert.ErrorIs(t, err, ErrDeviceMismatch)

	got, err := st.GetDispatch(ctx, "r1")
	require.NoError(t, err)
	assert.Nil(t, got.CompletedAt)
}

// TestFailureStatusMapping pins which device-reported statuses count as
// failures for exec error counters.
func TestFailureStatusMapping(t *testing.T) {
	tests := []struct {
		status string
		failed bool
	}{
		{"ok", false},
		{"OK", false},
		{"Success", false},
		{"completed", false},
		{"done", false},
		{"error", true},
		{"FAILED", true},
		{"timeout", true},
		{"", true},
	}

	for _, tt := range tests {
		t.Run("status "+tt.status, func(t *testing.T) {
			assert.Equal(t, tt.failed, isFailure(tt.status))
		})
	}
}

func TestHandleRemoteExec(t *testing.T) {
	r, st := newTestReceiver(t)
	ctx := context.Background()
	dev := &types.Device{ID: "d1"}
	seedDispatch(t, st, "e1-d1", "d1", "e1")

	out, err := r.HandleRemoteExec(ctx, dev, &RemoteExecAck{
		ExecID:        "e1",
		DeviceID:      "d1",
		CorrelationID: "e1-d1",
		Status:        "error",
		Error:         "exit code 1",
	})
	require.NoError(t, err)
	assert.False(t, out.Idempotent)

	exec, err := st.GetExec(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, 1, exec.AckedCount)
	assert.Equal(t, 1, exec.ErrorCount)
}

func TestHandleRemoteExecCorrelationBinding(t *testing.T) {
	r, st := newTestReceiver(t)
	ctx := context.Background()
	seedDispatch(t, st, "e1-d1", "d1", "e1")

	tests := []struct {
		name string
		dev  string
		ack  RemoteExecAck
	}{
		{"correlation for another device", "d1",
			RemoteExecAck{ExecID: "e1", DeviceID: "d1", CorrelationID: "e1-d2", Status: "ok"}},
		{"device claims someone else's id", "d2",
			RemoteExecAck{ExecID: "e1", DeviceID: "d1", CorrelationID: "e1-d1", Status: "ok"}},
		{"exec id swapped", "d1",
			RemoteExecAck{ExecID: "e2", DeviceID: "d1", CorrelationID: "e1-d1", Status: "ok"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.HandleRemoteExec(ctx, &types.Device{ID: tt.dev}, &tt.ack)
			assert.ErrorIs(t, err, ErrCorrelationMismatch)
		})
	}

	got, err := st.GetDispatch(ctx, "e1-d1")
	require.NoError(t, err)
	assert.Nil(t, got.CompletedAt)
}

func TestResultMessagePriority(t *testing.T) {
	a := &Ack{Message: "m", Error: "e", Output: "o"}
	assert.Equal(t, "m", resultMessage(a))
	a.Message = ""
	assert.Equal(t, "e", resultMessage(a))
	a.Error = ""
	assert.Equal(t, "o", resultMessage(a))
}
