package ack

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/roostlabs/roost/pkg/log"
	"github.com/roostlabs/roost/pkg/metrics"
	"github.com/roostlabs/roost/pkg/store"
	"github.com/roostlabs/roost/pkg/types"
)

var (
	// ErrUnknownRequest means no dispatch ledger row exists for the
	// presented request_id.
	ErrUnknownRequest = errors.New("unknown request_id")

	// ErrDeviceMismatch means the authenticated device is not the one
	// the dispatch was addressed to.
	ErrDeviceMismatch = errors.New("dispatch belongs to another device")

	// ErrCorrelationMismatch means a remote-exec reply carried a
	// correlation id that does not bind the exec to this device.
	ErrCorrelationMismatch = errors.New("correlation id does not match exec and device")
)

// Ack is a device's reported outcome for one dispatch.
type Ack struct {
	RequestID string
	Status    string
	ExitCode  *int
	Output    string
	Error     string
	Message   string
}

// RemoteExecAck is the stricter reply shape for remote-exec dispatches.
type RemoteExecAck struct {
	ExecID        string
	DeviceID      string
	CorrelationID string
	Status        string
	ExitCode      *int
	Output        string
	Error         string
}

// Outcome reports how an ack was applied.
type Outcome struct {
	Idempotent bool
}

// Receiver closes the loop on dispatches when devices report outcomes.
type Receiver struct {
	store  *store.Store
	logger zerolog.Logger
}

// NewReceiver creates an ack receiver.
func NewReceiver(st *store.Store) *Receiver {
	return &Receiver{store: st, logger: log.WithComponent("ack")}
}

// Handle applies one ack. Completion is write-once: a repeated ack for
// the same request_id is acknowledged without mutation. Parent exec
// counters move by atomic SQL increments inside the completion
// transaction, so concurrent acks never lose updates.
func (r *Receiver) Handle(ctx context.Context, dev *types.Device, a *Ack) (*Outcome, error) {
	d, err := r.store.GetDispatch(ctx, a.RequestID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			metrics.AcksTotal.WithLabelValues("unknown").Inc()
			return nil, ErrUnknownRequest
		}
		return nil, err
	}
	if d.DeviceID != dev.ID {
		metrics.AcksTotal.WithLabelValues("mismatch").Inc()
		r.logger.Warn().
			Str("request_id", a.RequestID).
			Str("device_id", dev.ID).
			Str("owner", d.DeviceID).
			Msg("Ack rejected, device mismatch")
		return nil, ErrDeviceMismatch
	}
	if d.CompletedAt != nil {
		metrics.AcksTotal.WithLabelValues("idempotent").Inc()
		return &Outcome{Idempotent: true}, nil
	}

	failed := isFailure(a.Status)
	err = r.store.CompleteDispatch(ctx, a.RequestID, a.Status, resultMessage(a), failed, time.Now().UTC())
	if err != nil {
		if errors.Is(err, store.ErrAlreadyCompleted) {
			metrics.AcksTotal.WithLabelValues("idempotent").Inc()
			return &Outcome{Idempotent: true}, nil
		}
		return nil, err
	}

	if failed {
		metrics.AcksTotal.WithLabelValues("failed").Inc()
	} else {
		metrics.AcksTotal.WithLabelValues("ok").Inc()
	}
	r.logger.Debug().
		Str("request_id", a.RequestID).
		Str("status", a.Status).
		Msg("Dispatch completed")
	return &Outcome{}, nil
}

// HandleRemoteExec enforces the <exec_id>-<device_id> binding before
// applying the ack.
func (r *Receiver) HandleRemoteExec(ctx context.Context, dev *types.Device, a *RemoteExecAck) (*Outcome, error) {
	if a.DeviceID != dev.ID || a.CorrelationID != a.ExecID+"-"+a.DeviceID {
		metrics.AcksTotal.WithLabelValues("mismatch").Inc()
		return nil, ErrCorrelationMismatch
	}
	return r.Handle(ctx, dev, &Ack{
		RequestID: a.CorrelationID,
		Status:    a.Status,
		ExitCode:  a.ExitCode,
		Output:    a.Output,
		Error:     a.Error,
	})
}

func isFailure(status string) bool {
	switch strings.ToLower(status) {
	case "ok", "success", "completed", "done":
		return false
	}
	return true
}

func resultMessage(a *Ack) string {
	if a.Message != "" {
		return a.Message
	}
	if a.Error != "" {
		return a.Error
	}
	return a.Output
}
