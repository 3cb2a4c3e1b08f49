package dispatch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/roostlabs/roost/pkg/events"
	"github.com/roostlabs/roost/pkg/log"
	"github.com/roostlabs/roost/pkg/metrics"
	"github.com/roostlabs/roost/pkg/store"
	"github.com/roostlabs/roost/pkg/types"
)

// Actions the dispatcher accepts.
const (
	ActionPing        = "ping"
	ActionRing        = "ring"
	ActionLaunchApp   = "launch_app"
	ActionReboot      = "reboot"
	ActionRestartApp  = "restart_app"
	ActionWifiConnect = "wifi_connect"
	ActionRemoteExec  = "remote_exec_fcm"
	ActionRemoteShell = "remote_exec_shell"
)

var knownActions = map[string]bool{
	ActionPing:        true,
	ActionRing:        true,
	ActionLaunchApp:   true,
	ActionReboot:      true,
	ActionRestartApp:  true,
	ActionWifiConnect: true,
	ActionRemoteExec:  true,
	ActionRemoteShell: true,
}

var (
	// ErrUnknownAction rejects actions outside the fixed set.
	ErrUnknownAction = errors.New("unknown dispatch action")

	// ErrNoPushEndpoint means the device has never reported an FCM token.
	ErrNoPushEndpoint = errors.New("device has no push endpoint")

	// ErrRequestMismatch means a presented request_id exists with
	// different fields, which is a caller bug rather than a retry.
	ErrRequestMismatch = errors.New("request_id exists with different fields")
)

// bulkFanout bounds concurrent per-device push calls during a bulk
// dispatch.
const bulkFanout = 10

// Request describes one command to deliver.
type Request struct {
	// RequestID may be supplied by the caller for idempotent retries;
	// empty means a fresh UUID is assigned.
	RequestID string
	DeviceID  string
	Action    string
	Params    map[string]string
	ExecID    string
}

// Dispatcher persists a ledger row for every command before calling the
// push provider, signs payloads, and keeps retries idempotent.
type Dispatcher struct {
	store   *store.Store
	pusher  Pusher
	queue   *events.Queue
	shell   *ShellValidator
	hmacKey string
	logger  zerolog.Logger
}

// NewDispatcher creates a command dispatcher.
func NewDispatcher(st *store.Store, pusher Pusher, queue *events.Queue, shell *ShellValidator, hmacKey string) *Dispatcher {
	return &Dispatcher{
		store:   st,
		pusher:  pusher,
		queue:   queue,
		shell:   shell,
		hmacKey: hmacKey,
		logger:  log.WithComponent("dispatch"),
	}
}

// Dispatch delivers one command. The ledger row is committed before the
// provider call, so every request_id a device ever sees has a row. The
// returned bool is true when an existing identical dispatch was found
// and nothing was sent.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (*types.Dispatch, bool, error) {
	if !knownActions[req.Action] {
		return nil, false, ErrUnknownAction
	}
	if req.RequestID == "" {
		req.RequestID = uuid.New().String()
	}

	if existing, err := d.store.GetDispatch(ctx, req.RequestID); err == nil {
		if existing.DeviceID != req.DeviceID || existing.Action != req.Action {
			return nil, false, ErrRequestMismatch
		}
		metrics.DispatchIdempotencyHits.Inc()
		d.logger.Info().Str("request_id", req.RequestID).Msg("Dispatch idempotency hit")
		return existing, true, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, false, err
	}

	dev, err := d.store.GetDevice(ctx, req.DeviceID)
	if err != nil {
		return nil, false, err
	}
	if dev.FCMToken == "" {
		return nil, false, ErrNoPushEndpoint
	}

	now := time.Now().UTC()
	ts := now.Unix()
	canonical := CanonicalString(req.RequestID, req.DeviceID, req.Action, ts, signableParams(req.Params))
	signature := Sign(d.hmacKey, canonical)
	payloadHash := sha256Hex(canonical)

	row := &types.Dispatch{
		RequestID:   req.RequestID,
		DeviceID:    req.DeviceID,
		Action:      req.Action,
		Params:      req.Params,
		SentAt:      now,
		PayloadHash: payloadHash,
		Status:      types.DispatchPending,
		ExecID:      req.ExecID,
	}
	if err := d.store.CreateDispatch(ctx, row); err != nil {
		if errors.Is(err, store.ErrConflict) {
			// Lost a race with an identical retry
			existing, gerr := d.store.GetDispatch(ctx, req.RequestID)
			if gerr == nil && existing.DeviceID == req.DeviceID && existing.Action == req.Action {
				metrics.DispatchIdempotencyHits.Inc()
				return existing, true, nil
			}
			return nil, false, ErrRequestMismatch
		}
		return nil, false, err
	}

	data := map[string]string{
		"action":     req.Action,
		"request_id": req.RequestID,
		"device_id":  req.DeviceID,
		"ts":         fmt.Sprintf("%d", ts),
		"hmac":       signature,
	}
	for k, v := range req.Params {
		data[k] = v
	}

	res, err := d.pusher.Push(ctx, dev.FCMToken, data)
	if err != nil {
		httpCode := 0
		if res != nil {
			httpCode = res.HTTPCode
		}
		if merr := d.store.MarkDispatchFailed(ctx, req.RequestID, httpCode, err.Error(), latencyOf(res)); merr != nil {
			d.logger.Error().Err(merr).Str("request_id", req.RequestID).Msg("Failed to record dispatch failure")
		}
		metrics.DispatchesTotal.WithLabelValues(req.Action, "failed").Inc()
		d.queue.Publish(&events.Event{
			Type:     events.EventDispatchFailed,
			DeviceID: req.DeviceID,
			Message:  err.Error(),
			Metadata: map[string]string{"request_id": req.RequestID, "action": req.Action},
		})
		row.Status = types.DispatchFailed
		return row, false, fmt.Errorf("push failed for %s: %w", req.RequestID, err)
	}

	if err := d.store.MarkDispatchSent(ctx, req.RequestID, res.HTTPCode, res.MessageID, res.Latency); err != nil {
		d.logger.Error().Err(err).Str("request_id", req.RequestID).Msg("Failed to record dispatch success")
	}
	metrics.DispatchesTotal.WithLabelValues(req.Action, "sent").Inc()
	d.queue.Publish(&events.Event{
		Type:     events.EventDispatchSent,
		DeviceID: req.DeviceID,
		Metadata: map[string]string{"request_id": req.RequestID, "action": req.Action},
	})

	row.Status = types.DispatchSent
	row.HTTPCode = res.HTTPCode
	row.FCMMessageID = res.MessageID
	return row, false, nil
}

// BulkRequest fans one command out to many devices.
type BulkRequest struct {
	Mode      string // "fcm" or "shell"
	Action    string
	Command   string // shell mode payload
	Params    map[string]string
	DeviceIDs []string
	DryRun    bool
}

// BulkResult summarizes a fan-out.
type BulkResult struct {
	ExecID string
	Sent   int
	Failed int
}

// DispatchBulk validates, persists the parent exec record, and fans out
// per-device dispatches with request ids of the form <exec_id>-<device_id>.
// Fan-out concurrency is bounded; one slow device does not stall the rest.
func (d *Dispatcher) DispatchBulk(ctx context.Context, req BulkRequest) (*BulkResult, error) {
	action := req.Action
	params := map[string]string{}
	for k, v := range req.Params {
		params[k] = v
	}

	switch req.Mode {
	case "shell":
		if err := d.shell.Validate(req.Command); err != nil {
			return nil, err
		}
		action = ActionRemoteShell
		params["type"] = "shell"
		params["command"] = req.Command
	case "fcm":
		if action == "" {
			action = ActionRemoteExec
		}
	default:
		return nil, fmt.Errorf("unknown remote-exec mode %q", req.Mode)
	}

	execID := uuid.New().String()
	if req.DryRun {
		return &BulkResult{ExecID: execID}, nil
	}

	if err := d.store.CreateExec(ctx, &types.Exec{
		ID:          execID,
		Mode:        req.Mode,
		Action:      action,
		Command:     req.Command,
		TargetCount: len(req.DeviceIDs),
		CreatedAt:   time.Now().UTC(),
	}); err != nil {
		return nil, err
	}

	sem := semaphore.NewWeighted(bulkFanout)
	var mu sync.Mutex
	result := &BulkResult{ExecID: execID}

	var wg sync.WaitGroup
	for _, deviceID := range req.DeviceIDs {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(deviceID string) {
			defer wg.Done()
			defer sem.Release(1)

			_, _, err := d.Dispatch(ctx, Request{
				RequestID: execID + "-" + deviceID,
				DeviceID:  deviceID,
				Action:    action,
				Params:    params,
				ExecID:    execID,
			})
			mu.Lock()
			if err != nil {
				result.Failed++
			} else {
				result.Sent++
			}
			mu.Unlock()
		}(deviceID)
	}
	wg.Wait()

	return result, nil
}

// EnqueueLaunch satisfies the ingest relauncher hook: fire-and-forget a
// launch_app dispatch off the ingest request path.
func (d *Dispatcher) EnqueueLaunch(deviceID, packageName string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if _, _, err := d.Dispatch(ctx, Request{
			DeviceID: deviceID,
			Action:   ActionLaunchApp,
			Params:   map[string]string{"package_name": packageName},
		}); err != nil {
			d.logger.Warn().Err(err).Str("device_id", deviceID).Msg("Auto-relaunch dispatch failed")
		}
	}()
}

// signableParams replaces the raw shell command with its digest so the
// canonical string stays free of newlines and separator bytes. The device
// hashes the command it received to reproduce the signature.
func signableParams(params map[string]string) map[string]string {
	if _, ok := params["command"]; !ok {
		return params
	}
	out := make(map[string]string, len(params))
	for k, v := range params {
		if k == "command" {
			out["command_sha256"] = sha256Hex(v)
			continue
		}
		out[k] = v
	}
	return out
}

func sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func latencyOf(res *PushResult) time.Duration {
	if res == nil {
		return 0
	}
	return res.Latency
}
