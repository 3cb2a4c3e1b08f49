package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/roostlabs/roost/pkg/dispatch"
	"github.com/roostlabs/roost/pkg/store"
)

// adminCommands are the single-device command endpoints exposed under
// /commands/{action}.
var adminCommands = map[string]bool{
	dispatch.ActionPing:        true,
	dispatch.ActionRing:        true,
	dispatch.ActionLaunchApp:   true,
	dispatch.ActionReboot:      true,
	dispatch.ActionRestartApp:  true,
	dispatch.ActionWifiConnect: true,
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	action := chi.URLParam(r, "action")
	if !adminCommands[action] {
		writeError(w, r, http.StatusNotFound, "unknown command")
		return
	}

	var req commandRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDecodeError(w, r, err, "invalid command payload")
		return
	}

	row, idempotent, err := s.dispatcher.Dispatch(r.Context(), dispatch.Request{
		RequestID: req.RequestID,
		DeviceID:  req.DeviceID,
		Action:    action,
		Params:    req.Params,
	})
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			writeError(w, r, http.StatusNotFound, "unknown device")
		case errors.Is(err, dispatch.ErrNoPushEndpoint):
			writeError(w, r, http.StatusConflict, "device has no push endpoint")
		case errors.Is(err, dispatch.ErrRequestMismatch):
			writeError(w, r, http.StatusConflict, "request_id exists with different fields")
		default:
			// Provider failures still produced a ledger row; surface the
			// request_id so the caller can correlate.
			if row != nil {
				writeJSON(w, http.StatusBadGateway, commandResponse{
					RequestID: row.RequestID,
					Status:    string(row.Status),
				})
				return
			}
			s.logger.Error().Err(err).Str("action", action).Msg("Dispatch failed")
			writeError(w, r, http.StatusInternalServerError, "dispatch failed")
		}
		return
	}

	writeJSON(w, http.StatusOK, commandResponse{
		RequestID:  row.RequestID,
		Status:     string(row.Status),
		Idempotent: idempotent,
	})
}

func (s *Server) handleRemoteExec(w http.ResponseWriter, r *http.Request) {
	var req remoteExecRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDecodeError(w, r, err, "invalid remote-exec payload")
		return
	}

	res, err := s.dispatcher.DispatchBulk(r.Context(), dispatch.BulkRequest{
		Mode:      req.Mode,
		Action:    req.Action,
		Command:   req.Command,
		Params:    req.Params,
		DeviceIDs: req.Targets,
		DryRun:    req.DryRun,
	})
	if err != nil {
		var rejected *dispatch.ErrShellRejected
		if errors.As(err, &rejected) {
			writeError(w, r, http.StatusUnprocessableEntity, rejected.Error())
			return
		}
		s.logger.Error().Err(err).Msg("Remote exec failed")
		writeError(w, r, http.StatusInternalServerError, "remote exec failed")
		return
	}

	writeJSON(w, http.StatusOK, remoteExecResponse{
		ExecID: res.ExecID,
		Sent:   res.Sent,
		Failed: res.Failed,
		DryRun: req.DryRun,
	})
}

func (s *Server) handleRemoteExecStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	exec, err := s.store.GetExec(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, "unknown exec id")
			return
		}
		writeError(w, r, http.StatusInternalServerError, "exec lookup failed")
		return
	}

	rows, err := s.store.ListDispatchesByExec(r.Context(), id)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "dispatch lookup failed")
		return
	}

	resp := execStatusResponse{
		ExecID:      exec.ID,
		Mode:        exec.Mode,
		Action:      exec.Action,
		TargetCount: exec.TargetCount,
		AckedCount:  exec.AckedCount,
		ErrorCount:  exec.ErrorCount,
		Dispatches:  make([]dispatchSummary, 0, len(rows)),
	}
	for _, d := range rows {
		resp.Dispatches = append(resp.Dispatches, dispatchSummary{
			RequestID: d.RequestID,
			DeviceID:  d.DeviceID,
			Status:    string(d.Status),
			Result:    d.Result,
			ResultMsg: d.ResultMsg,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCreateEnrollToken(w http.ResponseWriter, r *http.Request) {
	var req enrollTokenRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDecodeError(w, r, err, "invalid enrollment token payload")
		return
	}

	ttl := 24 * time.Hour
	if req.TTLSeconds > 0 {
		ttl = time.Duration(req.TTLSeconds) * time.Second
	}

	grant, err := s.registry.CreateEnrollmentToken(r.Context(), req.Alias, ttl, req.Uses)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "failed to create enrollment token")
		return
	}
	writeJSON(w, http.StatusCreated, enrollTokenResponse{TokenID: grant.TokenID, Token: grant.Secret})
}

// Ops triggers run in the background: the jobs hold advisory locks and
// can outlive any sensible request deadline.
func (s *Server) handleOpsNightly(w http.ResponseWriter, r *http.Request) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
		defer cancel()
		if err := s.partitions.Run(ctx); err != nil {
			s.logger.Error().Err(err).Msg("Manual nightly run failed")
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

func (s *Server) handleOpsReconcile(w http.ResponseWriter, r *http.Request) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()
		if err := s.reconciler.Run(ctx); err != nil {
			s.logger.Error().Err(err).Msg("Manual reconciliation failed")
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

func (s *Server) handleRecentEvents(w http.ResponseWriter, r *http.Request) {
	evs, err := s.journal.Recent(100)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "failed to read event journal")
		return
	}

	out := make([]eventSummary, 0, len(evs))
	for _, e := range evs {
		out = append(out, eventSummary{
			ID:        e.ID,
			Type:      string(e.Type),
			DeviceID:  e.DeviceID,
			Timestamp: e.Timestamp.UTC().Format(time.RFC3339),
			Message:   e.Message,
			Metadata:  e.Metadata,
		})
	}
	writeJSON(w, http.StatusOK, out)
}
