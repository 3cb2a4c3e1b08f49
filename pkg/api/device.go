package api

import (
	"errors"
	"net"
	"net/http"

	"github.com/roostlabs/roost/pkg/ack"
	"github.com/roostlabs/roost/pkg/ingest"
	"github.com/roostlabs/roost/pkg/registry"
	"github.com/roostlabs/roost/pkg/store"
	"github.com/roostlabs/roost/pkg/types"
)

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDecodeError(w, r, err, "invalid registration payload")
		return
	}

	enrollTokenID := ""
	if !s.isAdmin(r) {
		tok, err := s.registry.ResolveEnrollmentToken(r.Context(), bearerToken(r))
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, "registration requires an admin key or enrollment token")
			return
		}
		if tok.Alias != req.Alias {
			writeError(w, r, http.StatusForbidden, "enrollment token is scoped to a different alias")
			return
		}
		enrollTokenID = tok.TokenID
	}

	reg, err := s.registry.Register(r.Context(), req.Alias, req.HardwareID, enrollTokenID)
	if err != nil {
		switch {
		case errors.Is(err, registry.ErrInvalidAlias):
			writeError(w, r, http.StatusUnprocessableEntity, err.Error())
		case errors.Is(err, registry.ErrAliasTaken):
			writeError(w, r, http.StatusConflict, "duplicate alias")
		case errors.Is(err, registry.ErrSaturated):
			w.Header().Set("Retry-After", "5")
			writeError(w, r, http.StatusTooManyRequests, "registration capacity saturated")
		case errors.Is(err, store.ErrTokenExhausted):
			// Token was consumed by a concurrent registration after resolve
			writeError(w, r, http.StatusUnauthorized, "enrollment token exhausted")
		default:
			s.logger.Error().Err(err).Msg("Registration failed")
			writeError(w, r, http.StatusInternalServerError, "registration failed")
		}
		return
	}

	writeJSON(w, http.StatusCreated, registerResponse{
		DeviceID:    reg.DeviceID,
		DeviceToken: reg.DeviceToken,
	})
}

// authenticateDevice resolves the calling device or writes the error
// response. The caller must return when dev is nil.
func (s *Server) authenticateDevice(w http.ResponseWriter, r *http.Request) *types.Device {
	dev, err := s.ingestor.Authenticate(r.Context(), bearerToken(r))
	if err != nil {
		switch {
		case errors.Is(err, ingest.ErrDeviceRevoked):
			writeJSON(w, http.StatusGone, map[string]string{"reason": "device_deleted"})
		case errors.Is(err, ingest.ErrUnauthorized):
			writeError(w, r, http.StatusUnauthorized, "invalid device credentials")
		default:
			s.logger.Error().Err(err).Msg("Device authentication failed")
			writeError(w, r, http.StatusInternalServerError, "authentication failed")
		}
		return nil
	}
	return dev
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	dev := s.authenticateDevice(w, r)
	if dev == nil {
		return
	}

	var req heartbeatRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDecodeError(w, r, err, "invalid heartbeat payload")
		return
	}

	res, err := s.ingestor.Ingest(r.Context(), dev, &ingest.Submission{
		BatteryPct:        req.BatteryPct,
		NetworkType:       req.NetworkType,
		SignalDBM:         req.SignalDBM,
		RAMFreeMB:         req.RAMFreeMB,
		AgentVersion:      req.AgentVersion,
		IP:                clientIP(r),
		Status:            req.Status,
		FCMToken:          req.FCMToken,
		InstalledPackages: req.InstalledPackages,
		ForegroundRecentS: req.ForegroundRecentS,
	})
	if err != nil {
		s.logger.Error().Err(err).Str("device_id", dev.ID).Msg("Heartbeat ingest failed")
		writeError(w, r, http.StatusInternalServerError, "heartbeat ingest failed")
		return
	}

	writeJSON(w, http.StatusOK, heartbeatResponse{OK: true, Created: res.Created})
}

func (s *Server) handleActionResult(w http.ResponseWriter, r *http.Request) {
	dev := s.authenticateDevice(w, r)
	if dev == nil {
		return
	}

	var req actionResultRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDecodeError(w, r, err, "invalid action result payload")
		return
	}

	out, err := s.receiver.Handle(r.Context(), dev, &ack.Ack{
		RequestID: req.RequestID,
		Status:    req.Status,
		ExitCode:  req.ExitCode,
		Output:    req.Output,
		Error:     req.Error,
		Message:   req.Message,
	})
	if err != nil {
		s.writeAckError(w, r, dev.ID, err)
		return
	}
	writeJSON(w, http.StatusOK, ackResponse{OK: true, Idempotent: out.Idempotent})
}

func (s *Server) handleRemoteExecAck(w http.ResponseWriter, r *http.Request) {
	dev := s.authenticateDevice(w, r)
	if dev == nil {
		return
	}

	var req remoteExecAckRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDecodeError(w, r, err, "invalid remote-exec ack payload")
		return
	}

	out, err := s.receiver.HandleRemoteExec(r.Context(), dev, &ack.RemoteExecAck{
		ExecID:        req.ExecID,
		DeviceID:      req.DeviceID,
		CorrelationID: req.CorrelationID,
		Status:        req.Status,
		ExitCode:      req.ExitCode,
		Output:        req.Output,
		Error:         req.Error,
	})
	if err != nil {
		s.writeAckError(w, r, dev.ID, err)
		return
	}
	writeJSON(w, http.StatusOK, ackResponse{OK: true, Idempotent: out.Idempotent})
}

// clientIP returns the caller's address without the ephemeral port.
// Behind a proxy chi's RealIP has already rewritten RemoteAddr to a bare
// IP, in which case SplitHostPort fails and the value passes through.
func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func (s *Server) writeAckError(w http.ResponseWriter, r *http.Request, deviceID string, err error) {
	switch {
	case errors.Is(err, ack.ErrUnknownRequest):
		writeError(w, r, http.StatusNotFound, "unknown request_id")
	case errors.Is(err, ack.ErrDeviceMismatch), errors.Is(err, ack.ErrCorrelationMismatch):
		writeError(w, r, http.StatusForbidden, "dispatch does not belong to this device")
	default:
		s.logger.Error().Err(err).Str("device_id", deviceID).Msg("Ack handling failed")
		writeError(w, r, http.StatusInternalServerError, "ack handling failed")
	}
}
