package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"
)

// validate is shared across handlers; validator instances cache struct
// metadata and are safe for concurrent use.
var validate = validator.New()

// decodeJSON parses and validates a request body. Unknown fields are
// ignored; missing required fields surface as a validation error the
// handler maps to 422.
func decodeJSON(r *http.Request, dst interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return err
	}
	return validate.Struct(dst)
}

// isValidation reports whether an error came from schema validation.
func isValidation(err error) bool {
	var verr validator.ValidationErrors
	return errors.As(err, &verr)
}

// writeDecodeError maps body decode failures onto status codes:
// malformed JSON is a 400, a well-formed body failing validation a 422.
func writeDecodeError(w http.ResponseWriter, r *http.Request, err error, detail string) {
	if isValidation(err) {
		writeError(w, r, http.StatusUnprocessableEntity, detail)
		return
	}
	writeError(w, r, http.StatusBadRequest, detail)
}

type registerRequest struct {
	Alias      string `json:"alias" validate:"required,min=1,max=200"`
	HardwareID string `json:"hardware_id" validate:"omitempty,max=200"`
}

type registerResponse struct {
	DeviceID    string `json:"device_id"`
	DeviceToken string `json:"device_token"`
}

type heartbeatRequest struct {
	BatteryPct        int            `json:"battery_pct" validate:"min=0,max=100"`
	NetworkType       string         `json:"network_type" validate:"omitempty,max=32"`
	SignalDBM         int            `json:"signal_dbm"`
	RAMFreeMB         int            `json:"ram_free_mb" validate:"min=0"`
	AgentVersion      string         `json:"agent_version" validate:"omitempty,max=64"`
	Status            string         `json:"status" validate:"omitempty,max=64"`
	FCMToken          string         `json:"fcm_token" validate:"omitempty,max=4096"`
	InstalledPackages []string       `json:"installed_packages" validate:"dive,max=255"`
	ForegroundRecentS map[string]int `json:"foreground_recent_s"`
}

type heartbeatResponse struct {
	OK      bool `json:"ok"`
	Created bool `json:"created"`
}

type actionResultRequest struct {
	RequestID string `json:"request_id" validate:"required,max=128"`
	Status    string `json:"status" validate:"required,max=64"`
	ExitCode  *int   `json:"exit_code"`
	Output    string `json:"output" validate:"omitempty,max=65536"`
	Error     string `json:"error" validate:"omitempty,max=65536"`
	Message   string `json:"message" validate:"omitempty,max=4096"`
}

type ackResponse struct {
	OK         bool `json:"ok"`
	Idempotent bool `json:"idempotent,omitempty"`
}

type remoteExecAckRequest struct {
	ExecID        string `json:"exec_id" validate:"required,max=64"`
	DeviceID      string `json:"device_id" validate:"required,max=64"`
	CorrelationID string `json:"correlation_id" validate:"required,max=160"`
	Status        string `json:"status" validate:"required,max=64"`
	ExitCode      *int   `json:"exit_code"`
	Output        string `json:"output" validate:"omitempty,max=65536"`
	Error         string `json:"error" validate:"omitempty,max=65536"`
}

type commandRequest struct {
	DeviceID  string            `json:"device_id" validate:"required,max=64"`
	RequestID string            `json:"request_id" validate:"omitempty,max=128"`
	Params    map[string]string `json:"params"`
}

type commandResponse struct {
	RequestID  string `json:"request_id"`
	Status     string `json:"status"`
	Idempotent bool   `json:"idempotent,omitempty"`
}

type remoteExecRequest struct {
	Mode    string            `json:"mode" validate:"required,oneof=fcm shell"`
	Action  string            `json:"action" validate:"omitempty,max=64"`
	Command string            `json:"command" validate:"omitempty,max=16384"`
	Targets []string          `json:"targets" validate:"required,min=1,dive,max=64"`
	Params  map[string]string `json:"params"`
	DryRun  bool              `json:"dry_run"`
}

type remoteExecResponse struct {
	ExecID string `json:"exec_id"`
	Sent   int    `json:"sent"`
	Failed int    `json:"failed"`
	DryRun bool   `json:"dry_run,omitempty"`
}

type execStatusResponse struct {
	ExecID      string            `json:"exec_id"`
	Mode        string            `json:"mode"`
	Action      string            `json:"action"`
	TargetCount int               `json:"target_count"`
	AckedCount  int               `json:"acked_count"`
	ErrorCount  int               `json:"error_count"`
	Dispatches  []dispatchSummary `json:"dispatches"`
}

type dispatchSummary struct {
	RequestID string `json:"request_id"`
	DeviceID  string `json:"device_id"`
	Status    string `json:"status"`
	Result    string `json:"result,omitempty"`
	ResultMsg string `json:"result_message,omitempty"`
}

type enrollTokenRequest struct {
	Alias      string `json:"alias" validate:"required,min=1,max=200"`
	TTLSeconds int    `json:"ttl_seconds" validate:"omitempty,min=60,max=2592000"`
	Uses       int    `json:"uses" validate:"omitempty,min=1,max=1000"`
}

type enrollTokenResponse struct {
	TokenID string `json:"token_id"`
	Token   string `json:"token"`
}

type eventSummary struct {
	ID        string            `json:"id"`
	Type      string            `json:"type"`
	DeviceID  string            `json:"device_id,omitempty"`
	Timestamp string            `json:"timestamp"`
	Message   string            `json:"message,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}
