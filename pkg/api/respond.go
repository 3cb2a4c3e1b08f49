package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/roostlabs/roost/pkg/log"
)

// errorBody is the single error envelope every endpoint uses.
type errorBody struct {
	Detail string `json:"detail"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		if err := json.NewEncoder(w).Encode(v); err != nil {
			log.Errorf("Failed to encode response", err)
		}
	}
}

func writeError(w http.ResponseWriter, r *http.Request, status int, detail string) {
	if status >= 500 {
		// 5xx carries the request id so the caller can quote the
		// matching server log line
		w.Header().Set("X-Request-ID", middleware.GetReqID(r.Context()))
	}
	writeJSON(w, status, errorBody{Detail: detail})
}
