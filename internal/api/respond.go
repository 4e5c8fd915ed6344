package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/averoa/flowcore/pkg/schema"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps a FlowError code onto an HTTP status. Unknown errors
// become a 500 with a generic message so internals do not leak.
func writeError(w http.ResponseWriter, err error) {
	var fe *schema.FlowError
	if !errors.As(err, &fe) {
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"error": map[string]any{"code": "INTERNAL", "message": "internal error"},
		})
		return
	}

	status := http.StatusInternalServerError
	switch fe.Code {
	case schema.ErrCodeNotFound:
		status = http.StatusNotFound
	case schema.ErrCodeValidation:
		status = http.StatusBadRequest
	case schema.ErrCodeInvalidState, schema.ErrCodeInvalidTransition:
		status = http.StatusConflict
	case schema.ErrCodeAlreadyProcessed:
		status = http.StatusConflict
	case schema.ErrCodeTimeout:
		status = http.StatusGatewayTimeout
	}

	body := map[string]any{"code": fe.Code, "message": fe.Message}
	if len(fe.Details) > 0 {
		body["details"] = fe.Details
	}
	writeJSON(w, status, map[string]any{"error": body})
}

func decodeBody(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "invalid request body: %s", err.Error()).WithCause(err)
	}
	return nil
}

func actor(r *http.Request) string {
	return r.Header.Get(actorHeader)
}
