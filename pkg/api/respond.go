package api

import (
	"encoding/json"
	"net/http"

	"github.com/droverhq/drover/pkg/errdefs"
)

// respond writes the standard success envelope.
func respond(w http.ResponseWriter, status int, payload map[string]any) {
	if payload == nil {
		payload = map[string]any{}
	}
	if _, ok := payload["success"]; !ok {
		payload["success"] = status < http.StatusBadRequest
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

// respondErr maps error kinds onto HTTP statuses.
func respondErr(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch errdefs.KindOf(err) {
	case errdefs.KindNotFound:
		status = http.StatusNotFound
	case errdefs.KindInvalidState:
		status = http.StatusConflict
	case errdefs.KindConfig:
		status = http.StatusBadRequest
	case errdefs.KindTimeout:
		status = http.StatusGatewayTimeout
	case errdefs.KindResourceExhausted:
		status = http.StatusServiceUnavailable
	}
	respond(w, status, map[string]any{"success": false, "error": err.Error()})
}

func decodeBody(r *http.Request, v any) error {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errdefs.Wrap(err, errdefs.KindConfig, "decode request body")
	}
	return nil
}
