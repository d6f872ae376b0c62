package api

import (
	"encoding/json"
	"net/http"

	"grimm.is/hostguard/internal/errors"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// ErrorResponse represents a standard API error response
type ErrorResponse struct {
	Error    string   `json:"error"`
	Kind     string   `json:"kind,omitempty"`
	Problems []string `json:"problems,omitempty"`
}

// statusFor maps error kinds onto HTTP status codes.
func statusFor(err error) int {
	switch errors.GetKind(err) {
	case errors.KindValidation:
		return http.StatusBadRequest
	case errors.KindNotFound:
		return http.StatusNotFound
	case errors.KindConflict:
		return http.StatusConflict
	case errors.KindPermission:
		return http.StatusForbidden
	case errors.KindTimeout:
		return http.StatusGatewayTimeout
	case errors.KindDegradedService:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError sends err as a JSON error response.
func writeError(w http.ResponseWriter, err error) {
	resp := ErrorResponse{Error: err.Error()}
	if k := errors.GetKind(err); k != errors.KindUnknown {
		resp.Kind = k.String()
	}
	if p, ok := errors.GetAttributes(err)["problems"].([]string); ok {
		resp.Problems = p
	}
	respondWithJSON(w, statusFor(err), resp)
}

// respondWithJSON sends a JSON response
func respondWithJSON(w http.ResponseWriter, code int, payload any) {
	response, err := json.Marshal(payload)
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}

// decodeJSON reads a JSON body into v. Unknown fields are rejected.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.Wrap(err, errors.KindValidation, "invalid request body")
	}
	return nil
}
