package httpserver

import (
	"encoding/json"
	"net/http"

	apperrors "github.com/shopbot/server/internal/errors"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	apperrors.WriteTypedError(w, err)
}

// decodeJSON unmarshals the request body into dst, rejecting unknown
// fields so client typos surface as errors instead of silent defaults.
func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return apperrors.New(apperrors.ErrCodeBadRequest, "malformed request body").
			WithDetail("parse_error", err.Error())
	}
	return nil
}
