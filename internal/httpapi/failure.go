package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"pkt.systems/viewsync/internal/convert"
	"pkt.systems/viewsync/internal/storage"
	"pkt.systems/viewsync/internal/upload"
)

// Failure captures transport-neutral error details mapped onto HTTP
// responses. Only the upload surface produces failures; arbitration
// rejections are silent by design.
type Failure struct {
	Code       string `json:"code"`
	Detail     string `json:"detail,omitempty"`
	HTTPStatus int    `json:"-"`
}

func (f Failure) Error() string {
	if f.Detail != "" {
		return fmt.Sprintf("%s: %s", f.Code, f.Detail)
	}
	return f.Code
}

// failureFrom translates pipeline and storage errors into Failures.
func failureFrom(err error) Failure {
	var admission *upload.AdmissionError
	if errors.As(err, &admission) {
		status := http.StatusBadRequest
		if admission.Code == upload.AdmissionTooLarge {
			status = http.StatusRequestEntityTooLarge
		}
		return Failure{Code: admission.Code, Detail: admission.Detail, HTTPStatus: status}
	}
	var convErr *convert.Error
	if errors.As(err, &convErr) {
		return Failure{Code: "conversion_failed", Detail: convErr.Error(), HTTPStatus: http.StatusUnprocessableEntity}
	}
	if errors.Is(err, storage.ErrNotFound) {
		return Failure{Code: "not_found", HTTPStatus: http.StatusNotFound}
	}
	if errors.Is(err, storage.ErrInvalidKey) {
		return Failure{Code: "invalid_handle", Detail: err.Error(), HTTPStatus: http.StatusBadRequest}
	}
	return Failure{Code: "internal", Detail: err.Error(), HTTPStatus: http.StatusInternalServerError}
}

func writeFailure(w http.ResponseWriter, f Failure) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(f.HTTPStatus)
	_ = json.NewEncoder(w).Encode(f)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
