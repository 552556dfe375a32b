package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/nerrad567/rt809f-bridge/internal/cluster"
	"github.com/nerrad567/rt809f-bridge/internal/job"
)

// Error represents a structured error response.
type Error struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes that are not job kinds.
const (
	ErrCodeBadRequest   = "bad_request"
	ErrCodeUnauthorized = "unauthorised"
	ErrCodeRateLimited  = "rate_limited"
)

// writeJSON writes a JSON response with the given status code and payload.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		//nolint:errcheck // Best-effort write to response; connection may be closed
		json.NewEncoder(w).Encode(v)
	}
}

// writeError writes a structured error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, Error{
		Status:  status,
		Code:    code,
		Message: message,
	})
}

// writeBadRequest writes a 400 error response.
func writeBadRequest(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, string(job.KindValidation), message)
}

// writeNotFound writes a 404 error response.
func writeNotFound(w http.ResponseWriter, message string) {
	writeError(w, http.StatusNotFound, string(job.KindNotFound), message)
}

// writeUnauthorized writes a 401 error response.
func writeUnauthorized(w http.ResponseWriter, message string) {
	writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, message)
}

// writeUnavailable writes a 503 error response.
func writeUnavailable(w http.ResponseWriter, message string) {
	writeError(w, http.StatusServiceUnavailable, string(job.KindUnavailable), message)
}

// writeInternalError writes a 500 error response.
func writeInternalError(w http.ResponseWriter, message string) {
	writeError(w, http.StatusInternalServerError, string(job.KindInternal), message)
}

// writeJobError maps a correlator or relay error to its HTTP response.
func writeJobError(w http.ResponseWriter, err error) {
	kind := job.KindOf(err)
	if errors.Is(err, cluster.ErrUnavailable) {
		kind = job.KindUnavailable
	}
	writeError(w, statusForKind(kind), string(kind), err.Error())
}

// statusForKind returns the HTTP status for an error kind that prevented
// a request from being served. Terminal job errors are reported inside a
// 200 job body instead.
func statusForKind(k job.Kind) int {
	switch k {
	case job.KindDeviceNotFound, job.KindNotFound:
		return http.StatusNotFound
	case job.KindDeviceBusy:
		return http.StatusConflict
	case job.KindValidation:
		return http.StatusBadRequest
	case job.KindDeviceDisconnected, job.KindUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
