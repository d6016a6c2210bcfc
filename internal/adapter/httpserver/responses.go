// Package httpserver is the REST and WebSocket gateway in front of the job
// runtime: status aggregation, job listings, scan submission, cancellation
// and the live event stream.
package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/alephworks/alephauto/internal/domain"
	"github.com/alephworks/alephauto/pkg/timex"
)

// apiError is the flat error envelope shared by every non-2xx response.
type apiError struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
	Status    int    `json:"status,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, _ *http.Request, err error) {
	status := http.StatusInternalServerError
	code := "internal"
	switch {
	case errors.Is(err, domain.ErrInvalidArgument):
		status, code = http.StatusBadRequest, "invalid_argument"
	case errors.Is(err, domain.ErrNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, domain.ErrConflict), errors.Is(err, domain.ErrInvalidTransition):
		status, code = http.StatusConflict, "conflict"
	case errors.Is(err, domain.ErrQueueFull):
		status, code = http.StatusTooManyRequests, "queue_full"
	case errors.Is(err, domain.ErrWorkerStopped):
		status, code = http.StatusServiceUnavailable, "unavailable"
	}
	writeJSON(w, status, apiError{
		Error:     code,
		Message:   err.Error(),
		Timestamp: timex.Now(),
		Status:    status,
	})
}
