package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/whisper/directchat/internal/chat"
)

// envelope is the body of every REST response.
type envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
}

// httpError carries an explicit status and client-facing message.
type httpError struct {
	status  int
	message string
}

func (e *httpError) Error() string { return e.message }

func badRequest(msg string) error { return &httpError{status: http.StatusBadRequest, message: msg} }

// jsonHandler adapts handlers that return an error. A non-nil error is
// written as {success:false, message} with a status derived from the error
// taxonomy.
type jsonHandler func(http.ResponseWriter, *http.Request) error

func (h jsonHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := h(w, r); err != nil {
		if wait, ok := chat.RetryAfter(err); ok {
			w.Header().Set("Retry-After", retryAfterSeconds(wait))
		}
		status, msg := statusOf(err)
		writeJSON(w, status, envelope{Success: false, Message: msg})
	}
}

func writeData(w http.ResponseWriter, status int, data any) error {
	writeJSON(w, status, envelope{Success: true, Data: data})
	return nil
}

func writeJSON(w http.ResponseWriter, status int, body envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func statusOf(err error) (int, string) {
	var he *httpError
	if errors.As(err, &he) {
		return he.status, he.message
	}
	switch {
	case errors.Is(err, chat.ErrValidation):
		return http.StatusBadRequest, "Invalid request"
	case errors.Is(err, chat.ErrNotFound):
		return http.StatusNotFound, "Not found"
	case errors.Is(err, chat.ErrForbidden):
		return http.StatusForbidden, "Not authorized to access this chat"
	case errors.Is(err, chat.ErrRateLimited):
		return http.StatusTooManyRequests, "Too many messages, slow down"
	default:
		return http.StatusInternalServerError, "Server error"
	}
}

// retryAfterSeconds renders d as whole seconds, rounded up, at least 1.
func retryAfterSeconds(d time.Duration) string {
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}
