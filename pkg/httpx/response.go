// Package httpx holds the JSON response helpers shared by the HTTP handlers.
package httpx

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
)

// RespondJSON writes a JSON response with the given status code and data.
func RespondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logrus.WithError(err).Warn("failed to encode JSON response")
	}
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// RespondError writes an error response with the given status code and error message.
func RespondError(w http.ResponseWriter, status int, err error) {
	RespondErrorString(w, status, err.Error())
}

// RespondErrorString writes an error response with the given status code and error message string.
func RespondErrorString(w http.ResponseWriter, status int, message string) {
	response := ErrorResponse{
		Error:   http.StatusText(status),
		Message: message,
	}
	RespondJSON(w, status, response)
}

// ParseMinutes reads a look-back window in whole minutes from query parameter
// name. Missing means def; anything non-positive or above max is an error.
func ParseMinutes(r *http.Request, name string, def, max time.Duration) (time.Duration, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, &ParamError{Name: name, Value: raw, Reason: "must be a positive number of minutes"}
	}
	window := time.Duration(n) * time.Minute
	if window > max {
		return 0, &ParamError{Name: name, Value: raw, Reason: "exceeds maximum of " + strconv.Itoa(int(max/time.Minute)) + " minutes"}
	}
	return window, nil
}

// ParamError describes a rejected query parameter
type ParamError struct {
	Name   string
	Value  string
	Reason string
}

func (e *ParamError) Error() string {
	return "invalid " + e.Name + " " + strconv.Quote(e.Value) + ": " + e.Reason
}
