// Package httpserver contains HTTP handlers and middleware.
//
// It provides the REST API for order intake, node registration, metrics
// reporting, and read-only operational views. HTTP concerns stay here; all
// business rules live in the usecase and domain packages.
package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/fairyhunter13/play-fulfillment/internal/domain"
)

type errorEnvelope struct {
	Error apiError `json:"error"`
}

type apiError struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, _ *http.Request, err error, details interface{}) {
	code := http.StatusInternalServerError
	codeStr := "INTERNAL"
	switch {
	case errors.Is(err, domain.ErrInvalidArgument):
		code = http.StatusBadRequest
		codeStr = "INVALID_ARGUMENT"
	case errors.Is(err, domain.ErrNotFound):
		code = http.StatusNotFound
		codeStr = "NOT_FOUND"
	case errors.Is(err, domain.ErrConflict), errors.Is(err, domain.ErrOptimisticConflict):
		code = http.StatusConflict
		codeStr = "CONFLICT"
	case errors.Is(err, domain.ErrRejected):
		code = http.StatusUnprocessableEntity
		codeStr = "REJECTED"
	case errors.Is(err, domain.ErrNoAvailableNode):
		code = http.StatusServiceUnavailable
		codeStr = "NO_AVAILABLE_NODE"
	case errors.Is(err, domain.ErrDispatchTimeout):
		code = http.StatusGatewayTimeout
		codeStr = "DISPATCH_TIMEOUT"
	}
	writeJSON(w, code, errorEnvelope{Error: apiError{Code: codeStr, Message: err.Error(), Details: details}})
}
