package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/BTreeMap/CivicPipe/internal/flow"
	"github.com/BTreeMap/CivicPipe/internal/models"
	"github.com/BTreeMap/CivicPipe/internal/store"
)

// Pre-marshaled fallback responses to avoid runtime JSON encoding failures
var (
	fallbackErrorResponse []byte
)

// init validates that our fallback responses can be marshaled
func init() {
	var err error
	fallbackErrorResponse, err = json.Marshal(models.Error("Internal server error"))
	if err != nil {
		panic(fmt.Sprintf("Failed to marshal fallback error response at startup: %v", err))
	}
}

// writeJSONResponse writes a JSON response to the http.ResponseWriter with the given status code.
func writeJSONResponse(w http.ResponseWriter, statusCode int, response interface{}) {
	// Marshal first so an encoding failure can still change the status code.
	jsonData, err := json.Marshal(response)
	if err != nil {
		slog.Error("writeJSONResponse: failed to marshal JSON response", "error", err)
		jsonData = fallbackErrorResponse
		statusCode = http.StatusInternalServerError
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if _, writeErr := w.Write(jsonData); writeErr != nil {
		slog.Error("writeJSONResponse: failed to write JSON response", "error", writeErr)
	}
}

// badRequestError marks a client error found while decoding or checking a request.
type badRequestError struct{ err error }

func (e badRequestError) Error() string { return e.err.Error() }
func (e badRequestError) Unwrap() error { return e.err }

func badRequest(format string, args ...any) error {
	return badRequestError{fmt.Errorf(format, args...)}
}

// writeError maps domain errors to status codes and JSON error bodies.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		docErr      *flow.DocumentError
		conflictErr *flow.TriggerConflictError
		reqErr      badRequestError
	)
	switch {
	case errors.As(err, &docErr):
		writeJSONResponse(w, http.StatusUnprocessableEntity, models.ErrorWithResult(err.Error(), docErr.Issues))
	case errors.As(err, &conflictErr):
		writeJSONResponse(w, http.StatusConflict, models.ErrorWithResult(err.Error(), conflictErr.Conflicts))
	case errors.Is(err, store.ErrNotFound):
		writeJSONResponse(w, http.StatusNotFound, models.Error(err.Error()))
	case errors.Is(err, store.ErrVersionConflict):
		writeJSONResponse(w, http.StatusConflict, models.Error(err.Error()))
	case errors.As(err, &reqErr), errors.Is(err, models.ErrEmptyTenant), errors.Is(err, models.ErrEmptyParticipant):
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
	default:
		slog.Error("API request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Internal server error"))
	}
}
