package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/BTreeMap/PrayerPipe/internal/flow"
	"github.com/BTreeMap/PrayerPipe/internal/models"
	"github.com/BTreeMap/PrayerPipe/internal/navigation"
	"github.com/BTreeMap/PrayerPipe/internal/offline"
	"github.com/BTreeMap/PrayerPipe/internal/onboarding"
	"github.com/BTreeMap/PrayerPipe/internal/recovery"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// Pre-marshaled fallback so a failed encode still yields a JSON body.
var fallbackErrorResponse []byte

func init() {
	var err error
	fallbackErrorResponse, err = json.Marshal(models.Error("Internal server error"))
	if err != nil {
		panic(fmt.Sprintf("Failed to marshal fallback error response at startup: %v", err))
	}
}

// writeJSONResponse marshals response before writing headers so encode failures
// turn into a 500 instead of a truncated body.
func writeJSONResponse(w http.ResponseWriter, statusCode int, response interface{}) {
	jsonData, err := json.Marshal(response)
	if err != nil {
		slog.Error("Server.writeJSONResponse: failed to marshal JSON response", "error", err)
		jsonData = fallbackErrorResponse
		statusCode = http.StatusInternalServerError
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if _, writeErr := w.Write(jsonData); writeErr != nil {
		slog.Error("Server.writeJSONResponse: failed to write JSON response", "error", writeErr)
	}
}

// decodeJSON decodes an optional JSON body into v. An empty body leaves v untouched.
func decodeJSON(r *http.Request, v interface{}) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// statusFor maps flow errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrFlowNotFound):
		return http.StatusNotFound
	case errors.Is(err, navigation.ErrUnknownLink),
		errors.Is(err, models.ErrUnknownState),
		errors.Is(err, models.ErrUnknownAnswer),
		errors.Is(err, models.ErrInvalidAnswer),
		errors.Is(err, models.ErrEmptyDeepLink),
		errors.Is(err, models.ErrEmptyEventType):
		return http.StatusBadRequest
	case errors.Is(err, navigation.ErrNavigationLoop),
		errors.Is(err, navigation.ErrNavigationInProgress),
		errors.Is(err, navigation.ErrPrerequisitesNotMet),
		errors.Is(err, recovery.ErrRecoveryInProgress),
		errors.Is(err, offline.ErrSyncInProgress),
		errors.Is(err, onboarding.ErrNoNextStep),
		errors.Is(err, onboarding.ErrNotSkippable),
		errors.Is(err, onboarding.ErrNotAtSummary),
		errors.Is(err, flow.ErrNotRecoverable),
		errors.Is(err, flow.ErrConcurrentTransition):
		return http.StatusConflict
	case errors.Is(err, flow.ErrInvalidTransition):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// writeError writes err with the status statusFor picks.
func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		slog.Error("Server.writeError: request failed", "error", err)
	} else {
		slog.Debug("Server.writeError: request rejected", "status", status, "error", err)
	}
	writeJSONResponse(w, status, models.Error(err.Error()))
}
