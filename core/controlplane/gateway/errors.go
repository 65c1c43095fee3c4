package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/cordum/flowlog/core/fanout"
	"github.com/cordum/flowlog/core/workflow"
)

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// statusClasses is checked in order; a CommandError can match several kinds.
var statusClasses = []struct {
	kind   error
	status int
}{
	{workflow.ErrWorkflowNotFound, http.StatusNotFound},
	{workflow.ErrDependencyCycle, http.StatusUnprocessableEntity},
	{workflow.ErrInvalidDefinition, http.StatusUnprocessableEntity},
	{workflow.ErrNoAgentAvailable, http.StatusServiceUnavailable},
	{workflow.ErrUnknownStep, http.StatusNotFound},
	{workflow.ErrStaleStepCommand, http.StatusConflict},
	{workflow.ErrInvalidTransition, http.StatusConflict},
	{workflow.ErrConcurrencyConflict, http.StatusConflict},
	{workflow.ErrWorkflowExists, http.StatusConflict},
	{fanout.ErrSlowSubscriber, http.StatusServiceUnavailable},
}

func statusFor(err error) (int, string) {
	for _, c := range statusClasses {
		if errors.Is(err, c.kind) {
			return c.status, c.kind.Error()
		}
	}
	return http.StatusInternalServerError, "internal"
}

func writeError(w http.ResponseWriter, err error) {
	status, code := statusFor(err)
	writeJSON(w, status, errorBody{Error: code, Message: err.Error()})
}

func writeBadRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: "bad_request", Message: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
