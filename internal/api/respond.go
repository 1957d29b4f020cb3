package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/sells-group/projectmatch/internal/discovery"
	"github.com/sells-group/projectmatch/internal/identity"
	"github.com/sells-group/projectmatch/internal/model"
	"github.com/sells-group/projectmatch/internal/requirement"
)

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error           string   `json:"error"`
	Code            string   `json:"code"`
	Reason          string   `json:"reason,omitempty"`
	Problems        []string `json:"problems,omitempty"`
	MissingRequired []string `json:"missing_required,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps domain errors onto HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		payloadErr  *PayloadError
		validErr    *requirement.ValidationError
		schemaErr   *model.SchemaError
		notReadyErr *requirement.NotReadyError
	)
	body := errorBody{Error: err.Error()}
	status := http.StatusInternalServerError

	switch {
	case errors.As(err, &payloadErr):
		status, body.Code, body.Problems = http.StatusBadRequest, "invalid_payload", payloadErr.Problems
	case errors.As(err, &validErr):
		status, body.Code = http.StatusUnprocessableEntity, "validation_failed"
		body.Reason = string(validErr.Rejection.Reason)
	case errors.As(err, &schemaErr):
		status, body.Code = http.StatusBadRequest, "unknown_schema"
	case errors.As(err, &notReadyErr):
		status, body.Code, body.MissingRequired = http.StatusConflict, "not_ready", notReadyErr.Missing
	case errors.Is(err, requirement.ErrNotFound):
		status, body.Code = http.StatusNotFound, "not_found"
	case errors.Is(err, requirement.ErrPublished):
		status, body.Code = http.StatusConflict, "published"
	case errors.Is(err, requirement.ErrAbandoned):
		status, body.Code = http.StatusConflict, "abandoned"
	case errors.Is(err, requirement.ErrVersionConflict):
		status, body.Code = http.StatusConflict, "version_conflict"
	case errors.Is(err, requirement.ErrNothingToUndo):
		status, body.Code = http.StatusConflict, "nothing_to_undo"
	case errors.Is(err, identity.ErrUnresolvable):
		status, body.Code = http.StatusUnprocessableEntity, "unresolvable"
	case errors.Is(err, discovery.ErrUnavailable):
		status, body.Code = http.StatusServiceUnavailable, "discovery_unavailable"
	}

	if status >= http.StatusInternalServerError {
		s.log.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	writeJSON(w, status, body)
}
