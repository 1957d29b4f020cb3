package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/projectmatch/internal/discovery"
	"github.com/sells-group/projectmatch/internal/identity"
	"github.com/sells-group/projectmatch/internal/requirement"
)

const maxBodyBytes = 1 << 20

func readBody(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return nil, eris.Wrap(err, "api: read body")
	}
	return body, nil
}

// updateEvent is the inbound field extraction event.
type updateEvent struct {
	RecordID string `json:"record_id"`
	requirement.Update
}

// decodeUpdate validates and decodes an update event for recordID. A
// record_id in the body must match the path.
func decodeUpdate(r *http.Request, recordID string) (requirement.Update, error) {
	body, err := readBody(r)
	if err != nil {
		return requirement.Update{}, err
	}
	if err := validatePayload(updateSchema, body); err != nil {
		return requirement.Update{}, err
	}
	var ev updateEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return requirement.Update{}, &PayloadError{Problems: []string{err.Error()}}
	}
	if ev.RecordID != "" && ev.RecordID != recordID {
		return requirement.Update{}, &PayloadError{Problems: []string{"record_id does not match the path"}}
	}
	if ev.Source == requirement.SourceUserConfirmed && !hasConfidence(body) {
		ev.Confidence = 1
	}
	return ev.Update, nil
}

func hasConfidence(body []byte) bool {
	var probe struct {
		Confidence *float64 `json:"confidence"`
	}
	return json.Unmarshal(body, &probe) == nil && probe.Confidence != nil
}

func (s *Server) createRecord(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ConversationID string `json:"conversation_id"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		s.writeError(w, r, &PayloadError{Problems: []string{"malformed JSON: " + err.Error()}})
		return
	}
	if req.ConversationID == "" {
		s.writeError(w, r, &PayloadError{Problems: []string{"conversation_id is required"}})
		return
	}
	rec, err := s.engine.Create(r.Context(), req.ConversationID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) getRecord(w http.ResponseWriter, r *http.Request) {
	rec, err := s.engine.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) deleteRecord(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) applyUpdate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	u, err := decodeUpdate(r, id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.engine.ApplyUpdate(r.Context(), id, u)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) gate(w http.ResponseWriter, r *http.Request) {
	g, err := s.engine.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (s *Server) publish(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	pub, err := s.engine.Publish(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if s.warm {
		go s.warmCandidates(context.WithoutCancel(r.Context()), pub.ID())
	}
	writeJSON(w, http.StatusOK, pub)
}

func (s *Server) warmCandidates(ctx context.Context, publishedID string) {
	if _, err := s.matcher.Candidates(ctx, publishedID); err != nil {
		s.log.Warn("discovery warm-up failed", zap.String("published_record_id", publishedID), zap.Error(err))
	}
}

func (s *Server) history(w http.ResponseWriter, r *http.Request) {
	h, err := s.engine.History(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "field"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if h == nil {
		h = []requirement.HistoryEntry{}
	}
	writeJSON(w, http.StatusOK, h)
}

func (s *Server) undo(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Field      string `json:"field_name"`
		ObservedAt int64  `json:"observed_at"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		s.writeError(w, r, &PayloadError{Problems: []string{"malformed JSON: " + err.Error()}})
		return
	}
	if req.Field == "" {
		s.writeError(w, r, &PayloadError{Problems: []string{"field_name is required"}})
		return
	}
	res, err := s.engine.Undo(r.Context(), chi.URLParam(r, "id"), req.Field, req.ObservedAt)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) amend(w http.ResponseWriter, r *http.Request) {
	publishedID := chi.URLParam(r, "id")
	u, err := decodeUpdate(r, publishedID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.engine.Amend(r.Context(), publishedID, u)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) candidates(w http.ResponseWriter, r *http.Request) {
	e, err := s.matcher.Candidates(r.Context(), chi.URLParam(r, "id"))
	s.writeEntry(w, r, e, err)
}

func (s *Server) refreshCandidates(w http.ResponseWriter, r *http.Request) {
	e, err := s.matcher.Refresh(r.Context(), chi.URLParam(r, "id"))
	s.writeEntry(w, r, e, err)
}

// writeEntry writes a ranked list. A stale entry returned together with a
// discovery error is still served, marked stale.
func (s *Server) writeEntry(w http.ResponseWriter, r *http.Request, e *discovery.Entry, err error) {
	if err != nil && (e == nil || !e.Stale) {
		s.writeError(w, r, err)
		return
	}
	if err != nil {
		s.log.Warn("serving stale candidates", zap.String("published_record_id", e.PublishedRecordID), zap.Error(err))
		w.Header().Set("Warning", `110 - "discovery unavailable, serving stale result"`)
	}
	writeJSON(w, http.StatusOK, e)
}

// observationResult is the per-observation ingest outcome.
type observationResult struct {
	IdentityKey string           `json:"identity_key,omitempty"`
	Outcome     identity.Outcome `json:"outcome"`
}

type ingestResponse struct {
	identity.BatchResult
	Results []observationResult `json:"results"`
}

func (s *Server) ingestObservations(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := validatePayload(observationSchema, body); err != nil {
		s.writeError(w, r, err)
		return
	}

	var batch []identity.Observation
	if trimmed := bytes.TrimSpace(body); len(trimmed) > 0 && trimmed[0] == '[' {
		err = json.Unmarshal(body, &batch)
	} else {
		var one identity.Observation
		err = json.Unmarshal(body, &one)
		batch = []identity.Observation{one}
	}
	if err != nil {
		s.writeError(w, r, &PayloadError{Problems: []string{err.Error()}})
		return
	}

	resp := ingestResponse{Results: make([]observationResult, 0, len(batch))}
	for _, obs := range batch {
		id, outcome, err := s.resolver.Resolve(r.Context(), obs)
		switch {
		case errors.Is(err, identity.ErrUnresolvable):
			resp.Unresolvable++
			resp.Results = append(resp.Results, observationResult{Outcome: identity.OutcomeUnresolvable})
			continue
		case err != nil:
			s.writeError(w, r, err)
			return
		}
		switch outcome {
		case identity.OutcomeCreated:
			resp.Created++
		case identity.OutcomeMerged:
			resp.Merged++
		case identity.OutcomeDuplicate:
			resp.Duplicates++
		}
		resp.Results = append(resp.Results, observationResult{IdentityKey: id.Key, Outcome: outcome})
	}

	status := http.StatusOK
	if resp.Created > 0 {
		status = http.StatusCreated
	}
	writeJSON(w, status, resp)
}
