package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/TimurManjosov/flagship-sdk-backend/internal/evaluation"
	"github.com/TimurManjosov/flagship-sdk-backend/internal/rules"
)

func (s *Server) handleUpdateCache(w http.ResponseWriter, r *http.Request) {
	var req cacheUpdateRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	err := s.svc.UpdateCache(r.Context(), evaluation.CacheUpdate{
		UserID:  req.UserID,
		Env:     req.EnvID,
		FlagKey: req.FlagID,
		Rules:   rules.Normalize(req.Rules),
		Version: req.Version,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, cacheUpdateResponse{
		Success: true,
		Message: "rules published",
		Version: *req.Version,
	})
}

func (s *Server) handleDeleteFlag(w http.ResponseWriter, r *http.Request) {
	env, flagKey := chi.URLParam(r, "envId"), chi.URLParam(r, "flagId")
	if err := s.svc.DeleteFlag(r.Context(), env, flagKey); err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePutSegment(w http.ResponseWriter, r *http.Request) {
	env, id := chi.URLParam(r, "envId"), chi.URLParam(r, "segmentId")

	var seg rules.Segment
	if !decodeJSON(w, r, &seg) {
		return
	}
	if seg.ID != "" && seg.ID != id {
		ValidationError(w, r, "Validation failed", map[string]string{
			"id": "id must match the segment in the path",
		})
		return
	}
	seg.ID = id

	if err := s.svc.PutSegment(r.Context(), env, seg); err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, segmentResponse{Success: true, ID: id, EnvID: env})
}

func (s *Server) handleDeleteSegment(w http.ResponseWriter, r *http.Request) {
	env, id := chi.URLParam(r, "envId"), chi.URLParam(r, "segmentId")
	if err := s.svc.DeleteSegment(r.Context(), env, id); err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ---- rules ----

func (s *Server) handleGetRules(w http.ResponseWriter, r *http.Request) {
	env, flagKey := chi.URLParam(r, "envId"), chi.URLParam(r, "flagId")

	entry, err := s.svc.GetRules(r.Context(), env, flagKey)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	if inm := r.Header.Get("If-None-Match"); inm != "" && inm == entry.ETag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("ETag", entry.ETag)
	writeJSON(w, http.StatusOK, rulesResponse{
		FlagID:    entry.FlagKey,
		EnvID:     entry.Env,
		Version:   entry.Version,
		ETag:      entry.ETag,
		Legacy:    entry.Document.IsLegacy(),
		UpdatedAt: entry.UpdatedAt,
		Rules:     json.RawMessage(bytes.Clone(entry.Raw)),
	})
}

func (s *Server) handleValidateRules(w http.ResponseWriter, r *http.Request) {
	var req validateRulesRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	resp := validateRulesResponse{Valid: true, Errors: []string{}}
	err := evaluation.ValidateRules(req.FlagID, rules.Normalize(req.Rules))
	var cfgErr *rules.ConfigurationError
	switch {
	case err == nil:
	case errors.As(err, &cfgErr):
		resp.Valid = false
		resp.Errors = cfgErr.Messages()
	default:
		resp.Valid = false
		resp.Errors = []string{err.Error()}
	}
	writeJSON(w, http.StatusOK, resp)
}
