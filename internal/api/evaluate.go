package api

import (
	"net/http"

	"github.com/TimurManjosov/flagship-sdk-backend/internal/evaluation"
)

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var req evaluateRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	fe, err := s.svc.Evaluate(r.Context(), s.envOrDefault(req.EnvID), req.FlagID, req.Context)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, evaluateResponse{
		Success: !fe.Failed(),
		Results: fe.Results(),
		Details: detailsOf(fe),
	})
}

func (s *Server) handleEvaluateBatch(w http.ResponseWriter, r *http.Request) {
	var req batchEvaluateRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	evals, err := s.svc.EvaluateBatch(r.Context(), s.envOrDefault(req.EnvID), req.FlagIDs, req.Context)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	resp := batchEvaluateResponse{
		Success: true,
		Results: make(map[string]any, len(evals)),
		Details: make([]evaluationDetails, 0, len(evals)),
	}
	for _, fe := range evals {
		resp.Details = append(resp.Details, detailsOf(fe))
		if fe.Failed() {
			resp.Success = false
			if resp.Errors == nil {
				resp.Errors = make(map[string]string)
			}
			resp.Errors[fe.FlagKey] = failureMessage(fe)
		}
		if fe.Err == nil || fe.IsLegacy {
			resp.Results[fe.FlagKey] = batchValue(fe)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// failureMessage summarizes why a flag evaluation failed.
func failureMessage(fe evaluation.FlagEvaluation) string {
	if fe.Err != nil {
		return fe.Err.Error()
	}
	for _, r := range fe.Legacy {
		if r.Err != nil {
			return "rule " + r.Key + ": " + r.Err.Error()
		}
	}
	return ""
}
