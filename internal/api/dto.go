package api

import (
	"encoding/json"
	"time"

	"github.com/TimurManjosov/flagship-sdk-backend/internal/evaluation"
	"github.com/TimurManjosov/flagship-sdk-backend/internal/rules"
)

// ---- evaluation ----

type evaluateRequest struct {
	FlagID  string        `json:"flagId" validate:"required"`
	EnvID   string        `json:"envId,omitempty"`
	Context rules.Context `json:"context" validate:"required"`
}

type batchEvaluateRequest struct {
	FlagIDs []string      `json:"flagIds,omitempty" validate:"omitempty,max=500,dive,required"`
	EnvID   string        `json:"envId,omitempty"`
	Context rules.Context `json:"context" validate:"required"`
}

type evaluationDetails struct {
	FlagID     string            `json:"flagId"`
	EnvID      string            `json:"envId"`
	Version    int64             `json:"version,omitempty"`
	Legacy     bool              `json:"legacy,omitempty"`
	Variation  string            `json:"variation,omitempty"`
	Reason     string            `json:"reason,omitempty"`
	RuleID     string            `json:"ruleId,omitempty"`
	Bucket     *int              `json:"bucket,omitempty"`
	Error      string            `json:"error,omitempty"`
	RuleErrors map[string]string `json:"ruleErrors,omitempty"`
}

type evaluateResponse struct {
	Success bool              `json:"success"`
	Results map[string]any    `json:"results"`
	Details evaluationDetails `json:"details"`
}

type batchEvaluateResponse struct {
	Success bool                `json:"success"`
	Results map[string]any      `json:"results"`
	Details []evaluationDetails `json:"details"`
	Errors  map[string]string   `json:"errors,omitempty"`
}

func detailsOf(fe evaluation.FlagEvaluation) evaluationDetails {
	d := evaluationDetails{
		FlagID:  fe.FlagKey,
		EnvID:   fe.Env,
		Version: fe.Version,
		Legacy:  fe.IsLegacy,
	}
	if fe.Err != nil {
		d.Error = fe.Err.Error()
	}
	if fe.IsLegacy {
		for _, r := range fe.Legacy {
			if r.Err == nil {
				continue
			}
			if d.RuleErrors == nil {
				d.RuleErrors = make(map[string]string)
			}
			d.RuleErrors[r.Key] = r.Err.Error()
		}
		return d
	}
	d.Variation = fe.Result.Variation
	d.Reason = string(fe.Result.Reason)
	d.RuleID = fe.Result.RuleID
	if fe.Result.Bucket >= 0 && fe.Result.Reason != "" {
		b := fe.Result.Bucket
		d.Bucket = &b
	}
	return d
}

// batchValue is the client projection of one flag inside a batch: the
// variation value for rule sets, the per-rule booleans for legacy documents.
func batchValue(fe evaluation.FlagEvaluation) any {
	if fe.IsLegacy {
		return fe.Results()
	}
	return fe.Result.Value()
}

// ---- cache updates ----

type cacheUpdateRequest struct {
	UserID  string          `json:"userId" validate:"required"`
	EnvID   string          `json:"envId" validate:"required"`
	FlagID  string          `json:"flagId" validate:"required"`
	Rules   json.RawMessage `json:"rules" validate:"required"`
	Version *int64          `json:"version" validate:"required,gte=0"`
}

type cacheUpdateResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Version int64  `json:"version"`
}

// ---- rules ----

type rulesResponse struct {
	FlagID    string          `json:"flagId"`
	EnvID     string          `json:"envId"`
	Version   int64           `json:"version"`
	ETag      string          `json:"etag"`
	Legacy    bool            `json:"legacy"`
	UpdatedAt time.Time       `json:"updatedAt,omitempty"`
	Rules     json.RawMessage `json:"rules"`
}

type validateRulesRequest struct {
	FlagID string          `json:"flagId"`
	Rules  json.RawMessage `json:"rules" validate:"required"`
}

type validateRulesResponse struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors"`
}

// ---- segments ----

type segmentResponse struct {
	Success bool   `json:"success"`
	ID      string `json:"id"`
	EnvID   string `json:"envId"`
}
