package rpc

import "encoding/json"

type EvaluateRequest struct {
	FlagID  string         `json:"flagId"`
	EnvID   string         `json:"envId,omitempty"`
	Context map[string]any `json:"context"`
}

// Details explains one flag evaluation.
type Details struct {
	FlagID     string            `json:"flagId"`
	EnvID      string            `json:"envId"`
	Version    int64             `json:"version,omitempty"`
	Legacy     bool              `json:"legacy,omitempty"`
	Variation  string            `json:"variation,omitempty"`
	Reason     string            `json:"reason,omitempty"`
	RuleID     string            `json:"ruleId,omitempty"`
	Bucket     int               `json:"bucket"`
	Error      string            `json:"error,omitempty"`
	RuleErrors map[string]string `json:"ruleErrors,omitempty"`
}

type EvaluateResponse struct {
	Success bool           `json:"success"`
	Results map[string]any `json:"results"`
	Details Details        `json:"details"`
}

type EvaluateBatchRequest struct {
	FlagIDs []string       `json:"flagIds,omitempty"`
	EnvID   string         `json:"envId,omitempty"`
	Context map[string]any `json:"context"`
}

type EvaluateBatchResponse struct {
	Success bool              `json:"success"`
	Results map[string]any    `json:"results"`
	Details []Details         `json:"details"`
	Errors  map[string]string `json:"errors,omitempty"`
}

type UpdateCacheRequest struct {
	UserID  string          `json:"userId"`
	EnvID   string          `json:"envId"`
	FlagID  string          `json:"flagId"`
	Rules   json.RawMessage `json:"rules"`
	Version *int64          `json:"version"`
}

type UpdateCacheResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}
