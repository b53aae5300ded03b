// Package client is an HTTP client for the sdk-backend API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// ErrNotModified is returned by GetRules when the ETag still matches.
var ErrNotModified = errors.New("not modified")

// APIError is a non-2xx response of the API.
type APIError struct {
	Status   int
	Code     string            `json:"code"`
	Message  string            `json:"message"`
	Fields   map[string]string `json:"fields"`
	Problems []string          `json:"problems"`
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("API error (status %d)", e.Status)
	if e.Code != "" {
		msg += " " + e.Code
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	for k, v := range e.Fields {
		msg += fmt.Sprintf("; %s: %s", k, v)
	}
	for _, p := range e.Problems {
		msg += "; " + p
	}
	return msg
}

// Client is an HTTP client for the sdk-backend API
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// NewClient creates a new API client
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: baseURL,
		APIKey:  apiKey,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Details explains one flag evaluation.
type Details struct {
	FlagID     string            `json:"flagId" yaml:"flagId"`
	EnvID      string            `json:"envId" yaml:"envId"`
	Version    int64             `json:"version,omitempty" yaml:"version,omitempty"`
	Legacy     bool              `json:"legacy,omitempty" yaml:"legacy,omitempty"`
	Variation  string            `json:"variation,omitempty" yaml:"variation,omitempty"`
	Reason     string            `json:"reason,omitempty" yaml:"reason,omitempty"`
	RuleID     string            `json:"ruleId,omitempty" yaml:"ruleId,omitempty"`
	Bucket     *int              `json:"bucket,omitempty" yaml:"bucket,omitempty"`
	Error      string            `json:"error,omitempty" yaml:"error,omitempty"`
	RuleErrors map[string]string `json:"ruleErrors,omitempty" yaml:"ruleErrors,omitempty"`
}

type EvaluateResult struct {
	Success bool           `json:"success" yaml:"success"`
	Results map[string]any `json:"results" yaml:"results"`
	Details Details        `json:"details" yaml:"details"`
}

type BatchResult struct {
	Success bool              `json:"success" yaml:"success"`
	Results map[string]any    `json:"results" yaml:"results"`
	Details []Details         `json:"details" yaml:"details"`
	Errors  map[string]string `json:"errors,omitempty" yaml:"errors,omitempty"`
}

// CacheUpdate publishes a rules document.
type CacheUpdate struct {
	UserID  string          `json:"userId"`
	EnvID   string          `json:"envId"`
	FlagID  string          `json:"flagId"`
	Rules   json.RawMessage `json:"rules"`
	Version *int64          `json:"version"`
}

type Rules struct {
	FlagID    string          `json:"flagId" yaml:"flagId"`
	EnvID     string          `json:"envId" yaml:"envId"`
	Version   int64           `json:"version" yaml:"version"`
	ETag      string          `json:"etag" yaml:"etag"`
	Legacy    bool            `json:"legacy" yaml:"legacy"`
	UpdatedAt time.Time       `json:"updatedAt" yaml:"updatedAt"`
	Rules     json.RawMessage `json:"rules" yaml:"-"`
}

type Validation struct {
	Valid  bool     `json:"valid" yaml:"valid"`
	Errors []string `json:"errors" yaml:"errors"`
}

// Evaluate evaluates one flag. An empty env selects the server default.
func (c *Client) Evaluate(ctx context.Context, env, flagID string, traits map[string]any) (*EvaluateResult, error) {
	if traits == nil {
		traits = map[string]any{}
	}
	var out EvaluateResult
	err := c.do(ctx, http.MethodPost, "/v1/evaluate", map[string]any{
		"flagId": flagID, "envId": env, "context": traits,
	}, false, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// EvaluateBatch evaluates several flags; no keys means every flag of env.
func (c *Client) EvaluateBatch(ctx context.Context, env string, flagIDs []string, traits map[string]any) (*BatchResult, error) {
	if traits == nil {
		traits = map[string]any{}
	}
	var out BatchResult
	err := c.do(ctx, http.MethodPost, "/v1/evaluate/batch", map[string]any{
		"flagIds": flagIDs, "envId": env, "context": traits,
	}, false, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// PushRules publishes a rules document (admin).
func (c *Client) PushRules(ctx context.Context, u CacheUpdate) error {
	return c.do(ctx, http.MethodPost, "/v1/cache", u, true, nil)
}

// PutSegment stores a segment (admin). segment is its JSON form.
func (c *Client) PutSegment(ctx context.Context, env, id string, segment json.RawMessage) error {
	return c.do(ctx, http.MethodPut, "/v1/segments/"+url.PathEscape(env)+"/"+url.PathEscape(id), segment, true, nil)
}

// DeleteFlag removes a published flag (admin).
func (c *Client) DeleteFlag(ctx context.Context, env, flagID string) error {
	return c.do(ctx, http.MethodDelete, "/v1/cache/"+url.PathEscape(env)+"/"+url.PathEscape(flagID), nil, true, nil)
}

// ValidateRules checks a document without publishing it.
func (c *Client) ValidateRules(ctx context.Context, flagID string, doc json.RawMessage) (*Validation, error) {
	var out Validation
	if err := c.do(ctx, http.MethodPost, "/v1/rules/validate", map[string]any{"flagId": flagID, "rules": doc}, false, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetRules fetches the published document of a flag. A non-empty etag is sent
// as If-None-Match; an unchanged document yields ErrNotModified.
func (c *Client) GetRules(ctx context.Context, env, flagID, etag string) (*Rules, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/v1/rules/"+url.PathEscape(env)+"/"+url.PathEscape(flagID), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		return nil, ErrNotModified
	}
	if resp.StatusCode != http.StatusOK {
		return nil, apiError(resp)
	}
	var out Rules
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path string, in any, admin bool, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if admin && c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return apiError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func apiError(resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode}
	bodyBytes, _ := io.ReadAll(resp.Body)
	if err := json.Unmarshal(bodyBytes, apiErr); err != nil || apiErr.Code == "" {
		apiErr.Message = string(bytes.TrimSpace(bodyBytes))
	}
	return apiErr
}
