// Package testutil wires an in-memory backend for tests of the HTTP surface
// and its clients.
package testutil

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/TimurManjosov/flagship-sdk-backend/internal/api"
	"github.com/TimurManjosov/flagship-sdk-backend/internal/evaluation"
	"github.com/TimurManjosov/flagship-sdk-backend/internal/store"
)

// NewTestServer creates an API server over an in-memory store.
func NewTestServer(t *testing.T, env, adminKey string) (*api.Server, *evaluation.Service) {
	t.Helper()
	svc, err := evaluation.NewService(store.NewMemoryStore(), evaluation.Options{})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return api.NewServer(svc, api.Options{Env: env, AdminAPIKey: adminKey}), svc
}

// NewHTTPServer starts NewTestServer behind a real listener, closed with the test.
func NewHTTPServer(t *testing.T, env, adminKey string) (*httptest.Server, *evaluation.Service) {
	t.Helper()
	server, svc := NewTestServer(t, env, adminKey)
	ts := httptest.NewServer(server.Router())
	t.Cleanup(ts.Close)
	return ts, svc
}

// HTTPRequest is a helper for making test HTTP requests.
type HTTPRequest struct {
	Method  string
	Path    string
	Body    string
	Headers map[string]string
}

// Do executes the HTTP request and returns the response recorder.
func (r *HTTPRequest) Do(t *testing.T, handler http.Handler) *httptest.ResponseRecorder {
	t.Helper()
	var body io.Reader
	if r.Body != "" {
		body = bytes.NewBufferString(r.Body)
	}
	req := httptest.NewRequest(r.Method, r.Path, body)
	if r.Body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range r.Headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}

// PublishRules publishes serialized documents keyed by flag key, all at version.
func PublishRules(ctx context.Context, svc *evaluation.Service, env string, version int64, docs map[string]string) error {
	for key, doc := range docs {
		v := version
		err := svc.UpdateCache(ctx, evaluation.CacheUpdate{
			UserID:  "test",
			Env:     env,
			FlagKey: key,
			Rules:   []byte(doc),
			Version: &v,
		})
		if err != nil {
			return err
		}
	}
	return nil
}
