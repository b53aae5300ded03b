package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/TimurManjosov/flagship-sdk-backend/internal/client"
	"github.com/TimurManjosov/flagship-sdk-backend/internal/evaluation"
	"github.com/TimurManjosov/flagship-sdk-backend/internal/rules"
	"github.com/TimurManjosov/flagship-sdk-backend/internal/seed"
	"github.com/TimurManjosov/flagship-sdk-backend/internal/store"
)

// RemotePublisher publishes seed files through the admin HTTP API.
type RemotePublisher struct {
	Client *client.Client
}

var _ seed.Publisher = RemotePublisher{}

func (p RemotePublisher) UpdateCache(ctx context.Context, u evaluation.CacheUpdate) error {
	err := p.Client.PushRules(ctx, client.CacheUpdate{
		UserID:  u.UserID,
		EnvID:   u.Env,
		FlagID:  u.FlagKey,
		Rules:   json.RawMessage(rules.Normalize(u.Rules)),
		Version: u.Version,
	})
	return remoteError(err)
}

func (p RemotePublisher) PutSegment(ctx context.Context, env string, seg rules.Segment) error {
	data, err := json.Marshal(seg)
	if err != nil {
		return err
	}
	return remoteError(p.Client.PutSegment(ctx, env, seg.ID, data))
}

// remoteError maps a stale-version rejection back to store.ErrStaleVersion so
// the loader counts it as skipped.
func remoteError(err error) error {
	var apiErr *client.APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusConflict {
		return fmt.Errorf("%w: %s", store.ErrStaleVersion, apiErr.Message)
	}
	return err
}

// LoadLocal publishes seed files into an in-memory service, for commands that
// evaluate or validate without a server.
func LoadLocal(ctx context.Context, env string, paths ...string) (*evaluation.Service, seed.Stats, error) {
	var stats seed.Stats
	svc, err := evaluation.NewService(store.NewMemoryStore(), evaluation.Options{Logger: zerolog.Nop()})
	if err != nil {
		return nil, stats, err
	}
	loader := seed.NewLoader(svc, "", env, zerolog.Nop())
	var errs []error
	for _, path := range paths {
		st, err := loader.LoadFile(ctx, path)
		stats.Files += st.Files
		stats.Flags += st.Flags
		stats.Segments += st.Segments
		stats.Skipped += st.Skipped
		if err != nil {
			errs = append(errs, err)
		}
	}
	return svc, stats, errors.Join(errs...)
}

// EvalRows converts service evaluations to output rows. A legacy document
// yields one row per rule, keyed flag.rule.
func EvalRows(evals []evaluation.FlagEvaluation) []EvalRow {
	rows := make([]EvalRow, 0, len(evals))
	for _, fe := range evals {
		if fe.Err != nil && !fe.IsLegacy {
			rows = append(rows, EvalRow{FlagID: fe.FlagKey, Version: fe.Version, Error: fe.Err.Error()})
			continue
		}
		if fe.IsLegacy {
			for _, r := range fe.Legacy {
				row := EvalRow{FlagID: fe.FlagKey + "." + r.Key, Value: r.Enabled, Version: fe.Version}
				if r.Err != nil {
					row.Error = r.Err.Error()
				}
				rows = append(rows, row)
			}
			continue
		}
		row := EvalRow{
			FlagID:    fe.FlagKey,
			Value:     fe.Result.Value(),
			Variation: fe.Result.Variation,
			Reason:    string(fe.Result.Reason),
			RuleID:    fe.Result.RuleID,
			Version:   fe.Version,
		}
		if fe.Result.Bucket >= 0 {
			b := fe.Result.Bucket
			row.Bucket = &b
		}
		if fe.Result.Err != nil {
			row.Error = fe.Result.Err.Error()
		}
		rows = append(rows, row)
	}
	return rows
}

// RemoteRows converts a batch response of the HTTP API to output rows.
func RemoteRows(details []client.Details, results map[string]any) []EvalRow {
	rows := make([]EvalRow, 0, len(details))
	for _, d := range details {
		rows = append(rows, EvalRow{
			FlagID:    d.FlagID,
			Value:     results[d.FlagID],
			Variation: d.Variation,
			Reason:    d.Reason,
			RuleID:    d.RuleID,
			Bucket:    d.Bucket,
			Version:   d.Version,
			Error:     d.Error,
		})
	}
	return rows
}

// ParseContext decodes a --context JSON object into evaluation traits.
func ParseContext(s string) (rules.Context, error) {
	attrs := map[string]any{}
	if s != "" {
		if err := json.Unmarshal([]byte(s), &attrs); err != nil {
			return nil, fmt.Errorf("invalid --context: %w", err)
		}
	}
	return rules.NewContext(attrs)
}
