// Package evaluation serves flag evaluations and cache updates.
//
// A Service sits between the transports (REST, gRPC, seed loader) and the
// pure rule engine. It owns the I/O side of evaluation:
//
//  1. Load the published rules document of a flag, from the decoded
//     snapshot cache or the store (deduplicated with singleflight and
//     bounded by the fetch timeout).
//  2. Load the segment map of the environment the same way.
//  3. Run the engine with a FlagSource that resolves prerequisite flags
//     through the same cache.
//
// Evaluation errors are part of the returned FlagEvaluation, never a reason
// to fail a batch. Only lookups that cannot produce a document (unknown flag,
// store failure) are returned as errors.
//
// Cache updates run decode, validate, persist, cache and notify in that
// order; a document that fails validation never reaches the store.
package evaluation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/iter"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/TimurManjosov/flagship-sdk-backend/internal/engine"
	"github.com/TimurManjosov/flagship-sdk-backend/internal/rules"
	"github.com/TimurManjosov/flagship-sdk-backend/internal/snapshot"
	"github.com/TimurManjosov/flagship-sdk-backend/internal/store"
	"github.com/TimurManjosov/flagship-sdk-backend/internal/telemetry"
	"github.com/TimurManjosov/flagship-sdk-backend/internal/validation"
)

// Defaults applied by NewService.
const (
	DefaultFetchTimeout     = 2 * time.Second
	DefaultBatchConcurrency = 8
)

// ErrInvalidRequest is returned when a request is missing required fields.
var ErrInvalidRequest = errors.New("invalid request")

// RequestError carries the per-field problems of a rejected request.
type RequestError struct {
	Fields map[string]string
}

func (e *RequestError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	msg := "invalid request"
	for i, k := range keys {
		sep := ", "
		if i == 0 {
			sep = ": "
		}
		msg += sep + k + ": " + e.Fields[k]
	}
	return msg
}

// Unwrap lets errors.Is match ErrInvalidRequest.
func (e *RequestError) Unwrap() error { return ErrInvalidRequest }

func requestError(r *validation.ValidationResult) error {
	if r.Valid {
		return nil
	}
	return &RequestError{Fields: r.Errors}
}

// CacheUpdate publishes a serialized rules document for one flag.
type CacheUpdate struct {
	UserID  string
	Env     string
	FlagKey string
	Rules   []byte
	Version *int64
}

// FlagEvaluation is the outcome of evaluating one flag. Exactly one of
// Result and Legacy is meaningful, depending on the document format.
type FlagEvaluation struct {
	FlagKey  string
	Env      string
	Version  int64
	IsLegacy bool
	Result   engine.Result
	Legacy   []engine.LegacyResult
	Err      error
}

// Results projects the evaluation for clients: a rule set yields
// {flagKey: value}, a legacy document yields {ruleKey: bool}.
func (f FlagEvaluation) Results() map[string]any {
	if f.IsLegacy {
		m := engine.LegacyMap(f.Legacy)
		out := make(map[string]any, len(m))
		for k, v := range m {
			out[k] = v
		}
		return out
	}
	if f.Err != nil {
		return map[string]any{}
	}
	return map[string]any{f.FlagKey: f.Result.Value()}
}

// Failed reports whether the evaluation, or any legacy rule, failed.
func (f FlagEvaluation) Failed() bool {
	if f.Err != nil {
		return true
	}
	for _, r := range f.Legacy {
		if r.Err != nil {
			return true
		}
	}
	return false
}

// Options configures a Service.
type Options struct {
	Engine           *engine.Engine
	Cache            *snapshot.Cache
	Notifier         *snapshot.Notifier
	FetchTimeout     time.Duration
	BatchConcurrency int
	Logger           zerolog.Logger
}

// Service evaluates flags against published rules. It is safe for concurrent use.
type Service struct {
	store        store.Store
	engine       *engine.Engine
	cache        *snapshot.Cache
	notifier     *snapshot.Notifier
	loads        singleflight.Group
	fetchTimeout time.Duration
	batchWorkers int
	logger       zerolog.Logger
	tracer       trace.Tracer
}

// NewService creates a service backed by st. Zero-valued options fall back to defaults.
func NewService(st store.Store, opts Options) (*Service, error) {
	if st == nil {
		return nil, errors.New("evaluation: store is required")
	}
	if opts.Engine == nil {
		opts.Engine = engine.New()
	}
	if opts.Cache == nil {
		c, err := snapshot.NewCache(snapshot.DefaultSize)
		if err != nil {
			return nil, err
		}
		opts.Cache = c
	}
	if opts.Notifier == nil {
		opts.Notifier = snapshot.NewNotifier(16)
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = DefaultFetchTimeout
	}
	if opts.BatchConcurrency <= 0 {
		opts.BatchConcurrency = DefaultBatchConcurrency
	}
	return &Service{
		store:        st,
		engine:       opts.Engine,
		cache:        opts.Cache,
		notifier:     opts.Notifier,
		fetchTimeout: opts.FetchTimeout,
		batchWorkers: opts.BatchConcurrency,
		logger:       opts.Logger.With().Str("component", "evaluation").Logger(),
		tracer:       telemetry.Tracer(),
	}, nil
}

// Notifier returns the notifier receiving cache update events.
func (s *Service) Notifier() *snapshot.Notifier { return s.notifier }

// Evaluate evaluates one flag for traits.
//
// Returns an error wrapping store.ErrNotFound when the flag has no published
// rules, and a *RequestError for malformed input. Evaluation errors are
// reported in FlagEvaluation.Err with a nil error.
func (s *Service) Evaluate(ctx context.Context, env, flagKey string, traits rules.Context) (FlagEvaluation, error) {
	req := validation.ValidateEnv("envId", env)
	req.Merge(validation.ValidateKey("flagId", flagKey))
	req.Merge(validation.ValidateContext(len(traits)))
	if err := requestError(req); err != nil {
		return FlagEvaluation{FlagKey: flagKey, Env: env, Err: err}, err
	}

	ctx, span := s.tracer.Start(ctx, "evaluation.Evaluate", trace.WithAttributes(
		attribute.String("flag.env", env),
		attribute.String("flag.key", flagKey),
	))
	defer span.End()

	fe, err := s.evaluate(ctx, env, flagKey, traits)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fe, err
	}
	span.SetAttributes(attribute.Bool("flag.legacy", fe.IsLegacy))
	if !fe.IsLegacy {
		span.SetAttributes(attribute.String("flag.reason", string(fe.Result.Reason)))
	}
	return fe, nil
}

func (s *Service) evaluate(ctx context.Context, env, flagKey string, traits rules.Context) (FlagEvaluation, error) {
	fe := FlagEvaluation{FlagKey: flagKey, Env: env}

	entry, err := s.load(ctx, env, flagKey)
	if err != nil {
		fe.Err = err
		return fe, err
	}
	fe.Version = entry.Version

	if entry.Document.IsLegacy() {
		fe.IsLegacy = true
		fe.Legacy = s.engine.EvaluateLegacy(flagKey, entry.Document.Legacy, traits)
		for _, r := range fe.Legacy {
			if r.Err != nil {
				telemetry.RecordEvaluationError("legacy_rule")
				s.logger.Warn().Err(r.Err).Str("env", env).Str("flag", flagKey).Str("rule", r.Key).Msg("legacy rule failed")
			}
		}
		telemetry.RecordEvaluation("LEGACY")
		return fe, nil
	}

	segs, err := s.segments(ctx, env)
	if err != nil {
		fe.Err = err
		return fe, err
	}

	flag := &engine.Flag{
		Key:      flagKey,
		Version:  entry.Version,
		RuleSet:  entry.Document.RuleSet,
		Segments: segs.Segments,
	}
	fe.Result = s.engine.Evaluate(ctx, flag, traits, &flagSource{svc: s, env: env, segments: segs.Segments})
	fe.Err = fe.Result.Err
	telemetry.RecordEvaluation(string(fe.Result.Reason))
	if fe.Err != nil {
		telemetry.RecordEvaluationError(errorKind(fe.Err))
		s.logger.Warn().Err(fe.Err).Str("env", env).Str("flag", flagKey).Str("rule", fe.Result.RuleID).Msg("flag evaluation failed")
	}
	return fe, nil
}

// EvaluateBatch evaluates several flags for one context.
//
// An empty keys slice evaluates every flag published in env. Results are
// returned in request order (key order for a full environment); a flag that cannot be loaded or evaluated carries
// its error in FlagEvaluation.Err and never aborts the batch.
func (s *Service) EvaluateBatch(ctx context.Context, env string, keys []string, traits rules.Context) ([]FlagEvaluation, error) {
	req := validation.ValidateEnv("envId", env)
	req.Merge(validation.ValidateContext(len(traits)))
	if err := requestError(req); err != nil {
		return nil, err
	}

	ctx, span := s.tracer.Start(ctx, "evaluation.EvaluateBatch", trace.WithAttributes(
		attribute.String("flag.env", env),
		attribute.Int("flag.count", len(keys)),
	))
	defer span.End()

	if len(keys) == 0 {
		all, err := s.publishedKeys(ctx, env)
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		keys = all
	} else {
		keys = dedupe(keys)
	}

	mapper := iter.Mapper[string, FlagEvaluation]{MaxGoroutines: s.batchWorkers}
	return mapper.Map(keys, func(key *string) FlagEvaluation {
		fe, err := s.Evaluate(ctx, env, *key, traits)
		if err != nil {
			fe.Err = err
		}
		return fe
	}), nil
}

// publishedKeys lists the flags of env and warms the cache with their documents.
func (s *Service) publishedKeys(ctx context.Context, env string) ([]string, error) {
	epoch := s.cache.Epoch()
	fctx, cancel := s.fetchContext(ctx)
	defer cancel()

	start := time.Now()
	recs, err := s.store.ListFlags(fctx, env)
	telemetry.ObserveStoreOp("list_flags", start, err)
	if err != nil {
		return nil, fmt.Errorf("list flags %s: %w", env, err)
	}
	keys := make([]string, 0, len(recs))
	for _, rec := range recs {
		keys = append(keys, rec.FlagKey)
		if entry, err := snapshot.BuildEntry(rec); err == nil {
			s.cache.PutIfQuiet(entry, epoch)
		}
	}
	return keys, nil
}

// UpdateCache validates and publishes a rules document.
//
// Returns a *RequestError for missing fields, an error wrapping
// rules.ErrMalformedDocument for undecodable rules, a
// *rules.ConfigurationError for invalid rules, and store.ErrStaleVersion
// when a newer version is already published. The store is untouched in all
// of these cases.
func (s *Service) UpdateCache(ctx context.Context, u CacheUpdate) error {
	if err := requestError(validation.ValidateCacheUpdate(validation.CacheUpdateParams{
		UserID:  u.UserID,
		Env:     u.Env,
		FlagKey: u.FlagKey,
		Rules:   u.Rules,
		Version: u.Version,
	})); err != nil {
		return err
	}

	ctx, span := s.tracer.Start(ctx, "evaluation.UpdateCache", trace.WithAttributes(
		attribute.String("flag.env", u.Env),
		attribute.String("flag.key", u.FlagKey),
		attribute.Int64("flag.version", *u.Version),
	))
	defer span.End()

	if err := ValidateRules(u.FlagKey, u.Rules); err != nil {
		span.RecordError(err)
		return err
	}

	rec := store.Record{
		FlagKey: u.FlagKey,
		Env:     u.Env,
		UserID:  u.UserID,
		Version: *u.Version,
		Rules:   u.Rules,
	}

	fctx, cancel := s.fetchContext(ctx)
	defer cancel()
	start := time.Now()
	err := s.store.PutFlag(fctx, rec)
	telemetry.ObserveStoreOp("put_flag", start, err)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("publish %s/%s v%d: %w", u.Env, u.FlagKey, *u.Version, err)
	}

	entry, err := snapshot.BuildEntry(rec)
	if err != nil {
		return err
	}
	entry.UpdatedAt = time.Now().UTC()
	s.cache.Invalidate(u.Env, u.FlagKey)
	s.cache.Put(entry)
	telemetry.CachedFlags.Set(float64(s.cache.Len()))

	s.notifier.Publish(snapshot.Event{
		Kind:    snapshot.EventFlagUpdated,
		Env:     u.Env,
		Key:     u.FlagKey,
		Version: entry.Version,
		ETag:    entry.ETag,
	})
	s.logger.Info().
		Str("env", u.Env).
		Str("flag", u.FlagKey).
		Str("user", u.UserID).
		Int64("version", entry.Version).
		Msg("rules published")
	return nil
}

// ValidateRules decodes and validates a serialized rules document without
// publishing it.
func ValidateRules(flagKey string, blob []byte) error {
	doc, err := rules.Decode(blob)
	if err != nil {
		return err
	}
	return doc.Validate(flagKey)
}

// DeleteFlag removes a published flag. Deleting an unknown flag is not an error.
func (s *Service) DeleteFlag(ctx context.Context, env, flagKey string) error {
	req := validation.ValidateEnv("envId", env)
	req.Merge(validation.ValidateKey("flagId", flagKey))
	if err := requestError(req); err != nil {
		return err
	}

	fctx, cancel := s.fetchContext(ctx)
	defer cancel()
	start := time.Now()
	err := s.store.DeleteFlag(fctx, env, flagKey)
	telemetry.ObserveStoreOp("delete_flag", start, err)
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", env, flagKey, err)
	}
	s.cache.Invalidate(env, flagKey)
	telemetry.CachedFlags.Set(float64(s.cache.Len()))
	s.notifier.Publish(snapshot.Event{Kind: snapshot.EventFlagDeleted, Env: env, Key: flagKey})
	s.logger.Info().Str("env", env).Str("flag", flagKey).Msg("flag deleted")
	return nil
}

// PutSegment validates and stores a segment. The merged segment map of env
// must stay free of reference cycles.
func (s *Service) PutSegment(ctx context.Context, env string, seg rules.Segment) error {
	req := validation.ValidateEnv("envId", env)
	req.Merge(validation.ValidateKey("segmentId", seg.ID))
	if err := requestError(req); err != nil {
		return err
	}

	current, err := s.segments(ctx, env)
	if err != nil {
		return err
	}
	merged := make(rules.Segments, len(current.Segments)+1)
	for id, existing := range current.Segments {
		merged[id] = existing
	}
	merged[seg.ID] = seg
	if err := rules.ValidateSegments(merged); err != nil {
		return err
	}

	data, err := json.Marshal(seg)
	if err != nil {
		return err
	}
	fctx, cancel := s.fetchContext(ctx)
	defer cancel()
	start := time.Now()
	err = s.store.PutSegment(fctx, store.SegmentRecord{ID: seg.ID, Env: env, Data: data})
	telemetry.ObserveStoreOp("put_segment", start, err)
	if err != nil {
		return fmt.Errorf("put segment %s/%s: %w", env, seg.ID, err)
	}
	s.cache.InvalidateSegments(env)
	s.notifier.Publish(snapshot.Event{Kind: snapshot.EventSegmentUpdated, Env: env, Key: seg.ID})
	s.logger.Info().Str("env", env).Str("segment", seg.ID).Msg("segment stored")
	return nil
}

// DeleteSegment removes a segment. Rules still referencing it stop matching.
func (s *Service) DeleteSegment(ctx context.Context, env, id string) error {
	req := validation.ValidateEnv("envId", env)
	req.Merge(validation.ValidateKey("segmentId", id))
	if err := requestError(req); err != nil {
		return err
	}

	fctx, cancel := s.fetchContext(ctx)
	defer cancel()
	start := time.Now()
	err := s.store.DeleteSegment(fctx, env, id)
	telemetry.ObserveStoreOp("delete_segment", start, err)
	if err != nil {
		return fmt.Errorf("delete segment %s/%s: %w", env, id, err)
	}
	s.cache.InvalidateSegments(env)
	s.notifier.Publish(snapshot.Event{Kind: snapshot.EventSegmentUpdated, Env: env, Key: id})
	return nil
}

// GetRules returns the published document of a flag.
func (s *Service) GetRules(ctx context.Context, env, flagKey string) (*snapshot.Entry, error) {
	req := validation.ValidateEnv("envId", env)
	req.Merge(validation.ValidateKey("flagId", flagKey))
	if err := requestError(req); err != nil {
		return nil, err
	}
	return s.load(ctx, env, flagKey)
}

// load returns the decoded document of a flag, reading through the cache.
func (s *Service) load(ctx context.Context, env, flagKey string) (*snapshot.Entry, error) {
	if entry, ok := s.cache.Get(env, flagKey); ok {
		telemetry.RecordCacheLookup(true)
		return entry, nil
	}
	telemetry.RecordCacheLookup(false)

	v, err, _ := s.loads.Do("flag/"+env+"/"+flagKey, func() (any, error) {
		if entry, ok := s.cache.Get(env, flagKey); ok {
			return entry, nil
		}
		gen := s.cache.Generation(env, flagKey)
		fctx, cancel := s.fetchContext(context.WithoutCancel(ctx))
		defer cancel()

		start := time.Now()
		rec, err := s.store.GetFlag(fctx, env, flagKey)
		telemetry.ObserveStoreOp("get_flag", start, err)
		if err != nil {
			return nil, fmt.Errorf("flag %s/%s: %w", env, flagKey, err)
		}
		entry, err := snapshot.BuildEntry(*rec)
		if err != nil {
			return nil, err
		}
		s.cache.PutIfCurrent(entry, gen)
		telemetry.CachedFlags.Set(float64(s.cache.Len()))
		return entry, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*snapshot.Entry), nil
}

// segments returns the decoded segment map of env, reading through the cache.
func (s *Service) segments(ctx context.Context, env string) (*snapshot.SegmentSet, error) {
	if set, ok := s.cache.Segments(env); ok {
		return set, nil
	}

	v, err, _ := s.loads.Do("segments/"+env, func() (any, error) {
		gen := s.cache.SegmentsGeneration(env)
		fctx, cancel := s.fetchContext(context.WithoutCancel(ctx))
		defer cancel()

		start := time.Now()
		recs, err := s.store.GetSegments(fctx, env)
		telemetry.ObserveStoreOp("get_segments", start, err)
		if err != nil {
			return nil, fmt.Errorf("segments %s: %w", env, err)
		}
		set, err := snapshot.BuildSegments(env, recs)
		if err != nil {
			return nil, err
		}
		s.cache.PutSegmentsIfCurrent(set, gen)
		return set, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*snapshot.SegmentSet), nil
}

func (s *Service) fetchContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.fetchTimeout)
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, engine.ErrCyclicSegmentReference):
		return "cyclic_segment"
	case errors.Is(err, engine.ErrCyclicFlagPrerequisite):
		return "cyclic_prerequisite"
	case errors.Is(err, engine.ErrSegmentDepthExceeded), errors.Is(err, engine.ErrPrerequisiteDepthExceeded):
		return "depth_exceeded"
	default:
		return "evaluation"
	}
}

func dedupe(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}
