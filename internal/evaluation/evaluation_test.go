package evaluation

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/TimurManjosov/flagship-sdk-backend/internal/engine"
	"github.com/TimurManjosov/flagship-sdk-backend/internal/rules"
	"github.com/TimurManjosov/flagship-sdk-backend/internal/snapshot"
	"github.com/TimurManjosov/flagship-sdk-backend/internal/store"
)

const countryPlanRules = `{
	"defaultVar": "off",
	"rules": [
		{"id": "blocked", "kind": "deny", "match": {"cond": {"attr": "country", "op": "eq", "value": "KP"}}},
		{"id": "pro", "kind": "allow",
		 "match": {"all": [{"cond": {"attr": "plan", "op": "eq", "value": "pro"}}, {"cond": {"attr": "country", "op": "in", "values": ["US", "CA"]}}]},
		 "outcome": {"fixedVariation": "on"}}
	]
}`

func version(v int64) *int64 { return &v }

func newTestService(t *testing.T) (*Service, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	svc, err := NewService(st, Options{})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc, st
}

func publish(t *testing.T, svc *Service, key string, v int64, blob string) {
	t.Helper()
	err := svc.UpdateCache(context.Background(), CacheUpdate{
		UserID: "admin", Env: "prod", FlagKey: key, Rules: []byte(blob), Version: version(v),
	})
	if err != nil {
		t.Fatalf("UpdateCache(%s): %v", key, err)
	}
}

func traits(kv ...any) rules.Context {
	m := make(map[string]any, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		m[kv[i].(string)] = kv[i+1]
	}
	c, err := rules.NewContext(m)
	if err != nil {
		panic(err)
	}
	return c
}

func TestEvaluate_CountryPlan(t *testing.T) {
	svc, _ := newTestService(t)
	publish(t, svc, "checkout", 1, countryPlanRules)

	tests := []struct {
		name      string
		ctx       rules.Context
		variation string
		reason    engine.Reason
		ruleID    string
	}{
		{"pro in US", traits("userId", "u1", "plan", "pro", "country", "US"), "on", engine.ReasonTargetingMatch, "pro"},
		{"free in US", traits("userId", "u1", "plan", "free", "country", "US"), "off", engine.ReasonFallthrough, engine.MarkerFallthrough},
		{"pro in KP", traits("userId", "u1", "plan", "pro", "country", "KP"), "off", engine.ReasonDenied, "blocked"},
		{"missing traits", traits("userId", "u1"), "off", engine.ReasonFallthrough, engine.MarkerFallthrough},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fe, err := svc.Evaluate(context.Background(), "prod", "checkout", tt.ctx)
			if err != nil {
				t.Fatalf("Evaluate: %v", err)
			}
			if fe.Result.Variation != tt.variation || fe.Result.Reason != tt.reason || fe.Result.RuleID != tt.ruleID {
				t.Errorf("got %s/%s/%s, want %s/%s/%s", fe.Result.Variation, fe.Result.Reason, fe.Result.RuleID, tt.variation, tt.reason, tt.ruleID)
			}
			if fe.Version != 1 {
				t.Errorf("expected version 1, got %d", fe.Version)
			}
			if got := fe.Results()["checkout"]; got != tt.variation {
				t.Errorf("Results() = %v", fe.Results())
			}
		})
	}
}

func TestEvaluate_NotFound(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.Evaluate(context.Background(), "prod", "missing", traits("userId", "u1"))
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestEvaluate_InvalidRequest(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.Evaluate(context.Background(), "", "", nil)
	var reqErr *RequestError
	if !errors.As(err, &reqErr) || !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected RequestError, got %v", err)
	}
	if _, ok := reqErr.Fields["flagId"]; !ok {
		t.Errorf("expected flagId problem, got %v", reqErr.Fields)
	}
}

func TestEvaluate_Legacy(t *testing.T) {
	svc, _ := newTestService(t)
	publish(t, svc, "legacy", 1, `[
		{"key": "beta", "field": "plan", "op": "eq", "value": "beta"},
		{"key": "adults", "field": "age", "op": "gte", "value": 18}
	]`)

	fe, err := svc.Evaluate(context.Background(), "prod", "legacy", traits("userId", "u1", "plan", "beta", "age", 16))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !fe.IsLegacy {
		t.Fatal("expected legacy evaluation")
	}
	got := fe.Results()
	if got["beta"] != true || got["adults"] != false {
		t.Errorf("unexpected results %v", got)
	}
}

func TestEvaluate_SegmentsAndCycles(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	var def rules.Match
	if err := json.Unmarshal([]byte(`{"cond":{"attr":"plan","op":"eq","value":"pro"}}`), &def); err != nil {
		t.Fatal(err)
	}
	if err := svc.PutSegment(ctx, "prod", rules.Segment{ID: "pros", Definition: def}); err != nil {
		t.Fatalf("PutSegment: %v", err)
	}
	publish(t, svc, "seg-flag", 1, `{"defaultVar":"off","rules":[{"kind":"allow","match":{"segmentId":"pros"},"outcome":{"fixedVariation":"on"}}]}`)

	fe, err := svc.Evaluate(ctx, "prod", "seg-flag", traits("userId", "u1", "plan", "pro"))
	if err != nil || fe.Result.Variation != "on" {
		t.Fatalf("expected segment match, got %+v %v", fe.Result, err)
	}

	// A segment that would close a cycle is rejected at publish time.
	err = svc.PutSegment(ctx, "prod", rules.Segment{ID: "pros", Definition: rules.SegmentRef("pros")})
	if !errors.Is(err, rules.ErrCyclicSegmentReference) {
		t.Fatalf("expected cycle rejection, got %v", err)
	}

	// Updating the segment invalidates the cached set.
	if err := svc.PutSegment(ctx, "prod", rules.Segment{ID: "pros", Definition: rules.Any()}); err != nil {
		t.Fatalf("PutSegment: %v", err)
	}
	fe, _ = svc.Evaluate(ctx, "prod", "seg-flag", traits("userId", "u1", "plan", "pro"))
	if fe.Result.Variation != "off" {
		t.Errorf("expected empty any to stop matching, got %+v", fe.Result)
	}
}

func TestEvaluate_RuntimeSegmentCycleFromStore(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()
	// Written behind the service's back, so publish-time validation never ran.
	_ = st.PutSegment(ctx, store.SegmentRecord{ID: "A", Env: "prod", Data: json.RawMessage(`{"id":"A","definition":{"segmentId":"A"}}`)})
	publish(t, svc, "cyc", 1, `{"defaultVar":"off","rules":[{"kind":"allow","match":{"segmentId":"A"}}]}`)

	fe, err := svc.Evaluate(ctx, "prod", "cyc", traits("userId", "u1"))
	if err != nil {
		t.Fatalf("evaluation errors belong in the result, got %v", err)
	}
	if !errors.Is(fe.Err, engine.ErrCyclicSegmentReference) || fe.Result.Reason != engine.ReasonError {
		t.Errorf("expected cyclic segment error, got %+v", fe.Result)
	}
	if len(fe.Results()) != 0 {
		t.Errorf("failed evaluations project no results, got %v", fe.Results())
	}
}

func TestEvaluate_Prerequisites(t *testing.T) {
	svc, _ := newTestService(t)
	publish(t, svc, "base", 1, `{"defaultVar":"off","rules":[{"kind":"allow","match":{"cond":{"attr":"plan","op":"eq","value":"pro"}},"outcome":{"fixedVariation":"on"}}]}`)
	publish(t, svc, "child", 1, `{"defaultVar":"yes","offVar":"no","prerequisites":[{"flagKey":"base","variations":["on"]}],"rules":[]}`)
	publish(t, svc, "orphan", 1, `{"defaultVar":"yes","offVar":"no","prerequisites":[{"flagKey":"ghost","variations":["on"]}],"rules":[]}`)

	ctx := context.Background()
	fe, _ := svc.Evaluate(ctx, "prod", "child", traits("userId", "u1", "plan", "pro"))
	if fe.Result.Variation != "yes" || fe.Result.Reason != engine.ReasonFallthrough {
		t.Errorf("met prerequisite: got %+v", fe.Result)
	}
	fe, _ = svc.Evaluate(ctx, "prod", "child", traits("userId", "u1", "plan", "free"))
	if fe.Result.Variation != "no" || fe.Result.Reason != engine.ReasonPrerequisiteFailed {
		t.Errorf("unmet prerequisite: got %+v", fe.Result)
	}
	fe, _ = svc.Evaluate(ctx, "prod", "orphan", traits("userId", "u1"))
	if fe.Result.RuleID != engine.MarkerPrerequisiteBlocked {
		t.Errorf("missing prerequisite: got %+v", fe.Result)
	}
}

func TestEvaluateBatch(t *testing.T) {
	svc, _ := newTestService(t)
	publish(t, svc, "checkout", 1, countryPlanRules)
	publish(t, svc, "banner", 1, `{"defaultVar":"blue","rules":[]}`)

	ctx := context.Background()
	results, err := svc.EvaluateBatch(ctx, "prod", []string{"checkout", "missing", "banner", "checkout"}, traits("userId", "u1", "plan", "pro", "country", "CA"))
	if err != nil {
		t.Fatalf("EvaluateBatch: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("expected duplicates removed, got %d results", len(results))
	}
	if results[0].FlagKey != "checkout" || results[0].Result.Variation != "on" {
		t.Errorf("checkout: %+v", results[0])
	}
	if !errors.Is(results[1].Err, store.ErrNotFound) {
		t.Errorf("missing flag should carry ErrNotFound, got %v", results[1].Err)
	}
	if results[2].Result.Variation != "blue" {
		t.Errorf("banner: %+v", results[2])
	}

	all, err := svc.EvaluateBatch(ctx, "prod", nil, traits("userId", "u1"))
	if err != nil {
		t.Fatalf("EvaluateBatch(all): %v", err)
	}
	if len(all) != 2 || all[0].FlagKey != "banner" || all[1].FlagKey != "checkout" {
		t.Errorf("expected every flag in key order, got %+v", all)
	}
}

func TestUpdateCache_Rejections(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		update CacheUpdate
		check  func(error) bool
	}{
		{
			name:   "missing fields",
			update: CacheUpdate{FlagKey: "f"},
			check:  func(err error) bool { return errors.Is(err, ErrInvalidRequest) },
		},
		{
			name:   "missing version",
			update: CacheUpdate{UserID: "u", Env: "prod", FlagKey: "f", Rules: []byte(`{"defaultVar":"x"}`)},
			check:  func(err error) bool { return errors.Is(err, ErrInvalidRequest) },
		},
		{
			name:   "malformed document",
			update: CacheUpdate{UserID: "u", Env: "prod", FlagKey: "f", Rules: []byte(`"text"`), Version: version(1)},
			check:  func(err error) bool { return errors.Is(err, rules.ErrMalformedDocument) },
		},
		{
			name:   "truncated document",
			update: CacheUpdate{UserID: "u", Env: "prod", FlagKey: "f", Rules: []byte(`{"rules":`), Version: version(1)},
			check:  func(err error) bool { return errors.Is(err, rules.ErrMalformedDocument) },
		},
		{
			name: "invalid rules",
			update: CacheUpdate{UserID: "u", Env: "prod", FlagKey: "f", Version: version(1),
				Rules: []byte(`{"defaultVar":"x","rules":[{"kind":"allow","match":{"cond":{"attr":"a","op":"nope","value":1}}}]}`)},
			check: func(err error) bool {
				var cfg *rules.ConfigurationError
				return errors.As(err, &cfg) && errors.Is(err, rules.ErrInvalidOperator)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := svc.UpdateCache(ctx, tt.update)
			if err == nil || !tt.check(err) {
				t.Fatalf("unexpected error: %v", err)
			}
			if _, err := st.GetFlag(ctx, "prod", "f"); !errors.Is(err, store.ErrNotFound) {
				t.Error("store must not be touched by a rejected update")
			}
		})
	}
}

func TestUpdateCache_StaleVersionAndInvalidation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	publish(t, svc, "f", 2, `{"defaultVar":"v2","rules":[]}`)

	err := svc.UpdateCache(ctx, CacheUpdate{UserID: "u", Env: "prod", FlagKey: "f", Rules: []byte(`{"defaultVar":"v1","rules":[]}`), Version: version(1)})
	if !errors.Is(err, store.ErrStaleVersion) {
		t.Fatalf("expected ErrStaleVersion, got %v", err)
	}

	publish(t, svc, "f", 3, `{"defaultVar":"v3","rules":[]}`)
	fe, _ := svc.Evaluate(ctx, "prod", "f", traits("userId", "u1"))
	if fe.Result.Variation != "v3" || fe.Version != 3 {
		t.Errorf("expected the new version to be served, got %+v", fe)
	}
}

func TestUpdateCache_Notifies(t *testing.T) {
	svc, _ := newTestService(t)
	events, unsub := svc.Notifier().Subscribe()
	defer unsub()

	publish(t, svc, "f", 1, `{"defaultVar":"x","rules":[]}`)

	select {
	case ev := <-events:
		if ev.Kind != snapshot.EventFlagUpdated || ev.Key != "f" || ev.Version != 1 || ev.ETag == "" {
			t.Errorf("unexpected event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no event published")
	}
}

func TestDeleteFlag(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	publish(t, svc, "f", 1, `{"defaultVar":"x","rules":[]}`)

	if err := svc.DeleteFlag(ctx, "prod", "f"); err != nil {
		t.Fatalf("DeleteFlag: %v", err)
	}
	if _, err := svc.Evaluate(ctx, "prod", "f", traits("userId", "u1")); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected deleted flag to be gone, got %v", err)
	}
	if err := svc.DeleteFlag(ctx, "prod", "f"); err != nil {
		t.Errorf("delete must be idempotent: %v", err)
	}
}

func TestGetRules(t *testing.T) {
	svc, _ := newTestService(t)
	publish(t, svc, "f", 4, `{"defaultVar":"x","rules":[]}`)

	entry, err := svc.GetRules(context.Background(), "prod", "f")
	if err != nil {
		t.Fatalf("GetRules: %v", err)
	}
	if entry.Version != 4 || entry.ETag != snapshot.ETag(entry.Raw) {
		t.Errorf("unexpected entry %+v", entry)
	}
}

// countingStore counts GetFlag calls to observe singleflight and caching.
type countingStore struct {
	store.Store
	gets  atomic.Int32
	delay time.Duration
}

func (c *countingStore) GetFlag(ctx context.Context, env, key string) (*store.Record, error) {
	c.gets.Add(1)
	time.Sleep(c.delay)
	return c.Store.GetFlag(ctx, env, key)
}

func TestLoad_DeduplicatesAndCaches(t *testing.T) {
	mem := store.NewMemoryStore()
	_ = mem.PutFlag(context.Background(), store.Record{FlagKey: "hot", Env: "prod", Version: 1, Rules: json.RawMessage(`{"defaultVar":"x","rules":[]}`)})
	cs := &countingStore{Store: mem, delay: 20 * time.Millisecond}
	svc, err := NewService(cs, Options{})
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.Evaluate(context.Background(), "prod", "hot", traits("userId", "u1")); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	if n := cs.gets.Load(); n != 1 {
		t.Errorf("expected one store read, got %d", n)
	}
}

// slowStore blocks GetFlag until its context ends.
type slowStore struct{ store.Store }

func (slowStore) GetFlag(ctx context.Context, env, key string) (*store.Record, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestLoad_FetchTimeout(t *testing.T) {
	svc, err := NewService(slowStore{store.NewMemoryStore()}, Options{FetchTimeout: 10 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	_, err = svc.Evaluate(context.Background(), "prod", "f", traits("userId", "u1"))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

// gatedStore holds the first read of a flag or segment set after it has
// reached the store, until release is closed.
type gatedStore struct {
	store.Store
	once    sync.Once
	read    chan struct{}
	release chan struct{}
}

func newGatedStore(inner store.Store) *gatedStore {
	return &gatedStore{Store: inner, read: make(chan struct{}), release: make(chan struct{})}
}

func (g *gatedStore) hold() {
	first := false
	g.once.Do(func() { first = true })
	if first {
		close(g.read)
		<-g.release
	}
}

func (g *gatedStore) GetFlag(ctx context.Context, env, key string) (*store.Record, error) {
	rec, err := g.Store.GetFlag(ctx, env, key)
	g.hold()
	return rec, err
}

func (g *gatedStore) GetSegments(ctx context.Context, env string) ([]store.SegmentRecord, error) {
	recs, err := g.Store.GetSegments(ctx, env)
	g.hold()
	return recs, err
}

func TestLoad_DeleteDuringReadIsNotResurrected(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	_ = mem.PutFlag(ctx, store.Record{FlagKey: "gone", Env: "prod", Version: 1, Rules: json.RawMessage(`{"defaultVar":"x","rules":[]}`)})
	gs := newGatedStore(mem)
	svc, err := NewService(gs, Options{FetchTimeout: time.Minute})
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := svc.Evaluate(ctx, "prod", "gone", traits("userId", "u1"))
		done <- err
	}()

	<-gs.read
	if err := svc.DeleteFlag(ctx, "prod", "gone"); err != nil {
		t.Fatalf("DeleteFlag: %v", err)
	}
	close(gs.release)
	if err := <-done; err != nil {
		t.Fatalf("in-flight evaluation: %v", err)
	}

	if _, ok := svc.cache.Get("prod", "gone"); ok {
		t.Error("read that raced with delete must not be cached")
	}
	if _, err := svc.Evaluate(ctx, "prod", "gone", traits("userId", "u1")); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected not found after delete, got %v", err)
	}
}

func TestSegments_DeleteDuringReadIsNotResurrected(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	_ = mem.PutSegment(ctx, store.SegmentRecord{ID: "old", Env: "prod", Data: json.RawMessage(`{"id":"old","definition":{"all":[]}}`)})
	gs := newGatedStore(mem)
	svc, err := NewService(gs, Options{FetchTimeout: time.Minute})
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := svc.segments(ctx, "prod")
		done <- err
	}()

	<-gs.read
	if err := svc.DeleteSegment(ctx, "prod", "old"); err != nil {
		t.Fatalf("DeleteSegment: %v", err)
	}
	close(gs.release)
	if err := <-done; err != nil {
		t.Fatalf("in-flight segment read: %v", err)
	}

	set, err := svc.segments(ctx, "prod")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := set.Segments["old"]; ok {
		t.Error("deleted segment came back from a stale read")
	}
}

func TestValidateRules(t *testing.T) {
	if err := ValidateRules("f", []byte(countryPlanRules)); err != nil {
		t.Errorf("valid rules rejected: %v", err)
	}
	err := ValidateRules("f", []byte(`{"defaultVar":"x","rules":[{"kind":"allow","match":{"cond":{"attr":"a","op":"eq","value":1}},"outcome":{"rollout":{"allocations":[{"variation":"a","percent":70},{"variation":"b","percent":40}]}}}]}`))
	if !errors.Is(err, rules.ErrDistributionSumExceeded) {
		t.Errorf("expected sum exceeded, got %v", err)
	}
}
