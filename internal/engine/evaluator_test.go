package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"

	"github.com/TimurManjosov/flagship-sdk-backend/internal/rules"
)

func ptr[T any](v T) *T { return &v }

func eq(attr string, v rules.Value) rules.Match {
	return rules.Cond(rules.Condition{Attr: attr, Op: rules.OpEq, Value: &v})
}

func flagOf(key string, rs rules.RuleSet) *Flag {
	return &Flag{Key: key, RuleSet: &rs}
}

func evaluate(t *testing.T, f *Flag, traits rules.Context) Result {
	t.Helper()
	return New().Evaluate(context.Background(), f, traits, nil)
}

func TestEvaluate_CountryPlanScenario(t *testing.T) {
	f := flagOf("new-checkout", rules.RuleSet{
		DefaultVar: "off",
		Rules: []rules.Rule{
			{ID: "embargo", Kind: rules.KindDeny,
				Match: rules.Cond(rules.Condition{Attr: "country", Op: rules.OpIn, Values: rules.Strings("CU", "SY")})},
			{ID: "pro-users", Kind: rules.KindAllow, Match: eq("plan", rules.String("pro")),
				Outcome: &rules.Outcome{FixedVariation: ptr("on")}},
		},
	})
	traits := rules.Context{"userId": rules.String("u1"), "country": rules.String("US"), "plan": rules.String("pro")}

	res := evaluate(t, f, traits)
	if res.Err != nil {
		t.Fatalf("unexpected error: %v", res.Err)
	}
	if res.Variation != "on" || res.RuleID != "pro-users" || res.Reason != ReasonTargetingMatch {
		t.Errorf("got %+v", res)
	}
}

func TestEvaluate_EmptyRulesFallthrough(t *testing.T) {
	res := evaluate(t, flagOf("f", rules.RuleSet{Rules: []rules.Rule{}, DefaultVar: "off"}), rules.Context{"userId": rules.String("u1")})
	if res.Variation != "off" || res.RuleID != MarkerFallthrough || res.Reason != ReasonFallthrough {
		t.Errorf("got %+v", res)
	}
}

func TestEvaluate_DenyPrecedence(t *testing.T) {
	f := flagOf("f", rules.RuleSet{
		DefaultVar: "off",
		OffVar:     "blocked",
		Rules: []rules.Rule{
			{ID: "deny-all", Kind: rules.KindDeny, Match: rules.All()},
			{ID: "allow-all", Kind: rules.KindAllow, Match: rules.All(), Outcome: &rules.Outcome{FixedVariation: ptr("on")}},
		},
	})
	res := evaluate(t, f, rules.Context{"userId": rules.String("u1")})
	if res.Reason != ReasonDenied || res.RuleID != "deny-all" || res.Variation != "blocked" {
		t.Errorf("got %+v", res)
	}
}

func TestEvaluate_KillswitchPrecedence(t *testing.T) {
	f := flagOf("f", rules.RuleSet{
		DefaultVar: "off",
		Killswitch: true,
		Rules: []rules.Rule{
			{ID: "allow-all", Kind: rules.KindAllow, Match: rules.All(), Outcome: &rules.Outcome{FixedVariation: ptr("on")}},
		},
	})
	res := evaluate(t, f, rules.Context{"userId": rules.String("u1")})
	if res.Reason != ReasonKillswitch || res.RuleID != MarkerKillswitch || res.Variation != "off" {
		t.Errorf("got %+v", res)
	}
}

func TestEvaluate_DisabledRuleSkipped(t *testing.T) {
	f := flagOf("f", rules.RuleSet{
		DefaultVar: "off",
		Rules: []rules.Rule{
			{ID: "deny-all", Kind: rules.KindDeny, Disabled: true, Match: rules.All()},
			{ID: "allow", Kind: rules.KindAllow, Match: rules.All()},
		},
	})
	res := evaluate(t, f, rules.Context{})
	if res.RuleID != "allow" || res.Variation != VariationTrue || res.Value() != true {
		t.Errorf("got %+v", res)
	}
}

func TestEvaluate_PriorityOrder(t *testing.T) {
	f := flagOf("f", rules.RuleSet{
		DefaultVar: "off",
		Rules: []rules.Rule{
			{ID: "late", Kind: rules.KindAllow, Priority: ptr(20), Match: rules.All(), Outcome: &rules.Outcome{FixedVariation: ptr("late")}},
			{ID: "early", Kind: rules.KindAllow, Priority: ptr(10), Match: rules.All(), Outcome: &rules.Outcome{FixedVariation: ptr("early")}},
		},
	})
	if res := evaluate(t, f, rules.Context{}); res.RuleID != "early" {
		t.Errorf("got rule %q, want early", res.RuleID)
	}
}

func TestEvaluate_EmptyCombinators(t *testing.T) {
	allow := func(m rules.Match) *Flag {
		return flagOf("f", rules.RuleSet{DefaultVar: "off", Rules: []rules.Rule{{ID: "r", Kind: rules.KindAllow, Match: m}}})
	}
	if res := evaluate(t, allow(rules.All()), rules.Context{}); res.RuleID != "r" {
		t.Errorf("empty all should match, got %+v", res)
	}
	if res := evaluate(t, allow(rules.Any()), rules.Context{}); res.RuleID != MarkerFallthrough {
		t.Errorf("empty any should not match, got %+v", res)
	}
	if res := evaluate(t, allow(rules.Match{}), rules.Context{}); res.RuleID != MarkerFallthrough || res.Err != nil {
		t.Errorf("invalid node should not match, got %+v", res)
	}
}

func TestEvaluate_Rollout(t *testing.T) {
	dist := &rules.Distribution{Allocations: []rules.Allocation{
		{Variation: "A", Percent: 25}, {Variation: "B", Percent: 25}, {Variation: "C", Percent: 50},
	}}
	f := flagOf("checkout", rules.RuleSet{
		DefaultVar: "control",
		Rules:      []rules.Rule{{ID: "r1", Kind: rules.KindAllow, Match: rules.All(), Outcome: &rules.Outcome{Rollout: dist}}},
	})

	// Salt is "checkout:r1": u1 lands in bucket 67, u2 in bucket 43.
	tests := []struct {
		user   string
		bucket int
		want   string
	}{
		{"u1", 67, "C"},
		{"u2", 43, "B"},
	}
	for _, tt := range tests {
		res := evaluate(t, f, rules.Context{"userId": rules.String(tt.user)})
		if res.Reason != ReasonRollout || res.Variation != tt.want || res.Bucket != tt.bucket {
			t.Errorf("%s: got %+v, want %s in bucket %d", tt.user, res, tt.want, tt.bucket)
		}
	}
}

func TestEvaluate_RolloutUsesRuleSetSalt(t *testing.T) {
	f := flagOf("checkout", rules.RuleSet{
		DefaultVar: "control",
		Salt:       "-v2",
		Rules: []rules.Rule{{ID: "r1", Kind: rules.KindAllow, Match: rules.All(),
			Outcome: &rules.Outcome{Rollout: &rules.Distribution{Allocations: []rules.Allocation{{Variation: "on", Percent: 100}}}}}},
	})
	// Salt is "checkout-v2": u1 lands in bucket 72.
	if res := evaluate(t, f, rules.Context{"userId": rules.String("u1")}); res.Bucket != 72 {
		t.Errorf("got bucket %d, want 72", res.Bucket)
	}
}

func TestEvaluate_RolloutFallback(t *testing.T) {
	partial := &rules.Distribution{Allocations: []rules.Allocation{{Variation: "A", Percent: 25}, {Variation: "B", Percent: 25}}}
	f := flagOf("checkout", rules.RuleSet{
		DefaultVar: "control",
		Rules:      []rules.Rule{{ID: "r1", Kind: rules.KindAllow, Match: rules.All(), Outcome: &rules.Outcome{Rollout: partial}}},
	})

	res := evaluate(t, f, rules.Context{"userId": rules.String("u1")})
	if res.Reason != ReasonRolloutFallback || res.Variation != "control" || res.Bucket != 67 {
		t.Errorf("beyond allocations: got %+v", res)
	}

	res = evaluate(t, f, rules.Context{"plan": rules.String("pro")})
	if res.Reason != ReasonRolloutFallback || res.Variation != "control" || res.Bucket != -1 {
		t.Errorf("missing stickiness: got %+v", res)
	}
}

func TestEvaluate_CustomStickiness(t *testing.T) {
	f := flagOf("checkout", rules.RuleSet{
		DefaultVar: "control",
		Rules: []rules.Rule{{ID: "r1", Kind: rules.KindAllow, Match: rules.All(),
			Outcome: &rules.Outcome{Rollout: &rules.Distribution{StickinessAttr: "accountId",
				Allocations: []rules.Allocation{{Variation: "on", Percent: 100}}}}}},
	})
	a := evaluate(t, f, rules.Context{"userId": rules.String("x"), "accountId": rules.String("u1")})
	b := evaluate(t, f, rules.Context{"userId": rules.String("y"), "accountId": rules.String("u1")})
	if a.Bucket != b.Bucket || a.Bucket != 67 {
		t.Errorf("same account must share bucket 67: got %d and %d", a.Bucket, b.Bucket)
	}
}

func TestEvaluate_Segments(t *testing.T) {
	segments := rules.Segments{
		"pro":      {ID: "pro", Definition: eq("plan", rules.String("pro"))},
		"pro-beta": {ID: "pro-beta", Definition: rules.All(rules.SegmentRef("pro"), eq("beta", rules.Bool(true)))},
	}
	f := &Flag{Key: "f", Segments: segments, RuleSet: &rules.RuleSet{
		DefaultVar: "off",
		Rules: []rules.Rule{
			{ID: "ghost", Kind: rules.KindAllow, Match: rules.SegmentRef("missing")},
			{ID: "beta", Kind: rules.KindAllow, Match: rules.SegmentRef("pro-beta"), Outcome: &rules.Outcome{FixedVariation: ptr("on")}},
		},
	}}

	res := evaluate(t, f, rules.Context{"plan": rules.String("pro"), "beta": rules.Bool(true)})
	if res.RuleID != "beta" || res.Variation != "on" {
		t.Errorf("nested segment: got %+v", res)
	}
	res = evaluate(t, f, rules.Context{"plan": rules.String("free"), "beta": rules.Bool(true)})
	if res.RuleID != MarkerFallthrough {
		t.Errorf("non-member: got %+v", res)
	}
}

func TestEvaluate_SegmentCycle(t *testing.T) {
	f := &Flag{
		Key:      "f",
		Segments: rules.Segments{"A": {ID: "A", Definition: rules.SegmentRef("A")}},
		RuleSet: &rules.RuleSet{DefaultVar: "off", Rules: []rules.Rule{
			{ID: "r", Kind: rules.KindAllow, Match: rules.SegmentRef("A")},
		}},
	}
	res := evaluate(t, f, rules.Context{})
	if !errors.Is(res.Err, ErrCyclicSegmentReference) {
		t.Fatalf("got %v, want ErrCyclicSegmentReference", res.Err)
	}
	var cyc *CyclicSegmentError
	if !errors.As(res.Err, &cyc) || !reflect.DeepEqual(cyc.Chain, []string{"A", "A"}) {
		t.Errorf("chain: got %+v", cyc)
	}
	if res.Reason != ReasonError || res.Variation != "off" || res.RuleID != "r" {
		t.Errorf("got %+v", res)
	}
}

func TestEvaluate_SegmentIndirectCycle(t *testing.T) {
	f := &Flag{
		Key: "f",
		Segments: rules.Segments{
			"A": {ID: "A", Definition: rules.Any(eq("x", rules.Number(1)), rules.SegmentRef("B"))},
			"B": {ID: "B", Definition: rules.All(rules.SegmentRef("A"))},
		},
		RuleSet: &rules.RuleSet{DefaultVar: "off", Rules: []rules.Rule{{Kind: rules.KindAllow, Match: rules.SegmentRef("A")}}},
	}
	if res := evaluate(t, f, rules.Context{}); !errors.Is(res.Err, ErrCyclicSegmentReference) {
		t.Fatalf("got %v, want ErrCyclicSegmentReference", res.Err)
	}
}

func TestEvaluate_SegmentDepthBound(t *testing.T) {
	segments := rules.Segments{}
	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("s%d", i)
		segments[id] = rules.Segment{ID: id, Definition: rules.SegmentRef(fmt.Sprintf("s%d", i+1))}
	}
	segments["s5"] = rules.Segment{ID: "s5", Definition: rules.All()}
	f := &Flag{Key: "f", Segments: segments, RuleSet: &rules.RuleSet{DefaultVar: "off",
		Rules: []rules.Rule{{Kind: rules.KindAllow, Match: rules.SegmentRef("s0")}}}}

	if res := New().Evaluate(context.Background(), f, rules.Context{}, nil); res.Err != nil || res.Variation != VariationTrue {
		t.Errorf("within default depth: got %+v", res)
	}
	res := New(WithMaxSegmentDepth(3)).Evaluate(context.Background(), f, rules.Context{}, nil)
	if !errors.Is(res.Err, ErrSegmentDepthExceeded) {
		t.Errorf("got %v, want ErrSegmentDepthExceeded", res.Err)
	}
}

func TestEvaluate_InvalidRegexIsEvaluationError(t *testing.T) {
	bad := rules.String("(unclosed")
	f := flagOf("f", rules.RuleSet{DefaultVar: "off", Rules: []rules.Rule{
		{ID: "rx", Kind: rules.KindAllow, Match: rules.Cond(rules.Condition{Attr: "email", Op: rules.OpRegex, Value: &bad})},
	}})
	res := evaluate(t, f, rules.Context{"email": rules.String("a@b.c")})

	var evalErr *EvaluationError
	if !errors.As(res.Err, &evalErr) {
		t.Fatalf("got %T %v, want *EvaluationError", res.Err, res.Err)
	}
	if evalErr.FlagKey != "f" || evalErr.RuleID != "rx" || !errors.Is(res.Err, ErrInvalidPattern) {
		t.Errorf("got %+v", evalErr)
	}
	if res.Reason != ReasonError || res.Variation != "off" {
		t.Errorf("got %+v", res)
	}
}

func TestEvaluate_Expression(t *testing.T) {
	f := flagOf("f", rules.RuleSet{DefaultVar: "off", Rules: []rules.Rule{
		{ID: "expr", Kind: rules.KindAllow, Match: rules.Expr(`{">=": [{"var": "age"}, 18]}`)},
	}})
	if res := evaluate(t, f, rules.Context{"age": rules.Number(21)}); res.RuleID != "expr" {
		t.Errorf("adult: got %+v", res)
	}
	if res := evaluate(t, f, rules.Context{"age": rules.Number(12)}); res.RuleID != MarkerFallthrough {
		t.Errorf("minor: got %+v", res)
	}
}

func TestEvaluate_ExpressionSeesProjectedTraits(t *testing.T) {
	f := flagOf("f", rules.RuleSet{DefaultVar: "off", Rules: []rules.Rule{
		{ID: "beta", Kind: rules.KindAllow, Match: rules.Expr(`{"and": [{"in": ["beta", {"var": "groups"}]}, {"var": "verified"}]}`)},
	}})
	traits := rules.Context{
		"groups":   rules.List(rules.Strings("staff", "beta")...),
		"verified": rules.Bool(true),
	}
	if res := evaluate(t, f, traits); res.RuleID != "beta" {
		t.Errorf("list and bool traits: got %+v", res)
	}

	var decoded rules.Context
	if err := json.Unmarshal([]byte(`{"groups":["beta"],"verified":null}`), &decoded); err != nil {
		t.Fatal(err)
	}
	if res := evaluate(t, f, decoded); res.RuleID != MarkerFallthrough {
		t.Errorf("null trait must read as missing: got %+v", res)
	}
}

func TestEvaluate_NilRuleSet(t *testing.T) {
	res := New().Evaluate(context.Background(), &Flag{Key: "f"}, rules.Context{}, nil)
	if !errors.Is(res.Err, ErrNoRuleSet) || res.Reason != ReasonError {
		t.Errorf("got %+v", res)
	}
}

// ---------------------------------------------------------------------------
// Prerequisites
// ---------------------------------------------------------------------------

func prereqFlags() MapSource {
	return MapSource{
		"base": flagOf("base", rules.RuleSet{DefaultVar: "off", Rules: []rules.Rule{
			{ID: "pro", Kind: rules.KindAllow, Match: eq("plan", rules.String("pro")), Outcome: &rules.Outcome{FixedVariation: ptr("on")}},
		}}),
		"child": flagOf("child", rules.RuleSet{
			DefaultVar:    "off",
			OffVar:        "gated",
			Prerequisites: []rules.Prerequisite{{FlagKey: "base", Variations: []string{"on"}}},
			Rules:         []rules.Rule{{ID: "all", Kind: rules.KindAllow, Match: rules.All()}},
		}),
		"orphan": flagOf("orphan", rules.RuleSet{
			DefaultVar:    "off",
			Prerequisites: []rules.Prerequisite{{FlagKey: "nope", Variations: []string{"on"}}},
		}),
		"ping": flagOf("ping", rules.RuleSet{
			DefaultVar:    "off",
			Prerequisites: []rules.Prerequisite{{FlagKey: "pong", Variations: []string{"off"}}},
		}),
		"pong": flagOf("pong", rules.RuleSet{
			DefaultVar:    "off",
			Prerequisites: []rules.Prerequisite{{FlagKey: "ping", Variations: []string{"off"}}},
		}),
	}
}

func TestEvaluate_Prerequisites(t *testing.T) {
	src := prereqFlags()
	e := New()
	ctx := context.Background()

	res := e.Evaluate(ctx, src["child"], rules.Context{"plan": rules.String("pro")}, src)
	if res.RuleID != "all" || res.Variation != VariationTrue {
		t.Errorf("met: got %+v", res)
	}

	res = e.Evaluate(ctx, src["child"], rules.Context{"plan": rules.String("free")}, src)
	if res.Reason != ReasonPrerequisiteFailed || res.RuleID != MarkerPrerequisiteBlocked || res.Variation != "gated" {
		t.Errorf("unmet: got %+v", res)
	}

	res = e.Evaluate(ctx, src["orphan"], rules.Context{}, src)
	if res.Reason != ReasonPrerequisiteFailed || res.Err != nil {
		t.Errorf("missing prerequisite: got %+v", res)
	}

	res = e.Evaluate(ctx, src["child"], rules.Context{"plan": rules.String("pro")}, nil)
	if res.Reason != ReasonPrerequisiteFailed {
		t.Errorf("no source: got %+v", res)
	}
}

func TestEvaluate_PrerequisiteBeforeKillswitch(t *testing.T) {
	src := prereqFlags()
	killed := *src["child"].RuleSet
	killed.Killswitch = true
	res := New().Evaluate(context.Background(), &Flag{Key: "child", RuleSet: &killed}, rules.Context{"plan": rules.String("free")}, src)
	if res.Reason != ReasonPrerequisiteFailed {
		t.Errorf("got %+v", res)
	}
}

func TestEvaluate_PrerequisiteCycle(t *testing.T) {
	src := prereqFlags()
	res := New().Evaluate(context.Background(), src["ping"], rules.Context{}, src)
	if !errors.Is(res.Err, ErrCyclicFlagPrerequisite) {
		t.Fatalf("got %v, want ErrCyclicFlagPrerequisite", res.Err)
	}
	var cyc *CyclicPrerequisiteError
	if !errors.As(res.Err, &cyc) || !reflect.DeepEqual(cyc.Chain, []string{"ping", "pong", "ping"}) {
		t.Errorf("chain: got %+v", cyc)
	}
}

func TestEvaluate_PrerequisiteDepthBound(t *testing.T) {
	src := MapSource{}
	for i := 0; i < 6; i++ {
		key := fmt.Sprintf("f%d", i)
		rs := rules.RuleSet{DefaultVar: "off"}
		if i < 5 {
			rs.Prerequisites = []rules.Prerequisite{{FlagKey: fmt.Sprintf("f%d", i+1), Variations: []string{"off"}}}
		}
		src[key] = flagOf(key, rs)
	}
	if res := New().Evaluate(context.Background(), src["f0"], rules.Context{}, src); res.Err != nil {
		t.Errorf("within default depth: got %v", res.Err)
	}
	res := New(WithMaxPrerequisiteDepth(2)).Evaluate(context.Background(), src["f0"], rules.Context{}, src)
	if !errors.Is(res.Err, ErrPrerequisiteDepthExceeded) {
		t.Errorf("got %v, want ErrPrerequisiteDepthExceeded", res.Err)
	}
}

func TestEvaluate_SourceFailure(t *testing.T) {
	boom := errors.New("store unavailable")
	src := FlagSourceFunc(func(context.Context, string) (*Flag, error) { return nil, boom })
	res := New().Evaluate(context.Background(), prereqFlags()["child"], rules.Context{}, src)
	if !errors.Is(res.Err, boom) || res.Reason != ReasonError {
		t.Errorf("got %+v", res)
	}
}

// ---------------------------------------------------------------------------
// Determinism and isolation
// ---------------------------------------------------------------------------

func TestEvaluate_Idempotent(t *testing.T) {
	f := flagOf("checkout", rules.RuleSet{
		DefaultVar: "control",
		Rules: []rules.Rule{{ID: "r1", Kind: rules.KindAllow, Match: rules.All(),
			Outcome: &rules.Outcome{Rollout: &rules.Distribution{Allocations: []rules.Allocation{
				{Variation: "A", Percent: 50}, {Variation: "B", Percent: 50},
			}}}}},
	})
	traits := rules.Context{"userId": rules.String("user-42")}
	first := evaluate(t, f, traits)
	for i := 0; i < 50; i++ {
		if got := evaluate(t, f, traits); got != first {
			t.Fatalf("run %d: got %+v, want %+v", i, got, first)
		}
	}
}

func TestEvaluate_ConcurrentIndependence(t *testing.T) {
	f := flagOf("f", rules.RuleSet{DefaultVar: "off", Rules: []rules.Rule{
		{ID: "pro", Kind: rules.KindAllow, Match: eq("plan", rules.String("pro")), Outcome: &rules.Outcome{FixedVariation: ptr("on")}},
	}})
	e := New()

	var wg sync.WaitGroup
	errs := make(chan string, 200)
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			plan, want := "free", "off"
			if i%2 == 0 {
				plan, want = "pro", "on"
			}
			res := e.Evaluate(context.Background(), f, rules.Context{"plan": rules.String(plan)}, nil)
			if res.Variation != want {
				errs <- fmt.Sprintf("goroutine %d: got %q, want %q", i, res.Variation, want)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for msg := range errs {
		t.Error(msg)
	}
}

func TestResultValue(t *testing.T) {
	tests := []struct {
		variation string
		want      any
	}{
		{"true", true},
		{"false", false},
		{"blue", "blue"},
	}
	for _, tt := range tests {
		if got := (Result{Variation: tt.variation}).Value(); got != tt.want {
			t.Errorf("Value(%q) = %v, want %v", tt.variation, got, tt.want)
		}
	}
}
