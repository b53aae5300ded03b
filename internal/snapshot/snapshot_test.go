package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/TimurManjosov/flagship-sdk-backend/internal/rules"
	"github.com/TimurManjosov/flagship-sdk-backend/internal/store"
)

func record(key string, version int64, blob string) store.Record {
	return store.Record{FlagKey: key, Env: "prod", Version: version, Rules: json.RawMessage(blob)}
}

func TestETag_Deterministic(t *testing.T) {
	a := ETag([]byte(`{"defaultVar":"off"}`))
	b := ETag([]byte(`{"defaultVar":"off"}`))
	c := ETag([]byte(`{"defaultVar":"on"}`))
	if a != b {
		t.Errorf("expected equal ETags, got %s and %s", a, b)
	}
	if a == c {
		t.Error("expected different ETags for different blobs")
	}
	if !strings.HasPrefix(a, `W/"`) || !strings.HasSuffix(a, `"`) {
		t.Errorf("expected weak ETag format, got %s", a)
	}
}

func TestBuildEntry(t *testing.T) {
	e, err := BuildEntry(record("checkout", 3, `{"defaultVar":"off","rules":[]}`))
	if err != nil {
		t.Fatalf("BuildEntry: %v", err)
	}
	if e.Document.IsLegacy() || e.Document.RuleSet.DefaultVar != "off" {
		t.Errorf("unexpected document: %+v", e.Document)
	}
	if e.Version != 3 || e.ETag == "" {
		t.Errorf("unexpected entry: %+v", e)
	}

	legacy, err := BuildEntry(record("old", 1, `[{"key":"beta","field":"plan","op":"eq","value":"pro"}]`))
	if err != nil {
		t.Fatalf("BuildEntry legacy: %v", err)
	}
	if !legacy.Document.IsLegacy() {
		t.Error("expected legacy document")
	}

	_, err = BuildEntry(record("bad", 1, `"nope"`))
	if !errors.Is(err, rules.ErrMalformedDocument) {
		t.Errorf("expected ErrMalformedDocument, got %v", err)
	}
}

func TestBuildSegments(t *testing.T) {
	recs := []store.SegmentRecord{
		{ID: "beta", Env: "prod", Data: json.RawMessage(`{"id":"beta","definition":{"cond":{"attr":"plan","op":"eq","value":"beta"}}}`)},
		{ID: "vip", Env: "prod", Data: json.RawMessage(`{"definition":{"segmentId":"beta"}}`)},
	}
	set, err := BuildSegments("prod", recs)
	if err != nil {
		t.Fatalf("BuildSegments: %v", err)
	}
	if len(set.Segments) != 2 {
		t.Fatalf("expected 2 segments, got %d", len(set.Segments))
	}
	if set.Segments["vip"].ID != "vip" {
		t.Errorf("record id should fill a missing segment id, got %q", set.Segments["vip"].ID)
	}
	if set.Segments["vip"].Definition.Kind != rules.MatchSegment {
		t.Errorf("unexpected definition kind %v", set.Segments["vip"].Definition.Kind)
	}

	again, _ := BuildSegments("prod", recs)
	if again.ETag != set.ETag {
		t.Error("segment ETag should be deterministic")
	}

	if _, err := BuildSegments("prod", []store.SegmentRecord{{ID: "x", Data: json.RawMessage(`[`)}}); err == nil {
		t.Error("expected decode error")
	}
}

func TestCache_PutGetInvalidate(t *testing.T) {
	c, err := NewCache(8)
	if err != nil {
		t.Fatal(err)
	}
	e, _ := BuildEntry(record("checkout", 2, `{"defaultVar":"off"}`))
	c.Put(e)

	got, ok := c.Get("prod", "checkout")
	if !ok || got != e {
		t.Fatalf("expected cached entry, got %v %v", got, ok)
	}
	if _, ok := c.Get("dev", "checkout"); ok {
		t.Error("environments must not share entries")
	}

	c.Invalidate("prod", "checkout")
	if _, ok := c.Get("prod", "checkout"); ok {
		t.Error("expected entry to be invalidated")
	}
}

func TestCache_PutKeepsNewerVersion(t *testing.T) {
	c, _ := NewCache(8)
	newer, _ := BuildEntry(record("f", 5, `{"defaultVar":"new"}`))
	older, _ := BuildEntry(record("f", 4, `{"defaultVar":"old"}`))

	c.Put(newer)
	c.Put(older)

	got, _ := c.Get("prod", "f")
	if got.Version != 5 {
		t.Errorf("expected version 5 to survive, got %d", got.Version)
	}
}

func TestCache_Eviction(t *testing.T) {
	c, _ := NewCache(2)
	for i := 0; i < 3; i++ {
		e, _ := BuildEntry(record(fmt.Sprintf("f%d", i), 1, `{"defaultVar":"x"}`))
		c.Put(e)
	}
	if c.Len() != 2 {
		t.Errorf("expected 2 entries, got %d", c.Len())
	}
	if _, ok := c.Get("prod", "f0"); ok {
		t.Error("expected least recently used entry to be evicted")
	}
}

func TestCache_Segments(t *testing.T) {
	c, _ := NewCache(0)
	set, _ := BuildSegments("prod", nil)
	c.PutSegments(set)
	if got, ok := c.Segments("prod"); !ok || got != set {
		t.Fatal("expected cached segment set")
	}
	c.InvalidateSegments("prod")
	if _, ok := c.Segments("prod"); ok {
		t.Error("expected segment set to be invalidated")
	}
}

func TestCache_PutIfCurrent(t *testing.T) {
	c, _ := NewCache(8)
	e, _ := BuildEntry(record("f", 1, `{"defaultVar":"x"}`))

	gen := c.Generation("prod", "f")
	c.Invalidate("prod", "f")
	if c.PutIfCurrent(e, gen) {
		t.Error("expected put with a stale generation to be dropped")
	}
	if _, ok := c.Get("prod", "f"); ok {
		t.Error("stale put must not populate the cache")
	}

	if !c.PutIfCurrent(e, c.Generation("prod", "f")) {
		t.Error("expected put with the current generation to succeed")
	}
	if c.Generation("prod", "other") != 0 {
		t.Error("generations are per key")
	}

	epoch := c.Epoch()
	c.Invalidate("prod", "unrelated")
	g, _ := BuildEntry(record("g", 1, `{"defaultVar":"x"}`))
	if c.PutIfQuiet(g, epoch) {
		t.Error("expected bulk put to be dropped after any invalidation")
	}
	if !c.PutIfQuiet(g, c.Epoch()) {
		t.Error("expected bulk put with the current epoch to succeed")
	}

	set, _ := BuildSegments("prod", nil)
	segGen := c.SegmentsGeneration("prod")
	c.InvalidateSegments("prod")
	if c.PutSegmentsIfCurrent(set, segGen) {
		t.Error("expected stale segment put to be dropped")
	}
	if !c.PutSegmentsIfCurrent(set, c.SegmentsGeneration("prod")) {
		t.Error("expected current segment put to succeed")
	}
}

func TestCache_ConcurrentAccess(t *testing.T) {
	c, _ := NewCache(16)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func(v int64) {
			defer wg.Done()
			e, _ := BuildEntry(record("hot", v, `{"defaultVar":"x"}`))
			c.Put(e)
		}(int64(i))
		go func() {
			defer wg.Done()
			c.Get("prod", "hot")
		}()
	}
	wg.Wait()
	got, ok := c.Get("prod", "hot")
	if !ok || got.Version != 49 {
		t.Errorf("expected highest version to win, got %+v", got)
	}
}
