// Package snapshot caches decoded rule documents in front of the store.
package snapshot

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/TimurManjosov/flagship-sdk-backend/internal/rules"
	"github.com/TimurManjosov/flagship-sdk-backend/internal/store"
)

// DefaultSize is the number of flag documents kept when no size is configured.
const DefaultSize = 4096

// Entry is one decoded, published flag document.
type Entry struct {
	Env       string
	FlagKey   string
	Version   int64
	ETag      string
	Raw       []byte
	Document  *rules.Document
	UpdatedAt time.Time
}

// SegmentSet is the decoded segment map of one environment.
type SegmentSet struct {
	Env      string
	Segments rules.Segments
	ETag     string
}

// ETag returns a weak entity tag for a serialized blob.
func ETag(blob []byte) string {
	return `W/"` + strconv.FormatUint(xxhash.Sum64(blob), 16) + `"`
}

// BuildEntry decodes a stored record.
func BuildEntry(rec store.Record) (*Entry, error) {
	doc, err := rules.Decode(rec.Rules)
	if err != nil {
		return nil, fmt.Errorf("flag %s/%s: %w", rec.Env, rec.FlagKey, err)
	}
	return &Entry{
		Env:       rec.Env,
		FlagKey:   rec.FlagKey,
		Version:   rec.Version,
		ETag:      ETag(rec.Rules),
		Raw:       rec.Rules,
		Document:  doc,
		UpdatedAt: rec.UpdatedAt,
	}, nil
}

// BuildSegments decodes the stored segments of one environment. The ETag
// covers every segment blob in id order.
func BuildSegments(env string, recs []store.SegmentRecord) (*SegmentSet, error) {
	segs := make(rules.Segments, len(recs))
	d := xxhash.New()
	for _, r := range recs {
		seg, err := rules.DecodeSegment(r.Data)
		if err != nil {
			return nil, fmt.Errorf("segment %s/%s: %w", env, r.ID, err)
		}
		if seg.ID == "" {
			seg.ID = r.ID
		}
		segs[r.ID] = seg
		_, _ = d.WriteString(r.ID)
		_, _ = d.Write(r.Data)
	}
	return &SegmentSet{
		Env:      env,
		Segments: segs,
		ETag:     `W/"` + strconv.FormatUint(d.Sum64(), 16) + `"`,
	}, nil
}

// Cache is a bounded LRU of decoded flag documents and per-environment
// segment sets. It is safe for concurrent use.
//
// Every invalidation bumps a generation counter for the invalidated key.
// Loaders read the generation before going to the store and publish
// through PutIfCurrent, so a read that raced with a delete or update
// cannot resurrect the old document.
type Cache struct {
	mu       sync.Mutex // guards version checks in Put and the generations
	flags    *lru.Cache[string, *Entry]
	segments *lru.Cache[string, *SegmentSet]
	flagGen  map[string]uint64
	segGen   map[string]uint64
	epoch    uint64 // bumped by every flag invalidation
}

// NewCache creates a cache holding up to size flag documents.
func NewCache(size int) (*Cache, error) {
	if size <= 0 {
		size = DefaultSize
	}
	flags, err := lru.New[string, *Entry](size)
	if err != nil {
		return nil, err
	}
	segments, err := lru.New[string, *SegmentSet](256)
	if err != nil {
		return nil, err
	}
	return &Cache{
		flags:    flags,
		segments: segments,
		flagGen:  make(map[string]uint64),
		segGen:   make(map[string]uint64),
	}, nil
}

func cacheKey(env, flagKey string) string { return env + "/" + flagKey }

// Get returns the cached document of a flag.
func (c *Cache) Get(env, flagKey string) (*Entry, bool) {
	return c.flags.Get(cacheKey(env, flagKey))
}

// Generation returns the invalidation generation of a flag.
func (c *Cache) Generation(env, flagKey string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flagGen[cacheKey(env, flagKey)]
}

// Epoch returns a counter bumped by every flag invalidation.
func (c *Cache) Epoch() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch
}

// PutIfQuiet stores e only if no flag was invalidated since epoch was read.
func (c *Cache) PutIfQuiet(e *Entry, epoch uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.epoch != epoch {
		return false
	}
	return c.put(cacheKey(e.Env, e.FlagKey), e)
}

// Put stores e unless a newer version is already cached.
func (c *Cache) Put(e *Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.put(cacheKey(e.Env, e.FlagKey), e)
}

// PutIfCurrent stores e only if the flag was not invalidated since gen was
// read. It reports whether e was stored.
func (c *Cache) PutIfCurrent(e *Entry, gen uint64) bool {
	k := cacheKey(e.Env, e.FlagKey)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.flagGen[k] != gen {
		return false
	}
	return c.put(k, e)
}

func (c *Cache) put(k string, e *Entry) bool {
	if cur, ok := c.flags.Peek(k); ok && cur.Version > e.Version {
		return false
	}
	c.flags.Add(k, e)
	return true
}

// Invalidate drops a flag document.
func (c *Cache) Invalidate(env, flagKey string) {
	k := cacheKey(env, flagKey)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flagGen[k]++
	c.epoch++
	c.flags.Remove(k)
}

// Segments returns the cached segment set of env.
func (c *Cache) Segments(env string) (*SegmentSet, bool) {
	return c.segments.Get(env)
}

// SegmentsGeneration returns the invalidation generation of the segment
// set of env.
func (c *Cache) SegmentsGeneration(env string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.segGen[env]
}

// PutSegments caches the segment set of its environment.
func (c *Cache) PutSegments(s *SegmentSet) {
	c.segments.Add(s.Env, s)
}

// PutSegmentsIfCurrent caches s only if the segment set of its environment
// was not invalidated since gen was read.
func (c *Cache) PutSegmentsIfCurrent(s *SegmentSet, gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.segGen[s.Env] != gen {
		return false
	}
	c.segments.Add(s.Env, s)
	return true
}

// InvalidateSegments drops the segment set of env.
func (c *Cache) InvalidateSegments(env string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.segGen[env]++
	c.segments.Remove(env)
}

// Len returns the number of cached flag documents.
func (c *Cache) Len() int { return c.flags.Len() }

// Purge empties the cache.
func (c *Cache) Purge() {
	c.flags.Purge()
	c.segments.Purge()
}
