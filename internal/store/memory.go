package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory implementation of the Store interface.
// It uses maps for storage and RWMutex for thread-safe concurrent access.
// This implementation is suitable for development, testing, or single-instance deployments.
type MemoryStore struct {
	mu       sync.RWMutex
	flags    map[string]Record        // env/key -> Record
	segments map[string]SegmentRecord // env/id -> SegmentRecord
	now      func() time.Time
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		flags:    make(map[string]Record),
		segments: make(map[string]SegmentRecord),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// GetFlag retrieves a single flag.
func (m *MemoryStore) GetFlag(ctx context.Context, env, key string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, exists := m.flags[flagKey(env, key)]
	if !exists {
		return nil, ErrNotFound
	}
	return &rec, nil
}

// ListFlags retrieves all flags for the given environment, ordered by key.
func (m *MemoryStore) ListFlags(ctx context.Context, env string) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]Record, 0)
	for _, rec := range m.flags {
		if rec.Env == env {
			result = append(result, rec)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].FlagKey < result[j].FlagKey })
	return result, nil
}

// PutFlag creates or replaces a flag in memory.
func (m *MemoryStore) PutFlag(ctx context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := flagKey(rec.Env, rec.FlagKey)
	if existing, ok := m.flags[k]; ok {
		if err := checkVersion(existing.Version, rec.Version); err != nil {
			return err
		}
	}
	rec.UpdatedAt = m.now()
	m.flags[k] = rec
	return nil
}

// DeleteFlag removes a flag from memory.
func (m *MemoryStore) DeleteFlag(ctx context.Context, env, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Idempotent: no error if flag doesn't exist
	delete(m.flags, flagKey(env, key))
	return nil
}

// PutSegment creates or replaces a segment in memory.
func (m *MemoryStore) PutSegment(ctx context.Context, seg SegmentRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	seg.UpdatedAt = m.now()
	m.segments[segmentKey(seg.Env, seg.ID)] = seg
	return nil
}

// GetSegments retrieves all segments of env, ordered by id.
func (m *MemoryStore) GetSegments(ctx context.Context, env string) ([]SegmentRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]SegmentRecord, 0)
	for _, seg := range m.segments {
		if seg.Env == env {
			result = append(result, seg)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// DeleteSegment removes a segment from memory.
func (m *MemoryStore) DeleteSegment(ctx context.Context, env, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.segments, segmentKey(env, id))
	return nil
}

// Close is a no-op for MemoryStore as there are no resources to release.
func (m *MemoryStore) Close() error {
	return nil
}
