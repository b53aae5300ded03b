package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when a flag or segment does not exist. It is an
// expected outcome for unpublished or deleted entities.
var ErrNotFound = errors.New("not found")

// ErrStaleVersion is returned by PutFlag when the stored record is newer.
var ErrStaleVersion = errors.New("stale version")

// Store defines the interface for the published rules cache.
// Implementations must be thread-safe and support concurrent access.
type Store interface {
	// GetFlag retrieves the published rules of one flag.
	// Returns ErrNotFound if the flag has not been published.
	GetFlag(ctx context.Context, env, flagKey string) (*Record, error)

	// ListFlags retrieves every flag of env.
	// Returns an empty slice if no flags are found.
	ListFlags(ctx context.Context, env string) ([]Record, error)

	// PutFlag creates or replaces a flag record.
	// Returns ErrStaleVersion if the stored version is higher.
	PutFlag(ctx context.Context, rec Record) error

	// DeleteFlag removes a flag. Returns no error if it doesn't exist (idempotent).
	DeleteFlag(ctx context.Context, env, flagKey string) error

	// PutSegment creates or replaces a segment.
	PutSegment(ctx context.Context, seg SegmentRecord) error

	// GetSegments retrieves every segment of env.
	GetSegments(ctx context.Context, env string) ([]SegmentRecord, error)

	// DeleteSegment removes a segment (idempotent).
	DeleteSegment(ctx context.Context, env, id string) error

	// Close releases any resources held by the store.
	// After Close is called, the store should not be used.
	Close() error
}

// Record is the published, serialized rule document of one flag in one environment.
type Record struct {
	FlagKey   string          `json:"flagKey"`
	Env       string          `json:"env"`
	UserID    string          `json:"userId"`
	Version   int64           `json:"version"`
	Rules     json.RawMessage `json:"rules"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// SegmentRecord is a serialized segment.
type SegmentRecord struct {
	ID        string          `json:"id"`
	Env       string          `json:"env"`
	Data      json.RawMessage `json:"data"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// key layout shared by the key-value backends.
const (
	flagPrefix    = "flag/"
	segmentPrefix = "segment/"
)

func flagKeyPrefix(env string) string    { return flagPrefix + env + "/" }
func flagKey(env, key string) string     { return flagKeyPrefix(env) + key }
func segmentKeyPrefix(env string) string { return segmentPrefix + env + "/" }
func segmentKey(env, id string) string   { return segmentKeyPrefix(env) + id }

// checkVersion rejects writes that would replace a newer record. Equal
// versions overwrite.
func checkVersion(stored, incoming int64) error {
	if incoming < stored {
		return ErrStaleVersion
	}
	return nil
}
