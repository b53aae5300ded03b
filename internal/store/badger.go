package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"
)

// BadgerConfig holds configuration for the embedded BadgerDB store.
type BadgerConfig struct {
	// Path is the directory for BadgerDB files. Ignored when InMemory is true.
	Path string

	// InMemory enables in-memory mode (no disk persistence). Useful for testing.
	InMemory bool

	// SyncWrites enables synchronous writes for durability.
	SyncWrites bool

	// Logger receives BadgerDB's internal logs. A disabled logger silences them.
	Logger zerolog.Logger
}

// badgerLogger adapts zerolog to BadgerDB's Logger interface.
type badgerLogger struct {
	logger zerolog.Logger
}

func (l badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error().Msg(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn().Msg(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info().Msg(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug().Msg(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

// BadgerStore is an embedded key-value implementation of the Store interface.
// Records are stored as JSON under flag/<env>/<key> and segment/<env>/<id>.
type BadgerStore struct {
	db  *badger.DB
	now func() time.Time
}

// OpenBadger opens a BadgerDB-backed store.
func OpenBadger(cfg BadgerConfig) (*BadgerStore, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("badger path is required for a persistent store")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create badger directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).
		WithNumVersionsToKeep(1).
		WithLogger(badgerLogger{logger: cfg.Logger})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}
	return &BadgerStore{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

// GetFlag retrieves a single flag.
func (b *BadgerStore) GetFlag(ctx context.Context, env, key string) (*Record, error) {
	var rec Record
	err := b.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, flagKey(env, key), &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListFlags retrieves all flags of env, ordered by key.
func (b *BadgerStore) ListFlags(ctx context.Context, env string) ([]Record, error) {
	result := make([]Record, 0)
	err := b.db.View(func(txn *badger.Txn) error {
		return scanPrefix(txn, flagKeyPrefix(env), func(raw []byte) error {
			var rec Record
			if err := json.Unmarshal(raw, &rec); err != nil {
				return err
			}
			result = append(result, rec)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(result, func(i, j int) bool { return result[i].FlagKey < result[j].FlagKey })
	return result, nil
}

// PutFlag creates or replaces a flag, rejecting versions older than the stored one.
func (b *BadgerStore) PutFlag(ctx context.Context, rec Record) error {
	rec.UpdatedAt = b.now()
	k := flagKey(rec.Env, rec.FlagKey)
	update := func(txn *badger.Txn) error {
		var existing Record
		switch err := getJSON(txn, k, &existing); {
		case err == nil:
			if err := checkVersion(existing.Version, rec.Version); err != nil {
				return err
			}
		case !errors.Is(err, ErrNotFound):
			return err
		}
		return setJSON(txn, k, rec)
	}
	// Concurrent writers of the same key abort with ErrConflict; the retry
	// re-reads the committed version.
	for {
		err := b.db.Update(update)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

// DeleteFlag removes a flag (idempotent).
func (b *BadgerStore) DeleteFlag(ctx context.Context, env, key string) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(flagKey(env, key)))
	})
}

// PutSegment creates or replaces a segment.
func (b *BadgerStore) PutSegment(ctx context.Context, seg SegmentRecord) error {
	seg.UpdatedAt = b.now()
	return b.db.Update(func(txn *badger.Txn) error {
		return setJSON(txn, segmentKey(seg.Env, seg.ID), seg)
	})
}

// GetSegments retrieves all segments of env, ordered by id.
func (b *BadgerStore) GetSegments(ctx context.Context, env string) ([]SegmentRecord, error) {
	result := make([]SegmentRecord, 0)
	err := b.db.View(func(txn *badger.Txn) error {
		return scanPrefix(txn, segmentKeyPrefix(env), func(raw []byte) error {
			var seg SegmentRecord
			if err := json.Unmarshal(raw, &seg); err != nil {
				return err
			}
			result = append(result, seg)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// DeleteSegment removes a segment (idempotent).
func (b *BadgerStore) DeleteSegment(ctx context.Context, env, id string) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(segmentKey(env, id)))
	})
}

// Close closes the database.
func (b *BadgerStore) Close() error {
	return b.db.Close()
}

func getJSON(txn *badger.Txn, key string, dst any) error {
	item, err := txn.Get([]byte(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, dst)
	})
}

func setJSON(txn *badger.Txn, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set([]byte(key), data)
}

func scanPrefix(txn *badger.Txn, prefix string, fn func(raw []byte) error) error {
	it := txn.NewIterator(badger.DefaultIteratorOptions)
	defer it.Close()

	p := []byte(prefix)
	for it.Seek(p); it.ValidForPrefix(p); it.Next() {
		if err := it.Item().Value(fn); err != nil {
			return err
		}
	}
	return nil
}
