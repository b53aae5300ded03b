// Package seed publishes rules files from a directory through the evaluation
// service, at startup and optionally whenever the directory changes.
//
// A file holds one environment's flags and segments:
//
//	env: prod
//	segments:
//	  - id: pros
//	    definition: {cond: {attr: plan, op: eq, value: pro}}
//	flags:
//	  - flagId: checkout
//	    version: 3
//	    rules: {defaultVar: "off", rules: []}
//
// A single flag may also be written at the top level (env, flagId, version,
// rules). Rules are either a document or a string holding serialized JSON.
// Files ending in .yaml, .yml and .json are read; JSON is parsed as YAML.
package seed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/TimurManjosov/flagship-sdk-backend/internal/evaluation"
	"github.com/TimurManjosov/flagship-sdk-backend/internal/rules"
	"github.com/TimurManjosov/flagship-sdk-backend/internal/store"
)

// DefaultUserID is recorded as publisher when a flag entry names none.
const DefaultUserID = "seed"

// Publisher is the part of the evaluation service the loader writes through.
type Publisher interface {
	UpdateCache(ctx context.Context, u evaluation.CacheUpdate) error
	PutSegment(ctx context.Context, env string, seg rules.Segment) error
}

// File is the on-disk layout of a seed file.
type File struct {
	Env      string    `yaml:"env"`
	Flags    []Flag    `yaml:"flags"`
	Segments []Segment `yaml:"segments"`

	// single-flag shorthand
	Flag `yaml:",inline"`
}

type Flag struct {
	FlagID  string `yaml:"flagId"`
	UserID  string `yaml:"userId"`
	Version *int64 `yaml:"version"`
	Rules   any    `yaml:"rules"`
}

type Segment struct {
	ID         string `yaml:"id"`
	Name       string `yaml:"name"`
	Definition any    `yaml:"definition"`
}

// Stats counts what a load did.
type Stats struct {
	Files    int
	Flags    int
	Segments int
	// Skipped counts flags whose stored version is already newer.
	Skipped int
}

func (s *Stats) add(o Stats) {
	s.Files += o.Files
	s.Flags += o.Flags
	s.Segments += o.Segments
	s.Skipped += o.Skipped
}

// Loader reads seed files from Dir.
type Loader struct {
	pub    Publisher
	dir    string
	env    string
	logger zerolog.Logger
}

// NewLoader returns a loader for dir. env is used by files without an env key.
func NewLoader(pub Publisher, dir, env string, logger zerolog.Logger) *Loader {
	return &Loader{pub: pub, dir: dir, env: env, logger: logger.With().Str("component", "seed").Logger()}
}

// Load publishes every seed file of the directory in name order. A broken
// file does not stop the others; all failures are returned joined.
func (l *Loader) Load(ctx context.Context) (Stats, error) {
	var total Stats
	paths, err := l.files()
	if err != nil {
		return total, err
	}

	var errs []error
	for _, path := range paths {
		st, err := l.LoadFile(ctx, path)
		total.add(st)
		if err != nil {
			errs = append(errs, err)
		}
	}
	l.logger.Info().
		Int("files", total.Files).
		Int("flags", total.Flags).
		Int("segments", total.Segments).
		Int("skipped", total.Skipped).
		Int("errors", len(errs)).
		Msg("seed directory loaded")
	return total, errors.Join(errs...)
}

// LoadFile publishes one seed file. Segments are stored before flags.
func (l *Loader) LoadFile(ctx context.Context, path string) (Stats, error) {
	st := Stats{Files: 1}
	f, err := ReadFile(path)
	if err != nil {
		return st, err
	}
	env := f.Env
	if env == "" {
		env = l.env
	}

	for _, s := range f.Segments {
		seg, err := s.Decode()
		if err != nil {
			return st, fmt.Errorf("%s: segment %q: %w", path, s.ID, err)
		}
		if err := l.pub.PutSegment(ctx, env, seg); err != nil {
			return st, fmt.Errorf("%s: segment %q: %w", path, s.ID, err)
		}
		st.Segments++
	}

	flags := f.Flags
	if f.FlagID != "" {
		flags = append([]Flag{f.Flag}, flags...)
	}
	for _, fl := range flags {
		blob, err := fl.RulesJSON()
		if err != nil {
			return st, fmt.Errorf("%s: flag %q: %w", path, fl.FlagID, err)
		}
		userID := fl.UserID
		if userID == "" {
			userID = DefaultUserID
		}
		err = l.pub.UpdateCache(ctx, evaluation.CacheUpdate{
			UserID:  userID,
			Env:     env,
			FlagKey: fl.FlagID,
			Rules:   blob,
			Version: fl.Version,
		})
		switch {
		case errors.Is(err, store.ErrStaleVersion):
			l.logger.Debug().Str("file", path).Str("flag", fl.FlagID).Msg("newer version already published")
			st.Skipped++
		case err != nil:
			return st, fmt.Errorf("%s: flag %q: %w", path, fl.FlagID, err)
		default:
			st.Flags++
		}
	}
	return st, nil
}

// ReadFile parses a seed file.
func ReadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &f, nil
}

func (l *Loader) files() ([]string, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, fmt.Errorf("read seed directory: %w", err)
	}
	paths := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !IsSeedFile(e.Name()) {
			continue
		}
		paths = append(paths, filepath.Join(l.dir, e.Name()))
	}
	sort.Strings(paths)
	return paths, nil
}

// IsSeedFile reports whether name has a seed file extension and is not hidden.
func IsSeedFile(name string) bool {
	base := filepath.Base(name)
	if strings.HasPrefix(base, ".") {
		return false
	}
	switch strings.ToLower(filepath.Ext(base)) {
	case ".yaml", ".yml", ".json":
		return true
	}
	return false
}

// RulesJSON serializes the rules of a flag entry.
func (f Flag) RulesJSON() ([]byte, error) {
	switch r := f.Rules.(type) {
	case nil:
		return nil, nil
	case string:
		return []byte(r), nil
	default:
		return json.Marshal(r)
	}
}

// Decode converts the entry to a segment.
func (s Segment) Decode() (rules.Segment, error) {
	def, err := json.Marshal(s.Definition)
	if err != nil {
		return rules.Segment{}, err
	}
	seg := rules.Segment{ID: s.ID, Name: s.Name}
	if err := json.Unmarshal(def, &seg.Definition); err != nil {
		return rules.Segment{}, err
	}
	return seg, nil
}
