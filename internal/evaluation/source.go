package evaluation

import (
	"context"
	"errors"

	"github.com/TimurManjosov/flagship-sdk-backend/internal/engine"
	"github.com/TimurManjosov/flagship-sdk-backend/internal/rules"
	"github.com/TimurManjosov/flagship-sdk-backend/internal/store"
)

// flagSource resolves prerequisite flags of one environment through the
// service cache. Legacy documents cannot act as prerequisites and resolve
// as not found, which blocks the dependent flag.
type flagSource struct {
	svc      *Service
	env      string
	segments rules.Segments
}

func (f *flagSource) Flag(ctx context.Context, key string) (*engine.Flag, error) {
	entry, err := f.svc.load(ctx, f.env, key)
	if errors.Is(err, store.ErrNotFound) {
		return nil, engine.ErrFlagNotFound
	}
	if err != nil {
		return nil, err
	}
	if entry.Document.IsLegacy() {
		return nil, engine.ErrFlagNotFound
	}
	return &engine.Flag{
		Key:      key,
		Version:  entry.Version,
		RuleSet:  entry.Document.RuleSet,
		Segments: f.segments,
	}, nil
}
