// Package recognizer defines the detection contract and its implementations:
// the built-in pattern catalog, recognizers compiled from user definitions,
// and the model-backed recognizer that wraps a token-classification service.
//
// Every recognizer reports half-open byte offsets into the text it was given.
package recognizer

import (
	"context"
	"errors"

	"pii-anonymizer/internal/entity"
)

// ErrUninitialized is returned by a recognizer whose backing resource could
// not be initialized.
var ErrUninitialized = errors.New("recognizer not initialized")

// Recognizer detects spans of one or more entity types.
//
// Analyze returns results only for types in entities (all supported types
// when entities is empty). It must be safe for concurrent use and return the
// same results for the same input.
type Recognizer interface {
	Name() string
	SupportedEntities() []entity.Type
	Analyze(ctx context.Context, text string, entities []entity.Type) ([]entity.Result, error)
}

// Initializer is implemented by recognizers that need a warm-up step before
// their first Analyze call.
type Initializer interface {
	Initialize(ctx context.Context) error
}

// Supports reports whether r can produce any of the requested types.
func Supports(r Recognizer, entities []entity.Type) bool {
	if len(entities) == 0 {
		return true
	}
	return entity.NewSet(entities...).AllowsAny(r.SupportedEntities())
}

func filter(results []entity.Result, entities []entity.Type) []entity.Result {
	if len(entities) == 0 {
		return results
	}
	allowed := entity.NewSet(entities...)
	out := make([]entity.Result, 0, len(results))
	for _, r := range results {
		if allowed.Allows(r.Type) {
			out = append(out, r)
		}
	}
	return out
}
