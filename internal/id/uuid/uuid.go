// Package uuid generates execution identifiers.
package uuid

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/JakeFAU/app-usage-collector/internal/collector"
)

var _ collector.IDGenerator = Generator{}

// Generator creates time-ordered UUID v7 strings, optionally prefixed
// (for example "collect-" or "backfill-") so log lines are easy to grep.
type Generator struct {
	Prefix string
}

// New creates a Generator without a prefix.
func New() Generator {
	return Generator{}
}

// WithPrefix returns a copy of g that prepends prefix to every id.
func (g Generator) WithPrefix(prefix string) Generator {
	return Generator{Prefix: prefix}
}

// NewID returns a UUID7 string.
func (g Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	return g.Prefix + id.String(), nil
}
