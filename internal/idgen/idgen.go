// Package idgen produces time-ordered identifiers for blacklist entries.
package idgen

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator generates unique identifiers.
// Implementations should be safe for concurrent use.
type Generator interface {
	Generate() (uuid.UUID, error)
}

// Func adapts a plain function to Generator.
type Func func() (uuid.UUID, error)

func (f Func) Generate() (uuid.UUID, error) { return f() }

type v7Gen struct {
	maxRetries int
	source     func() (uuid.UUID, error)
}

type V7Option func(*v7Gen)

// WithRetries sets how many times to retry after the initial attempt.
// Defaults to 1. Set to 0 to disable retries.
func WithRetries(n int) V7Option {
	return func(g *v7Gen) {
		if n >= 0 {
			g.maxRetries = n
		}
	}
}

// WithSource replaces uuid.NewV7 as the underlying source.
func WithSource(src func() (uuid.UUID, error)) V7Option {
	return func(g *v7Gen) {
		if src != nil {
			g.source = src
		}
	}
}

// NewV7 returns a Generator that produces UUID v7 values. Their millisecond
// prefix makes later entries sort after earlier ones.
func NewV7(opts ...V7Option) Generator {
	g := &v7Gen{maxRetries: 1, source: uuid.NewV7}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *v7Gen) Generate() (uuid.UUID, error) {
	var last error
	for attempt := 0; attempt <= g.maxRetries; attempt++ {
		id, err := g.source()
		if err == nil {
			return id, nil
		}
		last = err
	}
	return uuid.Nil, fmt.Errorf("uuid v7 generation failed after %d attempts: %w", g.maxRetries+1, last)
}
