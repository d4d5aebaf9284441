// Package uuid provides ID generation helpers.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator creates time-ordered UUID v7 strings, optionally prefixed
// (for example "worker-" for lease holder ids).
type Generator struct {
	prefix string
}

// New creates a Generator without a prefix.
func New() *Generator {
	return &Generator{}
}

// NewWithPrefix creates a Generator that prepends prefix to every id.
func NewWithPrefix(prefix string) *Generator {
	return &Generator{prefix: prefix}
}

// NewID returns a UUID7 string.
func (g Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	return g.prefix + id.String(), nil
}

// Valid reports whether s, minus the generator prefix, parses as a UUID.
func (g Generator) Valid(s string) bool {
	if len(s) < len(g.prefix) || s[:len(g.prefix)] != g.prefix {
		return false
	}
	_, err := uuid.Parse(s[len(g.prefix):])
	return err == nil
}
