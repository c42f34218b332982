// Package uuid generates check-cycle identifiers.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator creates time-ordered UUID v7 cycle IDs.
type Generator struct{}

// New creates a new Generator.
func New() *Generator {
	return &Generator{}
}

// NewCycleID returns a UUID v7 so cycle IDs sort by start time in the event store.
func (Generator) NewCycleID() (uuid.UUID, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.Nil, fmt.Errorf("generate cycle id: %w", err)
	}
	return id, nil
}
