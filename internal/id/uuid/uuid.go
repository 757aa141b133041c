// Package uuid provides ID generation helpers.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator creates UUID v7 strings for new jobs and log rows, and stable
// name-based UUIDs for jobs derived from a parent job.
type Generator struct{}

// New creates a new Generator.
func New() *Generator {
	return &Generator{}
}

// NewID returns a UUID7 string.
func (Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	return id.String(), nil
}

// DeriveID returns a SHA-1 name-based UUID for name under parent, so repeated
// triggers of the same stage for the same parent job resolve to one job.
func (Generator) DeriveID(parent, name string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("job:"+parent+"/"+name)).String()
}
