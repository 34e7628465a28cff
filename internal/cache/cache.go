// Handles storage of cache generations
package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrGenerationDeleted is returned when writing into a generation that has been deleted.
var ErrGenerationDeleted = errors.New("cache generation deleted")

// GenericCache is a keyed byte store holding a single cache generation
type GenericCache interface {
	// retrieves cached data for the key.
	// returns nil, nil when not found
	Get(ctx context.Context, key string) ([]byte, error)
	// stores data under the key, overwriting any previous value
	Set(ctx context.Context, key string, value []byte) error
}

// Storage holds named cache generations.
// Implementations must be safe for concurrent use.
type Storage interface {
	// Keys lists the names of every existing generation, sorted.
	Keys(ctx context.Context) ([]string, error)
	// Open returns the generation with this name, creating it if absent.
	Open(ctx context.Context, name string) (GenericCache, error)
	// Delete removes the generation and all its entries.
	// Reports whether the generation existed.
	Delete(ctx context.Context, name string) (bool, error)
	// Has reports whether the generation exists.
	Has(ctx context.Context, name string) (bool, error)
	Close() error
}

// ValidateName checks that a generation name can be used by every backend.
func ValidateName(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("generation name is required")
	}
	if strings.ContainsAny(name, `/\:`) || strings.Contains(name, "..") {
		return fmt.Errorf("invalid generation name %q", name)
	}
	return nil
}
