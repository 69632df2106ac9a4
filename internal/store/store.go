// Package store catalogues reusable workflow definitions.
package store

import (
	"context"

	"github.com/rendis/weave/pkg/schema"
)

// DefinitionStore persists workflow definitions by ID.
// All implementations must be safe for concurrent use.
type DefinitionStore interface {
	// Put inserts or replaces a definition, bumping its version on replace.
	Put(ctx context.Context, def *schema.WorkflowDefinition) (*Record, error)
	Get(ctx context.Context, id string) (*Record, error)
	List(ctx context.Context, filter Filter) ([]*Record, error)
	Delete(ctx context.Context, id string) error
	Close() error
}
