package store

import (
	"time"

	"github.com/rendis/weave/pkg/schema"
)

// Record is a catalogued definition with bookkeeping fields.
type Record struct {
	Definition *schema.WorkflowDefinition `json:"definition"`
	Version    int                        `json:"version"`
	CreatedAt  time.Time                  `json:"created_at"`
	UpdatedAt  time.Time                  `json:"updated_at"`
}

// ID is the definition ID.
func (r *Record) ID() string { return r.Definition.ID }

// Filter narrows List results.
type Filter struct {
	// Prefix matches definition IDs by prefix.
	Prefix string
	Limit  int
}

func notFound(id string) *schema.WeaveError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "workflow definition %q not found", id)
}

func invalidDefinition(def *schema.WorkflowDefinition) error {
	if def == nil {
		return schema.NewError(schema.ErrCodeValidation, "workflow definition is nil")
	}
	if def.ID == "" {
		return schema.NewError(schema.ErrCodeValidation, "workflow definition id is required")
	}
	return nil
}
