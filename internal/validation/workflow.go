package validation

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/rendis/weave/pkg/schema"
)

// WorkflowValidator runs the validation pipeline for a run request:
//  1. Structural (JSON Schema)
//  2. Semantic (agents, step IDs, conditions, mappings)
//  3. Dependencies (declaration order, placeholders)
//  4. Parameters (input_schema)
//  5. Workspace (exists or can be created)
//
// The workspace stage only runs when every earlier stage passed, so a failed
// validation never leaves anything behind.
type WorkflowValidator struct {
	jsonSchema *JSONSchemaValidator
	agents     AgentLookup
	conditions ConditionCompiler
	queries    QueryCompiler
}

// Option configures a WorkflowValidator.
type Option func(*WorkflowValidator)

// WithConditionCompiler enables condition syntax checks.
func WithConditionCompiler(c ConditionCompiler) Option {
	return func(v *WorkflowValidator) { v.conditions = c }
}

// WithQueryCompiler enables jq input mapping syntax checks.
func WithQueryCompiler(q QueryCompiler) Option {
	return func(v *WorkflowValidator) { v.queries = q }
}

// NewWorkflowValidator creates a WorkflowValidator. agents may be nil to skip
// agent existence checks.
func NewWorkflowValidator(agents AgentLookup, opts ...Option) (*WorkflowValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	v := &WorkflowValidator{
		jsonSchema: jsv,
		agents:     agents,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// Schema returns the underlying JSON Schema validator.
func (wv *WorkflowValidator) Schema() *JSONSchemaValidator {
	return wv.jsonSchema
}

// Validate runs the full pipeline and returns an aggregated result.
// Structural errors short-circuit the later stages.
func (wv *WorkflowValidator) Validate(def *schema.WorkflowDefinition, params map[string]any, workspaceDir string) *schema.ValidationResult {
	if def == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrCodeValidation, "workflow definition is nil")
		return r
	}

	result := validateStructural(wv.jsonSchema, def)
	if !result.Valid() {
		return result
	}

	result.Merge(validateSemantic(def, wv.agents, wv.conditions, wv.queries))
	result.Merge(validateDependencies(def, params))

	if err := wv.jsonSchema.ValidateInput(params, def.InputSchema); err != nil {
		addSchemaIssues(result, "parameters", err)
	}

	if result.Valid() {
		result.Merge(validateWorkspace(workspaceDir))
	}

	return result
}

// ValidateDefinition checks a definition without run parameters or a
// workspace. Used when cataloguing definitions.
func (wv *WorkflowValidator) ValidateDefinition(def *schema.WorkflowDefinition) *schema.ValidationResult {
	if def == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrCodeValidation, "workflow definition is nil")
		return r
	}
	result := validateStructural(wv.jsonSchema, def)
	if !result.Valid() {
		return result
	}
	result.Merge(validateSemantic(def, wv.agents, wv.conditions, wv.queries))
	return result
}

func validateWorkspace(dir string) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if dir == "" {
		result.AddError("workspace_dir", schema.ErrCodeWorkspace, "workspace directory is required")
		return result
	}
	info, err := os.Stat(dir)
	switch {
	case err == nil && !info.IsDir():
		result.AddError("workspace_dir", schema.ErrCodeWorkspace,
			fmt.Sprintf("workspace %q exists and is not a directory", dir))
	case err == nil:
	default:
		if mkErr := os.MkdirAll(dir, 0o755); mkErr != nil {
			result.AddError("workspace_dir", schema.ErrCodeWorkspace,
				fmt.Sprintf("cannot create workspace %q: %v", dir, mkErr))
		}
	}
	return result
}

func validateStructural(v *JSONSchemaValidator, def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if err := v.ValidateDefinition(def); err != nil {
		addSchemaIssues(result, "", err)
	}
	return result
}

// addSchemaIssues copies the per-violation issues carried by a schema error,
// nesting their paths under prefix.
func addSchemaIssues(result *schema.ValidationResult, prefix string, err error) {
	var wErr *schema.WeaveError
	if !errors.As(err, &wErr) {
		result.AddError(prefix, schema.ErrCodeValidation, err.Error())
		return
	}
	issues, ok := wErr.Details["errors"].([]schema.ValidationIssue)
	if !ok {
		result.AddError(prefix, schema.ErrCodeValidation, wErr.Message)
		return
	}
	for _, issue := range issues {
		result.AddError(nestPath(prefix, issue.Path), issue.Code, issue.Message)
	}
}

func nestPath(prefix, path string) string {
	switch {
	case path == "" || path == "/":
		return prefix
	case prefix == "" || strings.HasPrefix(path, "["):
		return prefix + path
	default:
		return prefix + "." + path
	}
}

var _ Validator = (*WorkflowValidator)(nil)
