package validation

import "github.com/rendis/weave/pkg/schema"

// Validator checks a workflow run request before any execution state exists.
type Validator interface {
	Validate(def *schema.WorkflowDefinition, params map[string]any, workspaceDir string) *schema.ValidationResult
}

// AgentLookup reports whether an agent is available. Satisfied by *agents.Registry.
type AgentLookup interface {
	Has(id string) bool
}

// ConditionCompiler checks condition syntax. Satisfied by *expressions.ConditionEvaluator.
type ConditionCompiler interface {
	Compile(condition string) error
}

// QueryCompiler checks jq mapping syntax. Satisfied by *expressions.GoJQEngine.
type QueryCompiler interface {
	Compile(query string) error
}
