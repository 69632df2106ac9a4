package validation

import (
	"fmt"

	"github.com/rendis/weave/internal/expressions"
	"github.com/rendis/weave/pkg/schema"
)

// validateSemantic checks what the JSON Schema cannot express: unique step
// IDs, agent availability, condition and jq mapping syntax, and duplicate
// output keys (warning only; later steps overwrite earlier results).
func validateSemantic(def *schema.WorkflowDefinition, agents AgentLookup, conds ConditionCompiler, queries QueryCompiler) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	if def.EffectiveType() == schema.WorkflowTypeGraph {
		result.AddWarning("type", schema.ErrCodeValidation,
			"graph workflows run with simple sequential semantics")
	}

	stepIDs := make(map[string]int, len(def.Steps))
	outputKeys := make(map[string]string, len(def.Steps))

	for i := range def.Steps {
		step := &def.Steps[i]
		path := fmt.Sprintf("steps[%d]", i)

		if prev, dup := stepIDs[step.ID]; dup {
			result.AddError(path+".id", schema.ErrCodeValidation,
				fmt.Sprintf("duplicate step id %q (first declared at steps[%d])", step.ID, prev))
		} else {
			stepIDs[step.ID] = i
		}

		if agents != nil && !agents.Has(step.AgentID) {
			result.AddError(path+".agent_id", schema.ErrCodeAgentUnavailable,
				fmt.Sprintf("agent %q not registered", step.AgentID))
		}

		if prev, dup := outputKeys[step.OutputKey]; dup {
			result.AddWarning(path+".output_key", schema.ErrCodeValidation,
				fmt.Sprintf("output key %q is also produced by step %q; later result overwrites", step.OutputKey, prev))
		} else {
			outputKeys[step.OutputKey] = step.ID
		}

		if step.Condition != "" && conds != nil {
			if err := conds.Compile(step.Condition); err != nil {
				result.AddError(path+".condition", schema.ErrCodeValidation, err.Error())
			}
		}

		for local, source := range step.InputMappings {
			if queries != nil && expressions.IsJQSource(source) {
				if err := queries.Compile(source); err != nil {
					result.AddError(fmt.Sprintf("%s.input_mappings.%s", path, local), schema.ErrCodeValidation, err.Error())
				}
			}
		}
	}

	return result
}
