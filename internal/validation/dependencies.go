package validation

import (
	"fmt"

	"github.com/rendis/weave/internal/expressions"
	"github.com/rendis/weave/pkg/schema"
)

// validateDependencies enforces declaration order: every declared dependency
// must be a parameter or the output key of an earlier step. Placeholders that
// nothing can satisfy are reported as warnings since they render verbatim.
func validateDependencies(def *schema.WorkflowDefinition, params map[string]any) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	produced := make(map[string]bool, len(def.Steps))
	later := make(map[string]string, len(def.Steps))
	for _, s := range def.Steps {
		if _, ok := later[s.OutputKey]; !ok {
			later[s.OutputKey] = s.ID
		}
	}

	for i, s := range def.Steps {
		path := fmt.Sprintf("steps[%d]", i)

		for j, dep := range s.Dependencies {
			if produced[dep] {
				continue
			}
			if _, ok := params[dep]; ok {
				continue
			}
			msg := fmt.Sprintf("dependency %q is neither a parameter nor produced by an earlier step", dep)
			if owner, ok := later[dep]; ok {
				msg = fmt.Sprintf("dependency %q is produced by step %q, which runs later", dep, owner)
			}
			result.AddError(fmt.Sprintf("%s.dependencies[%d]", path, j), schema.ErrCodeDependency, msg)
		}

		for _, key := range expressions.Placeholders(s.PromptTemplate) {
			if _, ok := s.InputMappings[key]; ok {
				continue
			}
			if _, ok := params[key]; ok {
				continue
			}
			if produced[key] {
				continue
			}
			result.AddWarning(path+".prompt_template", schema.ErrCodeValidation,
				fmt.Sprintf("placeholder {{ %s }} has no parameter or earlier output; it will render verbatim", key))
		}

		produced[s.OutputKey] = true
	}

	return result
}
