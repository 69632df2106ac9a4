package schema

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidationResult_WarningsDoNotBlock(t *testing.T) {
	r := &ValidationResult{}
	assert.True(t, r.Valid())

	r.AddWarning("steps[1].output_key", ErrCodeValidation, "output key \"draft\" overwrites steps[0]")
	assert.True(t, r.Valid())
	assert.Nil(t, r.ToError())
	assert.Equal(t, SeverityWarning, r.Warnings[0].Severity)
}

func TestValidationResult_MergeKeepsStageOrder(t *testing.T) {
	structural := &ValidationResult{}
	structural.AddError("steps[0]", ErrCodeValidation, "missing output_key")

	deps := &ValidationResult{}
	deps.AddError("steps[1].dependencies[0]", ErrCodeDependency, "runs later")
	deps.AddWarning("steps[1].prompt_template", ErrCodeValidation, "renders verbatim")

	structural.Merge(deps)
	structural.Merge(nil)

	require.Len(t, structural.Errors, 2)
	assert.Equal(t, "steps[0]", structural.Errors[0].Path)
	assert.Equal(t, ErrCodeDependency, structural.Errors[1].Code)
	assert.Len(t, structural.Warnings, 1)
	assert.Equal(t, []string{ErrCodeValidation, ErrCodeDependency}, structural.Codes())
}

func TestValidationResult_ToErrorSingle(t *testing.T) {
	r := &ValidationResult{}
	r.AddError("steps[0].agent_id", ErrCodeAgentUnavailable, "agent \"writer\" is not registered")

	err := r.ToError()
	require.Error(t, err)
	assert.True(t, IsValidation(err))

	var wErr *WeaveError
	require.True(t, errors.As(err, &wErr))
	assert.Equal(t, "steps[0].agent_id: agent \"writer\" is not registered", wErr.Message)
	assert.Equal(t, 1, wErr.Details["error_count"])
	assert.Equal(t, []string{ErrCodeAgentUnavailable}, wErr.Details["codes"])
	assert.NotContains(t, wErr.Details, "warnings")
}

func TestValidationResult_ToErrorSummarises(t *testing.T) {
	r := &ValidationResult{}
	r.AddError("steps[0]", ErrCodeValidation, "a")
	r.AddError("steps[1]", ErrCodeValidation, "b")
	r.AddError("steps[2]", ErrCodeValidation, "c")
	r.AddError("/", ErrCodeWorkspace, "d")
	r.AddWarning("type", ErrCodeValidation, "graph runs sequentially")

	var wErr *WeaveError
	require.True(t, errors.As(r.ToError(), &wErr))
	assert.Equal(t, "4 validation errors: steps[0]: a; steps[1]: b; steps[2]: c (and 1 more)", wErr.Message)
	assert.Equal(t, 4, wErr.Details["error_count"])
	assert.Len(t, wErr.Details["warnings"], 1)
}

func TestValidationIssue_String(t *testing.T) {
	assert.Equal(t, "steps[0]: bad", ValidationIssue{Path: "steps[0]", Message: "bad"}.String())
	assert.Equal(t, "bad", ValidationIssue{Path: "/", Message: "bad"}.String())
	assert.Equal(t, "bad", ValidationIssue{Message: "bad"}.String())
	assert.Empty(t, Messages(nil))
}
