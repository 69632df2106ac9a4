package schema

import (
	"fmt"
	"strings"
)

// ValidationSeverity distinguishes blocking issues from advisory ones.
type ValidationSeverity string

const (
	SeverityError   ValidationSeverity = "error"
	SeverityWarning ValidationSeverity = "warning"
)

// maxSummarised bounds how many issue messages ToError folds into its message.
const maxSummarised = 3

// ValidationIssue is one problem found in a definition or run request. Path
// locates it in the definition document, e.g. "steps[2].dependencies[0]".
type ValidationIssue struct {
	Path     string             `json:"path"`
	Code     string             `json:"code"`
	Message  string             `json:"message"`
	Severity ValidationSeverity `json:"severity"`
}

func (i ValidationIssue) String() string {
	if i.Path == "" || i.Path == "/" {
		return i.Message
	}
	return i.Path + ": " + i.Message
}

// ValidationResult collects the issues of every validation stage. Warnings
// never block a run; they are copied onto the execution context.
type ValidationResult struct {
	Errors   []ValidationIssue `json:"errors,omitempty"`
	Warnings []ValidationIssue `json:"warnings,omitempty"`
}

// Valid reports whether the result holds no errors.
func (r *ValidationResult) Valid() bool {
	return len(r.Errors) == 0
}

func (r *ValidationResult) AddError(path, code, message string) {
	r.Errors = append(r.Errors, ValidationIssue{Path: path, Code: code, Message: message, Severity: SeverityError})
}

func (r *ValidationResult) AddWarning(path, code, message string) {
	r.Warnings = append(r.Warnings, ValidationIssue{Path: path, Code: code, Message: message, Severity: SeverityWarning})
}

// Merge appends other's issues, keeping stage order.
func (r *ValidationResult) Merge(other *ValidationResult) {
	if other == nil {
		return
	}
	r.Errors = append(r.Errors, other.Errors...)
	r.Warnings = append(r.Warnings, other.Warnings...)
}

// Codes returns the distinct error codes in first-seen order.
func (r *ValidationResult) Codes() []string {
	seen := make(map[string]bool, len(r.Errors))
	var codes []string
	for _, e := range r.Errors {
		if !seen[e.Code] {
			seen[e.Code] = true
			codes = append(codes, e.Code)
		}
	}
	return codes
}

// ToError folds the errors into a single VALIDATION_ERROR, or returns nil
// when the result is valid. The individual issues travel in Details.
func (r *ValidationResult) ToError() error {
	if r.Valid() {
		return nil
	}

	var msg string
	if len(r.Errors) == 1 {
		msg = r.Errors[0].String()
	} else {
		n := min(len(r.Errors), maxSummarised)
		msg = fmt.Sprintf("%d validation errors: %s", len(r.Errors), strings.Join(Messages(r.Errors[:n]), "; "))
		if len(r.Errors) > n {
			msg += fmt.Sprintf(" (and %d more)", len(r.Errors)-n)
		}
	}

	details := map[string]any{
		"error_count": len(r.Errors),
		"codes":       r.Codes(),
		"errors":      r.Errors,
	}
	if len(r.Warnings) > 0 {
		details["warnings"] = r.Warnings
	}
	return NewError(ErrCodeValidation, msg).WithDetails(details)
}

// Messages renders issues as "path: message" strings.
func Messages(issues []ValidationIssue) []string {
	out := make([]string, len(issues))
	for i, issue := range issues {
		out[i] = issue.String()
	}
	return out
}
