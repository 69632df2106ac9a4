package validation

import (
	"bytes"
	"crypto/sha256"
	_ "embed"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"

	"github.com/rendis/weave/pkg/schema"
)

const workflowSchemaURL = "https://weave.dev/schemas/workflow.json"

//go:embed workflow.schema.json
var workflowSchemaJSON []byte

// JSONSchemaValidator checks workflow documents and run parameters against
// JSON Schema Draft 2020-12. Safe for concurrent use.
type JSONSchemaValidator struct {
	workflow *jsonschema.Schema
	inputs   sync.Map // sha256 of schema bytes -> *jsonschema.Schema
}

// NewJSONSchemaValidator compiles the workflow document schema.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	wf, err := compileSchema(workflowSchemaURL, workflowSchemaJSON)
	if err != nil {
		return nil, fmt.Errorf("workflow schema: %w", err)
	}
	return &JSONSchemaValidator{workflow: wf}, nil
}

// ValidateDefinition checks an in-memory definition against the workflow schema.
func (v *JSONSchemaValidator) ValidateDefinition(def *schema.WorkflowDefinition) error {
	if def == nil {
		return schema.NewError(schema.ErrCodeValidation, "workflow definition is nil")
	}
	doc, err := toJSONValue(def)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize workflow definition").WithCause(err)
	}
	return v.ValidateDocument(doc)
}

// ValidateDocument checks decoded JSON-compatible values against the
// workflow schema.
func (v *JSONSchemaValidator) ValidateDocument(doc any) error {
	return issuesError(v.workflow.Validate(doc))
}

// ParseDefinition decodes a YAML or JSON document and returns the validated
// definition.
func (v *JSONSchemaValidator) ParseDefinition(data []byte) (*schema.WorkflowDefinition, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "parse workflow document: %v", err).WithCause(err)
	}
	return v.DecodeDefinition(raw)
}

// DecodeDefinition validates an already-decoded document and converts it.
func (v *JSONSchemaValidator) DecodeDefinition(raw any) (*schema.WorkflowDefinition, error) {
	if raw == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow document is empty")
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow document is not JSON-compatible").WithCause(err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow document is not JSON-compatible").WithCause(err)
	}
	if err := v.ValidateDocument(doc); err != nil {
		return nil, err
	}

	var def schema.WorkflowDefinition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "decode workflow document: %v", err).WithCause(err)
	}
	return &def, nil
}

// ValidateInput checks run parameters against a definition's input schema.
// An empty schema accepts anything.
func (v *JSONSchemaValidator) ValidateInput(input map[string]any, inputSchema []byte) error {
	if len(bytes.TrimSpace(inputSchema)) == 0 {
		return nil
	}
	compiled, err := v.inputSchema(inputSchema)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid input schema").WithCause(err)
	}
	if input == nil {
		input = map[string]any{}
	}
	doc, err := toJSONValue(input)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize input").WithCause(err)
	}
	return issuesError(compiled.Validate(doc))
}

// inputSchema compiles raw once per distinct content.
func (v *JSONSchemaValidator) inputSchema(raw []byte) (*jsonschema.Schema, error) {
	sum := sha256.Sum256(raw)
	key := hex.EncodeToString(sum[:])
	if s, ok := v.inputs.Load(key); ok {
		return s.(*jsonschema.Schema), nil
	}
	compiled, err := compileSchema("weave://input-schema/"+key, raw)
	if err != nil {
		return nil, err
	}
	actual, _ := v.inputs.LoadOrStore(key, compiled)
	return actual.(*jsonschema.Schema), nil
}

func compileSchema(url string, raw []byte) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	return c.Compile(url)
}

// toJSONValue round-trips v through JSON; the validator expects json.Number.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(bytes.NewReader(b))
}

// issuesError converts a schema validation failure into a VALIDATION_ERROR
// whose details carry one issue per leaf violation.
func issuesError(err error) error {
	if err == nil {
		return nil
	}
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}
	result := &schema.ValidationResult{}
	collectIssues(result, verr)
	if result.Valid() {
		result.AddError("/", schema.ErrCodeValidation, verr.Error())
	}
	return result.ToError()
}

func collectIssues(result *schema.ValidationResult, verr *jsonschema.ValidationError) {
	if len(verr.Causes) == 0 {
		result.AddError(documentPath(verr.InstanceLocation), schema.ErrCodeValidation, leafMessage(verr))
		return
	}
	for _, cause := range verr.Causes {
		collectIssues(result, cause)
	}
}

// documentPath renders an instance location as "steps[2].agent_id".
func documentPath(loc []string) string {
	if len(loc) == 0 {
		return "/"
	}
	var b strings.Builder
	for _, tok := range loc {
		if _, err := strconv.Atoi(tok); err == nil {
			b.WriteString("[" + tok + "]")
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('.')
		}
		b.WriteString(tok)
	}
	return b.String()
}

// leafMessage keeps the last line of the library's message, which names the
// failed keyword without the schema URL preamble.
func leafMessage(verr *jsonschema.ValidationError) string {
	msg := strings.TrimSpace(verr.Error())
	if i := strings.LastIndexByte(msg, '\n'); i >= 0 {
		msg = msg[i+1:]
	}
	msg = strings.TrimPrefix(msg, "- ")
	if strings.HasPrefix(msg, "at '") {
		if i := strings.Index(msg, "': "); i >= 0 {
			msg = msg[i+3:]
		}
	}
	return msg
}
