package schema

import "encoding/json"

// WorkflowType selects the execution strategy for a workflow.
type WorkflowType string

const (
	WorkflowTypeSimple WorkflowType = "simple"
	// WorkflowTypeGraph is accepted but executed with simple semantics.
	WorkflowTypeGraph WorkflowType = "graph"
)

// WorkflowDefinition is the immutable description of a workflow.
// Callers submit it for execution; the engine never mutates it.
type WorkflowDefinition struct {
	ID          string          `json:"id" yaml:"id"`
	Name        string          `json:"name" yaml:"name"`
	Description string          `json:"description,omitempty" yaml:"description,omitempty"`
	Type        WorkflowType    `json:"type,omitempty" yaml:"type,omitempty"` // simple | graph (default: simple)
	Steps       []WorkflowStep  `json:"steps" yaml:"steps"`
	Config      map[string]any  `json:"config,omitempty" yaml:"config,omitempty"`
	Metadata    map[string]any  `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty" yaml:"-"` // JSON Schema for submitted parameters
}

// WorkflowStep describes a single unit of work bound to one agent.
type WorkflowStep struct {
	ID             string            `json:"id" yaml:"id"`
	Name           string            `json:"name,omitempty" yaml:"name,omitempty"`
	AgentID        string            `json:"agent_id" yaml:"agent_id"`
	PromptTemplate string            `json:"prompt_template" yaml:"prompt_template"`
	InputMappings  map[string]string `json:"input_mappings,omitempty" yaml:"input_mappings,omitempty"` // local name -> parameter, output key, or jq query
	OutputKey      string            `json:"output_key" yaml:"output_key"`
	Condition      string            `json:"condition,omitempty" yaml:"condition,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"` // 0 = no deadline
	RetryCount     int               `json:"retry_count,omitempty" yaml:"retry_count,omitempty"`
	Dependencies   []string          `json:"dependencies,omitempty" yaml:"dependencies,omitempty"` // output keys produced earlier
}

// DisplayName returns the step name, falling back to its ID.
func (s *WorkflowStep) DisplayName() string {
	if s.Name != "" {
		return s.Name
	}
	return s.ID
}

// EffectiveType returns the workflow type, defaulting to simple.
func (d *WorkflowDefinition) EffectiveType() WorkflowType {
	if d.Type == "" {
		return WorkflowTypeSimple
	}
	return d.Type
}

// AgentIDs returns the distinct agent IDs referenced by the steps, in step order.
func (d *WorkflowDefinition) AgentIDs() []string {
	seen := make(map[string]struct{}, len(d.Steps))
	ids := make([]string, 0, len(d.Steps))
	for _, s := range d.Steps {
		if _, ok := seen[s.AgentID]; ok {
			continue
		}
		seen[s.AgentID] = struct{}{}
		ids = append(ids, s.AgentID)
	}
	return ids
}
