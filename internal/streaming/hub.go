// Package streaming fans out live run events to in-process subscribers.
package streaming

import (
	"context"
	"time"
)

// EventType classifies a run event.
type EventType string

const (
	// EventLog carries one run log entry.
	EventLog EventType = "log"
	// EventStatus reports a lifecycle transition.
	EventStatus EventType = "status"
)

// Event is emitted while a workflow runs.
type Event struct {
	Type        EventType      `json:"type"`
	ExecutionID string         `json:"execution_id"`
	WorkflowID  string         `json:"workflow_id"`
	StepID      string         `json:"step_id,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
	Level       string         `json:"level,omitempty"`
	Message     string         `json:"message,omitempty"`
	Status      string         `json:"status,omitempty"`
	Fields      map[string]any `json:"fields,omitempty"`
}

// Filter selects events. Zero fields match everything.
type Filter struct {
	ExecutionID string
	WorkflowID  string
	Types       []EventType
}

// Match reports whether e passes f.
func (f Filter) Match(e Event) bool {
	if f.ExecutionID != "" && f.ExecutionID != e.ExecutionID {
		return false
	}
	if f.WorkflowID != "" && f.WorkflowID != e.WorkflowID {
		return false
	}
	if len(f.Types) == 0 {
		return true
	}
	for _, t := range f.Types {
		if t == e.Type {
			return true
		}
	}
	return false
}

// Hub is a publish/subscribe channel for run events.
type Hub interface {
	Publish(ctx context.Context, event Event) error
	// Subscribe returns a channel of matching events and a func that ends the
	// subscription and closes the channel. The subscription also ends with ctx.
	Subscribe(ctx context.Context, filter Filter) (<-chan Event, func(), error)
}
