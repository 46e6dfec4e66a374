// Package task owns task records and enforces the delegation lifecycle
// state machine.
package task

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusSubmitted     Status = "submitted"
	StatusWorking       Status = "working"
	StatusInputRequired Status = "input_required"
	StatusCompleted     Status = "completed"
	StatusFailed        Status = "failed"
	StatusCancelled     Status = "cancelled"
)

// Terminal reports whether a status has no outgoing transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Priority tags a task's urgency.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// DefaultTimeout bounds a task when the caller does not supply one.
const DefaultTimeout = 5 * time.Minute

var (
	// ErrTaskNotFound reports a lookup miss.
	ErrTaskNotFound = errors.New("task not found")
	// ErrAgentUnavailable reports a create() against a non-active agent.
	ErrAgentUnavailable = errors.New("agent is not active")
)

// InvalidTransitionError reports a state-machine violation. The task is
// left untouched.
type InvalidTransitionError struct {
	TaskID string
	From   Status
	To     Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("task %s: invalid transition %q → %q", e.TaskID, e.From, e.To)
}

// validTransitions defines the reachable-state table.
var validTransitions = map[Status][]Status{
	StatusSubmitted:     {StatusWorking, StatusFailed, StatusCancelled},
	StatusWorking:       {StatusInputRequired, StatusCompleted, StatusFailed, StatusCancelled},
	StatusInputRequired: {StatusWorking, StatusFailed, StatusCancelled},
}

// Transition validates that from→to is a legal move.
func Transition(taskID string, from, to Status) error {
	for _, s := range validTransitions[from] {
		if s == to {
			return nil
		}
	}
	return &InvalidTransitionError{TaskID: taskID, From: from, To: to}
}

// Task is a unit of work delegated to an agent. It is exclusively owned
// by the lifecycle until terminal.
type Task struct {
	ID          string          `json:"id"`
	AgentID     string          `json:"agent_id"`
	Status      Status          `json:"status"`
	Priority    Priority        `json:"priority"`
	Input       json.RawMessage `json:"input_data"`
	Output      json.RawMessage `json:"output_data,omitempty"`
	Error       string          `json:"error_message,omitempty"`
	Timeout     time.Duration   `json:"timeout"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}
