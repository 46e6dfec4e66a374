package task

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nidhogg/agentmesh/internal/a2a"
	"github.com/nidhogg/agentmesh/internal/performance"
	"github.com/nidhogg/agentmesh/internal/registry"
)

// DelegationRejectedError reports a delegation attempt the agent did not
// accept. The task has already been moved to failed with the reason
// recorded; the error is reported once and never retried here.
type DelegationRejectedError struct {
	TaskID string
	Reason string
}

func (e *DelegationRejectedError) Error() string {
	return fmt.Sprintf("task %s: delegation rejected: %s", e.TaskID, e.Reason)
}

// Lifecycle creates tasks, delegates them, and validates every status
// transition. Updates to a single task are serialized through a
// per-task lock.
type Lifecycle struct {
	registry  *registry.Registry
	delegator a2a.Delegator
	tracker   *performance.Tracker
	repo      Repository
	logger    *zap.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewLifecycle creates a task lifecycle. repo may be nil for an
// in-memory lifecycle.
func NewLifecycle(reg *registry.Registry, delegator a2a.Delegator, tracker *performance.Tracker, repo Repository, logger *zap.Logger) *Lifecycle {
	if repo == nil {
		repo = NewMemoryRepository()
	}
	return &Lifecycle{
		registry:  reg,
		delegator: delegator,
		tracker:   tracker,
		repo:      repo,
		logger:    logger,
		locks:     make(map[string]*sync.Mutex),
	}
}

// lock returns the mutex serializing updates for one task id.
func (l *Lifecycle) lock(id string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.locks[id]
	if !ok {
		m = &sync.Mutex{}
		l.locks[id] = m
	}
	return m
}

// reapLock drops the mutex for a task that reached a terminal state.
// Terminal states have no exits, so a writer still holding or waiting
// on the old mutex fails transition validation regardless of which
// mutex it held.
func (l *Lifecycle) reapLock(id string) {
	l.mu.Lock()
	delete(l.locks, id)
	l.mu.Unlock()
}

// Create validates the target agent, persists a submitted task, then
// synchronously attempts delegation. On acceptance the task moves to
// working; on rejection it moves to failed and the rejection is
// reported once as a *DelegationRejectedError alongside the task.
func (l *Lifecycle) Create(ctx context.Context, agentID string, input json.RawMessage, timeout time.Duration, priority Priority) (*Task, error) {
	agent, err := l.registry.Get(agentID)
	if err != nil {
		return nil, err
	}
	if agent.Status != registry.StatusActive {
		return nil, fmt.Errorf("%w: %s has status %q", ErrAgentUnavailable, agentID, agent.Status)
	}

	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if priority == "" {
		priority = PriorityNormal
	}
	t := &Task{
		ID:        uuid.New().String(),
		AgentID:   agentID,
		Status:    StatusSubmitted,
		Priority:  priority,
		Input:     input,
		Timeout:   timeout,
		CreatedAt: time.Now(),
	}
	if err := l.repo.Save(ctx, t); err != nil {
		return nil, fmt.Errorf("persist task %s: %w", t.ID, err)
	}

	outcome := l.delegator.Delegate(ctx, a2a.TaskRequest{
		TaskID:   t.ID,
		Input:    t.Input,
		Priority: string(t.Priority),
		Timeout:  t.Timeout,
	}, agent.ID, agent.Endpoint)

	return l.finishDelegation(ctx, t.ID, agentID, outcome)
}

// finishDelegation records the delegation outcome under the task's
// lock. The task id travels in the delegation message, so the agent may
// have already advanced the task through UpdateStatus before the HTTP
// round trip returned; in that case the stored state wins and the stale
// outcome is dropped.
func (l *Lifecycle) finishDelegation(ctx context.Context, id, agentID string, outcome a2a.Outcome) (*Task, error) {
	m := l.lock(id)
	m.Lock()
	defer m.Unlock()

	t, err := l.repo.Load(ctx, id)
	if err != nil {
		return nil, err
	}

	target := StatusWorking
	if !outcome.Accepted {
		target = StatusFailed
	}
	if err := Transition(id, t.Status, target); err != nil {
		if t.Status.Terminal() {
			l.reapLock(id)
		}
		l.logger.Info("task advanced during delegation, keeping stored state",
			zap.String("task", id),
			zap.String("status", string(t.Status)))
		return t, nil
	}

	now := time.Now()
	t.Status = target
	if outcome.Accepted {
		t.StartedAt = &now
	} else {
		t.Error = outcome.Reason
	}
	if err := l.repo.Save(ctx, t); err != nil {
		return nil, fmt.Errorf("persist task %s: %w", id, err)
	}

	if !outcome.Accepted {
		l.reapLock(id)
		l.logger.Warn("task delegation failed",
			zap.String("task", id),
			zap.String("agent", agentID),
			zap.String("reason", outcome.Reason))
		return t, &DelegationRejectedError{TaskID: id, Reason: outcome.Reason}
	}

	l.logger.Info("task delegated",
		zap.String("task", id),
		zap.String("agent", agentID))
	return t, nil
}

// UpdateStatus validates the transition against the state seen under
// the task's lock and persists the result before returning. A stale
// concurrent caller gets an *InvalidTransitionError, never a silent
// overwrite.
func (l *Lifecycle) UpdateStatus(ctx context.Context, id string, status Status, output json.RawMessage, errMsg string) (*Task, error) {
	m := l.lock(id)
	m.Lock()
	defer m.Unlock()

	t, err := l.repo.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := Transition(id, t.Status, status); err != nil {
		if t.Status.Terminal() {
			l.reapLock(id)
		}
		return nil, err
	}

	from := t.Status
	t.Status = status
	if output != nil {
		t.Output = output
	}
	if errMsg != "" {
		t.Error = errMsg
	}
	if status == StatusCompleted {
		now := time.Now()
		t.CompletedAt = &now
	}
	if err := l.repo.Save(ctx, t); err != nil {
		return nil, fmt.Errorf("persist task %s: %w", id, err)
	}

	// Score the agent once the task reaches a terminal state.
	if status.Terminal() {
		elapsed := 0.0
		if status == StatusCompleted && t.StartedAt != nil {
			elapsed = time.Since(*t.StartedAt).Seconds()
		}
		l.tracker.Record(t.AgentID, status == StatusCompleted, elapsed)
		l.reapLock(id)
	}

	l.logger.Info("task status updated",
		zap.String("task", id),
		zap.String("from", string(from)),
		zap.String("to", string(status)))
	return t, nil
}

// Get loads a task by id.
func (l *Lifecycle) Get(ctx context.Context, id string) (*Task, error) {
	return l.repo.Load(ctx, id)
}
