package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nidhogg/agentmesh/internal/task"
	"github.com/nidhogg/agentmesh/internal/tool"
)

// ExecStatus is the lifecycle state of one workflow execution.
type ExecStatus string

const (
	ExecPending   ExecStatus = "pending"
	ExecRunning   ExecStatus = "running"
	ExecCompleted ExecStatus = "completed"
	ExecFailed    ExecStatus = "failed"
	ExecCancelled ExecStatus = "cancelled"
)

// Terminal reports whether an execution can still change state.
func (s ExecStatus) Terminal() bool {
	switch s {
	case ExecCompleted, ExecFailed, ExecCancelled:
		return true
	}
	return false
}

// LogEntry is one checkpoint in an execution's node log.
type LogEntry struct {
	NodeID string    `json:"node_id"`
	Status string    `json:"status"`
	At     time.Time `json:"at"`
}

// Execution is the persisted record of one workflow run. NodeOutputs
// and Log grow as checkpoints land.
type Execution struct {
	ID          string                     `json:"id"`
	WorkflowID  string                     `json:"workflow_id"`
	Status      ExecStatus                 `json:"status"`
	Inputs      json.RawMessage            `json:"inputs,omitempty"`
	NodeOutputs map[string]json.RawMessage `json:"node_outputs"`
	Log         []LogEntry                 `json:"log"`
	Error       string                     `json:"error_message,omitempty"`
	StartedAt   *time.Time                 `json:"started_at,omitempty"`
	EndedAt     *time.Time                 `json:"ended_at,omitempty"`
}

func (ex *Execution) clone() *Execution {
	cp := *ex
	cp.NodeOutputs = make(map[string]json.RawMessage, len(ex.NodeOutputs))
	for k, v := range ex.NodeOutputs {
		cp.NodeOutputs[k] = v
	}
	cp.Log = append([]LogEntry(nil), ex.Log...)
	return &cp
}

const defaultPollInterval = 200 * time.Millisecond

type agentNodeConfig struct {
	AgentID        string `json:"agent_id"`
	InputFrom      string `json:"input_from,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
}

type toolNodeConfig struct {
	Tool string          `json:"tool"`
	Args json.RawMessage `json:"args,omitempty"`
}

type conditionNodeConfig struct {
	Field   string          `json:"field"`
	Equals  json.RawMessage `json:"equals"`
	IfTrue  string          `json:"if_true,omitempty"`
	IfFalse string          `json:"if_false,omitempty"`
}

// execState tracks a live execution: its cancel function and the lock
// serializing its checkpoint writes.
type execState struct {
	mu     sync.Mutex
	cancel context.CancelFunc
}

// Executor runs compiled workflow graphs, one goroutine per execution
// with sequential node processing, bounded by a semaphore pool.
type Executor struct {
	tasks        *task.Lifecycle
	tools        *tool.Registry
	repo         Repository
	logger       *zap.Logger
	pool         chan struct{}
	pollInterval time.Duration

	mu     sync.Mutex
	states map[string]*execState
}

// NewExecutor creates an executor running at most poolSize concurrent
// executions. repo may be nil for an in-memory executor.
func NewExecutor(tasks *task.Lifecycle, tools *tool.Registry, repo Repository, poolSize int, logger *zap.Logger) *Executor {
	if poolSize <= 0 {
		poolSize = 4
	}
	if repo == nil {
		repo = NewMemoryRepository()
	}
	return &Executor{
		tasks:        tasks,
		tools:        tools,
		repo:         repo,
		logger:       logger,
		pool:         make(chan struct{}, poolSize),
		pollInterval: defaultPollInterval,
		states:       make(map[string]*execState),
	}
}

// Start persists a pending execution for the graph and launches it in
// the background, returning the execution id immediately.
func (e *Executor) Start(ctx context.Context, graph *CompiledGraph, inputs json.RawMessage) (string, error) {
	ex := &Execution{
		ID:          uuid.New().String(),
		WorkflowID:  graph.Definition.ID,
		Status:      ExecPending,
		Inputs:      inputs,
		NodeOutputs: make(map[string]json.RawMessage),
	}
	if err := e.repo.SaveExecution(ctx, ex); err != nil {
		return "", fmt.Errorf("persist execution: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	st := &execState{cancel: cancel}
	e.mu.Lock()
	e.states[ex.ID] = st
	e.mu.Unlock()

	go e.run(runCtx, st, graph, ex)

	e.logger.Info("execution started",
		zap.String("execution", ex.ID),
		zap.String("workflow", graph.Definition.ID))
	return ex.ID, nil
}

// Get returns the current persisted state of an execution.
func (e *Executor) Get(ctx context.Context, id string) (*Execution, error) {
	return e.repo.LoadExecution(ctx, id)
}

// Cancel moves a pending or running execution to cancelled. The
// in-flight node finishes on its own; nothing further is scheduled.
// Terminal executions are left untouched.
func (e *Executor) Cancel(ctx context.Context, id string) (*Execution, error) {
	e.mu.Lock()
	st := e.states[id]
	e.mu.Unlock()
	if st == nil {
		// Unknown or already finished and reaped.
		ex, err := e.repo.LoadExecution(ctx, id)
		if err != nil {
			return nil, err
		}
		return ex, nil
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	ex, err := e.repo.LoadExecution(ctx, id)
	if err != nil {
		return nil, err
	}
	if ex.Status.Terminal() {
		return ex, nil
	}
	st.cancel()
	now := time.Now()
	ex.Status = ExecCancelled
	ex.EndedAt = &now
	if err := e.repo.SaveExecution(ctx, ex); err != nil {
		return nil, fmt.Errorf("persist cancelled execution: %w", err)
	}
	e.logger.Info("execution cancelled", zap.String("execution", id))
	return ex, nil
}

// checkpoint persists the execution unless it was cancelled underneath
// us. Returns false when the run loop must stop.
func (e *Executor) checkpoint(st *execState, ex *Execution) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	stored, err := e.repo.LoadExecution(context.Background(), ex.ID)
	if err == nil && stored.Status == ExecCancelled {
		return false
	}
	if err := e.repo.SaveExecution(context.Background(), ex); err != nil {
		e.logger.Error("persist execution failed",
			zap.String("execution", ex.ID),
			zap.Error(err))
	}
	return true
}

func (e *Executor) reap(id string) {
	e.mu.Lock()
	delete(e.states, id)
	e.mu.Unlock()
}

func (e *Executor) run(ctx context.Context, st *execState, graph *CompiledGraph, ex *Execution) {
	defer e.reap(ex.ID)

	select {
	case e.pool <- struct{}{}:
		defer func() { <-e.pool }()
	case <-ctx.Done():
		return // cancelled while pending
	}

	now := time.Now()
	ex.Status = ExecRunning
	ex.StartedAt = &now
	if !e.checkpoint(st, ex) {
		return
	}

	queue := []string{graph.Entry}
	visited := make(map[string]bool)
	for len(queue) > 0 {
		if ctx.Err() != nil {
			return
		}
		id := queue[0]
		queue = queue[1:]
		if visited[id] {
			continue
		}
		visited[id] = true

		node, ok := graph.Node(id)
		if !ok {
			e.fail(st, ex, fmt.Sprintf("node %s not in graph", id))
			return
		}

		next, err := e.runNode(ctx, graph, ex, node)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			ex.Log = append(ex.Log, LogEntry{NodeID: id, Status: "failed", At: time.Now()})
			e.fail(st, ex, fmt.Sprintf("node %s: %v", id, err))
			return
		}
		ex.Log = append(ex.Log, LogEntry{NodeID: id, Status: "completed", At: time.Now()})
		if !e.checkpoint(st, ex) {
			return
		}
		queue = append(queue, next...)
	}

	end := time.Now()
	ex.Status = ExecCompleted
	ex.EndedAt = &end
	e.checkpoint(st, ex)
	e.logger.Info("execution completed", zap.String("execution", ex.ID))
}

// fail marks the execution failed with the cause and persists it.
func (e *Executor) fail(st *execState, ex *Execution, cause string) {
	now := time.Now()
	ex.Status = ExecFailed
	ex.Error = cause
	ex.EndedAt = &now
	e.checkpoint(st, ex)
	e.logger.Warn("execution failed",
		zap.String("execution", ex.ID),
		zap.String("cause", cause))
}

// runNode executes one node and returns the successors to schedule.
func (e *Executor) runNode(ctx context.Context, graph *CompiledGraph, ex *Execution, node Node) ([]string, error) {
	switch node.Type {
	case NodeInput:
		out := ex.Inputs
		if out == nil {
			out = json.RawMessage(`{}`)
		}
		ex.NodeOutputs[node.ID] = out
		return graph.Successors(node.ID), nil

	case NodeAgent:
		out, err := e.runAgentNode(ctx, ex, node)
		if err != nil {
			return nil, err
		}
		ex.NodeOutputs[node.ID] = out
		return graph.Successors(node.ID), nil

	case NodeTool:
		var cfg toolNodeConfig
		if err := json.Unmarshal(node.Config, &cfg); err != nil {
			return nil, fmt.Errorf("decode tool config: %w", err)
		}
		out, err := e.tools.Invoke(ctx, cfg.Tool, ex.ID, cfg.Args)
		if err != nil {
			return nil, err
		}
		ex.NodeOutputs[node.ID] = out
		return graph.Successors(node.ID), nil

	case NodeCondition:
		return e.runConditionNode(graph, ex, node)

	case NodeOutput:
		aggregated, err := json.Marshal(ex.NodeOutputs)
		if err != nil {
			return nil, fmt.Errorf("aggregate outputs: %w", err)
		}
		ex.NodeOutputs[node.ID] = aggregated
		return graph.Successors(node.ID), nil
	}
	return nil, fmt.Errorf("unknown node type %q", node.Type)
}

// runAgentNode delegates a task and polls it until terminal or the
// node's timeout elapses.
func (e *Executor) runAgentNode(ctx context.Context, ex *Execution, node Node) (json.RawMessage, error) {
	var cfg agentNodeConfig
	if err := json.Unmarshal(node.Config, &cfg); err != nil {
		return nil, fmt.Errorf("decode agent config: %w", err)
	}
	if cfg.AgentID == "" {
		return nil, fmt.Errorf("agent_id is required")
	}

	input := ex.Inputs
	if cfg.InputFrom != "" {
		from, ok := ex.NodeOutputs[cfg.InputFrom]
		if !ok {
			return nil, fmt.Errorf("input_from node %s has no output", cfg.InputFrom)
		}
		input = from
	}

	timeout := task.DefaultTimeout
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}

	t, err := e.tasks.Create(ctx, cfg.AgentID, input, timeout, task.PriorityNormal)
	if err != nil {
		return nil, err
	}

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()
	for {
		cur, err := e.tasks.Get(ctx, t.ID)
		if err != nil {
			return nil, err
		}
		if cur.Status.Terminal() {
			if cur.Status != task.StatusCompleted {
				return nil, fmt.Errorf("task %s ended %s: %s", cur.ID, cur.Status, cur.Error)
			}
			return cur.Output, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("task %s timed out after %s", t.ID, timeout)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// runConditionNode evaluates the predicate over accumulated outputs and
// picks exactly one successor branch.
func (e *Executor) runConditionNode(graph *CompiledGraph, ex *Execution, node Node) ([]string, error) {
	successors := graph.Successors(node.ID)
	if len(successors) <= 1 {
		ex.NodeOutputs[node.ID] = json.RawMessage(`{"matched":true}`)
		return successors, nil
	}

	var cfg conditionNodeConfig
	if err := json.Unmarshal(node.Config, &cfg); err != nil {
		return nil, fmt.Errorf("decode condition config: %w", err)
	}

	matched := fieldEquals(ex.NodeOutputs, cfg.Field, cfg.Equals)
	choice := cfg.IfFalse
	if matched {
		choice = cfg.IfTrue
	}
	for _, s := range successors {
		if s == choice {
			out, _ := json.Marshal(map[string]bool{"matched": matched})
			ex.NodeOutputs[node.ID] = out
			return []string{s}, nil
		}
	}
	return nil, &GraphValidationError{
		Reason: fmt.Sprintf("condition chose %q which is not a successor", choice),
		NodeID: node.ID,
	}
}

// fieldEquals scans the accumulated node outputs, in no particular
// order, for an object carrying the field with the expected value.
func fieldEquals(outputs map[string]json.RawMessage, field string, expected json.RawMessage) bool {
	var want any
	if err := json.Unmarshal(expected, &want); err != nil {
		return false
	}
	for _, raw := range outputs {
		var obj map[string]any
		if err := json.Unmarshal(raw, &obj); err != nil {
			continue
		}
		got, ok := obj[field]
		if !ok {
			continue
		}
		if reflect.DeepEqual(got, want) {
			return true
		}
	}
	return false
}
