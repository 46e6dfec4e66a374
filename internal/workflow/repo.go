package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/nidhogg/agentmesh/internal/kv"
)

const (
	workflowPrefix  = "workflow:"
	executionPrefix = "workflow_execution:"
)

var (
	// ErrWorkflowNotFound reports a definition lookup miss.
	ErrWorkflowNotFound = errors.New("workflow not found")
	// ErrExecutionNotFound reports an execution lookup miss.
	ErrExecutionNotFound = errors.New("execution not found")
)

// Repository persists workflow definitions and execution records.
type Repository interface {
	SaveWorkflow(ctx context.Context, def *Definition) error
	LoadWorkflow(ctx context.Context, id string) (*Definition, error)
	ListWorkflows(ctx context.Context) ([]*Definition, error)
	SaveExecution(ctx context.Context, ex *Execution) error
	LoadExecution(ctx context.Context, id string) (*Execution, error)
}

// KVRepository stores definitions and executions as JSON in the
// durable KV store.
type KVRepository struct {
	store kv.Store
}

// NewKVRepository creates a repository over the given store.
func NewKVRepository(store kv.Store) *KVRepository {
	return &KVRepository{store: store}
}

func (r *KVRepository) SaveWorkflow(ctx context.Context, def *Definition) error {
	data, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("encode workflow %s: %w", def.ID, err)
	}
	return r.store.Put(ctx, workflowPrefix+def.ID, data)
}

func (r *KVRepository) LoadWorkflow(ctx context.Context, id string) (*Definition, error) {
	data, err := r.store.Get(ctx, workflowPrefix+id)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load workflow %s: %w", id, err)
	}
	var def Definition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("decode workflow %s: %w", id, err)
	}
	return &def, nil
}

func (r *KVRepository) ListWorkflows(ctx context.Context) ([]*Definition, error) {
	keys, err := r.store.Keys(ctx, workflowPrefix)
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	out := make([]*Definition, 0, len(keys))
	for _, key := range keys {
		data, err := r.store.Get(ctx, key)
		if errors.Is(err, kv.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load workflow %s: %w", key, err)
		}
		var def Definition
		if err := json.Unmarshal(data, &def); err != nil {
			return nil, fmt.Errorf("decode workflow %s: %w", key, err)
		}
		out = append(out, &def)
	}
	return out, nil
}

func (r *KVRepository) SaveExecution(ctx context.Context, ex *Execution) error {
	data, err := json.Marshal(ex)
	if err != nil {
		return fmt.Errorf("encode execution %s: %w", ex.ID, err)
	}
	return r.store.Put(ctx, executionPrefix+ex.ID, data)
}

func (r *KVRepository) LoadExecution(ctx context.Context, id string) (*Execution, error) {
	data, err := r.store.Get(ctx, executionPrefix+id)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrExecutionNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load execution %s: %w", id, err)
	}
	var ex Execution
	if err := json.Unmarshal(data, &ex); err != nil {
		return nil, fmt.Errorf("decode execution %s: %w", id, err)
	}
	return &ex, nil
}

// MemoryRepository is the in-memory Repository used in tests.
type MemoryRepository struct {
	mu         sync.Mutex
	workflows  map[string]*Definition
	executions map[string]*Execution
}

// NewMemoryRepository creates an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		workflows:  make(map[string]*Definition),
		executions: make(map[string]*Execution),
	}
}

func (r *MemoryRepository) SaveWorkflow(_ context.Context, def *Definition) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *def
	r.workflows[def.ID] = &cp
	return nil
}

func (r *MemoryRepository) LoadWorkflow(_ context.Context, id string) (*Definition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	def, ok := r.workflows[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, id)
	}
	cp := *def
	return &cp, nil
}

func (r *MemoryRepository) ListWorkflows(_ context.Context) ([]*Definition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Definition, 0, len(r.workflows))
	for _, def := range r.workflows {
		cp := *def
		out = append(out, &cp)
	}
	return out, nil
}

func (r *MemoryRepository) SaveExecution(_ context.Context, ex *Execution) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := ex.clone()
	r.executions[ex.ID] = cp
	return nil
}

func (r *MemoryRepository) LoadExecution(_ context.Context, id string) (*Execution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ex, ok := r.executions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrExecutionNotFound, id)
	}
	return ex.clone(), nil
}
