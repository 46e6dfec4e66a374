package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/nidhogg/agentmesh/internal/kv"
)

const taskPrefix = "a2a:task:"

// Repository persists task records. Save must complete before a
// lifecycle call returns so that callers polling immediately after see
// the new state.
type Repository interface {
	Save(ctx context.Context, t *Task) error
	Load(ctx context.Context, id string) (*Task, error)
}

// KVRepository stores tasks as JSON in the durable KV store.
type KVRepository struct {
	store kv.Store
}

// NewKVRepository creates a repository over the given store.
func NewKVRepository(store kv.Store) *KVRepository {
	return &KVRepository{store: store}
}

func (r *KVRepository) Save(ctx context.Context, t *Task) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode task %s: %w", t.ID, err)
	}
	return r.store.Put(ctx, taskPrefix+t.ID, data)
}

func (r *KVRepository) Load(ctx context.Context, id string) (*Task, error) {
	data, err := r.store.Get(ctx, taskPrefix+id)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load task %s: %w", id, err)
	}
	var t Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("decode task %s: %w", id, err)
	}
	return &t, nil
}

// MemoryRepository is the in-memory Repository used in tests.
type MemoryRepository struct {
	mu    sync.Mutex
	tasks map[string]*Task
}

// NewMemoryRepository creates an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{tasks: make(map[string]*Task)}
}

func (r *MemoryRepository) Save(_ context.Context, t *Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *t
	r.tasks[t.ID] = &cp
	return nil
}

func (r *MemoryRepository) Load(_ context.Context, id string) (*Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	cp := *t
	return &cp, nil
}
