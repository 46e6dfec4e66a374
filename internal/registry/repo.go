package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/nidhogg/agentmesh/internal/kv"
)

const agentPrefix = "a2a:agent:"

// Repository persists agent descriptors for restart recovery.
type Repository interface {
	Save(ctx context.Context, desc *AgentDescriptor) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]*AgentDescriptor, error)
}

// KVRepository stores descriptors as JSON in the durable KV store.
type KVRepository struct {
	store kv.Store
}

// NewKVRepository creates a repository over the given store.
func NewKVRepository(store kv.Store) *KVRepository {
	return &KVRepository{store: store}
}

func (r *KVRepository) Save(ctx context.Context, desc *AgentDescriptor) error {
	data, err := json.Marshal(desc)
	if err != nil {
		return fmt.Errorf("encode agent %s: %w", desc.ID, err)
	}
	return r.store.Put(ctx, agentPrefix+desc.ID, data)
}

func (r *KVRepository) Delete(ctx context.Context, id string) error {
	return r.store.Delete(ctx, agentPrefix+id)
}

func (r *KVRepository) List(ctx context.Context) ([]*AgentDescriptor, error) {
	keys, err := r.store.Keys(ctx, agentPrefix)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	descs := make([]*AgentDescriptor, 0, len(keys))
	for _, k := range keys {
		data, err := r.store.Get(ctx, k)
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", k, err)
		}
		var d AgentDescriptor
		if err := json.Unmarshal(data, &d); err != nil {
			return nil, fmt.Errorf("decode %s: %w", k, err)
		}
		descs = append(descs, &d)
	}
	return descs, nil
}

// MemoryRepository is the in-memory Repository used in tests.
type MemoryRepository struct {
	mu    sync.Mutex
	descs map[string]*AgentDescriptor
}

// NewMemoryRepository creates an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{descs: make(map[string]*AgentDescriptor)}
}

func (r *MemoryRepository) Save(_ context.Context, desc *AgentDescriptor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *desc
	r.descs[desc.ID] = &cp
	return nil
}

func (r *MemoryRepository) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.descs, id)
	return nil
}

func (r *MemoryRepository) List(_ context.Context) ([]*AgentDescriptor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*AgentDescriptor, 0, len(r.descs))
	for _, d := range r.descs {
		cp := *d
		out = append(out, &cp)
	}
	return out, nil
}
