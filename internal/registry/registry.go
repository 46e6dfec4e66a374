// Package registry owns the agent descriptor store and the two inverted
// discovery indexes (capability and modality). All index mutation is
// atomic with respect to reads: a discovery snapshot never observes a
// partially indexed agent.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nidhogg/agentmesh/internal/a2a"
	"github.com/nidhogg/agentmesh/internal/performance"
)

// AgentStatus tags an agent's availability.
type AgentStatus string

const (
	StatusActive   AgentStatus = "active"
	StatusInactive AgentStatus = "inactive"
	StatusBusy     AgentStatus = "busy"
)

// DefaultStaleness is the heartbeat window for the liveness view.
const DefaultStaleness = 5 * time.Minute

var (
	// ErrValidation reports a malformed descriptor.
	ErrValidation = errors.New("agent name and endpoint are required")
	// ErrUnreachableEndpoint reports a failed registration liveness probe.
	ErrUnreachableEndpoint = errors.New("agent endpoint is not reachable")
	// ErrAgentNotFound reports a lookup miss.
	ErrAgentNotFound = errors.New("agent not found")
)

// AgentDescriptor describes a registered remote agent.
type AgentDescriptor struct {
	ID            string      `json:"id"`
	Name          string      `json:"name"`
	Endpoint      string      `json:"endpoint"`
	Capabilities  []string    `json:"capabilities"`
	Modalities    []string    `json:"modalities"`
	Status        AgentStatus `json:"status"`
	RegisteredAt  time.Time   `json:"registered_at"`
	LastHeartbeat time.Time   `json:"last_heartbeat"`
}

// Registry stores agent descriptors and maintains the inverted indexes.
type Registry struct {
	mu            sync.RWMutex
	agents        map[string]*AgentDescriptor
	capabilityIdx map[string]map[string]struct{} // capability -> agent ids
	modalityIdx   map[string]map[string]struct{} // modality -> agent ids

	prober  a2a.Prober
	tracker *performance.Tracker
	repo    Repository
	logger  *zap.Logger
}

// New creates a registry. repo may be nil for a purely in-memory registry.
func New(prober a2a.Prober, tracker *performance.Tracker, repo Repository, logger *zap.Logger) *Registry {
	if repo == nil {
		repo = NewMemoryRepository()
	}
	return &Registry{
		agents:        make(map[string]*AgentDescriptor),
		capabilityIdx: make(map[string]map[string]struct{}),
		modalityIdx:   make(map[string]map[string]struct{}),
		prober:        prober,
		tracker:       tracker,
		repo:          repo,
		logger:        logger,
	}
}

// Restore reloads persisted descriptors and rebuilds both indexes.
// Called once at startup, before the registry is shared.
func (r *Registry) Restore(ctx context.Context) (int, error) {
	descs, err := r.repo.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("restore agents: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range descs {
		r.agents[d.ID] = d
		r.index(d)
		r.tracker.Init(d.ID)
	}
	return len(descs), nil
}

// Register validates the descriptor, probes its endpoint, assigns a
// fresh id and stores + indexes it atomically.
func (r *Registry) Register(ctx context.Context, desc *AgentDescriptor) (string, error) {
	if desc == nil || desc.Name == "" || desc.Endpoint == "" {
		return "", ErrValidation
	}
	if !r.prober.Probe(ctx, desc.Endpoint) {
		return "", fmt.Errorf("%w: %s", ErrUnreachableEndpoint, desc.Endpoint)
	}

	now := time.Now()
	desc.ID = uuid.New().String()
	desc.Status = StatusActive
	desc.RegisteredAt = now
	desc.LastHeartbeat = now

	r.mu.Lock()
	r.agents[desc.ID] = desc
	r.index(desc)
	r.mu.Unlock()

	r.tracker.Init(desc.ID)

	if err := r.repo.Save(ctx, desc); err != nil {
		r.logger.Warn("persist agent failed", zap.String("agent", desc.ID), zap.Error(err))
	}

	r.logger.Info("agent registered",
		zap.String("agent", desc.ID),
		zap.String("name", desc.Name),
		zap.Strings("capabilities", desc.Capabilities))
	return desc.ID, nil
}

// Unregister removes an agent and purges it from every index bucket.
// Removing an absent id is a no-op.
func (r *Registry) Unregister(ctx context.Context, id string) error {
	r.mu.Lock()
	desc, ok := r.agents[id]
	if ok {
		delete(r.agents, id)
		r.unindex(desc)
	}
	r.mu.Unlock()
	if !ok {
		return nil
	}

	r.tracker.Remove(id)
	if err := r.repo.Delete(ctx, id); err != nil {
		return fmt.Errorf("unregister %s: %w", id, err)
	}
	r.logger.Info("agent unregistered", zap.String("agent", id))
	return nil
}

// Heartbeat stamps the agent's last-heartbeat time. Returns false when
// the id is unknown.
func (r *Registry) Heartbeat(ctx context.Context, id string) bool {
	r.mu.Lock()
	desc, ok := r.agents[id]
	var snapshot AgentDescriptor
	if ok {
		desc.LastHeartbeat = time.Now()
		snapshot = *desc
	}
	r.mu.Unlock()
	if !ok {
		return false
	}

	if err := r.repo.Save(ctx, &snapshot); err != nil {
		r.logger.Warn("persist heartbeat failed", zap.String("agent", id), zap.Error(err))
	}
	return true
}

// Get returns a copy of the descriptor.
func (r *Registry) Get(id string) (*AgentDescriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	desc, ok := r.agents[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	cp := *desc
	return &cp, nil
}

// SetStatus updates an agent's availability tag.
func (r *Registry) SetStatus(ctx context.Context, id string, status AgentStatus) error {
	r.mu.Lock()
	desc, ok := r.agents[id]
	var snapshot AgentDescriptor
	if ok {
		desc.Status = status
		snapshot = *desc
	}
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}

	if err := r.repo.Save(ctx, &snapshot); err != nil {
		r.logger.Warn("persist status failed", zap.String("agent", id), zap.Error(err))
	}
	return nil
}

// ListActive returns agents that are active AND have heartbeated within
// the staleness window. This is a liveness view, not a membership view.
func (r *Registry) ListActive(staleness time.Duration) []*AgentDescriptor {
	if staleness <= 0 {
		staleness = DefaultStaleness
	}
	cutoff := time.Now().Add(-staleness)

	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*AgentDescriptor
	for _, desc := range r.agents {
		if desc.Status == StatusActive && desc.LastHeartbeat.After(cutoff) {
			cp := *desc
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// AllIDs returns every registered agent id.
func (r *Registry) AllIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.agents))
	for id := range r.agents {
		ids = append(ids, id)
	}
	return ids
}

// CapabilityBucket returns the agent ids indexed under one capability,
// and whether the bucket exists.
func (r *Registry) CapabilityBucket(capability string) (map[string]struct{}, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return copyBucket(r.capabilityIdx[capability])
}

// ModalityBucket returns the agent ids indexed under one modality.
func (r *Registry) ModalityBucket(modality string) (map[string]struct{}, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return copyBucket(r.modalityIdx[modality])
}

// index adds the descriptor to both inverted indexes. Caller holds mu.
func (r *Registry) index(desc *AgentDescriptor) {
	for _, c := range desc.Capabilities {
		if c == "" {
			continue
		}
		if r.capabilityIdx[c] == nil {
			r.capabilityIdx[c] = make(map[string]struct{})
		}
		r.capabilityIdx[c][desc.ID] = struct{}{}
	}
	for _, m := range desc.Modalities {
		if m == "" {
			continue
		}
		if r.modalityIdx[m] == nil {
			r.modalityIdx[m] = make(map[string]struct{})
		}
		r.modalityIdx[m][desc.ID] = struct{}{}
	}
}

// unindex removes the descriptor from every bucket. Caller holds mu.
func (r *Registry) unindex(desc *AgentDescriptor) {
	for c, bucket := range r.capabilityIdx {
		delete(bucket, desc.ID)
		if len(bucket) == 0 {
			delete(r.capabilityIdx, c)
		}
	}
	for m, bucket := range r.modalityIdx {
		delete(bucket, desc.ID)
		if len(bucket) == 0 {
			delete(r.modalityIdx, m)
		}
	}
}

func copyBucket(bucket map[string]struct{}) (map[string]struct{}, bool) {
	if bucket == nil {
		return nil, false
	}
	cp := make(map[string]struct{}, len(bucket))
	for id := range bucket {
		cp[id] = struct{}{}
	}
	return cp, true
}
