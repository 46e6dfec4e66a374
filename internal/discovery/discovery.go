// Package discovery answers multi-criteria agent discovery queries over
// the registry's inverted indexes and the performance tracker. It never
// mutates state.
package discovery

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/agentmesh/internal/performance"
	"github.com/nidhogg/agentmesh/internal/registry"
)

// Criteria selects agents. Nil/empty fields apply no constraint; a
// non-empty filter whose intersection is empty yields an empty result,
// never a fallback to all agents.
type Criteria struct {
	Capabilities    []string `json:"capabilities,omitempty"`
	Modalities      []string `json:"modalities,omitempty"`
	MinSuccessRate  *float64 `json:"min_success_rate,omitempty"`
	MaxResponseTime *float64 `json:"max_response_time,omitempty"`
}

// Candidate pairs a descriptor with a snapshot of its current score.
type Candidate struct {
	Agent *registry.AgentDescriptor `json:"agent"`
	Score performance.Score         `json:"score"`
}

// Engine runs discovery queries.
type Engine struct {
	registry *registry.Registry
	tracker  *performance.Tracker
	logger   *zap.Logger
}

// NewEngine creates a discovery engine.
func NewEngine(reg *registry.Registry, tracker *performance.Tracker, logger *zap.Logger) *Engine {
	return &Engine{registry: reg, tracker: tracker, logger: logger}
}

// Discover returns candidates matching the criteria, ordered by
// success-rate descending, then response-time ascending, then id.
func (e *Engine) Discover(ctx context.Context, criteria Criteria) ([]Candidate, error) {
	var candidates map[string]struct{}
	constrained := false

	if len(criteria.Capabilities) > 0 {
		constrained = true
		candidates = e.intersectBuckets(criteria.Capabilities, e.registry.CapabilityBucket)
	}
	if len(criteria.Modalities) > 0 {
		constrained = true
		byModality := e.intersectBuckets(criteria.Modalities, e.registry.ModalityBucket)
		if candidates == nil {
			candidates = byModality
		} else {
			candidates = intersect(candidates, byModality)
		}
	}
	if !constrained {
		candidates = make(map[string]struct{})
		for _, id := range e.registry.AllIDs() {
			candidates[id] = struct{}{}
		}
	}

	out := make([]Candidate, 0, len(candidates))
	for id := range candidates {
		score, ok := e.tracker.Get(id)
		if !ok {
			continue
		}
		if criteria.MinSuccessRate != nil && score.SuccessRate < *criteria.MinSuccessRate {
			continue
		}
		if criteria.MaxResponseTime != nil && score.AvgResponseTime > *criteria.MaxResponseTime {
			continue
		}
		desc, err := e.registry.Get(id)
		if err != nil {
			continue // unregistered between snapshot and lookup
		}
		if desc.Status != registry.StatusActive {
			continue
		}
		if time.Since(desc.LastHeartbeat) > registry.DefaultStaleness {
			continue // registered but gone quiet
		}
		out = append(out, Candidate{Agent: desc, Score: score})
	}

	sort.Slice(out, func(i, j int) bool {
		si, sj := out[i].Score, out[j].Score
		if si.SuccessRate != sj.SuccessRate {
			return si.SuccessRate > sj.SuccessRate
		}
		if si.AvgResponseTime != sj.AvgResponseTime {
			return si.AvgResponseTime < sj.AvgResponseTime
		}
		return out[i].Agent.ID < out[j].Agent.ID
	})

	e.logger.Debug("discovery query answered",
		zap.Int("candidates", len(out)),
		zap.Strings("capabilities", criteria.Capabilities),
		zap.Strings("modalities", criteria.Modalities))
	return out, nil
}

// intersectBuckets intersects the index buckets for every name in the
// filter. A missing bucket makes the whole intersection empty.
func (e *Engine) intersectBuckets(names []string, lookup func(string) (map[string]struct{}, bool)) map[string]struct{} {
	var acc map[string]struct{}
	for _, name := range names {
		bucket, ok := lookup(name)
		if !ok {
			return map[string]struct{}{}
		}
		if acc == nil {
			acc = bucket
			continue
		}
		acc = intersect(acc, bucket)
		if len(acc) == 0 {
			return acc
		}
	}
	if acc == nil {
		return map[string]struct{}{}
	}
	return acc
}

func intersect(a, b map[string]struct{}) map[string]struct{} {
	if len(b) < len(a) {
		a, b = b, a
	}
	out := make(map[string]struct{})
	for id := range a {
		if _, ok := b[id]; ok {
			out[id] = struct{}{}
		}
	}
	return out
}
