// Package performance maintains per-agent rolling success-rate and
// latency scores that feed discovery ranking.
package performance

import (
	"sync"

	"go.uber.org/zap"
)

// alpha is the EMA smoothing factor for the success rate.
const alpha = 0.1

// Score is a snapshot of an agent's tracked performance.
type Score struct {
	SuccessRate     float64 `json:"success_rate"`
	AvgResponseTime float64 `json:"avg_response_time"`
	TotalTasks      int64   `json:"total_tasks"`

	// latencySamples counts tasks that reported a latency. Failures
	// record zero elapsed time and must not dilute the mean.
	latencySamples int64
}

// Tracker owns the score map. All mutation funnels through it.
type Tracker struct {
	mu     sync.RWMutex
	scores map[string]Score
	logger *zap.Logger
}

// NewTracker creates an empty tracker.
func NewTracker(logger *zap.Logger) *Tracker {
	return &Tracker{
		scores: make(map[string]Score),
		logger: logger,
	}
}

// Init seeds an agent with the optimistic prior: success rate 1.0, no
// latency evidence. New agents are not penalized before evidence exists.
func (t *Tracker) Init(agentID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.scores[agentID]; !ok {
		t.scores[agentID] = Score{SuccessRate: 1.0}
	}
}

// Record folds one task outcome into the agent's score. elapsedSeconds
// updates the running mean response time; success updates the EMA:
// new = (1-alpha)*old + alpha*outcome.
func (t *Tracker) Record(agentID string, success bool, elapsedSeconds float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.scores[agentID]
	if !ok {
		s = Score{SuccessRate: 1.0}
	}

	outcome := 0.0
	if success {
		outcome = 1.0
	}
	s.SuccessRate = (1-alpha)*s.SuccessRate + alpha*outcome
	s.TotalTasks++
	if elapsedSeconds > 0 {
		// Running mean over samples with observed latency.
		s.latencySamples++
		s.AvgResponseTime += (elapsedSeconds - s.AvgResponseTime) / float64(s.latencySamples)
	}
	t.scores[agentID] = s

	t.logger.Debug("recorded task outcome",
		zap.String("agent", agentID),
		zap.Bool("success", success),
		zap.Float64("success_rate", s.SuccessRate))
}

// Get returns the agent's score snapshot.
func (t *Tracker) Get(agentID string) (Score, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.scores[agentID]
	return s, ok
}

// Remove drops an agent's score on unregistration.
func (t *Tracker) Remove(agentID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.scores, agentID)
}
