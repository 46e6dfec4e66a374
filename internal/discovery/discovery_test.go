package discovery

import (
	"context"
	"testing"

	"go.uber.org/zap"

	"github.com/nidhogg/agentmesh/internal/performance"
	"github.com/nidhogg/agentmesh/internal/registry"
)

type upProber struct{}

func (upProber) Probe(_ context.Context, _ string) bool { return true }

type fixture struct {
	reg     *registry.Registry
	tracker *performance.Tracker
	engine  *Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	tracker := performance.NewTracker(zap.NewNop())
	reg := registry.New(upProber{}, tracker, nil, zap.NewNop())
	return &fixture{
		reg:     reg,
		tracker: tracker,
		engine:  NewEngine(reg, tracker, zap.NewNop()),
	}
}

func (f *fixture) register(t *testing.T, name string, caps, mods []string) string {
	t.Helper()
	id, err := f.reg.Register(context.Background(), &registry.AgentDescriptor{
		Name:         name,
		Endpoint:     "http://" + name,
		Capabilities: caps,
		Modalities:   mods,
	})
	if err != nil {
		t.Fatalf("register %s: %v", name, err)
	}
	return id
}

func ids(cands []Candidate) []string {
	out := make([]string, len(cands))
	for i, c := range cands {
		out[i] = c.Agent.ID
	}
	return out
}

func contains(list []string, want string) bool {
	for _, v := range list {
		if v == want {
			return true
		}
	}
	return false
}

func TestDiscoverEmptyCriteriaReturnsAllActive(t *testing.T) {
	f := newFixture(t)
	a := f.register(t, "a", []string{"summarize"}, nil)
	b := f.register(t, "b", []string{"translate"}, nil)

	got, err := f.engine.Discover(context.Background(), Criteria{})
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d candidates, want 2", len(got))
	}
	list := ids(got)
	if !contains(list, a) || !contains(list, b) {
		t.Fatalf("missing agents in %v", list)
	}
}

func TestDiscoverNoAgentsIsEmptyNotError(t *testing.T) {
	f := newFixture(t)
	got, err := f.engine.Discover(context.Background(), Criteria{})
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("got %d candidates, want 0", len(got))
	}
}

func TestDiscoverCapabilityIntersection(t *testing.T) {
	f := newFixture(t)
	both := f.register(t, "both", []string{"summarize", "translate"}, nil)
	f.register(t, "only-sum", []string{"summarize"}, nil)

	got, err := f.engine.Discover(context.Background(), Criteria{
		Capabilities: []string{"summarize", "translate"},
	})
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if len(got) != 1 || got[0].Agent.ID != both {
		t.Fatalf("got %v, want [%s]", ids(got), both)
	}
}

func TestDiscoverIntersectionIsCommutative(t *testing.T) {
	f := newFixture(t)
	f.register(t, "both", []string{"x", "y"}, nil)
	f.register(t, "x-only", []string{"x"}, nil)
	f.register(t, "y-only", []string{"y"}, nil)

	xy, _ := f.engine.Discover(context.Background(), Criteria{Capabilities: []string{"x", "y"}})
	yx, _ := f.engine.Discover(context.Background(), Criteria{Capabilities: []string{"y", "x"}})

	if len(xy) != len(yx) {
		t.Fatalf("[x,y] gave %d results, [y,x] gave %d", len(xy), len(yx))
	}
	for i := range xy {
		if xy[i].Agent.ID != yx[i].Agent.ID {
			t.Fatalf("order differs: %v vs %v", ids(xy), ids(yx))
		}
	}
}

func TestDiscoverEmptyIntersectionIsEmptyResult(t *testing.T) {
	f := newFixture(t)
	f.register(t, "a", []string{"summarize"}, nil)

	// Non-empty filter with no matching bucket must NOT fall back to all
	// agents.
	got, err := f.engine.Discover(context.Background(), Criteria{
		Capabilities: []string{"summarize", "paint"},
	})
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("got %v, want empty result", ids(got))
	}
}

func TestDiscoverModalityOnly(t *testing.T) {
	f := newFixture(t)
	text := f.register(t, "text", nil, []string{"text"})
	f.register(t, "image", nil, []string{"image"})

	got, err := f.engine.Discover(context.Background(), Criteria{Modalities: []string{"text"}})
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if len(got) != 1 || got[0].Agent.ID != text {
		t.Fatalf("got %v, want [%s]", ids(got), text)
	}
}

func TestDiscoverCombinesCapabilityAndModality(t *testing.T) {
	f := newFixture(t)
	match := f.register(t, "match", []string{"summarize"}, []string{"text"})
	f.register(t, "wrong-modality", []string{"summarize"}, []string{"image"})
	f.register(t, "wrong-capability", []string{"translate"}, []string{"text"})

	got, err := f.engine.Discover(context.Background(), Criteria{
		Capabilities: []string{"summarize"},
		Modalities:   []string{"text"},
	})
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if len(got) != 1 || got[0].Agent.ID != match {
		t.Fatalf("got %v, want [%s]", ids(got), match)
	}
}

func TestDiscoverPerformanceThresholds(t *testing.T) {
	f := newFixture(t)
	good := f.register(t, "good", []string{"summarize"}, nil)
	bad := f.register(t, "bad", []string{"summarize"}, nil)

	// Drive the bad agent's success rate down.
	for i := 0; i < 10; i++ {
		f.tracker.Record(bad, false, 0)
	}

	min := 0.9
	got, err := f.engine.Discover(context.Background(), Criteria{
		Capabilities:   []string{"summarize"},
		MinSuccessRate: &min,
	})
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if len(got) != 1 || got[0].Agent.ID != good {
		t.Fatalf("got %v, want [%s]", ids(got), good)
	}
}

func TestDiscoverMaxResponseTime(t *testing.T) {
	f := newFixture(t)
	fast := f.register(t, "fast", []string{"summarize"}, nil)
	slow := f.register(t, "slow", []string{"summarize"}, nil)

	f.tracker.Record(fast, true, 0.5)
	f.tracker.Record(slow, true, 20.0)

	max := 1.0
	got, err := f.engine.Discover(context.Background(), Criteria{
		Capabilities:    []string{"summarize"},
		MaxResponseTime: &max,
	})
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if len(got) != 1 || got[0].Agent.ID != fast {
		t.Fatalf("got %v, want [%s]", ids(got), fast)
	}
}

func TestDiscoverExcludesInactive(t *testing.T) {
	f := newFixture(t)
	active := f.register(t, "active", []string{"summarize"}, nil)
	parked := f.register(t, "parked", []string{"summarize"}, nil)
	if err := f.reg.SetStatus(context.Background(), parked, registry.StatusInactive); err != nil {
		t.Fatalf("set status: %v", err)
	}

	got, err := f.engine.Discover(context.Background(), Criteria{Capabilities: []string{"summarize"}})
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if len(got) != 1 || got[0].Agent.ID != active {
		t.Fatalf("got %v, want [%s]", ids(got), active)
	}
}

func TestDiscoverRankingOrder(t *testing.T) {
	f := newFixture(t)
	high := f.register(t, "high", []string{"summarize"}, nil)
	low := f.register(t, "low", []string{"summarize"}, nil)

	f.tracker.Record(low, false, 0)
	f.tracker.Record(high, true, 0)

	got, err := f.engine.Discover(context.Background(), Criteria{Capabilities: []string{"summarize"}})
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d candidates, want 2", len(got))
	}
	if got[0].Agent.ID != high || got[1].Agent.ID != low {
		t.Fatalf("ranking %v, want [%s %s]", ids(got), high, low)
	}
}

func TestDiscoverAfterUnregister(t *testing.T) {
	f := newFixture(t)
	id := f.register(t, "gone", []string{"summarize", "translate"}, []string{"text"})
	if err := f.reg.Unregister(context.Background(), id); err != nil {
		t.Fatalf("unregister: %v", err)
	}

	for _, c := range []Criteria{
		{},
		{Capabilities: []string{"summarize"}},
		{Capabilities: []string{"translate"}},
		{Modalities: []string{"text"}},
	} {
		got, err := f.engine.Discover(context.Background(), c)
		if err != nil {
			t.Fatalf("discover: %v", err)
		}
		if contains(ids(got), id) {
			t.Fatalf("unregistered agent surfaced for criteria %+v", c)
		}
	}
}
