package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"

	"github.com/nidhogg/agentmesh/internal/a2a"
	"github.com/nidhogg/agentmesh/internal/discovery"
	"github.com/nidhogg/agentmesh/internal/kv"
	"github.com/nidhogg/agentmesh/internal/performance"
	"github.com/nidhogg/agentmesh/internal/registry"
	"github.com/nidhogg/agentmesh/internal/task"
	"github.com/nidhogg/agentmesh/internal/tool"
	"github.com/nidhogg/agentmesh/internal/workflow"
)

// newAgentServer serves the endpoints a registered agent must expose:
// a health probe and a task delegation sink.
func newAgentServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/a2a/tasks", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/a2a/messages", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

// newTestServer wires a full handler over in-memory stores and a real
// HTTP a2a client.
func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	logger := zap.NewNop()

	messages := a2a.NewMessageLog(kv.NewMemory())
	client := a2a.NewClient(logger).WithLog(messages)
	tracker := performance.NewTracker(logger)
	reg := registry.New(client, tracker, nil, logger)
	disc := discovery.NewEngine(reg, tracker, logger)
	tasks := task.NewLifecycle(reg, client, tracker, nil, logger)

	tools := tool.NewRegistry(logger)
	tool.RegisterBuiltins(tools)

	workflows := workflow.NewMemoryRepository()
	executor := workflow.NewExecutor(tasks, tools, workflows, 2, logger)

	h := NewHandler(reg, disc, tasks, tools, workflows, executor, messages, client, logger)
	srv := httptest.NewServer(h.Router())
	t.Cleanup(srv.Close)
	return srv
}

func postJSON(t *testing.T, ts *httptest.Server, path string, body interface{}) *http.Response {
	t.Helper()
	b, _ := json.Marshal(body)
	resp, err := http.Post(ts.URL+path, "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp
}

func getJSON(t *testing.T, ts *httptest.Server, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(ts.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	return resp
}

func putJSON(t *testing.T, ts *httptest.Server, path string, body interface{}) *http.Response {
	t.Helper()
	b, _ := json.Marshal(body)
	req, err := http.NewRequest(http.MethodPut, ts.URL+path, bytes.NewReader(b))
	if err != nil {
		t.Fatalf("build PUT %s: %v", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("PUT %s: %v", path, err)
	}
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func registerTestAgent(t *testing.T, ts, agent *httptest.Server, name string, caps []string) string {
	t.Helper()
	resp := postJSON(t, ts, "/api/agents/register", map[string]interface{}{
		"name":         name,
		"endpoint":     agent.URL,
		"capabilities": caps,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register returned %d", resp.StatusCode)
	}
	var desc registry.AgentDescriptor
	decodeJSON(t, resp, &desc)
	return desc.ID
}

func TestHealthEndpoint(t *testing.T) {
	ts := newTestServer(t)
	resp := getJSON(t, ts, "/api/health")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health returned %d", resp.StatusCode)
	}
}

func TestRegisterAndGetAgent(t *testing.T) {
	ts := newTestServer(t)
	agent := newAgentServer(t)

	id := registerTestAgent(t, ts, agent, "summarizer", []string{"summarize"})

	resp := getJSON(t, ts, "/api/agents/"+id)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get agent returned %d", resp.StatusCode)
	}
	var desc registry.AgentDescriptor
	decodeJSON(t, resp, &desc)
	if desc.Name != "summarizer" {
		t.Fatalf("name %q, want summarizer", desc.Name)
	}
}

func TestRegisterValidation(t *testing.T) {
	ts := newTestServer(t)
	resp := postJSON(t, ts, "/api/agents/register", map[string]interface{}{
		"name": "incomplete",
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("got %d, want 400", resp.StatusCode)
	}
}

func TestRegisterUnreachableEndpoint(t *testing.T) {
	ts := newTestServer(t)
	resp := postJSON(t, ts, "/api/agents/register", map[string]interface{}{
		"name":         "ghost",
		"endpoint":     "http://127.0.0.1:1",
		"capabilities": []string{"x"},
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("got %d, want 502", resp.StatusCode)
	}
}

func TestGetUnknownAgent(t *testing.T) {
	ts := newTestServer(t)
	resp := getJSON(t, ts, "/api/agents/nope")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("got %d, want 404", resp.StatusCode)
	}
}

func TestDiscoverByCapability(t *testing.T) {
	ts := newTestServer(t)
	agent := newAgentServer(t)
	want := registerTestAgent(t, ts, agent, "summarizer", []string{"summarize"})
	registerTestAgent(t, ts, agent, "translator", []string{"translate"})

	resp := getJSON(t, ts, "/api/agents/discover?capability=summarize")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("discover returned %d", resp.StatusCode)
	}
	var candidates []discovery.Candidate
	decodeJSON(t, resp, &candidates)
	if len(candidates) != 1 || candidates[0].Agent.ID != want {
		t.Fatalf("got %d candidates, want the summarizer", len(candidates))
	}
}

func TestTaskRoundTrip(t *testing.T) {
	ts := newTestServer(t)
	agent := newAgentServer(t)
	agentID := registerTestAgent(t, ts, agent, "worker", []string{"work"})

	resp := postJSON(t, ts, "/api/tasks", map[string]interface{}{
		"agent_id":   agentID,
		"input_data": map[string]string{"text": "hello"},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create task returned %d", resp.StatusCode)
	}
	var created task.Task
	decodeJSON(t, resp, &created)
	if created.Status != task.StatusWorking {
		t.Fatalf("status %s, want working", created.Status)
	}

	resp = putJSON(t, ts, "/api/tasks/"+created.ID+"/status", map[string]interface{}{
		"status":      "completed",
		"output_data": map[string]string{"summary": "done"},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("update returned %d", resp.StatusCode)
	}
	var updated task.Task
	decodeJSON(t, resp, &updated)
	if updated.Status != task.StatusCompleted {
		t.Fatalf("status %s, want completed", updated.Status)
	}

	// Completed is terminal; going back is a conflict.
	resp = putJSON(t, ts, "/api/tasks/"+created.ID+"/status", map[string]interface{}{
		"status": "working",
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("got %d, want 409", resp.StatusCode)
	}
}

func TestCreateTaskUnknownAgent(t *testing.T) {
	ts := newTestServer(t)
	resp := postJSON(t, ts, "/api/tasks", map[string]interface{}{
		"agent_id": "nope",
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("got %d, want 404", resp.StatusCode)
	}
}

func TestWorkflowValidationRejectsBadGraph(t *testing.T) {
	ts := newTestServer(t)
	resp := postJSON(t, ts, "/api/workflows", map[string]interface{}{
		"id":    "bad",
		"nodes": []map[string]string{{"id": "a", "type": "input"}},
		"edges": []map[string]string{{"source": "a", "target": "ghost"}},
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("got %d, want 400", resp.StatusCode)
	}
}

func TestWorkflowExecuteAndPoll(t *testing.T) {
	ts := newTestServer(t)
	resp := postJSON(t, ts, "/api/workflows", map[string]interface{}{
		"id":   "wf-echo",
		"name": "echo flow",
		"nodes": []map[string]interface{}{
			{"id": "start", "type": "input"},
			{"id": "echo", "type": "tool", "config": map[string]interface{}{"tool": "echo", "args": map[string]int{"v": 1}}},
		},
		"edges": []map[string]string{{"source": "start", "target": "echo"}},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create workflow returned %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = postJSON(t, ts, "/api/workflows/wf-echo/execute", map[string]interface{}{
		"inputs": map[string]string{"q": "hi"},
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("execute returned %d", resp.StatusCode)
	}
	var started map[string]string
	decodeJSON(t, resp, &started)
	execID := started["execution_id"]
	if execID == "" {
		t.Fatal("no execution id returned")
	}

	resp = getJSON(t, ts, "/api/executions/"+execID)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get execution returned %d", resp.StatusCode)
	}
	var ex workflow.Execution
	decodeJSON(t, resp, &ex)
	if ex.WorkflowID != "wf-echo" {
		t.Fatalf("workflow id %q", ex.WorkflowID)
	}
}

func TestInvokeToolEndpoint(t *testing.T) {
	ts := newTestServer(t)
	resp := postJSON(t, ts, "/api/tools/echo/invoke", map[string]interface{}{
		"caller": "tester",
		"args":   map[string]string{"k": "v"},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("invoke returned %d", resp.StatusCode)
	}
	var out map[string]string
	decodeJSON(t, resp, &out)
	if out["k"] != "v" {
		t.Fatalf("got %v", out)
	}
}

func TestInvokeUnknownTool(t *testing.T) {
	ts := newTestServer(t)
	resp := postJSON(t, ts, "/api/tools/none/invoke", map[string]interface{}{"caller": "tester"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("got %d, want 404", resp.StatusCode)
	}
}

func TestSendMessageRoutesToAgent(t *testing.T) {
	ts := newTestServer(t)
	agent := newAgentServer(t)
	id := registerTestAgent(t, ts, agent, "receiver", []string{"chat"})

	resp := postJSON(t, ts, "/api/messages", map[string]interface{}{
		"type":     "task_update",
		"to_agent": id,
		"payload":  map[string]string{"note": "ping"},
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("send returned %d", resp.StatusCode)
	}
	var sent a2a.Message
	decodeJSON(t, resp, &sent)
	if sent.ID == "" {
		t.Fatal("message id not stamped")
	}
	if sent.From == "" {
		t.Fatal("sender not stamped")
	}
	if sent.Timestamp.IsZero() {
		t.Fatal("timestamp not stamped")
	}

	// The routed message lands in the history log.
	resp = getJSON(t, ts, "/api/messages")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("history returned %d", resp.StatusCode)
	}
	var msgs []a2a.Message
	decodeJSON(t, resp, &msgs)
	found := false
	for _, m := range msgs {
		if m.ID == sent.ID && m.To == id {
			found = true
		}
	}
	if !found {
		t.Fatalf("message %s not in history (%d messages)", sent.ID, len(msgs))
	}
}

func TestSendMessageUnknownAgent(t *testing.T) {
	ts := newTestServer(t)
	resp := postJSON(t, ts, "/api/messages", map[string]interface{}{
		"type":     "task_update",
		"to_agent": "ghost",
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("got %d, want 404", resp.StatusCode)
	}
}

func TestSendMessageMissingTarget(t *testing.T) {
	ts := newTestServer(t)
	resp := postJSON(t, ts, "/api/messages", map[string]interface{}{
		"type": "task_update",
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("got %d, want 400", resp.StatusCode)
	}
}

func TestSendMessageUnreachableAgent(t *testing.T) {
	ts := newTestServer(t)
	agent := newAgentServer(t)
	id := registerTestAgent(t, ts, agent, "receiver", []string{"chat"})
	agent.Close()

	resp := postJSON(t, ts, "/api/messages", map[string]interface{}{
		"type":     "task_update",
		"to_agent": id,
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("got %d, want 502", resp.StatusCode)
	}
}
