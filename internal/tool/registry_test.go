package tool

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

func TestInvokeUnknownTool(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	_, err := r.Invoke(context.Background(), "nope", "user1", nil)
	if !errors.Is(err, ErrToolNotFound) {
		t.Fatalf("got %v, want ErrToolNotFound", err)
	}
}

func TestInvokeRunsHandler(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	r.Register(Spec{Name: "double"}, HandlerFunc(func(_ context.Context, args json.RawMessage) (json.RawMessage, error) {
		var n int
		if err := json.Unmarshal(args, &n); err != nil {
			return nil, err
		}
		return json.Marshal(n * 2)
	}))

	out, err := r.Invoke(context.Background(), "double", "user1", json.RawMessage(`21`))
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if string(out) != "42" {
		t.Fatalf("got %s, want 42", out)
	}
}

func TestRateLimitPerCaller(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	r.Register(Spec{Name: "scarce", Limit: rate.Limit(0.001), Burst: 2}, HandlerFunc(echoTool))

	for i := 0; i < 2; i++ {
		if _, err := r.Invoke(context.Background(), "scarce", "alice", nil); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}
	_, err := r.Invoke(context.Background(), "scarce", "alice", nil)
	var rl *RateLimitError
	if !errors.As(err, &rl) {
		t.Fatalf("got %v, want RateLimitError", err)
	}
	if rl.Tool != "scarce" || rl.Caller != "alice" {
		t.Fatalf("error carries %+v", rl)
	}

	// A different caller has its own bucket.
	if _, err := r.Invoke(context.Background(), "scarce", "bob", nil); err != nil {
		t.Fatalf("bob should not be limited: %v", err)
	}
}

func TestEchoTool(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	RegisterBuiltins(r)

	in := json.RawMessage(`{"hello":"world"}`)
	out, err := r.Invoke(context.Background(), "echo", "user1", in)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if string(out) != string(in) {
		t.Fatalf("got %s, want %s", out, in)
	}
}

func TestHTTPRequestTool(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method %s, want POST", r.Method)
		}
		if got := r.Header.Get("X-Token"); got != "secret" {
			t.Errorf("header %q, want secret", got)
		}
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte("made"))
	}))
	defer srv.Close()

	r := NewRegistry(zap.NewNop())
	RegisterBuiltins(r)

	args, _ := json.Marshal(httpToolArgs{
		URL:     srv.URL,
		Method:  "post",
		Headers: map[string]string{"X-Token": "secret"},
		Body:    `{"x":1}`,
	})
	out, err := r.Invoke(context.Background(), "http_request", "user1", args)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	var res httpToolResult
	if err := json.Unmarshal(out, &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.Status != http.StatusCreated || res.Body != "made" {
		t.Fatalf("got %+v", res)
	}
}

func TestHTTPRequestToolRequiresURL(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	RegisterBuiltins(r)

	if _, err := r.Invoke(context.Background(), "http_request", "user1", json.RawMessage(`{}`)); err == nil {
		t.Fatal("expected error for missing url")
	}
}
