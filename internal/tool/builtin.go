package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const httpToolTimeout = 30 * time.Second

// maxHTTPBody bounds how much of a response the http_request tool
// returns.
const maxHTTPBody = 1 << 20

// RegisterBuiltins installs the stock tools every deployment carries.
func RegisterBuiltins(r *Registry) {
	r.Register(Spec{
		Name:        "echo",
		Description: "returns its arguments unchanged",
		Limit:       100,
		Burst:       100,
	}, HandlerFunc(echoTool))
	r.Register(Spec{
		Name:        "http_request",
		Description: "performs an HTTP request and returns status and body",
		Limit:       10,
		Burst:       10,
	}, &httpTool{client: &http.Client{Timeout: httpToolTimeout}})
}

func echoTool(_ context.Context, args json.RawMessage) (json.RawMessage, error) {
	if args == nil {
		return json.RawMessage(`{}`), nil
	}
	return args, nil
}

type httpTool struct {
	client *http.Client
}

type httpToolArgs struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
}

type httpToolResult struct {
	Status int    `json:"status"`
	Body   string `json:"body"`
}

func (t *httpTool) Invoke(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	var in httpToolArgs
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, fmt.Errorf("decode arguments: %w", err)
	}
	if in.URL == "" {
		return nil, fmt.Errorf("url is required")
	}
	method := strings.ToUpper(in.Method)
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if in.Body != "" {
		body = strings.NewReader(in.Body)
	}
	req, err := http.NewRequestWithContext(ctx, method, in.URL, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for k, v := range in.Headers {
		req.Header.Set(k, v)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", in.URL, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxHTTPBody))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return json.Marshal(httpToolResult{Status: resp.StatusCode, Body: string(data)})
}
