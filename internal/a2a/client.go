package a2a

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrMessageUndelivered reports a routed message the target agent did
// not acknowledge.
var ErrMessageUndelivered = errors.New("message undelivered")

const (
	// DefaultProbeTimeout bounds the registration liveness probe.
	DefaultProbeTimeout = 5 * time.Second
	// DefaultDelegateTimeout bounds a single delegation round trip.
	DefaultDelegateTimeout = 30 * time.Second

	// senderID identifies the orchestration core in outgoing messages.
	senderID = "a2a_gateway"
)

// Prober checks whether an agent endpoint is reachable. Used by the
// registry before admitting an agent.
type Prober interface {
	Probe(ctx context.Context, endpoint string) bool
}

// TaskRequest is the payload handed to a Delegator.
type TaskRequest struct {
	TaskID   string          `json:"id"`
	Input    json.RawMessage `json:"input_data"`
	Priority string          `json:"priority"`
	Timeout  time.Duration   `json:"timeout"`
}

// Outcome is the terminal result of one delegation attempt. A rejection
// is never retried here; converting it into a failed task is the
// caller's responsibility.
type Outcome struct {
	Accepted bool
	Reason   string
}

// Delegator sends a task to an agent's endpoint and interprets the
// accept/reject response.
type Delegator interface {
	Delegate(ctx context.Context, req TaskRequest, agentID, endpoint string) Outcome
}

// Sender routes an arbitrary protocol message to an agent endpoint.
type Sender interface {
	Send(ctx context.Context, msg *Message, endpoint string) error
}

// Client is the HTTP implementation of Prober and Delegator.
type Client struct {
	http            *http.Client
	probeTimeout    time.Duration
	delegateTimeout time.Duration
	log             *MessageLog
	logger          *zap.Logger
}

// NewClient creates an A2A client with default timeouts.
func NewClient(logger *zap.Logger) *Client {
	return &Client{
		http:            &http.Client{},
		probeTimeout:    DefaultProbeTimeout,
		delegateTimeout: DefaultDelegateTimeout,
		logger:          logger,
	}
}

// WithTimeouts overrides the probe and delegation timeouts.
func (c *Client) WithTimeouts(probe, delegate time.Duration) *Client {
	if probe > 0 {
		c.probeTimeout = probe
	}
	if delegate > 0 {
		c.delegateTimeout = delegate
	}
	return c
}

// WithLog records every outgoing delegation message in the given log.
func (c *Client) WithLog(log *MessageLog) *Client {
	c.log = log
	return c
}

// Probe issues GET {endpoint}/health and reports whether the agent
// answered with a success status within the bounded timeout.
func (c *Client) Probe(ctx context.Context, endpoint string) bool {
	ctx, cancel := context.WithTimeout(ctx, c.probeTimeout)
	defer cancel()

	url := strings.TrimRight(endpoint, "/") + "/health"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Debug("probe failed", zap.String("endpoint", endpoint), zap.Error(err))
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// Delegate POSTs a task_delegation message to {endpoint}/a2a/tasks.
// Network-level errors are treated identically to an explicit rejection.
func (c *Client) Delegate(ctx context.Context, req TaskRequest, agentID, endpoint string) Outcome {
	ctx, cancel := context.WithTimeout(ctx, c.delegateTimeout)
	defer cancel()

	payload, err := json.Marshal(map[string]TaskRequest{"task": req})
	if err != nil {
		return Outcome{Reason: fmt.Sprintf("encode task payload: %v", err)}
	}
	msg := Message{
		ID:        uuid.New().String(),
		Type:      MessageTaskDelegation,
		TaskID:    req.TaskID,
		From:      senderID,
		To:        agentID,
		Payload:   payload,
		Timestamp: time.Now(),
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return Outcome{Reason: fmt.Sprintf("encode delegation message: %v", err)}
	}
	if c.log != nil {
		if err := c.log.Append(ctx, &msg); err != nil {
			c.logger.Warn("record delegation message failed",
				zap.String("task", req.TaskID), zap.Error(err))
		}
	}

	url := strings.TrimRight(endpoint, "/") + "/a2a/tasks"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Outcome{Reason: fmt.Sprintf("build delegation request: %v", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		c.logger.Warn("delegation request failed",
			zap.String("agent", agentID),
			zap.String("task", req.TaskID),
			zap.Error(err))
		return Outcome{Reason: fmt.Sprintf("delegation request failed: %v", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		c.logger.Info("task delegated",
			zap.String("agent", agentID),
			zap.String("task", req.TaskID))
		return Outcome{Accepted: true}
	}

	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return Outcome{Reason: fmt.Sprintf("agent rejected task: status %d: %s",
		resp.StatusCode, strings.TrimSpace(string(detail)))}
}

// Send routes a protocol message to {endpoint}/a2a/messages and records
// it. Missing envelope fields are stamped before the message leaves.
func (c *Client) Send(ctx context.Context, msg *Message, endpoint string) error {
	ctx, cancel := context.WithTimeout(ctx, c.delegateTimeout)
	defer cancel()

	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.From == "" {
		msg.From = senderID
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message %s: %w", msg.ID, err)
	}
	if c.log != nil {
		if err := c.log.Append(ctx, msg); err != nil {
			c.logger.Warn("record message failed",
				zap.String("message", msg.ID), zap.Error(err))
		}
	}

	url := strings.TrimRight(endpoint, "/") + "/a2a/messages"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build message request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMessageUndelivered, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: agent returned status %d: %s",
			ErrMessageUndelivered, resp.StatusCode, strings.TrimSpace(string(detail)))
	}

	c.logger.Info("message routed",
		zap.String("message", msg.ID),
		zap.String("to", msg.To),
		zap.String("type", string(msg.Type)))
	return nil
}
