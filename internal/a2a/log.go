package a2a

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/nidhogg/agentmesh/internal/kv"
)

const messagePrefix = "a2a:message:"

// MessageLog is an append-only record of protocol messages kept in the
// durable store.
type MessageLog struct {
	store kv.Store
}

// NewMessageLog creates a log over the given store.
func NewMessageLog(store kv.Store) *MessageLog {
	return &MessageLog{store: store}
}

// Append persists a message. Messages are never updated or removed.
func (l *MessageLog) Append(ctx context.Context, msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message %s: %w", msg.ID, err)
	}
	if err := l.store.Put(ctx, messagePrefix+msg.ID, data); err != nil {
		return fmt.Errorf("append message %s: %w", msg.ID, err)
	}
	return nil
}

// History returns all recorded messages ordered by timestamp.
func (l *MessageLog) History(ctx context.Context) ([]*Message, error) {
	keys, err := l.store.Keys(ctx, messagePrefix)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	msgs := make([]*Message, 0, len(keys))
	for _, k := range keys {
		data, err := l.store.Get(ctx, k)
		if err != nil {
			return nil, fmt.Errorf("load message %s: %w", k, err)
		}
		var m Message
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("decode message %s: %w", k, err)
		}
		msgs = append(msgs, &m)
	}
	sort.Slice(msgs, func(i, j int) bool {
		return msgs[i].Timestamp.Before(msgs[j].Timestamp)
	})
	return msgs, nil
}
