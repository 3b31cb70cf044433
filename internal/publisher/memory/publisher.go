// Package memory records run notifications in the same wire form the Pub/Sub
// publisher sends: a JSON body plus trace context attributes.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// Message is one recorded publish.
type Message struct {
	ID         string
	Topic      string
	Data       []byte
	Attributes map[string]string
}

// Publisher stores published messages for inspection.
type Publisher struct {
	mu       sync.RWMutex
	messages []Message
}

// New returns a memory Publisher.
func New() *Publisher {
	return &Publisher{}
}

// Publish encodes payload as JSON, records it and returns a sequential id.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if topic == "" {
		return "", fmt.Errorf("topic is required")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	attrs := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, attrs)

	p.mu.Lock()
	defer p.mu.Unlock()
	id := fmt.Sprintf("memory-%d", len(p.messages)+1)
	p.messages = append(p.messages, Message{ID: id, Topic: topic, Data: data, Attributes: attrs})
	return id, nil
}

// Messages returns a copy of the recorded publishes.
func (p *Publisher) Messages() []Message {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Message, len(p.messages))
	copy(out, p.messages)
	return out
}

// Decode unmarshals the body of the i-th recorded message into v.
func (p *Publisher) Decode(i int, v any) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if i < 0 || i >= len(p.messages) {
		return fmt.Errorf("message %d not recorded (have %d)", i, len(p.messages))
	}
	return json.Unmarshal(p.messages[i].Data, v)
}
