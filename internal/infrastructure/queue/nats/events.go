package nats

import (
	"context"
	"encoding/json"
	"fmt"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/kirillkom/invoice-inspector/internal/core/domain"
	"github.com/kirillkom/invoice-inspector/internal/infrastructure/resilience"
)

const (
	eventSource     = "invoice-inspector"
	eventTypePrefix = "inspector."
)

// EventPublisher emits change notifications as structured-mode CloudEvents on
// <prefix>.document.<id> and <prefix>.session.<id>.
type EventPublisher struct {
	conn     *nats.Conn
	prefix   string
	executor *resilience.Executor
}

func NewEventPublisher(conn *nats.Conn, prefix string, executor *resilience.Executor) *EventPublisher {
	return &EventPublisher{conn: conn, prefix: prefix, executor: executor}
}

func (p *EventPublisher) Publish(ctx context.Context, change domain.ChangeEvent) error {
	subject := EventSubject(p.prefix, change)
	payload, err := EncodeChangeEvent(change)
	if err != nil {
		return err
	}
	return publish(ctx, p.conn, p.executor, subject, payload)
}

// EventSubject returns the NATS subject a change is published on.
func EventSubject(prefix string, change domain.ChangeEvent) string {
	entity := "document"
	if change.Kind == domain.SessionChanged {
		entity = "session"
	}
	return fmt.Sprintf("%s.%s.%s", prefix, entity, change.EntityID)
}

// EncodeChangeEvent wraps a change in a CloudEvents envelope.
func EncodeChangeEvent(change domain.ChangeEvent) ([]byte, error) {
	event := cloudevents.NewEvent()
	event.SetID(uuid.NewString())
	event.SetSource(eventSource)
	event.SetType(eventTypePrefix + string(change.Kind))
	event.SetSubject(change.EntityID)
	event.SetTime(change.OccurredAt)
	event.SetExtension("userid", change.UserID)
	if err := event.SetData(cloudevents.ApplicationJSON, change); err != nil {
		return nil, fmt.Errorf("set cloudevent data: %w", err)
	}
	if err := event.Validate(); err != nil {
		return nil, fmt.Errorf("validate cloudevent: %w", err)
	}
	raw, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("marshal cloudevent: %w", err)
	}
	return raw, nil
}

// DecodeChangeEvent parses a CloudEvents envelope produced by EncodeChangeEvent.
func DecodeChangeEvent(raw []byte) (domain.ChangeEvent, error) {
	event := cloudevents.NewEvent()
	if err := json.Unmarshal(raw, &event); err != nil {
		return domain.ChangeEvent{}, fmt.Errorf("unmarshal cloudevent: %w", err)
	}
	var change domain.ChangeEvent
	if err := event.DataAs(&change); err != nil {
		return domain.ChangeEvent{}, fmt.Errorf("decode cloudevent data: %w", err)
	}
	return change, nil
}
