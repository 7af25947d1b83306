package events

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"cloud.google.com/go/pubsub"
)

// PubSubBus wraps the in-memory Bus and also durably publishes every event
// to a Google Cloud Pub/Sub topic, for cross-replica observability of
// orchestrator lifecycle events (SPEC_FULL §11). Off by default; enabled
// via PubSubConfig.Enabled. Generalized from the teacher's
// internal/events/pubsub_bus.go PubSubEventBus wrap-and-also-publish shape.
type PubSubBus struct {
	*Bus

	client *pubsub.Client
	topic  *pubsub.Topic
	log    *slog.Logger
}

// NewPubSubBus creates a Pub/Sub-backed bus, creating the topic if absent.
func NewPubSubBus(ctx context.Context, projectID, topicID string) (*PubSubBus, error) {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub.NewClient: %w", err)
	}

	topic := client.Topic(topicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("topic.Exists: %w", err)
	}
	if !exists {
		topic, err = client.CreateTopic(ctx, topicID)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("CreateTopic: %w", err)
		}
	}

	return &PubSubBus{
		Bus:    NewBus(),
		client: client,
		topic:  topic,
		log:    slog.With("component", "events.pubsub"),
	}, nil
}

// Emit publishes to Pub/Sub (durable, at-least-once) and fans out to local
// in-memory subscribers (the admin websocket).
func (pb *PubSubBus) Emit(eventType, source, subject string, data map[string]any) {
	event := NewLifecycleEvent(eventType, source, subject, data)
	pb.publish(event)
	pb.Bus.Publish(event)
}

func (pb *PubSubBus) publish(event *LifecycleEvent) {
	payload, err := event.JSON()
	if err != nil {
		pb.log.Error("marshal event failed", "id", event.ID, "err", err)
		return
	}

	msg := &pubsub.Message{
		Data: payload,
		Attributes: map[string]string{
			"ce-specversion": event.SpecVersion,
			"ce-type":        event.Type,
			"ce-source":      event.Source,
			"ce-id":          event.ID,
			"ce-time":        event.Time.Format(time.RFC3339Nano),
		},
	}

	result := pb.topic.Publish(context.Background(), msg)
	go func() {
		if _, err := result.Get(context.Background()); err != nil {
			pb.log.Error("pubsub publish failed", "id", event.ID, "err", err)
		}
	}()
}

// Close shuts down the Pub/Sub client.
func (pb *PubSubBus) Close() error {
	pb.topic.Stop()
	return pb.client.Close()
}

var _ Emitter = (*PubSubBus)(nil)
