package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"cloud.google.com/go/pubsub"

	"github.com/JakeFAU/site-audit-pipeline/internal/audit"
	"github.com/JakeFAU/site-audit-pipeline/internal/clock"
)

// Publisher sends one message and returns its server-assigned ID.
type Publisher interface {
	Publish(ctx context.Context, data []byte, attrs map[string]string) (string, error)
}

// TopicPublisher adapts a Pub/Sub topic to Publisher.
type TopicPublisher struct {
	topic *pubsub.Topic
}

// NewTopicPublisher wraps topic.
func NewTopicPublisher(topic *pubsub.Topic) *TopicPublisher {
	return &TopicPublisher{topic: topic}
}

// Publish sends the message and waits for the server acknowledgement.
func (p *TopicPublisher) Publish(ctx context.Context, data []byte, attrs map[string]string) (string, error) {
	if p.topic == nil {
		return "", fmt.Errorf("pubsub topic is not configured")
	}
	id, err := p.topic.Publish(ctx, &pubsub.Message{Data: data, Attributes: attrs}).Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish message: %w", err)
	}
	return id, nil
}

// Stop flushes pending messages.
func (p *TopicPublisher) Stop() {
	if p.topic != nil {
		p.topic.Stop()
	}
}

// PubSub publishes each event as JSON, with stage and status attributes.
type PubSub struct {
	publisher Publisher
	clock     audit.Clock
}

// NewPubSub constructs a Pub/Sub sink. clk may be nil.
func NewPubSub(publisher Publisher, clk audit.Clock) *PubSub {
	if clk == nil {
		clk = clock.New()
	}
	return &PubSub{publisher: publisher, clock: clk}
}

// NotifySuccess publishes a success event.
func (p *PubSub) NotifySuccess(ctx context.Context, stage string, result map[string]any) error {
	return p.publish(ctx, successEvent(stage, result, p.clock.Now()))
}

// NotifyFailure publishes a failure event.
func (p *PubSub) NotifyFailure(ctx context.Context, stage string, err error) error {
	return p.publish(ctx, failureEvent(stage, err, p.clock.Now()))
}

func (p *PubSub) publish(ctx context.Context, ev Event) error {
	if p.publisher == nil {
		return fmt.Errorf("pubsub publisher is not configured")
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := p.publisher.Publish(ctx, data, map[string]string{"stage": ev.Stage, "status": ev.Status}); err != nil {
		return err
	}
	return nil
}
