// Package publisher delivers audit events to an external sink. Google Cloud
// Pub/Sub is the production sink; a logging publisher covers deployments
// without a topic.
package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"cloud.google.com/go/pubsub"
	"google.golang.org/api/option"
)

// Publisher defines the interface for publishing messages
type Publisher interface {
	Publish(ctx context.Context, data interface{}, attributes map[string]string) (string, error)
	Close() error
}

// PubSubPublisher implements the Publisher interface for Google Cloud Pub/Sub
type PubSubPublisher struct {
	client     *pubsub.Client
	topic      *pubsub.Topic
	topicID    string
	ownsClient bool
}

// NewPubSubPublisher creates a new Google Cloud Pub/Sub publisher. The topic
// must already exist.
func NewPubSubPublisher(ctx context.Context, projectID, topicID string, opts ...option.ClientOption) (*PubSubPublisher, error) {
	client, err := pubsub.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create pubsub client: %w", err)
	}

	p, err := NewPubSubPublisherWithClient(ctx, client, topicID, nil)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	p.ownsClient = true
	return p, nil
}

// NewPubSubPublisherWithClient builds a publisher on an existing client. A nil
// settings value keeps the client library defaults. The caller keeps
// ownership of the client.
func NewPubSubPublisherWithClient(ctx context.Context, client *pubsub.Client, topicID string, settings *pubsub.PublishSettings) (*PubSubPublisher, error) {
	topic := client.Topic(topicID)

	exists, err := topic.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to check topic existence: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("topic %s does not exist", topicID)
	}

	if settings != nil {
		topic.PublishSettings = *settings
	}

	return &PubSubPublisher{
		client:  client,
		topic:   topic,
		topicID: topicID,
	}, nil
}

func (p *PubSubPublisher) TopicID() string {
	return p.topicID
}

// Publish publishes a message to Pub/Sub and waits for the server ack
func (p *PubSubPublisher) Publish(ctx context.Context, data interface{}, attributes map[string]string) (string, error) {
	jsonData, err := marshal(data)
	if err != nil {
		return "", err
	}

	msg := &pubsub.Message{
		Data:       jsonData,
		Attributes: attributes,
	}

	result := p.topic.Publish(ctx, msg)
	msgID, err := result.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to publish message: %w", err)
	}

	return msgID, nil
}

// Flush blocks until all outstanding messages have been sent
func (p *PubSubPublisher) Flush() {
	p.topic.Flush()
}

// Close stops the topic and, when the publisher created it, the client
func (p *PubSubPublisher) Close() error {
	p.topic.Stop()
	if p.ownsClient {
		return p.client.Close()
	}
	return nil
}

func marshal(data interface{}) ([]byte, error) {
	if raw, ok := data.(json.RawMessage); ok {
		return raw, nil
	}
	jsonData, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal data: %w", err)
	}
	return jsonData, nil
}

// LogPublisher writes every message to a structured logger. It is used when
// no Pub/Sub topic is configured.
type LogPublisher struct {
	logger *slog.Logger
}

// NewLogPublisher creates a publisher that logs at info level
func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogPublisher{logger: logger.With("component", "audit")}
}

// Publish logs the message and its attributes
func (p *LogPublisher) Publish(ctx context.Context, data interface{}, attributes map[string]string) (string, error) {
	jsonData, err := marshal(data)
	if err != nil {
		return "", err
	}
	args := make([]any, 0, len(attributes)*2+2)
	for k, v := range attributes {
		args = append(args, k, v)
	}
	args = append(args, "event", json.RawMessage(jsonData))
	p.logger.InfoContext(ctx, "audit event", args...)
	return "", nil
}

// Close implements the Publisher interface
func (p *LogPublisher) Close() error {
	return nil
}
