// Package pubsub implements the run-finished publisher on Google Cloud
// Pub/Sub.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"

	gcppubsub "cloud.google.com/go/pubsub"

	"github.com/steveohanians/pulsedashboard-sub001/internal/publisher"
)

// Publisher wraps a Pub/Sub topic. It authenticates through Application
// Default Credentials.
type Publisher struct {
	client *gcppubsub.Client
	topic  *gcppubsub.Topic
}

// New creates a Pub/Sub client and verifies the topic exists.
func New(ctx context.Context, projectID, topicID string) (*Publisher, error) {
	client, err := gcppubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("creating pubsub client: %w", err)
	}
	topic := client.Topic(topicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("checking pubsub topic %q: %w", topicID, err)
	}
	if !exists {
		_ = client.Close()
		return nil, fmt.Errorf("pubsub topic %q does not exist in project %q", topicID, projectID)
	}
	return &Publisher{client: client, topic: topic}, nil
}

// Publish marshals the payload and publishes it, waiting for the server ack
// so failures are observable to the caller's log line.
func (p *Publisher) Publish(ctx context.Context, payload publisher.RunFinished) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	msg := &gcppubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"client_id": payload.ClientID.String(),
			"status":    string(payload.Status),
		},
	}
	id, err := p.topic.Publish(ctx, msg).Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish message: %w", err)
	}
	return id, nil
}

// Close stops the topic publisher and the underlying client.
func (p *Publisher) Close() error {
	p.topic.Stop()
	if err := p.client.Close(); err != nil {
		return fmt.Errorf("closing pubsub client: %w", err)
	}
	return nil
}
