package bus

import (
	"context"
	"errors"
	"fmt"

	gcppubsub "cloud.google.com/go/pubsub/v2"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type publisher interface {
	Publish(context.Context, *gcppubsub.Message) publishResult
	ResumePublish(orderingKey string)
	Stop()
}

type publishResult interface {
	Get(context.Context) (string, error)
}

// PubSub publishes every event to a single Google Cloud Pub/Sub topic and
// carries the event type as an attribute.
type PubSub struct {
	client   *gcppubsub.Client
	pub      publisher
	ordering bool
}

// NewPubSub connects to projectID and prepares a publisher for topicID. With
// ordering on, events sharing a correlation id are delivered in publish order.
func NewPubSub(ctx context.Context, projectID, topicID string, ordering bool) (*PubSub, error) {
	if projectID == "" || topicID == "" {
		return nil, fmt.Errorf("pubsub project and topic are required")
	}

	client, err := gcppubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client: %w", err)
	}

	p := client.Publisher(topicID)
	p.EnableMessageOrdering = ordering

	return &PubSub{client: client, pub: &gcpPublisher{Publisher: p}, ordering: ordering}, nil
}

func (b *PubSub) Publish(ctx context.Context, eventType string, payload []byte, correlationID string) error {
	msg := &gcppubsub.Message{
		Data: payload,
		Attributes: map[string]string{
			"event_type":     eventType,
			"correlation_id": correlationID,
		},
	}
	if b.ordering {
		msg.OrderingKey = correlationID
	}

	res := b.pub.Publish(ctx, msg)
	if res == nil {
		return Permanent(errors.New("pubsub publisher returned no result"))
	}
	if _, err := res.Get(ctx); err != nil {
		if b.ordering && correlationID != "" {
			// a failed ordered publish pauses the key until resumed
			b.pub.ResumePublish(correlationID)
		}
		err = fmt.Errorf("pubsub publish %s: %w", eventType, err)
		if permanentStatus(err) {
			return Permanent(err)
		}
		return err
	}

	return nil
}

func (b *PubSub) Close() error {
	b.pub.Stop()
	if b.client == nil {
		return nil
	}
	return b.client.Close()
}

func permanentStatus(err error) bool {
	st, ok := status.FromError(errors.Unwrap(err))
	if !ok {
		return false
	}
	switch st.Code() {
	case codes.InvalidArgument, codes.NotFound, codes.PermissionDenied, codes.FailedPrecondition, codes.Unauthenticated:
		return true
	}
	return false
}

type gcpPublisher struct {
	*gcppubsub.Publisher
}

func (p *gcpPublisher) Publish(ctx context.Context, msg *gcppubsub.Message) publishResult {
	return p.Publisher.Publish(ctx, msg)
}
