package pubsub

import "context"

// Bus is the fan-out channel the dynamo-backed store uses to deliver child
// change events between adapter instances. Subscriptions live until the
// passed context is cancelled.
type Bus interface {
	Publish(ctx context.Context, channel string, message []byte) error
	Subscribe(ctx context.Context, channel string, handler func(message []byte)) error
}
