// Package consumer feeds engine event payloads into the replicator's
// durable queue. The Kafka consumer is the production source; the
// channel consumer backs in-process wiring and tests.
package consumer

import "context"

// Sink accepts one raw event payload for durable queuing. The
// replicator is the canonical sink.
type Sink interface {
	Submit(ctx context.Context, payload string) (int64, error)
}
