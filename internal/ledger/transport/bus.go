// Package transport defines the event bus adapter: a
// publish-with-key, synchronous-ack wrapper over a partitioned log.
package transport

import (
	"context"
	"time"
)

// EventBus publishes a single message to topic, partitioned by key, and
// blocks until the broker acknowledges a durable write or the timeout
// elapses. Implementations must not buffer beyond what is needed to
// satisfy the synchronous-ack contract.
type EventBus interface {
	Publish(ctx context.Context, topic string, key string, value []byte, timeout time.Duration) error

	// Ping performs a best-effort connectivity check, used by the
	// readiness endpoint. It must not block longer than the given
	// timeout.
	Ping(ctx context.Context, timeout time.Duration) error

	// Close releases underlying connections.
	Close() error
}
