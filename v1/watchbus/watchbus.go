// Package watchbus streams payload events to live clients. Services publish
// JSON events under a key such as "todo:<owner>" and HTTP handlers relay
// them over Server-Sent Events or WebSocket.
package watchbus

import "context"

// WatchBus provides a simple message bus for streaming events.
type WatchBus interface {
	// Publish sends the given data to all watchers of key.
	Publish(ctx context.Context, key string, data []byte) error
	// Watch subscribes to messages for key. The returned channel receives
	// payloads until ctx is canceled or Unwatch is called, then it is closed.
	Watch(ctx context.Context, key string) (chan []byte, error)
	// Unwatch stops delivering messages for key to ch.
	Unwatch(ctx context.Context, key string, ch chan []byte) error
}
