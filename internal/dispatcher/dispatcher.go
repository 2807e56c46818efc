// Package dispatcher queues outbound broadcasts to the controlling peer.
// A single worker drains the queue, so broadcasts leave in the order they
// were dispatched and never interleave on the transport.
package dispatcher

import (
	"context"
	"errors"
)

var (
	// ErrBufferFull is returned when the queue is full and the event is dropped.
	ErrBufferFull = errors.New("dispatcher buffer full, event dropped")

	// ErrClosed is returned by Dispatch after Close.
	ErrClosed = errors.New("dispatcher is closed")
)

// Dispatcher delivers events asynchronously.
type Dispatcher interface {
	// Dispatch queues an event without blocking.
	Dispatch(event *Event) error
	Stats() Stats
	// Close delivers what is queued, bounded by ctx.
	Close(ctx context.Context) error
}

// Sender writes one message to the peer.
type Sender interface {
	Broadcast(msgType string, data any) error
}

// Keyed is implemented by payloads where only the latest value matters.
// A queued event whose key matches a newer one is updated in place.
type Keyed interface {
	CoalesceKey() string
}

// Event is one broadcast. Events with the same non-empty Key coalesce while
// queued: the newer Data replaces the older and keeps its queue position.
type Event struct {
	Type string
	Data any
	Key  string
}

// Stats counts dispatcher activity since start.
type Stats struct {
	QueueDepth   int
	Queued       int64
	Coalesced    int64
	Delivered    int64
	Failed       int64 // failed after retries
	Dropped      int64 // buffer full or no peer
	RetriesTotal int64
}
