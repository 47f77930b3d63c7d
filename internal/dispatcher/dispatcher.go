// Package dispatcher delivers build notifications as CloudEvents to an HTTP
// endpoint, asynchronously and with retries, so that slow receivers never
// hold up the scheduler.
package dispatcher

import (
	"context"
	"errors"
	"realiser/pkg/cloudevent"
)

// ErrBufferFull is returned when the dispatcher's buffer is full and the event is dropped.
var ErrBufferFull = errors.New("dispatcher buffer full, event dropped")

// ErrClosed is returned by Dispatch after Close.
var ErrClosed = errors.New("dispatcher is closed")

// Dispatcher handles async delivery of events.
type Dispatcher interface {
	// Dispatch queues an event for async delivery. Non-blocking.
	// Returns ErrBufferFull if the event cannot be queued.
	Dispatch(event *Event) error

	// Stats returns current dispatcher statistics.
	Stats() Stats

	// Close stops accepting events and delivers the queued ones.
	// The context deadline controls how long to wait for drain.
	Close(ctx context.Context) error
}

// Event is an event to be delivered to a destination.
type Event struct {
	Payload     *cloudevent.CloudEvent
	Destination string // receiver URL
	SigningKey  string // HMAC key for signing, empty = no signing
}

// Stats holds dispatcher statistics.
type Stats struct {
	QueueDepth   int   // current queue size
	Queued       int64 // total events queued
	Delivered    int64 // successful deliveries
	Failed       int64 // failed after retries, or refused by an open breaker
	Dropped      int64 // dropped due to full buffer
	RetriesTotal int64 // total retry attempts
	BreakersOpen int   // receivers currently not tried
}
