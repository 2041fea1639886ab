// Package channel defines the abstract bidirectional byte transport that
// every concrete session transport (rendezvous long-poll, stream socket,
// BLE-GATT-style radio) implements. Callers never type-switch on the
// concrete transport; they hold a ByteChannel and an EventSink.
package channel

import "context"

// ErrorKind classifies a transport Error event so callers can decide
// whether to retry, fail the session, or escalate to the registry.
type ErrorKind uint8

const (
	ErrorKindUnknown ErrorKind = iota
	ErrorKindTransient
	ErrorKindFatal
	ErrorKindBusy
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorKindTransient:
		return "transient"
	case ErrorKindFatal:
		return "fatal"
	case ErrorKindBusy:
		return "busy"
	default:
		return "unknown"
	}
}

// EventSink receives the asynchronous events a ByteChannel emits. A
// ByteChannel implementation must deliver events in order on a single
// goroutine; it must never call back into the sink concurrently with
// itself.
type EventSink interface {
	OnConnected()
	OnIncoming(data []byte)
	OnSendComplete()
	OnDisconnected()
	OnError(kind ErrorKind)
	OnTimeout()
}

// ByteChannel is the abstract transport every concrete channel
// implementation (rvp, stream, attr) satisfies. At most one Send and one
// read may be outstanding at a time; callers that violate this get
// ErrorKindBusy back through the sink rather than undefined behavior.
type ByteChannel interface {
	// Listen starts the channel and returns the address peers should use
	// to reach it (a URL, "host:port", or a beacon-encoded identity,
	// depending on the concrete transport). Listen may only be called
	// once per channel instance.
	Listen(ctx context.Context) (address string, err error)

	// Send transmits data and returns once the transport has accepted or
	// refused it; the outcome is reported through EventSink.OnSendComplete
	// or EventSink.OnError before Send returns. Send while a previous Send
	// has not completed is a programming error reported as ErrorKindBusy.
	Send(data []byte) error

	// CancelPendingReads aborts any outstanding read so the channel can be
	// reused or torn down without waiting for a peer.
	CancelPendingReads()

	// Disconnect tears the channel down. After Disconnect, the channel
	// emits no further events except a final OnDisconnected if one is not
	// already in flight.
	Disconnect() error
}

// NewChannelFunc constructs a ByteChannel bound to the given sink. Each
// concrete transport package exposes one of these so the session layer can
// stay transport-agnostic.
type NewChannelFunc func(sink EventSink) ByteChannel
