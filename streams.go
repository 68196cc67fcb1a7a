package streams

import (
	"github.com/gokit/es"
)

//***********************************
// Subscribe And Unsubscribe
//***********************************

var events = es.New()

// Subscribe adds handler into the package lifecycle event subscription,
// which receives the event values published by the core machinery
// (SubscriptionEstablished, SubscriptionCanceled, StreamCompleted,
// ConnectionTorndown).
func Subscribe(h es.EventHandler) es.Subscription {
	return events.Subscribe(h)
}

// Publish publishes to all subscribers provided value.
func Publish(h interface{}) {
	events.Publish(h)
}

//***********************************
// Lifecycle events
//***********************************

// SubscriptionEstablished is published once a relay observes its upstream
// subscription and moves out of the awaiting state.
type SubscriptionEstablished struct {
	ID string
}

// SubscriptionCanceled is published when a downstream cancellation reaches
// a relay before any terminal event did.
type SubscriptionCanceled struct {
	ID string
}

// StreamCompleted is published when a relay delivers its terminal event
// downstream. Err is nil for an ordinary completion.
type StreamCompleted struct {
	ID  string
	Err error
}

// ConnectionTorndown is published when a shared connection drops its last
// subscriber and cancels the underlying upstream.
type ConnectionTorndown struct {
	ID string
}

//***************************************************************************
// Completion
//***************************************************************************

// Completion carries the terminal outcome of a stream, either an ordinary
// finish or a failure with its error.
type Completion struct {
	err error
}

// Finished returns the ordinary terminal completion.
func Finished() Completion {
	return Completion{}
}

// Failure returns a terminal completion carrying the giving error.
func Failure(err error) Completion {
	return Completion{err: err}
}

// Err returns the error carried by the completion, nil when the stream
// finished ordinarily.
func (c Completion) Err() error {
	return c.err
}

// IsFailure reports whether the completion carries a failure.
func (c Completion) IsFailure() bool {
	return c.err != nil
}

//***************************************************************************
// Contracts
//***************************************************************************

// Subscription is the handle a producer gives a subscriber to pull more
// elements or cancel the stream. Both methods stay safe after the stream
// reached a terminal state, where they become no-ops.
type Subscription interface {
	// Request increases the outstanding allowance of elements the
	// producer may deliver. The demand must be positive, requesting
	// zero where progress is required is a contract violation.
	Request(Demand)

	// Cancel ends the subscription. It is idempotent and terminal,
	// once it returns no new downstream delivery begins.
	Cancel()
}

// Subscriber is the consumer side of the contract, a three call lifecycle:
// OnSubscribe exactly once and first, OnNext zero or more times while
// demand is outstanding, OnComplete at most once and last.
type Subscriber interface {
	// OnSubscribe hands the subscriber the subscription it drives the
	// stream with. Nothing else is delivered before it.
	OnSubscribe(Subscription)

	// OnNext delivers one element and returns the additional demand the
	// subscriber now grants. The returned demand may be zero.
	OnNext(v interface{}) Demand

	// OnComplete delivers the terminal completion or failure. No OnNext
	// call follows it.
	OnComplete(Completion)
}

// Publisher is a producer of a potentially unbounded sequence of elements,
// delivered according to the demand its subscriber declares.
type Publisher interface {
	// Subscribe attaches the giving subscriber, constructing a new
	// subscription which is delivered through OnSubscribe before any
	// element flows. Values may start flowing synchronously within
	// the call or asynchronously later.
	Subscribe(Subscriber)
}

//***************************************************************************
// Package logger
//***************************************************************************

var defaultLogs Logs = &DrainLog{}

// UseLogs swaps the logger used by the core machinery for relay and
// connection lifecycle diagnostics. Passing nil restores the drain.
func UseLogs(l Logs) {
	if l == nil {
		defaultLogs = &DrainLog{}
		return
	}
	defaultLogs = l
}
