// Package bridges provides the shared contracts for adapting message
// brokers into stream sources and sinks. Each sub package binds one broker
// client, feeding inbound messages through a demand-aware Buffer and
// draining outbound elements from a stream into the broker's publish API.
package bridges

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/gokit/errors"

	"github.com/gokit/streams"
)

const (
	// SourceTopicFormat defines the expected format for a source identifier.
	SourceTopicFormat = "/streams/%s/project/%s/topics/%s/source/%s"

	// SinkTopicFormat defines the expected format for a sink identifier.
	SinkTopicFormat = "/streams/%s/project/%s/topics/%s/sink/%s"
)

var (
	// ErrSourceClosed is returned when a message arrives for a source whose
	// stream already terminated.
	ErrSourceClosed = errors.New("source is closed")

	// ErrAlreadyBound is returned to a second subscriber attaching to a
	// single-subscriber source.
	ErrAlreadyBound = errors.New("source already has a subscriber")

	// ErrBusySink is returned when a sink fails to hand a giving message to
	// its broker within its delivery timeout.
	ErrBusySink = errors.New("sink busy, try again")
)

// SourceID returns the standard identifier for a broker source.
func SourceID(broker string, project string, topic string, id string) string {
	return fmt.Sprintf(SourceTopicFormat, broker, project, topic, id)
}

// SinkID returns the standard identifier for a broker sink.
func SinkID(broker string, project string, topic string, id string) string {
	return fmt.Sprintf(SinkTopicFormat, broker, project, topic, id)
}

//*****************************************************************************
// Marshaler and Unmarshaler
//*****************************************************************************

// Marshaler exposes a method to turn a stream element into a byte slice
// for a broker payload.
type Marshaler interface {
	Marshal(interface{}) ([]byte, error)
}

// Unmarshaler exposes a method to turn a broker payload into a stream
// element.
type Unmarshaler interface {
	Unmarshal([]byte) (interface{}, error)
}

// JSONCodec implements the Marshaler and Unmarshaler interfaces over
// encoding/json. Payloads decode into the generic json value types.
type JSONCodec struct{}

// Marshal implements the Marshaler interface.
func (JSONCodec) Marshal(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "Failed to marshal value: %#v", v)
	}
	return data, nil
}

// Unmarshal implements the Unmarshaler interface.
func (JSONCodec) Unmarshal(data []byte) (interface{}, error) {
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, errors.Wrap(err, "Failed to unmarshal payload")
	}
	return v, nil
}

//*****************************************************************************
// Error Types
//*****************************************************************************

// MarshalingError is to be used for errors corresponding with marshaling
// of outbound elements.
type MarshalingError struct {
	Topic string
	Err   error
	Data  interface{}
}

// Message implements the streams.LogMessage interface.
func (m MarshalingError) Message() string {
	return m.Err.Error()
}

// UnmarshalingError is to be used for errors relating to deserialization
// of inbound payloads.
type UnmarshalingError struct {
	Topic string
	Err   error
	Data  []byte
}

// Message implements the streams.LogMessage interface.
func (m UnmarshalingError) Message() string {
	return m.Err.Error()
}

// PublishError is to be used for errors related to publishing giving data.
type PublishError struct {
	Topic string
	Err   error
	Data  []byte
}

// Message implements the streams.LogMessage interface.
func (m PublishError) Message() string {
	return m.Err.Error()
}

// ConsumeError is to be used for errors related to consuming from a
// giving topic.
type ConsumeError struct {
	Topic string
	Err   error
}

// Message implements the streams.LogMessage interface.
func (m ConsumeError) Message() string {
	return m.Err.Error()
}

//*****************************************************************************
// Buffer
//*****************************************************************************

// Buffer implements the streams.Publisher interface over a staging queue
// between a broker consumer and a single downstream subscriber. Inbound
// elements pushed by the consumer are held until the subscriber has
// signalled demand for them, which keeps broker consumption decoupled from
// downstream pace. A capped buffer applies its drop strategy once full.
type Buffer struct {
	queue    *streams.TaskQueue
	log      streams.Logs
	onCancel func()

	mu       sync.Mutex
	down     streams.Subscriber
	pending  streams.Demand
	terminal *streams.Completion
	draining bool
	done     bool
}

// NewBuffer returns a staging buffer for one subscriber. A capped size of
// zero or below means the buffer grows without bound. The onCancel
// function, if provided, runs exactly once when the stream ends for any
// reason, giving the owning consumer its signal to stop.
func NewBuffer(capped int, method streams.Strategy, log streams.Logs, onCancel func()) *Buffer {
	if log == nil {
		log = &streams.DrainLog{}
	}

	var queue *streams.TaskQueue
	if capped > 0 {
		queue = streams.BoundedTaskQueue(capped, method)
	} else {
		queue = streams.UnboundedTaskQueue()
	}

	return &Buffer{queue: queue, log: log, onCancel: onCancel}
}

// Subscribe attaches the single downstream subscriber. A second subscriber
// is immediately completed with ErrAlreadyBound.
func (b *Buffer) Subscribe(sub streams.Subscriber) {
	b.mu.Lock()
	if b.down != nil || b.done {
		b.mu.Unlock()
		sub.OnSubscribe(rejectedSub{})
		sub.OnComplete(streams.Failure(errors.WrapOnly(ErrAlreadyBound)))
		return
	}
	b.down = sub
	b.mu.Unlock()

	sub.OnSubscribe(&bufferSub{buffer: b})
	b.drain()
}

// Push stages one inbound element for delivery. It fails once the stream
// terminated or when a capped queue rejects the element.
func (b *Buffer) Push(v interface{}) error {
	b.mu.Lock()
	if b.done || b.terminal != nil {
		b.mu.Unlock()
		return errors.WrapOnly(ErrSourceClosed)
	}
	b.mu.Unlock()

	if err := b.queue.Push(v); err != nil {
		return err
	}

	b.drain()
	return nil
}

// Complete marks the inbound side finished. The completion reaches the
// subscriber after every staged element it demanded has been delivered.
func (b *Buffer) Complete() {
	b.end(streams.Finished())
}

// Fail marks the inbound side failed. Staged elements still flow to the
// subscriber up to its demand before the failure is delivered.
func (b *Buffer) Fail(err error) {
	b.end(streams.Failure(err))
}

func (b *Buffer) end(c streams.Completion) {
	b.mu.Lock()
	if b.done || b.terminal != nil {
		b.mu.Unlock()
		return
	}
	b.terminal = &c
	onCancel := b.onCancel
	b.onCancel = nil
	b.mu.Unlock()

	// the inbound side is finished, consumption can stop right away even
	// while staged elements still flow to the subscriber.
	if onCancel != nil {
		onCancel()
	}
	b.drain()
}

func (b *Buffer) request(d streams.Demand) {
	b.mu.Lock()
	if b.done {
		b.mu.Unlock()
		return
	}
	b.pending = b.pending.Add(d)
	b.mu.Unlock()

	b.drain()
}

func (b *Buffer) cancel() {
	b.mu.Lock()
	if b.done {
		b.mu.Unlock()
		return
	}
	b.done = true
	b.down = nil
	onCancel := b.onCancel
	b.onCancel = nil
	b.mu.Unlock()

	b.queue.Clear()
	if onCancel != nil {
		onCancel()
	}
}

// drain walks staged elements against outstanding demand. The draining
// flag keeps the loop from re-entering itself when the subscriber issues
// demand from inside its own OnNext.
func (b *Buffer) drain() {
	b.mu.Lock()
	if b.draining {
		b.mu.Unlock()
		return
	}
	b.draining = true
	b.mu.Unlock()

	for {
		b.mu.Lock()
		if b.done || b.down == nil {
			b.draining = false
			b.mu.Unlock()
			return
		}

		if b.terminal != nil && b.queue.IsEmpty() {
			b.done = true
			down := b.down
			b.down = nil
			c := *b.terminal
			b.mu.Unlock()

			down.OnComplete(c)
			return
		}

		if !b.pending.Positive() {
			b.draining = false
			b.mu.Unlock()
			return
		}

		v, err := b.queue.Pop()
		if err != nil {
			b.draining = false
			b.mu.Unlock()
			return
		}

		b.pending = b.pending.Sub(streams.Bounded(1))
		down := b.down
		b.mu.Unlock()

		if extra := down.OnNext(v); extra.Positive() {
			b.mu.Lock()
			b.pending = b.pending.Add(extra)
			b.mu.Unlock()
		}
	}
}

// bufferSub is the subscription handed to the buffer's subscriber.
type bufferSub struct {
	buffer *Buffer
}

// Request forwards the subscriber's demand into the staging buffer.
func (s *bufferSub) Request(d streams.Demand) {
	if !d.Positive() {
		panic(errors.WrapOnly(streams.ErrZeroDemand))
	}
	s.buffer.request(d)
}

// Cancel ends the buffer's stream, idempotently.
func (s *bufferSub) Cancel() {
	s.buffer.cancel()
}

// rejectedSub backs the refusal handed to a second subscriber.
type rejectedSub struct{}

func (rejectedSub) Request(d streams.Demand) {
	if !d.Positive() {
		panic(errors.WrapOnly(streams.ErrZeroDemand))
	}
}

func (rejectedSub) Cancel() {}
