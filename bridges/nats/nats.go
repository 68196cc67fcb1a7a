// Package nats implements a stream source and sink over the NATS
// messaging system.
package nats

import (
	"context"
	"sync"
	"time"

	"github.com/gokit/errors"
	"github.com/gokit/xid"
	pubsub "github.com/nats-io/go-nats"

	"github.com/gokit/streams"
	"github.com/gokit/streams/bridges"
)

//*****************************************************************************
// Config
//*****************************************************************************

// Config provides a config struct for instantiating a SourceSinkFactory type.
type Config struct {
	URL         string
	ProjectID   string
	Options     []pubsub.Option
	Log         streams.Logs
	Marshaler   bridges.Marshaler
	Unmarshaler bridges.Unmarshaler

	// MessageDeliveryTimeout is the timeout to wait for the broker to take
	// an outbound message before the sink reports ErrBusySink.
	MessageDeliveryTimeout time.Duration

	// BufferSize caps how many inbound elements a source stages ahead of
	// downstream demand, zero or below leaves the staging unbounded.
	BufferSize int

	// BufferStrategy decides which element a full staging buffer drops.
	BufferStrategy streams.Strategy
}

func (c *Config) init() error {
	if c.Log == nil {
		c.Log = &streams.DrainLog{}
	}
	if c.Marshaler == nil {
		c.Marshaler = bridges.JSONCodec{}
	}
	if c.Unmarshaler == nil {
		c.Unmarshaler = bridges.JSONCodec{}
	}
	if c.MessageDeliveryTimeout <= 0 {
		c.MessageDeliveryTimeout = 1 * time.Second
	}
	if c.ProjectID == "" {
		c.ProjectID = "streams"
	}
	return nil
}

//*****************************************************************************
// SourceSinkFactory
//*****************************************************************************

// SourceSinkFactory handles the creation of sources and sinks over topics
// of a single NATS connection.
type SourceSinkFactory struct {
	id     xid.ID
	config Config
	waiter sync.WaitGroup

	ctx      context.Context
	canceler func()

	c *pubsub.Conn

	sl      sync.RWMutex
	sources map[string]*Source
	topics  map[string]int
}

// NewSourceSinkFactory returns a new instance of a SourceSinkFactory.
func NewSourceSinkFactory(ctx context.Context, config Config) (*SourceSinkFactory, error) {
	if err := config.init(); err != nil {
		return nil, errors.Wrap(err, "failed to initialize Config instance")
	}

	var sf SourceSinkFactory
	sf.id = xid.New()
	sf.config = config
	sf.topics = map[string]int{}
	sf.sources = map[string]*Source{}
	sf.ctx, sf.canceler = context.WithCancel(ctx)

	config.Log.Emit(streams.DEBUG, streams.LogMsg("Initiating NATS client connection").
		String("url", config.URL).Write())

	client, err := pubsub.Connect(sf.config.URL, sf.config.Options...)
	if err != nil {
		return nil, errors.Wrap(err, "Failed to create nats client")
	}

	config.Log.Emit(streams.DEBUG, streams.LogMsg("Checking NATS client connection status").
		Bool("connected", client.IsConnected()).
		String("url", config.URL).Write())

	sf.c = client
	return &sf, nil
}

// Wait blocks till all generated sinks close and have being reclaimed.
func (sf *SourceSinkFactory) Wait() {
	sf.waiter.Wait()
}

// Close closes giving factory, its connection and all sources created
// from it.
func (sf *SourceSinkFactory) Close() error {
	sf.config.Log.Emit(streams.DEBUG, streams.Message("Closing SourceSinkFactory"))
	sf.canceler()

	sf.sl.Lock()
	sources := sf.sources
	sf.sources = map[string]*Source{}
	sf.sl.Unlock()

	for _, src := range sources {
		src.Stop()
	}

	sf.waiter.Wait()
	err := sf.c.Drain()
	sf.c.Close()
	sf.config.Log.Emit(streams.DEBUG, streams.Message("Closed SourceSinkFactory"))
	return err
}

// Source returns a stream publisher consuming the giving NATS topic. Each
// source carries one broker subscription and accepts one stream
// subscriber, whose cancellation unsubscribes from the broker.
//
// The id argument is optional and can be left empty.
func (sf *SourceSinkFactory) Source(topic string, id string) (*Source, error) {
	sf.sl.RLock()
	last := sf.topics[topic]
	sf.sl.RUnlock()

	last++
	if id == "" {
		id = xid.New().String()
	}

	var src Source
	src.topic = topic
	src.factory = sf
	src.log = sf.config.Log
	src.m = sf.config.Unmarshaler
	src.id = bridges.SourceID("nats", sf.config.ProjectID, topic, id)
	src.buffer = bridges.NewBuffer(sf.config.BufferSize, sf.config.BufferStrategy, sf.config.Log, src.stop)

	if err := src.init(sf.c); err != nil {
		return nil, errors.Wrap(err, "Failed to create subscription for topic %q", topic)
	}

	sf.sl.Lock()
	sf.sources[src.id] = &src
	sf.topics[topic] = last
	sf.sl.Unlock()

	return &src, nil
}

// Sink returns a stream subscriber publishing every element it receives
// to the giving NATS topic.
func (sf *SourceSinkFactory) Sink(topic string) (*Sink, error) {
	snk := newSink(sf.ctx, sf, topic)
	snk.begin()

	sf.waiter.Add(1)
	go func() {
		defer sf.waiter.Done()
		snk.run()
	}()

	return snk, nil
}

func (sf *SourceSinkFactory) rmSource(src *Source) {
	sf.sl.Lock()
	delete(sf.sources, src.id)
	sf.sl.Unlock()
}

//*****************************************************************************
// Source
//*****************************************************************************

// Source implements the streams.Publisher interface over a NATS topic
// subscription. Inbound messages are decoded and staged until the stream
// subscriber demands them.
type Source struct {
	id      string
	topic   string
	log     streams.Logs
	m       bridges.Unmarshaler
	buffer  *bridges.Buffer
	factory *SourceSinkFactory

	stopped streams.AtomicBool
	sub     *pubsub.Subscription
}

// ID returns the giving identifier for giving source.
func (s *Source) ID() string {
	return s.id
}

// Topic returns the topic name of giving source.
func (s *Source) Topic() string {
	return s.topic
}

// Subscribe attaches sub to the staged inbound stream.
func (s *Source) Subscribe(sub streams.Subscriber) {
	s.buffer.Subscribe(sub)
}

// Stop ends giving source and its consumption of the topic. A subscriber
// still attached receives the staged elements it demanded then completes.
func (s *Source) Stop() {
	s.buffer.Complete()
}

func (s *Source) init(client *pubsub.Conn) error {
	sub, err := client.Subscribe(s.topic, s.handle)
	if err != nil {
		return err
	}

	s.sub = sub
	return nil
}

func (s *Source) handle(msg *pubsub.Msg) {
	decoded, err := s.m.Unmarshal(msg.Data)
	if err != nil {
		s.log.Emit(streams.ERROR, bridges.UnmarshalingError{Topic: s.topic, Err: errors.WrapOnly(err), Data: msg.Data})
		return
	}

	if err := s.buffer.Push(decoded); err != nil {
		s.log.Emit(streams.WARN, streams.LogMsg("Failed to stage message from topic").
			String("topic", s.topic).
			String("subject", msg.Subject).
			Error("error", err).Write())
	}
}

// stop runs when the stream side ends, detaching the broker subscription.
func (s *Source) stop() {
	if !s.stopped.FlipOn() {
		return
	}

	if err := s.sub.Unsubscribe(); err != nil {
		s.log.Emit(streams.ERROR, streams.LogMsg("Failed to unsubscribe from topic").
			String("topic", s.topic).
			Error("error", err).Write())
	}

	s.factory.rmSource(s)
	streams.Publish(streams.ConnectionTorndown{ID: s.id})
}

//*****************************************************************************
// Sink
//*****************************************************************************

// Sink implements the streams.Subscriber interface, publishing every
// element of its stream to a NATS topic. Elements are requested one at a
// time, publishing happens on the sink's own goroutine.
type Sink struct {
	topic    string
	canceler func()
	actions  chan func()
	waiter   sync.WaitGroup
	cfg      *Config
	sink     *pubsub.Conn
	log      streams.Logs
	ctx      context.Context
	m        bridges.Marshaler
	factory  *SourceSinkFactory

	mu sync.Mutex
	up streams.Subscription
}

func newSink(ctx context.Context, factory *SourceSinkFactory, topic string) *Sink {
	sctx, canc := context.WithCancel(ctx)
	return &Sink{
		cfg:      &factory.config,
		ctx:      sctx,
		canceler: canc,
		sink:     factory.c,
		topic:    topic,
		factory:  factory,
		log:      factory.config.Log,
		m:        factory.config.Marshaler,
		actions:  make(chan func(), 0),
	}
}

// begin reserves the publish loop on the sink's waiter before the loop
// goroutine starts, keeping Close from racing a late Add.
func (p *Sink) begin() {
	p.waiter.Add(1)
}

// Topic returns the topic name of giving sink.
func (p *Sink) Topic() string {
	return p.topic
}

// Close detaches giving sink from its stream and stops its publish loop.
func (p *Sink) Close() error {
	p.log.Emit(streams.DEBUG, streams.LogMsg("Closing sink").
		String("topic", p.topic).Write())

	p.mu.Lock()
	up := p.up
	p.up = nil
	p.mu.Unlock()
	if up != nil {
		up.Cancel()
	}

	p.canceler()
	p.waiter.Wait()
	return nil
}

// OnSubscribe takes the stream subscription and demands the first element.
func (p *Sink) OnSubscribe(sub streams.Subscription) {
	p.mu.Lock()
	p.up = sub
	p.mu.Unlock()
	sub.Request(streams.Bounded(1))
}

// OnNext publishes the element to the topic, demanding the next one only
// after the broker took this one.
func (p *Sink) OnNext(v interface{}) streams.Demand {
	if err := p.publish(v); err != nil {
		p.log.Emit(streams.ERROR, streams.LogMsg("Failed to deliver message to topic").
			String("topic", p.topic).
			Error("error", err).Write())
	}
	return streams.Bounded(1)
}

// OnComplete stops the publish loop once the stream ends.
func (p *Sink) OnComplete(c streams.Completion) {
	p.log.Emit(streams.DEBUG, streams.LogMsg("Sink stream terminated").
		String("topic", p.topic).
		Bool("failed", c.IsFailure()).
		Error("error", c.Err()).Write())

	p.mu.Lock()
	p.up = nil
	p.mu.Unlock()
	p.canceler()
}

func (p *Sink) publish(v interface{}) error {
	errs := make(chan error, 1)
	action := func() {
		marshaled, err := p.m.Marshal(v)
		if err != nil {
			err = errors.Wrap(err, "Failed to marshal outgoing message: %#v", v)
			p.log.Emit(streams.ERROR, bridges.MarshalingError{Topic: p.topic, Err: err, Data: v})
			errs <- err
			return
		}

		if pubErr := p.sink.Publish(p.topic, marshaled); pubErr != nil {
			p.log.Emit(streams.ERROR, bridges.PublishError{Topic: p.topic, Err: errors.WrapOnly(pubErr), Data: marshaled})
			errs <- pubErr
			return
		}

		errs <- nil
	}

	select {
	case p.actions <- action:
		return <-errs
	case <-time.After(p.cfg.MessageDeliveryTimeout):
		return errors.Wrap(bridges.ErrBusySink, "Topic %q", p.topic)
	}
}

// run drives the sink's publish loop till its context ends.
func (p *Sink) run() {
	defer p.waiter.Done()

	for {
		select {
		case <-p.ctx.Done():
			p.log.Emit(streams.DEBUG, streams.LogMsg("Sink routine is closing").
				String("topic", p.topic).Write())
			return
		case action := <-p.actions:
			action()
		}
	}
}
