// Package redis implements a stream source and sink over redis pub/sub
// channels.
package redis

import (
	"context"
	"sync"
	"time"

	redis "github.com/go-redis/redis"
	"github.com/gokit/errors"
	"github.com/gokit/xid"
	"golang.org/x/sync/errgroup"

	"github.com/gokit/streams"
	"github.com/gokit/streams/bridges"
)

//*****************************************************************************
// Config
//*****************************************************************************

// Config provides a config struct for instantiating a SourceSinkFactory type.
type Config struct {
	ProjectID   string
	Log         streams.Logs
	Host        *redis.Options
	Marshaler   bridges.Marshaler
	Unmarshaler bridges.Unmarshaler

	// MessageDeliveryTimeout is the timeout to wait before response
	// from the underline message broker before timeout.
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
	if c.Host == nil {
		return errors.New("Config.Host must be provided")
	}
	if c.Marshaler == nil {
		c.Marshaler = bridges.JSONCodec{}
	}
	if c.Unmarshaler == nil {
		c.Unmarshaler = bridges.JSONCodec{}
	}
	if c.MessageDeliveryTimeout <= 0 {
		c.MessageDeliveryTimeout = 5 * time.Second
	}
	if c.ProjectID == "" {
		c.ProjectID = "streams"
	}
	return nil
}

//*****************************************************************************
// SourceSinkFactory
//*****************************************************************************

// SourceSinkFactory handles the creation of sources and sinks over
// channels of a single redis client.
type SourceSinkFactory struct {
	id       xid.ID
	config   Config
	waiter   sync.WaitGroup
	client   *redis.Client
	ctx      context.Context
	canceler func()

	sl     sync.RWMutex
	topics map[string]int
}

// NewSourceSinkFactory returns a new instance of a SourceSinkFactory.
func NewSourceSinkFactory(ctx context.Context, config Config) (*SourceSinkFactory, error) {
	if err := config.init(); err != nil {
		return nil, err
	}

	var sf SourceSinkFactory
	sf.id = xid.New()
	sf.config = config
	sf.topics = map[string]int{}
	sf.ctx, sf.canceler = context.WithCancel(ctx)

	client := redis.NewClient(sf.config.Host)

	config.Log.Emit(streams.DEBUG, streams.LogMsg("Creating redis connection").
		String("url", sf.config.Host.Addr).Write())

	// verify that redis server is working with ping-pong.
	status := client.Ping()
	if err := status.Err(); err != nil {
		return nil, errors.Wrap(err, "Failed to connect successfully redis client")
	}

	config.Log.Emit(streams.DEBUG, streams.LogMsg("Created redis connection").
		String("url", sf.config.Host.Addr).Write())

	sf.client = client
	return &sf, nil
}

// Wait blocks till all generated sinks close and have being reclaimed.
func (sf *SourceSinkFactory) Wait() {
	sf.waiter.Wait()
}

// Close closes giving factory and its client connection.
func (sf *SourceSinkFactory) Close() error {
	sf.canceler()
	sf.waiter.Wait()
	return sf.client.Close()
}

// Source returns a stream publisher consuming the giving redis channel.
//
// The id argument is optional and can be left empty.
func (sf *SourceSinkFactory) Source(topic string, id string) (*Source, error) {
	if topic == "" {
		return nil, errors.New("topic value can not be empty")
	}

	if id == "" {
		id = xid.New().String()
	}

	var srcid = bridges.SourceID("redis", sf.config.ProjectID, topic, id)

	sf.config.Log.Emit(streams.DEBUG, streams.LogMsg("Subscribing to redis channel").
		String("url", sf.config.Host.Addr).
		String("topic", topic).
		String("id", srcid).Write())

	var src Source
	src.id = srcid
	src.topic = topic
	src.config = &sf.config
	src.log = sf.config.Log
	src.client = sf.client
	src.ctx, src.canceler = context.WithCancel(sf.ctx)
	src.buffer = bridges.NewBuffer(sf.config.BufferSize, sf.config.BufferStrategy, sf.config.Log, src.canceler)

	if err := src.init(); err != nil {
		sf.config.Log.Emit(streams.ERROR, streams.LogMsg("Failed to subscribe to redis channel").
			String("topic", topic).
			String("host", sf.config.Host.Addr).
			Error("error", err).Write())
		return nil, err
	}

	sf.config.Log.Emit(streams.DEBUG, streams.LogMsg("Subscribed to redis channel").
		String("topic", topic).
		String("url", sf.config.Host.Addr).
		String("id", srcid).Write())

	return &src, nil
}

// Sink returns a stream subscriber publishing every element it receives
// to the giving redis channel.
func (sf *SourceSinkFactory) Sink(topic string) (*Sink, error) {
	sf.config.Log.Emit(streams.DEBUG, streams.LogMsg("Creating new sink to redis channel").
		String("topic", topic).
		String("url", sf.config.Host.Addr).Write())

	snk := newSink(sf.ctx, &sf.config, topic, sf.client)
	snk.begin()

	sf.waiter.Add(1)
	go func() {
		defer sf.waiter.Done()
		snk.run()
	}()

	return snk, nil
}

//*****************************************************************************
// Source
//*****************************************************************************

// Source implements the streams.Publisher interface over a redis pub/sub
// channel. Inbound messages are decoded and staged until the stream
// subscriber demands them.
type Source struct {
	id       string
	topic    string
	canceler func()
	config   *Config
	waiter   errgroup.Group
	client   *redis.Client
	sub      *redis.PubSub
	buffer   *bridges.Buffer
	ctx      context.Context
	log      streams.Logs
}

// ID returns the identification of giving source.
func (s *Source) ID() string {
	return s.id
}

// Topic returns the channel name of giving source.
func (s *Source) Topic() string {
	return s.topic
}

// Subscribe attaches sub to the staged inbound stream.
func (s *Source) Subscribe(sub streams.Subscriber) {
	s.buffer.Subscribe(sub)
}

// Stop ends giving source and its consumption of the channel, waiting for
// the consuming routine to wind down.
func (s *Source) Stop() error {
	s.buffer.Complete()
	return s.waiter.Wait()
}

func (s *Source) handle(msg *redis.Message) {
	payload := []byte(msg.Payload)
	decoded, err := s.config.Unmarshaler.Unmarshal(payload)
	if err != nil {
		s.log.Emit(streams.ERROR, bridges.UnmarshalingError{Topic: s.topic, Err: errors.WrapOnly(err), Data: payload})
		return
	}

	if err := s.buffer.Push(decoded); err != nil {
		s.log.Emit(streams.WARN, streams.LogMsg("Failed to stage message from channel").
			String("topic", s.topic).
			String("channel", msg.Channel).
			Error("error", err).Write())
	}
}

func (s *Source) init() error {
	s.sub = s.client.Subscribe(s.topic)
	if err := s.sub.Ping(); err != nil {
		return err
	}

	s.waiter.Go(s.run)

	// BUG: It seems we need to give redis a second to prepare,
	// else messages may not be received or be unstable.
	s.awaitReadiness()

	return nil
}

func (s *Source) awaitReadiness() {
	<-time.After(1 * time.Millisecond)
}

func (s *Source) stopSub() error {
	if err := s.sub.Unsubscribe(s.topic); err != nil {
		err = errors.Wrap(err, "Failed to unsubscribe from channel")
		s.log.Emit(streams.ERROR, streams.LogMsg(err.Error()).
			String("topic", s.topic).
			String("host", s.config.Host.Addr).Write())
		return err
	}
	return nil
}

func (s *Source) run() error {
	receiver := s.sub.Channel()
	closer := s.ctx.Done()

	for {
		select {
		case <-closer:
			return s.stopSub()
		case msg, ok := <-receiver:
			if !ok {
				s.buffer.Complete()
				return s.stopSub()
			}

			s.handle(msg)
		}
	}
}

//*****************************************************************************
// Sink
//*****************************************************************************

// Sink implements the streams.Subscriber interface, publishing every
// element of its stream to a redis channel.
type Sink struct {
	topic    string
	config   *Config
	canceler func()
	actions  chan func()
	waiter   sync.WaitGroup
	sink     *redis.Client
	ctx      context.Context

	mu sync.Mutex
	up streams.Subscription
}

func newSink(ctx context.Context, cfg *Config, topic string, sink *redis.Client) *Sink {
	sctx, canceler := context.WithCancel(ctx)
	return &Sink{
		config:   cfg,
		ctx:      sctx,
		canceler: canceler,
		sink:     sink,
		topic:    topic,
		actions:  make(chan func(), 0),
	}
}

func (p *Sink) begin() {
	p.waiter.Add(1)
}

// Topic returns the channel name of giving sink.
func (p *Sink) Topic() string {
	return p.topic
}

// Close detaches giving sink from its stream and stops its publish loop.
func (p *Sink) Close() error {
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

// OnNext publishes the element to the channel, demanding the next one only
// after the broker took this one.
func (p *Sink) OnNext(v interface{}) streams.Demand {
	if err := p.publish(v); err != nil {
		p.config.Log.Emit(streams.ERROR, streams.LogMsg("Failed to deliver message to channel").
			String("topic", p.topic).
			Error("error", err).Write())
	}
	return streams.Bounded(1)
}

// OnComplete stops the publish loop once the stream ends.
func (p *Sink) OnComplete(c streams.Completion) {
	p.config.Log.Emit(streams.DEBUG, streams.LogMsg("Sink stream terminated").
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
		marshaled, err := p.config.Marshaler.Marshal(v)
		if err != nil {
			err = errors.Wrap(err, "Failed to marshal outgoing message: %#v", v)
			p.config.Log.Emit(streams.ERROR, bridges.MarshalingError{Topic: p.topic, Err: err, Data: v})
			errs <- err
			return
		}

		status := p.sink.Publish(p.topic, marshaled)
		if pubErr := status.Err(); pubErr != nil {
			pubErr = errors.Wrap(pubErr, "Failed to publish message")
			p.config.Log.Emit(streams.ERROR, bridges.PublishError{Topic: p.topic, Err: pubErr, Data: marshaled})
			errs <- pubErr
			return
		}

		errs <- nil
	}

	select {
	case p.actions <- action:
		return <-errs
	case <-time.After(p.config.MessageDeliveryTimeout):
		return errors.Wrap(bridges.ErrBusySink, "Topic %q", p.topic)
	}
}

func (p *Sink) run() {
	defer p.waiter.Done()

	for {
		select {
		case <-p.ctx.Done():
			return
		case action := <-p.actions:
			action()
		}
	}
}
