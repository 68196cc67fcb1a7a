// Package google implements a stream source and sink over google cloud
// pubsub topics and subscriptions.
package google

import (
	"context"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/gokit/errors"
	"github.com/gokit/xid"
	"golang.org/x/sync/errgroup"
	"google.golang.org/api/option"

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
	Marshaler   bridges.Marshaler
	Unmarshaler bridges.Unmarshaler

	// MessageDeliveryTimeout is the timeout to wait before response
	// from the underline message broker before timeout.
	MessageDeliveryTimeout time.Duration

	// CreateMissingTopic flags dictates if a sink will create its topic
	// when it does not already exist in the google cloud.
	CreateMissingTopic bool

	// PublishSettings provides customized publishing settings applied to
	// sink topics.
	PublishSettings *pubsub.PublishSettings

	// ClientOptions provide options to be applied to the pubsub client.
	ClientOptions []option.ClientOption

	// MaxOutstandingMessages defines the maximum allowed messages awaiting
	// processing for source subscriptions.
	MaxOutstandingMessages int

	// BufferSize caps how many inbound elements a source stages ahead of
	// downstream demand, zero or below leaves the staging unbounded.
	BufferSize int

	// BufferStrategy decides which element a full staging buffer drops.
	BufferStrategy streams.Strategy
}

func (c *Config) init() error {
	if c.ProjectID == "" {
		return errors.New("Config.ProjectID must be provided")
	}
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
		c.MessageDeliveryTimeout = 5 * time.Second
	}
	return nil
}

//*****************************************************************************
// SourceSinkFactory
//*****************************************************************************

// SourceSinkFactory handles the creation of sources and sinks over a
// single google pubsub client.
type SourceSinkFactory struct {
	id       xid.ID
	config   Config
	waiter   sync.WaitGroup
	ctx      context.Context
	canceler func()
	c        *pubsub.Client
}

// NewSourceSinkFactory returns a new instance of a SourceSinkFactory.
func NewSourceSinkFactory(ctx context.Context, config Config) (*SourceSinkFactory, error) {
	if err := config.init(); err != nil {
		return nil, err
	}

	var sf SourceSinkFactory
	sf.id = xid.New()
	sf.config = config
	sf.ctx, sf.canceler = context.WithCancel(ctx)

	config.Log.Emit(streams.DEBUG, streams.LogMsg("Creating google pubsub client").
		String("project_id", sf.config.ProjectID).Write())

	client, err := pubsub.NewClient(sf.ctx, sf.config.ProjectID, sf.config.ClientOptions...)
	if err != nil {
		err = errors.Wrap(err, "Failed to create google pubsub client")
		config.Log.Emit(streams.ERROR, streams.LogMsg(err.Error()).
			String("project_id", sf.config.ProjectID).Write())
		return nil, err
	}

	config.Log.Emit(streams.DEBUG, streams.LogMsg("Created google pubsub client connection successfully").
		String("project_id", sf.config.ProjectID).Write())

	sf.c = client
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
	return sf.c.Close()
}

// Source returns a stream publisher consuming the giving pubsub
// subscription. The subscription must already exist in the project.
//
// The id argument is optional and can be left empty.
func (sf *SourceSinkFactory) Source(subscription string, id string) (*Source, error) {
	if subscription == "" {
		return nil, errors.New("subscription value can not be empty")
	}

	if id == "" {
		id = xid.New().String()
	}

	sub := sf.c.Subscription(subscription)
	exists, err := sub.Exists(sf.ctx)
	if err != nil {
		return nil, errors.Wrap(err, "Failed to check existence of subscription %q", subscription)
	}
	if !exists {
		return nil, errors.New("subscription %q does not exist in project %q", subscription, sf.config.ProjectID)
	}

	if sf.config.MaxOutstandingMessages > 0 {
		sub.ReceiveSettings.MaxOutstandingMessages = sf.config.MaxOutstandingMessages
	}

	var src Source
	src.sub = sub
	src.config = &sf.config
	src.log = sf.config.Log
	src.subscription = subscription
	src.id = bridges.SourceID("google", sf.config.ProjectID, subscription, id)
	src.ctx, src.canceler = context.WithCancel(sf.ctx)
	src.buffer = bridges.NewBuffer(sf.config.BufferSize, sf.config.BufferStrategy, sf.config.Log, src.canceler)

	src.waiter.Go(src.run)
	return &src, nil
}

// Sink returns a stream subscriber publishing every element it receives
// to the giving pubsub topic. A missing topic is created when the config
// allows it.
func (sf *SourceSinkFactory) Sink(topic string) (*Sink, error) {
	if topic == "" {
		return nil, errors.New("topic value can not be empty")
	}

	t := sf.c.Topic(topic)
	exists, err := t.Exists(sf.ctx)
	if err != nil {
		return nil, errors.Wrap(err, "Failed to check existence of topic %q", topic)
	}

	if !exists {
		if !sf.config.CreateMissingTopic {
			return nil, errors.New("topic %q does not exist in project %q", topic, sf.config.ProjectID)
		}

		t, err = sf.c.CreateTopic(sf.ctx, topic)
		if err != nil {
			return nil, errors.Wrap(err, "Failed to create topic %q", topic)
		}
	}

	if sf.config.PublishSettings != nil {
		t.PublishSettings = *sf.config.PublishSettings
	}

	snk := &Sink{
		topic:  topic,
		sink:   t,
		config: &sf.config,
		log:    sf.config.Log,
	}
	snk.ctx, snk.canceler = context.WithCancel(sf.ctx)

	sf.waiter.Add(1)
	go func() {
		defer sf.waiter.Done()
		<-snk.ctx.Done()
		t.Stop()
	}()

	return snk, nil
}

//*****************************************************************************
// Source
//*****************************************************************************

// Source implements the streams.Publisher interface over a google pubsub
// subscription. Inbound messages are decoded and staged until the stream
// subscriber demands them, messages which fail to stage are nacked back
// to the broker.
type Source struct {
	id           string
	subscription string
	canceler     func()
	config       *Config
	waiter       errgroup.Group
	sub          *pubsub.Subscription
	buffer       *bridges.Buffer
	ctx          context.Context
	log          streams.Logs
}

// ID returns the identification of giving source.
func (s *Source) ID() string {
	return s.id
}

// Topic returns the subscription name of giving source.
func (s *Source) Topic() string {
	return s.subscription
}

// Subscribe attaches sub to the staged inbound stream.
func (s *Source) Subscribe(sub streams.Subscriber) {
	s.buffer.Subscribe(sub)
}

// Stop ends giving source and its consumption of the subscription,
// waiting for the receive routine to wind down.
func (s *Source) Stop() error {
	s.buffer.Complete()
	return s.waiter.Wait()
}

func (s *Source) handle(_ context.Context, msg *pubsub.Message) {
	decoded, err := s.config.Unmarshaler.Unmarshal(msg.Data)
	if err != nil {
		s.log.Emit(streams.ERROR, bridges.UnmarshalingError{Topic: s.subscription, Err: errors.WrapOnly(err), Data: msg.Data})
		msg.Ack()
		return
	}

	if err := s.buffer.Push(decoded); err != nil {
		s.log.Emit(streams.WARN, streams.LogMsg("Failed to stage message from subscription").
			String("subscription", s.subscription).
			String("msg_id", msg.ID).
			Error("error", err).Write())
		msg.Nack()
		return
	}

	msg.Ack()
}

func (s *Source) run() error {
	if err := s.sub.Receive(s.ctx, s.handle); err != nil {
		if s.ctx.Err() != nil {
			return nil
		}

		s.log.Emit(streams.ERROR, bridges.ConsumeError{Topic: s.subscription, Err: errors.WrapOnly(err)})
		s.buffer.Fail(err)
		return err
	}
	return nil
}

//*****************************************************************************
// Sink
//*****************************************************************************

// Sink implements the streams.Subscriber interface, publishing every
// element of its stream to a google pubsub topic.
type Sink struct {
	topic    string
	config   *Config
	canceler func()
	sink     *pubsub.Topic
	ctx      context.Context
	log      streams.Logs

	mu sync.Mutex
	up streams.Subscription
}

// Topic returns the topic name of giving sink.
func (p *Sink) Topic() string {
	return p.topic
}

// Close detaches giving sink from its stream and stops its topic
// publisher.
func (p *Sink) Close() error {
	p.mu.Lock()
	up := p.up
	p.up = nil
	p.mu.Unlock()
	if up != nil {
		up.Cancel()
	}

	p.canceler()
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
// after the broker confirmed this one.
func (p *Sink) OnNext(v interface{}) streams.Demand {
	marshaled, err := p.config.Marshaler.Marshal(v)
	if err != nil {
		err = errors.Wrap(err, "Failed to marshal outgoing message: %#v", v)
		p.log.Emit(streams.ERROR, bridges.MarshalingError{Topic: p.topic, Err: err, Data: v})
		return streams.Bounded(1)
	}

	ctx, cancel := context.WithTimeout(p.ctx, p.config.MessageDeliveryTimeout)
	defer cancel()

	result := p.sink.Publish(ctx, &pubsub.Message{Data: marshaled})
	if _, err := result.Get(ctx); err != nil {
		p.log.Emit(streams.ERROR, bridges.PublishError{Topic: p.topic, Err: errors.WrapOnly(err), Data: marshaled})
	}

	return streams.Bounded(1)
}

// OnComplete stops the topic publisher once the stream ends.
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
