// Package kafka implements a stream source and sink over kafka topics
// using the segmentio kafka client.
package kafka

import (
	"context"
	"sync"
	"time"

	"github.com/gokit/errors"
	"github.com/gokit/xid"
	segment "github.com/segmentio/kafka-go"
	"golang.org/x/sync/errgroup"

	"github.com/gokit/streams"
	"github.com/gokit/streams/bridges"
)

//*****************************************************************************
// Config
//*****************************************************************************

// Config provides a config struct for instantiating a SourceSinkFactory type.
type Config struct {
	Brokers     []string
	ProjectID   string
	Log         streams.Logs
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

	// ReaderConfigOverride can be provided to set default values for the
	// reader config used in creating source consumers, the brokers, topic
	// and group id are always set by the factory.
	ReaderConfigOverride *segment.ReaderConfig

	// WriterConfigOverride can be provided to set default values for the
	// writer config used in creating sink producers, the brokers and topic
	// are always set by the factory.
	WriterConfigOverride *segment.WriterConfig
}

func (c *Config) init() error {
	if len(c.Brokers) == 0 {
		return errors.New("Config.Brokers must be provided")
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
	if c.ProjectID == "" {
		c.ProjectID = "streams"
	}
	return nil
}

//*****************************************************************************
// SourceSinkFactory
//*****************************************************************************

// SourceSinkFactory handles the creation of sources and sinks over kafka
// topics. Each source owns its own reader, each sink its own writer.
type SourceSinkFactory struct {
	id       xid.ID
	config   Config
	waiter   sync.WaitGroup
	ctx      context.Context
	canceler func()
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
	return &sf, nil
}

// Wait blocks till all generated sinks close and have being reclaimed.
func (sf *SourceSinkFactory) Wait() {
	sf.waiter.Wait()
}

// Close closes giving factory and all sources and sinks created from it.
func (sf *SourceSinkFactory) Close() error {
	sf.canceler()
	sf.waiter.Wait()
	return nil
}

// Source returns a stream publisher consuming the giving kafka topic. A
// non empty group joins the topic's consumer group of that name, sharing
// partitions with other members.
//
// The id argument is optional and can be left empty.
func (sf *SourceSinkFactory) Source(topic string, group string, id string) (*Source, error) {
	if topic == "" {
		return nil, errors.New("topic value can not be empty")
	}

	if id == "" {
		id = xid.New().String()
	}

	var rconfig segment.ReaderConfig
	if sf.config.ReaderConfigOverride != nil {
		rconfig = *sf.config.ReaderConfigOverride
	}
	rconfig.Topic = topic
	rconfig.GroupID = group
	rconfig.Brokers = sf.config.Brokers

	var src Source
	src.topic = topic
	src.group = group
	src.config = &sf.config
	src.log = sf.config.Log
	src.reader = segment.NewReader(rconfig)
	src.id = bridges.SourceID("kafka", sf.config.ProjectID, topic, id)
	src.ctx, src.canceler = context.WithCancel(sf.ctx)
	src.buffer = bridges.NewBuffer(sf.config.BufferSize, sf.config.BufferStrategy, sf.config.Log, src.canceler)

	sf.config.Log.Emit(streams.DEBUG, streams.LogMsg("Created kafka reader for topic").
		String("topic", topic).
		String("group", group).
		String("id", src.id).Write())

	src.waiter.Go(src.run)
	return &src, nil
}

// Sink returns a stream subscriber publishing every element it receives
// to the giving kafka topic.
func (sf *SourceSinkFactory) Sink(topic string) (*Sink, error) {
	if topic == "" {
		return nil, errors.New("topic value can not be empty")
	}

	var wconfig segment.WriterConfig
	if sf.config.WriterConfigOverride != nil {
		wconfig = *sf.config.WriterConfigOverride
	}
	wconfig.Topic = topic
	wconfig.Brokers = sf.config.Brokers

	snk := &Sink{
		topic:  topic,
		config: &sf.config,
		log:    sf.config.Log,
		writer: segment.NewWriter(wconfig),
	}
	snk.ctx, snk.canceler = context.WithCancel(sf.ctx)

	sf.waiter.Add(1)
	go func() {
		defer sf.waiter.Done()
		<-snk.ctx.Done()
		if err := snk.writer.Close(); err != nil {
			sf.config.Log.Emit(streams.ERROR, streams.LogMsg("Failed to close kafka writer").
				String("topic", topic).
				Error("error", err).Write())
		}
	}()

	return snk, nil
}

//*****************************************************************************
// Source
//*****************************************************************************

// Source implements the streams.Publisher interface over a kafka topic
// consumer. Inbound messages are decoded and staged until the stream
// subscriber demands them.
type Source struct {
	id       string
	topic    string
	group    string
	canceler func()
	config   *Config
	waiter   errgroup.Group
	reader   *segment.Reader
	buffer   *bridges.Buffer
	ctx      context.Context
	log      streams.Logs
}

// ID returns the identification of giving source.
func (s *Source) ID() string {
	return s.id
}

// Topic returns the topic name of giving source.
func (s *Source) Topic() string {
	return s.topic
}

// Group returns the consumer group name of giving source.
func (s *Source) Group() string {
	return s.group
}

// Subscribe attaches sub to the staged inbound stream.
func (s *Source) Subscribe(sub streams.Subscriber) {
	s.buffer.Subscribe(sub)
}

// Stop ends giving source and its consumption of the topic, waiting for
// the consuming routine to wind down.
func (s *Source) Stop() error {
	s.buffer.Complete()
	return s.waiter.Wait()
}

func (s *Source) handle(msg segment.Message) {
	decoded, err := s.config.Unmarshaler.Unmarshal(msg.Value)
	if err != nil {
		s.log.Emit(streams.ERROR, bridges.UnmarshalingError{Topic: s.topic, Err: errors.WrapOnly(err), Data: msg.Value})
		return
	}

	if err := s.buffer.Push(decoded); err != nil {
		s.log.Emit(streams.WARN, streams.LogMsg("Failed to stage message from topic").
			String("topic", s.topic).
			Int64("offset", msg.Offset).
			Error("error", err).Write())
	}
}

func (s *Source) run() error {
	defer func() {
		if err := s.reader.Close(); err != nil {
			s.log.Emit(streams.ERROR, streams.LogMsg("Failed to close kafka reader").
				String("topic", s.topic).
				Error("error", err).Write())
		}
	}()

	for {
		msg, err := s.reader.ReadMessage(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return nil
			}

			s.log.Emit(streams.ERROR, bridges.ConsumeError{Topic: s.topic, Err: errors.WrapOnly(err)})
			s.buffer.Fail(err)
			return err
		}

		s.handle(msg)
	}
}

//*****************************************************************************
// Sink
//*****************************************************************************

// Sink implements the streams.Subscriber interface, publishing every
// element of its stream to a kafka topic through its writer.
type Sink struct {
	topic    string
	config   *Config
	canceler func()
	writer   *segment.Writer
	ctx      context.Context
	log      streams.Logs

	mu sync.Mutex
	up streams.Subscription
}

// Topic returns the topic name of giving sink.
func (p *Sink) Topic() string {
	return p.topic
}

// Close detaches giving sink from its stream and closes its writer.
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
// after the broker took this one.
func (p *Sink) OnNext(v interface{}) streams.Demand {
	marshaled, err := p.config.Marshaler.Marshal(v)
	if err != nil {
		err = errors.Wrap(err, "Failed to marshal outgoing message: %#v", v)
		p.log.Emit(streams.ERROR, bridges.MarshalingError{Topic: p.topic, Err: err, Data: v})
		return streams.Bounded(1)
	}

	ctx, cancel := context.WithTimeout(p.ctx, p.config.MessageDeliveryTimeout)
	defer cancel()

	if err := p.writer.WriteMessages(ctx, segment.Message{Value: marshaled}); err != nil {
		p.log.Emit(streams.ERROR, bridges.PublishError{Topic: p.topic, Err: errors.WrapOnly(err), Data: marshaled})
	}

	return streams.Bounded(1)
}

// OnComplete closes the writer once the stream ends.
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
