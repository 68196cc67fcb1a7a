package streams

import (
	"sync"
	"time"
)

//***************************************************************************
// Scheduler
//***************************************************************************

// Scheduler is the capability scheduled stages defer their deliveries to.
// An implementation runs every submitted unit of work exactly once and
// preserves submission order between all work handed to the same instance,
// which is what lets a deferred stage keep its elements in arrival order.
type Scheduler interface {
	// Schedule runs work as soon as possible.
	Schedule(work func())

	// ScheduleAt runs work once, at or after due. A small tolerance past
	// due is acceptable, running early is not.
	ScheduleAt(due time.Time, work func())
}

type task struct {
	due time.Time
	run func()
}

// QueueScheduler implements Scheduler on a single worker goroutine
// draining an ordered task queue, so submission order is delivery order
// even when individual tasks carry a due time.
type QueueScheduler struct {
	tasks       *TaskQueue
	waiter      sync.WaitGroup
	closed      AtomicBool
	closeSignal chan struct{}
}

// NewQueueScheduler returns a started QueueScheduler. Close must be called
// once done to release its worker.
func NewQueueScheduler() *QueueScheduler {
	qs := &QueueScheduler{
		tasks:       UnboundedTaskQueue(),
		closeSignal: make(chan struct{}),
	}
	qs.waiter.Add(1)
	go qs.run()
	return qs
}

// Schedule submits work to run as soon as the worker reaches it.
func (qs *QueueScheduler) Schedule(work func()) {
	qs.submit(task{run: work})
}

// ScheduleAt submits work to run once the worker reaches it and due has
// passed. Because the queue is strictly ordered, a task behind a timed
// task runs after it even if its own due time is earlier.
func (qs *QueueScheduler) ScheduleAt(due time.Time, work func()) {
	qs.submit(task{due: due, run: work})
}

// Close stops the worker and discards pending tasks. It is idempotent and
// blocks till the worker has exited.
func (qs *QueueScheduler) Close() {
	if !qs.closed.FlipOn() {
		return
	}
	close(qs.closeSignal)
	// the latched signal wakes the worker through the queue's own lock
	// even if it has not reached Wait yet.
	qs.tasks.Signal()
	qs.waiter.Wait()
	qs.tasks.Clear()
}

func (qs *QueueScheduler) submit(t task) {
	if qs.closed.IsTrue() {
		return
	}
	qs.tasks.Push(t)
}

func (qs *QueueScheduler) run() {
	defer qs.waiter.Done()
	for {
		qs.tasks.Wait()

		select {
		case <-qs.closeSignal:
			return
		default:
		}

		v, err := qs.tasks.Pop()
		if err != nil {
			continue
		}

		t := v.(task)
		if !t.due.IsZero() {
			if d := time.Until(t.due); d > 0 {
				select {
				case <-time.After(d):
				case <-qs.closeSignal:
					return
				}
			}
		}
		t.run()
	}
}

//***************************************************************************
// Scheduled stages
//***************************************************************************

// Delay returns a publisher delivering every element and the terminal
// event of source through on, each deferred by d. Order is preserved,
// the scheduler runs work in submission order.
func Delay(source Publisher, d time.Duration, on Scheduler) Publisher {
	return &schedPublisher{source: source, sched: on, delay: d}
}

// ReceiveOn returns a publisher shifting every delivery of source onto on,
// without added delay.
func ReceiveOn(source Publisher, on Scheduler) Publisher {
	return &schedPublisher{source: source, sched: on}
}

// MeasureInterval returns a publisher replacing every element of source
// with the time.Duration elapsed since the previous element (since attach
// for the first), delivered through on.
func MeasureInterval(source Publisher, on Scheduler) Publisher {
	return &schedPublisher{source: source, sched: on, measure: true}
}

type schedPublisher struct {
	source  Publisher
	sched   Scheduler
	delay   time.Duration
	measure bool
}

// Subscribe attaches sub through a fresh scheduled relay.
func (p *schedPublisher) Subscribe(sub Subscriber) {
	relay := &schedRelay{
		relayCore: newRelayCore(sub),
		sched:     p.sched,
		delay:     p.delay,
		measure:   p.measure,
	}
	p.source.Subscribe(relay)
}

// schedRelay defers every downstream delivery to its scheduler. Demand
// granted by downstream in response to a deferred delivery reaches
// upstream only after the scheduled callback actually ran, never before.
type schedRelay struct {
	relayCore
	sched   Scheduler
	delay   time.Duration
	measure bool

	tm   sync.Mutex
	last time.Time
}

// OnSubscribe accepts upstream and hands the relay downstream.
func (s *schedRelay) OnSubscribe(sub Subscription) {
	if !s.attach(sub) {
		sub.Cancel()
		return
	}
	s.tm.Lock()
	s.last = time.Now()
	s.tm.Unlock()
	s.deliverSubscription(s)
}

// OnNext hands the element to the scheduler instead of forwarding it
// synchronously.
func (s *schedRelay) OnNext(v interface{}) Demand {
	if s.terminal() {
		return None()
	}

	out := v
	if s.measure {
		s.tm.Lock()
		now := time.Now()
		out = now.Sub(s.last)
		s.last = now
		s.tm.Unlock()
	}

	s.submit(func() {
		if extra, ok := s.deliver(out); ok {
			s.requestUpstream(extra)
		}
	})
	return None()
}

// OnComplete parks the relay in the pending-terminal state and schedules
// the terminal delivery, so a cancel arriving before the callback runs
// still results in exactly one terminal outcome.
func (s *schedRelay) OnComplete(c Completion) {
	if _, ok := s.pend(); !ok {
		return
	}
	s.submit(func() {
		s.complete(c, false)
	})
}

// Request forwards downstream demand to upstream unchanged.
func (s *schedRelay) Request(d Demand) {
	mustPositive(d)
	s.requestUpstream(d)
}

// Cancel ends the stream, idempotently.
func (s *schedRelay) Cancel() {
	s.cancel()
}

func (s *schedRelay) submit(work func()) {
	if s.delay > 0 {
		s.sched.ScheduleAt(time.Now().Add(s.delay), work)
		return
	}
	s.sched.Schedule(work)
}
