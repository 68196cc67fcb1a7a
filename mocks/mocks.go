package mocks

import (
	"sync"
	"time"

	"github.com/gokit/streams"
)

//****************************************
// Recording Subscriber
//****************************************

// Sub implements the streams.Subscriber interface, recording every value
// and terminal event delivered to it. Initial is requested as soon as the
// subscription arrives, Grant is returned from every OnNext.
type Sub struct {
	Initial streams.Demand
	Grant   streams.Demand

	mu          sync.Mutex
	sub         streams.Subscription
	values      []interface{}
	completions []streams.Completion
	done        chan struct{}
}

// NewSub returns a recording subscriber requesting initial on subscribe
// and granting nothing further per value.
func NewSub(initial streams.Demand) *Sub {
	return &Sub{Initial: initial, done: make(chan struct{})}
}

// OnSubscribe stores the subscription and issues the initial demand.
func (m *Sub) OnSubscribe(s streams.Subscription) {
	m.mu.Lock()
	m.sub = s
	m.mu.Unlock()

	if m.Initial.Positive() {
		s.Request(m.Initial)
	}
}

// OnNext records the value and grants the configured extra demand.
func (m *Sub) OnNext(v interface{}) streams.Demand {
	m.mu.Lock()
	m.values = append(m.values, v)
	m.mu.Unlock()
	return m.Grant
}

// OnComplete records the terminal event and unblocks waiters.
func (m *Sub) OnComplete(c streams.Completion) {
	m.mu.Lock()
	m.completions = append(m.completions, c)
	first := len(m.completions) == 1
	m.mu.Unlock()

	if first {
		close(m.done)
	}
}

// Subscription returns the subscription handed to the subscriber, nil if
// none arrived yet.
func (m *Sub) Subscription() streams.Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sub
}

// Values returns a copy of every value received so far.
func (m *Sub) Values() []interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]interface{}(nil), m.values...)
}

// Completions returns a copy of every terminal event received. More than
// one entry means the producer broke the at-most-once contract.
func (m *Sub) Completions() []streams.Completion {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]streams.Completion(nil), m.completions...)
}

// Wait blocks till the first terminal event arrives or the timeout
// elapses, reporting which happened.
func (m *Sub) Wait(timeout time.Duration) bool {
	select {
	case <-m.done:
		return true
	case <-time.After(timeout):
		return false
	}
}

//****************************************
// Probe Subscription
//****************************************

// ProbeSub implements the streams.Subscription interface, counting every
// Request and Cancel made against it.
type ProbeSub struct {
	mu       sync.Mutex
	requests []streams.Demand
	cancels  int
}

// Request records the demanded amount.
func (p *ProbeSub) Request(d streams.Demand) {
	p.mu.Lock()
	p.requests = append(p.requests, d)
	p.mu.Unlock()
}

// Cancel records one cancellation.
func (p *ProbeSub) Cancel() {
	p.mu.Lock()
	p.cancels++
	p.mu.Unlock()
}

// Cancels returns how often Cancel was called.
func (p *ProbeSub) Cancels() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancels
}

// Requests returns a copy of every demand received.
func (p *ProbeSub) Requests() []streams.Demand {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]streams.Demand(nil), p.requests...)
}

// Requested returns the saturating total of all demand received.
func (p *ProbeSub) Requested() streams.Demand {
	p.mu.Lock()
	defer p.mu.Unlock()
	total := streams.None()
	for _, d := range p.requests {
		total = total.Add(d)
	}
	return total
}

//****************************************
// Feed Publisher
//****************************************

// Feed implements the streams.Publisher interface for a single subscriber
// driven by the test itself: Emit, Complete and Fail push events through
// the attached subscriber directly, ignoring demand, which lets tests
// exercise relays from the upstream side.
type Feed struct {
	mu    sync.Mutex
	down  streams.Subscriber
	probe *ProbeSub
}

// Subscribe attaches sub and hands it a probe subscription.
func (f *Feed) Subscribe(sub streams.Subscriber) {
	probe := &ProbeSub{}
	f.mu.Lock()
	f.down = sub
	f.probe = probe
	f.mu.Unlock()
	sub.OnSubscribe(probe)
}

// Probe returns the subscription handed to the attached subscriber.
func (f *Feed) Probe() *ProbeSub {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.probe
}

// Emit pushes one value into the attached subscriber, returning the
// demand it granted.
func (f *Feed) Emit(v interface{}) streams.Demand {
	f.mu.Lock()
	down := f.down
	f.mu.Unlock()
	if down == nil {
		return streams.None()
	}
	return down.OnNext(v)
}

// Complete pushes an ordinary completion into the attached subscriber.
func (f *Feed) Complete() {
	f.terminal(streams.Finished())
}

// Fail pushes a failure into the attached subscriber.
func (f *Feed) Fail(err error) {
	f.terminal(streams.Failure(err))
}

func (f *Feed) terminal(c streams.Completion) {
	f.mu.Lock()
	down := f.down
	f.mu.Unlock()
	if down != nil {
		down.OnComplete(c)
	}
}

//****************************************
// Manual Scheduler
//****************************************

// Scheduler implements the streams.Scheduler interface with an explicit
// run crank, keeping scheduled-stage tests deterministic. Due times are
// recorded but not waited on, order remains submission order.
type Scheduler struct {
	mu    sync.Mutex
	tasks []func()
	dues  []time.Time
}

// Schedule queues work to run on the next crank.
func (s *Scheduler) Schedule(work func()) {
	s.ScheduleAt(time.Time{}, work)
}

// ScheduleAt queues work with its due time recorded.
func (s *Scheduler) ScheduleAt(due time.Time, work func()) {
	s.mu.Lock()
	s.tasks = append(s.tasks, work)
	s.dues = append(s.dues, due)
	s.mu.Unlock()
}

// RunNext runs the oldest queued task, reporting whether one existed.
func (s *Scheduler) RunNext() bool {
	s.mu.Lock()
	if len(s.tasks) == 0 {
		s.mu.Unlock()
		return false
	}
	work := s.tasks[0]
	s.tasks = s.tasks[1:]
	s.dues = s.dues[1:]
	s.mu.Unlock()

	work()
	return true
}

// RunAll cranks until the queue is empty, including tasks queued by the
// tasks themselves, and returns how many ran.
func (s *Scheduler) RunAll() int {
	var n int
	for s.RunNext() {
		n++
	}
	return n
}

// Pending returns how many tasks are queued.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// Dues returns a copy of the due times of the queued tasks.
func (s *Scheduler) Dues() []time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Time(nil), s.dues...)
}
