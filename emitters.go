package streams

import (
	"sync"
)

//***************************************************************************
// Leaf sources
//***************************************************************************

// Sequence returns a publisher emitting the giving values in order,
// honoring downstream demand, then completing. Emission happens
// synchronously inside Request calls.
func Sequence(values ...interface{}) Publisher {
	return &sequencePublisher{values: values}
}

// Just returns a publisher emitting exactly one value then completing.
func Just(v interface{}) Publisher {
	return Sequence(v)
}

// Empty returns a publisher which completes without emitting.
func Empty() Publisher {
	return Sequence()
}

// FailWith returns a publisher which fails with err immediately after
// delivering its subscription.
func FailWith(err error) Publisher {
	return &failPublisher{err: err}
}

type sequencePublisher struct {
	values []interface{}
}

// Subscribe hands sub a fresh subscription over the value sequence. An
// empty sequence completes immediately, completion needs no demand.
func (s *sequencePublisher) Subscribe(sub Subscriber) {
	seq := &sequenceSub{down: sub, values: s.values}
	sub.OnSubscribe(seq)

	if len(s.values) == 0 {
		seq.mu.Lock()
		if seq.terminal {
			seq.mu.Unlock()
			return
		}
		seq.terminal = true
		down := seq.down
		seq.down = nil
		seq.mu.Unlock()
		down.OnComplete(Finished())
	}
}

// sequenceSub walks a fixed value slice against accumulated demand. The
// emitting flag keeps the drain loop from re-entering itself when the
// downstream subscriber calls Request from inside its own OnNext.
type sequenceSub struct {
	mu       sync.Mutex
	down     Subscriber
	values   []interface{}
	next     int
	pending  Demand
	emitting bool
	terminal bool
}

// Request accumulates demand and drains as much of the sequence as the
// outstanding allowance covers.
func (s *sequenceSub) Request(d Demand) {
	mustPositive(d)

	s.mu.Lock()
	if s.terminal {
		s.mu.Unlock()
		return
	}
	s.pending = s.pending.Add(d)
	if s.emitting {
		s.mu.Unlock()
		return
	}
	s.emitting = true
	s.mu.Unlock()

	s.drain()
}

// Cancel ends the sequence, idempotently.
func (s *sequenceSub) Cancel() {
	s.mu.Lock()
	s.terminal = true
	s.down = nil
	s.mu.Unlock()
}

func (s *sequenceSub) drain() {
	for {
		s.mu.Lock()
		if s.terminal {
			s.emitting = false
			s.mu.Unlock()
			return
		}
		if s.next >= len(s.values) {
			s.terminal = true
			down := s.down
			s.down = nil
			s.mu.Unlock()
			if down != nil {
				down.OnComplete(Finished())
			}
			return
		}
		if !s.pending.Positive() {
			s.emitting = false
			s.mu.Unlock()
			return
		}

		v := s.values[s.next]
		s.next++
		s.pending = s.pending.Sub(Bounded(1))
		down := s.down
		s.mu.Unlock()

		if extra := down.OnNext(v); extra.Positive() {
			s.mu.Lock()
			s.pending = s.pending.Add(extra)
			s.mu.Unlock()
		}
	}
}

type failPublisher struct {
	err error
}

// Subscribe delivers an inert subscription followed by the failure.
func (f *failPublisher) Subscribe(sub Subscriber) {
	var once AtomicBool
	sub.OnSubscribe(&inertSub{fired: &once})
	if once.FlipOn() {
		sub.OnComplete(Failure(f.err))
	}
}

// inertSub backs sources which terminate on their own before any element
// could flow. Request still enforces the positive-demand contract.
type inertSub struct {
	fired *AtomicBool
}

func (i *inertSub) Request(d Demand) {
	mustPositive(d)
}

func (i *inertSub) Cancel() {
	i.fired.FlipOn()
}
