package streams

import (
	"sync"
)

//***************************************************************************
// Reduce
//***************************************************************************

// Reducer folds the next upstream element into the accumulator. The
// verdict lets a reducer short-circuit once the final answer is already
// known, stopping upstream consumption early.
type Reducer func(acc interface{}, v interface{}) (interface{}, Verdict)

// Reduce returns a publisher accumulating every element of source into one
// result through fold, emitted as a single value followed by completion.
//
// The stage requests unbounded demand upstream on attach, it must exhaust
// the source before the answer exists. The result is released only once
// downstream has issued demand of at least one; if upstream finishes
// first, the result is buffered and released lazily on the first Request.
// An upstream failure propagates immediately, failures wait for nothing.
func Reduce(source Publisher, seed interface{}, fold Reducer) Publisher {
	return &reducePublisher{source: source, seed: seed, fold: fold}
}

// Count returns a publisher emitting the total number of elements source
// produced, as an int64.
func Count(source Publisher) Publisher {
	return Reduce(source, int64(0), func(acc interface{}, _ interface{}) (interface{}, Verdict) {
		return acc.(int64) + 1, Continue()
	})
}

// Collect returns a publisher emitting every element of source gathered
// into a single []interface{} slice.
func Collect(source Publisher) Publisher {
	return Reduce(source, []interface{}(nil), func(acc interface{}, v interface{}) (interface{}, Verdict) {
		return append(acc.([]interface{}), v), Continue()
	})
}

// AllSatisfy returns a publisher emitting a single bool reporting whether
// every element of source satisfies pred. It short-circuits on the first
// falsifying element, cancelling upstream without consuming the rest.
func AllSatisfy(source Publisher, pred func(v interface{}) bool) Publisher {
	return Reduce(source, true, func(_ interface{}, v interface{}) (interface{}, Verdict) {
		if !pred(v) {
			return false, Finish()
		}
		return true, Continue()
	})
}

type reducePublisher struct {
	source Publisher
	seed   interface{}
	fold   Reducer
}

// Subscribe attaches sub through a fresh reduce relay.
func (p *reducePublisher) Subscribe(sub Subscriber) {
	relay := &reduceRelay{relayCore: newRelayCore(sub), fold: p.fold, acc: p.seed}
	p.source.Subscribe(relay)
}

// reduceRelay gates the accumulated result on the first positive
// downstream demand. The accumulator and gate flags live under their own
// mutex, they are touched from upstream delivery and downstream Request
// concurrently.
type reduceRelay struct {
	relayCore
	fold Reducer

	am      sync.Mutex
	acc     interface{}
	ready   bool
	wanted  bool
	emitted bool
}

// OnSubscribe accepts upstream, hands the relay downstream and immediately
// asks upstream for everything it has.
func (r *reduceRelay) OnSubscribe(s Subscription) {
	if !r.attach(s) {
		s.Cancel()
		return
	}
	r.deliverSubscription(r)
	r.requestUpstream(Unbounded)
}

// OnNext folds the element into the accumulator. A Finish verdict settles
// the stage early, a Fail verdict tears it down.
func (r *reduceRelay) OnNext(v interface{}) Demand {
	r.am.Lock()
	if r.ready || r.emitted {
		r.am.Unlock()
		return None()
	}
	acc, verdict := r.fold(r.acc, v)
	r.acc = acc
	r.am.Unlock()

	switch verdict.kind {
	case verdictFail:
		r.complete(Failure(verdict.err), true)
	case verdictFinish:
		r.settle(true)
	}
	return None()
}

// OnComplete settles the stage on ordinary completion. Failures are
// forwarded downstream immediately without waiting for demand.
func (r *reduceRelay) OnComplete(c Completion) {
	if c.IsFailure() {
		r.complete(c, false)
		return
	}
	r.settle(false)
}

// Request records that downstream wants the result and releases it if the
// answer is already in.
func (r *reduceRelay) Request(d Demand) {
	mustPositive(d)

	r.am.Lock()
	r.wanted = true
	fire := r.ready && !r.emitted
	if fire {
		r.emitted = true
	}
	r.am.Unlock()

	if fire {
		r.emitResult()
	}
}

// Cancel ends the stream, idempotently.
func (r *reduceRelay) Cancel() {
	r.cancel()
}

// settle marks the final answer as known. When the stage settled before
// upstream finished the upstream subscription is cancelled exactly once.
func (r *reduceRelay) settle(early bool) {
	up, ok := r.pend()
	if !ok {
		return
	}
	if early && up != nil {
		up.Cancel()
	}

	r.am.Lock()
	r.ready = true
	fire := r.wanted && !r.emitted
	if fire {
		r.emitted = true
	}
	r.am.Unlock()

	if fire {
		r.emitResult()
	}
}

func (r *reduceRelay) emitResult() {
	r.am.Lock()
	acc := r.acc
	r.am.Unlock()

	if _, ok := r.deliver(acc); !ok {
		return
	}
	r.complete(Finished(), false)
}
