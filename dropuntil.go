package streams

import (
	"sync"
)

//***************************************************************************
// Signal watcher
//***************************************************************************

// signalParent is the face a dual-upstream relay shows to the watcher of
// its secondary source.
type signalParent interface {
	signalFired()
	signalCompleted(Completion)
}

// signalWatcher subscribes to the secondary source of a dual-upstream
// stage, requests exactly one element eagerly and reports the first
// element or the terminal event to its parent. Its subscription is
// released exactly once, whichever side gets there first.
type signalWatcher struct {
	parent signalParent

	mu   sync.Mutex
	sub  Subscription
	done bool
}

// OnSubscribe takes the secondary subscription and immediately asks for
// the single element the stage cares about.
func (w *signalWatcher) OnSubscribe(s Subscription) {
	w.mu.Lock()
	if w.done {
		w.mu.Unlock()
		s.Cancel()
		return
	}
	w.sub = s
	w.mu.Unlock()
	s.Request(Bounded(1))
}

// OnNext treats the first element as the trigger: the secondary
// subscription is released before the parent reacts, so the cancel count
// stays at exactly one no matter what the parent does next.
func (w *signalWatcher) OnNext(interface{}) Demand {
	w.cancelOnce()
	w.parent.signalFired()
	return None()
}

// OnComplete reports a secondary terminal the parent has not already been
// told about. After the trigger fired the secondary is done and silent.
func (w *signalWatcher) OnComplete(c Completion) {
	w.mu.Lock()
	if w.done {
		w.mu.Unlock()
		return
	}
	w.done = true
	w.sub = nil
	w.mu.Unlock()

	w.parent.signalCompleted(c)
}

// cancelOnce releases the secondary subscription exactly once.
func (w *signalWatcher) cancelOnce() {
	w.mu.Lock()
	if w.done {
		w.mu.Unlock()
		return
	}
	w.done = true
	sub := w.sub
	w.sub = nil
	w.mu.Unlock()

	if sub != nil {
		sub.Cancel()
	}
}

//***************************************************************************
// Preempt gate
//***************************************************************************

// preemptGate holds a terminal outcome decided by the secondary source
// before the primary upstream has even attached. Whoever observes both
// sides ready takes the outcome exactly once.
type preemptGate struct {
	mu      sync.Mutex
	pending *Completion
}

func (g *preemptGate) stash(c Completion) {
	g.mu.Lock()
	if g.pending == nil {
		g.pending = &c
	}
	g.mu.Unlock()
}

func (g *preemptGate) take() (Completion, bool) {
	g.mu.Lock()
	c := g.pending
	g.pending = nil
	g.mu.Unlock()
	if c == nil {
		return Completion{}, false
	}
	return *c, true
}

//***************************************************************************
// DropUntil
//***************************************************************************

// DropUntil returns a publisher dropping every element of source until
// signal produces its first element, after which elements pass through
// unchanged. Dropped elements re-request the demand they consumed, so
// downstream still receives as many elements as it asked for. If signal
// completes without ever emitting, source is cancelled and the stream
// completes empty. A failure on either side cancels the other side first
// and is forwarded downstream.
func DropUntil(source Publisher, signal Publisher) Publisher {
	return &dropUntilPublisher{source: source, signal: signal}
}

type dropUntilPublisher struct {
	source Publisher
	signal Publisher
}

// Subscribe wires the signal watcher before the primary source, the gate
// must exist by the time primary elements can arrive.
func (p *dropUntilPublisher) Subscribe(sub Subscriber) {
	relay := &dropUntilRelay{relayCore: newRelayCore(sub)}
	relay.signal = &signalWatcher{parent: relay}
	p.signal.Subscribe(relay.signal)
	p.source.Subscribe(relay)
}

type dropUntilRelay struct {
	relayCore
	signal *signalWatcher
	gate   preemptGate
	open   AtomicBool
}

// OnSubscribe accepts the primary upstream. A terminal outcome the signal
// side decided earlier is delivered right after the subscription.
func (d *dropUntilRelay) OnSubscribe(s Subscription) {
	if !d.attach(s) {
		s.Cancel()
		return
	}
	d.deliverSubscription(d)
	if c, ok := d.gate.take(); ok {
		d.finish(c, true)
	}
}

// OnNext drops elements while the gate is shut, re-requesting the demand
// they consumed, and passes them through once the signal has fired.
func (d *dropUntilRelay) OnNext(v interface{}) Demand {
	if !d.open.IsTrue() {
		return Bounded(1)
	}
	extra, ok := d.deliver(v)
	if !ok {
		return None()
	}
	return extra
}

// OnComplete forwards the primary terminal downstream and releases the
// signal side.
func (d *dropUntilRelay) OnComplete(c Completion) {
	d.finish(c, false)
}

// Request forwards downstream demand to the primary upstream unchanged.
func (d *dropUntilRelay) Request(dm Demand) {
	mustPositive(dm)
	d.requestUpstream(dm)
}

// Cancel ends both sides, idempotently.
func (d *dropUntilRelay) Cancel() {
	if d.cancel() {
		d.signal.cancelOnce()
	}
}

func (d *dropUntilRelay) signalFired() {
	d.open.On()
}

func (d *dropUntilRelay) signalCompleted(c Completion) {
	if !c.IsFailure() && d.open.IsTrue() {
		return
	}

	if !d.isAttached() {
		d.gate.stash(c)
		if !d.isAttached() {
			return
		}
		// primary attached while stashing, settle whichever race we won.
		var ok bool
		if c, ok = d.gate.take(); !ok {
			return
		}
	}
	d.finish(c, true)
}

func (d *dropUntilRelay) finish(c Completion, cancelUp bool) {
	if d.complete(c, cancelUp) {
		d.signal.cancelOnce()
	}
}
