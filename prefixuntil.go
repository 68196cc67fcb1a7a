package streams

//***************************************************************************
// PrefixUntil
//***************************************************************************

// PrefixUntil returns a publisher forwarding every element of source until
// signal produces its first element, at which point source is cancelled
// exactly once and the stream completes. The trigger may fire before
// source has even attached; the stage remembers it and terminates the
// primary the moment it does. A signal that completes without ever
// emitting leaves the primary flowing untouched; a signal failure is
// forwarded downstream after cancelling the primary.
func PrefixUntil(source Publisher, signal Publisher) Publisher {
	return &prefixUntilPublisher{source: source, signal: signal}
}

type prefixUntilPublisher struct {
	source Publisher
	signal Publisher
}

// Subscribe wires the signal watcher before the primary source, a trigger
// must never be missed for arriving early.
func (p *prefixUntilPublisher) Subscribe(sub Subscriber) {
	relay := &prefixUntilRelay{relayCore: newRelayCore(sub)}
	relay.signal = &signalWatcher{parent: relay}
	p.signal.Subscribe(relay.signal)
	p.source.Subscribe(relay)
}

type prefixUntilRelay struct {
	relayCore
	signal *signalWatcher
	gate   preemptGate
}

// OnSubscribe accepts the primary upstream. A trigger remembered from
// before the attach terminates the primary immediately after the
// subscription is delivered.
func (p *prefixUntilRelay) OnSubscribe(s Subscription) {
	if !p.attach(s) {
		s.Cancel()
		return
	}
	p.deliverSubscription(p)
	if c, ok := p.gate.take(); ok {
		p.finish(c, true)
	}
}

// OnNext passes primary elements through unchanged while no trigger fired.
func (p *prefixUntilRelay) OnNext(v interface{}) Demand {
	extra, ok := p.deliver(v)
	if !ok {
		return None()
	}
	return extra
}

// OnComplete forwards the primary terminal downstream and releases the
// signal side.
func (p *prefixUntilRelay) OnComplete(c Completion) {
	p.finish(c, false)
}

// Request forwards downstream demand to the primary upstream unchanged.
func (p *prefixUntilRelay) Request(d Demand) {
	mustPositive(d)
	p.requestUpstream(d)
}

// Cancel ends both sides, idempotently.
func (p *prefixUntilRelay) Cancel() {
	if p.cancel() {
		p.signal.cancelOnce()
	}
}

func (p *prefixUntilRelay) signalFired() {
	p.settle(Finished())
}

func (p *prefixUntilRelay) signalCompleted(c Completion) {
	if !c.IsFailure() {
		// a signal that never fires does not end the prefix.
		return
	}
	p.settle(c)
}

func (p *prefixUntilRelay) settle(c Completion) {
	if !p.isAttached() {
		p.gate.stash(c)
		if !p.isAttached() {
			return
		}
		var ok bool
		if c, ok = p.gate.take(); !ok {
			return
		}
	}
	p.finish(c, true)
}

func (p *prefixUntilRelay) finish(c Completion, cancelUp bool) {
	if p.complete(c, cancelUp) {
		p.signal.cancelOnce()
	}
}
