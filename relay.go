package streams

import (
	"sync"

	"github.com/gokit/xid"
)

//***************************************************************************
// Relay state machine
//***************************************************************************

// relayState tracks where a relay sits in its subscription lifecycle.
type relayState int32

// possible lifecycle states of a relay.
const (
	stateAwaiting relayState = iota
	stateSubscribed
	statePendingTerminal
	stateTerminal
)

// relayCore carries the bookkeeping every operator relay is built on: the
// upstream subscription handle, the downstream subscriber reference and the
// lifecycle state, all guarded by a single non-reentrant mutex.
//
// A second mutex serializes element and terminal deliveries only. No
// outward call is ever made while the bookkeeping mutex is held, because a
// downstream subscriber is free to re-enter the relay synchronously from
// inside its own OnNext (calling Request or Cancel). The emit mutex
// guarantees two concurrently arriving events are delivered downstream one
// after the other in a deterministic order. It is never held across
// OnSubscribe: a subscriber commonly issues its first demand in there, and
// a synchronous upstream drains that demand straight back through OnNext
// on the same goroutine.
//
// No two relay instances ever share a lock; relays coordinate only through
// the subscriber/subscription contract.
type relayCore struct {
	id   xid.ID
	logs Logs

	mu    sync.Mutex
	state relayState
	up    Subscription
	down  Subscriber

	emit sync.Mutex
}

func newRelayCore(down Subscriber) relayCore {
	return relayCore{
		id:   xid.New(),
		logs: defaultLogs,
		down: down,
	}
}

// ID returns the unique id of giving relay.
func (r *relayCore) ID() string {
	return r.id.String()
}

// attach moves the relay from awaiting into subscribed, taking ownership of
// the upstream handle. It reports false if the relay already holds an
// upstream or has reached a terminal state; the caller must then cancel the
// newly offered subscription instead of replacing state, which protects
// against misbehaving producers that subscribe twice.
func (r *relayCore) attach(up Subscription) bool {
	r.mu.Lock()
	if r.state != stateAwaiting {
		r.mu.Unlock()
		r.logs.Emit(WARN, LogMsg("duplicate upstream subscription rejected").String("relay", r.id.String()).Write())
		return false
	}
	r.state = stateSubscribed
	r.up = up
	r.mu.Unlock()

	events.Publish(SubscriptionEstablished{ID: r.id.String()})
	return true
}

// pend records that the final answer of the stage is known but the
// terminal event has not yet been delivered downstream, so a cancellation
// arriving inside that window stays observably safe. The upstream handle
// is handed back for release: stages that settled early cancel it, stages
// reacting to upstream completion drop it.
func (r *relayCore) pend() (Subscription, bool) {
	r.mu.Lock()
	if r.state != stateSubscribed {
		r.mu.Unlock()
		return nil, false
	}
	up := r.up
	r.state = statePendingTerminal
	r.up = nil
	r.mu.Unlock()
	return up, true
}

// terminate performs the single allowed transition into the terminal state,
// handing back the upstream handle for release. Every later call reports
// false, which is what makes duplicate cancels and late terminal events
// safe no-ops.
func (r *relayCore) terminate() (Subscription, bool) {
	r.mu.Lock()
	if r.state == stateTerminal {
		r.mu.Unlock()
		return nil, false
	}
	up := r.up
	r.state = stateTerminal
	r.up = nil
	r.mu.Unlock()
	return up, true
}

// isAttached reports whether the relay has moved past the awaiting state.
func (r *relayCore) isAttached() bool {
	r.mu.Lock()
	a := r.state != stateAwaiting
	r.mu.Unlock()
	return a
}

// terminal reports whether the relay has reached its final state.
func (r *relayCore) terminal() bool {
	r.mu.Lock()
	t := r.state == stateTerminal
	r.mu.Unlock()
	return t
}

// downstream returns the downstream reference, nil once released.
func (r *relayCore) downstream() Subscriber {
	r.mu.Lock()
	d := r.down
	r.mu.Unlock()
	return d
}

// releaseDown drops the downstream reference, breaking the relay/consumer
// cycle, and hands it back one last time so a terminal event can still be
// delivered by the caller that performed the release.
func (r *relayCore) releaseDown() Subscriber {
	r.mu.Lock()
	d := r.down
	r.down = nil
	r.mu.Unlock()
	return d
}

// deliverSubscription hands s downstream as the subscription for this
// relay. The emit mutex is deliberately not taken here: subscription
// delivery is already ordered before any element by the attach transition
// (upstream only emits against demand, and demand is first signaled from
// inside OnSubscribe), while holding emit would deadlock the moment the
// subscriber's initial Request drains a synchronous upstream back into
// deliver on this same goroutine.
func (r *relayCore) deliverSubscription(s Subscription) {
	if d := r.downstream(); d != nil {
		d.OnSubscribe(s)
	}
}

// deliver forwards v downstream and returns the additional demand the
// subscriber granted. Once the relay is terminal the downstream reference
// is gone, nothing is delivered and false is returned; a delivery already
// in flight on another goroutine is allowed to finish, but no new one
// starts.
func (r *relayCore) deliver(v interface{}) (Demand, bool) {
	// checked outside emit so an event racing a terminal delivery drops
	// out without queueing behind the in-flight OnComplete.
	if r.downstream() == nil {
		return None(), false
	}

	r.emit.Lock()
	d := r.downstream()
	if d == nil {
		r.emit.Unlock()
		return None(), false
	}
	extra := d.OnNext(v)
	r.emit.Unlock()
	return extra, true
}

// complete performs at-most-once terminal delivery downstream. When
// cancelUp is true the upstream subscription is cancelled first, used by
// stages that finish early while upstream is still live.
func (r *relayCore) complete(c Completion, cancelUp bool) bool {
	up, first := r.terminate()
	if !first {
		return false
	}
	if cancelUp && up != nil {
		up.Cancel()
	}

	if d := r.releaseDown(); d != nil {
		r.emit.Lock()
		d.OnComplete(c)
		r.emit.Unlock()
	}

	events.Publish(StreamCompleted{ID: r.id.String(), Err: c.Err()})
	return true
}

// cancel ends the stream from downstream. The downstream reference is
// released before upstream is cancelled, so once cancel returns no new
// delivery can begin even if an upstream event races in on another
// goroutine.
func (r *relayCore) cancel() bool {
	up, first := r.terminate()
	if !first {
		return false
	}
	r.releaseDown()
	if up != nil {
		up.Cancel()
	}

	events.Publish(SubscriptionCanceled{ID: r.id.String()})
	return true
}

// requestUpstream forwards demand to the upstream subscription if the
// relay still holds one. Zero demand is skipped, a subscriber is allowed
// to grant nothing from OnNext.
func (r *relayCore) requestUpstream(d Demand) {
	if !d.Positive() {
		return
	}
	r.mu.Lock()
	up := r.up
	r.mu.Unlock()
	if up != nil {
		up.Request(d)
	}
}

//***************************************************************************
// Verdict
//***************************************************************************

type verdictKind int

const (
	verdictContinue verdictKind = iota
	verdictFinish
	verdictFail
)

// Verdict tells a relay what to do after a stage inspected an element:
// keep consuming upstream, stop and complete downstream, or stop and fail
// downstream.
type Verdict struct {
	kind verdictKind
	err  error
}

// Continue keeps the stage consuming upstream elements.
func Continue() Verdict {
	return Verdict{kind: verdictContinue}
}

// Finish stops consuming upstream and completes the stream downstream.
func Finish() Verdict {
	return Verdict{kind: verdictFinish}
}

// Fail stops consuming upstream and fails the stream downstream with err.
func Fail(err error) Verdict {
	return Verdict{kind: verdictFail, err: err}
}

//***************************************************************************
// Transform
//***************************************************************************

// Operator is the stage-specific hook a Transform relay applies to every
// element crossing it.
type Operator interface {
	// Apply transforms v into the value forwarded downstream. Returning
	// false for keep drops the element without forwarding it; the relay
	// then requests a replacement upstream so downstream demand is still
	// honored. The verdict decides whether the stage keeps consuming.
	Apply(v interface{}) (out interface{}, keep bool, verdict Verdict)
}

// OperatorFunc adapts a plain function into an Operator.
type OperatorFunc func(interface{}) (interface{}, bool, Verdict)

// Apply calls the wrapped function.
func (f OperatorFunc) Apply(v interface{}) (interface{}, bool, Verdict) {
	return f(v)
}

// Transform returns a publisher applying op to every element flowing from
// source. It is the generic relay stage: demand passes through unchanged,
// cancellation flows upstream, terminal events flow downstream exactly
// once.
func Transform(source Publisher, op Operator) Publisher {
	return &transformPublisher{source: source, op: op}
}

// Map returns a publisher forwarding fn(v) for every element of source.
func Map(source Publisher, fn func(interface{}) interface{}) Publisher {
	return Transform(source, OperatorFunc(func(v interface{}) (interface{}, bool, Verdict) {
		return fn(v), true, Continue()
	}))
}

// Filter returns a publisher forwarding only the elements of source that
// satisfy pred.
func Filter(source Publisher, pred func(interface{}) bool) Publisher {
	return Transform(source, OperatorFunc(func(v interface{}) (interface{}, bool, Verdict) {
		return v, pred(v), Continue()
	}))
}

type transformPublisher struct {
	source Publisher
	op     Operator
}

// Subscribe attaches sub through a fresh transform relay.
func (t *transformPublisher) Subscribe(sub Subscriber) {
	relay := &transformRelay{relayCore: newRelayCore(sub), op: t.op}
	t.source.Subscribe(relay)
}

// transformRelay is simultaneously a subscriber to its upstream and the
// subscription handed to its downstream.
type transformRelay struct {
	relayCore
	op Operator
}

// OnSubscribe accepts the upstream subscription and hands the relay itself
// downstream as subscription.
func (t *transformRelay) OnSubscribe(s Subscription) {
	if !t.attach(s) {
		s.Cancel()
		return
	}
	t.deliverSubscription(t)
}

// OnNext applies the stage operator and forwards the result downstream,
// returning downstream's additional demand to upstream unchanged.
func (t *transformRelay) OnNext(v interface{}) Demand {
	out, keep, verdict := t.op.Apply(v)
	switch verdict.kind {
	case verdictFinish:
		t.complete(Finished(), true)
		return None()
	case verdictFail:
		t.complete(Failure(verdict.err), true)
		return None()
	}

	if !keep {
		// the dropped element consumed one unit of downstream demand,
		// ask upstream for a replacement.
		return Bounded(1)
	}

	extra, ok := t.deliver(out)
	if !ok {
		return None()
	}
	return extra
}

// OnComplete forwards the upstream terminal event downstream.
func (t *transformRelay) OnComplete(c Completion) {
	t.complete(c, false)
}

// Request forwards downstream demand to upstream unchanged.
func (t *transformRelay) Request(d Demand) {
	mustPositive(d)
	t.requestUpstream(d)
}

// Cancel ends the stream, idempotently.
func (t *transformRelay) Cancel() {
	t.cancel()
}
