package streams

import (
	"sync"

	"github.com/gokit/xid"
)

//***************************************************************************
// Share
//***************************************************************************

// Share returns a publisher multiplexing one upstream activation of source
// across every subscriber attached to it. The first subscriber establishes
// the connection, each further one joins it, and the upstream subscription
// is cancelled exactly when the last subscriber cancels, never before and
// never twice. Once the shared upstream terminates the connection
// dissolves, a later subscriber starts a fresh one.
func Share(source Publisher) Publisher {
	return &sharePublisher{source: source}
}

type sharePublisher struct {
	source Publisher

	mu   sync.Mutex
	conn *sharedConn
}

// Subscribe joins the live shared connection, creating it when none is
// live. The slot subscription reaches sub before the upstream connect, so
// demand issued right away is buffered until upstream attaches.
func (p *sharePublisher) Subscribe(sub Subscriber) {
	for {
		p.mu.Lock()
		conn := p.conn
		fresh := false
		if conn == nil {
			conn = newSharedConn(p)
			p.conn = conn
			fresh = true
		}
		slot, ok := conn.addSlot(sub)
		if !ok {
			// the connection terminated under us, start over fresh.
			p.conn = nil
			p.mu.Unlock()
			continue
		}
		p.mu.Unlock()

		sub.OnSubscribe(slot)
		if fresh {
			p.source.Subscribe(conn)
		}
		return
	}
}

func (p *sharePublisher) clear(c *sharedConn) {
	p.mu.Lock()
	if p.conn == c {
		p.conn = nil
	}
	p.mu.Unlock()
}

// sharedConn is the single subscriber the shared upstream sees. It fans
// every element out to all live slots and sums their granted demand,
// saturating, before handing it back upstream.
type sharedConn struct {
	id    xid.ID
	owner *sharePublisher
	logs  Logs

	delivered AtomicCounter

	mu      sync.Mutex
	up      Subscription
	slots   []*shareSlot
	pending Demand
	done    bool
}

func newSharedConn(owner *sharePublisher) *sharedConn {
	return &sharedConn{id: xid.New(), owner: owner, logs: defaultLogs}
}

// OnSubscribe takes the shared upstream subscription and flushes the
// demand slots accumulated while connecting.
func (c *sharedConn) OnSubscribe(s Subscription) {
	c.mu.Lock()
	if c.done || c.up != nil {
		c.mu.Unlock()
		s.Cancel()
		return
	}
	c.up = s
	buffered := c.pending
	c.pending = None()
	c.mu.Unlock()

	events.Publish(SubscriptionEstablished{ID: c.id.String()})
	if buffered.Positive() {
		s.Request(buffered)
	}
}

// OnNext fans the element out to every live slot.
func (c *sharedConn) OnNext(v interface{}) Demand {
	c.delivered.Inc()

	c.mu.Lock()
	slots := append([]*shareSlot(nil), c.slots...)
	c.mu.Unlock()

	total := None()
	for _, sl := range slots {
		total = total.Add(sl.deliver(v))
	}
	return total
}

// OnComplete dissolves the connection and fans the terminal event out to
// every slot still attached.
func (c *sharedConn) OnComplete(cm Completion) {
	c.mu.Lock()
	if c.done {
		c.mu.Unlock()
		return
	}
	c.done = true
	c.up = nil
	slots := c.slots
	c.slots = nil
	c.mu.Unlock()

	c.owner.clear(c)
	for _, sl := range slots {
		sl.complete(cm)
	}

	c.logs.Emit(DEBUG, LogMsg("shared upstream terminated").String("conn", c.id.String()).Int64("delivered", c.delivered.Get()).Write())
	events.Publish(StreamCompleted{ID: c.id.String(), Err: cm.Err()})
}

// addSlot registers one more subscriber on the connection, reporting false
// once the connection already terminated.
func (c *sharedConn) addSlot(sub Subscriber) (*shareSlot, bool) {
	c.mu.Lock()
	if c.done {
		c.mu.Unlock()
		return nil, false
	}
	sl := &shareSlot{conn: c, down: sub}
	c.slots = append(c.slots, sl)
	c.mu.Unlock()
	return sl, true
}

// release drops a cancelled slot. The last slot out tears the upstream
// connection down, exactly once.
func (c *sharedConn) release(sl *shareSlot) {
	c.mu.Lock()
	if c.done {
		c.mu.Unlock()
		return
	}

	idx := -1
	for i, s := range c.slots {
		if s == sl {
			idx = i
			break
		}
	}
	if idx < 0 {
		c.mu.Unlock()
		return
	}
	c.slots = append(c.slots[:idx], c.slots[idx+1:]...)

	if len(c.slots) > 0 {
		c.mu.Unlock()
		return
	}

	c.done = true
	up := c.up
	c.up = nil
	c.mu.Unlock()

	c.owner.clear(c)
	if up != nil {
		up.Cancel()
	}

	c.logs.Emit(DEBUG, LogMsg("shared connection torn down").String("conn", c.id.String()).Int64("delivered", c.delivered.Get()).Write())
	events.Publish(ConnectionTorndown{ID: c.id.String()})
}

// request forwards slot demand upstream, buffering it while the upstream
// subscription has not arrived yet.
func (c *sharedConn) request(d Demand) {
	c.mu.Lock()
	if c.done {
		c.mu.Unlock()
		return
	}
	up := c.up
	if up == nil {
		c.pending = c.pending.Add(d)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	up.Request(d)
}

// shareSlot is the per-subscriber subscription on a shared connection.
type shareSlot struct {
	conn *sharedConn

	mu   sync.Mutex
	down Subscriber
	done bool
}

// Request forwards the slot's demand into the shared connection.
func (s *shareSlot) Request(d Demand) {
	mustPositive(d)
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.conn.request(d)
}

// Cancel detaches the slot from the connection, idempotently. The
// connection decides whether this was the teardown trigger.
func (s *shareSlot) Cancel() {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}
	s.done = true
	s.down = nil
	s.mu.Unlock()
	s.conn.release(s)
}

func (s *shareSlot) deliver(v interface{}) Demand {
	s.mu.Lock()
	d := s.down
	s.mu.Unlock()
	if d == nil {
		return None()
	}
	return d.OnNext(v)
}

func (s *shareSlot) complete(c Completion) {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}
	s.done = true
	d := s.down
	s.down = nil
	s.mu.Unlock()
	if d != nil {
		d.OnComplete(c)
	}
}
