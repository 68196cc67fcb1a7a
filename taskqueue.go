package streams

import (
	"sync"
	"sync/atomic"

	"github.com/gokit/errors"
)

// ErrPushFailed is returned when a bounded queue has reached its storage limit.
var ErrPushFailed = errors.New("failed to push into queue")

// ErrQueueEmpty is returned when the queue holds no pending items.
var ErrQueueEmpty = errors.New("queue is empty")

var nodePool = sync.Pool{New: func() interface{} {
	return new(node)
}}

// Strategy defines a int type to represent a giving strategy.
type Strategy int

// constants.
const (
	DropNew Strategy = iota
	DropOld
)

type node struct {
	value interface{}
	next  *node
	prev  *node
}

// TaskQueue defines a queue implementation safe for concurrent-use across
// go-routines, which provides the ability to push, pop and wait for items.
// It backs the QueueScheduler's ordered work list and the broker bridges'
// inbound buffers. TaskQueue uses a lock to guarantee safe concurrent use.
type TaskQueue struct {
	bm       sync.Mutex
	pushCond *sync.Cond
	head     *node
	tail     *node
	capped   int
	total    int64
	signaled bool
	strategy Strategy
}

// BoundedTaskQueue returns a new instance of a bounded task queue. Items
// will be queued till the cap is reached, after which the strategy decides
// whether the new or the oldest item is dropped.
func BoundedTaskQueue(capped int, method Strategy) *TaskQueue {
	bq := &TaskQueue{
		capped:   capped,
		strategy: method,
	}
	bq.pushCond = sync.NewCond(&bq.bm)
	return bq
}

// UnboundedTaskQueue returns a new instance of a unbounded task queue.
// Items will be queued endlessly.
func UnboundedTaskQueue() *TaskQueue {
	bq := &TaskQueue{
		capped: -1,
	}
	bq.pushCond = sync.NewCond(&bq.bm)
	return bq
}

// Signal wakes goroutines blocked in Wait even though the queue is empty.
// The wakeup is latched under the queue's own lock: a Wait entered after
// Signal returns immediately instead of blocking, so a consumer shutting
// down cannot race its waiter into a lost wakeup.
func (bq *TaskQueue) Signal() {
	bq.pushCond.L.Lock()
	bq.signaled = true
	bq.pushCond.L.Unlock()

	bq.pushCond.Broadcast()
}

// Clear resets and deletes all elements pending within the queue.
func (bq *TaskQueue) Clear() {
	bq.pushCond.L.Lock()

	if bq.isEmpty() {
		bq.pushCond.L.Unlock()
		return
	}

	bq.tail = nil
	bq.head = nil
	atomic.StoreInt64(&bq.total, 0)
	bq.pushCond.L.Unlock()

	bq.pushCond.Broadcast()
}

// Wait will block the current goroutine till there is an item pushed into
// the queue or a Signal arrives, allowing you to effectively rely on it as
// a schedule for when items need processing. A latched Signal is consumed
// by the Wait it releases.
func (bq *TaskQueue) Wait() {
	bq.pushCond.L.Lock()
	for bq.isEmpty() && !bq.signaled {
		bq.pushCond.Wait()
	}
	bq.signaled = false
	bq.pushCond.L.Unlock()
}

// Push adds the item to the back of the queue.
//
// Push can be safely called from multiple goroutines.
// Based on strategy if capped, then an item will be dropped.
func (bq *TaskQueue) Push(v interface{}) error {
	available := int(atomic.LoadInt64(&bq.total))
	if bq.capped != -1 && available >= bq.capped {
		switch bq.strategy {
		case DropNew:
			return errors.WrapOnly(ErrPushFailed)
		case DropOld:
			bq.Pop()
		}
	}

	atomic.AddInt64(&bq.total, 1)
	n := nodePool.Get().(*node)
	n.value = v

	bq.pushCond.L.Lock()
	if bq.head == nil && bq.tail == nil {
		bq.head, bq.tail = n, n
		bq.pushCond.L.Unlock()

		bq.pushCond.Broadcast()
		return nil
	}

	bq.tail.next = n
	n.prev = bq.tail
	bq.tail = n
	bq.pushCond.L.Unlock()

	bq.pushCond.Broadcast()
	return nil
}

// Pop removes the item from the front of the queue.
//
// Pop can be safely called from multiple goroutines.
func (bq *TaskQueue) Pop() (interface{}, error) {
	bq.pushCond.L.Lock()
	head := bq.head
	if head != nil {
		atomic.AddInt64(&bq.total, -1)

		v := head.value

		bq.head = head.next
		if bq.tail == head {
			bq.tail = bq.head
		}

		head.next = nil
		head.prev = nil
		head.value = nil
		bq.pushCond.L.Unlock()

		nodePool.Put(head)

		return v, nil
	}
	bq.pushCond.L.Unlock()

	return nil, errors.WrapOnly(ErrQueueEmpty)
}

// Cap returns the current cap of items.
func (bq *TaskQueue) Cap() int {
	return bq.capped
}

// Total returns the total of items in the queue.
func (bq *TaskQueue) Total() int {
	return int(atomic.LoadInt64(&bq.total))
}

// IsEmpty returns true/false if the queue is empty.
func (bq *TaskQueue) IsEmpty() bool {
	var empty bool
	bq.pushCond.L.Lock()
	empty = bq.isEmpty()
	bq.pushCond.L.Unlock()
	return empty
}

func (bq *TaskQueue) isEmpty() bool {
	return bq.head == nil && bq.tail == nil
}
