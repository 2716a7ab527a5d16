package cdpcontrol

import "sync"

// eventQueue runs callbacks on one goroutine in push order. It is unbounded
// so the socket read loop never waits on a sink that is itself waiting for a
// command response.
type eventQueue struct {
	mu    sync.Mutex
	items []func()
	wake  chan struct{}
	done  chan struct{}
	wg    sync.WaitGroup
	once  sync.Once
}

func newEventQueue() *eventQueue {
	q := &eventQueue{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	q.wg.Add(1)
	go q.run()
	return q
}

func (q *eventQueue) push(fn func()) {
	q.mu.Lock()
	q.items = append(q.items, fn)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *eventQueue) run() {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		items := q.items
		q.items = nil
		q.mu.Unlock()

		for _, fn := range items {
			fn()
		}
		if len(items) > 0 {
			continue
		}

		select {
		case <-q.wake:
		case <-q.done:
			return
		}
	}
}

// stop waits for the pump to exit. Callbacks still queued are dropped.
func (q *eventQueue) stop() {
	q.once.Do(func() { close(q.done) })
	q.wg.Wait()
}
