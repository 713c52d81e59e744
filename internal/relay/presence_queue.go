package relay

import "sync"

type presenceEvent struct {
	userID string
	online bool
}

// presenceQueue 是无界的 FIFO，入队从不阻塞，因此可以在投递路径中重入调用。
// 单个消费者按入队顺序处理，同一用户的上下线事件不会乱序。
type presenceQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	events []presenceEvent
	busy   bool
	closed bool
}

func newPresenceQueue() *presenceQueue {
	q := &presenceQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// push 在队列关闭后返回 false。
func (q *presenceQueue) push(ev presenceEvent) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.events = append(q.events, ev)
	q.cond.Broadcast()
	return true
}

// run 逐个处理事件，队列关闭且排空后返回。
func (q *presenceQueue) run(handle func(presenceEvent)) {
	for {
		q.mu.Lock()
		for len(q.events) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.events) == 0 {
			q.mu.Unlock()
			return
		}
		ev := q.events[0]
		q.events = q.events[1:]
		q.busy = true
		q.mu.Unlock()

		handle(ev)

		q.mu.Lock()
		q.busy = false
		q.cond.Broadcast()
		q.mu.Unlock()
	}
}

// waitIdle 阻塞到队列为空且没有正在处理的事件。
func (q *presenceQueue) waitIdle() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.events) > 0 || q.busy {
		q.cond.Wait()
	}
}

func (q *presenceQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}
