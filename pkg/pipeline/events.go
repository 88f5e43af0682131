package pipeline

import "sync"

// maxBacklog is how many undelivered events may queue before consecutive
// progress events for the same stage are merged.
const maxBacklog = 1024

type queued struct {
	ev       ProgressEvent
	progress bool
}

// eventQueue decouples the run from its consumer: push never blocks, and a
// single pump goroutine delivers events in order, numbering them as they
// leave so sequence numbers are contiguous and strictly increasing.
type eventQueue struct {
	mu      sync.Mutex
	pending []queued
	closed  bool
	wake    chan struct{}
	out     chan ProgressEvent
}

func newEventQueue() *eventQueue {
	q := &eventQueue{
		wake: make(chan struct{}, 1),
		out:  make(chan ProgressEvent),
	}
	go q.pump()
	return q
}

func (q *eventQueue) push(ev ProgressEvent, progress bool) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	n := len(q.pending)
	if progress && n >= maxBacklog && q.pending[n-1].progress && q.pending[n-1].ev.Stage == ev.Stage {
		q.pending[n-1].ev = ev
	} else {
		q.pending = append(q.pending, queued{ev: ev, progress: progress})
	}
	q.mu.Unlock()
	q.signal()
}

// close stops accepting events; the output channel closes once everything
// already pushed has been delivered.
func (q *eventQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
}

func (q *eventQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *eventQueue) pump() {
	var seq uint64
	for range q.wake {
		for {
			q.mu.Lock()
			batch := q.pending
			q.pending = nil
			closed := q.closed
			q.mu.Unlock()

			if len(batch) == 0 {
				if closed {
					close(q.out)
					return
				}
				break
			}
			for _, item := range batch {
				seq++
				item.ev.Seq = seq
				q.out <- item.ev
			}
		}
	}
}
