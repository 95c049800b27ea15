package pipeline

// dropQueue is a bounded FIFO whose push never blocks: when the queue is full
// the oldest element is discarded to make room. It backs both the hand-off
// channel and every session outbox.
//
// push must only be called from one goroutine at a time. Any number of
// goroutines may receive from ch.
type dropQueue[T any] struct {
	ch chan T
}

func newDropQueue[T any](capacity int) *dropQueue[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &dropQueue[T]{ch: make(chan T, capacity)}
}

// push enqueues v and returns how many queued elements were discarded to make
// room for it.
func (q *dropQueue[T]) push(v T) (dropped int) {
	for {
		select {
		case q.ch <- v:
			return dropped
		default:
		}
		// Full. A concurrent receive may empty a slot between the two selects,
		// in which case nothing is discarded and the send is retried.
		select {
		case <-q.ch:
			dropped++
		default:
		}
	}
}

// close signals the receiver that no more elements will follow. Only the
// single pusher may call it, after its final push.
func (q *dropQueue[T]) close() {
	close(q.ch)
}

func (q *dropQueue[T]) len() int { return len(q.ch) }
