package pipeline

import "github.com/telemyapp/aegis-play/internal/h264"

// frameQueue is the bounded handoff between capture and the network writer.
// When it is full the oldest queued frame is discarded so capture never
// waits on the network.
type frameQueue struct {
	ch chan h264.Frame
}

func newFrameQueue(size int) *frameQueue {
	if size < 1 {
		size = 1
	}
	return &frameQueue{ch: make(chan h264.Frame, size)}
}

// offer enqueues f and returns how many older frames were evicted. It is
// meant for a single producer.
func (q *frameQueue) offer(f h264.Frame) (evicted int) {
	for {
		select {
		case q.ch <- f:
			return evicted
		default:
		}
		select {
		case <-q.ch:
			evicted++
		default:
		}
	}
}

// drain empties the queue and returns the number of frames discarded.
func (q *frameQueue) drain() int {
	n := 0
	for {
		select {
		case <-q.ch:
			n++
		default:
			return n
		}
	}
}
