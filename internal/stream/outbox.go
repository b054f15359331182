package stream

import "sync"

// outbox delivers results to a Sink from a single goroutine, in the order they
// were pushed. Pushes never block on the sink.
type outbox struct {
	sink Sink

	mu      sync.Mutex
	pending []Result

	signal  chan struct{}
	done    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

func newOutbox(sink Sink) *outbox {
	o := &outbox{
		sink:    sink,
		signal:  make(chan struct{}, 1),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go o.run()
	return o
}

func (o *outbox) push(r Result) {
	o.mu.Lock()
	o.pending = append(o.pending, r)
	o.mu.Unlock()
	select {
	case o.signal <- struct{}{}:
	default:
	}
}

func (o *outbox) run() {
	defer close(o.stopped)
	for {
		select {
		case <-o.done:
			return
		case <-o.signal:
		}
		for {
			o.mu.Lock()
			batch := o.pending
			o.pending = nil
			o.mu.Unlock()
			if len(batch) == 0 {
				break
			}
			for _, r := range batch {
				select {
				case <-o.done:
					return
				default:
				}
				o.sink.Deliver(r)
			}
		}
	}
}

// stop discards undelivered results and waits for the delivery goroutine.
func (o *outbox) stop() {
	o.once.Do(func() { close(o.done) })
	<-o.stopped
}
