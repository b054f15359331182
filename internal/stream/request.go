package stream

import (
	"context"
	"time"

	"github.com/example/passport-check/internal/verification"
)

// Status is the lifecycle state of a Request.
type Status int

const (
	StatusPending Status = iota
	StatusProcessing
	StatusSucceeded
	StatusFailed
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusProcessing:
		return "processing"
	case StatusSucceeded:
		return "succeeded"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Request is one frame awaiting or undergoing verification. It is owned by the
// Session that created it and is only touched while holding that session's lock.
type Request struct {
	ID          string
	SubmittedAt time.Time

	payload []byte
	status  Status
	result  verification.Checklist

	ctx    context.Context
	cancel context.CancelFunc
}

func newRequest(parent context.Context, id string, payload []byte, submittedAt time.Time) *Request {
	ctx, cancel := context.WithCancel(parent)
	return &Request{
		ID:          id,
		SubmittedAt: submittedAt,
		payload:     payload,
		status:      StatusPending,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// abort cancels the in-flight call, if any, and drops the frame buffer.
func (r *Request) abort() {
	r.cancel()
	r.payload = nil
	r.status = StatusCancelled
}

// settle records the terminal state and drops the frame buffer.
func (r *Request) settle(status Status, result verification.Checklist) {
	r.status = status
	r.result = result
	r.payload = nil
	r.cancel()
}

// requestQueue is a FIFO of pending requests.
type requestQueue struct {
	items []*Request
}

func (q *requestQueue) push(r *Request) {
	q.items = append(q.items, r)
}

func (q *requestQueue) pop() *Request {
	if len(q.items) == 0 {
		return nil
	}
	head := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return head
}

// drain removes and returns every queued request.
func (q *requestQueue) drain() []*Request {
	items := q.items
	q.items = nil
	return items
}

func (q *requestQueue) len() int {
	return len(q.items)
}
