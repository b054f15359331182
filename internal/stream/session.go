package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/passport-check/internal/imagecheck"
	"github.com/example/passport-check/internal/verification"
)

var (
	// ErrValidation rejects a frame before any request is created.
	ErrValidation = errors.New("invalid frame")
	// ErrSessionClosed is returned for frames submitted after disposal.
	ErrSessionClosed = errors.New("stream session closed")
)

// Result is what a client receives for one settled request.
type Result struct {
	RequestID string
	Checklist verification.Checklist
	// Err is nil on success and wraps verification.ErrTimeout or
	// verification.ErrUpstreamUnavailable on failure.
	Err  error
	Mode Mode
}

// Sink receives results in delivery order. Deliver is called from a single
// goroutine per session and must not call back into the Session.
type Sink interface {
	Deliver(Result)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(Result)

// Deliver implements Sink.
func (f SinkFunc) Deliver(r Result) { f(r) }

// Snapshot is a point-in-time view of a session.
type Snapshot struct {
	ConnectionID string
	Mode         Mode
	Queued       int
	ActiveID     string
	Closed       bool
}

// Session is the per-connection scheduler in front of the verification engine.
type Session struct {
	id       string
	verifier verification.Verifier
	logger   *zap.Logger
	counters *counters
	now      func() time.Time
	outbox   *outbox

	baseCtx    context.Context
	baseCancel context.CancelFunc
	inflight   sync.WaitGroup

	mu     sync.Mutex
	queue  requestQueue
	active *Request
	mode   Mode
	closed bool
}

func newSession(parent context.Context, id string, verifier verification.Verifier, sink Sink, logger *zap.Logger, c *counters) *Session {
	ctx, cancel := context.WithCancel(parent)
	return &Session{
		id:         id,
		verifier:   verifier,
		logger:     logger,
		counters:   c,
		now:        time.Now,
		outbox:     newOutbox(sink),
		baseCtx:    ctx,
		baseCancel: cancel,
	}
}

// ID returns the connection identity the session is bound to.
func (s *Session) ID() string { return s.id }

// Done is closed once the session has been disposed.
func (s *Session) Done() <-chan struct{} { return s.baseCtx.Done() }

// SubmitFrame validates a frame and schedules it according to the current mode.
// It returns the id of the created request.
func (s *Session) SubmitFrame(frame []byte) (string, error) {
	if _, err := imagecheck.Validate(frame); err != nil {
		s.counters.framesRejected.Add(1)
		return "", fmt.Errorf("%w: %w", ErrValidation, err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", ErrSessionClosed
	}

	req := newRequest(s.baseCtx, uuid.NewString(), frame, s.now())
	s.counters.framesAccepted.Add(1)

	var job *dispatchJob
	switch s.mode {
	case ModeLocked:
		if s.active != nil {
			s.logger.Debug("pre-empting active request",
				zap.String("request_id", s.active.ID),
				zap.String("replacement_id", req.ID),
			)
			s.active.abort()
			s.counters.cancellations.Add(1)
		}
		s.activate(req)
		job = s.prepare(req)
	default:
		s.queue.push(req)
		if s.active == nil {
			job = s.prepare(s.promote())
		}
	}
	s.mu.Unlock()

	s.launch(job)
	return req.ID, nil
}

// activate installs req in the active slot. Callers hold s.mu.
func (s *Session) activate(req *Request) {
	req.status = StatusProcessing
	s.active = req
}

// promote moves the queue head into the active slot. Callers hold s.mu.
func (s *Session) promote() *Request {
	next := s.queue.pop()
	if next != nil {
		s.activate(next)
	}
	return next
}

// dispatchJob carries what a verification goroutine needs, captured under s.mu.
type dispatchJob struct {
	req     *Request
	payload []byte
}

// prepare registers an in-flight call for req. Callers hold s.mu.
func (s *Session) prepare(req *Request) *dispatchJob {
	if req == nil {
		return nil
	}
	s.inflight.Add(1)
	return &dispatchJob{req: req, payload: req.payload}
}

func (s *Session) launch(job *dispatchJob) {
	if job == nil {
		return
	}
	go func() {
		defer s.inflight.Done()
		checklist, err := s.verifier.Verify(job.req.ctx, job.payload)
		s.complete(job.req, checklist, err)
	}()
}

func (s *Session) complete(req *Request, checklist verification.Checklist, err error) {
	s.mu.Lock()
	if s.active != req {
		// Pre-empted or disposed; the request was already cancelled.
		s.mu.Unlock()
		return
	}
	s.active = nil

	reqLogger := s.logger.With(zap.String("request_id", req.ID))
	elapsed := s.now().Sub(req.SubmittedAt)

	switch {
	case errors.Is(err, verification.ErrCancelled):
		req.abort()
		s.counters.cancellations.Add(1)
		reqLogger.Debug("request cancelled")

	case err != nil:
		req.settle(StatusFailed, verification.Checklist{})
		if s.mode == ModeLocked {
			s.setMode(ModeNormal)
		}
		s.counters.failures.Add(1)
		reqLogger.Warn("verification failed", zap.Error(err), zap.Duration("elapsed", elapsed))
		s.deliver(Result{RequestID: req.ID, Err: err, Mode: s.mode})

	case checklist.AllPassed():
		req.settle(StatusSucceeded, checklist)
		if s.mode == ModeNormal {
			s.setMode(ModeLocked)
			for _, queued := range s.queue.drain() {
				queued.abort()
				s.counters.cancellations.Add(1)
			}
		}
		reqLogger.Info("frame compliant", zap.Duration("elapsed", elapsed))
		s.deliver(Result{RequestID: req.ID, Checklist: checklist, Mode: s.mode})

	default:
		req.settle(StatusSucceeded, checklist)
		if s.mode == ModeLocked {
			s.setMode(ModeNormal)
		}
		reqLogger.Debug("frame not compliant", zap.Ints("checklist", checklist.Ints()), zap.Duration("elapsed", elapsed))
		s.deliver(Result{RequestID: req.ID, Checklist: checklist, Mode: s.mode})
	}

	var next *dispatchJob
	if s.mode == ModeNormal && s.queue.len() > 0 {
		next = s.prepare(s.promote())
	}
	s.mu.Unlock()

	s.launch(next)
}

// setMode records a mode transition. Callers hold s.mu.
func (s *Session) setMode(mode Mode) {
	if s.mode == mode {
		return
	}
	s.logger.Info("scheduling mode changed", zap.Stringer("from", s.mode), zap.Stringer("to", mode))
	s.mode = mode
	if mode == ModeLocked {
		s.counters.lockTransitions.Add(1)
	} else {
		s.counters.unlockTransitions.Add(1)
	}
}

// deliver hands a result to the outbox. Callers hold s.mu, which fixes the
// delivery order.
func (s *Session) deliver(r Result) {
	s.counters.resultsDelivered.Add(1)
	s.outbox.push(r)
}

// Snapshot returns the current scheduling state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		ConnectionID: s.id,
		Mode:         s.mode,
		Queued:       s.queue.len(),
		Closed:       s.closed,
	}
	if s.active != nil {
		snap.ActiveID = s.active.ID
	}
	return snap
}

// Close cancels the active and every queued request, stops delivery and waits
// for in-flight calls to return. It is safe to call more than once.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	cancelled := 0
	if s.active != nil {
		s.active.abort()
		s.active = nil
		cancelled++
	}
	for _, queued := range s.queue.drain() {
		queued.abort()
		cancelled++
	}
	s.mu.Unlock()

	s.counters.cancellations.Add(int64(cancelled))
	s.baseCancel()
	s.outbox.stop()
	s.inflight.Wait()
	s.logger.Debug("stream session closed", zap.Int("cancelled", cancelled))
}
