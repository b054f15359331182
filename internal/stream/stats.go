package stream

import "sync/atomic"

// counters are shared by every session of a Registry.
type counters struct {
	sessionsOpened    atomic.Int64
	sessionsClosed    atomic.Int64
	framesAccepted    atomic.Int64
	framesRejected    atomic.Int64
	resultsDelivered  atomic.Int64
	failures          atomic.Int64
	cancellations     atomic.Int64
	lockTransitions   atomic.Int64
	unlockTransitions atomic.Int64
}

// Stats is an operational snapshot of the streaming layer.
type Stats struct {
	SessionsActive    int   `json:"sessions_active"`
	SessionsOpened    int64 `json:"sessions_opened"`
	SessionsClosed    int64 `json:"sessions_closed"`
	FramesAccepted    int64 `json:"frames_accepted"`
	FramesRejected    int64 `json:"frames_rejected"`
	ResultsDelivered  int64 `json:"results_delivered"`
	Failures          int64 `json:"failures"`
	Cancellations     int64 `json:"cancellations"`
	LockTransitions   int64 `json:"lock_transitions"`
	UnlockTransitions int64 `json:"unlock_transitions"`
}

func (c *counters) snapshot(active int) Stats {
	return Stats{
		SessionsActive:    active,
		SessionsOpened:    c.sessionsOpened.Load(),
		SessionsClosed:    c.sessionsClosed.Load(),
		FramesAccepted:    c.framesAccepted.Load(),
		FramesRejected:    c.framesRejected.Load(),
		ResultsDelivered:  c.resultsDelivered.Load(),
		Failures:          c.failures.Load(),
		Cancellations:     c.cancellations.Load(),
		LockTransitions:   c.lockTransitions.Load(),
		UnlockTransitions: c.unlockTransitions.Load(),
	}
}
