package stream

// Mode is the scheduling mode of a Session.
//
// Normal drains the queue strictly FIFO. Locked is entered on the first fully
// compliant result: the queue is bypassed and every arriving frame replaces the
// active request, so the newest pose is re-checked while the client counts down.
// Any non-compliant result or processing error returns the session to Normal.
type Mode int

const (
	ModeNormal Mode = iota
	ModeLocked
)

func (m Mode) String() string {
	if m == ModeLocked {
		return "locked"
	}
	return "normal"
}
