package player

import "sync/atomic"

// BufferState is the lifecycle of one stream session's source.
type BufferState int32

const (
	Buffering BufferState = iota
	Playing
	Stalled
	Finished
)

func (s BufferState) String() string {
	switch s {
	case Buffering:
		return "BUFFERING"
	case Playing:
		return "PLAYING"
	case Stalled:
		return "STALLED"
	case Finished:
		return "FINISHED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether no further transition is possible.
func (s BufferState) Terminal() bool {
	return s == Stalled || s == Finished
}

// CanTransition enforces Buffering→Playing→Finished and
// Buffering/Playing→Stalled. Nothing moves backward.
func (s BufferState) CanTransition(to BufferState) bool {
	switch s {
	case Buffering:
		return to == Playing || to == Stalled
	case Playing:
		return to == Finished || to == Stalled
	default:
		return false
	}
}

// stateMachine is a BufferState safe for concurrent readers and writers.
type stateMachine struct {
	v atomic.Int32
}

func (m *stateMachine) Load() BufferState {
	return BufferState(m.v.Load())
}

// Transition moves to the target state if the current state allows it and
// reports whether it did.
func (m *stateMachine) Transition(to BufferState) (from BufferState, ok bool) {
	for {
		cur := m.v.Load()
		from = BufferState(cur)
		if !from.CanTransition(to) {
			return from, false
		}
		if m.v.CompareAndSwap(cur, int32(to)) {
			return from, true
		}
	}
}

// EndReason says why a session stopped producing audio.
type EndReason int

const (
	ReasonFinished EndReason = iota
	ReasonStalled
	ReasonFetchFailed
)

func (r EndReason) String() string {
	switch r {
	case ReasonFinished:
		return "finished"
	case ReasonStalled:
		return "stalled"
	case ReasonFetchFailed:
		return "fetch_failed"
	default:
		return "unknown"
	}
}

// Result reports the end of one session to the main loop. Generation lets the
// consumer drop results of sessions that were already superseded.
type Result struct {
	Generation uint64
	SessionID  string
	TrackID    int64
	Reason     EndReason
	Err        error
}

// Clean reports whether the track played to its end.
func (r Result) Clean() bool {
	return r.Reason == ReasonFinished
}
