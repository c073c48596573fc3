package queue

import (
	"time"

	"github.com/ehrlich-b/go-ublksrv/internal/interfaces"
)

// TaskState is the lifecycle state of the task owning one tag
type TaskState uint8

const (
	// TaskIdle: created, nothing submitted yet
	TaskIdle TaskState = iota
	// TaskAwaitingCompletion: a FETCH or COMMIT_AND_FETCH is outstanding
	TaskAwaitingCompletion
	// TaskDispatching: the target is handling the tag's request
	TaskDispatching
	// TaskAwaitingBacking: suspended on a target backing operation
	TaskAwaitingBacking
	// TaskAborted: the driver reported ABORT; terminal
	TaskAborted
)

func (s TaskState) String() string {
	switch s {
	case TaskIdle:
		return "idle"
	case TaskAwaitingCompletion:
		return "awaiting-completion"
	case TaskDispatching:
		return "dispatching"
	case TaskAwaitingBacking:
		return "awaiting-backing"
	case TaskAborted:
		return "aborted"
	}
	return "unknown"
}

// outstanding reports whether the driver or the ring owns the tag
func (s TaskState) outstanding() bool {
	return s == TaskAwaitingCompletion || s == TaskAwaitingBacking
}

// task drives one tag through FETCH_REQ, COMMIT_AND_FETCH_REQ* until
// abort. Tasks live in the reactor's arena and are only touched by the
// reactor goroutine.
type task struct {
	tag     uint16
	state   TaskState
	io      interfaces.IO
	started time.Time

	// requests completed by this tag
	cycles uint64
}
