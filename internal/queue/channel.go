package queue

import (
	"context"
	"fmt"

	"github.com/ehrlich-b/go-ublksrv/internal/interfaces"
	"github.com/ehrlich-b/go-ublksrv/internal/uapi"
)

// Command is one ublk I/O command for a tag
type Command struct {
	Op     uint32 // uapi.UBLK_IO_FETCH_REQ or uapi.UBLK_IO_COMMIT_AND_FETCH_REQ
	Tag    uint16
	Result int32 // result of the request being committed

	// ZoneAppendLBA is reported with a committed ZONE_APPEND
	ZoneAppendLBA uint64
}

func (c Command) String() string {
	switch c.Op {
	case uapi.UBLK_IO_FETCH_REQ:
		return fmt.Sprintf("FETCH_REQ(tag=%d)", c.Tag)
	case uapi.UBLK_IO_COMMIT_AND_FETCH_REQ:
		return fmt.Sprintf("COMMIT_AND_FETCH_REQ(tag=%d, res=%d)", c.Tag, c.Result)
	}
	return fmt.Sprintf("cmd(%#x, tag=%d)", c.Op, c.Tag)
}

// CompletionKind tells whether a completion belongs to a ublk command or
// to a target backing operation
type CompletionKind uint8

const (
	KindCommand CompletionKind = iota
	KindBacking
)

// Completion reports the result of a submitted command or backing op.
// For commands, Result is UBLK_IO_RES_OK when a new request is ready in
// the tag's descriptor, or UBLK_IO_RES_ABORT when the device is going away.
type Completion struct {
	Tag    uint16
	Kind   CompletionKind
	Result int32
}

// Channel is the queue's connection to the ublk driver. It is used by a
// single reactor goroutine; implementations need no internal locking for
// calls made from that goroutine.
type Channel interface {
	// Depth returns the number of tags
	Depth() uint16

	// Prepare queues a command. It is flushed by the next Wait.
	Prepare(cmd Command) error

	// PrepareBacking queues a target backing operation on behalf of tag
	PrepareBacking(tag uint16, op *interfaces.BackingOp) error

	// Wait flushes queued submissions and blocks until at least one
	// completion is available. Completions are returned in the order the
	// driver reported them; the slice is reused by the next call.
	Wait(ctx context.Context) ([]Completion, error)

	// Descriptor returns the request descriptor of a tag. It is valid
	// after a command completion with UBLK_IO_RES_OK.
	Descriptor(tag uint16) uapi.UblksrvIODesc

	// Buffer returns the tag's I/O buffer. Its backing memory never moves.
	Buffer(tag uint16) []byte

	// CopyIn fetches the payload of the tag's current request into buf.
	// It is only called on user-copy devices.
	CopyIn(tag uint16, buf []byte) error

	// CopyOut hands the data of the tag's current request to the driver.
	// It is only called on user-copy devices.
	CopyOut(tag uint16, buf []byte) error

	// Close releases the channel. Outstanding commands are dropped.
	Close() error
}

// user_data layout shared by ring-based channels:
//
//	bits  0-15  tag
//	bits 16-31  queue id
//	bit  62     COMMIT_AND_FETCH_REQ (clear: FETCH_REQ)
//	bit  63     target backing operation
const (
	udCommit  uint64 = 1 << 62
	udBacking uint64 = 1 << 63
)

func encodeUserData(qid, tag uint16, flags uint64) uint64 {
	return flags | uint64(qid)<<16 | uint64(tag)
}

func decodeUserData(ud uint64) (qid, tag uint16, kind CompletionKind) {
	kind = KindCommand
	if ud&udBacking != 0 {
		kind = KindBacking
	}
	return uint16(ud >> 16), uint16(ud), kind
}
