// Package uring wraps an io_uring instance configured for ublk: 128-byte
// SQEs carrying URING_CMD payloads and 32-byte CQEs, plus the plain
// read/write/fsync/fallocate operations used for backing-file I/O.
package uring

import (
	"errors"
	"fmt"
	"unsafe"

	"github.com/pawelgaczynski/giouring"
	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-ublksrv/internal/logging"
	"github.com/ehrlich-b/go-ublksrv/internal/uapi"
)

// ErrRingFull is returned when no submission entry is available even after
// flushing the submission queue
var ErrRingFull = errors.New("io_uring submission queue full")

// Config contains configuration for creating a ring
type Config struct {
	Entries uint32 // Number of entries in the ring
	FD      int32  // File descriptor URING_CMDs are issued against
	Flags   uint32 // Additional setup flags
}

// Completion is one reaped completion queue entry
type Completion struct {
	UserData uint64
	Res      int32
	Flags    uint32
}

// Ring is a single-issuer io_uring. It is not safe for concurrent use; each
// queue owns its own ring.
type Ring struct {
	ring   *giouring.Ring
	fd     int32
	cqes   []*giouring.CompletionQueueEvent
	logger *logging.Logger
}

// NewRing creates a ring with SQE128/CQE32 enabled
func NewRing(config Config) (*Ring, error) {
	if config.Entries == 0 {
		return nil, fmt.Errorf("io_uring: zero entries")
	}
	logger := logging.Default()

	ring := giouring.NewRing()
	flags := giouring.SetupSQE128 | giouring.SetupCQE32 | config.Flags
	if err := ring.QueueInit(config.Entries, flags); err != nil {
		return nil, fmt.Errorf("io_uring_setup(entries=%d): %w", config.Entries, err)
	}

	logger.Debug("created io_uring", "entries", config.Entries, "fd", config.FD)
	return &Ring{
		ring:   ring,
		fd:     config.FD,
		cqes:   make([]*giouring.CompletionQueueEvent, 2*config.Entries),
		logger: logger,
	}, nil
}

// Close tears down the ring
func (r *Ring) Close() error {
	if r.ring != nil {
		r.ring.QueueExit()
		r.ring = nil
	}
	return nil
}

func (r *Ring) getSQE() (*sqe128, error) {
	sqe := r.ring.GetSQE()
	if sqe == nil {
		// flush what is queued and try once more
		if _, err := r.ring.Submit(); err != nil {
			return nil, fmt.Errorf("io_uring submit: %w", err)
		}
		if sqe = r.ring.GetSQE(); sqe == nil {
			return nil, ErrRingFull
		}
	}
	return (*sqe128)(unsafe.Pointer(sqe)), nil
}

// PrepareCtrlCmd queues a control command for /dev/ublk-control
func (r *Ring) PrepareCtrlCmd(cmdOp uint32, cmd *uapi.UblksrvCtrlCmd, userData uint64) error {
	sqe, err := r.getSQE()
	if err != nil {
		return err
	}
	sqe.prepUringCmd(r.fd, cmdOp, uapi.Marshal(cmd), userData)
	return nil
}

// PrepareIOCmd queues a FETCH_REQ / COMMIT_AND_FETCH_REQ for /dev/ublkcN
func (r *Ring) PrepareIOCmd(cmdOp uint32, cmd *uapi.UblksrvIOCmd, userData uint64) error {
	sqe, err := r.getSQE()
	if err != nil {
		return err
	}
	sqe.prepUringCmd(r.fd, cmdOp, uapi.Marshal(cmd), userData)
	return nil
}

// PrepareRead queues a pread of len(buf) bytes at off. buf must stay
// valid and unmoved until the completion is reaped.
func (r *Ring) PrepareRead(fd int32, buf []byte, off uint64, userData uint64) error {
	sqe, err := r.getSQE()
	if err != nil {
		return err
	}
	sqe.prepRW(opRead, fd, buf, off, userData)
	return nil
}

// PrepareWrite queues a pwrite of buf at off
func (r *Ring) PrepareWrite(fd int32, buf []byte, off uint64, userData uint64) error {
	sqe, err := r.getSQE()
	if err != nil {
		return err
	}
	sqe.prepRW(opWrite, fd, buf, off, userData)
	return nil
}

// PrepareFsync queues an fsync (flags may be FsyncDatasync)
func (r *Ring) PrepareFsync(fd int32, flags uint32, userData uint64) error {
	sqe, err := r.getSQE()
	if err != nil {
		return err
	}
	sqe.prepFsync(fd, flags, userData)
	return nil
}

// PrepareFallocate queues an fallocate with the given mode
func (r *Ring) PrepareFallocate(fd int32, mode uint32, off, length uint64, userData uint64) error {
	sqe, err := r.getSQE()
	if err != nil {
		return err
	}
	sqe.prepFallocate(fd, mode, off, length, userData)
	return nil
}

// Submit flushes queued entries without waiting
func (r *Ring) Submit() error {
	for {
		_, err := r.ring.Submit()
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return fmt.Errorf("io_uring submit: %w", err)
		}
		return nil
	}
}

// SubmitAndWait flushes queued entries and blocks until at least waitNr
// completions are available
func (r *Ring) SubmitAndWait(waitNr uint32) error {
	for {
		_, err := r.ring.SubmitAndWait(waitNr)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return fmt.Errorf("io_uring submit_and_wait: %w", err)
		}
		return nil
	}
}

// Reap appends every ready completion to dst, in ring order, and releases
// the entries back to the kernel
func (r *Ring) Reap(dst []Completion) []Completion {
	for {
		n := r.ring.PeekBatchCQE(r.cqes)
		if n == 0 {
			return dst
		}
		for _, cqe := range r.cqes[:n] {
			dst = append(dst, Completion{UserData: cqe.UserData, Res: cqe.Res, Flags: cqe.Flags})
		}
		r.ring.CQAdvance(n)
	}
}

// SubmitCtrlCmd issues one control command and waits for its result. It is
// only used on a ring dedicated to synchronous control traffic.
func (r *Ring) SubmitCtrlCmd(cmdOp uint32, cmd *uapi.UblksrvCtrlCmd) (int32, error) {
	const ctrlUserData = 0xc7
	if err := r.PrepareCtrlCmd(cmdOp, cmd, ctrlUserData); err != nil {
		return 0, err
	}
	var res []Completion
	for len(res) == 0 {
		if err := r.SubmitAndWait(1); err != nil {
			return 0, err
		}
		res = r.Reap(res[:0])
	}
	if res[0].UserData != ctrlUserData {
		return 0, fmt.Errorf("io_uring: unexpected completion user_data %#x", res[0].UserData)
	}
	return res[0].Res, nil
}
