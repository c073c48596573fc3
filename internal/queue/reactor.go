// Package queue implements the per-queue I/O engine: one reactor goroutine
// per hardware queue drives a task per tag through the ublk command
// protocol and dispatches requests to the target.
package queue

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-ublksrv/internal/interfaces"
	"github.com/ehrlich-b/go-ublksrv/internal/logging"
	"github.com/ehrlich-b/go-ublksrv/internal/uapi"
)

// ErrProtocolViolation is returned when the driver and the reactor disagree
// about the state of a tag. It is fatal for the queue.
var ErrProtocolViolation = errors.New("ublk protocol violation")

// Observer receives per-request measurements. Calls come from reactor
// goroutines and must not block.
type Observer interface {
	ObserveRead(bytes uint64, latencyNs uint64, success bool)
	ObserveWrite(bytes uint64, latencyNs uint64, success bool)
	ObserveDiscard(bytes uint64, latencyNs uint64, success bool)
	ObserveFlush(latencyNs uint64, success bool)
	ObserveZone(latencyNs uint64, success bool)
	ObserveQueueDepth(depth uint32)
}

// Config describes one queue
type Config struct {
	DevID      uint32
	QueueID    uint16
	MaxIOBytes uint32
	UserCopy   bool // data moves through Channel.CopyIn/CopyOut

	Target   interfaces.Target
	Channel  Channel
	Logger   *logging.Logger
	Observer Observer
}

// Reactor runs every task of one queue on a single goroutine
type Reactor struct {
	devID    uint32
	queueID  uint16
	maxIO    uint32
	userCopy bool

	target   interfaces.Target
	finisher interfaces.BackingFinisher
	ch       Channel
	logger   *logging.Logger
	observer Observer

	tasks []task
	live  int // tasks not yet aborted
}

// NewReactor creates the reactor for one queue
func NewReactor(cfg Config) (*Reactor, error) {
	if cfg.Channel == nil || cfg.Target == nil {
		return nil, fmt.Errorf("queue %d: channel and target are required", cfg.QueueID)
	}
	depth := cfg.Channel.Depth()
	if depth == 0 {
		return nil, fmt.Errorf("queue %d: zero depth", cfg.QueueID)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}

	r := &Reactor{
		devID:    cfg.DevID,
		queueID:  cfg.QueueID,
		maxIO:    cfg.MaxIOBytes,
		userCopy: cfg.UserCopy,
		target:   cfg.Target,
		ch:       cfg.Channel,
		logger:   logger.WithQueue(int(cfg.QueueID)),
		observer: cfg.Observer,
		tasks:    make([]task, depth),
	}
	r.finisher, _ = cfg.Target.(interfaces.BackingFinisher)
	for i := range r.tasks {
		r.tasks[i].tag = uint16(i)
	}
	return r, nil
}

// Run spawns a task per tag and drives them until every tag has been
// aborted by the driver, which happens after STOP_DEV. It returns nil on
// that orderly shutdown, and an error if the channel fails, ctx is
// cancelled first, or the driver violates the protocol.
//
// ublk binds a queue to the thread that issued its first FETCH_REQ, so
// Run locks its goroutine to an OS thread.
func (r *Reactor) Run(ctx context.Context) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	r.logger.Debug("queue starting", "depth", len(r.tasks))
	r.live = len(r.tasks)
	for i := range r.tasks {
		if err := r.submit(&r.tasks[i], Command{Op: uapi.UBLK_IO_FETCH_REQ, Tag: uint16(i)}); err != nil {
			return err
		}
	}

	for r.live > 0 {
		if err := r.pollAndWake(ctx); err != nil {
			r.logger.Error("queue stopped", "error", err)
			return err
		}
	}
	r.logger.Info("queue stopped: all tags aborted")
	return nil
}

// pollAndWake waits for completions and resumes each owning task once, in
// the order reported
func (r *Reactor) pollAndWake(ctx context.Context) error {
	comps, err := r.ch.Wait(ctx)
	if err != nil {
		return fmt.Errorf("queue %d: wait: %w", r.queueID, err)
	}
	if r.observer != nil {
		r.observer.ObserveQueueDepth(uint32(len(comps)))
	}
	for _, c := range comps {
		if err := r.wake(c); err != nil {
			return err
		}
	}
	return nil
}

func (r *Reactor) violation(format string, args ...any) error {
	return fmt.Errorf("%w: queue %d: %s", ErrProtocolViolation, r.queueID, fmt.Sprintf(format, args...))
}

func (r *Reactor) wake(c Completion) error {
	if int(c.Tag) >= len(r.tasks) {
		return r.violation("completion for tag %d beyond depth %d", c.Tag, len(r.tasks))
	}
	t := &r.tasks[c.Tag]

	switch c.Kind {
	case KindCommand:
		if t.state != TaskAwaitingCompletion {
			return r.violation("tag %d: command completion in state %s", t.tag, t.state)
		}
		switch c.Result {
		case uapi.UBLK_IO_RES_ABORT:
			t.state = TaskAborted
			r.live--
			return nil
		case uapi.UBLK_IO_RES_OK:
			return r.dispatch(t)
		}
		// NEED_GET_DATA is never negotiated; anything else is an errno
		// from the driver rejecting our command
		return r.violation("tag %d: command completed with result %d", t.tag, c.Result)

	case KindBacking:
		if t.state != TaskAwaitingBacking {
			return r.violation("tag %d: backing completion in state %s", t.tag, t.state)
		}
		t.state = TaskDispatching
		out := interfaces.Done(c.Result)
		if r.finisher != nil {
			out = r.finisher.FinishBacking(&t.io, c.Result)
		}
		return r.complete(t, out)
	}
	return r.violation("tag %d: unknown completion kind %d", t.tag, c.Kind)
}

// dataLen returns how many bytes of the tag buffer a request uses
func (r *Reactor) dataLen(desc *uapi.UblksrvIODesc) uint64 {
	switch interfaces.Op(desc.GetOp()) {
	case interfaces.OpRead, interfaces.OpWrite, interfaces.OpZoneAppend:
		return uint64(desc.NrSectors) << 9
	case interfaces.OpReportZones:
		// nr_sectors carries the zone count; the driver sizes the request
		// to fit the buffer
		return min(uint64(desc.NrSectors)*uapi.BlkZoneSize, uint64(r.maxIO))
	}
	return 0
}

func (r *Reactor) dispatch(t *task) error {
	t.state = TaskDispatching
	t.started = time.Now()

	desc := r.ch.Descriptor(t.tag)
	t.io = interfaces.IO{
		Queue:       r.queueID,
		Tag:         t.tag,
		Op:          interfaces.Op(desc.GetOp()),
		Flags:       desc.GetFlags(),
		StartSector: desc.StartSector,
		NrSectors:   desc.NrSectors,
	}

	if n := r.dataLen(&desc); n > 0 {
		buf := r.ch.Buffer(t.tag)
		if n > uint64(len(buf)) {
			r.logger.Warn("request exceeds tag buffer", "tag", t.tag, "len", n, "buf", len(buf))
			return r.complete(t, interfaces.Done(-int32(unix.EINVAL)))
		}
		t.io.Buf = buf[:n]
	}

	if r.userCopy && t.io.Buf != nil {
		if in, _ := t.io.Op.CarriesData(); in {
			if err := r.ch.CopyIn(t.tag, t.io.Buf); err != nil {
				r.logger.Warn("user copy in failed", "tag", t.tag, "error", err)
				return r.complete(t, interfaces.Done(-int32(unix.EIO)))
			}
		}
	}

	r.logger.Debug("dispatch", "tag", t.tag, "op", t.io.Op.String(),
		"sector", t.io.StartSector, "nr_sectors", t.io.NrSectors)
	return r.complete(t, r.target.Handle(&t.io))
}

// complete either suspends the task on a backing op or commits the result
// and fetches the tag's next request
func (r *Reactor) complete(t *task, out interfaces.Outcome) error {
	if out.Backing != nil {
		if err := r.ch.PrepareBacking(t.tag, out.Backing); err != nil {
			return fmt.Errorf("queue %d tag %d: %s: %w", r.queueID, t.tag, out.Backing.Kind, err)
		}
		t.state = TaskAwaitingBacking
		return nil
	}

	res := out.Result
	if r.userCopy && res > 0 && t.io.Buf != nil {
		if _, outData := t.io.Op.CarriesData(); outData {
			if err := r.ch.CopyOut(t.tag, t.io.Buf[:min(int(res), len(t.io.Buf))]); err != nil {
				r.logger.Warn("user copy out failed", "tag", t.tag, "error", err)
				res = -int32(unix.EIO)
			}
		}
	}

	r.observe(t, res)
	t.cycles++
	t.io.Buf = nil
	return r.submit(t, Command{
		Op:            uapi.UBLK_IO_COMMIT_AND_FETCH_REQ,
		Tag:           t.tag,
		Result:        res,
		ZoneAppendLBA: out.ZoneAppendLBA,
	})
}

// submit hands a command to the channel and suspends the task. A tag may
// have at most one command outstanding.
func (r *Reactor) submit(t *task, cmd Command) error {
	if t.state.outstanding() || t.state == TaskAborted {
		return r.violation("tag %d: submit %s in state %s", t.tag, cmd, t.state)
	}
	if err := r.ch.Prepare(cmd); err != nil {
		return fmt.Errorf("queue %d: prepare %s: %w", r.queueID, cmd, err)
	}
	t.state = TaskAwaitingCompletion
	return nil
}

func (r *Reactor) observe(t *task, res int32) {
	if r.observer == nil {
		return
	}
	lat := uint64(time.Since(t.started).Nanoseconds())
	ok := res >= 0
	n := uint64(0)
	if ok {
		n = uint64(res)
	}
	switch t.io.Op {
	case interfaces.OpRead:
		r.observer.ObserveRead(n, lat, ok)
	case interfaces.OpWrite, interfaces.OpZoneAppend:
		r.observer.ObserveWrite(n, lat, ok)
	case interfaces.OpDiscard, interfaces.OpWriteZeroes:
		r.observer.ObserveDiscard(t.io.Len(), lat, ok)
	case interfaces.OpFlush:
		r.observer.ObserveFlush(lat, ok)
	default:
		r.observer.ObserveZone(lat, ok)
	}
}

// States returns a snapshot of every task's state. It must not be called
// while Run is executing.
func (r *Reactor) States() []TaskState {
	out := make([]TaskState, len(r.tasks))
	for i := range r.tasks {
		out[i] = r.tasks[i].state
	}
	return out
}

// Completed returns the number of requests committed, per tag. It must
// not be called while Run is executing.
func (r *Reactor) Completed() []uint64 {
	out := make([]uint64, len(r.tasks))
	for i := range r.tasks {
		out[i] = r.tasks[i].cycles
	}
	return out
}
