package sim

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-ublksrv/internal/interfaces"
	"github.com/ehrlich-b/go-ublksrv/internal/queue"
	"github.com/ehrlich-b/go-ublksrv/internal/uapi"
)

type slotState uint8

const (
	slotIdle    slotState = iota // no command from the server yet
	slotWaiting                  // command outstanding, no request assigned
	slotBusy                     // request handed out, waiting for its commit
	slotDead                     // aborted
)

type slot struct {
	state   slotState
	fetched bool
	req     *pending
}

type pending struct {
	Request
	out  []byte // data pushed through CopyOut
	done chan Response
}

// Channel is the simulated driver end of one queue. It implements
// queue.Channel for the reactor and accepts requests from Driver.Submit.
type Channel struct {
	qid      uint16
	depth    uint16
	maxIO    uint32
	userCopy bool

	mu       sync.Mutex
	notify   chan struct{}
	ready    []queue.Completion
	out      []queue.Completion
	slots    []slot
	queued   []*pending
	descs    []uapi.UblksrvIODesc
	bufs     [][]byte
	nfetched int
	allIn    chan struct{} // closed once every tag has fetched
	aborted  bool
	closed   bool
}

func newChannel(qid uint16, info *uapi.UblksrvCtrlDevInfo) *Channel {
	c := &Channel{
		qid:      qid,
		depth:    info.QueueDepth,
		maxIO:    info.MaxIOBufBytes,
		userCopy: info.Flags&uapi.UBLK_F_USER_COPY != 0,
		notify:   make(chan struct{}, 1),
		slots:    make([]slot, info.QueueDepth),
		descs:    make([]uapi.UblksrvIODesc, info.QueueDepth),
		bufs:     make([][]byte, info.QueueDepth),
		allIn:    make(chan struct{}),
	}
	for i := range c.bufs {
		c.bufs[i] = make([]byte, info.MaxIOBufBytes)
	}
	return c
}

// push queues a completion; c.mu must be held
func (c *Channel) push(tag uint16, kind queue.CompletionKind, res int32) {
	c.ready = append(c.ready, queue.Completion{Tag: tag, Kind: kind, Result: res})
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

// Depth implements queue.Channel
func (c *Channel) Depth() uint16 { return c.depth }

// Prepare implements queue.Channel. Commands take effect immediately; their
// completions are delivered by Wait.
func (c *Channel) Prepare(cmd queue.Command) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if int(cmd.Tag) >= len(c.slots) {
		return fmt.Errorf("sim: tag %d beyond depth %d", cmd.Tag, c.depth)
	}
	s := &c.slots[cmd.Tag]

	switch cmd.Op {
	case uapi.UBLK_IO_FETCH_REQ:
		if s.fetched || s.state != slotIdle {
			c.push(cmd.Tag, queue.KindCommand, -int32(unix.EINVAL))
			return nil
		}
		s.fetched = true
		c.nfetched++
		if c.nfetched == int(c.depth) {
			close(c.allIn)
		}
	case uapi.UBLK_IO_COMMIT_AND_FETCH_REQ:
		if s.state != slotBusy {
			c.push(cmd.Tag, queue.KindCommand, -int32(unix.EINVAL))
			return nil
		}
		c.finish(s, cmd)
	default:
		c.push(cmd.Tag, queue.KindCommand, -int32(unix.EOPNOTSUPP))
		return nil
	}

	if c.aborted {
		s.state = slotDead
		c.push(cmd.Tag, queue.KindCommand, uapi.UBLK_IO_RES_ABORT)
		return nil
	}
	s.state = slotWaiting
	if len(c.queued) > 0 {
		p := c.queued[0]
		c.queued = c.queued[1:]
		c.dispatch(cmd.Tag, p)
	}
	return nil
}

// finish completes the request held by s with the committed result
func (c *Channel) finish(s *slot, cmd queue.Command) {
	p := s.req
	s.req = nil
	resp := Response{Result: cmd.Result, ZoneAppendLBA: cmd.ZoneAppendLBA}
	if _, out := p.Op.CarriesData(); out && cmd.Result > 0 {
		src := p.out
		if !c.userCopy {
			src = c.bufs[cmd.Tag]
		}
		n := min(int(cmd.Result), len(src))
		resp.Data = append([]byte(nil), src[:n]...)
	}
	p.done <- resp
}

// dispatch hands p to a waiting tag; c.mu must be held
func (c *Channel) dispatch(tag uint16, p *pending) {
	s := &c.slots[tag]
	c.descs[tag] = uapi.UblksrvIODesc{
		OpFlags:     uint32(p.Op) | p.Flags<<8,
		NrSectors:   p.NrSectors,
		StartSector: p.Sector,
	}
	if in, _ := p.Op.CarriesData(); in && !c.userCopy {
		copy(c.bufs[tag], p.Data)
	}
	s.state = slotBusy
	s.req = p
	c.push(tag, queue.KindCommand, uapi.UBLK_IO_RES_OK)
}

// submit queues a request and returns the channel its response arrives on
func (c *Channel) submit(req Request) (chan Response, error) {
	p := &pending{Request: req, done: make(chan Response, 1)}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.aborted || c.closed {
		p.done <- Response{Result: -int32(unix.EIO)}
		return p.done, nil
	}
	for tag := range c.slots {
		if c.slots[tag].state == slotWaiting {
			c.dispatch(uint16(tag), p)
			return p.done, nil
		}
	}
	c.queued = append(c.queued, p)
	return p.done, nil
}

// abort fails queued requests and aborts every waiting tag. Busy tags are
// aborted when their commit arrives.
func (c *Channel) abort() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.aborted {
		return
	}
	c.aborted = true
	for _, p := range c.queued {
		p.done <- Response{Result: -int32(unix.EIO)}
	}
	c.queued = nil
	for tag := range c.slots {
		s := &c.slots[tag]
		if s.state == slotWaiting {
			s.state = slotDead
			c.push(uint16(tag), queue.KindCommand, uapi.UBLK_IO_RES_ABORT)
		}
	}
}

// PrepareBacking implements queue.Channel by running the operation
// synchronously against the file descriptor
func (c *Channel) PrepareBacking(tag uint16, op *interfaces.BackingOp) error {
	res := runBacking(op)
	c.mu.Lock()
	c.push(tag, queue.KindBacking, res)
	c.mu.Unlock()
	return nil
}

func runBacking(op *interfaces.BackingOp) int32 {
	var (
		n   int
		err error
	)
	switch op.Kind {
	case interfaces.BackingRead:
		n, err = unix.Pread(int(op.FD), op.Buf, int64(op.Offset))
	case interfaces.BackingWrite:
		n, err = unix.Pwrite(int(op.FD), op.Buf, int64(op.Offset))
	case interfaces.BackingFsync:
		if op.Mode != 0 {
			err = unix.Fdatasync(int(op.FD))
		} else {
			err = unix.Fsync(int(op.FD))
		}
	case interfaces.BackingFallocate:
		err = unix.Fallocate(int(op.FD), op.Mode, int64(op.Offset), int64(op.Length))
	default:
		err = unix.EINVAL
	}
	if err != nil {
		if errno, ok := err.(unix.Errno); ok {
			return -int32(errno)
		}
		return -int32(unix.EIO)
	}
	return int32(n)
}

// Wait implements queue.Channel
func (c *Channel) Wait(ctx context.Context) ([]queue.Completion, error) {
	for {
		c.mu.Lock()
		if len(c.ready) > 0 {
			c.out = append(c.out[:0], c.ready...)
			c.ready = c.ready[:0]
			c.mu.Unlock()
			return c.out, nil
		}
		c.mu.Unlock()

		select {
		case <-c.notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Descriptor implements queue.Channel
func (c *Channel) Descriptor(tag uint16) uapi.UblksrvIODesc {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.descs[tag]
}

// Buffer implements queue.Channel
func (c *Channel) Buffer(tag uint16) []byte { return c.bufs[tag] }

// CopyIn implements queue.Channel
func (c *Channel) CopyIn(tag uint16, buf []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := &c.slots[tag]
	if s.state != slotBusy {
		return unix.EINVAL
	}
	if copy(buf, s.req.Data) != len(buf) {
		return unix.EFAULT
	}
	return nil
}

// CopyOut implements queue.Channel
func (c *Channel) CopyOut(tag uint16, buf []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := &c.slots[tag]
	if s.state != slotBusy {
		return unix.EINVAL
	}
	s.req.out = append(s.req.out[:0], buf...)
	return nil
}

// Close implements queue.Channel
func (c *Channel) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

var _ queue.Channel = (*Channel)(nil)
