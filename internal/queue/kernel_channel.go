package queue

import (
	"context"
	"errors"
	"fmt"
	"os"
	"unsafe"

	"github.com/cenkalti/backoff"
	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-ublksrv/internal/constants"
	"github.com/ehrlich-b/go-ublksrv/internal/interfaces"
	"github.com/ehrlich-b/go-ublksrv/internal/logging"
	"github.com/ehrlich-b/go-ublksrv/internal/uapi"
	"github.com/ehrlich-b/go-ublksrv/internal/uring"
)

// KernelChannelConfig describes the queue a KernelChannel serves
type KernelChannelConfig struct {
	DevID      uint32
	QueueID    uint16
	Depth      uint16
	MaxIOBytes uint32
	UserCopy   bool
	Logger     *logging.Logger
}

// KernelChannel talks to the ublk driver through /dev/ublkcN: commands go
// over an io_uring, request descriptors are read from the driver's
// mmap'd descriptor array, and data lives in anonymous per-tag buffers.
type KernelChannel struct {
	devID    uint32
	qid      uint16
	depth    uint16
	maxIO    uint32
	userCopy bool

	fd    int
	ring  *uring.Ring
	descs []byte // read-only mapping of struct ublksrv_io_desc[depth]
	bufs  []byte // depth * maxIO bytes

	reaped []uring.Completion
	comps  []Completion
	logger *logging.Logger
}

// OpenKernelChannel opens the character device of a freshly added device,
// retrying while udev creates the node, and maps the queue's memory
func OpenKernelChannel(ctx context.Context, cfg KernelChannelConfig) (*KernelChannel, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	logger = logger.WithQueue(int(cfg.QueueID))

	fd, err := openCharDevice(ctx, uapi.UblkDevicePath(cfg.DevID))
	if err != nil {
		return nil, err
	}

	c := &KernelChannel{
		devID:    cfg.DevID,
		qid:      cfg.QueueID,
		depth:    cfg.Depth,
		maxIO:    cfg.MaxIOBytes,
		userCopy: cfg.UserCopy,
		fd:       fd,
		logger:   logger,
	}

	// room for one command per tag plus one backing op per tag
	c.ring, err = uring.NewRing(uring.Config{Entries: 2 * uint32(cfg.Depth), FD: int32(fd)})
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("queue %d: %w", cfg.QueueID, err)
	}

	if err := c.mmapQueue(); err != nil {
		c.Close()
		return nil, err
	}
	logger.Debug("kernel channel ready", "dev_id", cfg.DevID, "depth", cfg.Depth, "max_io", cfg.MaxIOBytes)
	return c, nil
}

func openCharDevice(ctx context.Context, path string) (int, error) {
	var fd int
	open := func() error {
		var err error
		fd, err = unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
		if err == nil {
			return nil
		}
		// the node shows up (and gets its permissions) asynchronously
		if errors.Is(err, unix.ENOENT) || errors.Is(err, unix.EACCES) {
			return err
		}
		return backoff.Permanent(err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = constants.DevicePollingInterval
	b.MaxInterval = 100 * constants.DevicePollingInterval
	b.MaxElapsedTime = constants.CharDeviceTimeout
	if err := backoff.Retry(open, backoff.WithContext(b, ctx)); err != nil {
		return -1, fmt.Errorf("open %s: %w", path, err)
	}
	return fd, nil
}

// cmdBufStride is the distance between the descriptor arrays of two
// queues in the character device's mmap space
func cmdBufStride() int64 {
	return roundUp(uapi.UBLK_MAX_QUEUE_DEPTH*uapi.IODescSize, os.Getpagesize())
}

func roundUp(n, to int) int64 {
	return int64((n + to - 1) / to * to)
}

func (c *KernelChannel) mmapQueue() error {
	descLen := roundUp(int(c.depth)*uapi.IODescSize, os.Getpagesize())
	off := uapi.UBLKSRV_CMD_BUF_OFFSET + int64(c.qid)*cmdBufStride()

	descs, err := unix.Mmap(c.fd, off, int(descLen), unix.PROT_READ, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		return fmt.Errorf("queue %d: mmap descriptors: %w", c.qid, err)
	}
	c.descs = descs

	bufs, err := unix.Mmap(-1, 0, int(c.depth)*int(c.maxIO),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return fmt.Errorf("queue %d: allocate I/O buffers: %w", c.qid, err)
	}
	c.bufs = bufs
	return nil
}

// Depth implements Channel
func (c *KernelChannel) Depth() uint16 { return c.depth }

func (c *KernelChannel) bufAddr(tag uint16) uint64 {
	return uint64(uintptr(unsafe.Pointer(&c.bufs[int(tag)*int(c.maxIO)])))
}

// Prepare implements Channel
func (c *KernelChannel) Prepare(cmd Command) error {
	io := uapi.UblksrvIOCmd{QID: c.qid, Tag: cmd.Tag}
	flags := uint64(0)
	if cmd.Op == uapi.UBLK_IO_COMMIT_AND_FETCH_REQ {
		io.Result = cmd.Result
		flags = udCommit
	}
	switch {
	case !c.userCopy:
		io.Addr = c.bufAddr(cmd.Tag)
	case cmd.Op == uapi.UBLK_IO_COMMIT_AND_FETCH_REQ:
		// user-copy devices carry no buffer; addr is the zone append LBA
		io.SetZoneAppendLBA(cmd.ZoneAppendLBA)
	}
	return c.ring.PrepareIOCmd(uapi.UblkIOCmd(cmd.Op), &io, encodeUserData(c.qid, cmd.Tag, flags))
}

// PrepareBacking implements Channel
func (c *KernelChannel) PrepareBacking(tag uint16, op *interfaces.BackingOp) error {
	ud := encodeUserData(c.qid, tag, udBacking)
	switch op.Kind {
	case interfaces.BackingRead:
		return c.ring.PrepareRead(op.FD, op.Buf, op.Offset, ud)
	case interfaces.BackingWrite:
		return c.ring.PrepareWrite(op.FD, op.Buf, op.Offset, ud)
	case interfaces.BackingFsync:
		return c.ring.PrepareFsync(op.FD, op.Mode, ud)
	case interfaces.BackingFallocate:
		return c.ring.PrepareFallocate(op.FD, op.Mode, op.Offset, op.Length, ud)
	}
	return fmt.Errorf("unsupported backing op %s", op.Kind)
}

// Wait implements Channel. The kernel wait itself cannot be interrupted by
// ctx; the queue is released by STOP_DEV aborting every tag.
func (c *KernelChannel) Wait(ctx context.Context) ([]Completion, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := c.ring.SubmitAndWait(1); err != nil {
		return nil, err
	}
	c.reaped = c.ring.Reap(c.reaped[:0])
	c.comps = c.comps[:0]
	for _, cqe := range c.reaped {
		qid, tag, kind := decodeUserData(cqe.UserData)
		if qid != c.qid {
			return nil, fmt.Errorf("%w: completion for queue %d on queue %d", ErrProtocolViolation, qid, c.qid)
		}
		c.comps = append(c.comps, Completion{Tag: tag, Kind: kind, Result: cqe.Res})
	}
	return c.comps, nil
}

// Descriptor implements Channel
func (c *KernelChannel) Descriptor(tag uint16) uapi.UblksrvIODesc {
	return *(*uapi.UblksrvIODesc)(unsafe.Pointer(&c.descs[int(tag)*uapi.IODescSize]))
}

// Buffer implements Channel
func (c *KernelChannel) Buffer(tag uint16) []byte {
	start := int(tag) * int(c.maxIO)
	return c.bufs[start : start+int(c.maxIO) : start+int(c.maxIO)]
}

// CopyIn implements Channel by reading the request pages from the
// character device
func (c *KernelChannel) CopyIn(tag uint16, buf []byte) error {
	n, err := unix.Pread(c.fd, buf, uapi.UserCopyOffset(c.qid, tag))
	if err != nil {
		return err
	}
	if n != len(buf) {
		return fmt.Errorf("user copy: short read %d of %d", n, len(buf))
	}
	return nil
}

// CopyOut implements Channel by writing the request pages through the
// character device
func (c *KernelChannel) CopyOut(tag uint16, buf []byte) error {
	n, err := unix.Pwrite(c.fd, buf, uapi.UserCopyOffset(c.qid, tag))
	if err != nil {
		return err
	}
	if n != len(buf) {
		return fmt.Errorf("user copy: short write %d of %d", n, len(buf))
	}
	return nil
}

// Close implements Channel
func (c *KernelChannel) Close() error {
	var errs []error
	if c.ring != nil {
		errs = append(errs, c.ring.Close())
		c.ring = nil
	}
	if c.descs != nil {
		errs = append(errs, unix.Munmap(c.descs))
		c.descs = nil
	}
	if c.bufs != nil {
		errs = append(errs, unix.Munmap(c.bufs))
		c.bufs = nil
	}
	if c.fd >= 0 {
		errs = append(errs, unix.Close(c.fd))
		c.fd = -1
	}
	return errors.Join(errs...)
}

var _ Channel = (*KernelChannel)(nil)
