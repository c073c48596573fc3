// Package ctrl drives the ublk control device (/dev/ublk-control): device
// creation, parameters, start/stop and teardown.
package ctrl

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-ublksrv/internal/logging"
	"github.com/ehrlich-b/go-ublksrv/internal/uapi"
	"github.com/ehrlich-b/go-ublksrv/internal/uring"
)

// UblkControlPath is the control device node
const UblkControlPath = uapi.UBLK_CONTROL_DEV

const noQueue = 0xffff

// CmdError is a control command rejected by the driver
type CmdError struct {
	Cmd   string
	DevID uint32
	Errno unix.Errno
}

func (e *CmdError) Error() string {
	return fmt.Sprintf("%s dev %d: %v", e.Cmd, e.DevID, e.Errno)
}

func (e *CmdError) Unwrap() error { return e.Errno }

// submitter runs one control command to completion
type submitter interface {
	SubmitCtrlCmd(cmdOp uint32, cmd *uapi.UblksrvCtrlCmd) (int32, error)
	Close() error
}

// ErrClosed is returned by commands issued after Close
var ErrClosed = errors.New("control device closed")

// Controller issues control commands over an io_uring bound to
// /dev/ublk-control. Commands are synchronous and share one ring, so they
// run one at a time; a Controller may be used from several goroutines.
type Controller struct {
	mu        sync.Mutex
	controlFd int
	ring      submitter
	logger    *logging.Logger
}

// NewController opens the control device
func NewController() (*Controller, error) {
	fd, err := unix.Open(UblkControlPath, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", UblkControlPath, err)
	}

	ring, err := uring.NewRing(uring.Config{Entries: 32, FD: int32(fd)})
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("control ring: %w", err)
	}

	return &Controller{
		controlFd: fd,
		ring:      ring,
		logger:    logging.Default(),
	}, nil
}

// SetLogger sets the logger for this controller
func (c *Controller) SetLogger(logger *logging.Logger) {
	if logger != nil {
		c.logger = logger
	}
}

// Close releases the ring and the control device
func (c *Controller) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error
	if c.ring != nil {
		errs = append(errs, c.ring.Close())
		c.ring = nil
	}
	if c.controlFd >= 0 {
		errs = append(errs, unix.Close(c.controlFd))
		c.controlFd = -1
	}
	return errors.Join(errs...)
}

var cmdNames = map[uint32]string{
	uapi.UBLK_CMD_ADD_DEV:      "ADD_DEV",
	uapi.UBLK_CMD_DEL_DEV:      "DEL_DEV",
	uapi.UBLK_CMD_START_DEV:    "START_DEV",
	uapi.UBLK_CMD_STOP_DEV:     "STOP_DEV",
	uapi.UBLK_CMD_SET_PARAMS:   "SET_PARAMS",
	uapi.UBLK_CMD_GET_PARAMS:   "GET_PARAMS",
	uapi.UBLK_CMD_GET_DEV_INFO: "GET_DEV_INFO",
	uapi.UBLK_CMD_GET_FEATURES: "GET_FEATURES",
}

// do submits one command. buf, when non-nil, is the command's in/out
// buffer and must stay alive until the completion is reaped.
func (c *Controller) do(cmd uint32, devID uint32, buf []byte, data uint64) error {
	hdr := &uapi.UblksrvCtrlCmd{
		DevID:   devID,
		QueueID: noQueue,
		Data:    data,
	}
	if len(buf) > 0 {
		hdr.Len = uint16(len(buf))
		hdr.Addr = uint64(uintptr(unsafe.Pointer(&buf[0])))
	}

	name := cmdNames[cmd]
	c.logger.Debug("control command", "cmd", name, "dev_id", devID, "len", hdr.Len)

	c.mu.Lock()
	if c.ring == nil {
		c.mu.Unlock()
		return fmt.Errorf("%s dev %d: %w", name, devID, ErrClosed)
	}
	res, err := c.ring.SubmitCtrlCmd(uapi.UblkCtrlCmd(cmd), hdr)
	c.mu.Unlock()
	runtime.KeepAlive(buf)
	if err != nil {
		return fmt.Errorf("%s dev %d: %w", name, devID, err)
	}
	if res < 0 {
		return &CmdError{Cmd: name, DevID: devID, Errno: unix.Errno(-res)}
	}
	return nil
}

// AddDevice creates a device from info. info.DevID may be 0xffffffff to
// let the driver pick; on success info holds what the driver filled in and
// the assigned id is returned.
func (c *Controller) AddDevice(info *uapi.UblksrvCtrlDevInfo) (uint32, error) {
	info.UblksrvPID = int32(os.Getpid())
	buf := uapi.Marshal(info)
	if err := c.do(uapi.UBLK_CMD_ADD_DEV, info.DevID, buf, 0); err != nil {
		return 0, err
	}
	if err := uapi.Unmarshal(buf, info); err != nil {
		return 0, err
	}
	c.logger.Info("device added", "dev_id", info.DevID, "queues", info.NrHwQueues,
		"depth", info.QueueDepth, "flags", fmt.Sprintf("%#x", info.Flags))
	return info.DevID, nil
}

// SetParams uploads the device parameters
func (c *Controller) SetParams(devID uint32, p *uapi.UblkParams) error {
	return c.do(uapi.UBLK_CMD_SET_PARAMS, devID, uapi.MarshalParams(p), 0)
}

// StartDevice announces the serving process and blocks until the driver
// has seen a FETCH_REQ for every tag of every queue
func (c *Controller) StartDevice(devID uint32) error {
	return c.do(uapi.UBLK_CMD_START_DEV, devID, nil, uint64(os.Getpid()))
}

// StopDevice removes the block device and aborts every queue
func (c *Controller) StopDevice(devID uint32) error {
	return c.do(uapi.UBLK_CMD_STOP_DEV, devID, nil, 0)
}

// DeleteDevice removes the device
func (c *Controller) DeleteDevice(devID uint32) error {
	return c.do(uapi.UBLK_CMD_DEL_DEV, devID, nil, 0)
}

// GetDeviceInfo reads the device's info block
func (c *Controller) GetDeviceInfo(devID uint32) (*uapi.UblksrvCtrlDevInfo, error) {
	buf := make([]byte, uapi.DevInfoSize)
	if err := c.do(uapi.UBLK_CMD_GET_DEV_INFO, devID, buf, 0); err != nil {
		return nil, err
	}
	info := &uapi.UblksrvCtrlDevInfo{}
	if err := uapi.Unmarshal(buf, info); err != nil {
		return nil, err
	}
	return info, nil
}

// GetParams reads the device parameters, including the device numbers
// once the device is live
func (c *Controller) GetParams(devID uint32) (*uapi.UblkParams, error) {
	// the driver takes the buffer size from the len field
	buf := uapi.MarshalParams(&uapi.UblkParams{})
	if err := c.do(uapi.UBLK_CMD_GET_PARAMS, devID, buf, 0); err != nil {
		return nil, err
	}
	p := &uapi.UblkParams{}
	if err := uapi.UnmarshalParams(buf, p); err != nil {
		return nil, err
	}
	return p, nil
}

// GetFeatures returns the UBLK_F_* bits the driver supports
func (c *Controller) GetFeatures() (uint64, error) {
	buf := make([]byte, 8)
	if err := c.do(uapi.UBLK_CMD_GET_FEATURES, 0, buf, 0); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf), nil
}

// DeviceIDs lists the ids of the ublk character devices present in devDir
func DeviceIDs(devDir string) ([]uint32, error) {
	matches, err := filepath.Glob(filepath.Join(devDir, "ublkc*"))
	if err != nil {
		return nil, err
	}
	var ids []uint32
	for _, m := range matches {
		n, err := strconv.ParseUint(strings.TrimPrefix(filepath.Base(m), "ublkc"), 10, 32)
		if err != nil {
			continue
		}
		ids = append(ids, uint32(n))
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}
