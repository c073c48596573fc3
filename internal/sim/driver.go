// Package sim is an in-process stand-in for the ublk kernel driver. It
// implements the control surface and the per-queue command channel with
// the driver's ordering rules, so the whole serving stack can run in a
// unit test without /dev/ublk-control.
package sim

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-ublksrv/internal/constants"
	"github.com/ehrlich-b/go-ublksrv/internal/interfaces"
	"github.com/ehrlich-b/go-ublksrv/internal/logging"
	"github.com/ehrlich-b/go-ublksrv/internal/uapi"
)

// Features is what the simulated driver advertises through GET_FEATURES
const Features = uapi.UBLK_F_SUPPORT_ZERO_COPY | uapi.UBLK_F_URING_CMD_COMP_IN_TASK |
	uapi.UBLK_F_NEED_GET_DATA | uapi.UBLK_F_USER_RECOVERY | uapi.UBLK_F_UNPRIVILEGED_DEV |
	uapi.UBLK_F_CMD_IOCTL_ENCODE | uapi.UBLK_F_USER_COPY | uapi.UBLK_F_ZONED

// Request is a block request injected with Driver.Submit, as if issued by
// the block layer
type Request struct {
	Op        interfaces.Op
	Flags     uint32
	Sector    uint64
	NrSectors uint32 // zone count for REPORT_ZONES
	Data      []byte // payload for WRITE and ZONE_APPEND
}

// Response is what the server committed for a Request
type Response struct {
	Result        int32
	Data          []byte
	ZoneAppendLBA uint64
}

type device struct {
	info      uapi.UblksrvCtrlDevInfo
	params    uapi.UblkParams
	hasParams bool
	queues    []*Channel
}

// Driver simulates /dev/ublk-control and the character devices behind it
type Driver struct {
	mu      sync.Mutex
	devices map[uint32]*device
	nextID  uint32

	// StartTimeout bounds how long START_DEV waits for every tag to fetch
	StartTimeout time.Duration
	logger       *logging.Logger
}

// NewDriver returns an empty simulated driver
func NewDriver() *Driver {
	return &Driver{
		devices:      make(map[uint32]*device),
		StartTimeout: constants.DeviceLiveTimeout,
		logger:       logging.Default(),
	}
}

func (d *Driver) lookup(id uint32) (*device, error) {
	dev, ok := d.devices[id]
	if !ok {
		return nil, unix.ENODEV
	}
	return dev, nil
}

// AddDevice registers a device in the DEAD state. A DevID of
// 0xffffffff asks for the lowest free id.
func (d *Driver) AddDevice(info *uapi.UblksrvCtrlDevInfo) (uint32, error) {
	if info.NrHwQueues == 0 || info.QueueDepth == 0 || info.QueueDepth > uapi.UBLK_MAX_QUEUE_DEPTH {
		return 0, unix.EINVAL
	}
	if info.MaxIOBufBytes == 0 {
		return 0, unix.EINVAL
	}
	if info.Flags&uapi.UBLK_F_ZONED != 0 && info.Flags&uapi.UBLK_F_USER_COPY == 0 {
		return 0, unix.EINVAL
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	id := info.DevID
	if id == ^uint32(0) {
		for id = d.nextID; ; id++ {
			if _, taken := d.devices[id]; !taken {
				break
			}
		}
	} else if _, taken := d.devices[id]; taken {
		return 0, unix.EEXIST
	}
	d.nextID = id + 1

	dev := &device{info: *info}
	dev.info.DevID = id
	dev.info.State = uapi.UBLK_S_DEV_DEAD
	dev.queues = make([]*Channel, info.NrHwQueues)
	d.devices[id] = dev
	info.DevID = id

	d.logger.Debug("sim: device added", "dev_id", id, "queues", info.NrHwQueues, "depth", info.QueueDepth)
	return id, nil
}

// SetParams stores the device parameters. Live devices reject it.
func (d *Driver) SetParams(id uint32, p *uapi.UblkParams) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	dev, err := d.lookup(id)
	if err != nil {
		return err
	}
	if dev.info.State == uapi.UBLK_S_DEV_LIVE {
		return unix.EACCES
	}
	if !p.HasBasic() {
		return unix.EINVAL
	}
	if p.HasZoned() != (dev.info.Flags&uapi.UBLK_F_ZONED != 0) {
		return unix.EINVAL
	}
	dev.params = *p
	dev.hasParams = true
	return nil
}

// GetParams returns the stored parameters
func (d *Driver) GetParams(id uint32) (*uapi.UblkParams, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	dev, err := d.lookup(id)
	if err != nil {
		return nil, err
	}
	if !dev.hasParams {
		return nil, unix.EINVAL
	}
	p := dev.params
	return &p, nil
}

// GetDeviceInfo returns the device's current info block
func (d *Driver) GetDeviceInfo(id uint32) (*uapi.UblksrvCtrlDevInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	dev, err := d.lookup(id)
	if err != nil {
		return nil, err
	}
	info := dev.info
	return &info, nil
}

// GetFeatures reports the simulated driver's feature bits
func (d *Driver) GetFeatures() (uint64, error) { return Features, nil }

// OpenChannel opens the command channel of one queue
func (d *Driver) OpenChannel(ctx context.Context, id uint32, qid uint16) (*Channel, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	dev, err := d.lookup(id)
	if err != nil {
		return nil, err
	}
	if int(qid) >= len(dev.queues) {
		return nil, unix.EINVAL
	}
	if dev.queues[qid] != nil {
		return nil, unix.EBUSY
	}
	ch := newChannel(qid, &dev.info)
	dev.queues[qid] = ch
	return ch, nil
}

// StartDevice blocks until every queue has a FETCH_REQ outstanding for
// every tag and then moves the device to LIVE
func (d *Driver) StartDevice(id uint32) error {
	d.mu.Lock()
	dev, err := d.lookup(id)
	if err != nil {
		d.mu.Unlock()
		return err
	}
	if !dev.hasParams {
		d.mu.Unlock()
		return unix.EINVAL
	}
	if dev.info.State == uapi.UBLK_S_DEV_LIVE {
		d.mu.Unlock()
		return unix.EEXIST
	}
	queues := append([]*Channel(nil), dev.queues...)
	d.mu.Unlock()

	deadline := time.NewTimer(d.StartTimeout)
	defer deadline.Stop()
	for qid, ch := range queues {
		if ch == nil {
			return fmt.Errorf("queue %d never opened: %w", qid, unix.ENXIO)
		}
		select {
		case <-ch.allIn:
		case <-deadline.C:
			return unix.ETIMEDOUT
		}
	}

	d.mu.Lock()
	dev.info.State = uapi.UBLK_S_DEV_LIVE
	dev.info.UblksrvPID = int32(unix.Getpid())
	d.mu.Unlock()
	d.logger.Debug("sim: device live", "dev_id", id)
	return nil
}

// StopDevice moves the device out of LIVE and aborts every queue
func (d *Driver) StopDevice(id uint32) error {
	d.mu.Lock()
	dev, err := d.lookup(id)
	if err != nil {
		d.mu.Unlock()
		return err
	}
	dev.info.State = uapi.UBLK_S_DEV_DEAD
	queues := append([]*Channel(nil), dev.queues...)
	d.mu.Unlock()

	for _, ch := range queues {
		if ch != nil {
			ch.abort()
		}
	}
	return nil
}

// DeleteDevice stops the device if needed and forgets it
func (d *Driver) DeleteDevice(id uint32) error {
	if err := d.StopDevice(id); err != nil {
		return err
	}
	d.mu.Lock()
	delete(d.devices, id)
	d.mu.Unlock()
	return nil
}

// DeviceIDs lists the registered devices in ascending order
func (d *Driver) DeviceIDs() []uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	ids := make([]uint32, 0, len(d.devices))
	for id := range d.devices {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Submit injects a request on one queue and waits for the server to commit
// it. Requests to a device that is not live fail with -EIO.
func (d *Driver) Submit(ctx context.Context, id uint32, qid uint16, req Request) (Response, error) {
	d.mu.Lock()
	dev, err := d.lookup(id)
	if err != nil {
		d.mu.Unlock()
		return Response{}, err
	}
	if int(qid) >= len(dev.queues) || dev.queues[qid] == nil {
		d.mu.Unlock()
		return Response{}, unix.EINVAL
	}
	ch := dev.queues[qid]
	live := dev.info.State == uapi.UBLK_S_DEV_LIVE
	maxIO := dev.info.MaxIOBufBytes
	d.mu.Unlock()

	if !live {
		return Response{Result: -int32(unix.EIO)}, nil
	}
	if uint64(req.NrSectors)<<9 > uint64(maxIO) && req.Op != interfaces.OpReportZones &&
		req.Op != interfaces.OpDiscard && req.Op != interfaces.OpWriteZeroes {
		return Response{}, fmt.Errorf("request of %d sectors exceeds max io %d: %w", req.NrSectors, maxIO, unix.EINVAL)
	}

	done, err := ch.submit(req)
	if err != nil {
		return Response{}, err
	}
	select {
	case resp := <-done:
		return resp, nil
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}
}

// Close implements the driver surface; the simulation holds no resources
func (d *Driver) Close() error { return nil }
