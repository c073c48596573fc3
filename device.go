// Package ublk provides the main API for serving Linux userspace block
// devices. A Target supplies the storage semantics; CreateAndServe creates
// the kernel device, runs one queue reactor per hardware queue and keeps
// serving until the device is stopped.
package ublk

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
	"golang.org/x/sync/errgroup"

	"github.com/ehrlich-b/go-ublksrv/internal/constants"
	"github.com/ehrlich-b/go-ublksrv/internal/logging"
	"github.com/ehrlich-b/go-ublksrv/internal/queue"
	"github.com/ehrlich-b/go-ublksrv/internal/shm"
	"github.com/ehrlich-b/go-ublksrv/internal/uapi"
)

// DeviceParams contains the generic parameters of a device. Zero values
// leave the choice to the defaults and the target.
type DeviceParams struct {
	// Capacity in bytes; 0 lets the target pick (file size, default size)
	Capacity uint64

	LogicalBlockSize uint32 // 512 to 4096, power of two (default: 512)
	NumQueues        uint16 // number of hardware queues (default: 1)
	QueueDepth       uint16 // tags per queue (default: 128)
	MaxIOSize        uint32 // largest request and per-tag buffer (default: 512KB)

	ReadOnly      bool
	Rotational    bool
	VolatileCache bool
	EnableFUA     bool

	// DeviceID requests a specific id; AutoAssignDeviceID lets the driver pick
	DeviceID int32
}

// DefaultParams returns default device parameters
func DefaultParams() DeviceParams {
	return DeviceParams{
		LogicalBlockSize: constants.DefaultLogicalBlockSize,
		NumQueues:        constants.DefaultNumQueues,
		QueueDepth:       constants.DefaultQueueDepth,
		MaxIOSize:        constants.DefaultMaxIOSize,
		DeviceID:         constants.AutoAssignDeviceID,
	}
}

// seed writes the parameters into b ahead of the target's Init, which may
// refine them
func (p DeviceParams) seed(b *Builder) error {
	b.SetDefaultParams(p.Capacity)
	if p.LogicalBlockSize != 0 {
		if err := b.SetLogicalBlockSize(p.LogicalBlockSize); err != nil {
			return err
		}
	}
	if p.NumQueues != 0 {
		b.SetQueues(p.NumQueues)
	}
	if p.QueueDepth != 0 {
		b.SetDepth(p.QueueDepth)
	}
	if p.MaxIOSize != 0 {
		b.SetMaxIOBytes(p.MaxIOSize)
	}
	b.SetReadOnly(p.ReadOnly)
	b.SetRotational(p.Rotational)
	b.SetVolatileCache(p.VolatileCache)
	b.SetFUA(p.EnableFUA)
	return nil
}

// Options contains additional options for device creation
type Options struct {
	// Logger for lifecycle and queue messages (default: logging.Default())
	Logger *Logger

	// Observer receives every request measurement in addition to the
	// device's built-in Metrics
	Observer Observer

	// Exporter receives the same measurements labelled with the device id,
	// e.g. a PrometheusObserver
	Exporter DeviceObserver

	// Driver to create the device on (default: the kernel driver)
	Driver Driver

	// ShmID, when set, names the POSIX shm object the device id is
	// written to once the device is live
	ShmID string
}

// DeviceState represents the current state of a device
type DeviceState string

const (
	// DeviceStateCreated: the queues run but the device is not live yet
	DeviceStateCreated DeviceState = "created"
	// DeviceStateRunning: the device is live and serving I/O
	DeviceStateRunning DeviceState = "running"
	// DeviceStateStopped: every queue has exited
	DeviceStateStopped DeviceState = "stopped"
)

// Device is a served ublk block device
type Device struct {
	// ID is the device ID assigned by the driver
	ID uint32

	// Path is the block device (e.g., "/dev/ublkb0")
	Path string

	// CharPath is the character device (e.g., "/dev/ublkc0")
	CharPath string

	// Target serves the device's requests
	Target Target

	desc      Descriptor
	drv       Driver
	ownDriver bool
	logger    *logging.Logger
	metrics   *Metrics

	channels []queue.Channel
	reactors []*queue.Reactor
	cancel   context.CancelFunc
	running  bool          // reactors launched
	done     chan struct{} // closed once every reactor returned
	err      error         // first reactor error, valid after done
	live     atomic.Bool

	stopOnce  sync.Once
	stopErr   error
	closeOnce sync.Once
	closeErr  error
}

// CreateAndServe creates a device served by target and returns once it is
// live. The device keeps serving until ctx is cancelled, StopAndDelete is
// called, or a queue fails; Wait reports which.
//
// Example:
//
//	dev, err := ublk.CreateAndServe(ctx, target.NewMem(64<<20), ublk.DefaultParams(), nil)
//	if err != nil {
//		return err
//	}
//	defer ublk.StopAndDelete(context.Background(), dev)
func CreateAndServe(ctx context.Context, target Target, params DeviceParams, options *Options) (*Device, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if target == nil {
		return nil, NewError("CREATE", ErrCodeInvalidParameters, "a target is required")
	}
	if options == nil {
		options = &Options{}
	}
	logger := options.Logger
	if logger == nil {
		logger = logging.Default()
	}

	b := new(Builder)
	if err := params.seed(b); err != nil {
		return nil, WrapError("INIT", err)
	}
	if err := target.Init(b); err != nil {
		return nil, WrapError("INIT", err)
	}
	desc, err := b.Build()
	if err != nil {
		target.Close()
		return nil, WrapError("INIT", err)
	}

	drv, own := options.Driver, false
	if drv == nil {
		if drv, err = NewKernelDriver(); err != nil {
			target.Close()
			return nil, err
		}
		own = true
	}

	info := &uapi.UblksrvCtrlDevInfo{
		NrHwQueues:    desc.NrQueues,
		QueueDepth:    desc.QueueDepth,
		MaxIOBufBytes: desc.MaxIOBytes,
		DevID:         uint32(params.DeviceID),
		Flags:         desc.Features(),
	}
	id, err := drv.AddDevice(info)
	if err != nil {
		target.Close()
		if own {
			drv.Close()
		}
		return nil, WrapError("ADD_DEV", err)
	}

	d := &Device{
		ID:        id,
		Path:      uapi.UblkBlockDevicePath(id),
		CharPath:  uapi.UblkDevicePath(id),
		Target:    target,
		desc:      desc,
		drv:       drv,
		ownDriver: own,
		logger:    logger.WithDevice(int(id)),
		metrics:   NewMetrics(),
		done:      make(chan struct{}),
	}
	if n, ok := target.(Named); ok {
		d.logger = d.logger.WithTarget(n.Name())
	}

	if err := d.start(ctx, options); err != nil {
		d.logger.Error("device setup failed", "error", err)
		d.abort()
		return nil, err
	}
	go d.watch(ctx)
	return d, nil
}

func (d *Device) observer(opts *Options) Observer {
	obs := MultiObserver{NewMetricsObserver(d.metrics)}
	if opts.Observer != nil {
		obs = append(obs, opts.Observer)
	}
	if opts.Exporter != nil {
		obs = append(obs, opts.Exporter.ForDevice(d.ID))
	}
	if len(obs) == 1 {
		return obs[0]
	}
	return obs
}

// start sets the parameters, launches the queues and brings the device
// live. The queues must have fetched every tag before START_DEV returns.
func (d *Device) start(ctx context.Context, opts *Options) error {
	if err := d.drv.SetParams(d.ID, d.desc.Params()); err != nil {
		return wrapDevError("SET_PARAMS", d.ID, err)
	}

	obs := d.observer(opts)
	userCopy := d.desc.Features()&uapi.UBLK_F_USER_COPY != 0
	nq := int(d.desc.NrQueues)
	d.channels = make([]queue.Channel, 0, nq)
	d.reactors = make([]*queue.Reactor, 0, nq)
	for q := 0; q < nq; q++ {
		ch, err := d.drv.openChannel(ctx, queue.KernelChannelConfig{
			DevID:      d.ID,
			QueueID:    uint16(q),
			Depth:      d.desc.QueueDepth,
			MaxIOBytes: d.desc.MaxIOBytes,
			UserCopy:   userCopy,
			Logger:     d.logger,
		})
		if err != nil {
			e := wrapDevError("OPEN_QUEUE", d.ID, err)
			e.Queue = q
			return e
		}
		d.channels = append(d.channels, ch)

		r, err := queue.NewReactor(queue.Config{
			DevID:      d.ID,
			QueueID:    uint16(q),
			MaxIOBytes: d.desc.MaxIOBytes,
			UserCopy:   userCopy,
			Target:     d.Target,
			Channel:    ch,
			Logger:     d.logger,
			Observer:   obs,
		})
		if err != nil {
			return wrapDevError("OPEN_QUEUE", d.ID, err)
		}
		d.reactors = append(d.reactors, r)
	}

	d.launch()

	if err := d.drv.StartDevice(d.ID); err != nil {
		return wrapDevError("START_DEV", d.ID, err)
	}
	if err := d.waitLive(ctx); err != nil {
		return err
	}
	d.live.Store(true)
	d.metrics.Reset()

	if opts.ShmID != "" {
		if err := shm.New(opts.ShmID).Publish(d.ID); err != nil {
			return wrapDevError("SHM_PUBLISH", d.ID, err)
		}
	}

	d.logger.Info("device live",
		"path", d.Path,
		"capacity", d.desc.Capacity,
		"block_size", d.desc.LogicalBlockSize,
		"queues", d.desc.NrQueues,
		"depth", d.desc.QueueDepth,
		"read_only", d.desc.ReadOnly)
	return nil
}

// launch runs every reactor in its own goroutine. The first reactor to
// fail stops the device so the others drain too.
func (d *Device) launch() {
	runCtx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	g, gctx := errgroup.WithContext(runCtx)
	for q, r := range d.reactors {
		g.Go(func() error {
			if err := r.Run(gctx); err != nil {
				go d.stop()
				e := wrapDevError("QUEUE", d.ID, err)
				e.Queue = q
				return e
			}
			return nil
		})
	}
	d.running = true
	go func() {
		d.err = g.Wait()
		cancel()
		close(d.done)
	}()
}

var errNotLive = errors.New("device not live yet")

// waitLive polls the driver until the device reports LIVE
func (d *Device) waitLive(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = constants.DevicePollingInterval
	bo.MaxInterval = 100 * time.Millisecond
	bo.MaxElapsedTime = constants.DeviceLiveTimeout

	op := func() error {
		select {
		case <-d.done:
			if d.err != nil {
				return backoff.Permanent(d.err)
			}
			return backoff.Permanent(errors.New("queues exited before the device went live"))
		default:
		}
		info, err := d.drv.GetDeviceInfo(d.ID)
		if err != nil {
			return backoff.Permanent(err)
		}
		if info.State != uapi.UBLK_S_DEV_LIVE {
			return errNotLive
		}
		return nil
	}

	err := backoff.Retry(op, backoff.WithContext(bo, ctx))
	switch {
	case err == nil:
		return nil
	case errors.Is(err, errNotLive):
		return NewDeviceError("START_DEV", d.ID, ErrCodeTimeout, "device did not become live")
	}
	return wrapDevError("START_DEV", d.ID, err)
}

// watch stops the device when the creation context ends
func (d *Device) watch(ctx context.Context) {
	select {
	case <-ctx.Done():
		d.logger.Info("context done, stopping device")
		d.stop()
	case <-d.done:
	}
}

// stop asks the driver to abort every tag. If the driver refuses, the
// queues are cancelled directly.
func (d *Device) stop() error {
	d.stopOnce.Do(func() {
		if err := d.drv.StopDevice(d.ID); err != nil {
			d.stopErr = wrapDevError("STOP_DEV", d.ID, err)
			d.logger.Warn("stop failed, cancelling queues", "error", err)
			if d.cancel != nil {
				d.cancel()
			}
		}
	})
	return d.stopErr
}

// exited reports whether no reactor goroutine is left
func (d *Device) exited() bool {
	if !d.running {
		return true
	}
	select {
	case <-d.done:
		return true
	default:
		return false
	}
}

// abort undoes a partial setup
func (d *Device) abort() {
	if d.running {
		d.stop()
		select {
		case <-d.done:
		case <-time.After(constants.QueueStopTimeout):
			d.logger.Warn("queues did not drain, cancelling")
			d.cancel()
		}
	}
	if err := d.teardown(); err != nil {
		d.logger.Warn("cleanup after failed setup", "error", err)
	}
}

// teardown closes the queues, deletes the device and releases the target.
// Channels of reactors that are still running are left open.
func (d *Device) teardown() error {
	d.closeOnce.Do(func() {
		var errs []error
		if d.exited() {
			for _, ch := range d.channels {
				errs = append(errs, ch.Close())
			}
		} else {
			d.logger.Warn("queues still running, leaving channels open")
		}
		if err := d.drv.DeleteDevice(d.ID); err != nil {
			errs = append(errs, wrapDevError("DEL_DEV", d.ID, err))
		}
		if err := d.Target.Close(); err != nil {
			errs = append(errs, WrapError("TARGET_CLOSE", err))
		}
		d.metrics.Stop()
		d.live.Store(false)
		if d.ownDriver {
			errs = append(errs, d.drv.Close())
		}
		d.closeErr = errors.Join(errs...)
	})
	return d.closeErr
}

// Wait blocks until every queue has stopped. It returns nil after an
// orderly stop and the first queue error otherwise.
func (d *Device) Wait() error {
	<-d.done
	return d.err
}

// Done is closed once every queue has stopped
func (d *Device) Done() <-chan struct{} {
	return d.done
}

// StopAndDelete stops the device and removes it from the system. Every
// tag is aborted by the driver, the queues drain, and the device and its
// target are released. If ctx ends before the queues drain, the queues
// are cancelled and the device is left for a later call.
func StopAndDelete(ctx context.Context, device *Device) error {
	if device == nil {
		return ErrInvalidParameters
	}
	if ctx == nil {
		ctx = context.Background()
	}

	stopErr := device.stop()
	select {
	case <-device.done:
	case <-ctx.Done():
		device.cancel()
		return errors.Join(stopErr, WrapError("STOP_DEV", fmt.Errorf("waiting for queues: %w", ctx.Err())))
	}
	device.logger.Info("device stopped")
	return errors.Join(stopErr, device.teardown())
}

// State returns the current state of the device
func (d *Device) State() DeviceState {
	switch {
	case d == nil || d.exited():
		return DeviceStateStopped
	case d.live.Load():
		return DeviceStateRunning
	}
	return DeviceStateCreated
}

// IsRunning returns true if the device is currently serving I/O
func (d *Device) IsRunning() bool {
	return d.State() == DeviceStateRunning
}

// Descriptor returns the geometry the device was created with
func (d *Device) Descriptor() Descriptor {
	return d.desc
}

// NumQueues returns the number of hardware queues
func (d *Device) NumQueues() int {
	return int(d.desc.NrQueues)
}

// QueueDepth returns the number of tags per queue
func (d *Device) QueueDepth() int {
	return int(d.desc.QueueDepth)
}

// BlockSize returns the logical block size
func (d *Device) BlockSize() int {
	return int(d.desc.LogicalBlockSize)
}

// Size returns the capacity in bytes
func (d *Device) Size() int64 {
	return int64(d.desc.Capacity)
}

// Params re-reads the parameters the driver holds for the device
func (d *Device) Params() (DeviceAttrs, error) {
	p, err := d.drv.GetParams(d.ID)
	if err != nil {
		return DeviceAttrs{}, wrapDevError("GET_PARAMS", d.ID, err)
	}
	return attrsFromParams(p), nil
}

// DeviceInfo summarizes a device for listings
type DeviceInfo struct {
	ID         uint32      `json:"id"`
	BlockPath  string      `json:"block_path"`
	CharPath   string      `json:"char_path"`
	State      DeviceState `json:"state"`
	NumQueues  int         `json:"num_queues"`
	QueueDepth int         `json:"queue_depth"`
	BlockSize  int         `json:"block_size"`
	Size       int64       `json:"size"`
	Zoned      bool        `json:"zoned"`
	Running    bool        `json:"running"`
}

// Info returns a summary of the device
func (d *Device) Info() DeviceInfo {
	if d == nil {
		return DeviceInfo{}
	}
	state := d.State()
	return DeviceInfo{
		ID:         d.ID,
		BlockPath:  d.Path,
		CharPath:   d.CharPath,
		State:      state,
		NumQueues:  d.NumQueues(),
		QueueDepth: d.QueueDepth(),
		BlockSize:  d.BlockSize(),
		Size:       d.Size(),
		Zoned:      d.desc.Zoned != nil,
		Running:    state == DeviceStateRunning,
	}
}

// Metrics returns the device's built-in metrics
func (d *Device) Metrics() *Metrics {
	if d == nil {
		return nil
	}
	return d.metrics
}

// MetricsSnapshot returns a point-in-time snapshot of device metrics
func (d *Device) MetricsSnapshot() MetricsSnapshot {
	if d == nil || d.metrics == nil {
		return MetricsSnapshot{}
	}
	return d.metrics.Snapshot()
}

// TaskStates returns the state of every tag of queue q. It is only
// meaningful once the device has stopped.
func (d *Device) TaskStates(q int) []queue.TaskState {
	if q < 0 || q >= len(d.reactors) || !d.exited() {
		return nil
	}
	return d.reactors[q].States()
}
