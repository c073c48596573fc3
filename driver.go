package ublk

import (
	"context"

	"github.com/ehrlich-b/go-ublksrv/internal/ctrl"
	"github.com/ehrlich-b/go-ublksrv/internal/queue"
	"github.com/ehrlich-b/go-ublksrv/internal/sim"
	"github.com/ehrlich-b/go-ublksrv/internal/uapi"
)

// Driver is the ublk driver a device is created on: its control commands
// and the per-queue command channels. NewKernelDriver talks to the Linux
// ublk module; NewSimDriver runs the same protocol in-process.
type Driver interface {
	AddDevice(info *uapi.UblksrvCtrlDevInfo) (uint32, error)
	SetParams(devID uint32, p *uapi.UblkParams) error
	GetParams(devID uint32) (*uapi.UblkParams, error)
	GetDeviceInfo(devID uint32) (*uapi.UblksrvCtrlDevInfo, error)
	GetFeatures() (uint64, error)
	StartDevice(devID uint32) error
	StopDevice(devID uint32) error
	DeleteDevice(devID uint32) error
	Close() error

	openChannel(ctx context.Context, cfg queue.KernelChannelConfig) (queue.Channel, error)
}

// kernelDriver drives /dev/ublk-control and /dev/ublkcN
type kernelDriver struct {
	*ctrl.Controller
}

// NewKernelDriver opens the ublk control device
func NewKernelDriver() (Driver, error) {
	c, err := ctrl.NewController()
	if err != nil {
		return nil, WrapError("OPEN_CONTROL", err)
	}
	return &kernelDriver{Controller: c}, nil
}

func (k *kernelDriver) openChannel(ctx context.Context, cfg queue.KernelChannelConfig) (queue.Channel, error) {
	ch, err := queue.OpenKernelChannel(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// SimDriver is an in-process ublk driver. Devices created on it serve
// requests injected with Submit; nothing reaches the kernel.
type SimDriver struct {
	*sim.Driver
}

// NewSimDriver returns an empty simulated driver
func NewSimDriver() *SimDriver {
	return &SimDriver{Driver: sim.NewDriver()}
}

func (s *SimDriver) openChannel(ctx context.Context, cfg queue.KernelChannelConfig) (queue.Channel, error) {
	ch, err := s.Driver.OpenChannel(ctx, cfg.DevID, cfg.QueueID)
	if err != nil {
		return nil, err
	}
	return ch, nil
}

var (
	_ Driver = (*kernelDriver)(nil)
	_ Driver = (*SimDriver)(nil)
)
