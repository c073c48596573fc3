package ublk

import (
	"fmt"

	"github.com/ehrlich-b/go-ublksrv/internal/uapi"
)

// DeviceAttrs is the driver's view of a device's block attributes
type DeviceAttrs struct {
	Sectors           uint64 // capacity in 512-byte sectors
	LogicalBlockSize  uint32
	PhysicalBlockSize uint32
	MaxSectors        uint32
	ReadOnly          bool
	Rotational        bool
	VolatileCache     bool
	FUA               bool
	Discard           bool
	Zoned             bool
	ZoneSectors       uint32
	MaxOpenZones      uint32
	MaxActiveZones    uint32
}

// Capacity returns the device size in bytes
func (a DeviceAttrs) Capacity() uint64 { return a.Sectors << 9 }

func attrsFromParams(p *uapi.UblkParams) DeviceAttrs {
	a := DeviceAttrs{
		Sectors:           p.Basic.DevSectors,
		LogicalBlockSize:  p.LogicalBlockSize(),
		PhysicalBlockSize: 1 << p.Basic.PhysicalBSShift,
		MaxSectors:        p.Basic.MaxSectors,
		ReadOnly:          p.ReadOnly(),
		Rotational:        p.Basic.Attrs&uapi.UBLK_ATTR_ROTATIONAL != 0,
		VolatileCache:     p.Basic.Attrs&uapi.UBLK_ATTR_VOLATILE_CACHE != 0,
		FUA:               p.Basic.Attrs&uapi.UBLK_ATTR_FUA != 0,
		Discard:           p.HasDiscard(),
	}
	if p.HasZoned() {
		a.Zoned = true
		a.ZoneSectors = p.Basic.ChunkSectors
		a.MaxOpenZones = p.Zoned.MaxOpenZones
		a.MaxActiveZones = p.Zoned.MaxActiveZones
	}
	return a
}

// DeviceStatus is what the driver reports for a device
type DeviceStatus struct {
	ID         uint32
	State      string
	NrQueues   uint16
	QueueDepth uint16
	MaxIOBytes uint32
	Flags      uint64
	ServerPID  int32
	Attrs      DeviceAttrs // zero if the parameters were never set
}

func stateName(s uint16) string {
	switch s {
	case uapi.UBLK_S_DEV_DEAD:
		return "DEAD"
	case uapi.UBLK_S_DEV_LIVE:
		return "LIVE"
	case uapi.UBLK_S_DEV_QUIESCED:
		return "QUIESCED"
	}
	return fmt.Sprintf("state(%d)", s)
}

// QueryDevice reads the info and parameters of device devID from drv. It
// works for devices served by other processes.
func QueryDevice(drv Driver, devID uint32) (DeviceStatus, error) {
	info, err := drv.GetDeviceInfo(devID)
	if err != nil {
		return DeviceStatus{}, wrapDevError("GET_DEV_INFO", devID, err)
	}
	st := DeviceStatus{
		ID:         info.DevID,
		State:      stateName(info.State),
		NrQueues:   info.NrHwQueues,
		QueueDepth: info.QueueDepth,
		MaxIOBytes: info.MaxIOBufBytes,
		Flags:      info.Flags,
		ServerPID:  info.UblksrvPID,
	}
	if p, err := drv.GetParams(devID); err == nil {
		st.Attrs = attrsFromParams(p)
	}
	return st, nil
}

// featureNames names the UBLK_F_* bits in bit order
var featureNames = []struct {
	bit  uint64
	name string
}{
	{uapi.UBLK_F_SUPPORT_ZERO_COPY, "ZERO_COPY"},
	{uapi.UBLK_F_URING_CMD_COMP_IN_TASK, "COMP_IN_TASK"},
	{uapi.UBLK_F_NEED_GET_DATA, "NEED_GET_DATA"},
	{uapi.UBLK_F_USER_RECOVERY, "USER_RECOVERY"},
	{uapi.UBLK_F_USER_RECOVERY_REISSUE, "RECOVERY_REISSUE"},
	{uapi.UBLK_F_UNPRIVILEGED_DEV, "UNPRIVILEGED_DEV"},
	{uapi.UBLK_F_CMD_IOCTL_ENCODE, "CMD_IOCTL_ENCODE"},
	{uapi.UBLK_F_USER_COPY, "USER_COPY"},
	{uapi.UBLK_F_ZONED, "ZONED"},
}

// FeatureNames lists the names of the UBLK_F_* bits set in flags
func FeatureNames(flags uint64) []string {
	var names []string
	for _, f := range featureNames {
		if flags&f.bit != 0 {
			names = append(names, f.name)
		}
	}
	return names
}
