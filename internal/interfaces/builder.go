package interfaces

import (
	"errors"
	"fmt"
	"math/bits"

	"github.com/ehrlich-b/go-ublksrv/internal/constants"
	"github.com/ehrlich-b/go-ublksrv/internal/uapi"
)

// ErrInvalidGeometry is returned for a device geometry the kernel would
// reject
var ErrInvalidGeometry = errors.New("invalid device geometry")

// maxIOBytes is the largest per-request buffer addressable by ublk
const maxIOBytes = 1 << uapi.UBLK_IO_BUF_BITS

// ZoneGeometry describes a host-managed zoned device
type ZoneGeometry struct {
	ZoneSectors    uint32 // zone size in 512-byte sectors
	MaxOpenZones   uint32 // 0 means unlimited
	MaxActiveZones uint32 // 0 means unlimited
}

// Descriptor is the validated, immutable geometry of a device. It is
// shared read-only by every queue.
type Descriptor struct {
	Capacity          uint64 // bytes
	LogicalBlockSize  uint32
	PhysicalBlockSize uint32
	MaxIOBytes        uint32
	NrQueues          uint16
	QueueDepth        uint16

	ReadOnly      bool
	Rotational    bool
	VolatileCache bool
	FUA           bool
	Discard       bool

	// Zoned is nil for conventional devices
	Zoned *ZoneGeometry
}

// Sectors returns the capacity in 512-byte sectors
func (d Descriptor) Sectors() uint64 { return d.Capacity >> constants.SectorShift }

// NrZones returns the number of zones of a zoned device
func (d Descriptor) NrZones() uint32 {
	if d.Zoned == nil || d.Zoned.ZoneSectors == 0 {
		return 0
	}
	return uint32(d.Sectors() / uint64(d.Zoned.ZoneSectors))
}

// Features returns the UBLK_F_* flags the device needs
func (d Descriptor) Features() uint64 {
	flags := uint64(uapi.UBLK_F_CMD_IOCTL_ENCODE | uapi.UBLK_F_URING_CMD_COMP_IN_TASK)
	if d.Zoned != nil {
		// the driver only accepts zoned devices in user-copy mode
		flags |= uapi.UBLK_F_ZONED | uapi.UBLK_F_USER_COPY
	}
	return flags
}

// Params converts the descriptor to the SET_PARAMS payload
func (d Descriptor) Params() *uapi.UblkParams {
	p := &uapi.UblkParams{}
	p.SetBasic()
	p.Basic.LogicalBSShift = uint8(bits.TrailingZeros32(d.LogicalBlockSize))
	p.Basic.PhysicalBSShift = uint8(bits.TrailingZeros32(d.PhysicalBlockSize))
	p.Basic.IOMinShift = p.Basic.PhysicalBSShift
	p.Basic.IOOptShift = p.Basic.PhysicalBSShift
	p.Basic.MaxSectors = d.MaxIOBytes >> constants.SectorShift
	p.Basic.DevSectors = d.Sectors()

	if d.ReadOnly {
		p.Basic.Attrs |= uapi.UBLK_ATTR_READ_ONLY
	}
	if d.Rotational {
		p.Basic.Attrs |= uapi.UBLK_ATTR_ROTATIONAL
	}
	if d.VolatileCache {
		p.Basic.Attrs |= uapi.UBLK_ATTR_VOLATILE_CACHE
	}
	if d.FUA {
		p.Basic.Attrs |= uapi.UBLK_ATTR_FUA
	}

	if d.Discard {
		p.SetDiscard()
		p.Discard.DiscardGranularity = max(d.PhysicalBlockSize, constants.DefaultDiscardGranularity)
		p.Discard.MaxDiscardSectors = constants.DefaultMaxDiscardSectors
		p.Discard.MaxWriteZeroesSectors = constants.DefaultMaxDiscardSectors
		p.Discard.MaxDiscardSegments = constants.DefaultMaxDiscardSegments
	}

	if z := d.Zoned; z != nil {
		p.SetZoned()
		p.Basic.ChunkSectors = z.ZoneSectors
		p.Zoned.MaxOpenZones = z.MaxOpenZones
		p.Zoned.MaxActiveZones = z.MaxActiveZones
		p.Zoned.MaxZoneAppendSectors = p.Basic.MaxSectors
	}
	return p
}

// Builder accumulates device geometry. The coordinator seeds it from the
// device parameters, the target's Init adjusts it, and Build validates it.
type Builder struct {
	d Descriptor
}

// NewBuilder returns a builder holding the default geometry for a device
// of capacity bytes
func NewBuilder(capacity uint64) *Builder {
	b := &Builder{}
	b.SetDefaultParams(capacity)
	return b
}

// SetDefaultParams resets the geometry to the defaults: 512-byte blocks,
// 512 KiB max I/O, one queue of depth 128
func (b *Builder) SetDefaultParams(capacity uint64) {
	b.d = Descriptor{
		Capacity:          capacity,
		LogicalBlockSize:  constants.DefaultLogicalBlockSize,
		PhysicalBlockSize: constants.DefaultLogicalBlockSize,
		MaxIOBytes:        constants.DefaultMaxIOSize,
		NrQueues:          constants.DefaultNumQueues,
		QueueDepth:        constants.DefaultQueueDepth,
	}
}

// Current returns the geometry accumulated so far, unvalidated
func (b *Builder) Current() Descriptor { return b.d }

// SetCapacity sets the device size in bytes
func (b *Builder) SetCapacity(capacity uint64) { b.d.Capacity = capacity }

// SetLogicalBlockSize sets the logical block size, which must be a power
// of two in [512, 4096]. The physical block size is raised to match.
func (b *Builder) SetLogicalBlockSize(bs uint32) error {
	if !validBlockSize(bs) {
		return fmt.Errorf("%w: logical block size %d", ErrInvalidGeometry, bs)
	}
	b.d.LogicalBlockSize = bs
	if b.d.PhysicalBlockSize < bs {
		b.d.PhysicalBlockSize = bs
	}
	return nil
}

// SetPhysicalBlockSize sets the physical block size
func (b *Builder) SetPhysicalBlockSize(bs uint32) error {
	if bs == 0 || bs&(bs-1) != 0 {
		return fmt.Errorf("%w: physical block size %d", ErrInvalidGeometry, bs)
	}
	b.d.PhysicalBlockSize = bs
	return nil
}

// SetReadOnly marks the device read-only
func (b *Builder) SetReadOnly(ro bool) { b.d.ReadOnly = ro }

// SetQueues sets the number of hardware queues
func (b *Builder) SetQueues(n uint16) { b.d.NrQueues = n }

// SetDepth sets the per-queue depth (number of tags)
func (b *Builder) SetDepth(n uint16) { b.d.QueueDepth = n }

// SetMaxIOBytes sets the largest request size and per-tag buffer size
func (b *Builder) SetMaxIOBytes(n uint32) { b.d.MaxIOBytes = n }

// SetRotational, SetVolatileCache and SetFUA set block device attributes
func (b *Builder) SetRotational(v bool)    { b.d.Rotational = v }
func (b *Builder) SetVolatileCache(v bool) { b.d.VolatileCache = v }
func (b *Builder) SetFUA(v bool)           { b.d.FUA = v }

// SetDiscard advertises DISCARD and WRITE_ZEROES support
func (b *Builder) SetDiscard(v bool) { b.d.Discard = v }

// SetZoned makes the device host-managed zoned with zoneBytes sized zones
func (b *Builder) SetZoned(zoneBytes uint64, maxOpen, maxActive uint32) {
	b.d.Zoned = &ZoneGeometry{
		ZoneSectors:    uint32(zoneBytes >> constants.SectorShift),
		MaxOpenZones:   maxOpen,
		MaxActiveZones: maxActive,
	}
}

// Build validates the accumulated geometry
func (b *Builder) Build() (Descriptor, error) {
	d := b.d
	switch {
	case !validBlockSize(d.LogicalBlockSize):
		return Descriptor{}, fmt.Errorf("%w: logical block size %d", ErrInvalidGeometry, d.LogicalBlockSize)
	case d.PhysicalBlockSize < d.LogicalBlockSize || d.PhysicalBlockSize&(d.PhysicalBlockSize-1) != 0:
		return Descriptor{}, fmt.Errorf("%w: physical block size %d", ErrInvalidGeometry, d.PhysicalBlockSize)
	case d.Capacity == 0 || d.Capacity%uint64(d.LogicalBlockSize) != 0:
		return Descriptor{}, fmt.Errorf("%w: capacity %d is not a positive multiple of %d",
			ErrInvalidGeometry, d.Capacity, d.LogicalBlockSize)
	case d.NrQueues == 0 || d.NrQueues > uapi.UBLK_MAX_NR_QUEUES:
		return Descriptor{}, fmt.Errorf("%w: %d queues", ErrInvalidGeometry, d.NrQueues)
	case d.QueueDepth == 0 || d.QueueDepth > uapi.UBLK_MAX_QUEUE_DEPTH:
		return Descriptor{}, fmt.Errorf("%w: queue depth %d", ErrInvalidGeometry, d.QueueDepth)
	case d.MaxIOBytes < d.LogicalBlockSize || d.MaxIOBytes > maxIOBytes || d.MaxIOBytes%d.LogicalBlockSize != 0:
		return Descriptor{}, fmt.Errorf("%w: max I/O size %d", ErrInvalidGeometry, d.MaxIOBytes)
	}

	if z := d.Zoned; z != nil {
		zoneBytes := uint64(z.ZoneSectors) << constants.SectorShift
		switch {
		case zoneBytes == 0 || zoneBytes&(zoneBytes-1) != 0 || zoneBytes%uint64(d.LogicalBlockSize) != 0:
			return Descriptor{}, fmt.Errorf("%w: zone size %d", ErrInvalidGeometry, zoneBytes)
		case d.Capacity < zoneBytes || d.Capacity%zoneBytes != 0:
			return Descriptor{}, fmt.Errorf("%w: capacity %d is not a multiple of zone size %d",
				ErrInvalidGeometry, d.Capacity, zoneBytes)
		case z.MaxActiveZones != 0 && z.MaxOpenZones > z.MaxActiveZones:
			return Descriptor{}, fmt.Errorf("%w: max open zones %d exceeds max active zones %d",
				ErrInvalidGeometry, z.MaxOpenZones, z.MaxActiveZones)
		}
		zg := *z
		d.Zoned = &zg
	}
	return d, nil
}

func validBlockSize(bs uint32) bool {
	return bs >= constants.MinLogicalBlockSize && bs <= constants.MaxLogicalBlockSize && bs&(bs-1) == 0
}
