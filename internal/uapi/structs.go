package uapi

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"unsafe"
)

// ErrInsufficientData is returned when a buffer is too short to decode
var ErrInsufficientData = errors.New("insufficient data for unmarshaling")

// UblksrvCtrlCmd must match kernel struct exactly (32 bytes).
// It is placed in the SQE128 command area of a URING_CMD:
//
//	struct ublksrv_ctrl_cmd {
//	  __u32 dev_id;        // device id (0xFFFFFFFF for new device)
//	  __u16 queue_id;      // 0xFFFF for control ops
//	  __u16 len;           // data length for buffer at addr
//	  __u64 addr;          // userspace buffer address (IN/OUT depending on op)
//	  __u64 data[1];       // inline payload (op-specific)
//	  __u16 dev_path_len;  // for unprivileged mode only
//	  __u16 pad;
//	  __u32 reserved;
//	};
type UblksrvCtrlCmd struct {
	DevID      uint32
	QueueID    uint16
	Len        uint16
	Addr       uint64
	Data       uint64
	DevPathLen uint16
	Pad        uint16
	Reserved   uint32
}

// CtrlCmdSize is sizeof(struct ublksrv_ctrl_cmd)
const CtrlCmdSize = 32

var _ [CtrlCmdSize]byte = [unsafe.Sizeof(UblksrvCtrlCmd{})]byte{}

// UblksrvCtrlDevInfo contains device information
type UblksrvCtrlDevInfo struct {
	NrHwQueues    uint16 // number of hardware queues
	QueueDepth    uint16 // depth per queue
	State         uint16 // device state (UBLK_S_*)
	Pad0          uint16
	MaxIOBufBytes uint32 // max I/O buffer size
	DevID         uint32 // device ID
	UblksrvPID    int32  // server process ID
	Pad1          uint32
	Flags         uint64 // feature flags
	UblksrvFlags  uint64 // server-internal flags (invisible to driver)
	OwnerUID      uint32 // owner UID (set by kernel)
	OwnerGID      uint32 // owner GID (set by kernel)
	Reserved1     uint64
	Reserved2     uint64
}

// DevInfoSize is sizeof(struct ublksrv_ctrl_dev_info)
const DevInfoSize = 64

var _ [DevInfoSize]byte = [unsafe.Sizeof(UblksrvCtrlDevInfo{})]byte{}

// UblksrvIODesc describes each I/O operation (stored in shared memory).
// Layout must match Linux's struct ublksrv_io_desc exactly (24 bytes).
type UblksrvIODesc struct {
	OpFlags     uint32 // op: bits 0-7, flags: bits 8-31
	NrSectors   uint32 // number of sectors (or nr_zones for REPORT_ZONES)
	StartSector uint64 // starting sector
	Addr        uint64 // buffer address in userspace
}

// IODescSize is sizeof(struct ublksrv_io_desc)
const IODescSize = 24

var _ [IODescSize]byte = [unsafe.Sizeof(UblksrvIODesc{})]byte{}

// GetOp extracts the operation code from OpFlags
func (d *UblksrvIODesc) GetOp() uint8 {
	return uint8(d.OpFlags & 0xff)
}

// GetFlags extracts the flags from OpFlags
func (d *UblksrvIODesc) GetFlags() uint32 {
	return d.OpFlags >> 8
}

// UblksrvIOCmd is issued to ublk driver via /dev/ublkcN
type UblksrvIOCmd struct {
	QID    uint16 // queue ID
	Tag    uint16 // request tag
	Result int32  // I/O result (valid for COMMIT* commands only)
	// Union: buffer address for FETCH*, zone append LBA for a committed
	// UBLK_IO_OP_ZONE_APPEND.
	Addr uint64
}

// IOCmdSize is sizeof(struct ublksrv_io_cmd)
const IOCmdSize = 16

var _ [IOCmdSize]byte = [unsafe.Sizeof(UblksrvIOCmd{})]byte{}

// SetZoneAppendLBA sets the zone append LBA (reuses Addr field)
func (c *UblksrvIOCmd) SetZoneAppendLBA(lba uint64) {
	c.Addr = lba
}

// UblkParamBasic contains basic device parameters
type UblkParamBasic struct {
	Attrs            uint32 // attribute flags (UBLK_ATTR_*)
	LogicalBSShift   uint8
	PhysicalBSShift  uint8
	IOOptShift       uint8
	IOMinShift       uint8
	MaxSectors       uint32 // max sectors per request
	ChunkSectors     uint32
	DevSectors       uint64 // device size in 512-byte sectors
	VirtBoundaryMask uint64
}

// UblkParamDiscard contains discard-related parameters
type UblkParamDiscard struct {
	DiscardAlignment      uint32
	DiscardGranularity    uint32
	MaxDiscardSectors     uint32
	MaxWriteZeroesSectors uint32
	MaxDiscardSegments    uint16
	Reserved0             uint16
}

// UblkParamDevt contains device numbers (read-only)
type UblkParamDevt struct {
	CharMajor uint32
	CharMinor uint32
	DiskMajor uint32
	DiskMinor uint32
}

// UblkParamZoned contains zoned device parameters
type UblkParamZoned struct {
	MaxOpenZones         uint32
	MaxActiveZones       uint32
	MaxZoneAppendSectors uint32
	Reserved             [20]uint8
}

// UblkParams mirrors struct ublk_params. The kernel reads every member at
// a fixed offset, so the whole struct is always transferred and Types
// selects which members are valid.
type UblkParams struct {
	Len     uint32
	Types   uint32
	Basic   UblkParamBasic
	Discard UblkParamDiscard
	Devt    UblkParamDevt
	Zoned   UblkParamZoned
}

// HasBasic returns true if basic parameters are included
func (p *UblkParams) HasBasic() bool { return p.Types&UBLK_PARAM_TYPE_BASIC != 0 }

// HasDiscard returns true if discard parameters are included
func (p *UblkParams) HasDiscard() bool { return p.Types&UBLK_PARAM_TYPE_DISCARD != 0 }

// HasDevt returns true if device number parameters are included
func (p *UblkParams) HasDevt() bool { return p.Types&UBLK_PARAM_TYPE_DEVT != 0 }

// HasZoned returns true if zoned parameters are included
func (p *UblkParams) HasZoned() bool { return p.Types&UBLK_PARAM_TYPE_ZONED != 0 }

// SetBasic marks basic parameters as included
func (p *UblkParams) SetBasic() { p.Types |= UBLK_PARAM_TYPE_BASIC }

// SetDiscard marks discard parameters as included
func (p *UblkParams) SetDiscard() { p.Types |= UBLK_PARAM_TYPE_DISCARD }

// SetZoned marks zoned parameters as included
func (p *UblkParams) SetZoned() { p.Types |= UBLK_PARAM_TYPE_ZONED }

// ReadOnly reports whether the basic attributes mark the device read-only
func (p *UblkParams) ReadOnly() bool { return p.Basic.Attrs&UBLK_ATTR_READ_ONLY != 0 }

// LogicalBlockSize returns the logical block size in bytes
func (p *UblkParams) LogicalBlockSize() uint32 { return 1 << p.Basic.LogicalBSShift }

// MarshalParams encodes p in the kernel layout and sets Len accordingly
func MarshalParams(p *UblkParams) []byte {
	p.Len = uint32(binary.Size(p))
	return Marshal(p)
}

// UnmarshalParams decodes a kernel struct ublk_params
func UnmarshalParams(data []byte, p *UblkParams) error {
	return Unmarshal(data, p)
}

// Marshal encodes a fixed-size UAPI struct in kernel (little-endian) layout
func Marshal(v any) []byte {
	var buf bytes.Buffer
	buf.Grow(binary.Size(v))
	// bytes.Buffer writes never fail
	_ = binary.Write(&buf, binary.LittleEndian, v)
	return buf.Bytes()
}

// Unmarshal decodes a fixed-size UAPI struct from data
func Unmarshal(data []byte, v any) error {
	n := binary.Size(v)
	if n < 0 {
		return fmt.Errorf("unmarshal %T: not a fixed-size struct", v)
	}
	if len(data) < n {
		return fmt.Errorf("unmarshal %T: %w (%d < %d bytes)", v, ErrInsufficientData, len(data), n)
	}
	return binary.Read(bytes.NewReader(data[:n]), binary.LittleEndian, v)
}

// BlkZone mirrors struct blk_zone, the record filled in for REPORT_ZONES
type BlkZone struct {
	Start    uint64 // zone start sector
	Len      uint64 // zone length in sectors
	WP       uint64 // write pointer position
	Type     uint8
	Cond     uint8
	NonSeq   uint8
	Reset    uint8
	Resv     [4]uint8
	Capacity uint64 // zone capacity in sectors
	Reserved [24]uint8
}

// BlkZoneSize is sizeof(struct blk_zone)
const BlkZoneSize = 64

var _ [BlkZoneSize]byte = [unsafe.Sizeof(BlkZone{})]byte{}

// PutBlkZone encodes z into the first BlkZoneSize bytes of dst
func PutBlkZone(dst []byte, z *BlkZone) {
	le := binary.LittleEndian
	le.PutUint64(dst[0:8], z.Start)
	le.PutUint64(dst[8:16], z.Len)
	le.PutUint64(dst[16:24], z.WP)
	dst[24] = z.Type
	dst[25] = z.Cond
	dst[26] = z.NonSeq
	dst[27] = z.Reset
	copy(dst[28:32], z.Resv[:])
	le.PutUint64(dst[32:40], z.Capacity)
	copy(dst[40:64], z.Reserved[:])
}

// Device file paths
const (
	UBLK_CONTROL_DEV = "/dev/ublk-control"
)

// UblkDevicePath returns the path to the character device
func UblkDevicePath(devID uint32) string {
	return fmt.Sprintf("/dev/ublkc%d", devID)
}

// UblkBlockDevicePath returns the path to the block device
func UblkBlockDevicePath(devID uint32) string {
	return fmt.Sprintf("/dev/ublkb%d", devID)
}
