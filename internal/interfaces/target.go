package interfaces

import (
	"fmt"

	"github.com/ehrlich-b/go-ublksrv/internal/uapi"
)

// Op is a block request operation (UBLK_IO_OP_*)
type Op uint8

const (
	OpRead         Op = uapi.UBLK_IO_OP_READ
	OpWrite        Op = uapi.UBLK_IO_OP_WRITE
	OpFlush        Op = uapi.UBLK_IO_OP_FLUSH
	OpDiscard      Op = uapi.UBLK_IO_OP_DISCARD
	OpWriteSame    Op = uapi.UBLK_IO_OP_WRITE_SAME
	OpWriteZeroes  Op = uapi.UBLK_IO_OP_WRITE_ZEROES
	OpZoneOpen     Op = uapi.UBLK_IO_OP_ZONE_OPEN
	OpZoneClose    Op = uapi.UBLK_IO_OP_ZONE_CLOSE
	OpZoneFinish   Op = uapi.UBLK_IO_OP_ZONE_FINISH
	OpZoneAppend   Op = uapi.UBLK_IO_OP_ZONE_APPEND
	OpZoneResetAll Op = uapi.UBLK_IO_OP_ZONE_RESET_ALL
	OpZoneReset    Op = uapi.UBLK_IO_OP_ZONE_RESET
	OpReportZones  Op = uapi.UBLK_IO_OP_REPORT_ZONES
)

var opNames = map[Op]string{
	OpRead:         "read",
	OpWrite:        "write",
	OpFlush:        "flush",
	OpDiscard:      "discard",
	OpWriteSame:    "write_same",
	OpWriteZeroes:  "write_zeroes",
	OpZoneOpen:     "zone_open",
	OpZoneClose:    "zone_close",
	OpZoneFinish:   "zone_finish",
	OpZoneAppend:   "zone_append",
	OpZoneResetAll: "zone_reset_all",
	OpZoneReset:    "zone_reset",
	OpReportZones:  "report_zones",
}

func (o Op) String() string {
	if s, ok := opNames[o]; ok {
		return s
	}
	return fmt.Sprintf("op(%d)", uint8(o))
}

// CarriesData reports whether the request moves data through the tag
// buffer, and in which direction
func (o Op) CarriesData() (in, out bool) {
	switch o {
	case OpWrite, OpZoneAppend:
		return true, false
	case OpRead, OpReportZones:
		return false, true
	}
	return false, false
}

// IO describes one block request handed to a Target. It is valid for a
// single request cycle; Buf must not be retained past the Outcome that
// completes it.
type IO struct {
	Queue       uint16
	Tag         uint16
	Op          Op
	Flags       uint32 // UBLK_IO_F_*
	StartSector uint64 // 512-byte sectors
	NrSectors   uint32 // for REPORT_ZONES: number of zones requested

	// Buf is the tag's I/O buffer sliced to the request length. It is nil
	// for requests that carry no data.
	Buf []byte
}

// Offset returns the byte offset of the request
func (io *IO) Offset() uint64 { return io.StartSector << 9 }

// Len returns the byte length of the request
func (io *IO) Len() uint64 { return uint64(io.NrSectors) << 9 }

// BackingKind selects the operation of a BackingOp
type BackingKind uint8

const (
	BackingRead BackingKind = iota
	BackingWrite
	BackingFsync
	BackingFallocate
)

func (k BackingKind) String() string {
	switch k {
	case BackingRead:
		return "pread"
	case BackingWrite:
		return "pwrite"
	case BackingFsync:
		return "fsync"
	case BackingFallocate:
		return "fallocate"
	}
	return fmt.Sprintf("backing(%d)", uint8(k))
}

// BackingOp is asynchronous I/O a target needs before it can complete a
// request. The queue submits it on the same ring as the ublk commands and
// resumes the request when it completes.
type BackingOp struct {
	Kind   BackingKind
	FD     int32
	Buf    []byte // read/write payload; must be the IO's Buf or a sub-slice
	Offset uint64
	Length uint64 // fallocate only
	Mode   uint32 // fallocate mode or fsync flags
}

// Outcome is the result of handling a request. Either the request is done
// (Backing == nil) and Result is committed to the kernel, or the request
// is suspended until Backing completes.
type Outcome struct {
	// Result is the byte count on success or a negative errno
	Result int32

	// ZoneAppendLBA is the sector written by a successful ZONE_APPEND
	ZoneAppendLBA uint64

	Backing *BackingOp
}

// Done completes a request with res
func Done(res int32) Outcome { return Outcome{Result: res} }

// Await suspends a request on op
func Await(op BackingOp) Outcome { return Outcome{Backing: &op} }

// Target implements the storage semantics of a device. Handle is called
// from queue goroutines, one request at a time per queue but concurrently
// across queues; a Target shared by several queues coordinates its own
// state.
type Target interface {
	// Init sets the device geometry. It runs once, before the kernel
	// device is created.
	Init(b *Builder) error

	// Handle processes one request
	Handle(io *IO) Outcome

	// Close releases target resources after every queue has stopped
	Close() error
}

// BackingFinisher is implemented by targets that post-process the result
// of their own BackingOps. Without it, the backing result is committed as
// the request result.
type BackingFinisher interface {
	FinishBacking(io *IO, res int32) Outcome
}

// Named is implemented by targets that report a short type name for
// logging and listings
type Named interface {
	Name() string
}
