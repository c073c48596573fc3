package constants

import "time"

// Default configuration constants
const (
	// DefaultQueueDepth is the default I/O queue depth per queue
	DefaultQueueDepth = 128

	// DefaultNumQueues is the default number of hardware queues
	DefaultNumQueues = 1

	// DefaultLogicalBlockSize is the default logical block size in bytes
	DefaultLogicalBlockSize = 512

	// MinLogicalBlockSize and MaxLogicalBlockSize bound the accepted block sizes
	MinLogicalBlockSize = 512
	MaxLogicalBlockSize = 4096

	// DefaultMaxIOSize is the default maximum I/O size in bytes (512KB).
	// It is also the size of each per-tag I/O buffer.
	DefaultMaxIOSize = 512 << 10

	// SectorShift converts between bytes and 512-byte kernel sectors
	SectorShift = 9

	// SectorSize is the kernel sector size in bytes
	SectorSize = 1 << SectorShift

	// NullDefaultCapacity is the size of a null device when none is given (250GB)
	NullDefaultCapacity = 250 << 30

	// MemDefaultCapacity is the size of a RAM device when none is given (64MB)
	MemDefaultCapacity = 64 << 20

	// ZonedDefaultCapacity is the size of a RAM-backed zoned device (1GB)
	ZonedDefaultCapacity = 1 << 30

	// DefaultZoneSize is the default zone size in bytes (4MB)
	DefaultZoneSize = 4 << 20

	// DefaultDiscardGranularity is the default discard granularity in bytes
	DefaultDiscardGranularity = 4096

	// DefaultMaxDiscardSectors is the default maximum sectors per discard
	DefaultMaxDiscardSectors = 0xffffffff

	// DefaultMaxDiscardSegments is the default maximum segments per discard
	DefaultMaxDiscardSegments = 1

	// AutoAssignDeviceID indicates the kernel should auto-assign a device ID
	AutoAssignDeviceID = -1
)

// Timing constants for device lifecycle
const (
	// CharDeviceTimeout bounds the wait for /dev/ublkcN after ADD_DEV
	CharDeviceTimeout = 5 * time.Second

	// DeviceLiveTimeout bounds the wait for the LIVE state after START_DEV
	DeviceLiveTimeout = 10 * time.Second

	// DevicePollingInterval is the interval to check for device readiness
	DevicePollingInterval = 10 * time.Millisecond

	// QueueStopTimeout bounds the wait for the queues to drain after STOP_DEV
	QueueStopTimeout = 5 * time.Second

	// ShmWaitTimeout bounds how long a launching process waits for a device id
	ShmWaitTimeout = 30 * time.Second
)
