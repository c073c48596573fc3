package uring

// Kernel io_uring opcodes (include/uapi/linux/io_uring.h). These values are
// ABI and stable across kernels.
const (
	opFsync     uint8 = 3
	opFallocate uint8 = 17
	opRead      uint8 = 22
	opWrite     uint8 = 23
	opUringCmd  uint8 = 46 // Linux 6.0+
)

// IORING_FSYNC_DATASYNC
const FsyncDatasync = 1 << 0
