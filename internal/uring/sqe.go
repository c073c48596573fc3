package uring

import (
	"unsafe"
)

// sqe128 is the kernel layout of a 128-byte submission queue entry
// (IORING_SETUP_SQE128). For URING_CMD the command payload starts at
// offset 48, overlaying addr3 and the trailing pad of the 64-byte form.
type sqe128 struct {
	opcode      uint8
	flags       uint8
	ioprio      uint16
	fd          int32
	off         uint64 // cmd_op (low 32 bits) for URING_CMD
	addr        uint64
	len         uint32
	opcodeFlags uint32 // rw_flags, fsync_flags, uring_cmd_flags
	userData    uint64
	bufIndex    uint16
	personality uint16
	spliceFdIn  int32
	cmd         [80]byte
}

const sqe128Size = 128

var _ [sqe128Size]byte = [unsafe.Sizeof(sqe128{})]byte{}

// CmdAreaSize is the number of payload bytes available to a URING_CMD
const CmdAreaSize = 80

func (s *sqe128) prepUringCmd(fd int32, cmdOp uint32, payload []byte, userData uint64) {
	*s = sqe128{}
	s.opcode = opUringCmd
	s.fd = fd
	s.off = uint64(cmdOp)
	s.userData = userData
	copy(s.cmd[:], payload)
}

func (s *sqe128) prepRW(op uint8, fd int32, buf []byte, offset uint64, userData uint64) {
	*s = sqe128{}
	s.opcode = op
	s.fd = fd
	s.off = offset
	if len(buf) > 0 {
		s.addr = uint64(uintptr(unsafe.Pointer(&buf[0])))
	}
	s.len = uint32(len(buf))
	s.userData = userData
}

func (s *sqe128) prepFsync(fd int32, flags uint32, userData uint64) {
	*s = sqe128{}
	s.opcode = opFsync
	s.fd = fd
	s.opcodeFlags = flags
	s.userData = userData
}

// fallocate passes the length in addr and the mode in len
func (s *sqe128) prepFallocate(fd int32, mode uint32, offset, length uint64, userData uint64) {
	*s = sqe128{}
	s.opcode = opFallocate
	s.fd = fd
	s.off = offset
	s.addr = length
	s.len = mode
	s.userData = userData
}
