package uring

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/go-ublksrv/internal/uapi"
)

func sqeBytes(s *sqe128) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(s)), sqe128Size)
}

func TestPrepUringCmdLayout(t *testing.T) {
	var s sqe128
	s.len = 99 // stale data must be cleared
	cmd := &uapi.UblksrvIOCmd{QID: 2, Tag: 7, Result: 4096, Addr: 0xdead0000}
	op := uapi.UblkIOCmd(uapi.UBLK_IO_COMMIT_AND_FETCH_REQ)
	s.prepUringCmd(5, op, uapi.Marshal(cmd), 0x1234)

	b := sqeBytes(&s)
	le := binary.LittleEndian
	assert.Equal(t, opUringCmd, b[0])
	assert.Equal(t, int32(5), int32(le.Uint32(b[4:8])))
	assert.Equal(t, op, le.Uint32(b[8:12]), "cmd_op lives in the low half of off")
	assert.Equal(t, uint32(0), le.Uint32(b[24:28]))
	assert.Equal(t, uint64(0x1234), le.Uint64(b[32:40]))

	// struct ublksrv_io_cmd at offset 48
	assert.Equal(t, uint16(2), le.Uint16(b[48:50]))
	assert.Equal(t, uint16(7), le.Uint16(b[50:52]))
	assert.Equal(t, int32(4096), int32(le.Uint32(b[52:56])))
	assert.Equal(t, uint64(0xdead0000), le.Uint64(b[56:64]))
}

func TestPrepCtrlCmdFitsCmdArea(t *testing.T) {
	var s sqe128
	cmd := &uapi.UblksrvCtrlCmd{DevID: 3, QueueID: 0xffff, Len: 64, Addr: 0x1000, Data: 42}
	payload := uapi.Marshal(cmd)
	require.LessOrEqual(t, len(payload), CmdAreaSize)
	s.prepUringCmd(9, uapi.UblkCtrlCmd(uapi.UBLK_CMD_ADD_DEV), payload, 1)

	var back uapi.UblksrvCtrlCmd
	require.NoError(t, uapi.Unmarshal(s.cmd[:], &back))
	assert.Equal(t, *cmd, back)
}

func TestPrepFallocateLayout(t *testing.T) {
	var s sqe128
	s.prepFallocate(3, 0x3, 4096, 8192, 77)
	assert.Equal(t, opFallocate, s.opcode)
	assert.Equal(t, uint64(4096), s.off)
	assert.Equal(t, uint64(8192), s.addr, "length travels in addr")
	assert.Equal(t, uint32(0x3), s.len, "mode travels in len")
}

func TestPrepRW(t *testing.T) {
	buf := make([]byte, 512)
	var s sqe128
	s.prepRW(opWrite, 4, buf, 1024, 8)
	assert.Equal(t, uint64(uintptr(unsafe.Pointer(&buf[0]))), s.addr)
	assert.Equal(t, uint32(512), s.len)
	assert.Equal(t, uint64(1024), s.off)

	s.prepRW(opRead, 4, nil, 0, 8)
	assert.Zero(t, s.addr)
}

func newTestRing(t *testing.T) *Ring {
	t.Helper()
	r, err := NewRing(Config{Entries: 8, FD: -1})
	if err != nil {
		t.Skipf("io_uring unavailable: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func TestRingFileIO(t *testing.T) {
	r := newTestRing(t)

	f, err := os.Create(filepath.Join(t.TempDir(), "backing"))
	require.NoError(t, err)
	defer f.Close()
	fd := int32(f.Fd())

	wbuf := []byte("hello, ring")
	require.NoError(t, r.PrepareWrite(fd, wbuf, 512, 1))
	require.NoError(t, r.PrepareFsync(fd, 0, 2))
	require.NoError(t, r.SubmitAndWait(2))

	var got []Completion
	for len(got) < 2 {
		got = r.Reap(got)
		if len(got) < 2 {
			require.NoError(t, r.SubmitAndWait(1))
		}
	}
	byTag := map[uint64]int32{}
	for _, c := range got {
		byTag[c.UserData] = c.Res
	}
	assert.Equal(t, int32(len(wbuf)), byTag[1])
	assert.Equal(t, int32(0), byTag[2])

	rbuf := make([]byte, len(wbuf))
	require.NoError(t, r.PrepareRead(fd, rbuf, 512, 3))
	require.NoError(t, r.SubmitAndWait(1))
	got = r.Reap(nil)
	require.Len(t, got, 1)
	assert.Equal(t, int32(len(wbuf)), got[0].Res)
	assert.Equal(t, wbuf, rbuf)
}

func TestNewRingRejectsZeroEntries(t *testing.T) {
	_, err := NewRing(Config{})
	assert.Error(t, err)
}
