package ctrl

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-ublksrv/internal/logging"
	"github.com/ehrlich-b/go-ublksrv/internal/uapi"
)

type sent struct {
	op   uint32
	hdr  uapi.UblksrvCtrlCmd
	data []byte // snapshot of the command buffer
}

// fakeSubmitter records commands and lets a test fill the command buffer
type fakeSubmitter struct {
	sent   []sent
	res    int32
	reply  func(op uint32, buf []byte)
	closed bool
}

func (f *fakeSubmitter) SubmitCtrlCmd(op uint32, cmd *uapi.UblksrvCtrlCmd) (int32, error) {
	var buf []byte
	if cmd.Len > 0 {
		buf = unsafe.Slice((*byte)(unsafe.Pointer(uintptr(cmd.Addr))), cmd.Len)
	}
	f.sent = append(f.sent, sent{op: op, hdr: *cmd, data: append([]byte(nil), buf...)})
	if f.reply != nil && buf != nil {
		f.reply(op, buf)
	}
	return f.res, nil
}

func (f *fakeSubmitter) Close() error {
	f.closed = true
	return nil
}

func newTestController() (*Controller, *fakeSubmitter) {
	f := &fakeSubmitter{}
	logger := logging.NewLogger(&logging.Config{Level: logging.LevelError, Output: os.Stderr, Sync: true})
	return &Controller{controlFd: -1, ring: f, logger: logger}, f
}

func TestAddDevice(t *testing.T) {
	c, f := newTestController()
	f.reply = func(op uint32, buf []byte) {
		// the driver writes back the assigned id
		binary.LittleEndian.PutUint32(buf[12:16], 3)
	}

	info := &uapi.UblksrvCtrlDevInfo{
		NrHwQueues:    2,
		QueueDepth:    64,
		MaxIOBufBytes: 1 << 20,
		DevID:         ^uint32(0),
		Flags:         uapi.UBLK_F_CMD_IOCTL_ENCODE,
	}
	id, err := c.AddDevice(info)
	require.NoError(t, err)
	assert.Equal(t, uint32(3), id)
	assert.Equal(t, uint32(3), info.DevID)

	require.Len(t, f.sent, 1)
	s := f.sent[0]
	assert.Equal(t, uint32(0xc0207504), s.op)
	assert.Equal(t, ^uint32(0), s.hdr.DevID)
	assert.Equal(t, uint16(noQueue), s.hdr.QueueID)
	assert.Equal(t, uint16(uapi.DevInfoSize), s.hdr.Len)

	var wire uapi.UblksrvCtrlDevInfo
	require.NoError(t, uapi.Unmarshal(s.data, &wire))
	assert.Equal(t, uint16(2), wire.NrHwQueues)
	assert.Equal(t, int32(os.Getpid()), wire.UblksrvPID)
}

func TestCommandErrors(t *testing.T) {
	c, f := newTestController()
	f.res = -int32(unix.ENODEV)

	err := c.StopDevice(9)
	require.Error(t, err)
	assert.ErrorIs(t, err, unix.ENODEV)

	var cmdErr *CmdError
	require.ErrorAs(t, err, &cmdErr)
	assert.Equal(t, "STOP_DEV", cmdErr.Cmd)
	assert.Equal(t, uint32(9), cmdErr.DevID)
	assert.Contains(t, err.Error(), "STOP_DEV dev 9")
}

func TestSimpleCommands(t *testing.T) {
	c, f := newTestController()

	require.NoError(t, c.StartDevice(1))
	require.NoError(t, c.StopDevice(1))
	require.NoError(t, c.DeleteDevice(1))

	require.Len(t, f.sent, 3)
	assert.Equal(t, uapi.UblkCtrlCmd(uapi.UBLK_CMD_START_DEV), f.sent[0].op)
	assert.Equal(t, uint64(os.Getpid()), f.sent[0].hdr.Data)
	assert.Equal(t, uapi.UblkCtrlCmd(uapi.UBLK_CMD_STOP_DEV), f.sent[1].op)
	assert.Equal(t, uint32(0xc0207505), f.sent[2].op)
	for _, s := range f.sent {
		assert.Zero(t, s.hdr.Len)
		assert.Zero(t, s.hdr.Addr)
	}
}

func TestSetParams(t *testing.T) {
	c, f := newTestController()

	p := &uapi.UblkParams{}
	p.SetBasic()
	p.Basic.LogicalBSShift = 12
	p.Basic.DevSectors = 1 << 21
	require.NoError(t, c.SetParams(4, p))

	require.Len(t, f.sent, 1)
	var wire uapi.UblkParams
	require.NoError(t, uapi.UnmarshalParams(f.sent[0].data, &wire))
	assert.Equal(t, uint32(len(f.sent[0].data)), wire.Len)
	assert.Equal(t, uint8(12), wire.Basic.LogicalBSShift)
	assert.Equal(t, uint64(1<<21), wire.Basic.DevSectors)
}

func TestGetParams(t *testing.T) {
	c, f := newTestController()
	f.reply = func(op uint32, buf []byte) {
		p := &uapi.UblkParams{}
		p.SetBasic()
		p.Types |= uapi.UBLK_PARAM_TYPE_DEVT
		p.Devt.DiskMajor = 259
		p.Devt.DiskMinor = 7
		copy(buf, uapi.MarshalParams(p))
	}

	p, err := c.GetParams(2)
	require.NoError(t, err)
	assert.True(t, p.HasDevt())
	assert.Equal(t, uint32(259), p.Devt.DiskMajor)
	assert.Equal(t, uint32(7), p.Devt.DiskMinor)

	// the request carries its own length
	var req uapi.UblkParams
	require.NoError(t, uapi.UnmarshalParams(f.sent[0].data, &req))
	assert.Equal(t, uint32(f.sent[0].hdr.Len), req.Len)
}

func TestGetDeviceInfo(t *testing.T) {
	c, f := newTestController()
	f.reply = func(op uint32, buf []byte) {
		copy(buf, uapi.Marshal(&uapi.UblksrvCtrlDevInfo{DevID: 5, State: uapi.UBLK_S_DEV_LIVE, QueueDepth: 32}))
	}

	info, err := c.GetDeviceInfo(5)
	require.NoError(t, err)
	assert.Equal(t, uint32(5), info.DevID)
	assert.Equal(t, uint16(uapi.UBLK_S_DEV_LIVE), info.State)
	assert.Equal(t, uint16(32), info.QueueDepth)
}

func TestGetFeatures(t *testing.T) {
	c, f := newTestController()
	f.reply = func(op uint32, buf []byte) {
		binary.LittleEndian.PutUint64(buf, uapi.UBLK_F_USER_COPY|uapi.UBLK_F_ZONED)
	}

	feats, err := c.GetFeatures()
	require.NoError(t, err)
	assert.Equal(t, uint64(uapi.UBLK_F_USER_COPY|uapi.UBLK_F_ZONED), feats)
	assert.Equal(t, uint32(0x80207513), f.sent[0].op)
	assert.Equal(t, uint16(8), f.sent[0].hdr.Len)
}

func TestClose(t *testing.T) {
	c, f := newTestController()
	require.NoError(t, c.Close())
	assert.True(t, f.closed)
	assert.Nil(t, c.ring)

	assert.ErrorIs(t, c.StopDevice(1), ErrClosed)
	require.NoError(t, c.Close())
}

// overlapSubmitter counts commands that reach the ring while another is
// still in flight
type overlapSubmitter struct {
	active   atomic.Int32
	overlaps atomic.Int32
	total    atomic.Int32
}

func (o *overlapSubmitter) SubmitCtrlCmd(op uint32, cmd *uapi.UblksrvCtrlCmd) (int32, error) {
	if o.active.Add(1) > 1 {
		o.overlaps.Add(1)
	}
	time.Sleep(100 * time.Microsecond)
	o.total.Add(1)
	o.active.Add(-1)
	return 0, nil
}

func (o *overlapSubmitter) Close() error { return nil }

func TestCommandsFromSeveralGoroutines(t *testing.T) {
	o := &overlapSubmitter{}
	logger := logging.NewLogger(&logging.Config{Level: logging.LevelError, Output: os.Stderr, Sync: true})
	c := &Controller{controlFd: -1, ring: o, logger: logger}

	const rounds = 50
	var wg sync.WaitGroup
	for _, fn := range []func() error{
		func() error { return c.StopDevice(1) },
		func() error { _, err := c.GetParams(1); return err },
		func() error { _, err := c.GetDeviceInfo(1); return err },
	} {
		wg.Add(1)
		go func(fn func() error) {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				assert.NoError(t, fn())
			}
		}(fn)
	}
	wg.Wait()

	assert.Equal(t, int32(3*rounds), o.total.Load())
	assert.Zero(t, o.overlaps.Load(), "commands shared the ring")
}

func TestDeviceIDs(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"ublkc10", "ublkc2", "ublkb2", "ublkcX", "ublk-control"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0o600))
	}

	ids, err := DeviceIDs(dir)
	require.NoError(t, err)
	assert.Equal(t, []uint32{2, 10}, ids)
}
