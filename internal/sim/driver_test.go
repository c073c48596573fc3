package sim

import (
	"bytes"
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-ublksrv/internal/interfaces"
	"github.com/ehrlich-b/go-ublksrv/internal/queue"
	"github.com/ehrlich-b/go-ublksrv/internal/uapi"
)

// ramTarget serves reads and writes from a byte slice
type ramTarget struct {
	mu   sync.Mutex
	data []byte
}

func (t *ramTarget) Init(*interfaces.Builder) error { return nil }
func (t *ramTarget) Close() error                   { return nil }

func (t *ramTarget) Handle(io *interfaces.IO) interfaces.Outcome {
	t.mu.Lock()
	defer t.mu.Unlock()
	off := io.Offset()
	if off+io.Len() > uint64(len(t.data)) {
		return interfaces.Done(-int32(unix.EIO))
	}
	switch io.Op {
	case interfaces.OpRead:
		copy(io.Buf, t.data[off:])
	case interfaces.OpWrite:
		copy(t.data[off:], io.Buf)
	case interfaces.OpFlush:
		return interfaces.Done(0)
	default:
		return interfaces.Done(-int32(unix.EOPNOTSUPP))
	}
	return interfaces.Done(int32(io.Len()))
}

// fileTarget forwards reads and writes to a file as backing ops
type fileTarget struct{ fd int32 }

func (t *fileTarget) Init(*interfaces.Builder) error { return nil }
func (t *fileTarget) Close() error                   { return nil }

func (t *fileTarget) Handle(io *interfaces.IO) interfaces.Outcome {
	kind := interfaces.BackingRead
	if io.Op == interfaces.OpWrite {
		kind = interfaces.BackingWrite
	}
	return interfaces.Await(interfaces.BackingOp{Kind: kind, FD: t.fd, Buf: io.Buf, Offset: io.Offset()})
}

func testInfo(queues, depth uint16) *uapi.UblksrvCtrlDevInfo {
	return &uapi.UblksrvCtrlDevInfo{
		NrHwQueues:    queues,
		QueueDepth:    depth,
		MaxIOBufBytes: 64 << 10,
		DevID:         ^uint32(0),
	}
}

func testParams(sectors uint64) *uapi.UblkParams {
	p := &uapi.UblkParams{}
	p.SetBasic()
	p.Basic.LogicalBSShift = 9
	p.Basic.PhysicalBSShift = 9
	p.Basic.DevSectors = sectors
	return p
}

type served struct {
	drv  *Driver
	id   uint32
	errs []chan error
}

// serve adds a device, runs a reactor per queue, and starts the device
func serve(t *testing.T, info *uapi.UblksrvCtrlDevInfo, target interfaces.Target) *served {
	t.Helper()
	drv := NewDriver()
	drv.StartTimeout = 2 * time.Second
	id, err := drv.AddDevice(info)
	require.NoError(t, err)
	require.NoError(t, drv.SetParams(id, testParams(1<<12)))

	s := &served{drv: drv, id: id}
	for q := uint16(0); q < info.NrHwQueues; q++ {
		ch, err := drv.OpenChannel(context.Background(), id, q)
		require.NoError(t, err)
		r, err := queue.NewReactor(queue.Config{
			DevID:      id,
			QueueID:    q,
			MaxIOBytes: info.MaxIOBufBytes,
			UserCopy:   info.Flags&uapi.UBLK_F_USER_COPY != 0,
			Target:     target,
			Channel:    ch,
		})
		require.NoError(t, err)
		errc := make(chan error, 1)
		go func() { errc <- r.Run(context.Background()) }()
		s.errs = append(s.errs, errc)
	}
	require.NoError(t, drv.StartDevice(id))
	return s
}

func (s *served) stop(t *testing.T) {
	t.Helper()
	require.NoError(t, s.drv.StopDevice(s.id))
	for _, errc := range s.errs {
		select {
		case err := <-errc:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("reactor did not stop")
		}
	}
}

func TestAddDeviceIDs(t *testing.T) {
	drv := NewDriver()

	id0, err := drv.AddDevice(testInfo(1, 4))
	require.NoError(t, err)
	id1, err := drv.AddDevice(testInfo(1, 4))
	require.NoError(t, err)
	assert.Equal(t, uint32(0), id0)
	assert.Equal(t, uint32(1), id1)

	explicit := testInfo(1, 4)
	explicit.DevID = 7
	id, err := drv.AddDevice(explicit)
	require.NoError(t, err)
	assert.Equal(t, uint32(7), id)

	dup := testInfo(1, 4)
	dup.DevID = 7
	_, err = drv.AddDevice(dup)
	assert.ErrorIs(t, err, unix.EEXIST)

	assert.Equal(t, []uint32{0, 1, 7}, drv.DeviceIDs())

	info, err := drv.GetDeviceInfo(7)
	require.NoError(t, err)
	assert.Equal(t, uint16(uapi.UBLK_S_DEV_DEAD), info.State)

	require.NoError(t, drv.DeleteDevice(1))
	_, err = drv.GetDeviceInfo(1)
	assert.ErrorIs(t, err, unix.ENODEV)
}

func TestAddDeviceValidation(t *testing.T) {
	drv := NewDriver()

	_, err := drv.AddDevice(testInfo(0, 4))
	assert.ErrorIs(t, err, unix.EINVAL)
	_, err = drv.AddDevice(testInfo(1, 0))
	assert.ErrorIs(t, err, unix.EINVAL)

	zoned := testInfo(1, 4)
	zoned.Flags = uapi.UBLK_F_ZONED
	_, err = drv.AddDevice(zoned)
	assert.ErrorIs(t, err, unix.EINVAL, "zoned devices need user copy")
}

func TestSetParamsRules(t *testing.T) {
	drv := NewDriver()
	id, err := drv.AddDevice(testInfo(1, 4))
	require.NoError(t, err)

	_, err = drv.GetParams(id)
	assert.ErrorIs(t, err, unix.EINVAL)

	assert.ErrorIs(t, drv.SetParams(id, &uapi.UblkParams{}), unix.EINVAL)

	zoned := testParams(1 << 12)
	zoned.SetZoned()
	assert.ErrorIs(t, drv.SetParams(id, zoned), unix.EINVAL)

	require.NoError(t, drv.SetParams(id, testParams(1<<12)))
	got, err := drv.GetParams(id)
	require.NoError(t, err)
	assert.Equal(t, uint64(1<<12), got.Basic.DevSectors)
}

func TestStartWaitsForFetches(t *testing.T) {
	drv := NewDriver()
	drv.StartTimeout = 50 * time.Millisecond
	id, err := drv.AddDevice(testInfo(1, 4))
	require.NoError(t, err)
	require.NoError(t, drv.SetParams(id, testParams(1<<12)))

	_, err = drv.OpenChannel(context.Background(), id, 0)
	require.NoError(t, err)

	assert.ErrorIs(t, drv.StartDevice(id), unix.ETIMEDOUT)
}

func TestServeReadWrite(t *testing.T) {
	target := &ramTarget{data: make([]byte, 2<<20)}
	s := serve(t, testInfo(2, 8), target)
	ctx := context.Background()

	info, err := s.drv.GetDeviceInfo(s.id)
	require.NoError(t, err)
	assert.Equal(t, uint16(uapi.UBLK_S_DEV_LIVE), info.State)

	payload := bytes.Repeat([]byte("ublk"), 1024)
	resp, err := s.drv.Submit(ctx, s.id, 1, Request{Op: interfaces.OpWrite, Sector: 8, NrSectors: 8, Data: payload})
	require.NoError(t, err)
	assert.Equal(t, int32(len(payload)), resp.Result)

	resp, err = s.drv.Submit(ctx, s.id, 0, Request{Op: interfaces.OpRead, Sector: 8, NrSectors: 8})
	require.NoError(t, err)
	assert.Equal(t, int32(len(payload)), resp.Result)
	assert.Equal(t, payload, resp.Data)

	resp, err = s.drv.Submit(ctx, s.id, 0, Request{Op: interfaces.OpRead, Sector: 1 << 20, NrSectors: 8})
	require.NoError(t, err)
	assert.Equal(t, -int32(unix.EIO), resp.Result)

	s.stop(t)

	resp, err = s.drv.Submit(ctx, s.id, 0, Request{Op: interfaces.OpRead, NrSectors: 1})
	require.NoError(t, err)
	assert.Equal(t, -int32(unix.EIO), resp.Result, "stopped device fails I/O")
}

func TestServeMoreRequestsThanTags(t *testing.T) {
	target := &ramTarget{data: make([]byte, 1<<20)}
	s := serve(t, testInfo(1, 2), target)
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make([]int32, 32)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			data := bytes.Repeat([]byte{byte(i)}, 512)
			resp, err := s.drv.Submit(ctx, s.id, 0, Request{Op: interfaces.OpWrite, Sector: uint64(i), NrSectors: 1, Data: data})
			if assert.NoError(t, err) {
				results[i] = resp.Result
			}
		}(i)
	}
	wg.Wait()
	for i, res := range results {
		assert.Equal(t, int32(512), res, "request %d", i)
		assert.Equal(t, byte(i), target.data[i*512])
	}
	s.stop(t)
}

func TestServeUserCopy(t *testing.T) {
	info := testInfo(1, 4)
	info.Flags = uapi.UBLK_F_USER_COPY
	target := &ramTarget{data: make([]byte, 1<<20)}
	s := serve(t, info, target)
	ctx := context.Background()

	payload := bytes.Repeat([]byte{0x5a}, 1024)
	resp, err := s.drv.Submit(ctx, s.id, 0, Request{Op: interfaces.OpWrite, Sector: 2, NrSectors: 2, Data: payload})
	require.NoError(t, err)
	require.Equal(t, int32(1024), resp.Result)
	assert.Equal(t, payload, target.data[1024:2048])

	resp, err = s.drv.Submit(ctx, s.id, 0, Request{Op: interfaces.OpRead, Sector: 2, NrSectors: 2})
	require.NoError(t, err)
	assert.Equal(t, payload, resp.Data)
	s.stop(t)
}

func TestServeBackingOps(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "backing")
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, f.Truncate(1<<20))

	s := serve(t, testInfo(1, 4), &fileTarget{fd: int32(f.Fd())})
	ctx := context.Background()

	payload := bytes.Repeat([]byte{0xa5}, 4096)
	resp, err := s.drv.Submit(ctx, s.id, 0, Request{Op: interfaces.OpWrite, Sector: 16, NrSectors: 8, Data: payload})
	require.NoError(t, err)
	require.Equal(t, int32(4096), resp.Result)

	onDisk := make([]byte, 4096)
	_, err = f.ReadAt(onDisk, 16*512)
	require.NoError(t, err)
	assert.Equal(t, payload, onDisk)

	resp, err = s.drv.Submit(ctx, s.id, 0, Request{Op: interfaces.OpRead, Sector: 16, NrSectors: 8})
	require.NoError(t, err)
	assert.Equal(t, payload, resp.Data)
	s.stop(t)
}

func TestStopAbortsIdleQueue(t *testing.T) {
	s := serve(t, testInfo(3, 16), &ramTarget{data: make([]byte, 1<<20)})
	s.stop(t)
	require.NoError(t, s.drv.DeleteDevice(s.id))
	assert.Empty(t, s.drv.DeviceIDs())
}

func TestChannelRejectsBadCommands(t *testing.T) {
	ch := newChannel(0, testInfo(1, 2))
	ctx := context.Background()

	require.NoError(t, ch.Prepare(queue.Command{Op: uapi.UBLK_IO_COMMIT_AND_FETCH_REQ, Tag: 0}))
	require.NoError(t, ch.Prepare(queue.Command{Op: uapi.UBLK_IO_FETCH_REQ, Tag: 1}))
	require.NoError(t, ch.Prepare(queue.Command{Op: uapi.UBLK_IO_FETCH_REQ, Tag: 1}))
	assert.Error(t, ch.Prepare(queue.Command{Op: uapi.UBLK_IO_FETCH_REQ, Tag: 9}))

	comps, err := ch.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, []queue.Completion{
		{Tag: 0, Kind: queue.KindCommand, Result: -int32(unix.EINVAL)},
		{Tag: 1, Kind: queue.KindCommand, Result: -int32(unix.EINVAL)},
	}, comps)
}

func TestChannelWaitHonorsContext(t *testing.T) {
	ch := newChannel(0, testInfo(1, 1))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := ch.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRunBackingErrors(t *testing.T) {
	res := runBacking(&interfaces.BackingOp{Kind: interfaces.BackingRead, FD: -1, Buf: make([]byte, 8)})
	assert.Equal(t, -int32(unix.EBADF), res)

	res = runBacking(&interfaces.BackingOp{Kind: interfaces.BackingKind(99)})
	assert.Equal(t, -int32(unix.EINVAL), res)
}
