//go:build integration

package integration

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ublk "github.com/ehrlich-b/go-ublksrv"
	"github.com/ehrlich-b/go-ublksrv/target"
)

// requireRoot skips the test if not running as root
func requireRoot(t *testing.T) {
	if os.Getuid() != 0 {
		t.Skip("This test requires root privileges")
	}
}

// requireUblkModule skips if ublk module is not available
func requireUblkModule(t *testing.T) {
	if _, err := os.Stat("/dev/ublk-control"); os.IsNotExist(err) {
		t.Skip("ublk kernel module not available")
	}
}

func create(t *testing.T, tgt ublk.Target, params ublk.DeviceParams) *ublk.Device {
	t.Helper()
	requireRoot(t)
	requireUblkModule(t)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	dev, err := ublk.CreateAndServe(ctx, tgt, params, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := ublk.StopAndDelete(context.Background(), dev); err != nil {
			t.Logf("cleanup: %v", err)
		}
	})
	return dev
}

// openBlock waits for udev to create the block node
func openBlock(t *testing.T, dev *ublk.Device, flag int) *os.File {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		f, err := os.OpenFile(dev.Path, flag|os.O_SYNC, 0)
		if err == nil {
			return f
		}
		if time.Now().After(deadline) {
			require.NoError(t, err)
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func sysfsRO(t *testing.T, dev *ublk.Device) string {
	t.Helper()
	raw, err := os.ReadFile(filepath.Join("/sys/block", filepath.Base(dev.Path), "ro"))
	require.NoError(t, err)
	return strings.TrimSpace(string(raw))
}

func TestIntegrationNullRead(t *testing.T) {
	params := ublk.DefaultParams()
	params.LogicalBlockSize = 4096
	params.Capacity = 64 << 20
	dev := create(t, target.NewNull(), params)

	f := openBlock(t, dev, os.O_RDONLY)
	defer f.Close()
	buf := make([]byte, 64<<10)
	for off := int64(0); off < dev.Size(); off += int64(len(buf)) {
		n, err := f.ReadAt(buf, off)
		require.NoError(t, err)
		require.Equal(t, len(buf), n)
	}
}

func TestIntegrationLoopReadWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.img")
	require.NoError(t, os.WriteFile(path, nil, 0o600))
	require.NoError(t, os.Truncate(path, 32<<20))

	params := ublk.DefaultParams()
	params.LogicalBlockSize = 4096
	dev := create(t, target.NewLoop(path), params)

	f := openBlock(t, dev, os.O_RDWR)
	defer f.Close()
	want := bytes.Repeat([]byte{0xc3}, 1<<20)
	_, err := f.WriteAt(want, 4<<20)
	require.NoError(t, err)
	require.NoError(t, f.Sync())

	got, err := io.ReadAll(io.NewSectionReader(f, 0, dev.Size()))
	require.NoError(t, err)
	require.Len(t, got, 32<<20)
	assert.Equal(t, want, got[4<<20:5<<20])
}

func TestIntegrationReadOnly(t *testing.T) {
	for _, ro := range []bool{true, false} {
		params := ublk.DefaultParams()
		params.ReadOnly = ro
		dev := create(t, target.NewMem(16<<20), params)

		attrs, err := dev.Params()
		require.NoError(t, err)
		assert.Equal(t, ro, attrs.ReadOnly)
		if ro {
			assert.Equal(t, "1", sysfsRO(t, dev))
		} else {
			assert.Equal(t, "0", sysfsRO(t, dev))
		}
	}
}

func TestIntegrationZonedAppend(t *testing.T) {
	params := ublk.DefaultParams()
	params.Capacity = 64 << 20
	dev := create(t, target.NewZoned(target.ZonedConfig{ZoneSize: 4 << 20}), params)

	raw, err := os.ReadFile(filepath.Join("/sys/block", filepath.Base(dev.Path), "queue", "zoned"))
	require.NoError(t, err)
	assert.Equal(t, "host-managed", strings.TrimSpace(string(raw)))
}
