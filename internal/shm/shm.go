// Package shm hands a device id from a background server to the process
// that launched it. The server writes the id into a POSIX shared memory
// object once the device is live; the launcher polls the same object.
package shm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-ublksrv/internal/constants"
)

// DefaultDir is where Linux mounts POSIX shared memory objects
const DefaultDir = "/dev/shm"

// objectSize is the fixed size of the shared object; the id is stored as
// NUL-padded decimal text
const objectSize = 32

// ErrNoID is returned by Read while the object holds no id yet
var ErrNoID = errors.New("no device id published")

// Handoff names one shared memory object
type Handoff struct {
	Dir  string
	Name string
}

// New returns a handoff for /dev/shm/<name>
func New(name string) Handoff {
	return Handoff{Dir: DefaultDir, Name: name}
}

// Path returns the object's path
func (h Handoff) Path() string {
	return filepath.Join(h.Dir, h.Name)
}

// Create makes the empty object. The launcher calls it before starting
// the server so a slow server cannot race the first poll.
func (h Handoff) Create() error {
	fd, err := unix.Open(h.Path(), unix.O_RDWR|unix.O_CREAT|unix.O_CLOEXEC, 0o600)
	if err != nil {
		return fmt.Errorf("create %s: %w", h.Path(), err)
	}
	defer unix.Close(fd)
	if err := unix.Ftruncate(fd, objectSize); err != nil {
		return fmt.Errorf("size %s: %w", h.Path(), err)
	}
	return nil
}

// Publish writes id into the object, creating it if needed
func (h Handoff) Publish(id uint32) error {
	fd, err := unix.Open(h.Path(), unix.O_RDWR|unix.O_CREAT|unix.O_CLOEXEC, 0o600)
	if err != nil {
		return fmt.Errorf("open %s: %w", h.Path(), err)
	}
	defer unix.Close(fd)
	if err := unix.Ftruncate(fd, objectSize); err != nil {
		return fmt.Errorf("size %s: %w", h.Path(), err)
	}

	mem, err := unix.Mmap(fd, 0, objectSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("map %s: %w", h.Path(), err)
	}
	defer unix.Munmap(mem)

	clear(mem)
	copy(mem, strconv.FormatUint(uint64(id), 10))
	return nil
}

// Read returns the published id, or ErrNoID if the object is still empty
func (h Handoff) Read() (uint32, error) {
	data, err := os.ReadFile(h.Path())
	if err != nil {
		return 0, err
	}
	text := strings.TrimRight(string(data), "\x00")
	if text == "" {
		return 0, ErrNoID
	}
	id, err := strconv.ParseUint(text, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("%s holds %q: %w", h.Path(), text, err)
	}
	return uint32(id), nil
}

// Wait polls the object until an id appears, ctx is cancelled, or
// timeout passes. A zero timeout means constants.ShmWaitTimeout.
func (h Handoff) Wait(ctx context.Context, timeout time.Duration) (uint32, error) {
	if timeout == 0 {
		timeout = constants.ShmWaitTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = constants.DevicePollingInterval
	bo.MaxInterval = 200 * time.Millisecond
	bo.MaxElapsedTime = 0

	var (
		id  uint32
		bad error
	)
	op := func() error {
		var err error
		id, err = h.Read()
		if err == nil || errors.Is(err, ErrNoID) || errors.Is(err, os.ErrNotExist) {
			return err
		}
		bad = err
		return backoff.Permanent(err)
	}
	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err == nil {
		return id, nil
	}
	if bad != nil {
		return 0, bad
	}

	// Retry gives up as soon as its next step would pass the deadline, so
	// sit out the rest and look once more
	<-ctx.Done()
	if id, err := h.Read(); err == nil {
		return id, nil
	}
	return 0, fmt.Errorf("waiting for device id in %s: %w", h.Path(), ctx.Err())
}

// Remove deletes the object; a missing object is not an error
func (h Handoff) Remove() error {
	if err := os.Remove(h.Path()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
