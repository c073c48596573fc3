package ublk

import (
	"sync"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-ublksrv/internal/interfaces"
)

// MockTarget is a RAM Target for tests. It serves reads, writes, flushes
// and discards synchronously, counts every request by op, and can be told
// to fail an op.
type MockTarget struct {
	mu       sync.Mutex
	data     []byte
	inited   bool
	closed   bool
	calls    map[Op]int
	failures map[Op]int32
}

// NewMockTarget creates a mock target of size bytes
func NewMockTarget(size int64) *MockTarget {
	return &MockTarget{
		data:     make([]byte, size),
		calls:    make(map[Op]int),
		failures: make(map[Op]int32),
	}
}

// Name implements Named
func (m *MockTarget) Name() string { return "mock" }

// Init implements Target. The capacity defaults to the mock's size.
func (m *MockTarget) Init(b *Builder) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b.Current().Capacity == 0 {
		b.SetCapacity(uint64(len(m.data)))
	}
	b.SetDiscard(true)
	m.inited = true
	return nil
}

// Handle implements Target
func (m *MockTarget) Handle(io *IO) Outcome {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls[io.Op]++
	if errno, ok := m.failures[io.Op]; ok {
		return interfaces.Done(-errno)
	}
	if m.closed {
		return interfaces.Done(-int32(unix.ENODEV))
	}

	off, n := io.Offset(), io.Len()
	if io.Op != interfaces.OpFlush && off+n > uint64(len(m.data)) {
		return interfaces.Done(-int32(unix.EIO))
	}
	switch io.Op {
	case interfaces.OpRead:
		copy(io.Buf, m.data[off:off+n])
	case interfaces.OpWrite:
		copy(m.data[off:off+n], io.Buf)
	case interfaces.OpDiscard, interfaces.OpWriteZeroes:
		clear(m.data[off : off+n])
		return interfaces.Done(0)
	case interfaces.OpFlush:
		return interfaces.Done(0)
	default:
		return interfaces.Done(-int32(unix.EOPNOTSUPP))
	}
	return interfaces.Done(int32(n))
}

// Close implements Target
func (m *MockTarget) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// FailOp makes every later request of op fail with errno
func (m *MockTarget) FailOp(op Op, errno unix.Errno) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[op] = int32(errno)
}

// Calls returns how many requests of op were handled
func (m *MockTarget) Calls(op Op) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// IsInited returns true once Init has run
func (m *MockTarget) IsInited() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inited
}

// IsClosed returns true if Close has been called
func (m *MockTarget) IsClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Bytes returns a copy of the stored data
func (m *MockTarget) Bytes() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.data...)
}

var (
	_ Target = (*MockTarget)(nil)
	_ Named  = (*MockTarget)(nil)
)
