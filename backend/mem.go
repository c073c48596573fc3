// Package backend provides storage backends for ublk targets
package backend

import (
	"fmt"
	"sync"

	"github.com/google/btree"

	"github.com/ehrlich-b/go-ublksrv/internal/interfaces"
)

// ChunkSize is the allocation unit of the memory backend
const ChunkSize = 64 << 10

type chunk struct {
	idx  int64
	data []byte
}

func chunkLess(a, b *chunk) bool { return a.idx < b.idx }

// Memory is a sparse RAM backend. Storage is allocated in ChunkSize units
// on first write, so never-written ranges read as zeroes and cost nothing.
type Memory struct {
	mu     sync.RWMutex
	chunks *btree.BTreeG[*chunk]
	size   int64
}

// NewMemory creates a new memory backend of the specified size
func NewMemory(size int64) *Memory {
	return &Memory{
		chunks: btree.NewG(16, chunkLess),
		size:   size,
	}
}

// clamp trims a request of n bytes at off to the backend size
func (m *Memory) clamp(off int64, n int) int {
	if avail := m.size - off; int64(n) > avail {
		return int(avail)
	}
	return n
}

// ReadAt implements the Backend interface. Reads past the end are short.
func (m *Memory) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("negative offset %d", off)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	if off >= m.size {
		return 0, nil
	}
	n := m.clamp(off, len(p))
	p = p[:n]
	for done := 0; done < n; {
		pos := off + int64(done)
		idx, within := pos/ChunkSize, int(pos%ChunkSize)
		span := min(ChunkSize-within, n-done)
		if c, ok := m.chunks.Get(&chunk{idx: idx}); ok {
			copy(p[done:done+span], c.data[within:])
		} else {
			clear(p[done : done+span])
		}
		done += span
	}
	return n, nil
}

// WriteAt implements the Backend interface
func (m *Memory) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("negative offset %d", off)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if off >= m.size {
		return 0, fmt.Errorf("write beyond end of device")
	}
	n := m.clamp(off, len(p))
	for done := 0; done < n; {
		pos := off + int64(done)
		idx, within := pos/ChunkSize, int(pos%ChunkSize)
		span := min(ChunkSize-within, n-done)
		c, ok := m.chunks.Get(&chunk{idx: idx})
		if !ok {
			c = &chunk{idx: idx, data: make([]byte, ChunkSize)}
			m.chunks.ReplaceOrInsert(c)
		}
		copy(c.data[within:within+span], p[done:])
		done += span
	}
	if n < len(p) {
		return n, fmt.Errorf("short write at %d: %d of %d bytes", off, n, len(p))
	}
	return n, nil
}

// Size implements the Backend interface
func (m *Memory) Size() int64 {
	return m.size
}

// Close implements the Backend interface
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chunks.Clear(false)
	return nil
}

// Flush implements the Backend interface
func (m *Memory) Flush() error {
	return nil
}

// Discard implements the DiscardBackend interface. Fully covered chunks
// are released; partial ones are zeroed.
func (m *Memory) Discard(offset, length int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if offset >= m.size || length <= 0 {
		return nil
	}
	end := min(offset+length, m.size)

	var drop []*chunk
	first, last := offset/ChunkSize, (end-1)/ChunkSize
	m.chunks.AscendRange(&chunk{idx: first}, &chunk{idx: last + 1}, func(c *chunk) bool {
		cstart := c.idx * ChunkSize
		lo, hi := max(offset, cstart)-cstart, min(end, cstart+ChunkSize)-cstart
		if lo == 0 && hi == ChunkSize {
			drop = append(drop, c)
		} else {
			clear(c.data[lo:hi])
		}
		return true
	})
	for _, c := range drop {
		m.chunks.Delete(c)
	}
	return nil
}

// WriteZeroes implements the WriteZeroesBackend interface
func (m *Memory) WriteZeroes(offset, length int64) error {
	return m.Discard(offset, length)
}

// Stats implements the StatBackend interface
func (m *Memory) Stats() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return map[string]interface{}{
		"type":      "memory",
		"size":      m.size,
		"allocated": int64(m.chunks.Len()) * ChunkSize,
	}
}

// Compile-time interface checks
var (
	_ interfaces.Backend            = (*Memory)(nil)
	_ interfaces.DiscardBackend     = (*Memory)(nil)
	_ interfaces.WriteZeroesBackend = (*Memory)(nil)
	_ interfaces.StatBackend        = (*Memory)(nil)
)
