// Package child models the downward interface a RAID-Y vdev speaks to
// its children: open/close/read/write/flush against child-relative
// offsets that never cross child boundaries. The host's real per-child
// queueing layer is out of scope; this package supplies an in-memory
// stand-in good enough to drive the row/column engine and its tests.
package child

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/Anthya1104/raidy/internal/raidy/abd"
	"golang.org/x/sys/unix"
)

// Child is the downward interface a RAID-Y vdev speaks to each of its
// children (spec.md §6). Offsets are always child-relative.
type Child interface {
	Open(ctx context.Context) error
	Close(ctx context.Context) error
	Read(ctx context.Context, offset int64, size int) ([]byte, error)
	Write(ctx context.Context, offset int64, data []byte) error
	Flush(ctx context.Context) error
	Asize() int64
	// Healthy reports whether the child currently answers I/O. A
	// cleared/faulted child simulates ENXIO/ESTALE-class failures.
	Healthy() bool
}

// MemChild is an in-memory child-vdev simulator, the generalization of
// the teacher's flat Disk.Data ([][]byte of stripes) into a
// byte-addressable region so the mapper can place an activemap replica
// at a fixed child-relative offset followed by row-addressable data,
// per spec.md §6's on-disk layout.
type MemChild struct {
	mu      sync.RWMutex
	id      int
	region  *abd.ABD
	asize   int64
	faulted bool

	// fd, when non-zero, backs Flush with a real fsync via
	// golang.org/x/sys/unix instead of a no-op, modeling the
	// "barrier/flush op per child" spec.md §4.3 requires. The
	// in-memory simulator normally runs with fd == 0 (no-op flush);
	// tests that want to exercise the real barrier can set it.
	fd int
}

// NewMemChild allocates a zeroed child region of asize bytes.
func NewMemChild(id int, asize int64) *MemChild {
	return &MemChild{
		id:     id,
		region: abd.NewLinear(int(asize)),
		asize:  asize,
	}
}

// WithFD attaches a real file descriptor so Flush issues unix.Fsync
// instead of a no-op. Used by tests that model a file-backed child.
func (c *MemChild) WithFD(fd int) *MemChild {
	c.fd = fd
	return c
}

func (c *MemChild) Open(ctx context.Context) error  { return nil }
func (c *MemChild) Close(ctx context.Context) error { return nil }
func (c *MemChild) Asize() int64                    { return c.asize }

func (c *MemChild) Healthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.faulted
}

// Fault simulates a permanent/transient disk failure (ENXIO/ESTALE
// class, spec.md §7): reads and writes fail until Heal is called.
func (c *MemChild) Fault() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.faulted = true
}

// Heal clears a simulated failure and zeroes the child's region,
// modeling a freshly replaced/re-attached disk.
func (c *MemChild) Heal() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.faulted = false
	c.region.Zero()
}

func (c *MemChild) Read(ctx context.Context, offset int64, size int) ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.faulted {
		return nil, fmt.Errorf("child %d: %w", c.id, ErrChildFaulted)
	}
	if offset < 0 || size < 0 || offset+int64(size) > c.asize {
		return nil, fmt.Errorf("child %d: read [%d,%d) out of bounds (asize %d)", c.id, offset, offset+int64(size), c.asize)
	}

	view := c.region.GetOffset(int(offset), size)
	out := make([]byte, size)
	copy(out, view.Bytes())
	return out, nil
}

func (c *MemChild) Write(ctx context.Context, offset int64, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.faulted {
		return fmt.Errorf("child %d: %w", c.id, ErrChildFaulted)
	}
	if offset < 0 || offset+int64(len(data)) > c.asize {
		return fmt.Errorf("child %d: write [%d,%d) out of bounds (asize %d)", c.id, offset, offset+int64(len(data)), c.asize)
	}

	view := c.region.GetOffset(int(offset), len(data))
	view.CopyFromBuf(data)
	return nil
}

func (c *MemChild) Flush(ctx context.Context) error {
	c.mu.RLock()
	fd := c.fd
	faulted := c.faulted
	c.mu.RUnlock()

	if faulted {
		return fmt.Errorf("child %d: %w", c.id, ErrChildFaulted)
	}
	if fd == 0 {
		return nil
	}
	return unix.Fsync(fd)
}

// ErrChildFaulted is returned by a faulted child for any I/O attempt.
var ErrChildFaulted = errors.New("child vdev faulted")
