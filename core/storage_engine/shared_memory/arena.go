// Package sharedmem carves a single shared memory region into fixed-size
// page slots. A cooperating backend process maps the same file and finds a
// page through its slot offset.
package sharedmem

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"
)

var (
	ErrNoFreeSlot = errors.New("no free shared memory slot")
	ErrBadOffset  = errors.New("offset is not a slot of the shared memory region")
)

// Arena hands out page-sized slots of one mapped region.
type Arena struct {
	logger   *zap.Logger
	path     string
	file     *os.File
	mem      []byte
	slotSize int

	mu   sync.Mutex
	free []int64
}

// New maps slots*slotSize bytes. With an empty path the region is anonymous
// and private to this process; otherwise it is backed by the file at path.
func New(path string, slots, slotSize int, logger *zap.Logger) (*Arena, error) {
	if slots <= 0 || slotSize <= 0 {
		return nil, fmt.Errorf("invalid arena geometry: %d slots of %d bytes", slots, slotSize)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	size := slots * slotSize

	var file *os.File
	if path != "" {
		f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
		if err != nil {
			return nil, fmt.Errorf("open shared memory file %s: %w", path, err)
		}
		if err := f.Truncate(int64(size)); err != nil {
			f.Close()
			return nil, fmt.Errorf("size shared memory file %s: %w", path, err)
		}
		file = f
	}
	mem, err := mapRegion(file, size)
	if err != nil {
		if file != nil {
			file.Close()
		}
		return nil, fmt.Errorf("map shared memory: %w", err)
	}

	a := &Arena{
		logger:   logger.Named("shared_memory"),
		path:     path,
		file:     file,
		mem:      mem,
		slotSize: slotSize,
		free:     make([]int64, 0, slots),
	}
	// Lowest offsets are handed out first.
	for i := slots - 1; i >= 0; i-- {
		a.free = append(a.free, int64(i*slotSize))
	}
	a.logger.Info("Shared memory mapped",
		zap.String("path", path), zap.Int("slots", slots), zap.Int("slot_size", slotSize))
	return a, nil
}

// Attach maps an existing region created by New in another process. An
// attached arena has no free slots; pages are reached with Lookup.
func Attach(path string, slotSize int, logger *zap.Logger) (*Arena, error) {
	if slotSize <= 0 {
		return nil, fmt.Errorf("invalid slot size %d", slotSize)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open shared memory file %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat shared memory file %s: %w", path, err)
	}
	size := int(info.Size())
	if size == 0 || size%slotSize != 0 {
		f.Close()
		return nil, fmt.Errorf("shared memory file %s holds %d bytes, not a multiple of %d", path, size, slotSize)
	}
	mem, err := mapRegion(f, size)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("map shared memory: %w", err)
	}
	a := &Arena{
		logger:   logger.Named("shared_memory"),
		path:     path,
		file:     f,
		mem:      mem,
		slotSize: slotSize,
	}
	a.logger.Info("Shared memory attached",
		zap.String("path", path), zap.Int("slots", size/slotSize), zap.Int("slot_size", slotSize))
	return a, nil
}

// Lookup returns the slot at offset after checking it against the region.
func (a *Arena) Lookup(offset int64) ([]byte, error) {
	if offset < 0 || offset%int64(a.slotSize) != 0 || offset+int64(a.slotSize) > int64(len(a.mem)) {
		return nil, fmt.Errorf("%w: %d", ErrBadOffset, offset)
	}
	return a.slot(offset), nil
}

func (a *Arena) SlotSize() int { return a.slotSize }
func (a *Arena) Slots() int    { return len(a.mem) / a.slotSize }
func (a *Arena) Path() string  { return a.path }

func (a *Arena) FreeSlots() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.free)
}

// Alloc reserves a slot and returns its offset and bytes.
func (a *Arena) Alloc() (int64, []byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.free) == 0 {
		return 0, nil, ErrNoFreeSlot
	}
	off := a.free[len(a.free)-1]
	a.free = a.free[:len(a.free)-1]
	return off, a.slot(off), nil
}

// Free returns a slot to the arena.
func (a *Arena) Free(offset int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.free = append(a.free, offset)
}

// Bytes returns the slot at offset.
func (a *Arena) Bytes(offset int64) []byte {
	return a.slot(offset)
}

func (a *Arena) slot(off int64) []byte {
	return a.mem[off : off+int64(a.slotSize) : off+int64(a.slotSize)]
}

func (a *Arena) Close() error {
	err := unmapRegion(a.mem)
	a.mem = nil
	if a.file != nil {
		if cerr := a.file.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
