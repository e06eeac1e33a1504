package pagemanager

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"

	flushmanager "github.com/sushant-115/pagestore/core/write_engine/flush_manager"
)

// --- Identifiers ---

type (
	NodeID     uint32
	DatabaseID uint32
	TypeID     uint32
	SetID      uint32
	PageID     uint64
)

const (
	// PageHeaderSize is the fixed prefix of every page.
	PageHeaderSize = 32

	// ObjectLengthSize is the length prefix stored before every object.
	ObjectLengthSize = 4
)

// CacheKey identifies one page across the whole node.
type CacheKey struct {
	DatabaseID DatabaseID
	TypeID     TypeID
	SetID      SetID
	PageID     PageID
}

func (k CacheKey) String() string {
	return fmt.Sprintf("%d:%d:%d:%d", k.DatabaseID, k.TypeID, k.SetID, k.PageID)
}

// SetKey drops the page id from a CacheKey.
func (k CacheKey) SetKey() SetKey {
	return SetKey{DatabaseID: k.DatabaseID, TypeID: k.TypeID, SetID: k.SetID}
}

// SetKey identifies a set. Temp sets use DatabaseID 0 and TypeID 0.
type SetKey struct {
	DatabaseID DatabaseID
	TypeID     TypeID
	SetID      SetID
}

func (k SetKey) Page(id PageID) CacheKey {
	return CacheKey{DatabaseID: k.DatabaseID, TypeID: k.TypeID, SetID: k.SetID, PageID: id}
}

func (k SetKey) IsTemp() bool { return k.DatabaseID == 0 && k.TypeID == 0 }

// Location is where a page lives inside its partitioned file.
type Location struct {
	Partition int
	Sequence  uint64
}

// AccessMode is the intent declared when pinning.
type AccessMode int

const (
	Read AccessMode = iota
	Write
)

func (m AccessMode) String() string {
	if m == Write {
		return "write"
	}
	return "read"
}

// --- Page ---

// Page is a fixed-capacity buffer living in a slot of the shared memory
// arena. The first PageHeaderSize bytes hold the header.
type Page struct {
	key      CacheKey
	data     []byte
	offset   int64
	location Location
	pinCount atomic.Int32
	dirty    atomic.Bool
	// tick of the last unpin; drives MRU/LRU victim choice
	lastUnpin atomic.Uint64

	latch sync.RWMutex
}

// NewPage wraps a slot buffer. offset is the slot's position in shared memory.
func NewPage(key CacheKey, data []byte, offset int64) *Page {
	return &Page{key: key, data: data, offset: offset}
}

func (p *Page) Key() CacheKey                { return p.key }
func (p *Page) GetData() []byte              { return p.data }
func (p *Page) RawSize() int                 { return len(p.data) }
func (p *Page) Offset() int64                { return p.offset }
func (p *Page) Location() Location           { return p.location }
func (p *Page) SetLocation(loc Location)     { p.location = loc }
func (p *Page) IsDirty() bool                { return p.dirty.Load() }
func (p *Page) SetDirty(dirty bool)          { p.dirty.Store(dirty) }
func (p *Page) GetPinCount() int32           { return p.pinCount.Load() }
func (p *Page) LastUnpinned() uint64         { return p.lastUnpin.Load() }
func (p *Page) MarkUnpinned(tick uint64)     { p.lastUnpin.Store(tick) }
func (p *Page) Payload() []byte              { return p.data[PageHeaderSize:] }
func (p *Page) PayloadCapacity() int         { return len(p.data) - PageHeaderSize }
func (p *Page) Pin() int32                   { return p.pinCount.Add(1) }
func (p *Page) ObjectCount() uint32          { return binary.BigEndian.Uint32(p.data[12:16]) }
func (p *Page) UsedBytes() uint32            { return binary.BigEndian.Uint32(p.data[24:28]) }
func (p *Page) setUsedBytes(n uint32)        { binary.BigEndian.PutUint32(p.data[24:28], n) }
func (p *Page) setObjectCount(n uint32)      { binary.BigEndian.PutUint32(p.data[12:16], n) }
func (p *Page) HeaderPageID() PageID         { return PageID(binary.BigEndian.Uint64(p.data[16:24])) }
func (p *Page) HeaderDatabaseID() DatabaseID { return DatabaseID(binary.BigEndian.Uint32(p.data[0:4])) }

// Unpin decrements the pin count. It never lets the count go below zero.
func (p *Page) Unpin() (int32, bool) {
	for {
		cur := p.pinCount.Load()
		if cur <= 0 {
			return 0, false
		}
		if p.pinCount.CompareAndSwap(cur, cur-1) {
			return cur - 1, true
		}
	}
}

// Reset zeroes the buffer and writes a fresh header for the page key.
func (p *Page) Reset() {
	clear(p.data)
	binary.BigEndian.PutUint32(p.data[0:4], uint32(p.key.DatabaseID))
	binary.BigEndian.PutUint32(p.data[4:8], uint32(p.key.TypeID))
	binary.BigEndian.PutUint32(p.data[8:12], uint32(p.key.SetID))
	binary.BigEndian.PutUint64(p.data[16:24], uint64(p.key.PageID))
	p.setObjectCount(0)
	p.setUsedBytes(PageHeaderSize)
}

// --- Object layout ---

// Fits reports whether an object of n bytes can still be appended.
func (p *Page) Fits(n int) bool {
	return int(p.UsedBytes())+ObjectLengthSize+n <= len(p.data)
}

// AppendObject copies obj into the page. The caller holds the page latch.
func (p *Page) AppendObject(obj []byte) bool {
	if !p.Fits(len(obj)) {
		return false
	}
	used := p.UsedBytes()
	binary.BigEndian.PutUint32(p.data[used:used+ObjectLengthSize], uint32(len(obj)))
	copy(p.data[used+ObjectLengthSize:], obj)
	p.setUsedBytes(used + ObjectLengthSize + uint32(len(obj)))
	p.setObjectCount(p.ObjectCount() + 1)
	return true
}

// Objects returns views into the page for every stored object.
func (p *Page) Objects() ([][]byte, error) {
	return DecodeObjects(p.data)
}

// DecodeObjects parses raw page bytes, as returned by GetData.
func DecodeObjects(raw []byte) ([][]byte, error) {
	if len(raw) < PageHeaderSize {
		return nil, fmt.Errorf("%w: page shorter than header", flushmanager.ErrInvalidPageData)
	}
	count := binary.BigEndian.Uint32(raw[12:16])
	used := binary.BigEndian.Uint32(raw[24:28])
	if int(used) > len(raw) || used < PageHeaderSize {
		return nil, fmt.Errorf("%w: used bytes %d out of range", flushmanager.ErrInvalidPageData, used)
	}
	if uint64(count)*ObjectLengthSize > uint64(used-PageHeaderSize) {
		return nil, fmt.Errorf("%w: %d objects cannot fit in %d bytes", flushmanager.ErrInvalidPageData, count, used)
	}
	objs := make([][]byte, 0, count)
	pos := uint32(PageHeaderSize)
	for i := uint32(0); i < count; i++ {
		if pos+ObjectLengthSize > used {
			return nil, fmt.Errorf("%w: object %d header past used bytes", flushmanager.ErrInvalidPageData, i)
		}
		n := binary.BigEndian.Uint32(raw[pos : pos+ObjectLengthSize])
		pos += ObjectLengthSize
		if n > used-pos {
			return nil, fmt.Errorf("%w: object %d body past used bytes", flushmanager.ErrInvalidPageData, i)
		}
		objs = append(objs, raw[pos:pos+n])
		pos += n
	}
	return objs, nil
}

// EncodedSize is the number of page bytes an object consumes.
func EncodedSize(obj []byte) int { return ObjectLengthSize + len(obj) }

// --- Latch Methods ---

func (p *Page) RLock()   { p.latch.RLock() }
func (p *Page) RUnlock() { p.latch.RUnlock() }
func (p *Page) Lock()    { p.latch.Lock() }
func (p *Page) Unlock()  { p.latch.Unlock() }
