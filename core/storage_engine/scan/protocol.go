// Package scan streams page pins to a backend process. Each message
// describes a page resident in shared memory; the backend maps the slot
// and acknowledges it. A final message with all-zero identifiers and
// MorePagesToLoad unset ends a scan.
package scan

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"

	pagemanager "github.com/sushant-115/pagestore/core/write_engine/page_manager"
)

// Kind tags a frame.
type Kind uint8

const (
	KindPagePinned Kind = 1
	KindAck        Kind = 2

	frameHeaderSize = 5
	maxFrameSize    = 1 << 20
	pagePinnedSize  = 16 + 8 + 4 + 4 + 4 + 4 + 8 + 8 + 8 + 1
)

var ErrMalformedFrame = errors.New("malformed scan frame")

// PagePinned tells the backend where a pinned page lives. ScanID and
// Sequence identify the message so a resend is recognised.
type PagePinned struct {
	ScanID          uuid.UUID
	Sequence        uint64
	NodeID          pagemanager.NodeID
	DatabaseID      pagemanager.DatabaseID
	TypeID          pagemanager.TypeID
	SetID           pagemanager.SetID
	PageID          pagemanager.PageID
	PageSize        uint64
	SharedMemOffset uint64
	MorePagesToLoad bool
}

// NoMorePage builds the end-of-stream message of a scan.
func NoMorePage(scanID uuid.UUID, sequence uint64) *PagePinned {
	return &PagePinned{ScanID: scanID, Sequence: sequence}
}

// IsEndOfStream reports whether m is a NoMorePage message.
func (m *PagePinned) IsEndOfStream() bool {
	return !m.MorePagesToLoad && m.DatabaseID == 0 && m.TypeID == 0 && m.SetID == 0 && m.PageID == 0
}

func (m *PagePinned) Key() pagemanager.CacheKey {
	return pagemanager.CacheKey{DatabaseID: m.DatabaseID, TypeID: m.TypeID, SetID: m.SetID, PageID: m.PageID}
}

// Describe builds the message for a resident page.
func Describe(node pagemanager.NodeID, page *pagemanager.Page) *PagePinned {
	key := page.Key()
	return &PagePinned{
		NodeID:          node,
		DatabaseID:      key.DatabaseID,
		TypeID:          key.TypeID,
		SetID:           key.SetID,
		PageID:          key.PageID,
		PageSize:        uint64(page.RawSize()),
		SharedMemOffset: uint64(page.Offset()),
		MorePagesToLoad: true,
	}
}

func (m *PagePinned) MarshalBinary() ([]byte, error) {
	buf := make([]byte, pagePinnedSize)
	copy(buf[0:16], m.ScanID[:])
	binary.BigEndian.PutUint64(buf[16:24], m.Sequence)
	binary.BigEndian.PutUint32(buf[24:28], uint32(m.NodeID))
	binary.BigEndian.PutUint32(buf[28:32], uint32(m.DatabaseID))
	binary.BigEndian.PutUint32(buf[32:36], uint32(m.TypeID))
	binary.BigEndian.PutUint32(buf[36:40], uint32(m.SetID))
	binary.BigEndian.PutUint64(buf[40:48], uint64(m.PageID))
	binary.BigEndian.PutUint64(buf[48:56], m.PageSize)
	binary.BigEndian.PutUint64(buf[56:64], m.SharedMemOffset)
	if m.MorePagesToLoad {
		buf[64] = 1
	}
	return buf, nil
}

func (m *PagePinned) UnmarshalBinary(buf []byte) error {
	if len(buf) != pagePinnedSize {
		return fmt.Errorf("%w: page pinned body is %d bytes", ErrMalformedFrame, len(buf))
	}
	copy(m.ScanID[:], buf[0:16])
	m.Sequence = binary.BigEndian.Uint64(buf[16:24])
	m.NodeID = pagemanager.NodeID(binary.BigEndian.Uint32(buf[24:28]))
	m.DatabaseID = pagemanager.DatabaseID(binary.BigEndian.Uint32(buf[28:32]))
	m.TypeID = pagemanager.TypeID(binary.BigEndian.Uint32(buf[32:36]))
	m.SetID = pagemanager.SetID(binary.BigEndian.Uint32(buf[36:40]))
	m.PageID = pagemanager.PageID(binary.BigEndian.Uint64(buf[40:48]))
	m.PageSize = binary.BigEndian.Uint64(buf[48:56])
	m.SharedMemOffset = binary.BigEndian.Uint64(buf[56:64])
	m.MorePagesToLoad = buf[64] == 1
	return nil
}

// Ack is the backend's reply to a PagePinned message.
type Ack struct {
	Success bool
	Message string
}

func (a *Ack) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 1, 1+len(a.Message))
	if a.Success {
		buf[0] = 1
	}
	return append(buf, a.Message...), nil
}

func (a *Ack) UnmarshalBinary(buf []byte) error {
	if len(buf) < 1 {
		return fmt.Errorf("%w: empty ack", ErrMalformedFrame)
	}
	a.Success = buf[0] == 1
	a.Message = string(buf[1:])
	return nil
}

// WriteFrame writes kind, a big-endian length and body as one write.
func WriteFrame(w io.Writer, kind Kind, body []byte) error {
	frame := make([]byte, frameHeaderSize+len(body))
	frame[0] = byte(kind)
	binary.BigEndian.PutUint32(frame[1:5], uint32(len(body)))
	copy(frame[frameHeaderSize:], body)
	_, err := w.Write(frame)
	return err
}

// ReadFrame reads one frame.
func ReadFrame(r io.Reader) (Kind, []byte, error) {
	var hdr [frameHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, nil, err
	}
	n := binary.BigEndian.Uint32(hdr[1:5])
	if n > maxFrameSize {
		return 0, nil, fmt.Errorf("%w: frame of %d bytes", ErrMalformedFrame, n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, nil, err
	}
	return Kind(hdr[0]), body, nil
}

func writeMessage(w io.Writer, kind Kind, m interface{ MarshalBinary() ([]byte, error) }) error {
	body, err := m.MarshalBinary()
	if err != nil {
		return err
	}
	return WriteFrame(w, kind, body)
}

// readMessage reads a frame and requires it to be of kind want.
func readMessage(r io.Reader, want Kind, m interface{ UnmarshalBinary([]byte) error }) error {
	kind, body, err := ReadFrame(r)
	if err != nil {
		return err
	}
	if kind != want {
		return fmt.Errorf("%w: got kind %d, want %d", ErrMalformedFrame, kind, want)
	}
	return m.UnmarshalBinary(body)
}
