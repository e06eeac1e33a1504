package namespace

import "sync/atomic"

// SequenceID hands out monotonically increasing ids within one scope.
type SequenceID struct {
	next atomic.Uint32
}

func NewSequenceID(start uint32) *SequenceID {
	s := &SequenceID{}
	s.next.Store(start)
	return s
}

// Next returns a fresh id.
func (s *SequenceID) Next() uint32 {
	return s.next.Add(1) - 1
}

// Peek returns the id the next call to Next will hand out.
func (s *SequenceID) Peek() uint32 {
	return s.next.Load()
}

// Observe raises the floor so that id is never handed out again.
func (s *SequenceID) Observe(id uint32) {
	for {
		cur := s.next.Load()
		if id < cur {
			return
		}
		if s.next.CompareAndSwap(cur, id+1) {
			return
		}
	}
}
