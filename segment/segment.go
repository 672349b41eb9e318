// Package segment implements the segment manager named in spec §4.2: a
// pool of segments carved from the target byte range, assigned to and
// reclaimed from command identifiers, with a sidecar file for resuming
// partial transfers across runs.
package segment

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Segment is a half-open byte range [Begin, End) within the target,
// together with a write cursor and the owning command's CUID. A CUID of
// zero means unassigned.
type Segment struct {
	Begin  int64
	End    int64
	Cursor int64
	CUID   int
	Done   bool
}

// Len returns the segment's length in bytes.
func (s Segment) Len() int64 {
	return s.End - s.Begin
}

// Remaining returns the unwritten portion of the segment.
func (s Segment) Remaining() int64 {
	return s.End - s.Cursor
}

// ReservedRequest is a pre-parsed fallback request consumed by
// tryReserved after an abort (spec §4.2 "reserved").
type ReservedRequest struct {
	URL string
}

// Manager owns the segment pool and the reserved-request FIFO. It is
// mutated only by the command currently holding a given segment
// (enforced by CUID checks) and by the dispatcher on abort paths.
type Manager struct {
	mu sync.Mutex

	totalLength int64
	segments    []*Segment
	reserved    []ReservedRequest

	errorCount int
	log        *logrus.Entry
}

// NewManager splits [0, totalLength) into count equal segments (the last
// absorbing any remainder). A segment of length 0 is immediately
// finished, per spec §10.
func NewManager(totalLength int64, count int) *Manager {
	if count < 1 {
		count = 1
	}

	m := &Manager{
		totalLength: totalLength,
		log:         logrus.WithField("component", "segment"),
	}

	if totalLength == 0 {
		m.segments = []*Segment{{Begin: 0, End: 0, Cursor: 0, Done: true}}
		return m
	}

	segLen := totalLength / int64(count)
	if segLen == 0 {
		segLen = totalLength
		count = 1
	}

	begin := int64(0)
	for i := 0; i < count; i++ {
		end := begin + segLen
		if i == count-1 {
			end = totalLength
		}
		m.segments = append(m.segments, &Segment{Begin: begin, End: end, Cursor: begin})
		begin = end
	}

	return m
}

// GetSegment assigns an unassigned, unfinished segment to cuid and
// returns a copy. Segments are offered in ascending Begin order so
// assignment is deterministic. Returns false when every segment is held
// or finished.
func (m *Manager) GetSegment(cuid int) (Segment, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, s := range m.segments {
		if s.Done || s.CUID != 0 {
			continue
		}
		s.CUID = cuid
		return *s, true
	}
	return Segment{}, false
}

func (m *Manager) findHeldLocked(cuid int) (*Segment, error) {
	for _, s := range m.segments {
		if s.CUID == cuid {
			return s, nil
		}
	}
	return nil, errors.Errorf("segment: cuid %d does not hold any segment", cuid)
}

// UpdateSegment writes back the write cursor for the caller's held
// segment. The caller's CUID must match the segment it claims to hold.
func (m *Manager) UpdateSegment(seg Segment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	held, err := m.findHeldLocked(seg.CUID)
	if err != nil {
		return err
	}
	if held.Begin != seg.Begin || held.End != seg.End {
		return errors.Errorf("segment: cuid %d segment range mismatch", seg.CUID)
	}
	held.Cursor = seg.Cursor
	return nil
}

// CompleteSegment marks the caller's held segment finished and releases
// it.
func (m *Manager) CompleteSegment(cuid int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	held, err := m.findHeldLocked(cuid)
	if err != nil {
		return err
	}
	held.Cursor = held.End
	held.Done = true
	held.CUID = 0
	m.log.WithFields(logrus.Fields{"begin": held.Begin, "end": held.End}).Debug("segment completed")
	return nil
}

// CancelSegment releases any segment currently held by cuid without
// marking it finished; its write cursor is preserved so a future
// assignment can resume from where it left off.
func (m *Manager) CancelSegment(cuid int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, s := range m.segments {
		if s.CUID == cuid {
			s.CUID = 0
			return
		}
	}
}

// Finished reports whether every segment is finished.
func (m *Manager) Finished() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, s := range m.segments {
		if !s.Done {
			return false
		}
	}
	return true
}

// CompletedLength returns the sum of cursor progress across every
// segment.
func (m *Manager) CompletedLength() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	var total int64
	for _, s := range m.segments {
		total += s.Cursor - s.Begin
	}
	return total
}

// TotalLength returns the target's total byte length.
func (m *Manager) TotalLength() int64 {
	return m.totalLength
}

// IncrementErrorCount bumps the session error counter, used by the
// dispatcher's abort path.
func (m *Manager) IncrementErrorCount() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errorCount++
}

// ErrorCount returns the session error counter.
func (m *Manager) ErrorCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.errorCount
}

// PushReserved appends a fallback request to the reserved FIFO.
func (m *Manager) PushReserved(r ReservedRequest) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reserved = append(m.reserved, r)
}

// PopReserved removes and returns the oldest reserved request, consumed
// by tryReserved after an abort.
func (m *Manager) PopReserved() (ReservedRequest, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.reserved) == 0 {
		return ReservedRequest{}, false
	}
	r := m.reserved[0]
	m.reserved = m.reserved[1:]
	return r, true
}

// Snapshot returns a defensive copy of every segment, for sidecar
// persistence.
func (m *Manager) Snapshot() []Segment {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Segment, len(m.segments))
	for i, s := range m.segments {
		out[i] = *s
		out[i].CUID = 0 // a held segment is not held across process restarts
	}
	return out
}

// Restore replaces the manager's segment pool with previously persisted
// state, used when resuming from a sidecar file.
func Restore(totalLength int64, segments []Segment) *Manager {
	m := &Manager{
		totalLength: totalLength,
		log:         logrus.WithField("component", "segment"),
	}
	for _, s := range segments {
		cp := s
		cp.CUID = 0
		m.segments = append(m.segments, &cp)
	}
	return m
}
