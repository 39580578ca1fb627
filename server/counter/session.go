package counter

import (
	"sync"
	"time"
)

// trackPosition is the last observed centroid of one track id, together with
// the frame sequence at which we saw it. The sequence drives eviction of
// tracks that have left the frame.
type trackPosition struct {
	centroidY   int
	lastSeenSeq int64
}

// Session is one client's independent tracking context. All counting state
// lives here, in memory, for the lifetime of the connection.
//
// The lock enforces the single-writer-per-session rule: ProcessFrame holds it
// for the duration of a frame, so concurrent calls on one session serialize,
// while different sessions run fully in parallel.
type Session struct {
	ID string

	lock sync.Mutex

	// Set once, from the first valid frame. Immutable thereafter.
	frameWidth  int
	frameHeight int
	lineY       int

	lastCentroidY map[int64]trackPosition
	countedIDs    map[int64]bool
	totalCount    int64

	lastFrameSeq int64
	createdAt    time.Time
	lastActivity time.Time
}

func newSession(id string, now time.Time) *Session {
	return &Session{
		ID:            id,
		lastCentroidY: map[int64]trackPosition{},
		countedIDs:    map[int64]bool{},
		createdAt:     now,
		lastActivity:  now,
	}
}

func (s *Session) initialized() bool {
	return s.frameWidth != 0
}

// TotalCount returns the running total as of the last completed frame.
func (s *Session) TotalCount() int64 {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.totalCount
}

// LineY returns the counting line position, or 0 if the session has not yet
// seen a valid frame.
func (s *Session) LineY() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.lineY
}

// Dimensions returns the frame dimensions captured from the first valid frame.
func (s *Session) Dimensions() (width, height int) {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.frameWidth, s.frameHeight
}

// NumCounted returns the number of track ids credited toward the total.
// This always equals TotalCount.
func (s *Session) NumCounted() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return len(s.countedIDs)
}

// NumTrackedPositions returns the number of track positions currently held.
func (s *Session) NumTrackedPositions() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return len(s.lastCentroidY)
}

// NextSeq returns the sequence number to use for a frame that arrived
// without one.
func (s *Session) NextSeq() int64 {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.lastFrameSeq + 1
}

func (s *Session) idleSince() time.Time {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.lastActivity
}
