package counter

import (
	"fmt"
	"time"

	"github.com/countcam/countcam/pkg/nn"
	"github.com/cyclopcam/logs"
)

// counter reduces a per-frame stream of detections into a deduplicated count
// of vehicles crossing a fixed horizontal line.

// Direction is the traversal direction that triggers a count.
type Direction int

const (
	DirectionTopToBottom Direction = iota
	DirectionBottomToTop
	DirectionBoth
)

func (d Direction) String() string {
	switch d {
	case DirectionTopToBottom:
		return "topToBottom"
	case DirectionBottomToTop:
		return "bottomToTop"
	case DirectionBoth:
		return "both"
	}
	return fmt.Sprintf("Direction(%d)", int(d))
}

// ParseDirection parses the config spelling of a Direction.
func ParseDirection(s string) (Direction, error) {
	switch s {
	case "", "topToBottom":
		return DirectionTopToBottom, nil
	case "bottomToTop":
		return DirectionBottomToTop, nil
	case "both":
		return DirectionBoth, nil
	}
	return 0, fmt.Errorf("invalid counting direction '%v' (must be topToBottom, bottomToTop or both)", s)
}

// Options are the counting policy knobs.
type Options struct {
	LineFraction   float64   // Vertical position of the counting line, as a fraction of frame height. Must be in (0,1).
	AllowedClasses []string  // Detections outside this allow-list are dropped before any tracking.
	Direction      Direction // Which traversal direction counts.

	// Eviction bounds for the per-session track position map. A session that
	// runs for days sees endless track id churn, and we only need recent
	// positions, not every id ever seen.
	MaxTrackPositions int   // Soft cap on tracked positions per session. 0 disables eviction.
	TrackForgetFrames int64 // A position older than this many frames is evictable.
}

func DefaultOptions() Options {
	return Options{
		LineFraction:      0.5,
		AllowedClasses:    nn.DefaultVehicleClasses,
		Direction:         DirectionTopToBottom,
		MaxTrackPositions: 4096,
		TrackForgetFrames: 1800,
	}
}

// FrameRequest is one frame's worth of detector output for one session.
type FrameRequest struct {
	Seq        int64          `json:"frame_seq"`
	Width      int            `json:"frame_width"`
	Height     int            `json:"frame_height"`
	Detections []nn.Detection `json:"detections"`
}

// CrossingEvent is emitted the first time a track id crosses the counting
// line in the counted direction.
type CrossingEvent struct {
	SessionID string `json:"session_id"`
	TrackID   int64  `json:"track_id"`
	FrameSeq  int64  `json:"frame_seq"`
}

// RejectedDetection reports a single malformed detection. One bad detection
// never aborts the frame.
type RejectedDetection struct {
	Index  int    `json:"index"`
	Reason string `json:"reason"`
}

// FrameResult is the outcome of processing one frame.
// The JSON field names match what the browser client already consumes.
type FrameResult struct {
	Detections  []nn.Detection      `json:"detections"` // allow-listed detections, echoed with resolved fields
	TotalCount  int64               `json:"total_vehicles"`
	LineY       int                 `json:"line_y"`
	FrameWidth  int                 `json:"frame_width"`
	FrameHeight int                 `json:"frame_height"`
	FrameSeq    int64               `json:"frame_seq"`
	Crossings   []CrossingEvent     `json:"crossings,omitempty"`
	Rejected    []RejectedDetection `json:"rejected,omitempty"`
}

// Counter applies the line-crossing reduction to sessions. It holds policy
// only; all mutable state lives in the Session, so one Counter serves every
// session concurrently.
type Counter struct {
	log     logs.Log
	opts    Options
	allowed nn.ClassSet
}

func NewCounter(log logs.Log, opts Options) (*Counter, error) {
	if opts.LineFraction <= 0 || opts.LineFraction >= 1 {
		return nil, fmt.Errorf("lineFraction %v is out of range (0,1)", opts.LineFraction)
	}
	if len(opts.AllowedClasses) == 0 {
		return nil, fmt.Errorf("allowedClasses is empty")
	}
	return &Counter{
		log:     log,
		opts:    opts,
		allowed: nn.NewClassSet(opts.AllowedClasses),
	}, nil
}

func (c *Counter) Options() Options {
	return c.opts
}

// AllowedClasses returns the class allow-list, sorted.
func (c *Counter) AllowedClasses() []string {
	return c.allowed.List()
}

// ProcessFrame updates the session's tracking state with one frame's
// detections and returns the frame's result.
//
// It is the only mutator of counting state, and is deterministic for a given
// (session state, batch) pair. The total never decreases, and a track id is
// never counted twice, no matter how often jitter re-triggers the crossing
// condition.
func (c *Counter) ProcessFrame(s *Session, req *FrameRequest) (*FrameResult, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	if !s.initialized() {
		if req.Width <= 0 || req.Height <= 0 {
			return nil, ErrUninitializedFrame
		}
		// One-time initialization from the first valid frame. The line
		// position is fixed for the life of the session.
		s.frameWidth = req.Width
		s.frameHeight = req.Height
		s.lineY = int(float64(req.Height) * c.opts.LineFraction)
		c.log.Infof("Session %v: %vx%v, counting line at y=%v", s.ID, s.frameWidth, s.frameHeight, s.lineY)
	}

	result := &FrameResult{
		Detections:  make([]nn.Detection, 0, len(req.Detections)),
		LineY:       s.lineY,
		FrameWidth:  s.frameWidth,
		FrameHeight: s.frameHeight,
		FrameSeq:    req.Seq,
	}

	for i, det := range req.Detections {
		if !c.allowed.Contains(det.Class) {
			continue
		}
		if !det.Box.Valid() {
			c.log.Warnf("Session %v frame %v: dropping malformed box %v", s.ID, req.Seq, det.Box)
			result.Rejected = append(result.Rejected, RejectedDetection{
				Index:  i,
				Reason: fmt.Sprintf("malformed box [%v %v %v %v]", det.Box[0], det.Box[1], det.Box[2], det.Box[3]),
			})
			continue
		}

		if det.TrackID != nil {
			id := *det.TrackID
			centroidY := det.Box.CentroidY()
			if prev, seen := s.lastCentroidY[id]; !seen {
				// First sighting: no previous position to compare against,
				// so a crossing can never fire here.
				s.lastCentroidY[id] = trackPosition{centroidY: centroidY, lastSeenSeq: req.Seq}
			} else {
				if c.crossed(prev.centroidY, centroidY, s.lineY) && !s.countedIDs[id] {
					s.countedIDs[id] = true
					s.totalCount++
					result.Crossings = append(result.Crossings, CrossingEvent{
						SessionID: s.ID,
						TrackID:   id,
						FrameSeq:  req.Seq,
					})
					c.log.Infof("Session %v: vehicle id %v counted at (%v,%v). Total: %v", s.ID, id, det.Box.CentroidX(), centroidY, s.totalCount)
				}
				s.lastCentroidY[id] = trackPosition{centroidY: centroidY, lastSeenSeq: req.Seq}
			}
		}

		// Detections without a track id are echoed, but never tracked and
		// never counted.
		result.Detections = append(result.Detections, det)
	}

	c.evictStaleTracks(s, req.Seq)

	result.TotalCount = s.totalCount
	s.lastFrameSeq = req.Seq
	s.lastActivity = time.Now()
	return result, nil
}

func (c *Counter) crossed(prev, cur, lineY int) bool {
	switch c.opts.Direction {
	case DirectionTopToBottom:
		return prev < lineY && cur >= lineY
	case DirectionBottomToTop:
		return prev >= lineY && cur < lineY
	case DirectionBoth:
		return (prev < lineY && cur >= lineY) || (prev >= lineY && cur < lineY)
	}
	return false
}

// evictStaleTracks bounds the position map. We sweep only when over the soft
// cap, and we never evict a position seen within TrackForgetFrames, so the
// map can exceed the cap under genuinely heavy churn rather than corrupt
// live tracks. countedIDs is never swept: double-count protection is
// absolute within a session.
func (c *Counter) evictStaleTracks(s *Session, seq int64) {
	if c.opts.MaxTrackPositions <= 0 || len(s.lastCentroidY) <= c.opts.MaxTrackPositions {
		return
	}
	evicted := 0
	for id, pos := range s.lastCentroidY {
		if seq-pos.lastSeenSeq > c.opts.TrackForgetFrames {
			delete(s.lastCentroidY, id)
			evicted++
		}
	}
	if evicted > 0 {
		c.log.Infof("Session %v: evicted %v stale track positions (%v remain)", s.ID, evicted, len(s.lastCentroidY))
	}
}
