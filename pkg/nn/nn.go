package nn

// Package nn defines the shapes that an external object detector produces.
// The detector itself (YOLO, Haar cascade, whatever) lives outside this
// process. We only consume its per-frame output.

// Box is a bounding box in frame pixels, in wire order [x1, y1, x2, y2].
type Box [4]int

// Valid returns false for a degenerate box (x2 < x1 or y2 < y1).
func (b Box) Valid() bool {
	return b[2] >= b[0] && b[3] >= b[1]
}

// CentroidY is the vertical midpoint of the box, with floor division.
// This is the position proxy used for line-crossing checks.
func (b Box) CentroidY() int {
	return (b[1] + b[3]) / 2
}

// CentroidX is the horizontal midpoint of the box, with floor division.
func (b Box) CentroidX() int {
	return (b[0] + b[2]) / 2
}

// Rect converts to the X/Y/Width/Height form used by the geometry helpers.
func (b Box) Rect() Rect {
	return Rect{X: b[0], Y: b[1], Width: b[2] - b[0], Height: b[3] - b[1]}
}

// BoxFromRect is the inverse of Box.Rect.
func BoxFromRect(r Rect) Box {
	return Box{r.X, r.Y, r.X + r.Width, r.Y + r.Height}
}

// Detection is one object that the detector found in one frame.
type Detection struct {
	Box        Box     `json:"box"`
	Class      string  `json:"class_name"`
	Confidence float32 `json:"confidence"`
	// TrackID correlates the same physical object across frames.
	// nil means the detector could not correlate this detection, in which
	// case it can never participate in counting.
	TrackID *int64 `json:"track_id"`
}
