package track

// Package track assigns stable track ids to raw detections, for detectors
// that cannot correlate objects across frames themselves (eg a Haar cascade).
// Detections are matched to known tracks by IOU, falling back to centroid
// distance, over a spatial index. Detections that leave with a track id
// attached can then participate in line-crossing counting downstream.

import (
	"github.com/bmharper/flatbush-go"
	"github.com/bmharper/ringbuffer"
	"github.com/countcam/countcam/pkg/nn"
	"github.com/cyclopcam/logs"
)

type Options struct {
	PositionHistorySize int     // Ring buffer of recent positions per track (rounded up to a power of 2)
	ForgetAfterFrames   int64   // Drop a track after this many frames without a sighting
	MinSearchPad        float64 // Minimum search radius around a detection, as a fraction of frame width
	Verbose             bool
}

func DefaultOptions() Options {
	return Options{
		PositionHistorySize: 16,
		ForgetAfterFrames:   30,
		MinSearchPad:        0.05,
	}
}

// A frame sequence and position where we saw an object
type seqAndPosition struct {
	seq int64
	box nn.Rect
}

// Internal state of one object that we're tracking
type trackedObject struct {
	id           int64
	class        string
	lastPosition nn.Rect
	lastSeenSeq  int64
	history      ringbuffer.RingP[seqAndPosition]
	sightings    int64
}

// Assigner matches each frame's detections against the tracks it has built up
// from previous frames. It is not safe for concurrent use; give each session
// its own Assigner.
type Assigner struct {
	log     logs.Log
	opts    Options
	nextID  int64
	tracked []*trackedObject
}

func NewAssigner(log logs.Log, opts Options) *Assigner {
	if opts.PositionHistorySize <= 0 {
		opts.PositionHistorySize = DefaultOptions().PositionHistorySize
	}
	if opts.ForgetAfterFrames <= 0 {
		opts.ForgetAfterFrames = DefaultOptions().ForgetAfterFrames
	}
	if opts.MinSearchPad <= 0 {
		opts.MinSearchPad = DefaultOptions().MinSearchPad
	}
	return &Assigner{
		log:  log,
		opts: opts,
	}
}

// NumTracked returns the number of live tracks.
func (a *Assigner) NumTracked() int {
	return len(a.tracked)
}

// Assign fills in the TrackID of every detection in 'detections' that does
// not already have one. Detections that arrive with an id are left alone.
func (a *Assigner) Assign(detections []nn.Detection, frameWidth, frameHeight int, seq int64) {
	// Create spatial index on the currently tracked objects
	fb := flatbush.NewFlatbush[int32]()
	fb.Reserve(len(a.tracked))
	for _, t := range a.tracked {
		obj := &t.lastPosition
		fb.Add(int32(obj.X), int32(obj.Y), int32(obj.X2()), int32(obj.Y2()))
	}
	fb.Finish()

	minSearchPad := int32(a.opts.MinSearchPad * float64(frameWidth))

	// Map from detections[i] to tracked[j]
	newToTracked := make([]int, len(detections))
	for i := range newToTracked {
		newToTracked[i] = -1
	}
	trackedHasMatch := make([]bool, len(a.tracked))

	// Search among a.tracked (but only the indices in existingList), and find
	// the closest object to detections[newIndex] with the same class.
	// Objects that already have a match are skipped.
	findClosestFromList := func(newIndex int, existingList []int) int {
		det := &detections[newIndex]
		rect := det.Box.Rect()
		bestJ := -1
		bestIOU := float32(0)
		bestDistance := float32(9e20)
		for _, j := range existingList {
			if trackedHasMatch[j] {
				continue
			}
			old := a.tracked[j]
			if old.class != det.Class {
				continue
			}
			iou := rect.IOU(old.lastPosition)
			distance := rect.Center().Distance(old.lastPosition.Center())
			// Our effective detector framerate is often low enough that an
			// object moves so far between frames that the boxes don't overlap
			// at all. If iou is zero, fall back to distance between centers.
			if iou > bestIOU {
				bestIOU = iou
				bestJ = j
			} else if bestIOU == 0 && distance < bestDistance {
				bestDistance = distance
				bestJ = j
			}
		}
		if bestJ != -1 {
			trackedHasMatch[bestJ] = true
			newToTracked[newIndex] = bestJ
		}
		return bestJ
	}

	// Phase 1:
	// Match detections to tracks that are reasonably close by.
	nearbyIdx := []int{}
	for i := range detections {
		if detections[i].TrackID != nil {
			continue
		}
		rect := detections[i].Box.Rect()
		padX := max(minSearchPad, int32(0.8*float64(rect.Width)))
		padY := max(minSearchPad, int32(0.8*float64(rect.Height)))
		nearbyIdx = fb.SearchFast(int32(rect.X)-padX, int32(rect.Y)-padY, int32(rect.X2())+padX, int32(rect.Y2())+padY, nearbyIdx)
		findClosestFromList(i, nearbyIdx)
	}

	// Phase 2:
	// Match remaining detections to *any* unmatched track, no matter how far.
	// Without this, a slow detector would mint a fresh id every frame for a
	// fast-moving vehicle, and it would never accumulate enough history to be
	// counted.
	unmatched := []int{}
	for j := range a.tracked {
		if !trackedHasMatch[j] {
			unmatched = append(unmatched, j)
		}
	}
	for i := range detections {
		if detections[i].TrackID != nil || newToTracked[i] != -1 {
			continue
		}
		findClosestFromList(i, unmatched)
	}

	// Update matched tracks, and create new tracks
	historySize := nextPowerOf2(a.opts.PositionHistorySize)
	for i := range detections {
		det := &detections[i]
		if det.TrackID != nil {
			continue
		}
		rect := det.Box.Rect()
		bestJ := newToTracked[i]
		if bestJ == -1 {
			a.nextID++
			bestJ = len(a.tracked)
			a.tracked = append(a.tracked, &trackedObject{
				id:      a.nextID,
				class:   det.Class,
				history: ringbuffer.NewRingP[seqAndPosition](historySize),
			})
			if a.opts.Verbose {
				a.log.Infof("Tracker: new '%v' %v at %v,%v", det.Class, a.nextID, rect.Center().X, rect.Center().Y)
			}
		}
		t := a.tracked[bestJ]
		t.sightings++
		t.lastPosition = rect
		t.lastSeenSeq = seq
		t.history.Add(seqAndPosition{seq: seq, box: rect})
		id := t.id
		det.TrackID = &id
	}

	// Forget tracks that have disappeared
	remaining := a.tracked[:0]
	for _, t := range a.tracked {
		if seq-t.lastSeenSeq > a.opts.ForgetAfterFrames {
			if a.opts.Verbose {
				a.log.Infof("Tracker: '%v' %v disappeared after %v sightings", t.class, t.id, t.sightings)
			}
		} else {
			remaining = append(remaining, t)
		}
	}
	a.tracked = remaining
}

func nextPowerOf2(n int) int {
	p := 1
	for p < n {
		p *= 2
	}
	return p
}
