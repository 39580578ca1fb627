package track

import (
	"testing"

	"github.com/countcam/countcam/pkg/nn"
	"github.com/cyclopcam/logs"
	"github.com/stretchr/testify/require"
)

func det(class string, x1, y1, x2, y2 int) nn.Detection {
	return nn.Detection{
		Box:        nn.Box{x1, y1, x2, y2},
		Class:      class,
		Confidence: 0.9,
	}
}

func TestSingleObjectKeepsID(t *testing.T) {
	a := NewAssigner(logs.NewTestingLog(t), DefaultOptions())

	// A car moving down the frame in overlapping steps
	var firstID int64
	for i := 0; i < 10; i++ {
		y := 100 + i*20
		dets := []nn.Detection{det("car", 100, y, 200, y+80)}
		a.Assign(dets, 640, 480, int64(i+1))
		require.NotNil(t, dets[0].TrackID)
		if i == 0 {
			firstID = *dets[0].TrackID
		} else {
			require.Equal(t, firstID, *dets[0].TrackID)
		}
	}
	require.Equal(t, 1, a.NumTracked())
}

func TestTwoObjectsDistinctIDs(t *testing.T) {
	a := NewAssigner(logs.NewTestingLog(t), DefaultOptions())

	dets := []nn.Detection{
		det("car", 50, 100, 150, 180),
		det("car", 400, 100, 500, 180),
	}
	a.Assign(dets, 640, 480, 1)
	require.NotNil(t, dets[0].TrackID)
	require.NotNil(t, dets[1].TrackID)
	require.NotEqual(t, *dets[0].TrackID, *dets[1].TrackID)
	left, right := *dets[0].TrackID, *dets[1].TrackID

	// Both move down a little: ids must stick to their own object
	dets = []nn.Detection{
		det("car", 50, 120, 150, 200),
		det("car", 400, 120, 500, 200),
	}
	a.Assign(dets, 640, 480, 2)
	require.Equal(t, left, *dets[0].TrackID)
	require.Equal(t, right, *dets[1].TrackID)
}

func TestClassMismatchNeverMatches(t *testing.T) {
	a := NewAssigner(logs.NewTestingLog(t), DefaultOptions())

	dets := []nn.Detection{det("car", 100, 100, 200, 180)}
	a.Assign(dets, 640, 480, 1)
	carID := *dets[0].TrackID

	// A truck at the exact same spot is a different object
	dets = []nn.Detection{det("truck", 100, 100, 200, 180)}
	a.Assign(dets, 640, 480, 2)
	require.NotEqual(t, carID, *dets[0].TrackID)
	require.Equal(t, 2, a.NumTracked())
}

func TestForgetAfterGap(t *testing.T) {
	opts := DefaultOptions()
	opts.ForgetAfterFrames = 5
	a := NewAssigner(logs.NewTestingLog(t), opts)

	dets := []nn.Detection{det("car", 100, 100, 200, 180)}
	a.Assign(dets, 640, 480, 1)
	oldID := *dets[0].TrackID

	// Nothing for a while: the track is forgotten
	a.Assign([]nn.Detection{}, 640, 480, 10)
	require.Equal(t, 0, a.NumTracked())

	dets = []nn.Detection{det("car", 100, 100, 200, 180)}
	a.Assign(dets, 640, 480, 11)
	require.NotEqual(t, oldID, *dets[0].TrackID)
}

func TestExistingIDsLeftAlone(t *testing.T) {
	a := NewAssigner(logs.NewTestingLog(t), DefaultOptions())

	id := int64(777)
	dets := []nn.Detection{
		{Box: nn.Box{100, 100, 200, 180}, Class: "car", Confidence: 0.9, TrackID: &id},
		det("car", 400, 100, 500, 180),
	}
	a.Assign(dets, 640, 480, 1)
	require.Equal(t, int64(777), *dets[0].TrackID)
	require.NotNil(t, dets[1].TrackID)
	require.NotEqual(t, int64(777), *dets[1].TrackID)
	// Only the untracked detection created a track of ours
	require.Equal(t, 1, a.NumTracked())
}

// Phase 2 matching: a slow detector sees the object jump so far that the
// boxes don't overlap at all. The id must still stick.
func TestNonOverlappingMotion(t *testing.T) {
	a := NewAssigner(logs.NewTestingLog(t), DefaultOptions())

	dets := []nn.Detection{det("car", 100, 50, 180, 110)}
	a.Assign(dets, 640, 480, 1)
	id := *dets[0].TrackID

	dets = []nn.Detection{det("car", 100, 350, 180, 410)}
	a.Assign(dets, 640, 480, 2)
	require.Equal(t, id, *dets[0].TrackID)
}
