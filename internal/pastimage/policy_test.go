package pastimage

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/spirit/internal/spatial"
)

var epoch = time.Date(2015, 11, 3, 14, 0, 0, 0, time.UTC)

func at(sec float64) time.Time {
	return epoch.Add(time.Duration(sec * float64(time.Second)))
}

// buildArchive archives one frame per pose, in order.
func buildArchive(t *testing.T, poses ...Pose) (*Archive, *spatial.Octree) {
	t.Helper()
	store := NewStore()
	archive := NewArchive(store)
	index := spatial.New(r3.Vec{}, 1000, DefaultResolution/2)
	for _, p := range poses {
		f := NewFrame(store.NextID(), p, &Image{Stamp: p.Stamp}, DefaultResolution)
		store.Put(f)
		require.NoError(t, index.Insert(spatial.Item{ID: uint64(f.ID), Pos: f.Key, StampNanos: f.Stamp.UnixNano()}))
		archive.Append(f.ID)
	}
	return archive, index
}

func poseAt(sec float64, pos r3.Vec) Pose {
	return Pose{Stamp: at(sec), Position: pos, Orientation: quat.Number{Real: 1}}
}

func TestParsePolicyKind(t *testing.T) {
	for _, k := range PolicyKinds {
		got, err := ParsePolicyKind(string(k))
		require.NoError(t, err)
		assert.Equal(t, k, got)
	}
	_, err := ParsePolicyKind("spirit")
	assert.ErrorIs(t, err, ErrUnknownPolicy)
}

func TestEmptyArchiveSelectsNothing(t *testing.T) {
	archive, index := buildArchive(t)
	current := NewFrame(0, poseAt(0, r3.Vec{}), nil, DefaultResolution)

	for _, p := range []Policy{
		{Kind: ConstantTimeDelay, Delay: time.Second},
		{Kind: ConstantDistance, Distance: 1},
		{Kind: Murata, Weighted: DefaultWeightedParams()},
	} {
		for _, cur := range []*Frame{nil, current} {
			got, err := p.Evaluate(poseAt(10, r3.Vec{}), archive, index, cur)
			assert.NoError(t, err, p.Describe())
			assert.Nil(t, got, p.Describe())
		}
	}
}

func TestConstantTimeDelay(t *testing.T) {
	archive, index := buildArchive(t,
		poseAt(0, r3.Vec{X: 0}),
		poseAt(10, r3.Vec{X: 1}),
		poseAt(20, r3.Vec{X: 2}),
		poseAt(30, r3.Vec{X: 3}),
	)
	policy := Policy{Kind: ConstantTimeDelay, Delay: 15 * time.Second}

	tests := []struct {
		name string
		now  float64
		want time.Time
	}{
		{"newest frame older than now-delay", 28, at(10)},
		{"delay not yet elapsed returns oldest", 5, at(0)},
		{"cutoff equal to a stamp is not older", 25, at(0)},
		{"long after the last frame", 100, at(30)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := policy.Evaluate(poseAt(tt.now, r3.Vec{}), archive, index, nil)
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.Equal(t, tt.want, got.Stamp)
		})
	}
}

func TestConstantDistance(t *testing.T) {
	// frames at distances 0.5, 1.2, 2.0, 3.5 from the origin, oldest first
	archive, index := buildArchive(t,
		poseAt(0, r3.Vec{X: 0.5}),
		poseAt(1, r3.Vec{X: 1.2}),
		poseAt(2, r3.Vec{X: 2.0}),
		poseAt(3, r3.Vec{X: 3.5}),
	)
	query := poseAt(4, r3.Vec{})

	t.Run("only frames strictly beyond the target qualify", func(t *testing.T) {
		p := Policy{Kind: ConstantDistance, Distance: 2.0}
		got, err := p.Evaluate(query, archive, index, nil)
		require.NoError(t, err)
		assert.Equal(t, 3.5, got.Position.X)
	})

	t.Run("closest excess wins over scan order", func(t *testing.T) {
		p := Policy{Kind: ConstantDistance, Distance: 1.0}
		got, err := p.Evaluate(query, archive, index, nil)
		require.NoError(t, err)
		// 3.5 is met first, then replaced by 2.0, then by 1.2
		assert.Equal(t, 1.2, got.Position.X)
	})

	t.Run("nothing beyond the target returns the newest frame", func(t *testing.T) {
		p := Policy{Kind: ConstantDistance, Distance: 10}
		got, err := p.Evaluate(query, archive, index, nil)
		require.NoError(t, err)
		assert.Equal(t, 3.5, got.Position.X)
		assert.Equal(t, archive.Last(), got)
	})
}

func TestConstantDistanceTieKeepsFirstQualifying(t *testing.T) {
	// Two frames with the same excess over the target; the newer one is
	// scanned first and must not be displaced by an equal candidate.
	archive, index := buildArchive(t,
		poseAt(0, r3.Vec{X: -3}),
		poseAt(1, r3.Vec{X: 0.5}),
		poseAt(2, r3.Vec{X: 3}),
	)
	p := Policy{Kind: ConstantDistance, Distance: 2}

	got, err := p.Evaluate(poseAt(3, r3.Vec{}), archive, index, nil)
	require.NoError(t, err)
	assert.Equal(t, FrameID(2), got.ID)
}

func TestMurataWithoutCurrentReturnsFirst(t *testing.T) {
	archive, index := buildArchive(t,
		poseAt(0, r3.Vec{X: 5}),
		poseAt(1, r3.Vec{X: 6}),
	)
	p := Policy{Kind: Murata, Weighted: DefaultWeightedParams()}

	got, err := p.Evaluate(poseAt(2, r3.Vec{}), archive, index, nil)
	require.NoError(t, err)
	assert.Equal(t, archive.First(), got)
}

func TestMurataScoresAgainstCurrent(t *testing.T) {
	w := DefaultWeightedParams()
	// the ideal candidate sits zRef above the current frame and about l away
	archive, index := buildArchive(t,
		poseAt(0, r3.Vec{X: 10}),
		Pose{Stamp: at(1), Position: r3.Vec{X: 11, Z: 0.5}, Orientation: yawQuat(0)},
		Pose{Stamp: at(2), Position: r3.Vec{X: 14, Z: 3}, Orientation: yawQuat(math.Pi)},
		poseAt(3, r3.Vec{X: 10.1}),
	)
	current := archive.First()
	p := Policy{Kind: Murata, Weighted: w}

	// the live pose is ignored: moving it far away changes nothing
	for _, pos := range []r3.Vec{{}, {X: 500, Y: -200}} {
		got, err := p.Evaluate(poseAt(4, pos), archive, index, current)
		require.NoError(t, err)
		assert.Equal(t, FrameID(1), got.ID)
	}

	scores := make([]float64, 0, archive.Len())
	for f := range archive.All() {
		scores = append(scores, w.Score(current, f))
	}
	for i, s := range scores {
		if i != 1 {
			assert.Greater(t, s, scores[1], "frame %d", i)
		}
	}
	// the current frame against itself: height and distance terms only
	assert.InDelta(t, w.Weights[0]+w.Weights[3], scores[0], 1e-12)
}

func TestMurataDeterministic(t *testing.T) {
	var poses []Pose
	for i := 0; i < 50; i++ {
		a := float64(i) * 0.37
		poses = append(poses, Pose{
			Stamp:       at(float64(i)),
			Position:    r3.Vec{X: math.Cos(a) * 3, Y: math.Sin(a) * 3, Z: float64(i%5) * 0.2},
			Orientation: yawQuat(a),
		})
	}
	archive, index := buildArchive(t, poses...)
	current := archive.At(17)
	p := Policy{Kind: Murata, Weighted: DefaultWeightedParams()}

	first, err := p.Evaluate(poseAt(60, r3.Vec{}), archive, index, current)
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		again, err := p.Evaluate(poseAt(60, r3.Vec{}), archive, index, current)
		require.NoError(t, err)
		require.Same(t, first, again)
	}
}

func TestMurataTieGoesToNewest(t *testing.T) {
	// identical candidates score identically
	archive, index := buildArchive(t,
		poseAt(0, r3.Vec{X: 10}),
		poseAt(1, r3.Vec{X: 11, Z: 0.5}),
		poseAt(2, r3.Vec{X: 11, Z: 0.5}),
	)
	p := Policy{Kind: Murata, Weighted: DefaultWeightedParams()}

	got, err := p.Evaluate(poseAt(3, r3.Vec{}), archive, index, archive.First())
	require.NoError(t, err)
	assert.Equal(t, FrameID(2), got.ID)
}

func TestSpatialKNNNotSupported(t *testing.T) {
	archive, index := buildArchive(t, poseAt(0, r3.Vec{}))
	p := Policy{Kind: SpatialKNN, Neighbors: DefaultNeighbors}

	got, err := p.Evaluate(poseAt(1, r3.Vec{}), archive, index, nil)
	assert.Nil(t, got)
	assert.True(t, errors.Is(err, ErrNotSupported), "err = %v", err)

	// empty archive still reports the missing scoring function
	empty, emptyIndex := buildArchive(t)
	_, err = p.Evaluate(poseAt(1, r3.Vec{}), empty, emptyIndex, nil)
	assert.ErrorIs(t, err, ErrNotSupported)
}

func TestUnknownPolicyKind(t *testing.T) {
	archive, index := buildArchive(t, poseAt(0, r3.Vec{}))
	_, err := Policy{Kind: "spirit"}.Evaluate(poseAt(1, r3.Vec{}), archive, index, nil)
	assert.ErrorIs(t, err, ErrUnknownPolicy)
}

func TestDescribe(t *testing.T) {
	got := []string{
		Policy{Kind: ConstantTimeDelay, Delay: 1500 * time.Millisecond}.Describe(),
		Policy{Kind: ConstantDistance, Distance: 2}.Describe(),
		Policy{Kind: SpatialKNN, Neighbors: 10}.Describe(),
	}
	want := []string{
		"constant_time_delay(delay=1.5s)",
		"constant_distance(distance=2.00m)",
		"spatial_knn(k=10)",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Describe() mismatch (-want +got):\n%s", diff)
	}
}
