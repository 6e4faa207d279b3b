package pastimage

import (
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
)

// yawQuat returns a unit quaternion rotating by yaw radians about z.
func yawQuat(yaw float64) quat.Number {
	return quat.Number{Real: math.Cos(yaw / 2), Kmag: math.Sin(yaw / 2)}
}

func TestQuantize(t *testing.T) {
	tests := []struct {
		in   r3.Vec
		want r3.Vec
	}{
		{r3.Vec{X: 1.234, Y: 0.05, Z: 0}, r3.Vec{X: 1.2, Y: 0, Z: 0}},
		{r3.Vec{X: -0.01, Y: -1.25, Z: 3.99}, r3.Vec{X: -0.1, Y: -1.3, Z: 3.9}},
		// positions on a grid line stay in their own cell
		{r3.Vec{X: 0.3, Y: 0.6, Z: 0.7}, r3.Vec{X: 0.3, Y: 0.6, Z: 0.7}},
		{r3.Vec{X: 1.2, Y: 2.3, Z: -0.3}, r3.Vec{X: 1.2, Y: 2.3, Z: -0.3}},
		{r3.Vec{X: 1.9, Y: 0, Z: -2.3}, r3.Vec{X: 1.9, Y: 0, Z: -2.3}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Quantize(tt.in, 0.1), "Quantize(%v)", tt.in)
	}
}

func TestQuantizeMatchesTenthGrid(t *testing.T) {
	// every millimetre step in [-20, 20] lands in the cell floor(v*10)/10
	for i := -20000; i <= 20000; i++ {
		v := float64(i) / 1000
		want := math.Floor(v*10) / 10
		got := Quantize(r3.Vec{X: v, Y: -v, Z: v}, 0.1)
		if got.X != want || got.Y != math.Floor(-v*10)/10 || got.Z != want {
			t.Fatalf("Quantize(%v) = %v, want X=Z=%v", v, got, want)
		}
	}
}

func TestQuantizeIdempotent(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for _, res := range []float64{0.1, 0.05, 0.3, 1} {
		for i := 0; i < 2000; i++ {
			p := r3.Vec{
				X: (rng.Float64() - 0.5) * 2000,
				Y: (rng.Float64() - 0.5) * 20,
				Z: (rng.Float64() - 0.5) * 2,
			}
			q := Quantize(p, res)
			if again := Quantize(q, res); again != q {
				t.Fatalf("Quantize(Quantize(%v, %v)) = %v, want %v", p, res, again, q)
			}
		}
	}
}

func TestNewFrame(t *testing.T) {
	stamp := time.Date(2015, 11, 3, 14, 0, 0, 0, time.UTC)
	img := &Image{Stamp: stamp.Add(-time.Millisecond), Encoding: "rgb8", Width: 2, Height: 1, Data: []byte{1, 2, 3, 4, 5, 6}}
	pose := Pose{
		Stamp:       stamp,
		Position:    r3.Vec{X: 1.27, Y: -0.33, Z: 0.9},
		Orientation: quat.Number{Real: 2}, // not unit length
	}

	f := NewFrame(3, pose, img, DefaultResolution)

	assert.Equal(t, FrameID(3), f.ID)
	assert.Equal(t, stamp, f.Stamp, "stamp comes from the pose")
	assert.Same(t, img, f.Image)
	assert.Equal(t, pose.Position, f.Position)
	assert.InDelta(t, 1.2, f.Key.X, 1e-9)
	assert.InDelta(t, -0.4, f.Key.Y, 1e-9)
	assert.InDelta(t, 1.0, quat.Abs(f.Orientation), 1e-12)
	assert.Equal(t, []float64{1.27, -0.33, 0.9, 0, 0, 0, 1}, f.StateVector())
	assert.Contains(t, f.String(), "Frame 3")
}

func TestFrameDistance(t *testing.T) {
	a := NewFrame(0, Pose{Position: r3.Vec{X: 0.04}}, nil, 0.1)
	b := NewFrame(1, Pose{Position: r3.Vec{X: 3.04, Y: 4}}, nil, 0.1)

	// precise positions, not quantized keys
	assert.InDelta(t, 5.0, a.DistanceTo(b), 1e-12)
	assert.InDelta(t, 5.0, b.DistanceFrom(a.Position), 1e-12)
}

func TestYawAndTilt(t *testing.T) {
	assert.InDelta(t, math.Pi/4, Yaw(yawQuat(math.Pi/4)), 1e-12)
	assert.InDelta(t, math.Pi/2, YawChange(yawQuat(3*math.Pi/4), yawQuat(-3*math.Pi/4)), 1e-12,
		"yaw change wraps across ±π")

	assert.Equal(t, 0.0, TiltAngle(r3.Vec{}, r3.Vec{}))
	assert.InDelta(t, math.Pi/4, TiltAngle(r3.Vec{}, r3.Vec{X: 1, Z: -1}), 1e-12)
	assert.InDelta(t, math.Pi/2, TiltAngle(r3.Vec{}, r3.Vec{Z: 2}), 1e-12)
}
