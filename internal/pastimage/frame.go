package pastimage

import (
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
)

// DefaultResolution is the quantization grid used for spatial keys (10 cm).
const DefaultResolution = 0.1

// FrameID is the stable arena index of a frame. IDs are assigned in
// construction order starting at zero.
type FrameID uint64

// Pose is a stamped vehicle pose as delivered by the tracker.
// Orientation holds the quaternion as Real=w, Imag=x, Jmag=y, Kmag=z.
type Pose struct {
	Stamp       time.Time
	Position    r3.Vec
	Orientation quat.Number
}

// Image is an opaque camera payload. It is shared by pointer between the
// pending buffer, the frame that captured it and any subscriber that receives
// it, and must not be modified after it has been handed to the Selector.
type Image struct {
	Stamp    time.Time
	Encoding string
	Width    int
	Height   int
	Data     []byte
}

// Frame is an archived (pose, image) observation. Frames are immutable once
// built and are owned by the Store; the Archive and Index refer to them by ID.
type Frame struct {
	ID          FrameID
	Position    r3.Vec // precise position
	Key         r3.Vec // quantized position, used as the spatial key
	Orientation quat.Number
	Image       *Image
	Stamp       time.Time
}

// NewFrame builds a frame from a pose and an image. The stamp is taken from
// the pose, not the wall clock, and the orientation is normalised.
func NewFrame(id FrameID, pose Pose, image *Image, resolution float64) *Frame {
	return &Frame{
		ID:          id,
		Position:    pose.Position,
		Key:         Quantize(pose.Position, resolution),
		Orientation: normalize(pose.Orientation),
		Image:       image,
		Stamp:       pose.Stamp,
	}
}

// Quantize rounds p down onto a grid with the given cell size, so that at
// the default resolution each axis is floor(v*10)/10. Quantizing an already
// quantized position returns it unchanged.
func Quantize(p r3.Vec, resolution float64) r3.Vec {
	if resolution <= 0 {
		resolution = DefaultResolution
	}
	return r3.Vec{
		X: quantizeAxis(p.X, resolution),
		Y: quantizeAxis(p.Y, resolution),
		Z: quantizeAxis(p.Z, resolution),
	}
}

func quantizeAxis(v, resolution float64) float64 {
	// Multiplying by a whole number of cells per metre is exact at grid
	// lines, where dividing by 0.1 is not (0.3/0.1 < 3).
	if scale := math.Round(1 / resolution); scale >= 1 && scale*resolution == 1 {
		return math.Floor(v*scale) / scale
	}

	cell := math.Floor(v / resolution)
	q := cell * resolution
	// cell*resolution can land a hair below the cell boundary, which would
	// push a second pass into the previous cell.
	for math.Floor(q/resolution) < cell {
		q = math.Nextafter(q, math.Inf(1))
	}
	return q
}

// DistanceTo returns the Euclidean distance between the precise positions of
// two frames.
func (f *Frame) DistanceTo(other *Frame) float64 {
	return r3.Norm(r3.Sub(f.Position, other.Position))
}

// DistanceFrom returns the Euclidean distance from p to the frame's precise
// position.
func (f *Frame) DistanceFrom(p r3.Vec) float64 {
	return r3.Norm(r3.Sub(f.Position, p))
}

// StateVector returns the 7-component pose state [x y z qx qy qz qw].
func (f *Frame) StateVector() []float64 {
	return stateVector(f.Position, f.Orientation)
}

// String formats the frame for logs.
func (f *Frame) String() string {
	return fmt.Sprintf("Frame %d (%.3f, %.3f, %.3f): %s",
		f.ID, f.Position.X, f.Position.Y, f.Position.Z,
		f.Stamp.Local().Format("2006-01-02 15:04:05.000"))
}

func stateVector(p r3.Vec, q quat.Number) []float64 {
	return []float64{p.X, p.Y, p.Z, q.Imag, q.Jmag, q.Kmag, q.Real}
}

func normalize(q quat.Number) quat.Number {
	n := quat.Abs(q)
	if n == 0 || math.IsNaN(n) {
		return quat.Number{Real: 1}
	}
	return quat.Scale(1/n, q)
}

// Yaw returns the heading of q about the z axis in radians.
func Yaw(q quat.Number) float64 {
	w, x, y, z := q.Real, q.Imag, q.Jmag, q.Kmag
	return math.Atan2(2*(w*z+x*y), 1-2*(y*y+z*z))
}

// YawChange returns the signed heading difference from a to b wrapped into
// [-π, π].
func YawChange(a, b quat.Number) float64 {
	return wrapAngle(Yaw(b) - Yaw(a))
}

// TiltAngle returns the elevation of the line from one position to another
// relative to the horizontal plane, in radians. Coincident points have zero
// tilt.
func TiltAngle(from, to r3.Vec) float64 {
	d := r3.Sub(to, from)
	horizontal := math.Hypot(d.X, d.Y)
	if horizontal == 0 && d.Z == 0 {
		return 0
	}
	return math.Atan2(math.Abs(d.Z), horizontal)
}

func wrapAngle(a float64) float64 {
	for a > math.Pi {
		a -= 2 * math.Pi
	}
	for a < -math.Pi {
		a += 2 * math.Pi
	}
	return a
}
