package pastimage

import (
	"errors"
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/spatial/r3"
)

var (
	// ErrNotSupported is returned by policies that are declared but have no
	// scoring function.
	ErrNotSupported = errors.New("selection policy not supported")

	// ErrUnknownPolicy is returned when a policy name does not match any
	// PolicyKind.
	ErrUnknownPolicy = errors.New("unknown selection policy")
)

// PolicyKind names a selection policy.
type PolicyKind string

const (
	// ConstantTimeDelay shows the newest frame older than a fixed delay.
	ConstantTimeDelay PolicyKind = "constant_time_delay"
	// ConstantDistance shows the frame whose distance from the vehicle
	// best exceeds a fixed target.
	ConstantDistance PolicyKind = "constant_distance"
	// Murata scores every frame against the current selection with a
	// weighted sum of five error terms.
	Murata PolicyKind = "murata"
	// SpatialKNN would score the nearest archived frames; it has no
	// scoring function and always reports ErrNotSupported.
	SpatialKNN PolicyKind = "spatial_knn"
)

// PolicyKinds lists every known policy in a stable order.
var PolicyKinds = []PolicyKind{ConstantTimeDelay, ConstantDistance, Murata, SpatialKNN}

// ParsePolicyKind resolves a configured policy name.
func ParsePolicyKind(name string) (PolicyKind, error) {
	for _, k := range PolicyKinds {
		if string(k) == name {
			return k, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownPolicy, name)
}

// DefaultNeighbors is the candidate count for SpatialKNN.
const DefaultNeighbors = 10

// WeightedParams configures the Murata policy.
//
//	E = a1((dz - zRef)/zRef)² + a2(β/(π/2))² + a3(α/φv)²
//	  + a4((|a| - l)/l)² + a5(|Δs|/|s|)²
//
// dz is the height change, β the yaw change, α the tilt of the line between
// the two camera positions, a the displacement, l the reference distance,
// Δs the change of the 7-component pose state s of the current selection, and
// φv = 2·atan(γ·tan(φh/2)) the vertical field of view derived from the
// horizontal field of view φh and display aspect ratio γ.
type WeightedParams struct {
	Weights       [5]float64
	HeightRef     float64 // zRef, metres
	DistanceRef   float64 // l, metres
	HorizontalFOV float64 // φh, radians
	AspectRatio   float64 // γ, height / width
	YawRef        float64 // normaliser for β, radians
}

// DefaultWeightedParams returns the reference coefficients. The field of view
// is chosen so that φv = π/3.
func DefaultWeightedParams() WeightedParams {
	return WeightedParams{
		Weights:       [5]float64{1, 2, 3, 4, 5},
		HeightRef:     0.5,
		DistanceRef:   1,
		HorizontalFOV: 2 * math.Atan(math.Tan(math.Pi/6)/0.75),
		AspectRatio:   0.75,
		YawRef:        math.Pi / 2,
	}
}

// VerticalFOV returns φv.
func (p WeightedParams) VerticalFOV() float64 {
	return 2 * math.Atan(p.AspectRatio*math.Tan(p.HorizontalFOV/2))
}

// Policy is the closed set of selection algorithms. Kind picks the algorithm;
// the remaining fields are its fixed parameters.
type Policy struct {
	Kind      PolicyKind
	Delay     time.Duration  // ConstantTimeDelay
	Distance  float64        // ConstantDistance, metres
	Weighted  WeightedParams // Murata
	Neighbors int            // SpatialKNN
}

// Describe returns a short description for logs.
func (p Policy) Describe() string {
	switch p.Kind {
	case ConstantTimeDelay:
		return fmt.Sprintf("%s(delay=%s)", p.Kind, p.Delay)
	case ConstantDistance:
		return fmt.Sprintf("%s(distance=%.2fm)", p.Kind, p.Distance)
	case Murata:
		return fmt.Sprintf("%s(weights=%v)", p.Kind, p.Weighted.Weights)
	case SpatialKNN:
		return fmt.Sprintf("%s(k=%d)", p.Kind, p.Neighbors)
	default:
		return string(p.Kind)
	}
}

// Evaluate chooses the archived frame to show for pose. current is the
// frame most recently selected, or nil. A nil frame with a nil error means
// nothing should be published this cycle.
func (p Policy) Evaluate(pose Pose, archive *Archive, index Index, current *Frame) (*Frame, error) {
	switch p.Kind {
	case ConstantTimeDelay:
		return p.constantTimeDelay(pose, archive), nil
	case ConstantDistance:
		return p.constantDistance(pose, archive), nil
	case Murata:
		return p.murata(archive, current), nil
	case SpatialKNN:
		return nil, fmt.Errorf("%w: %s has no scoring function", ErrNotSupported, p.Kind)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownPolicy, p.Kind)
	}
}

// constantTimeDelay returns the newest frame strictly older than
// pose.Stamp - Delay, falling back to the oldest frame while the delay has
// not yet elapsed.
func (p Policy) constantTimeDelay(pose Pose, archive *Archive) *Frame {
	if archive.IsEmpty() {
		return nil
	}
	cutoff := pose.Stamp.Add(-p.Delay)
	for f := range archive.Reverse() {
		if f.Stamp.Before(cutoff) {
			return f
		}
	}
	return archive.First()
}

// constantDistance scans newest-first. The first frame farther than the
// target becomes the best candidate and is only replaced by a later one
// whose excess over the target is strictly smaller, so among equal excesses
// the newest frame wins. With no frame beyond the target the newest frame is
// returned.
func (p Policy) constantDistance(pose Pose, archive *Archive) *Frame {
	if archive.IsEmpty() {
		return nil
	}
	var best *Frame
	bestErr := math.Inf(1)
	for f := range archive.Reverse() {
		d := f.DistanceFrom(pose.Position)
		if d <= p.Distance {
			continue
		}
		if e := d - p.Distance; best == nil || e < bestErr {
			best, bestErr = f, e
		}
	}
	if best == nil {
		return archive.Last()
	}
	return best
}

// murata returns the frame with the lowest score against current, scanning
// newest-first with a strict comparison so the newest frame wins ties.
func (p Policy) murata(archive *Archive, current *Frame) *Frame {
	if archive.IsEmpty() {
		return nil
	}
	if current == nil {
		return archive.First()
	}
	var best *Frame
	bestScore := math.Inf(1)
	for f := range archive.Reverse() {
		if s := p.Weighted.Score(current, f); best == nil || s < bestScore {
			best, bestScore = f, s
		}
	}
	return best
}

// Score evaluates candidate against the current selection. Lower is better.
func (w WeightedParams) Score(current, candidate *Frame) float64 {
	cur := current.StateVector()
	change := candidate.StateVector()
	floats.Sub(change, cur)

	dz := candidate.Position.Z - current.Position.Z
	beta := YawChange(current.Orientation, candidate.Orientation)
	alpha := TiltAngle(candidate.Position, current.Position)
	dist := r3.Norm(r3.Sub(candidate.Position, current.Position))

	terms := [5]float64{
		sq((dz - w.HeightRef) / w.HeightRef),
		sq(beta / w.YawRef),
		sq(alpha / w.VerticalFOV()),
		sq((dist - w.DistanceRef) / w.DistanceRef),
		sq(floats.Norm(change, 2) / floats.Norm(cur, 2)),
	}
	return floats.Dot(w.Weights[:], terms[:])
}

func sq(v float64) float64 { return v * v }
