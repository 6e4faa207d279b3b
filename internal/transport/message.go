package transport

import (
	"math"
	"time"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/spirit/internal/pastimage"
)

// MessageKind identifies an outbound message.
type MessageKind string

const (
	KindTransform MessageKind = "transform"
	KindSelection MessageKind = "selection"
)

// Message is one outbound publication. Exactly one of Transform and
// Selection is set, according to Kind.
type Message struct {
	Kind      MessageKind
	Transform *pastimage.Transform
	Selection *pastimage.Selection
}

// ImageView is the wire form of an image.
type ImageView struct {
	Stamp    float64 `json:"stamp"`
	Encoding string  `json:"encoding,omitempty"`
	Width    int     `json:"width"`
	Height   int     `json:"height"`
	Data     []byte  `json:"data,omitempty"`
}

// View is the flat wire form of a Message shared by the debug tail and the
// gRPC watch stream. Stamps are seconds since the Unix epoch; orientations
// are [x, y, z, w].
type View struct {
	Kind        MessageKind `json:"kind"`
	Stamp       float64     `json:"stamp"`
	Parent      string      `json:"parent,omitempty"`
	Child       string      `json:"child,omitempty"`
	Position    [3]float64  `json:"position"`
	Orientation [4]float64  `json:"orientation"`

	FrameID          *uint64     `json:"frame_id,omitempty"`
	FrameStamp       *float64    `json:"frame_stamp,omitempty"`
	FramePosition    *[3]float64 `json:"frame_position,omitempty"`
	FrameOrientation *[4]float64 `json:"frame_orientation,omitempty"`
	Delay            *float64    `json:"delay,omitempty"`    // seconds between frame and pose
	Distance         *float64    `json:"distance,omitempty"` // metres between frame and pose
	Image            *ImageView  `json:"image,omitempty"`
}

// View flattens m. Image pixel data is only included when withImage is set.
func (m Message) View(withImage bool) View {
	switch m.Kind {
	case KindTransform:
		t := m.Transform
		return View{
			Kind:        KindTransform,
			Stamp:       StampSeconds(t.Stamp),
			Parent:      t.Parent,
			Child:       t.Child,
			Position:    vec(t.Translation),
			Orientation: orientation(t.Rotation),
		}
	case KindSelection:
		s := m.Selection
		f := s.Frame
		id := uint64(f.ID)
		frameStamp := StampSeconds(f.Stamp)
		framePos := vec(f.Position)
		frameRot := orientation(f.Orientation)
		delay := s.Pose.Stamp.Sub(f.Stamp).Seconds()
		dist := f.DistanceFrom(s.Pose.Position)
		v := View{
			Kind:             KindSelection,
			Stamp:            StampSeconds(s.Pose.Stamp),
			Position:         vec(s.Pose.Position),
			Orientation:      orientation(s.Pose.Orientation),
			FrameID:          &id,
			FrameStamp:       &frameStamp,
			FramePosition:    &framePos,
			FrameOrientation: &frameRot,
			Delay:            &delay,
			Distance:         &dist,
		}
		if img := f.Image; img != nil {
			v.Image = &ImageView{
				Stamp:    StampSeconds(img.Stamp),
				Encoding: img.Encoding,
				Width:    img.Width,
				Height:   img.Height,
			}
			if withImage {
				v.Image.Data = img.Data
			}
		}
		return v
	default:
		return View{Kind: m.Kind}
	}
}

// StampSeconds converts t to floating point seconds since the Unix epoch.
// The zero time maps to 0.
func StampSeconds(t time.Time) float64 {
	if t.IsZero() {
		return 0
	}
	return float64(t.UnixNano()) / 1e9
}

// FromSeconds converts floating point seconds since the Unix epoch to a
// UTC time, rounded to the microsecond.
func FromSeconds(s float64) time.Time {
	if s == 0 {
		return time.Time{}
	}
	sec, frac := math.Modf(s)
	return time.Unix(int64(sec), int64(math.Round(frac*1e6))*1e3).UTC()
}

func vec(v r3.Vec) [3]float64 {
	return [3]float64{v.X, v.Y, v.Z}
}

func orientation(q quat.Number) [4]float64 {
	return [4]float64{q.Imag, q.Jmag, q.Kmag, q.Real}
}
