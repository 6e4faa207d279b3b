// Package transport carries observations into the selector and its output
// back out: a single-consumer dispatcher for the three input streams, a
// pub/sub bus for transforms and selections, and a JSON-lines replay source.
package transport

import (
	"fmt"

	"github.com/banshee-data/spirit/internal/pastimage"
)

// EventKind identifies the input stream an Event came from.
type EventKind int

const (
	EventImage EventKind = iota + 1
	EventPose
	EventTracked
)

func (k EventKind) String() string {
	switch k {
	case EventImage:
		return "image"
	case EventPose:
		return "pose"
	case EventTracked:
		return "tracked"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is one observation on one of the three input streams. Only the field
// matching Kind is meaningful.
type Event struct {
	Kind    EventKind
	Pose    *pastimage.Pose
	Image   *pastimage.Image
	Tracked bool
}

// ImageEvent wraps an image observation.
func ImageEvent(img *pastimage.Image) Event {
	return Event{Kind: EventImage, Image: img}
}

// PoseEvent wraps a pose observation.
func PoseEvent(p pastimage.Pose) Event {
	return Event{Kind: EventPose, Pose: &p}
}

// TrackedEvent wraps a tracking status observation.
func TrackedEvent(tracked bool) Event {
	return Event{Kind: EventTracked, Tracked: tracked}
}

// Handler consumes events. *pastimage.Selector satisfies it.
type Handler interface {
	OnImage(img *pastimage.Image)
	OnPose(p pastimage.Pose) error
	OnTracked(tracked bool)
}

var _ Handler = (*pastimage.Selector)(nil)
