package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/spirit/internal/monitoring"
	"github.com/banshee-data/spirit/internal/pastimage"
	"github.com/banshee-data/spirit/internal/timeutil"
)

// maxRecordSize bounds a single recorded line; raw camera frames are large.
const maxRecordSize = 64 * 1024 * 1024

// Record is one line of a JSON-lines recording. Topic is "pose", "image" or
// "tracked"; Stamp is seconds since the Unix epoch.
type Record struct {
	Topic       string      `json:"topic"`
	Stamp       float64     `json:"stamp"`
	Position    *[3]float64 `json:"position,omitempty"`
	Orientation *[4]float64 `json:"orientation,omitempty"` // x, y, z, w
	Encoding    string      `json:"encoding,omitempty"`
	Width       int         `json:"width,omitempty"`
	Height      int         `json:"height,omitempty"`
	Data        []byte      `json:"data,omitempty"`
	Tracked     *bool       `json:"tracked,omitempty"`
}

// Event converts the record to an input event.
func (r Record) Event() (Event, error) {
	switch r.Topic {
	case "pose":
		if r.Position == nil {
			return Event{}, fmt.Errorf("pose record without position")
		}
		q := quat.Number{Real: 1}
		if o := r.Orientation; o != nil {
			q = quat.Number{Imag: o[0], Jmag: o[1], Kmag: o[2], Real: o[3]}
		}
		return PoseEvent(pastimage.Pose{
			Stamp:       FromSeconds(r.Stamp),
			Position:    r3.Vec{X: r.Position[0], Y: r.Position[1], Z: r.Position[2]},
			Orientation: q,
		}), nil
	case "image":
		return ImageEvent(&pastimage.Image{
			Stamp:    FromSeconds(r.Stamp),
			Encoding: r.Encoding,
			Width:    r.Width,
			Height:   r.Height,
			Data:     r.Data,
		}), nil
	case "tracked":
		if r.Tracked == nil {
			return Event{}, fmt.Errorf("tracked record without tracked value")
		}
		return TrackedEvent(*r.Tracked), nil
	default:
		return Event{}, fmt.Errorf("unknown topic %q", r.Topic)
	}
}

// RecordOf converts an event to a record. Tracked events carry no stamp of
// their own, so the caller supplies one.
func RecordOf(ev Event, stamp time.Time) Record {
	r := Record{Topic: ev.Kind.String(), Stamp: StampSeconds(stamp)}
	switch ev.Kind {
	case EventPose:
		p := ev.Pose
		pos := vec(p.Position)
		rot := orientation(p.Orientation)
		r.Stamp = StampSeconds(p.Stamp)
		r.Position, r.Orientation = &pos, &rot
	case EventImage:
		img := ev.Image
		r.Stamp = StampSeconds(img.Stamp)
		r.Encoding, r.Width, r.Height, r.Data = img.Encoding, img.Width, img.Height, img.Data
	case EventTracked:
		tracked := ev.Tracked
		r.Tracked = &tracked
	}
	return r
}

// ParseRecord decodes one JSON line into an event and its recorded stamp.
func ParseRecord(line []byte) (Event, time.Time, error) {
	var r Record
	if err := json.Unmarshal(line, &r); err != nil {
		return Event{}, time.Time{}, fmt.Errorf("failed to decode record: %w", err)
	}
	ev, err := r.Event()
	if err != nil {
		return Event{}, time.Time{}, err
	}
	return ev, FromSeconds(r.Stamp), nil
}

// Sink accepts events; *Dispatcher satisfies it.
type Sink interface {
	Submit(ctx context.Context, ev Event) error
}

// Replay feeds a recording into a sink, pacing events by their recorded
// stamps.
type Replay struct {
	clock timeutil.Clock
	rate  float64
}

// NewReplay creates a replay source. rate scales playback speed (2 plays
// twice as fast); a rate of zero or less replays as fast as possible.
func NewReplay(clock timeutil.Clock, rate float64) *Replay {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Replay{clock: clock, rate: rate}
}

// Run reads src to the end, submitting each record to sink. Blank lines and
// lines starting with '#' are skipped. It returns the number of events
// submitted.
func (r *Replay) Run(ctx context.Context, src io.Reader, sink Sink) (int, error) {
	scan := bufio.NewScanner(src)
	scan.Buffer(make([]byte, 0, 64*1024), maxRecordSize)

	var prev time.Time
	submitted := 0
	lineNo := 0
	for scan.Scan() {
		lineNo++
		line := bytes.TrimSpace(scan.Bytes())
		if len(line) == 0 || line[0] == '#' {
			continue
		}
		ev, stamp, err := ParseRecord(line)
		if err != nil {
			return submitted, fmt.Errorf("line %d: %w", lineNo, err)
		}

		if r.rate > 0 && !prev.IsZero() && stamp.After(prev) {
			wait := time.Duration(float64(stamp.Sub(prev)) / r.rate)
			if err := r.clock.Sleep(ctx, wait); err != nil {
				return submitted, err
			}
		}
		if !stamp.IsZero() && stamp.After(prev) {
			prev = stamp
		}

		if err := sink.Submit(ctx, ev); err != nil {
			return submitted, fmt.Errorf("line %d: %w", lineNo, err)
		}
		submitted++
	}
	if err := scan.Err(); err != nil {
		return submitted, fmt.Errorf("failed to read recording: %w", err)
	}
	monitoring.Logf("[replay] finished: %d events from %d lines", submitted, lineNo)
	return submitted, nil
}
