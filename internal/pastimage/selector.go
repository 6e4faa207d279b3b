package pastimage

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/spirit/internal/monitoring"
	"github.com/banshee-data/spirit/internal/spatial"
)

// Index is the spatial capability the Selector needs from its index.
type Index interface {
	Insert(it spatial.Item) error
	KNearest(q r3.Vec, k int) []spatial.Neighbor
}

// Transform is the coordinate-frame transform published for every pose.
type Transform struct {
	Stamp       time.Time
	Parent      string
	Child       string
	Translation r3.Vec
	Rotation    quat.Number
}

// Selection is a past image chosen for a pose.
type Selection struct {
	Pose  Pose
	Frame *Frame
}

// Publisher receives the Selector's outbound messages. Implementations must
// not block; they are called with the Selector's lock held.
type Publisher interface {
	PublishTransform(t Transform) error
	PublishSelection(s Selection) error
}

// Config is the Selector's immutable startup configuration.
type Config struct {
	Policy      Policy
	Center      r3.Vec  // index bounds center
	HalfExtent  float64 // index bounds half extent, metres
	Resolution  float64 // quantization grid, metres
	ParentFrame string  // transform parent frame name
	ChildFrame  string  // transform child frame name
}

// DefaultConfig returns a configuration with the reference bounds and
// resolution. The policy still has to be chosen.
func DefaultConfig() Config {
	return Config{
		Center:      r3.Vec{},
		HalfExtent:  1000,
		Resolution:  DefaultResolution,
		ParentFrame: "world",
		ChildFrame:  "vehicle",
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if _, err := ParsePolicyKind(string(c.Policy.Kind)); err != nil {
		return err
	}
	if c.Policy.Delay < 0 {
		return fmt.Errorf("delay must be non-negative, got %s", c.Policy.Delay)
	}
	if c.Policy.Distance < 0 {
		return fmt.Errorf("distance must be non-negative, got %f", c.Policy.Distance)
	}
	if c.HalfExtent <= 0 {
		return fmt.Errorf("half extent must be positive, got %f", c.HalfExtent)
	}
	if c.Resolution <= 0 {
		return fmt.Errorf("resolution must be positive, got %f", c.Resolution)
	}
	if c.Policy.Kind == Murata {
		w := c.Policy.Weighted
		if w.HeightRef == 0 || w.DistanceRef == 0 || w.YawRef == 0 || w.VerticalFOV() == 0 {
			return fmt.Errorf("murata reference values must be non-zero")
		}
	}
	return nil
}

// BufferState describes the pending observation buffer.
type BufferState int

const (
	// BufferEmpty holds no signals.
	BufferEmpty BufferState = iota
	// BufferPartial holds some signals, or all three with tracked=false.
	BufferPartial
	// BufferReady holds an image, a pose and tracked=true.
	BufferReady
)

func (s BufferState) String() string {
	switch s {
	case BufferEmpty:
		return "empty"
	case BufferPartial:
		return "partial"
	case BufferReady:
		return "ready"
	default:
		return fmt.Sprintf("BufferState(%d)", int(s))
	}
}

// pending keeps the latest value seen on each input channel.
type pending struct {
	image   *Image
	pose    *Pose
	tracked *bool
}

func (p *pending) state() BufferState {
	switch {
	case p.image == nil && p.pose == nil && p.tracked == nil:
		return BufferEmpty
	case p.image != nil && p.pose != nil && p.tracked != nil && *p.tracked:
		return BufferReady
	default:
		return BufferPartial
	}
}

func (p *pending) clear() {
	*p = pending{}
}

// Stats counts Selector activity since construction.
type Stats struct {
	Images     int64
	Poses      int64
	Tracked    int64
	Frames     int64 // frames archived
	Unindexed  int64 // archived frames the index rejected
	Stale      int64 // materialisations skipped for an out-of-order stamp
	Selections int64
}

// Selector fuses the image, pose and tracked streams into frames, maintains
// the archive and index, and publishes a past image for every pose the
// active policy can answer.
//
// All handlers take the same lock, so the read-then-clear of the pending
// buffer is atomic even when the streams are delivered from different
// goroutines.
type Selector struct {
	mu sync.Mutex

	cfg     Config
	pub     Publisher
	store   *Store
	archive *Archive
	index   Index
	metrics *Metrics

	pending   pending
	current   *Frame
	unindexed map[FrameID]struct{}
	stats     Stats
}

// Option customises a Selector.
type Option func(*Selector)

// WithIndex replaces the default octree index.
func WithIndex(idx Index) Option {
	return func(s *Selector) { s.index = idx }
}

// WithMetrics attaches Prometheus instruments.
func WithMetrics(m *Metrics) Option {
	return func(s *Selector) { s.metrics = m }
}

type nopPublisher struct{}

func (nopPublisher) PublishTransform(Transform) error { return nil }
func (nopPublisher) PublishSelection(Selection) error { return nil }

// NewSelector creates a Selector. A nil publisher discards output.
func NewSelector(cfg Config, pub Publisher, opts ...Option) (*Selector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid selector config: %w", err)
	}
	if pub == nil {
		pub = nopPublisher{}
	}
	store := NewStore()
	s := &Selector{
		cfg:       cfg,
		pub:       pub,
		store:     store,
		archive:   NewArchive(store),
		unindexed: make(map[FrameID]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.index == nil {
		s.index = spatial.New(cfg.Center, cfg.HalfExtent, cfg.Resolution/2)
	}
	monitoring.Logf("[selector] started with %s, bounds center=%v half=%.1fm resolution=%.2fm",
		cfg.Policy.Describe(), cfg.Center, cfg.HalfExtent, cfg.Resolution)
	return s, nil
}

// OnImage records the latest image and materialises a frame if the buffer
// is ready.
func (s *Selector) OnImage(img *Image) {
	s.mu.Lock()
	defer s.mu.Unlock()

	monitoring.Debugf("[selector] new image")
	s.stats.Images++
	s.pending.image = img
	if s.pending.state() == BufferReady {
		s.materialize()
	}
}

// OnTracked records the latest tracking status. It never materialises a
// frame on its own; the next image or pose does.
func (s *Selector) OnTracked(tracked bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stats.Tracked++
	s.pending.tracked = &tracked
}

// OnPose records the latest pose, publishes its transform, materialises a
// frame if the buffer is ready and then asks the policy for a past image.
// The returned error is the policy's; a policy with nothing to show is not
// an error.
func (s *Selector) OnPose(pose Pose) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	monitoring.Debugf("[selector] new pose")
	s.stats.Poses++
	s.pending.pose = &pose

	if err := s.pub.PublishTransform(s.transformFor(pose)); err != nil {
		monitoring.Logf("[selector] failed to publish transform: %v", err)
	}

	if s.pending.state() == BufferReady {
		s.materialize()
	}

	start := time.Now()
	best, err := s.cfg.Policy.Evaluate(pose, s.archive, s.index, s.current)
	s.metrics.observeEvaluate(time.Since(start))
	if err != nil {
		s.metrics.policyError()
		return fmt.Errorf("evaluate %s: %w", s.cfg.Policy.Kind, err)
	}
	if best == nil {
		return nil
	}

	s.current = best
	s.stats.Selections++
	s.metrics.selection()
	if err := s.pub.PublishSelection(Selection{Pose: pose, Frame: best}); err != nil {
		monitoring.Logf("[selector] failed to publish selection: %v", err)
	}
	return nil
}

// materialize builds a frame from the ready buffer, indexes and archives it,
// and clears the buffer. Callers hold s.mu.
func (s *Selector) materialize() {
	pose, img := *s.pending.pose, s.pending.image
	s.pending.clear()

	if last := s.archive.Last(); last != nil && pose.Stamp.Before(last.Stamp) {
		s.stats.Stale++
		s.metrics.frame("stale", s.archive.Len())
		monitoring.Logf("[selector] skipping frame: pose stamp %s is older than last frame %s",
			pose.Stamp.Format(time.RFC3339Nano), last.Stamp.Format(time.RFC3339Nano))
		return
	}

	f := NewFrame(s.store.NextID(), pose, img, s.cfg.Resolution)
	s.store.Put(f)

	result := "indexed"
	err := s.index.Insert(spatial.Item{ID: uint64(f.ID), Pos: f.Key, StampNanos: f.Stamp.UnixNano()})
	if err != nil {
		result = "unindexed"
		s.unindexed[f.ID] = struct{}{}
		s.stats.Unindexed++
		if errors.Is(err, spatial.ErrOutOfBounds) {
			monitoring.Logf("[selector] frame %d archived but not indexed: %v", f.ID, err)
		} else {
			monitoring.Logf("[selector] frame %d index insert failed: %v", f.ID, err)
		}
	}

	s.archive.Append(f.ID)
	s.stats.Frames++
	s.metrics.frame(result, s.archive.Len())
	monitoring.Debugf("[selector] added %s", f)
}

func (s *Selector) transformFor(pose Pose) Transform {
	return Transform{
		Stamp:       pose.Stamp,
		Parent:      s.cfg.ParentFrame,
		Child:       s.cfg.ChildFrame,
		Translation: pose.Position,
		Rotation:    pose.Orientation,
	}
}

// State returns the pending buffer state.
func (s *Selector) State() BufferState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending.state()
}

// Current returns the most recently selected frame, or nil.
func (s *Selector) Current() *Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Len returns the number of archived frames.
func (s *Selector) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.archive.Len()
}

// Frames returns the archived frames oldest-first.
func (s *Selector) Frames() []*Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Frame, 0, s.archive.Len())
	for f := range s.archive.All() {
		out = append(out, f)
	}
	return out
}

// Indexed reports whether the frame with the given ID is reachable through
// spatial queries. Frames outside the index bounds are archived only.
func (s *Selector) Indexed(id FrameID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.store.Get(id) == nil {
		return false
	}
	_, skipped := s.unindexed[id]
	return !skipped
}

// Nearest returns up to k archived frames nearest to p by quantized position.
func (s *Selector) Nearest(p r3.Vec, k int) []*Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	neighbors := s.index.KNearest(p, k)
	out := make([]*Frame, 0, len(neighbors))
	for _, n := range neighbors {
		if f := s.store.Get(FrameID(n.ID)); f != nil {
			out = append(out, f)
		}
	}
	return out
}

// Stats returns a copy of the activity counters.
func (s *Selector) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Policy returns the active policy.
func (s *Selector) Policy() Policy {
	return s.cfg.Policy
}
