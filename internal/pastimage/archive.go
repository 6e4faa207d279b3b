package pastimage

import "iter"

// Store is the arena that owns every frame built by the Selector. A frame's
// ID is its position in the store, so lookups are a slice index.
type Store struct {
	frames []*Frame
}

// NewStore creates an empty frame store.
func NewStore() *Store {
	return &Store{}
}

// NextID returns the ID the next stored frame will receive.
func (s *Store) NextID() FrameID {
	return FrameID(len(s.frames))
}

// Put adds a frame built with NextID. It panics if the IDs disagree, since
// that would break every view keyed by ID.
func (s *Store) Put(f *Frame) {
	if f.ID != s.NextID() {
		panic("pastimage: frame stored out of ID order")
	}
	s.frames = append(s.frames, f)
}

// Get returns the frame with the given ID, or nil if none exists.
func (s *Store) Get(id FrameID) *Frame {
	if uint64(id) >= uint64(len(s.frames)) {
		return nil
	}
	return s.frames[id]
}

// Len returns the number of stored frames.
func (s *Store) Len() int {
	return len(s.frames)
}

// Archive is the chronological, append-only view over the store.
type Archive struct {
	store *Store
	ids   []FrameID
}

// NewArchive creates an empty archive backed by store.
func NewArchive(store *Store) *Archive {
	return &Archive{store: store}
}

// Append records id as the newest frame.
func (a *Archive) Append(id FrameID) {
	a.ids = append(a.ids, id)
}

// Len returns the number of archived frames.
func (a *Archive) Len() int {
	return len(a.ids)
}

// IsEmpty reports whether the archive holds no frames.
func (a *Archive) IsEmpty() bool {
	return len(a.ids) == 0
}

// First returns the oldest frame, or nil when empty.
func (a *Archive) First() *Frame {
	if len(a.ids) == 0 {
		return nil
	}
	return a.store.Get(a.ids[0])
}

// Last returns the newest frame, or nil when empty.
func (a *Archive) Last() *Frame {
	if len(a.ids) == 0 {
		return nil
	}
	return a.store.Get(a.ids[len(a.ids)-1])
}

// At returns the i-th frame in insertion order.
func (a *Archive) At(i int) *Frame {
	if i < 0 || i >= len(a.ids) {
		return nil
	}
	return a.store.Get(a.ids[i])
}

// Reverse yields frames newest-first. Each call starts a fresh traversal over
// the frames archived at the time of the call.
func (a *Archive) Reverse() iter.Seq[*Frame] {
	ids := a.ids
	return func(yield func(*Frame) bool) {
		for i := len(ids) - 1; i >= 0; i-- {
			if !yield(a.store.Get(ids[i])) {
				return
			}
		}
	}
}

// All yields frames oldest-first.
func (a *Archive) All() iter.Seq[*Frame] {
	ids := a.ids
	return func(yield func(*Frame) bool) {
		for _, id := range ids {
			if !yield(a.store.Get(id)) {
				return
			}
		}
	}
}
