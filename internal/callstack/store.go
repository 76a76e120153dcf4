package callstack

import (
	"cmp"
	"math"
	"math/bits"
	"slices"
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// Store holds the unique callstacks of a capture and the callstack events of every thread.
//
// Unique callstacks live in an append-only arena in insertion order, which is also the
// order of ForEachUniqueCallstack. Event slices are copy-on-write: once published, a slice
// is never modified below its length. This lets the ForEach methods take a snapshot under
// the read lock and run the action without holding it, so actions may call back into the
// store.
type Store struct {
	mu sync.RWMutex

	ids        []uint64
	callstacks []*Callstack
	index      map[uint64]int

	eventsByThread map[int32][]Event
	eventsCount    int
	minTime        uint64
	maxTime        uint64

	metrics *Metrics
}

type StoreOption func(*Store)

// WithMetrics makes the store report to m
func WithMetrics(m *Metrics) StoreOption {
	return func(s *Store) { s.metrics = m }
}

func NewStore(opts ...StoreOption) *Store {
	s := &Store{
		index:          make(map[uint64]int),
		eventsByThread: make(map[int32][]Event),
		minTime:        math.MaxUint64,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AddUniqueCallstack registers cs under id. Adding an equal callstack twice is a no-op,
// adding a different one under a known id, or one without frames, fails with
// ErrInvariantViolation.
func (s *Store) AddUniqueCallstack(id uint64, cs *Callstack) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addUniqueCallstackLocked(id, cs)
}

func (s *Store) addUniqueCallstackLocked(id uint64, cs *Callstack) error {
	if len(cs.Frames()) == 0 {
		return errors.Wrapf(ErrInvariantViolation, "callstack %#x has no frames", id)
	}
	if i, ok := s.index[id]; ok {
		if s.callstacks[i].Equal(cs) {
			return nil
		}
		return errors.Wrapf(ErrInvariantViolation, "callstack %#x already registered with different content", id)
	}
	s.index[id] = len(s.callstacks)
	s.ids = append(s.ids, id)
	s.callstacks = append(s.callstacks, cs)
	if s.metrics != nil {
		s.metrics.uniqueCallstacks.Inc()
	}
	return nil
}

// AddCallstackEvent stores ev on its thread. The callstack must already be known.
// Producers are expected to deliver strictly increasing timestamps per thread; an event
// with a timestamp already present on the thread replaces the previous one.
func (s *Store) AddCallstackEvent(ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addCallstackEventLocked(ev)
}

func (s *Store) addCallstackEventLocked(ev Event) error {
	if _, ok := s.index[ev.CallstackID]; !ok {
		return errors.Wrapf(ErrUnknownCallstackID, "event on thread %d at %d references callstack %#x",
			ev.ThreadID, ev.TimestampNs, ev.CallstackID)
	}

	events := s.eventsByThread[ev.ThreadID]
	switch n := len(events); {
	case n == 0 || events[n-1].TimestampNs < ev.TimestampNs:
		// Appending never touches elements visible to existing snapshots.
		s.eventsByThread[ev.ThreadID] = append(events, ev)
		s.eventsCount++
	default:
		i, found := slices.BinarySearchFunc(events, ev.TimestampNs, func(e Event, ts uint64) int {
			return cmp.Compare(e.TimestampNs, ts)
		})
		updated := make([]Event, 0, n+1)
		updated = append(updated, events[:i]...)
		updated = append(updated, ev)
		if found {
			updated = append(updated, events[i+1:]...)
		} else {
			updated = append(updated, events[i:]...)
			s.eventsCount++
		}
		s.eventsByThread[ev.ThreadID] = updated
	}

	s.minTime = min(s.minTime, ev.TimestampNs)
	s.maxTime = max(s.maxTime, ev.TimestampNs)
	if s.metrics != nil {
		s.metrics.eventsAdded.Inc()
	}
	return nil
}

// AddCallstackFromKnownStore adds ev, taking its callstack from other if it is not known
// to s yet.
func (s *Store) AddCallstackFromKnownStore(ev Event, other *Store) error {
	cs, ok := other.GetCallstack(ev.CallstackID)
	if !ok {
		return errors.Wrapf(ErrUnknownCallstackID, "callstack %#x not found in source store", ev.CallstackID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.addUniqueCallstackLocked(ev.CallstackID, cs); err != nil {
		return err
	}
	return s.addCallstackEventLocked(ev)
}

func (s *Store) GetCallstack(id uint64) (*Callstack, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.index[id]
	if !ok {
		return nil, false
	}
	return s.callstacks[i], true
}

func (s *Store) HasCallstack(id uint64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.index[id]
	return ok
}

// MinTime is the smallest timestamp seen, math.MaxUint64 if no event was added
func (s *Store) MinTime() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.minTime
}

// MaxTime is the largest timestamp seen, 0 if no event was added
func (s *Store) MaxTime() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.maxTime
}

func (s *Store) CallstackEventsCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.eventsCount
}

func (s *Store) UniqueCallstacksCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.callstacks)
}

// ThreadIDs returns the threads that have at least one event, in ascending order
func (s *Store) ThreadIDs() []int32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.threadIDsLocked()
}

func (s *Store) threadIDsLocked() []int32 {
	tids := make([]int32, 0, len(s.eventsByThread))
	for tid, events := range s.eventsByThread {
		if len(events) > 0 {
			tids = append(tids, tid)
		}
	}
	slices.Sort(tids)
	return tids
}

// GetUniqueCallstacksCopy returns a deep copy of the unique callstack table
func (s *Store) GetUniqueCallstacksCopy() map[uint64]*Callstack {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[uint64]*Callstack, len(s.callstacks))
	for i, id := range s.ids {
		out[id] = s.callstacks[i].Clone()
	}
	return out
}

// snapshot returns the event slices of the requested threads (all when tids is nil)
// ordered by thread id.
func (s *Store) snapshot(tids []int32) [][]Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if tids == nil {
		tids = s.threadIDsLocked()
	}
	out := make([][]Event, 0, len(tids))
	for _, tid := range tids {
		if events := s.eventsByThread[tid]; len(events) > 0 {
			out = append(out, events)
		}
	}
	return out
}

// ForEachCallstackEvent calls action for every event, ordered by thread id then timestamp
func (s *Store) ForEachCallstackEvent(action func(Event)) {
	for _, events := range s.snapshot(nil) {
		for _, ev := range events {
			action(ev)
		}
	}
}

// ForEachCallstackEventOfThread calls action for every event of tid in timestamp order
func (s *Store) ForEachCallstackEventOfThread(tid int32, action func(Event)) {
	for _, events := range s.snapshot([]int32{tid}) {
		for _, ev := range events {
			action(ev)
		}
	}
}

// ForEachUniqueCallstack visits unique callstacks in insertion order
func (s *Store) ForEachUniqueCallstack(action func(id uint64, cs *Callstack)) {
	s.mu.RLock()
	ids, callstacks := s.ids, s.callstacks
	s.mu.RUnlock()

	for i, id := range ids {
		action(id, callstacks[i])
	}
}

func (s *Store) ForEachFrameInCallstack(id uint64, action func(frame uint64)) error {
	cs, ok := s.GetCallstack(id)
	if !ok {
		return errors.Wrapf(ErrUnknownCallstackID, "callstack %#x", id)
	}
	for _, frame := range cs.Frames() {
		action(frame)
	}
	return nil
}

// CallstackEventsInTimeRange returns the events with a timestamp in [t0, t1], ordered by
// thread id then timestamp.
func (s *Store) CallstackEventsInTimeRange(t0, t1 uint64) []Event {
	var out []Event
	for _, events := range s.snapshot(nil) {
		out = append(out, eventsInRange(events, t0, t1)...)
	}
	return out
}

// CallstackEventsOfThreadInTimeRange returns the events of tid with a timestamp in [t0, t1]
func (s *Store) CallstackEventsOfThreadInTimeRange(tid int32, t0, t1 uint64) []Event {
	var out []Event
	for _, events := range s.snapshot([]int32{tid}) {
		out = append(out, eventsInRange(events, t0, t1)...)
	}
	return out
}

func eventsInRange(events []Event, t0, t1 uint64) []Event {
	if t0 > t1 {
		return nil
	}
	lo := sort.Search(len(events), func(i int) bool { return events[i].TimestampNs >= t0 })
	hi := sort.Search(len(events), func(i int) bool { return events[i].TimestampNs > t1 })
	return events[lo:hi]
}

// ForEachCallstackEventOfThreadInTimeRangeDiscretized visits at most one event of tid per
// pixel when [t0, t1] is drawn resolution pixels wide: the first event falling in each pixel.
func (s *Store) ForEachCallstackEventOfThreadInTimeRangeDiscretized(tid int32, t0, t1 uint64,
	resolution uint32, action func(Event)) {
	visitDiscretized(s.snapshot([]int32{tid}), t0, t1, resolution, action)
}

// ForEachCallstackEventInTimeRangeDiscretized is the all threads variant of
// ForEachCallstackEventOfThreadInTimeRangeDiscretized: pixels are shared between threads.
func (s *Store) ForEachCallstackEventInTimeRangeDiscretized(t0, t1 uint64, resolution uint32,
	action func(Event)) {
	visitDiscretized(s.snapshot(nil), t0, t1, resolution, action)
}

func visitDiscretized(perThread [][]Event, t0, t1 uint64, resolution uint32, action func(Event)) {
	if resolution == 0 || t0 > t1 {
		return
	}
	visited := make(map[uint64]struct{})
	for _, events := range perThread {
		for _, ev := range eventsInRange(events, t0, t1) {
			p := pixelOf(ev.TimestampNs, t0, t1, resolution)
			if _, ok := visited[p]; ok {
				continue
			}
			visited[p] = struct{}{}
			action(ev)
		}
	}
}

// pixelOf computes (ts-t0)*resolution/(t1-t0) with a 128-bit intermediate product.
func pixelOf(ts, t0, t1 uint64, resolution uint32) uint64 {
	width := t1 - t0
	if width == 0 {
		return 0
	}
	hi, lo := bits.Mul64(ts-t0, uint64(resolution))
	p, _ := bits.Div64(hi, lo, width)
	return min(p, uint64(resolution)-1)
}
