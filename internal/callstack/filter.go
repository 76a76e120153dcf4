package callstack

import (
	"cmp"
	"slices"
	"sort"
)

type filterConfig struct {
	stopRanges          []addressRange
	minMajorityFraction float64
}

type addressRange struct {
	start, end uint64 // [start, end)
}

type FilterOption func(*filterConfig)

// WithFunctionsToStopUnwindingAt marks functions (start address to size) where unwinding
// legitimately stops early. Callstacks ending inside them are never dropped and do not
// take part in the majority vote.
func WithFunctionsToStopUnwindingAt(functions map[uint64]uint64) FilterOption {
	return func(c *filterConfig) {
		for start, size := range functions {
			c.stopRanges = append(c.stopRanges, addressRange{start: start, end: start + size})
		}
		slices.SortFunc(c.stopRanges, func(a, b addressRange) int { return cmp.Compare(a.start, b.start) })
	}
}

// WithMinMajorityFraction only filters a thread when its most common outermost frame
// accounts for at least fraction of the thread's voting callstacks.
func WithMinMajorityFraction(fraction float64) FilterOption {
	return func(c *filterConfig) { c.minMajorityFraction = fraction }
}

// Ranges are sorted by start only, so every range starting at or before addr is a candidate.
func (c *filterConfig) stopsUnwinding(addr uint64) bool {
	i := sort.Search(len(c.stopRanges), func(i int) bool { return c.stopRanges[i].start > addr })
	for i--; i >= 0; i-- {
		if addr < c.stopRanges[i].end {
			return true
		}
	}
	return false
}

// FilterCallstacksByMajorityStart drops, per thread, the events of complete callstacks whose
// outermost frame differs from the thread's most common outermost frame. Unwinding that
// silently fails at the outermost frame shows up as such a minority. Ties are broken by the
// lowest address. Events of non-complete callstacks are kept. Returns the number of events
// dropped.
func (s *Store) FilterCallstacksByMajorityStart(opts ...FilterOption) int {
	cfg := &filterConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dropped := 0
	for tid, events := range s.eventsByThread {
		counts := make(map[uint64]int)
		voters := 0
		for _, ev := range events {
			cs := s.callstacks[s.index[ev.CallstackID]]
			if !cs.IsComplete() || cfg.stopsUnwinding(cs.Outermost()) {
				continue
			}
			counts[cs.Outermost()]++
			voters++
		}
		if voters == 0 {
			continue
		}

		var majority uint64
		best := 0
		for frame, n := range counts {
			if n > best || (n == best && frame < majority) {
				majority, best = frame, n
			}
		}
		if float64(best) < cfg.minMajorityFraction*float64(voters) || best == voters {
			continue
		}

		kept := make([]Event, 0, best)
		for _, ev := range events {
			cs := s.callstacks[s.index[ev.CallstackID]]
			if cs.IsComplete() && cs.Outermost() != majority && !cfg.stopsUnwinding(cs.Outermost()) {
				continue
			}
			kept = append(kept, ev)
		}
		dropped += len(events) - len(kept)
		s.eventsByThread[tid] = kept
	}

	s.eventsCount -= dropped
	if s.metrics != nil {
		s.metrics.eventsFiltered.Add(float64(dropped))
	}
	return dropped
}
