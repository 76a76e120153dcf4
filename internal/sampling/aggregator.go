package sampling

import (
	"cmp"
	"slices"

	"github.com/pkg/errors"

	"sampling-mcp/internal/callstack"
	"sampling-mcp/internal/capture"
)

// aggregator folds callstack events into per-thread ThreadSampleData.
type aggregator struct {
	summaryTID      int32
	generateSummary bool

	threads map[int32]*ThreadSampleData
}

func newAggregator(summaryTID int32, generateSummary bool) *aggregator {
	return &aggregator{
		summaryTID:      summaryTID,
		generateSummary: generateSummary,
		threads:         make(map[int32]*ThreadSampleData),
	}
}

func (a *aggregator) thread(tid int32, summary bool) *ThreadSampleData {
	d, ok := a.threads[tid]
	if !ok {
		d = newThreadSampleData(tid, summary)
		a.threads[tid] = d
	}
	return d
}

// countSamples is the first pass: sample counts per thread, per sampled callstack and per
// raw address. Only complete callstacks are counted.
func (a *aggregator) countSamples(store *callstack.Store) error {
	var err error
	uniqueFrames := make(map[uint64]struct{})
	store.ForEachCallstackEvent(func(ev callstack.Event) {
		if err != nil {
			return
		}
		cs, ok := store.GetCallstack(ev.CallstackID)
		if !ok {
			err = errors.Wrapf(callstack.ErrUnknownCallstackID, "event on thread %d references callstack %#x",
				ev.ThreadID, ev.CallstackID)
			return
		}
		if !cs.IsComplete() {
			return
		}
		if a.generateSummary && ev.ThreadID == a.summaryTID {
			err = errors.Wrapf(callstack.ErrInvariantViolation, "thread id %d collides with the summary thread id", ev.ThreadID)
			return
		}

		// Recursion puts the same address several times in a stack, count it once.
		clear(uniqueFrames)
		for _, frame := range cs.Frames() {
			uniqueFrames[frame] = struct{}{}
		}

		a.count(a.thread(ev.ThreadID, false), ev.CallstackID, uniqueFrames)
		if a.generateSummary {
			a.count(a.thread(a.summaryTID, true), ev.CallstackID, uniqueFrames)
		}
	})
	return err
}

func (a *aggregator) count(d *ThreadSampleData, id uint64, frames map[uint64]struct{}) {
	d.SamplesCount++
	d.SampledCallstackIDToCount[id]++
	for frame := range frames {
		d.SampledAddressToCount[frame]++
	}
}

// attribute is the second pass: exclusive and inclusive counts of resolved addresses.
func (a *aggregator) attribute(resolver *CallstackResolver) error {
	uniqueAddresses := make(map[uint64]struct{})
	for _, d := range a.threads {
		for id, count := range d.SampledCallstackIDToCount {
			rid, ok := resolver.ResolvedID(id)
			if !ok {
				return errors.Wrapf(callstack.ErrUnknownCallstackID, "sampled callstack %#x was not resolved", id)
			}
			resolved, ok := resolver.ResolvedCallstack(rid)
			if !ok {
				return errors.Wrapf(callstack.ErrUnknownCallstackID, "resolved callstack %#x", rid)
			}

			d.ResolvedAddressToExclusiveCount[resolved.Innermost()] += count

			clear(uniqueAddresses)
			for _, ra := range resolved.Frames() {
				uniqueAddresses[ra] = struct{}{}
			}
			for ra := range uniqueAddresses {
				d.ResolvedAddressToCount[ra] += count
			}
		}

		d.SortedCountToResolvedAddress = make([]CountAddress, 0, len(d.ResolvedAddressToCount))
		for addr, count := range d.ResolvedAddressToCount {
			d.SortedCountToResolvedAddress = append(d.SortedCountToResolvedAddress, CountAddress{Count: count, Address: addr})
		}
		slices.SortFunc(d.SortedCountToResolvedAddress, func(x, y CountAddress) int {
			if c := cmp.Compare(y.Count, x.Count); c != 0 {
				return c
			}
			return cmp.Compare(x.Address, y.Address)
		})
	}
	return nil
}

// report fills SampledFunctions from the sorted counts.
func (a *aggregator) report(oracle capture.Oracle) {
	for _, d := range a.threads {
		d.SampledFunctions = make([]SampledFunction, 0, len(d.SortedCountToResolvedAddress))
		for _, ca := range d.SortedCountToResolvedAddress {
			exclusive := d.ResolvedAddressToExclusiveCount[ca.Address]
			d.SampledFunctions = append(d.SampledFunctions, SampledFunction{
				Name:             oracle.FunctionNameByAddress(ca.Address),
				ModulePath:       oracle.ModulePathByAddress(ca.Address),
				Inclusive:        ca.Count,
				InclusivePercent: percentOf(ca.Count, d.SamplesCount),
				Exclusive:        exclusive,
				ExclusivePercent: percentOf(exclusive, d.SamplesCount),
				AbsoluteAddress:  ca.Address,
			})
		}
	}
}

func percentOf(count, total uint32) float32 {
	return 100 * float32(count) / float32(total)
}

// sorted returns the thread data by descending sample count, then ascending thread id.
func (a *aggregator) sorted() []*ThreadSampleData {
	out := make([]*ThreadSampleData, 0, len(a.threads))
	for _, d := range a.threads {
		out = append(out, d)
	}
	slices.SortFunc(out, func(x, y *ThreadSampleData) int {
		if c := cmp.Compare(y.SamplesCount, x.SamplesCount); c != 0 {
			return c
		}
		return cmp.Compare(x.ThreadID, y.ThreadID)
	})
	return out
}
