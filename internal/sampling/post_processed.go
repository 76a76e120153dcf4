package sampling

import (
	"cmp"
	"slices"

	"github.com/pkg/errors"
	"github.com/samber/lo"

	"sampling-mcp/internal/callstack"
)

// PostProcessedData is the queryable result of post-processing a capture. It is immutable
// and safe for concurrent queries; values it returns must not be modified.
type PostProcessedData struct {
	summaryTID int32

	threadSampleData       map[int32]*ThreadSampleData
	sortedThreadSampleData []*ThreadSampleData

	resolvedCallstacks       map[uint64]*callstack.Callstack
	originalToResolved       map[uint64]uint64
	functionToSampledIDs     map[uint64][]uint64
	functionToExactAddresses map[uint64][]uint64
}

// GetResolvedCallstack returns the resolved callstack of a sampled callstack id.
func (p *PostProcessedData) GetResolvedCallstack(sampledCallstackID uint64) (*callstack.Callstack, error) {
	rid, ok := p.originalToResolved[sampledCallstackID]
	if !ok {
		return nil, errors.Wrapf(callstack.ErrUnknownCallstackID, "no resolved callstack for %#x", sampledCallstackID)
	}
	return p.resolvedCallstacks[rid], nil
}

// GetResolvedCallstackID returns the id under which the resolved callstack of a sampled
// callstack id is stored.
func (p *PostProcessedData) GetResolvedCallstackID(sampledCallstackID uint64) (uint64, bool) {
	rid, ok := p.originalToResolved[sampledCallstackID]
	return rid, ok
}

func (p *PostProcessedData) ResolvedCallstacksCount() int {
	return len(p.resolvedCallstacks)
}

// ForEachResolvedCallstack visits resolved callstacks by ascending id
func (p *PostProcessedData) ForEachResolvedCallstack(action func(id uint64, cs *callstack.Callstack)) {
	ids := lo.Keys(p.resolvedCallstacks)
	slices.Sort(ids)
	for _, id := range ids {
		action(id, p.resolvedCallstacks[id])
	}
}

// GetThreadSampleData returns every thread, and the summary if requested, by descending
// sample count.
func (p *PostProcessedData) GetThreadSampleData() []*ThreadSampleData {
	return p.sortedThreadSampleData
}

// GetThreadSampleDataByThreadID returns the data of a real thread. Threads without complete
// samples are absent.
func (p *PostProcessedData) GetThreadSampleDataByThreadID(tid int32) (*ThreadSampleData, bool) {
	d, ok := p.threadSampleData[tid]
	if !ok || d.IsSummary {
		return nil, false
	}
	return d, true
}

// GetSummary returns the all-threads bucket, absent when no summary was generated or no
// complete sample was seen.
func (p *PostProcessedData) GetSummary() (*ThreadSampleData, bool) {
	d, ok := p.threadSampleData[p.summaryTID]
	if !ok || !d.IsSummary {
		return nil, false
	}
	return d, true
}

// GetThreadSampleDataOf returns the data of a bucket
func (p *PostProcessedData) GetThreadSampleDataOf(b ThreadBucket) (*ThreadSampleData, bool) {
	if tid, ok := b.ThreadID(); ok {
		return p.GetThreadSampleDataByThreadID(tid)
	}
	return p.GetSummary()
}

// GetCallstacksFromAddresses returns the sampled callstacks of bucket that contain any of
// the given function addresses, by descending count then ascending id.
func (p *PostProcessedData) GetCallstacksFromAddresses(functionAddresses []uint64, b ThreadBucket) []CallstackCount {
	d, ok := p.GetThreadSampleDataOf(b)
	if !ok {
		return nil
	}

	ids := make(map[uint64]struct{})
	for _, fa := range functionAddresses {
		for _, id := range p.functionToSampledIDs[fa] {
			ids[id] = struct{}{}
		}
	}

	var out []CallstackCount
	for id := range ids {
		if count := d.SampledCallstackIDToCount[id]; count > 0 {
			out = append(out, CallstackCount{Count: count, CallstackID: id})
		}
	}
	slices.SortFunc(out, func(x, y CallstackCount) int {
		if c := cmp.Compare(y.Count, x.Count); c != 0 {
			return c
		}
		return cmp.Compare(x.CallstackID, y.CallstackID)
	})
	return out
}

// GetSortedCallstackReportFromAddresses is GetCallstacksFromAddresses plus the total count.
func (p *PostProcessedData) GetSortedCallstackReportFromAddresses(functionAddresses []uint64, b ThreadBucket) SortedCallstackReport {
	counts := p.GetCallstacksFromAddresses(functionAddresses, b)
	return SortedCallstackReport{
		TotalCallstackCount: lo.SumBy(counts, func(c CallstackCount) uint32 { return c.Count }),
		CallstackCounts:     counts,
	}
}

// GetCountOfFunction sums the summary counts of every sampled callstack containing the
// function. It is zero without a summary.
func (p *PostProcessedData) GetCountOfFunction(functionAddress uint64) uint32 {
	summary, ok := p.GetSummary()
	if !ok {
		return 0
	}
	var total uint32
	for _, id := range p.functionToSampledIDs[functionAddress] {
		total += summary.SampledCallstackIDToCount[id]
	}
	return total
}

// GetSampledCallstackIDsOfFunction returns, sorted, the sampled callstack ids containing the
// function.
func (p *PostProcessedData) GetSampledCallstackIDsOfFunction(functionAddress uint64) []uint64 {
	return p.functionToSampledIDs[functionAddress]
}

// GetExactAddressesOfFunction returns, sorted, the sampled addresses that resolved to the
// function.
func (p *PostProcessedData) GetExactAddressesOfFunction(functionAddress uint64) []uint64 {
	return p.functionToExactAddresses[functionAddress]
}
