package sampling

import "fmt"

// ThreadBucket selects either one thread or the process wide summary
type ThreadBucket struct {
	tid     int32
	summary bool
}

func PerThread(tid int32) ThreadBucket { return ThreadBucket{tid: tid} }

func Summary() ThreadBucket { return ThreadBucket{summary: true} }

func (b ThreadBucket) IsSummary() bool { return b.summary }

// ThreadID returns the thread of a per-thread bucket
func (b ThreadBucket) ThreadID() (int32, bool) {
	return b.tid, !b.summary
}

func (b ThreadBucket) String() string {
	if b.summary {
		return "summary"
	}
	return fmt.Sprintf("thread %d", b.tid)
}

// SampledFunction is one line of a thread's sampling report
type SampledFunction struct {
	Name             string
	ModulePath       string
	Exclusive        uint32
	ExclusivePercent float32
	Inclusive        uint32
	InclusivePercent float32
	AbsoluteAddress  uint64
}

// CountAddress pairs a resolved address with its inclusive count
type CountAddress struct {
	Count   uint32
	Address uint64
}

// ThreadSampleData holds the sampling statistics of one thread, or of the summary bucket.
// It is part of an immutable PostProcessedData and must not be modified.
type ThreadSampleData struct {
	ThreadID  int32
	IsSummary bool

	SamplesCount uint32

	SampledCallstackIDToCount map[uint64]uint32
	// SampledAddressToCount counts raw frame addresses, once per sample
	SampledAddressToCount map[uint64]uint32
	// ResolvedAddressToCount is the inclusive count of each function, once per sample
	ResolvedAddressToCount map[uint64]uint32
	// ResolvedAddressToExclusiveCount counts the innermost function of each sample
	ResolvedAddressToExclusiveCount map[uint64]uint32

	// SortedCountToResolvedAddress orders ResolvedAddressToCount by descending count, then
	// ascending address.
	SortedCountToResolvedAddress []CountAddress
	SampledFunctions             []SampledFunction
}

// Bucket returns the ThreadBucket this data was aggregated for
func (d *ThreadSampleData) Bucket() ThreadBucket {
	if d.IsSummary {
		return Summary()
	}
	return PerThread(d.ThreadID)
}

func newThreadSampleData(tid int32, summary bool) *ThreadSampleData {
	return &ThreadSampleData{
		ThreadID:                        tid,
		IsSummary:                       summary,
		SampledCallstackIDToCount:       make(map[uint64]uint32),
		SampledAddressToCount:           make(map[uint64]uint32),
		ResolvedAddressToCount:          make(map[uint64]uint32),
		ResolvedAddressToExclusiveCount: make(map[uint64]uint32),
	}
}

// CallstackCount is the number of samples of one sampled callstack
type CallstackCount struct {
	Count       uint32
	CallstackID uint64
}

// SortedCallstackReport lists callstacks by descending count
type SortedCallstackReport struct {
	TotalCallstackCount uint32
	CallstackCounts     []CallstackCount
}
