package sampling

import (
	"bytes"
	"testing"

	"github.com/go-kit/log"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sampling-mcp/internal/callstack"
	"sampling-mcp/internal/capture"
)

type sample struct {
	tid int32
	id  uint64
}

// newStore registers the callstacks and adds one event per sample, with increasing
// timestamps.
func newStore(t *testing.T, callstacks map[uint64]*callstack.Callstack, order []uint64, samples []sample) *callstack.Store {
	t.Helper()
	s := callstack.NewStore()
	for _, id := range order {
		require.NoError(t, s.AddUniqueCallstack(id, callstacks[id]))
	}
	for i, smp := range samples {
		require.NoError(t, s.AddCallstackEvent(callstack.Event{
			ThreadID:    smp.tid,
			TimestampNs: uint64(i + 1),
			CallstackID: smp.id,
		}))
	}
	return s
}

func repeat(tid int32, id uint64, n int) []sample {
	out := make([]sample, n)
	for i := range out {
		out[i] = sample{tid: tid, id: id}
	}
	return out
}

func TestEmptyCapture(t *testing.T) {
	ppd, err := CreatePostProcessed(callstack.NewStore(), capture.NewData(), true)
	require.NoError(t, err)

	assert.Empty(t, ppd.GetThreadSampleData())
	_, ok := ppd.GetSummary()
	assert.False(t, ok)
	assert.Zero(t, ppd.ResolvedCallstacksCount())
	assert.Zero(t, ppd.GetCountOfFunction(0x10))
}

func TestSingleThreadWithoutSymbols(t *testing.T) {
	callstacks := map[uint64]*callstack.Callstack{
		1: callstack.New([]uint64{0x11, 0x21, 0x31}, callstack.Complete),
		2: callstack.New([]uint64{0x12, 0x21, 0x31}, callstack.Complete),
	}
	samples := append(repeat(1, 1, 2), sample{tid: 1, id: 2})
	samples = append(samples, repeat(1, 1, 2)...)
	store := newStore(t, callstacks, []uint64{1, 2}, samples)

	ppd, err := CreatePostProcessed(store, capture.NewData(), false)
	require.NoError(t, err)

	d, ok := ppd.GetThreadSampleDataByThreadID(1)
	require.True(t, ok)
	assert.Equal(t, uint32(5), d.SamplesCount)
	assert.Equal(t, map[uint64]uint32{1: 4, 2: 1}, d.SampledCallstackIDToCount)
	assert.Equal(t, map[uint64]uint32{0x11: 4, 0x12: 1}, d.ResolvedAddressToExclusiveCount)
	assert.Equal(t, map[uint64]uint32{0x11: 4, 0x12: 1, 0x21: 5, 0x31: 5}, d.ResolvedAddressToCount)
	assert.Equal(t, map[uint64]uint32{0x11: 4, 0x12: 1, 0x21: 5, 0x31: 5}, d.SampledAddressToCount)
	assert.Equal(t, []CountAddress{
		{Count: 5, Address: 0x21},
		{Count: 5, Address: 0x31},
		{Count: 4, Address: 0x11},
		{Count: 1, Address: 0x12},
	}, d.SortedCountToResolvedAddress)

	require.Len(t, d.SampledFunctions, 4)
	for i := 1; i < len(d.SampledFunctions); i++ {
		assert.GreaterOrEqual(t, d.SampledFunctions[i-1].Inclusive, d.SampledFunctions[i].Inclusive)
	}
	top := d.SampledFunctions[0]
	assert.Equal(t, capture.UnknownName, top.Name)
	assert.Equal(t, capture.UnknownName, top.ModulePath)
	assert.Equal(t, uint64(0x21), top.AbsoluteAddress)
	assert.InDelta(t, 100.0, top.InclusivePercent, 1e-4)
	assert.Zero(t, top.Exclusive)
	assert.InDelta(t, 80.0, d.SampledFunctions[2].ExclusivePercent, 1e-4)

	_, ok = ppd.GetSummary()
	assert.False(t, ok, "no summary was requested")
	assert.Len(t, ppd.GetThreadSampleData(), 1)
}

func TestSummaryAcrossThreads(t *testing.T) {
	const a, b, c = 0x100, 0x200, 0x300
	callstacks := map[uint64]*callstack.Callstack{
		1: callstack.New([]uint64{b, a}, callstack.Complete),
		2: callstack.New([]uint64{c, a}, callstack.Complete),
	}
	samples := append(repeat(1, 1, 2), sample{tid: 2, id: 2})
	store := newStore(t, callstacks, []uint64{1, 2}, samples)

	ppd, err := CreatePostProcessed(store, capture.NewData(), true)
	require.NoError(t, err)

	summary, ok := ppd.GetSummary()
	require.True(t, ok)
	assert.True(t, summary.IsSummary)
	assert.Equal(t, capture.AllProcessThreadsTID, summary.ThreadID)
	assert.Equal(t, Summary(), summary.Bucket())
	assert.Equal(t, uint32(3), summary.SamplesCount)

	assert.Equal(t, uint32(3), ppd.GetCountOfFunction(a))
	assert.Equal(t, uint32(2), ppd.GetCountOfFunction(b))
	assert.Equal(t, uint32(1), ppd.GetCountOfFunction(c))
	assert.Zero(t, ppd.GetCountOfFunction(0x999))

	sorted := ppd.GetThreadSampleData()
	require.Len(t, sorted, 3)
	assert.Equal(t, Summary(), sorted[0].Bucket())
	assert.Equal(t, PerThread(1), sorted[1].Bucket())
	assert.Equal(t, PerThread(2), sorted[2].Bucket())

	_, ok = ppd.GetThreadSampleDataByThreadID(capture.AllProcessThreadsTID)
	assert.False(t, ok, "the summary is not a thread")

	// Every thread's samples are in the summary.
	var total uint32
	for _, d := range sorted {
		if !d.IsSummary {
			total += d.SamplesCount
		}
	}
	assert.Equal(t, summary.SamplesCount, total)
}

func TestNonCompleteCallstacksAreIgnored(t *testing.T) {
	callstacks := map[uint64]*callstack.Callstack{
		1: callstack.New([]uint64{0x11, 0x21}, callstack.DwarfUnwindingError),
		2: callstack.New([]uint64{0x12}, callstack.FramePointerUnwindingError),
	}
	store := newStore(t, callstacks, []uint64{1, 2}, append(repeat(1, 1, 3), repeat(2, 2, 2)...))

	ppd, err := CreatePostProcessed(store, capture.NewData(), true)
	require.NoError(t, err)

	assert.Empty(t, ppd.GetThreadSampleData())
	_, ok := ppd.GetSummary()
	assert.False(t, ok)

	_, err = ppd.GetResolvedCallstack(1)
	assert.True(t, errors.Is(err, callstack.ErrUnknownCallstackID), "got %v", err)

	// The store itself keeps what was captured.
	assert.Equal(t, 5, store.CallstackEventsCount())
}

func TestCompleteAndNonCompleteMixed(t *testing.T) {
	callstacks := map[uint64]*callstack.Callstack{
		1: callstack.New([]uint64{0x11, 0x21}, callstack.Complete),
		2: callstack.New([]uint64{0x12, 0x21}, callstack.InUprobes),
	}
	store := newStore(t, callstacks, []uint64{1, 2}, append(repeat(1, 1, 3), repeat(1, 2, 7)...))

	ppd, err := CreatePostProcessed(store, capture.NewData(), true)
	require.NoError(t, err)

	d, ok := ppd.GetThreadSampleDataByThreadID(1)
	require.True(t, ok)
	assert.Equal(t, uint32(3), d.SamplesCount)
	assert.Equal(t, map[uint64]uint32{1: 3}, d.SampledCallstackIDToCount)
	assert.InDelta(t, 100.0, d.SampledFunctions[0].InclusivePercent, 1e-4)
}

func resolvingOracle() *capture.Data {
	data := capture.NewData()
	data.AddFunction(capture.FunctionInfo{Name: "outer", ModulePath: "/bin/app", ModuleBaseAddress: 0x0, Offset: 0x20, Size: 0x10})
	data.AddAddressInfo(capture.AddressInfo{AbsoluteAddress: 0x11, OffsetInFunction: 0x1, FunctionName: "inner", ModulePath: "/lib/libc.so"})
	data.AddAddressInfo(capture.AddressInfo{AbsoluteAddress: 0x12, OffsetInFunction: 0x2, FunctionName: "inner", ModulePath: "/lib/libc.so"})
	return data
}

func TestResolvedCallstacksAreDeduplicated(t *testing.T) {
	callstacks := map[uint64]*callstack.Callstack{
		7: callstack.New([]uint64{0x11, 0x21}, callstack.Complete),
		3: callstack.New([]uint64{0x12, 0x21}, callstack.Complete),
	}
	// 7 is registered before 3, so 7 names the shared resolved callstack.
	store := newStore(t, callstacks, []uint64{7, 3}, []sample{{1, 7}, {1, 3}, {1, 3}})

	ppd, err := CreatePostProcessed(store, resolvingOracle(), true)
	require.NoError(t, err)

	assert.Equal(t, 1, ppd.ResolvedCallstacksCount())
	for _, id := range []uint64{7, 3} {
		rid, ok := ppd.GetResolvedCallstackID(id)
		require.True(t, ok)
		assert.Equal(t, uint64(7), rid)

		rc, err := ppd.GetResolvedCallstack(id)
		require.NoError(t, err)
		assert.Equal(t, []uint64{0x10, 0x20}, rc.Frames())
		assert.Equal(t, callstack.Complete, rc.Type())
	}

	var visited []uint64
	ppd.ForEachResolvedCallstack(func(id uint64, _ *callstack.Callstack) { visited = append(visited, id) })
	assert.Equal(t, []uint64{7}, visited)

	d, ok := ppd.GetThreadSampleDataByThreadID(1)
	require.True(t, ok)
	assert.Equal(t, map[uint64]uint32{0x10: 3, 0x20: 3}, d.ResolvedAddressToCount)
	assert.Equal(t, map[uint64]uint32{0x10: 3}, d.ResolvedAddressToExclusiveCount)
	assert.Equal(t, map[uint64]uint32{0x11: 1, 0x12: 2, 0x21: 3}, d.SampledAddressToCount)

	assert.Equal(t, []uint64{0x11, 0x12}, ppd.GetExactAddressesOfFunction(0x10))
	assert.Equal(t, []uint64{0x21}, ppd.GetExactAddressesOfFunction(0x20))
	assert.Equal(t, []uint64{3, 7}, ppd.GetSampledCallstackIDsOfFunction(0x10))

	byAddr := make(map[uint64]SampledFunction)
	for _, f := range d.SampledFunctions {
		byAddr[f.AbsoluteAddress] = f
	}
	assert.Equal(t, "inner", byAddr[0x10].Name)
	assert.Equal(t, "/lib/libc.so", byAddr[0x10].ModulePath)
	assert.Equal(t, "outer", byAddr[0x20].Name)
	assert.Equal(t, "/bin/app", byAddr[0x20].ModulePath)
}

func TestResolutionPrefersFunctionOverAddressInfo(t *testing.T) {
	data := capture.NewData()
	data.AddFunction(capture.FunctionInfo{Name: "f", ModuleBaseAddress: 0x1000, Offset: 0x0, Size: 0x100})
	// Address info claiming a different function start for the same address.
	data.AddAddressInfo(capture.AddressInfo{AbsoluteAddress: 0x1010, OffsetInFunction: 0x8, FunctionName: "g"})

	r := NewAddressResolver(data)
	assert.Equal(t, uint64(0x1000), r.Resolve(0x1010))
	assert.Equal(t, uint64(0x1000), r.Resolve(0x1010), "memoized")
	assert.Equal(t, uint64(0x5000), r.Resolve(0x5000), "unknown addresses are their own function")
	assert.Equal(t, []uint64{0x1010}, r.ExactAddresses(0x1000))
	assert.Equal(t, []uint64{0x5000}, r.ExactAddresses(0x5000))
}

func TestRecursionIsCountedOncePerSample(t *testing.T) {
	callstacks := map[uint64]*callstack.Callstack{
		1: callstack.New([]uint64{0x11, 0x11, 0x12, 0x21}, callstack.Complete),
	}
	store := newStore(t, callstacks, []uint64{1}, repeat(4, 1, 2))

	ppd, err := CreatePostProcessed(store, resolvingOracle(), false)
	require.NoError(t, err)

	d, ok := ppd.GetThreadSampleDataByThreadID(4)
	require.True(t, ok)
	assert.Equal(t, map[uint64]uint32{0x11: 2, 0x12: 2, 0x21: 2}, d.SampledAddressToCount)
	assert.Equal(t, map[uint64]uint32{0x10: 2, 0x20: 2}, d.ResolvedAddressToCount)

	rc, err := ppd.GetResolvedCallstack(1)
	require.NoError(t, err)
	assert.Equal(t, []uint64{0x10, 0x10, 0x10, 0x20}, rc.Frames(), "frame count is preserved")
}

func TestCountInvariants(t *testing.T) {
	callstacks := map[uint64]*callstack.Callstack{
		1: callstack.New([]uint64{0x11, 0x21}, callstack.Complete),
		2: callstack.New([]uint64{0x21}, callstack.Complete),
		3: callstack.New([]uint64{0x12, 0x11, 0x21, 0x40}, callstack.Complete),
		4: callstack.New([]uint64{0x50, 0x40}, callstack.Complete),
	}
	samples := []sample{{1, 1}, {1, 2}, {1, 3}, {2, 3}, {2, 4}, {2, 1}, {3, 4}, {1, 1}}
	store := newStore(t, callstacks, []uint64{1, 2, 3, 4}, samples)

	ppd, err := CreatePostProcessed(store, resolvingOracle(), true)
	require.NoError(t, err)

	for _, d := range ppd.GetThreadSampleData() {
		var exclusive, sampled uint32
		for _, c := range d.ResolvedAddressToExclusiveCount {
			exclusive += c
		}
		for _, c := range d.SampledCallstackIDToCount {
			sampled += c
		}
		assert.Equal(t, d.SamplesCount, exclusive, "%s: exclusive counts add up to the samples", d.Bucket())
		assert.Equal(t, d.SamplesCount, sampled, "%s", d.Bucket())
		for addr, c := range d.ResolvedAddressToCount {
			assert.LessOrEqual(t, c, d.SamplesCount, "%s: %#x", d.Bucket(), addr)
			assert.LessOrEqual(t, d.ResolvedAddressToExclusiveCount[addr], c)
		}
		for addr, c := range d.SampledAddressToCount {
			assert.LessOrEqual(t, c, d.SamplesCount, "%s: %#x", d.Bucket(), addr)
		}
		assert.Len(t, d.SortedCountToResolvedAddress, len(d.ResolvedAddressToCount))
		assert.Len(t, d.SampledFunctions, len(d.ResolvedAddressToCount))
	}

	store.ForEachUniqueCallstack(func(id uint64, cs *callstack.Callstack) {
		rc, err := ppd.GetResolvedCallstack(id)
		require.NoError(t, err)
		assert.Len(t, rc.Frames(), len(cs.Frames()))
	})
}

func TestPostProcessingIsDeterministic(t *testing.T) {
	callstacks := map[uint64]*callstack.Callstack{
		1: callstack.New([]uint64{0x11, 0x21}, callstack.Complete),
		2: callstack.New([]uint64{0x12, 0x21}, callstack.Complete),
		3: callstack.New([]uint64{0x30, 0x21}, callstack.Complete),
	}
	store := newStore(t, callstacks, []uint64{1, 2, 3}, []sample{{1, 1}, {2, 2}, {2, 3}, {3, 3}})

	first, err := CreatePostProcessed(store, resolvingOracle(), true)
	require.NoError(t, err)
	second, err := CreatePostProcessed(store, resolvingOracle(), true)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestSummaryThreadIDCollision(t *testing.T) {
	callstacks := map[uint64]*callstack.Callstack{1: callstack.New([]uint64{0x11}, callstack.Complete)}
	store := newStore(t, callstacks, []uint64{1}, []sample{{1, 1}, {capture.AllProcessThreadsTID, 1}})

	_, err := CreatePostProcessed(store, capture.NewData(), true)
	assert.True(t, errors.Is(err, callstack.ErrInvariantViolation), "got %v", err)

	// Without a summary there is nothing to collide with.
	ppd, err := CreatePostProcessed(store, capture.NewData(), false)
	require.NoError(t, err)
	_, ok := ppd.GetThreadSampleDataByThreadID(capture.AllProcessThreadsTID)
	assert.True(t, ok)

	// A custom summary id moves the reserved slot.
	ppd, err = CreatePostProcessed(store, capture.NewData(capture.WithSummaryThreadID(0)), true)
	require.NoError(t, err)
	summary, ok := ppd.GetSummary()
	require.True(t, ok)
	assert.Equal(t, int32(0), summary.ThreadID)
	assert.Equal(t, uint32(2), summary.SamplesCount)
}

func TestCallstacksFromAddresses(t *testing.T) {
	callstacks := map[uint64]*callstack.Callstack{
		1: callstack.New([]uint64{0x11, 0x21}, callstack.Complete),
		2: callstack.New([]uint64{0x30, 0x21}, callstack.Complete),
		3: callstack.New([]uint64{0x40}, callstack.Complete),
		4: callstack.New([]uint64{0x12, 0x40}, callstack.Complete),
	}
	samples := []sample{{1, 1}, {1, 2}, {1, 2}, {2, 1}, {2, 1}, {1, 3}, {2, 4}, {2, 4}}
	store := newStore(t, callstacks, []uint64{1, 2, 3, 4}, samples)

	ppd, err := CreatePostProcessed(store, resolvingOracle(), true)
	require.NoError(t, err)

	assert.Equal(t, []CallstackCount{{Count: 2, CallstackID: 2}, {Count: 1, CallstackID: 1}},
		ppd.GetCallstacksFromAddresses([]uint64{0x20}, PerThread(1)))
	assert.Equal(t, []CallstackCount{{Count: 2, CallstackID: 1}, {Count: 2, CallstackID: 4}},
		ppd.GetCallstacksFromAddresses([]uint64{0x10}, PerThread(2)), "ties by ascending id")

	report := ppd.GetSortedCallstackReportFromAddresses([]uint64{0x10, 0x20}, Summary())
	assert.Equal(t, uint32(7), report.TotalCallstackCount)
	assert.Equal(t, []CallstackCount{
		{Count: 3, CallstackID: 1},
		{Count: 2, CallstackID: 2},
		{Count: 2, CallstackID: 4},
	}, report.CallstackCounts)

	assert.Empty(t, ppd.GetCallstacksFromAddresses([]uint64{0x20}, PerThread(9)))
	assert.Empty(t, ppd.GetCallstacksFromAddresses([]uint64{0x777}, Summary()))
	assert.Zero(t, ppd.GetSortedCallstackReportFromAddresses(nil, Summary()).TotalCallstackCount)
}

func TestMajorityFilterThenPostProcess(t *testing.T) {
	callstacks := map[uint64]*callstack.Callstack{
		1: callstack.New([]uint64{0x30, 0x20, 0x10}, callstack.Complete),
		2: callstack.New([]uint64{0x30, 0x99}, callstack.Complete),
	}
	var samples []sample
	for i := 0; i < 100; i++ {
		if i%25 == 0 {
			samples = append(samples, sample{tid: 5, id: 2})
		} else {
			samples = append(samples, sample{tid: 5, id: 1})
		}
	}
	store := newStore(t, callstacks, []uint64{1, 2}, samples)

	assert.Equal(t, 4, store.FilterCallstacksByMajorityStart())

	ppd, err := CreatePostProcessed(store, capture.NewData(), false)
	require.NoError(t, err)
	d, ok := ppd.GetThreadSampleDataByThreadID(5)
	require.True(t, ok)
	assert.Equal(t, uint32(96), d.SamplesCount)
	assert.Equal(t, map[uint64]uint32{1: 96}, d.SampledCallstackIDToCount)
	assert.Zero(t, d.ResolvedAddressToCount[0x99])
}

func TestThreadBucket(t *testing.T) {
	tid, ok := PerThread(12).ThreadID()
	assert.True(t, ok)
	assert.Equal(t, int32(12), tid)
	assert.False(t, PerThread(12).IsSummary())
	assert.Equal(t, "thread 12", PerThread(12).String())

	_, ok = Summary().ThreadID()
	assert.False(t, ok)
	assert.True(t, Summary().IsSummary())
	assert.Equal(t, "summary", Summary().String())
}

func TestWithLogger(t *testing.T) {
	var buf bytes.Buffer
	callstacks := map[uint64]*callstack.Callstack{1: callstack.New([]uint64{0x11}, callstack.Complete)}
	store := newStore(t, callstacks, []uint64{1}, repeat(1, 1, 3))

	_, err := CreatePostProcessed(store, capture.NewData(), true, WithLogger(log.NewLogfmtLogger(&buf)))
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "msg=\"post-processed sampling data\"")
	assert.Contains(t, buf.String(), "unique_callstacks=1")
	assert.Contains(t, buf.String(), "threads=2")
}
