package analyzer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sampling-mcp/internal/callstack"
	"sampling-mcp/internal/capture"
	"sampling-mcp/internal/sampling"
)

const (
	mainFn  = 0x1000
	workFn  = 0x2000
	hashFn  = 0x3000
	allocFn = 0x8000
)

// fixture is a capture of a main → work → hash / alloc program on two threads, plus three
// samples with a broken unwind.
func fixture(t *testing.T) (*callstack.Store, *capture.Data, *sampling.PostProcessedData) {
	t.Helper()

	data := capture.NewData()
	data.AddModule(capture.ModuleInfo{Path: "/bin/app", Start: 0x0, End: 0x7fff})
	data.AddModule(capture.ModuleInfo{Path: "/lib/libc.so", Start: 0x8000, End: 0x9fff})
	data.AddFunction(capture.FunctionInfo{Name: "main", ModulePath: "/bin/app", Offset: mainFn, Size: 0x100})
	data.AddFunction(capture.FunctionInfo{Name: "work", ModulePath: "/bin/app", Offset: workFn, Size: 0x100})
	data.AddFunction(capture.FunctionInfo{Name: "hash", ModulePath: "/bin/app", Offset: hashFn, Size: 0x100})
	data.AddFunction(capture.FunctionInfo{Name: "malloc", ModuleBaseAddress: 0x8000, Size: 0x100})

	store := callstack.NewStore()
	for id, cs := range map[uint64]*callstack.Callstack{
		1: callstack.New([]uint64{hashFn + 0x10, workFn + 0x20, mainFn + 0x8}, callstack.Complete),
		2: callstack.New([]uint64{hashFn + 0x14, workFn + 0x20, mainFn + 0x8}, callstack.Complete),
		3: callstack.New([]uint64{allocFn + 0x4, workFn + 0x30, mainFn + 0x8}, callstack.Complete),
		4: callstack.New([]uint64{workFn + 0x40, mainFn + 0x8}, callstack.Complete),
		5: callstack.New([]uint64{allocFn + 0x4}, callstack.DwarfUnwindingError),
	} {
		require.NoError(t, store.AddUniqueCallstack(id, cs))
	}

	ts := uint64(1_000_000)
	add := func(tid int32, id uint64, n int) {
		for i := 0; i < n; i++ {
			ts += 1_000_000
			require.NoError(t, store.AddCallstackEvent(callstack.Event{ThreadID: tid, TimestampNs: ts, CallstackID: id}))
		}
	}
	add(1, 1, 4)
	add(1, 2, 2)
	add(1, 3, 3)
	add(1, 4, 1)
	add(2, 3, 5)
	add(2, 4, 5)
	add(2, 5, 3)

	ppd, err := sampling.CreatePostProcessed(store, data, true)
	require.NoError(t, err)
	return store, data, ppd
}

func TestFindHotspots(t *testing.T) {
	_, _, ppd := fixture(t)

	hotspots := FindHotspots(ppd, sampling.Summary(), 0)
	require.Len(t, hotspots, 4)
	assert.Equal(t, "main", hotspots[0].Function)
	assert.Equal(t, "/bin/app", hotspots[0].Module)
	assert.Equal(t, uint32(20), hotspots[0].SampleCount)
	assert.InDelta(t, 100.0, hotspots[0].Percentage, 1e-9)
	assert.Equal(t, []uint64{1, 2, 3, 4}, hotspots[0].CallstackIDs)

	assert.Equal(t, "work", hotspots[1].Function)
	assert.Equal(t, "malloc", hotspots[2].Function)
	assert.Equal(t, "/lib/libc.so", hotspots[2].Module)
	assert.Equal(t, uint32(8), hotspots[2].SampleCount)
	assert.Equal(t, "hash", hotspots[3].Function)
	assert.Equal(t, uint64(hashFn), hotspots[3].Address)
	assert.Equal(t, []uint64{1, 2}, hotspots[3].CallstackIDs)

	assert.Len(t, FindHotspots(ppd, sampling.Summary(), 2), 2)

	thread2 := FindHotspots(ppd, sampling.PerThread(2), 0)
	require.Len(t, thread2, 3)
	for _, hs := range thread2 {
		assert.NotEqual(t, "hash", hs.Function)
	}
	assert.Equal(t, []uint64{3, 4}, thread2[0].CallstackIDs, "only callstacks sampled on the thread")

	assert.Nil(t, FindHotspots(ppd, sampling.PerThread(42), 10))
}

func TestFindBottomFunctions(t *testing.T) {
	_, _, ppd := fixture(t)

	bottom := FindBottomFunctions(ppd, sampling.Summary(), 0)
	require.Len(t, bottom, 3)
	assert.Equal(t, "malloc", bottom[0].Function)
	assert.Equal(t, uint32(8), bottom[0].SampleCount)
	assert.InDelta(t, 40.0, bottom[0].Percentage, 1e-9)
	// Ties keep the inclusive order.
	assert.Equal(t, "work", bottom[1].Function)
	assert.Equal(t, uint32(6), bottom[1].SampleCount)
	assert.Equal(t, "hash", bottom[2].Function)
	assert.Equal(t, uint32(6), bottom[2].SampleCount)

	// The inclusive view of the same data is untouched.
	assert.Equal(t, "main", FindHotspots(ppd, sampling.Summary(), 1)[0].Function)
}

func TestFindModuleHotspots(t *testing.T) {
	_, data, ppd := fixture(t)

	modules := FindModuleHotspots(ppd, data, sampling.Summary())
	assert.Equal(t, []ModuleHotspot{
		{Module: "/bin/app", SampleCount: 20, Percentage: 100},
		{Module: "/lib/libc.so", SampleCount: 8, Percentage: 40},
	}, modules)

	assert.Nil(t, FindModuleHotspots(ppd, data, sampling.PerThread(42)))
}

func TestAnalyzeCallChains(t *testing.T) {
	_, data, ppd := fixture(t)

	roots := AnalyzeCallChains(ppd, data, sampling.PerThread(1), 0)
	require.Len(t, roots, 1)
	top := roots[0]
	assert.Equal(t, "main", top.Function)
	assert.Equal(t, uint32(10), top.SampleCount)

	require.Len(t, top.Children, 1)
	work := top.Children[0]
	assert.Equal(t, uint32(10), work.SampleCount)
	require.Len(t, work.Children, 2)
	assert.Equal(t, "hash", work.Children[0].Function)
	assert.Equal(t, uint32(6), work.Children[0].SampleCount)
	assert.Equal(t, "malloc", work.Children[1].Function)
	assert.Equal(t, uint32(3), work.Children[1].SampleCount)

	shallow := AnalyzeCallChains(ppd, data, sampling.PerThread(1), 2)
	require.Len(t, shallow, 1)
	assert.Empty(t, shallow[0].Children[0].Children)

	text := FormatCallChain(roots, 10)
	assert.Contains(t, text, "/bin/app!main  10 (100.00%)\n")
	assert.Contains(t, text, "    /bin/app!hash  6 (60.00%)\n")
}

func TestComputeStatistics(t *testing.T) {
	store, data, ppd := fixture(t)

	stats := ComputeStatistics(store, ppd, data, sampling.Summary())
	assert.Equal(t, 23, stats.TotalEvents)
	assert.Equal(t, 3, stats.NonCompleteEvents)
	assert.Equal(t, map[string]int{"DwarfUnwindingError": 3}, stats.UnwindErrorsByType)
	assert.Equal(t, 5, stats.UniqueCallstacks)
	assert.Equal(t, 3, stats.ResolvedCallstacks)
	assert.Equal(t, 2, stats.Threads)
	assert.Equal(t, uint32(20), stats.TotalSamples)
	assert.Equal(t, 22*time.Millisecond, stats.Duration)
	assert.Equal(t, 2, stats.MinStackDepth)
	assert.Equal(t, 3, stats.MaxStackDepth)
	assert.InDelta(t, 2.7, stats.AverageStackDepth, 1e-9)
	assert.Equal(t, 4, stats.UniqueFunctions)
	assert.Equal(t, 2, stats.UniqueModules)

	text := FormatStatistics(stats)
	assert.Contains(t, text, "Events: 23 (3 with incomplete callstacks)\n")
	assert.Contains(t, text, "    DwarfUnwindingError: 3\n")
	assert.Contains(t, text, "Unique callstacks: 5 (3 after resolution)\n")
}

func TestComputeStatisticsOfEmptyCapture(t *testing.T) {
	store := callstack.NewStore()
	data := capture.NewData()
	ppd, err := sampling.CreatePostProcessed(store, data, true)
	require.NoError(t, err)

	stats := ComputeStatistics(store, ppd, data, sampling.Summary())
	assert.Zero(t, stats.TotalEvents)
	assert.Zero(t, stats.Duration)
	assert.Zero(t, stats.TotalSamples)
	assert.Empty(t, DetectPerformanceIssues(store, ppd, data, sampling.Summary()))
}

func TestFindCommonCallstackPatterns(t *testing.T) {
	_, data, ppd := fixture(t)

	patterns := FindCommonCallstackPatterns(ppd, data, sampling.Summary(), 2, 0)
	require.Len(t, patterns, 3)
	assert.Equal(t, "/lib/libc.so!malloc <- /bin/app!work", patterns[0].Pattern)
	assert.Equal(t, uint32(8), patterns[0].Occurrences)
	assert.InDelta(t, 40.0, patterns[0].Percentage, 1e-9)
	assert.Equal(t, []string{"/bin/app!hash", "/bin/app!work"}, patterns[1].Frames)
	assert.Equal(t, uint32(6), patterns[1].Occurrences)
	assert.Equal(t, "/bin/app!work <- /bin/app!main", patterns[2].Pattern)

	assert.Len(t, FindCommonCallstackPatterns(ppd, data, sampling.Summary(), 2, 1), 1)
	assert.Nil(t, FindCommonCallstackPatterns(ppd, data, sampling.Summary(), 0, 5))
}

func TestDetectPerformanceIssues(t *testing.T) {
	store, data, ppd := fixture(t)

	issues := DetectPerformanceIssues(store, ppd, data, sampling.Summary())
	require.Len(t, issues, 4)

	assert.Equal(t, "Critical", issues[0].Severity)
	assert.Equal(t, "CPU Hotspot", issues[0].Category)
	assert.Equal(t, "malloc", issues[0].Function)
	assert.InDelta(t, 40.0, issues[0].Impact, 1e-9)

	assert.Equal(t, "work", issues[1].Function)
	assert.Equal(t, "Critical", issues[1].Severity)
	assert.Equal(t, "hash", issues[2].Function)

	assert.Equal(t, "Unwinding Errors", issues[3].Category)
	assert.InDelta(t, 3.0/23.0*100.0, issues[3].Impact, 1e-9)
}

func TestDetectRecursion(t *testing.T) {
	data := capture.NewData()
	data.AddFunction(capture.FunctionInfo{Name: "fib", ModulePath: "/bin/fib", Offset: 0x100, Size: 0x40})

	frames := make([]uint64, 0, 60)
	for i := 0; i < 59; i++ {
		frames = append(frames, 0x110)
	}
	frames = append(frames, 0x900)

	store := callstack.NewStore()
	require.NoError(t, store.AddUniqueCallstack(1, callstack.New(frames, callstack.Complete)))
	require.NoError(t, store.AddUniqueCallstack(2, callstack.New([]uint64{0x900}, callstack.Complete)))
	require.NoError(t, store.AddCallstackEvent(callstack.Event{ThreadID: 1, TimestampNs: 1, CallstackID: 1}))
	require.NoError(t, store.AddCallstackEvent(callstack.Event{ThreadID: 1, TimestampNs: 2, CallstackID: 2}))

	ppd, err := sampling.CreatePostProcessed(store, data, false)
	require.NoError(t, err)

	issues := DetectPerformanceIssues(store, ppd, data, sampling.PerThread(1))
	categories := make(map[string]PerformanceIssue)
	for _, issue := range issues {
		categories[issue.Category] = issue
	}

	require.Contains(t, categories, "Deep Call Stack")
	assert.Contains(t, categories["Deep Call Stack"].Description, "60 frames")
	require.Contains(t, categories, "Deep Recursion")
	assert.Equal(t, "fib", categories["Deep Recursion"].Function)
	assert.InDelta(t, 50.0, categories["Deep Recursion"].Impact, 1e-9)
}

func TestFormatHotspot(t *testing.T) {
	hs := Hotspot{
		Function:     "hash",
		Module:       "/bin/app",
		Address:      0x3000,
		SampleCount:  12345,
		Percentage:   61.5,
		CallstackIDs: []uint64{1, 2},
	}
	assert.Equal(t, "#1: /bin/app!hash\n"+
		"    Samples: 12,345 (61.50%)\n"+
		"    Address: 0x3000\n"+
		"    Callstacks: 2\n", FormatHotspot(hs, 1))
}
