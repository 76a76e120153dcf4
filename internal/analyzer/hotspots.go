package analyzer

import (
	"cmp"
	"fmt"
	"slices"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/samber/lo"

	"sampling-mcp/internal/capture"
	"sampling-mcp/internal/sampling"
)

// Hotspot represents a performance hotspot (function that consumes significant time)
type Hotspot struct {
	Function     string
	Module       string
	Address      uint64   // Function start address
	SampleCount  uint32   // Inclusive or exclusive samples, depending on the view
	Percentage   float64  // Percentage of the bucket's samples
	CallstackIDs []uint64 // Sampled callstacks containing this function
}

// CallChainNode represents a node in the top-down call tree
type CallChainNode struct {
	Function    string
	Module      string
	Address     uint64
	SampleCount uint32
	Children    []*CallChainNode
}

// ModuleHotspot is the number of samples in which a module appears
type ModuleHotspot struct {
	Module      string
	SampleCount uint32
	Percentage  float64
}

func percentage(count, total uint32) float64 {
	if total == 0 {
		return 0
	}
	return float64(count) * 100.0 / float64(total)
}

func topOf[T any](items []T, topN int) []T {
	if topN > 0 && topN < len(items) {
		return items[:topN]
	}
	return items
}

// FindHotspots returns the functions of bucket by inclusive sample count (descending)
func FindHotspots(ppd *sampling.PostProcessedData, bucket sampling.ThreadBucket, topN int) []Hotspot {
	d, ok := ppd.GetThreadSampleDataOf(bucket)
	if !ok {
		return nil
	}

	// SampledFunctions is already ordered by inclusive count.
	functions := topOf(d.SampledFunctions, topN)
	return lo.Map(functions, func(f sampling.SampledFunction, _ int) Hotspot {
		return newHotspot(ppd, d, f, f.Inclusive)
	})
}

// FindBottomFunctions returns the functions at the innermost frame of the samples of bucket,
// by exclusive sample count. These are often the actual CPU-intensive operations.
func FindBottomFunctions(ppd *sampling.PostProcessedData, bucket sampling.ThreadBucket, topN int) []Hotspot {
	d, ok := ppd.GetThreadSampleDataOf(bucket)
	if !ok {
		return nil
	}

	functions := lo.Filter(d.SampledFunctions, func(f sampling.SampledFunction, _ int) bool { return f.Exclusive > 0 })
	slices.SortStableFunc(functions, func(x, y sampling.SampledFunction) int {
		return cmp.Compare(y.Exclusive, x.Exclusive)
	})
	return lo.Map(topOf(functions, topN), func(f sampling.SampledFunction, _ int) Hotspot {
		return newHotspot(ppd, d, f, f.Exclusive)
	})
}

func newHotspot(ppd *sampling.PostProcessedData, d *sampling.ThreadSampleData, f sampling.SampledFunction, count uint32) Hotspot {
	ids := lo.Filter(ppd.GetSampledCallstackIDsOfFunction(f.AbsoluteAddress), func(id uint64, _ int) bool {
		return d.SampledCallstackIDToCount[id] > 0
	})
	return Hotspot{
		Function:     f.Name,
		Module:       f.ModulePath,
		Address:      f.AbsoluteAddress,
		SampleCount:  count,
		Percentage:   percentage(count, d.SamplesCount),
		CallstackIDs: ids,
	}
}

// FindModuleHotspots counts, per module, the samples of bucket that have at least one frame
// in it. Modules are ordered by descending count, then by name.
func FindModuleHotspots(ppd *sampling.PostProcessedData, oracle capture.Oracle, bucket sampling.ThreadBucket) []ModuleHotspot {
	d, ok := ppd.GetThreadSampleDataOf(bucket)
	if !ok {
		return nil
	}

	moduleSamples := make(map[string]uint32)
	seenModules := make(map[string]struct{})
	for id, count := range d.SampledCallstackIDToCount {
		rc, err := ppd.GetResolvedCallstack(id)
		if err != nil {
			continue
		}
		clear(seenModules)
		for _, addr := range rc.Frames() {
			seenModules[oracle.ModulePathByAddress(addr)] = struct{}{}
		}
		for module := range seenModules {
			moduleSamples[module] += count
		}
	}

	modules := make([]ModuleHotspot, 0, len(moduleSamples))
	for module, count := range moduleSamples {
		modules = append(modules, ModuleHotspot{
			Module:      module,
			SampleCount: count,
			Percentage:  percentage(count, d.SamplesCount),
		})
	}
	slices.SortFunc(modules, func(x, y ModuleHotspot) int {
		if c := cmp.Compare(y.SampleCount, x.SampleCount); c != 0 {
			return c
		}
		return cmp.Compare(x.Module, y.Module)
	})
	return modules
}

// AnalyzeCallChains builds the top-down call tree of bucket, rooted at outermost frames.
// depth limits the number of levels (0 = unlimited). Siblings are ordered by descending
// sample count.
func AnalyzeCallChains(ppd *sampling.PostProcessedData, oracle capture.Oracle, bucket sampling.ThreadBucket, depth int) []*CallChainNode {
	d, ok := ppd.GetThreadSampleDataOf(bucket)
	if !ok {
		return nil
	}

	root := &CallChainNode{}
	ids := lo.Keys(d.SampledCallstackIDToCount)
	slices.Sort(ids)
	for _, id := range ids {
		rc, err := ppd.GetResolvedCallstack(id)
		if err != nil {
			continue
		}
		count := d.SampledCallstackIDToCount[id]
		frames := rc.Frames()

		levels := len(frames)
		if depth > 0 && depth < levels {
			levels = depth
		}

		current := root
		for i := 0; i < levels; i++ {
			addr := frames[len(frames)-1-i]
			child, found := lo.Find(current.Children, func(n *CallChainNode) bool { return n.Address == addr })
			if !found {
				child = &CallChainNode{
					Function: oracle.FunctionNameByAddress(addr),
					Module:   oracle.ModulePathByAddress(addr),
					Address:  addr,
				}
				current.Children = append(current.Children, child)
			}
			child.SampleCount += count
			current = child
		}
	}

	sortCallChain(root)
	return root.Children
}

func sortCallChain(node *CallChainNode) {
	slices.SortFunc(node.Children, func(x, y *CallChainNode) int {
		if c := cmp.Compare(y.SampleCount, x.SampleCount); c != 0 {
			return c
		}
		return cmp.Compare(x.Address, y.Address)
	})
	for _, child := range node.Children {
		sortCallChain(child)
	}
}

// FormatHotspot returns a human-readable string representation of a hotspot
func FormatHotspot(hs Hotspot, rank int) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("#%d: %s!%s\n", rank, hs.Module, hs.Function))
	sb.WriteString(fmt.Sprintf("    Samples: %s (%.2f%%)\n", humanize.Comma(int64(hs.SampleCount)), hs.Percentage))
	sb.WriteString(fmt.Sprintf("    Address: %#x\n", hs.Address))
	if n := len(hs.CallstackIDs); n > 0 {
		sb.WriteString(fmt.Sprintf("    Callstacks: %s\n", humanize.Comma(int64(n))))
	}

	return sb.String()
}

// FormatCallChain renders the call tree with two spaces of indentation per level
func FormatCallChain(nodes []*CallChainNode, totalSamples uint32) string {
	var sb strings.Builder
	var walk func(nodes []*CallChainNode, indent int)
	walk = func(nodes []*CallChainNode, indent int) {
		for _, n := range nodes {
			sb.WriteString(fmt.Sprintf("%s%s!%s  %s (%.2f%%)\n", strings.Repeat("  ", indent), n.Module, n.Function,
				humanize.Comma(int64(n.SampleCount)), percentage(n.SampleCount, totalSamples)))
			walk(n.Children, indent+1)
		}
	}
	walk(nodes, 0)
	return sb.String()
}
