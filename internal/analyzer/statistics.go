package analyzer

import (
	"cmp"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/samber/lo"

	"sampling-mcp/internal/callstack"
	"sampling-mcp/internal/capture"
	"sampling-mcp/internal/sampling"
)

// ProfileStatistics contains comprehensive statistics about a capture
type ProfileStatistics struct {
	Duration           time.Duration // Between the first and the last event
	TotalEvents        int
	NonCompleteEvents  int
	UnwindErrorsByType map[string]int
	UniqueCallstacks   int
	ResolvedCallstacks int
	Threads            int
	TotalSamples       uint32 // Complete samples of the bucket
	AverageStackDepth  float64
	MaxStackDepth      int
	MinStackDepth      int
	UniqueModules      int
	UniqueFunctions    int
}

// ComputeStatistics calculates statistics for a bucket of the post-processed data. Stack
// depths are weighted by sample count.
func ComputeStatistics(store *callstack.Store, ppd *sampling.PostProcessedData, oracle capture.Oracle, bucket sampling.ThreadBucket) ProfileStatistics {
	stats := ProfileStatistics{
		TotalEvents:        store.CallstackEventsCount(),
		UniqueCallstacks:   store.UniqueCallstacksCount(),
		ResolvedCallstacks: ppd.ResolvedCallstacksCount(),
		Threads:            len(store.ThreadIDs()),
		UnwindErrorsByType: make(map[string]int),
	}
	if stats.TotalEvents > 0 {
		stats.Duration = time.Duration(store.MaxTime() - store.MinTime())
	}

	store.ForEachCallstackEvent(func(ev callstack.Event) {
		if cs, ok := store.GetCallstack(ev.CallstackID); ok && !cs.IsComplete() {
			stats.NonCompleteEvents++
			stats.UnwindErrorsByType[cs.Type().String()]++
		}
	})

	d, ok := ppd.GetThreadSampleDataOf(bucket)
	if !ok {
		return stats
	}
	stats.TotalSamples = d.SamplesCount

	var totalDepth uint64
	moduleSet := make(map[string]struct{})
	for id, count := range d.SampledCallstackIDToCount {
		rc, err := ppd.GetResolvedCallstack(id)
		if err != nil {
			continue
		}
		depth := len(rc.Frames())
		totalDepth += uint64(depth) * uint64(count)
		if stats.MinStackDepth == 0 || depth < stats.MinStackDepth {
			stats.MinStackDepth = depth
		}
		stats.MaxStackDepth = max(stats.MaxStackDepth, depth)
	}
	for addr := range d.ResolvedAddressToCount {
		if module := oracle.ModulePathByAddress(addr); module != capture.UnknownName {
			moduleSet[module] = struct{}{}
		}
	}

	if d.SamplesCount > 0 {
		stats.AverageStackDepth = float64(totalDepth) / float64(d.SamplesCount)
	}
	stats.UniqueModules = len(moduleSet)
	stats.UniqueFunctions = len(d.ResolvedAddressToCount)

	return stats
}

// FormatStatistics returns a human-readable summary of stats
func FormatStatistics(stats ProfileStatistics) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("Duration: %s\n", stats.Duration))
	sb.WriteString(fmt.Sprintf("Events: %s (%s with incomplete callstacks)\n",
		humanize.Comma(int64(stats.TotalEvents)), humanize.Comma(int64(stats.NonCompleteEvents))))
	types := lo.Keys(stats.UnwindErrorsByType)
	slices.Sort(types)
	for _, typ := range types {
		sb.WriteString(fmt.Sprintf("    %s: %s\n", typ, humanize.Comma(int64(stats.UnwindErrorsByType[typ]))))
	}
	sb.WriteString(fmt.Sprintf("Threads: %d\n", stats.Threads))
	sb.WriteString(fmt.Sprintf("Unique callstacks: %s (%s after resolution)\n",
		humanize.Comma(int64(stats.UniqueCallstacks)), humanize.Comma(int64(stats.ResolvedCallstacks))))
	sb.WriteString(fmt.Sprintf("Samples: %s\n", humanize.Comma(int64(stats.TotalSamples))))
	sb.WriteString(fmt.Sprintf("Stack depth: avg %.1f, min %d, max %d\n",
		stats.AverageStackDepth, stats.MinStackDepth, stats.MaxStackDepth))
	sb.WriteString(fmt.Sprintf("Functions: %d in %d modules\n", stats.UniqueFunctions, stats.UniqueModules))

	return sb.String()
}

// CallstackPattern represents a common callstack pattern
type CallstackPattern struct {
	Pattern     string   // Human-readable pattern
	Frames      []string // Function signatures in the pattern, innermost first
	Occurrences uint32
	Percentage  float64
}

// FindCommonCallstackPatterns groups the samples of bucket by their innermost depth
// resolved frames.
func FindCommonCallstackPatterns(ppd *sampling.PostProcessedData, oracle capture.Oracle, bucket sampling.ThreadBucket, depth int, topN int) []CallstackPattern {
	d, ok := ppd.GetThreadSampleDataOf(bucket)
	if !ok || depth <= 0 {
		return nil
	}

	patterns := make(map[string]*CallstackPattern)
	for id, count := range d.SampledCallstackIDToCount {
		rc, err := ppd.GetResolvedCallstack(id)
		if err != nil {
			continue
		}
		frames := rc.Frames()[:min(depth, len(rc.Frames()))]
		signatures := lo.Map(frames, func(addr uint64, _ int) string {
			return fmt.Sprintf("%s!%s", oracle.ModulePathByAddress(addr), oracle.FunctionNameByAddress(addr))
		})

		key := strings.Join(signatures, " <- ")
		p, exists := patterns[key]
		if !exists {
			p = &CallstackPattern{Pattern: key, Frames: signatures}
			patterns[key] = p
		}
		p.Occurrences += count
	}

	patternList := make([]CallstackPattern, 0, len(patterns))
	for _, p := range patterns {
		p.Percentage = percentage(p.Occurrences, d.SamplesCount)
		patternList = append(patternList, *p)
	}
	slices.SortFunc(patternList, func(x, y CallstackPattern) int {
		if c := cmp.Compare(y.Occurrences, x.Occurrences); c != 0 {
			return c
		}
		return cmp.Compare(x.Pattern, y.Pattern)
	})

	return topOf(patternList, topN)
}

// PerformanceIssue is a potential problem found by DetectPerformanceIssues
type PerformanceIssue struct {
	Severity    string // "Critical", "High", "Medium", "Low"
	Category    string // e.g., "Deep Recursion", "CPU Hotspot", "Unwinding Errors"
	Description string
	Function    string
	Module      string
	Impact      float64 // % of the bucket's samples, or of all events for unwinding errors
}

const (
	deepStackFrames      = 50
	recursionFrames      = 10
	criticalHotspotShare = 20.0
	highHotspotShare     = 10.0
	unwindErrorShare     = 5.0
)

// DetectPerformanceIssues performs heuristic analysis to detect potential issues
func DetectPerformanceIssues(store *callstack.Store, ppd *sampling.PostProcessedData, oracle capture.Oracle, bucket sampling.ThreadBucket) []PerformanceIssue {
	issues := []PerformanceIssue{}
	stats := ComputeStatistics(store, ppd, oracle, bucket)

	// Extremely deep callstacks (potential stack overflow or deep recursion)
	if stats.MaxStackDepth > deepStackFrames {
		issues = append(issues, PerformanceIssue{
			Severity:    "High",
			Category:    "Deep Call Stack",
			Description: fmt.Sprintf("Maximum stack depth of %d frames detected. This may indicate deep recursion or complex call chains.", stats.MaxStackDepth),
		})
	}

	if stats.TotalEvents > 0 {
		share := float64(stats.NonCompleteEvents) / float64(stats.TotalEvents) * 100.0
		if share > unwindErrorShare {
			issues = append(issues, PerformanceIssue{
				Severity:    "Medium",
				Category:    "Unwinding Errors",
				Description: fmt.Sprintf("%.2f%% of the samples have incomplete callstacks and are left out of every report", share),
				Impact:      share,
			})
		}
	}

	// Functions where the samples actually land
	for _, hs := range FindBottomFunctions(ppd, bucket, 10) {
		severity := ""
		switch {
		case hs.Percentage > criticalHotspotShare:
			severity = "Critical"
		case hs.Percentage > highHotspotShare:
			severity = "High"
		default:
			continue
		}
		issues = append(issues, PerformanceIssue{
			Severity:    severity,
			Category:    "CPU Hotspot",
			Description: fmt.Sprintf("Function is the innermost frame of %.2f%% of the samples", hs.Percentage),
			Function:    hs.Function,
			Module:      hs.Module,
			Impact:      hs.Percentage,
		})
	}

	issues = append(issues, detectRecursion(ppd, oracle, bucket)...)

	slices.SortStableFunc(issues, func(x, y PerformanceIssue) int {
		return cmp.Compare(y.Impact, x.Impact)
	})
	return issues
}

// detectRecursion reports functions that appear at least recursionFrames times in a single
// resolved callstack.
func detectRecursion(ppd *sampling.PostProcessedData, oracle capture.Oracle, bucket sampling.ThreadBucket) []PerformanceIssue {
	d, ok := ppd.GetThreadSampleDataOf(bucket)
	if !ok {
		return nil
	}

	recursive := make(map[uint64]uint32)
	for id, count := range d.SampledCallstackIDToCount {
		rc, err := ppd.GetResolvedCallstack(id)
		if err != nil {
			continue
		}
		for addr, frames := range lo.CountValues(rc.Frames()) {
			if frames >= recursionFrames {
				recursive[addr] += count
			}
		}
	}

	addrs := lo.Keys(recursive)
	slices.Sort(addrs)
	return lo.Map(addrs, func(addr uint64, _ int) PerformanceIssue {
		impact := percentage(recursive[addr], d.SamplesCount)
		return PerformanceIssue{
			Severity:    "Medium",
			Category:    "Deep Recursion",
			Description: fmt.Sprintf("Function recurses at least %d levels deep in %.2f%% of the samples", recursionFrames, impact),
			Function:    oracle.FunctionNameByAddress(addr),
			Module:      oracle.ModulePathByAddress(addr),
			Impact:      impact,
		}
	})
}
