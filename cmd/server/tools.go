package main

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/pkg/errors"
	"github.com/samber/lo"

	"sampling-mcp/internal/analyzer"
	"sampling-mcp/internal/capture"
	"sampling-mcp/internal/pprofexport"
	"sampling-mcp/internal/sampling"
)

const separator = "═══════════════════════════════════════════════════\n\n"

type handlers struct {
	cfg      *Config
	captures *captureCache
}

func filePathArg() mcp.ToolOption {
	return mcp.WithString("file_path",
		mcp.Required(),
		mcp.Description("Path to the loaded capture archive"),
	)
}

func threadIDArg() mcp.ToolOption {
	return mcp.WithNumber("thread_id",
		mcp.Description("Thread to report on (default: all threads)"),
	)
}

func topNArg() mcp.ToolOption {
	return mcp.WithNumber("top_n",
		mcp.Description("Number of entries to return (default: server configured)"),
	)
}

func registerTools(s *server.MCPServer, h *handlers) {
	s.AddTool(mcp.NewTool("load_capture",
		mcp.WithDescription("Load a sampling capture archive and post-process it for analysis"),
		mcp.WithString("file_path",
			mcp.Required(),
			mcp.Description("Absolute path to the capture archive"),
		),
	), h.loadCapture)

	s.AddTool(mcp.NewTool("list_threads",
		mcp.WithDescription("List the sampled threads of a capture by sample count."),
		filePathArg(),
	), h.withCapture(h.listThreads))

	s.AddTool(mcp.NewTool("find_hotspots",
		mcp.WithDescription("Find the top CPU hotspots (functions present in the most samples) in the capture. This is the most important tool for identifying performance bottlenecks."),
		filePathArg(), threadIDArg(), topNArg(),
	), h.withCapture(h.findHotspots))

	s.AddTool(mcp.NewTool("find_bottom_functions",
		mcp.WithDescription("Find leaf functions (functions at the innermost frame of callstacks - where actual CPU work happens). These are often the real performance bottlenecks to optimize."),
		filePathArg(), threadIDArg(), topNArg(),
	), h.withCapture(h.findBottomFunctions))

	s.AddTool(mcp.NewTool("analyze_modules",
		mcp.WithDescription("Analyze samples spent in each module/library. Useful for identifying which components or libraries are consuming resources."),
		filePathArg(), threadIDArg(),
	), h.withCapture(h.analyzeModules))

	s.AddTool(mcp.NewTool("detect_performance_issues",
		mcp.WithDescription("Automatically detect potential performance issues using heuristics. This is a great starting point for performance analysis."),
		filePathArg(), threadIDArg(),
	), h.withCapture(h.detectPerformanceIssues))

	s.AddTool(mcp.NewTool("get_statistics",
		mcp.WithDescription("Get statistics about the capture including duration, unwinding errors, callstack depths, unique functions/modules, etc."),
		filePathArg(), threadIDArg(),
	), h.withCapture(h.getStatistics))

	s.AddTool(mcp.NewTool("view_callstack",
		mcp.WithDescription("View a sampled callstack with its frames resolved to function names. Useful for understanding execution flow."),
		filePathArg(),
		mcp.WithNumber("callstack_id",
			mcp.Required(),
			mcp.Description("Id of the callstack to view"),
		),
	), h.withCapture(h.viewCallstack))

	s.AddTool(mcp.NewTool("callstacks_for_function",
		mcp.WithDescription("List the sampled callstacks that contain a function, by sample count."),
		filePathArg(), threadIDArg(), topNArg(),
		mcp.WithString("function",
			mcp.Required(),
			mcp.Description("Function name, or its start address in hex (0x...)"),
		),
	), h.withCapture(h.callstacksForFunction))

	s.AddTool(mcp.NewTool("find_callstack_patterns",
		mcp.WithDescription("Group samples by their innermost frames to find the most common code paths."),
		filePathArg(), threadIDArg(), topNArg(),
		mcp.WithNumber("depth",
			mcp.Description("Number of innermost frames in a pattern (default: 3)"),
		),
	), h.withCapture(h.findCallstackPatterns))

	s.AddTool(mcp.NewTool("call_tree",
		mcp.WithDescription("Show the top-down call tree, from outermost frames to the functions where samples land."),
		filePathArg(), threadIDArg(),
		mcp.WithNumber("depth",
			mcp.Description("Maximum depth of the tree (default: 8, 0 = unlimited)"),
		),
	), h.withCapture(h.callTree))

	s.AddTool(mcp.NewTool("export_pprof",
		mcp.WithDescription("Export the samples of the capture as a gzipped pprof profile, for use with go tool pprof and other pprof viewers."),
		filePathArg(), threadIDArg(),
		mcp.WithString("output_path",
			mcp.Required(),
			mcp.Description("Where to write the profile"),
		),
	), h.withCapture(h.exportPprof))
}

// withCapture resolves the file_path argument to a loaded capture before calling fn.
func (h *handlers) withCapture(fn func(mcp.CallToolRequest, *loadedCapture) (*mcp.CallToolResult, error)) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		filePath, err := request.RequireString("file_path")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		loaded, err := h.captures.Get(filePath)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return fn(request, loaded)
	}
}

func (h *handlers) topN(request mcp.CallToolRequest) int {
	if n := request.GetInt("top_n", 0); n > 0 {
		return n
	}
	return h.cfg.DefaultTopN
}

// bucket returns the requested thread, or the summary when no thread is given.
func (h *handlers) bucket(request mcp.CallToolRequest) (sampling.ThreadBucket, error) {
	if _, ok := request.GetArguments()["thread_id"]; ok {
		tid, err := request.RequireInt("thread_id")
		if err != nil {
			return sampling.ThreadBucket{}, err
		}
		return sampling.PerThread(int32(tid)), nil
	}
	if !h.cfg.GenerateSummary {
		return sampling.ThreadBucket{}, errors.New("the server runs without a summary, pass thread_id")
	}
	return sampling.Summary(), nil
}

func (h *handlers) loadCapture(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	filePath, err := request.RequireString("file_path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	loaded, err := h.captures.Load(filePath)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to load capture: %v", err)), nil
	}

	result := fmt.Sprintf(`Capture loaded successfully!

File: %s
Process: %s (pid %d)
Duration: %s
Date: %s
Events: %s (%s dropped by the majority-start filter)
Unique callstacks: %s
Threads: %d
Functions: %s

Use other tools to analyze this capture.
`,
		filePath,
		loaded.Stats.Process, loaded.Stats.Pid,
		loaded.Stats.Duration,
		loaded.Stats.Date,
		humanize.Comma(int64(loaded.Store.CallstackEventsCount())), humanize.Comma(int64(loaded.Filtered)),
		humanize.Comma(int64(loaded.Store.UniqueCallstacksCount())),
		len(loaded.Store.ThreadIDs()),
		humanize.Comma(int64(len(loaded.Data.Functions()))),
	)

	return mcp.NewToolResultText(result), nil
}

func (h *handlers) listThreads(request mcp.CallToolRequest, loaded *loadedCapture) (*mcp.CallToolResult, error) {
	names := lo.SliceToMap(loaded.Threads, func(t capture.Thread) (int32, string) { return t.ID, t.Name })

	var sb strings.Builder
	sb.WriteString("🧵 SAMPLED THREADS\n")
	sb.WriteString(separator)

	data := loaded.Processed.GetThreadSampleData()
	if len(data) == 0 {
		sb.WriteString("No complete samples in this capture.\n")
	}
	for _, d := range data {
		label := "all threads"
		if !d.IsSummary {
			label = fmt.Sprintf("%d", d.ThreadID)
			if name, ok := names[d.ThreadID]; ok {
				label += " " + name
			}
		}
		sb.WriteString(fmt.Sprintf("%-30s %s samples\n", label, humanize.Comma(int64(d.SamplesCount))))
	}

	return mcp.NewToolResultText(sb.String()), nil
}

func (h *handlers) findHotspots(request mcp.CallToolRequest, loaded *loadedCapture) (*mcp.CallToolResult, error) {
	bucket, err := h.bucket(request)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	hotspots := analyzer.FindHotspots(loaded.Processed, bucket, h.topN(request))

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("🔥 TOP CPU HOTSPOTS (%s)\n", bucket))
	sb.WriteString(separator)

	if len(hotspots) == 0 {
		sb.WriteString("No hotspots found.\n")
	} else {
		for i, hs := range hotspots {
			sb.WriteString(analyzer.FormatHotspot(hs, i+1))
			sb.WriteString("\n")
		}
	}

	return mcp.NewToolResultText(sb.String()), nil
}

func (h *handlers) findBottomFunctions(request mcp.CallToolRequest, loaded *loadedCapture) (*mcp.CallToolResult, error) {
	bucket, err := h.bucket(request)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	bottomFuncs := analyzer.FindBottomFunctions(loaded.Processed, bucket, h.topN(request))

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("🎯 LEAF FUNCTIONS (%s)\n", bucket))
	sb.WriteString(separator)
	sb.WriteString("These are the functions at the innermost frame of callstacks - the actual CPU-intensive operations.\n")
	sb.WriteString("Optimizing these will have direct performance impact.\n\n")

	if len(bottomFuncs) == 0 {
		sb.WriteString("No leaf functions found.\n")
	} else {
		for i, hs := range bottomFuncs {
			sb.WriteString(analyzer.FormatHotspot(hs, i+1))
			sb.WriteString("\n")
		}
	}

	return mcp.NewToolResultText(sb.String()), nil
}

func (h *handlers) analyzeModules(request mcp.CallToolRequest, loaded *loadedCapture) (*mcp.CallToolResult, error) {
	bucket, err := h.bucket(request)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	modules := analyzer.FindModuleHotspots(loaded.Processed, loaded.Data, bucket)

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("📦 MODULE ANALYSIS (%s)\n", bucket))
	sb.WriteString(separator)

	for i, m := range modules {
		sb.WriteString(fmt.Sprintf("%d. %s\n", i+1, m.Module))
		sb.WriteString(fmt.Sprintf("   Samples: %s (%.2f%%)\n", humanize.Comma(int64(m.SampleCount)), m.Percentage))

		barLength := min(int(m.Percentage/2), 50)
		sb.WriteString("   ")
		sb.WriteString(strings.Repeat("█", barLength))
		sb.WriteString("\n\n")
	}

	return mcp.NewToolResultText(sb.String()), nil
}

func (h *handlers) detectPerformanceIssues(request mcp.CallToolRequest, loaded *loadedCapture) (*mcp.CallToolResult, error) {
	bucket, err := h.bucket(request)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	issues := analyzer.DetectPerformanceIssues(loaded.Store, loaded.Processed, loaded.Data, bucket)

	var sb strings.Builder
	sb.WriteString("⚠️  AUTOMATED PERFORMANCE ISSUE DETECTION\n")
	sb.WriteString(separator)

	if len(issues) == 0 {
		sb.WriteString("✅ No significant performance issues detected!\n")
		return mcp.NewToolResultText(sb.String()), nil
	}

	bySeverity := lo.GroupBy(issues, func(issue analyzer.PerformanceIssue) string { return issue.Severity })
	sections := []struct{ severity, title string }{
		{"Critical", "🔴 CRITICAL ISSUES"},
		{"High", "🟠 HIGH PRIORITY ISSUES"},
		{"Medium", "🟡 MEDIUM PRIORITY ISSUES"},
	}
	for _, section := range sections {
		group := bySeverity[section.severity]
		if len(group) == 0 {
			continue
		}
		sb.WriteString(section.title + ":\n\n")
		for i, issue := range group {
			sb.WriteString(fmt.Sprintf("%d. [%s] %s\n", i+1, issue.Category, issue.Description))
			if issue.Function != "" {
				sb.WriteString(fmt.Sprintf("   Function: %s!%s\n", issue.Module, issue.Function))
			}
			if issue.Impact > 0 {
				sb.WriteString(fmt.Sprintf("   Impact: %.2f%%\n", issue.Impact))
			}
			sb.WriteString("\n")
		}
	}

	sb.WriteString("\n📊 SUMMARY:\n")
	for _, severity := range []string{"Critical", "High", "Medium", "Low"} {
		sb.WriteString(fmt.Sprintf("   %s: %d\n", severity, len(bySeverity[severity])))
	}

	return mcp.NewToolResultText(sb.String()), nil
}

func (h *handlers) getStatistics(request mcp.CallToolRequest, loaded *loadedCapture) (*mcp.CallToolResult, error) {
	bucket, err := h.bucket(request)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	stats := analyzer.ComputeStatistics(loaded.Store, loaded.Processed, loaded.Data, bucket)

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("📊 CAPTURE STATISTICS (%s)\n", bucket))
	sb.WriteString(separator)
	sb.WriteString(analyzer.FormatStatistics(stats))
	if loaded.Filtered > 0 {
		sb.WriteString(fmt.Sprintf("Dropped by the majority-start filter: %s\n", humanize.Comma(int64(loaded.Filtered))))
	}

	return mcp.NewToolResultText(sb.String()), nil
}

func (h *handlers) viewCallstack(request mcp.CallToolRequest, loaded *loadedCapture) (*mcp.CallToolResult, error) {
	id, err := request.RequireInt("callstack_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	cs, ok := loaded.Store.GetCallstack(uint64(id))
	if !ok {
		return mcp.NewToolResultError(fmt.Sprintf("Unknown callstack id %d", id)), nil
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("📞 CALLSTACK #%d\n", id))
	sb.WriteString(separator)
	sb.WriteString(fmt.Sprintf("Type: %s\n", cs.Type()))
	sb.WriteString(fmt.Sprintf("Stack Depth: %d frames\n", len(cs.Frames())))
	if rid, ok := loaded.Processed.GetResolvedCallstackID(uint64(id)); ok && rid != uint64(id) {
		sb.WriteString(fmt.Sprintf("Resolves to the same functions as callstack #%d\n", rid))
	}
	sb.WriteString("\nCall Stack (innermost first):\n\n")

	for i, addr := range cs.Frames() {
		sb.WriteString(fmt.Sprintf("%d. %s!%s\n", i, loaded.Data.ModulePathByAddress(addr), loaded.Data.FunctionNameByAddress(addr)))
		sb.WriteString(fmt.Sprintf("   [%#x]\n\n", addr))
	}

	return mcp.NewToolResultText(sb.String()), nil
}

// functionAddresses returns the start addresses of the function given by name or address
func functionAddresses(function string, d *sampling.ThreadSampleData) []uint64 {
	if strings.HasPrefix(function, "0x") {
		if addr, err := strconv.ParseUint(function[2:], 16, 64); err == nil {
			return []uint64{addr}
		}
	}
	matching := lo.Filter(d.SampledFunctions, func(f sampling.SampledFunction, _ int) bool { return f.Name == function })
	return lo.Map(matching, func(f sampling.SampledFunction, _ int) uint64 { return f.AbsoluteAddress })
}

func (h *handlers) callstacksForFunction(request mcp.CallToolRequest, loaded *loadedCapture) (*mcp.CallToolResult, error) {
	function, err := request.RequireString("function")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	bucket, err := h.bucket(request)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	d, ok := loaded.Processed.GetThreadSampleDataOf(bucket)
	if !ok {
		return mcp.NewToolResultError(fmt.Sprintf("No samples for %s", bucket)), nil
	}

	addrs := functionAddresses(function, d)
	report := loaded.Processed.GetSortedCallstackReportFromAddresses(addrs, bucket)

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("📚 CALLSTACKS CONTAINING %s (%s)\n", function, bucket))
	sb.WriteString(separator)

	if len(report.CallstackCounts) == 0 {
		sb.WriteString("No sampled callstack contains this function.\n")
		return mcp.NewToolResultText(sb.String()), nil
	}

	sb.WriteString(fmt.Sprintf("%s samples in %d callstacks\n\n",
		humanize.Comma(int64(report.TotalCallstackCount)), len(report.CallstackCounts)))
	for i, cc := range lo.Slice(report.CallstackCounts, 0, h.topN(request)) {
		sb.WriteString(fmt.Sprintf("%d. Callstack #%d: %s samples (%.2f%%)\n", i+1, cc.CallstackID,
			humanize.Comma(int64(cc.Count)), float64(cc.Count)*100.0/float64(report.TotalCallstackCount)))
		rc, err := loaded.Processed.GetResolvedCallstack(cc.CallstackID)
		if err != nil {
			continue
		}
		for _, addr := range rc.Frames() {
			marker := "  "
			if slices.Contains(addrs, addr) {
				marker = "→ "
			}
			sb.WriteString(fmt.Sprintf("   %s%s!%s\n", marker, loaded.Data.ModulePathByAddress(addr), loaded.Data.FunctionNameByAddress(addr)))
		}
		sb.WriteString("\n")
	}

	return mcp.NewToolResultText(sb.String()), nil
}

func (h *handlers) findCallstackPatterns(request mcp.CallToolRequest, loaded *loadedCapture) (*mcp.CallToolResult, error) {
	bucket, err := h.bucket(request)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	depth := request.GetInt("depth", 3)

	patterns := analyzer.FindCommonCallstackPatterns(loaded.Processed, loaded.Data, bucket, depth, h.topN(request))

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("🔁 COMMON CALLSTACK PATTERNS (%s, %d innermost frames)\n", bucket, depth))
	sb.WriteString(separator)

	if len(patterns) == 0 {
		sb.WriteString("No patterns found.\n")
	}
	for i, p := range patterns {
		sb.WriteString(fmt.Sprintf("#%d: %s samples (%.2f%%)\n", i+1, humanize.Comma(int64(p.Occurrences)), p.Percentage))
		for _, frame := range p.Frames {
			sb.WriteString(fmt.Sprintf("    %s\n", frame))
		}
		sb.WriteString("\n")
	}

	return mcp.NewToolResultText(sb.String()), nil
}

func (h *handlers) callTree(request mcp.CallToolRequest, loaded *loadedCapture) (*mcp.CallToolResult, error) {
	bucket, err := h.bucket(request)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	d, ok := loaded.Processed.GetThreadSampleDataOf(bucket)
	if !ok {
		return mcp.NewToolResultError(fmt.Sprintf("No samples for %s", bucket)), nil
	}

	tree := analyzer.AnalyzeCallChains(loaded.Processed, loaded.Data, bucket, request.GetInt("depth", 8))

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("🌳 CALL TREE (%s)\n", bucket))
	sb.WriteString(separator)
	sb.WriteString(analyzer.FormatCallChain(tree, d.SamplesCount))

	return mcp.NewToolResultText(sb.String()), nil
}

func (h *handlers) exportPprof(request mcp.CallToolRequest, loaded *loadedCapture) (*mcp.CallToolResult, error) {
	outputPath, err := request.RequireString("output_path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	bucket, err := h.bucket(request)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	opts := []pprofexport.Option{
		pprofexport.WithPeriod(h.cfg.SamplingPeriod.Nanoseconds()),
		pprofexport.WithComment(fmt.Sprintf("%s (pid %d)", loaded.Stats.Process, loaded.Stats.Pid)),
	}
	if loaded.Store.CallstackEventsCount() > 0 {
		opts = append(opts, pprofexport.WithTimeRange(time.Time{}, time.Duration(loaded.Store.MaxTime()-loaded.Store.MinTime())))
	}

	p, err := pprofexport.Export(loaded.Processed, loaded.Data, bucket, opts...)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to export profile: %v", err)), nil
	}
	if err := pprofexport.WriteFile(outputPath, p); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf("Wrote %d samples over %d functions to %s\n",
		len(p.Sample), len(p.Function), outputPath)), nil
}
