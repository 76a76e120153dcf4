// Package pprofexport writes post-processed sampling data as pprof profiles.
package pprofexport

import (
	"io"
	"os"
	"slices"
	"time"

	"github.com/google/pprof/profile"
	"github.com/pkg/errors"
	"github.com/samber/lo"

	"sampling-mcp/internal/capture"
	"sampling-mcp/internal/sampling"
)

const (
	SampleType = "samples"
	SampleUnit = "count"
	PeriodType = "cpu"
	PeriodUnit = "nanoseconds"

	ThreadLabel = "thread_id"
)

type options struct {
	period    int64
	duration  time.Duration
	startTime time.Time
	comments  []string
}

type Option func(*options)

// WithPeriod sets the sampling period in nanoseconds
func WithPeriod(period int64) Option {
	return func(o *options) { o.period = period }
}

// WithTimeRange records when the capture started and how long it lasted
func WithTimeRange(start time.Time, duration time.Duration) Option {
	return func(o *options) {
		o.startTime = start
		o.duration = duration
	}
}

func WithComment(comment string) Option {
	return func(o *options) { o.comments = append(o.comments, comment) }
}

type builder struct {
	oracle capture.Oracle
	p      *profile.Profile

	locations map[uint64]*profile.Location
	functions map[uint64]*profile.Function
	mappings  map[string]*profile.Mapping
}

// Export converts the samples of bucket into a pprof profile with one value per sample:
// the number of times its resolved callstack was sampled. Locations are function start
// addresses, innermost first. Only complete callstacks are exported.
func Export(ppd *sampling.PostProcessedData, oracle capture.Oracle, bucket sampling.ThreadBucket, opts ...Option) (*profile.Profile, error) {
	o := &options{period: 1}
	for _, opt := range opts {
		opt(o)
	}

	d, ok := ppd.GetThreadSampleDataOf(bucket)
	if !ok {
		return nil, errors.Errorf("no samples for %s", bucket)
	}

	b := &builder{
		oracle: oracle,
		p: &profile.Profile{
			SampleType:        []*profile.ValueType{{Type: SampleType, Unit: SampleUnit}},
			DefaultSampleType: SampleType,
			PeriodType:        &profile.ValueType{Type: PeriodType, Unit: PeriodUnit},
			Period:            o.period,
			DurationNanos:     o.duration.Nanoseconds(),
			Comments:          o.comments,
		},
		locations: make(map[uint64]*profile.Location),
		functions: make(map[uint64]*profile.Function),
		mappings:  make(map[string]*profile.Mapping),
	}
	if !o.startTime.IsZero() {
		b.p.TimeNanos = o.startTime.UnixNano()
	}

	var numLabel map[string][]int64
	if tid, ok := bucket.ThreadID(); ok {
		numLabel = map[string][]int64{ThreadLabel: {int64(tid)}}
	}

	ids := lo.Keys(d.SampledCallstackIDToCount)
	slices.Sort(ids)
	for _, id := range ids {
		rc, err := ppd.GetResolvedCallstack(id)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to export callstack %#x", id)
		}
		b.p.Sample = append(b.p.Sample, &profile.Sample{
			Location: lo.Map(rc.Frames(), func(addr uint64, _ int) *profile.Location { return b.location(addr) }),
			Value:    []int64{int64(d.SampledCallstackIDToCount[id])},
			NumLabel: numLabel,
		})
	}

	if err := b.p.CheckValid(); err != nil {
		return nil, errors.Wrap(err, "invalid profile")
	}
	return b.p, nil
}

func (b *builder) location(addr uint64) *profile.Location {
	if loc, ok := b.locations[addr]; ok {
		return loc
	}
	loc := &profile.Location{
		ID:      uint64(len(b.p.Location) + 1),
		Address: addr,
		Mapping: b.mapping(b.oracle.ModulePathByAddress(addr)),
		Line:    []profile.Line{{Function: b.function(addr)}},
	}
	b.locations[addr] = loc
	b.p.Location = append(b.p.Location, loc)
	return loc
}

func (b *builder) function(addr uint64) *profile.Function {
	if fn, ok := b.functions[addr]; ok {
		return fn
	}
	name := b.oracle.FunctionNameByAddress(addr)
	fn := &profile.Function{
		ID:         uint64(len(b.p.Function) + 1),
		Name:       name,
		SystemName: name,
		Filename:   b.oracle.ModulePathByAddress(addr),
	}
	b.functions[addr] = fn
	b.p.Function = append(b.p.Function, fn)
	return fn
}

func (b *builder) mapping(path string) *profile.Mapping {
	if m, ok := b.mappings[path]; ok {
		return m
	}
	m := &profile.Mapping{
		ID:           uint64(len(b.p.Mapping) + 1),
		File:         path,
		HasFunctions: true,
	}
	b.mappings[path] = m
	b.p.Mapping = append(b.p.Mapping, m)
	return m
}

// Write writes p gzip-compressed in the pprof protobuf format
func Write(w io.Writer, p *profile.Profile) error {
	return errors.Wrap(p.Write(w), "failed to write profile")
}

func WriteFile(path string, p *profile.Profile) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "failed to create profile file")
	}
	defer func() {
		if cerr := f.Close(); err == nil && cerr != nil {
			err = errors.Wrap(cerr, "failed to close profile file")
		}
	}()
	return Write(f, p)
}
