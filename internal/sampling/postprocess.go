package sampling

import (
	"slices"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/samber/lo"

	"sampling-mcp/internal/callstack"
	"sampling-mcp/internal/capture"
)

type options struct {
	logger log.Logger
}

type Option func(*options)

// WithLogger sets the logger used for the debug line emitted after post-processing
func WithLogger(logger log.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// CreatePostProcessed turns a finished capture into PostProcessedData. The store must no
// longer be written to and the oracle must not change while it runs. Only complete
// callstacks are taken into account; a capture without any yields empty data.
func CreatePostProcessed(store *callstack.Store, oracle capture.Oracle, generateSummary bool, opts ...Option) (*PostProcessedData, error) {
	o := &options{logger: log.NewNopLogger()}
	for _, opt := range opts {
		opt(o)
	}
	start := time.Now()

	addresses := NewAddressResolver(oracle)
	resolver := NewCallstackResolver(addresses)
	resolver.Resolve(store)

	agg := newAggregator(oracle.SummaryThreadID(), generateSummary)
	if err := agg.countSamples(store); err != nil {
		return nil, err
	}
	if err := agg.attribute(resolver); err != nil {
		return nil, err
	}
	agg.report(oracle)

	functionToSampledIDs := make(map[uint64][]uint64, len(resolver.functionToSampledIDs))
	for fa, ids := range resolver.functionToSampledIDs {
		sorted := lo.Keys(ids)
		slices.Sort(sorted)
		functionToSampledIDs[fa] = sorted
	}

	data := &PostProcessedData{
		summaryTID:               oracle.SummaryThreadID(),
		threadSampleData:         agg.threads,
		sortedThreadSampleData:   agg.sorted(),
		resolvedCallstacks:       resolver.resolved,
		originalToResolved:       resolver.originalToResolved,
		functionToSampledIDs:     functionToSampledIDs,
		functionToExactAddresses: addresses.functionToExactAddresses(),
	}

	level.Debug(o.logger).Log(
		"msg", "post-processed sampling data",
		"unique_callstacks", store.UniqueCallstacksCount(),
		"resolved_callstacks", len(data.resolvedCallstacks),
		"threads", len(data.threadSampleData),
		"summary", generateSummary,
		"duration", time.Since(start),
	)
	return data, nil
}
