package main

import (
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"sampling-mcp/internal/callstack"
	"sampling-mcp/internal/capture"
	"sampling-mcp/internal/sampling"
)

var errCaptureNotLoaded = errors.New("capture not loaded, use load_capture first")

type serverMetrics struct {
	capturesLoaded      *prometheus.CounterVec
	postProcessDuration prometheus.Histogram
	cachedCaptures      prometheus.Gauge
}

func newServerMetrics(reg prometheus.Registerer) *serverMetrics {
	m := &serverMetrics{
		capturesLoaded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sampling",
			Subsystem: "server",
			Name:      "captures_loaded_total",
			Help:      "Number of capture archives loaded, by outcome.",
		}, []string{"status"}),
		postProcessDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "sampling",
			Subsystem: "server",
			Name:      "post_process_duration_seconds",
			Help:      "Time spent loading and post-processing a capture.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}),
		cachedCaptures: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sampling",
			Subsystem: "server",
			Name:      "cached_captures",
			Help:      "Number of post-processed captures held in memory.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.capturesLoaded, m.postProcessDuration, m.cachedCaptures)
	}
	return m
}

// loadedCapture is a capture archive together with its post-processed data
type loadedCapture struct {
	*capture.Archive
	Processed *sampling.PostProcessedData
	Filtered  int
}

// captureCache holds the loaded captures by file path
type captureCache struct {
	cfg          *Config
	logger       log.Logger
	metrics      *serverMetrics
	storeMetrics *callstack.Metrics

	mu       sync.RWMutex
	captures map[string]*loadedCapture
}

func newCaptureCache(cfg *Config, logger log.Logger, reg prometheus.Registerer) *captureCache {
	return &captureCache{
		cfg:          cfg,
		logger:       logger,
		metrics:      newServerMetrics(reg),
		storeMetrics: callstack.NewMetrics(reg),
		captures:     make(map[string]*loadedCapture),
	}
}

// Load reads and post-processes the capture at path, replacing any previous version.
func (c *captureCache) Load(path string) (*loadedCapture, error) {
	start := time.Now()
	loaded, err := c.load(path)
	if err != nil {
		c.metrics.capturesLoaded.WithLabelValues("failure").Inc()
		level.Warn(c.logger).Log("msg", "failed to load capture", "path", path, "err", err)
		return nil, err
	}
	c.metrics.capturesLoaded.WithLabelValues("success").Inc()
	c.metrics.postProcessDuration.Observe(time.Since(start).Seconds())

	c.mu.Lock()
	c.captures[path] = loaded
	c.metrics.cachedCaptures.Set(float64(len(c.captures)))
	c.mu.Unlock()

	level.Info(c.logger).Log(
		"msg", "capture loaded",
		"path", path,
		"events", loaded.Store.CallstackEventsCount(),
		"filtered", loaded.Filtered,
		"threads", len(loaded.Processed.GetThreadSampleData()),
		"duration", time.Since(start),
	)
	return loaded, nil
}

func (c *captureCache) load(path string) (*loadedCapture, error) {
	archive, err := capture.ReadArchive(path, callstack.WithMetrics(c.storeMetrics))
	if err != nil {
		return nil, err
	}

	loaded := &loadedCapture{Archive: archive}
	if c.cfg.Filter.Enabled {
		loaded.Filtered = archive.Store.FilterCallstacksByMajorityStart(
			callstack.WithMinMajorityFraction(c.cfg.Filter.MinMajorityFraction),
		)
	}

	loaded.Processed, err = sampling.CreatePostProcessed(archive.Store, archive.Data, c.cfg.GenerateSummary,
		sampling.WithLogger(log.With(c.logger, "path", path)))
	if err != nil {
		return nil, errors.Wrap(err, "failed to post-process capture")
	}
	return loaded, nil
}

func (c *captureCache) Get(path string) (*loadedCapture, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	loaded, ok := c.captures[path]
	if !ok {
		return nil, errCaptureNotLoaded
	}
	return loaded, nil
}
