package main

import (
	"flag"
	stdlog "log"
	"net/http"
	"os"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/mark3labs/mcp-go/server"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	serverName    = "sampling-profiler"
	serverVersion = "1.0.0"
)

func main() {
	cfg, err := loadConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		stdlog.Fatalf("Configuration error: %v", err)
	}

	// stdout carries the MCP stdio transport, so logs go to stderr.
	logger := newLogger(cfg)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if cfg.MetricsAddress != "" {
		go serveMetrics(cfg.MetricsAddress, reg, logger)
	}

	h := &handlers{
		cfg:      cfg,
		captures: newCaptureCache(cfg, logger, reg),
	}

	// Create MCP server
	s := server.NewMCPServer(
		serverName,
		serverVersion,
		server.WithToolCapabilities(false),
		server.WithLogging(),
	)
	registerTools(s, h)

	level.Info(logger).Log("msg", "starting MCP server on stdio", "summary", cfg.GenerateSummary, "majority_start_filter", cfg.Filter.Enabled)
	errorLogger := stdlog.New(log.NewStdlibAdapter(level.Error(logger)), "", 0)
	if err := server.ServeStdio(s, server.WithErrorLogger(errorLogger)); err != nil {
		level.Error(logger).Log("msg", "server error", "err", err)
		os.Exit(1)
	}
}

func serveMetrics(addr string, reg *prometheus.Registry, logger log.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	level.Info(logger).Log("msg", "serving metrics", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		level.Error(logger).Log("msg", "metrics listener stopped", "err", err)
	}
}
