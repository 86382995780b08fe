// Command manifold-bench drives the dispatch core against simulated
// connection managers and reports achieved request throughput. It is a
// tuning and regression tool, not a benchmark of any real storage service.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"pkt.systems/manifold"
	"pkt.systems/pslog"
)

type benchConfig struct {
	endpoint        string
	addresses       int
	metaRequests    int
	requestsPerMeta int
	payloadBytes    int64
	requestLatency  time.Duration
	dialLatency     time.Duration
	failureRate     float64
	targetGbps      float64
	perVIPGbps      float64
	slotsPerVIP     int
	maxPerConn      int
	maxInFlight     int
	metricsListen   string
	logLevel        string
	timeout         time.Duration
}

func parseFlags() benchConfig {
	var cfg benchConfig
	flag.StringVar(&cfg.endpoint, "endpoint", "bench.manifold.internal", "simulated endpoint host")
	flag.IntVar(&cfg.addresses, "addresses", 4, "simulated resolved addresses")
	flag.IntVar(&cfg.metaRequests, "meta-requests", 8, "concurrent logical transfers")
	flag.IntVar(&cfg.requestsPerMeta, "requests", 256, "requests per transfer")
	flag.Int64Var(&cfg.payloadBytes, "payload", 8<<20, "simulated payload bytes per request")
	flag.DurationVar(&cfg.requestLatency, "latency", 2*time.Millisecond, "simulated per-request latency")
	flag.DurationVar(&cfg.dialLatency, "dial-latency", 5*time.Millisecond, "simulated connection setup latency")
	flag.Float64Var(&cfg.failureRate, "failure-rate", 0, "fraction of requests that fail [0,1)")
	flag.Float64Var(&cfg.targetGbps, "target-gbps", 20, "throughput target in Gbps")
	flag.Float64Var(&cfg.perVIPGbps, "per-vip-gbps", manifold.DefaultThroughputPerVIPGbps, "assumed per-path throughput in Gbps")
	flag.IntVar(&cfg.slotsPerVIP, "slots-per-vip", manifold.DefaultSlotsPerVIP, "connection slots per path")
	flag.IntVar(&cfg.maxPerConn, "max-requests-per-conn", manifold.DefaultMaxRequestsPerConnection, "per-connection request ceiling")
	flag.IntVar(&cfg.maxInFlight, "max-in-flight", 0, "cap on admitted requests (0 = unbounded)")
	flag.StringVar(&cfg.metricsListen, "metrics-listen", "", "Prometheus scrape listener (empty disables)")
	flag.StringVar(&cfg.logLevel, "log-level", "info", "log level (trace|debug|info|warn|error)")
	flag.DurationVar(&cfg.timeout, "timeout", 2*time.Minute, "overall run deadline")
	flag.Parse()
	return cfg
}

func main() {
	cfg := parseFlags()

	logger := pslog.NewStructured(os.Stderr)
	if level, ok := pslog.ParseLevel(cfg.logLevel); ok {
		logger = logger.LogLevel(level)
	}

	opts := []manifold.Option{
		manifold.WithLogger(logger),
		manifold.WithConnectionManagerFactory(newSimFactory(cfg)),
		manifold.WithHostResolver(newSimResolver(cfg.addresses)),
	}

	if cfg.metricsListen != "" {
		registry := prometheus.NewRegistry()
		exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
		if err != nil {
			fmt.Fprintf(os.Stderr, "manifold-bench: metrics exporter: %v\n", err)
			os.Exit(1)
		}
		provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
		defer func() { _ = provider.Shutdown(context.Background()) }()
		opts = append(opts, manifold.WithMeterProvider(provider))

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		go func() {
			if err := http.ListenAndServe(cfg.metricsListen, mux); err != nil {
				logger.Warn("bench.metrics.listener_failed", "error", err)
			}
		}()
		logger.Info("bench.metrics.listening", "listen", cfg.metricsListen)
	}

	shutdownDone := make(chan struct{})
	opts = append(opts, manifold.WithShutdownCallback(func() { close(shutdownDone) }))

	client, err := manifold.New(manifold.Config{
		Region:                   "bench-1",
		Endpoint:                 cfg.endpoint,
		ThroughputTargetGbps:     cfg.targetGbps,
		ThroughputPerVIPGbps:     cfg.perVIPGbps,
		SlotsPerVIP:              cfg.slotsPerVIP,
		MaxRequestsPerConnection: cfg.maxPerConn,
		MaxRequestsInFlight:      cfg.maxInFlight,
	}, opts...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "manifold-bench: %v\n", err)
		os.Exit(1)
	}

	run := newBenchRun(client, cfg)
	start := time.Now()
	run.start()

	select {
	case <-run.done:
	case <-time.After(cfg.timeout):
		fmt.Fprintln(os.Stderr, "manifold-bench: run deadline exceeded")
		os.Exit(1)
	}
	elapsed := time.Since(start)

	stats := client.Stats()
	client.Release()
	select {
	case <-shutdownDone:
	case <-time.After(30 * time.Second):
		fmt.Fprintln(os.Stderr, "manifold-bench: shutdown did not confirm")
		os.Exit(1)
	}

	total := run.completed.Load()
	failed := run.failed.Load()
	bytes := uint64(total) * uint64(cfg.payloadBytes)
	perSec := float64(bytes) / elapsed.Seconds()
	gbps := perSec * 8 / 1e9

	fmt.Printf("requests:    %s (%s failed)\n", humanize.Comma(total), humanize.Comma(failed))
	fmt.Printf("payload:     %s\n", humanize.IBytes(bytes))
	fmt.Printf("elapsed:     %s\n", elapsed.Round(time.Millisecond))
	fmt.Printf("throughput:  %s/s (%.2f Gbps simulated)\n", humanize.IBytes(uint64(perSec)), gbps)
	fmt.Printf("vips:        %d active / %d allocated\n", stats.ActiveVIPs, stats.AllocatedVIPs)
}
