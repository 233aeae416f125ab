// Command shmbench measures shared-memory transfer throughput.
//
// The producer allocates blocks from a heap, fills them with a pattern and
// sends their Block IDs, one per line, to a consumer. The consumer runs as
// a child process (or a goroutine with -inproc), fetches every block by ID,
// verifies the pattern and deallocates it, acknowledging each block on a
// line of its own so the producer can bound the blocks in flight.
//
//	shmbench -size 1MiB -duration 10s -rate 0 -metrics :2112
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	shmheap "github.com/RedhawkSDR/core-framework-sub010"
	shmprom "github.com/RedhawkSDR/core-framework-sub010/metrics/prometheus"
)

type config struct {
	heap        string
	dir         string
	size        int
	arenaSize   int64
	window      int
	duration    time.Duration
	rate        int64
	metricsAddr string
	snapshot    string
	compression string
	inproc      bool
	consume     bool
	verbose     bool
}

func main() {
	var cfg config
	flag.StringVar(&cfg.heap, "heap", fmt.Sprintf("shmbench-%d", os.Getpid()), "heap name")
	flag.StringVar(&cfg.dir, "dir", "", "shared-memory directory (default /dev/shm)")
	flag.IntVar(&cfg.size, "size", 64<<10, "transfer size in bytes")
	flag.Int64Var(&cfg.arenaSize, "arena-size", shmheap.DefaultArenaSize, "arena size in bytes")
	flag.IntVar(&cfg.window, "window", 64, "blocks in flight")
	flag.DurationVar(&cfg.duration, "duration", 5*time.Second, "test duration")
	flag.Int64Var(&cfg.rate, "rate", 0, "producer rate limit in bytes per second (0 = unlimited)")
	flag.StringVar(&cfg.metricsAddr, "metrics", "", "serve Prometheus metrics on this address")
	flag.StringVar(&cfg.snapshot, "snapshot", "", "write a heap snapshot to this file when done")
	flag.StringVar(&cfg.compression, "compression", "zstd", "snapshot compression: none, lz4 or zstd")
	flag.BoolVar(&cfg.inproc, "inproc", false, "run the consumer in this process")
	flag.BoolVar(&cfg.consume, "consume", false, "run as consumer reading IDs from stdin")
	flag.BoolVar(&cfg.verbose, "v", false, "debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if cfg.verbose {
		level = slog.LevelDebug
	}
	logger := shmheap.NewTextLogger(level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	if cfg.consume {
		err = runConsumer(ctx, cfg, logger, os.Stdin, os.Stdout)
	} else {
		err = runProducer(ctx, cfg, logger)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("shmbench failed", "error", err)
		os.Exit(1)
	}
}

// serveMetrics registers the collector and serves it until ctx is done.
func serveMetrics(ctx context.Context, addr string, logger *shmheap.Logger, collectors ...prometheus.Collector) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors...)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
	go func() {
		logger.Info("serving metrics", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server stopped", "error", err)
		}
	}()
}

func newCollector() *shmprom.Collector {
	return shmprom.NewCollector("shmbench")
}
