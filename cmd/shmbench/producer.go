package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	shmheap "github.com/RedhawkSDR/core-framework-sub010"
	"github.com/RedhawkSDR/core-framework-sub010/internal/resource"
	shmprom "github.com/RedhawkSDR/core-framework-sub010/metrics/prometheus"
	"github.com/RedhawkSDR/core-framework-sub010/testutil"
)

// consumer is the far end of a transfer: IDs go in, acknowledgements come out.
type consumer struct {
	ids  io.WriteCloser
	acks io.Reader
	wait func() error
}

func startConsumer(ctx context.Context, cfg config, logger *shmheap.Logger) (*consumer, error) {
	if cfg.inproc {
		idsR, idsW := io.Pipe()
		acksR, acksW := io.Pipe()
		done := make(chan error, 1)
		go func() {
			err := runConsumer(ctx, cfg, &shmheap.Logger{Logger: logger.With("role", "consumer")}, idsR, acksW)
			_ = idsR.CloseWithError(err)
			_ = acksW.CloseWithError(err)
			done <- err
		}()
		return &consumer{ids: idsW, acks: acksR, wait: func() error { return <-done }}, nil
	}

	exe, err := os.Executable()
	if err != nil {
		return nil, err
	}
	args := []string{"-consume", "-heap", cfg.heap, "-size", strconv.Itoa(cfg.size)}
	if cfg.dir != "" {
		args = append(args, "-dir", cfg.dir)
	}
	if cfg.verbose {
		args = append(args, "-v")
	}
	cmd := exec.Command(exe, args...) //nolint:gosec // re-executes this binary
	cmd.Stderr = os.Stderr
	ids, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	acks, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	logger.Debug("consumer started", "pid", cmd.Process.Pid)
	return &consumer{ids: ids, acks: acks, wait: cmd.Wait}, nil
}

type result struct {
	blocks    int64
	throttled int64 // blocks that had to wait for the rate limiter
	produced int64
	consumed int64
	elapsed  time.Duration
}

func runProducer(ctx context.Context, cfg config, logger *shmheap.Logger) (err error) {
	if cfg.size <= 0 || cfg.window <= 0 {
		return fmt.Errorf("size and window must be positive")
	}
	compression, err := shmheap.ParseCompression(cfg.compression)
	if err != nil {
		return err
	}

	collector := newCollector()
	h, err := shmheap.New(cfg.heap,
		shmheap.WithDir(cfg.dir),
		shmheap.WithArenaSize(cfg.arenaSize),
		shmheap.WithLogger(logger),
		shmheap.WithMetricsCollector(collector),
	)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, h.Unlink(), h.Close())
	}()

	if cfg.metricsAddr != "" {
		serveMetrics(ctx, cfg.metricsAddr, logger, collector, shmprom.NewHeapCollector("shmbench", h))
	}

	c, err := startConsumer(ctx, cfg, logger)
	if err != nil {
		return err
	}

	res, err := transfer(ctx, cfg, h, c)
	if err != nil {
		return err
	}

	mbps := float64(res.consumed) / res.elapsed.Seconds() / (1 << 20)
	logger.Info("throughput",
		"size", cfg.size,
		"blocks", res.blocks,
		"throttled", res.throttled,
		"produced_bytes", res.produced,
		"consumed_bytes", res.consumed,
		"elapsed", res.elapsed,
		"mb_per_sec", strconv.FormatFloat(mbps, 'f', 1, 64),
		"arenas", h.Arenas(),
	)
	if live := h.Stats().LiveBlocks; live != 0 {
		logger.Warn("blocks still live after transfer", "live", live)
	}

	if cfg.snapshot != "" {
		if err := writeSnapshot(h, cfg.snapshot, compression); err != nil {
			return err
		}
	}
	return nil
}

// transfer runs the producer until cfg.duration elapses, then drains the
// consumer.
func transfer(ctx context.Context, cfg config, h *shmheap.Heap, c *consumer) (result, error) {
	var res result

	pctx, cancel := context.WithTimeout(ctx, cfg.duration)
	defer cancel()
	g, gctx := errgroup.WithContext(pctx)

	rc := resource.NewController(resource.Config{
		RateLimitBytesPerSec: cfg.rate,
		RateBurstBytes:       int64(cfg.size),
	})
	window := semaphore.NewWeighted(int64(cfg.window))
	start := time.Now()

	g.Go(func() error {
		defer c.ids.Close()
		w := bufio.NewWriter(c.ids)
		for seq := uint64(0); ; seq++ {
			if err := window.Acquire(gctx, 1); err != nil {
				return nil
			}
			if !rc.TryAcquireRate(cfg.size) {
				res.throttled++
				if err := rc.AcquireRate(gctx, cfg.size); err != nil {
					window.Release(1)
					return nil
				}
			}
			b, err := h.Allocate(cfg.size)
			if err != nil {
				return err
			}
			testutil.Fill(b, seq)
			id, err := h.GetID(b)
			if err != nil {
				return err
			}
			if _, err := fmt.Fprintf(w, "%s %d\n", id, seq); err != nil {
				return err
			}
			if err := w.Flush(); err != nil {
				return err
			}
			res.blocks++
			res.produced += int64(len(b))
		}
	})

	g.Go(func() error {
		sc := bufio.NewScanner(c.acks)
		for sc.Scan() {
			n, err := strconv.ParseInt(sc.Text(), 10, 64)
			if err != nil {
				return fmt.Errorf("bad acknowledgement %q: %w", sc.Text(), err)
			}
			res.consumed += n
			window.Release(1)
		}
		// Reads are done, so the consumer can be reaped.
		return errors.Join(sc.Err(), c.wait())
	})

	err := g.Wait()
	res.elapsed = time.Since(start)
	return res, err
}

func writeSnapshot(h *shmheap.Heap, path string, c shmheap.Compression) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := h.Snapshot(f, c); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
