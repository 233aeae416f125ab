package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	shmheap "github.com/RedhawkSDR/core-framework-sub010"
	"github.com/RedhawkSDR/core-framework-sub010/testutil"
)

// runConsumer fetches every block named on in, verifies its pattern,
// frees it and writes its length to out.
func runConsumer(ctx context.Context, cfg config, logger *shmheap.Logger, in io.Reader, out io.Writer) error {
	c, err := shmheap.NewClient(cfg.heap, shmheap.WithDir(cfg.dir), shmheap.WithLogger(logger))
	if err != nil {
		return err
	}
	defer c.Close()

	var blocks, total int64
	sc := bufio.NewScanner(in)
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		idText, tagText, ok := strings.Cut(sc.Text(), " ")
		if !ok {
			return fmt.Errorf("malformed line %q", sc.Text())
		}
		id, err := shmheap.ParseBlockID(idText)
		if err != nil {
			return err
		}
		tag, err := strconv.ParseUint(tagText, 10, 64)
		if err != nil {
			return fmt.Errorf("malformed tag %q: %w", tagText, err)
		}

		b, err := c.Fetch(id)
		if err != nil {
			return err
		}
		if len(b) != cfg.size || !testutil.Verify(b, tag) {
			return fmt.Errorf("block %s: corrupt payload", id)
		}
		n := len(b)
		if err := c.Deallocate(b); err != nil {
			return err
		}
		if _, err := fmt.Fprintln(out, n); err != nil {
			return err
		}
		blocks++
		total += int64(n)
	}
	logger.Debug("consumer done", "blocks", blocks, "bytes", total, "arenas", c.Attached())
	return sc.Err()
}
