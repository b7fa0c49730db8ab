package main

import (
	"bufio"
	"context"
	"log/slog"
	"os"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/go-faster/errors"
	"github.com/klauspost/pgzip"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/discount-engine/internal/domain/discount"
)

const bloomFPR = 0.001

// sink persists codes derived from a template.
type sink interface {
	CopyCodes(ctx context.Context, template discount.Definition, codes []string) (int64, error)
	CreateCodeIfAbsent(ctx context.Context, template discount.Definition, code string) (bool, error)
}

type stats struct {
	read, invalid, copied, inserted, duplicates int64
}

// ingester routes codes the bloom filter has never seen through COPY batches
// and the rest through a conflict-tolerant insert, once all batches landed.
type ingester struct {
	sink      sink
	template  discount.Definition
	known     *bloom.BloomFilter
	batchSize int

	batch []string
	maybe []string
	stats stats
}

func newIngester(s sink, template discount.Definition, batchSize int, capacity uint) *ingester {
	if batchSize <= 0 {
		batchSize = 5000
	}
	return &ingester{
		sink:      s,
		template:  template,
		known:     bloom.NewWithEstimates(max(capacity, 1024), bloomFPR),
		batchSize: batchSize,
	}
}

func (in *ingester) preload(codes []string) {
	for _, c := range codes {
		in.known.AddString(c)
	}
}

func (in *ingester) add(ctx context.Context, raw string) error {
	in.stats.read++
	code := discount.NormalizeCode(raw)
	if !validCode(code) {
		in.stats.invalid++
		return nil
	}
	// TestAndAddString reports membership before adding.
	if in.known.TestAndAddString(code) {
		in.maybe = append(in.maybe, code)
		return nil
	}
	in.batch = append(in.batch, code)
	if len(in.batch) >= in.batchSize {
		return in.flush(ctx)
	}
	return nil
}

func (in *ingester) flush(ctx context.Context) error {
	if len(in.batch) == 0 {
		return nil
	}
	n, err := in.sink.CopyCodes(ctx, in.template, in.batch)
	if err != nil {
		return errors.Wrapf(err, "copy batch of %d codes", len(in.batch))
	}
	in.stats.copied += n
	slog.Info("copied batch", slog.Int64("codes", n), slog.Int64("total", in.stats.copied))
	in.batch = in.batch[:0]
	return nil
}

// finish flushes the last batch, then resolves the possible duplicates
// exactly against the database.
func (in *ingester) finish(ctx context.Context) error {
	if err := in.flush(ctx); err != nil {
		return err
	}
	for _, code := range in.maybe {
		inserted, err := in.sink.CreateCodeIfAbsent(ctx, in.template, code)
		if err != nil {
			return errors.Wrapf(err, "insert code %s", code)
		}
		if inserted {
			in.stats.inserted++
		} else {
			in.stats.duplicates++
		}
	}
	in.maybe = nil
	return nil
}

// streamFiles decompresses files concurrently and sends every line to out.
// out is closed when all files are read or one fails.
func streamFiles(ctx context.Context, files []string, out chan<- string) error {
	defer close(out)

	g, ctx := errgroup.WithContext(ctx)
	for _, path := range files {
		g.Go(func() error {
			return streamGzFile(ctx, path, func(line string) bool {
				select {
				case out <- line:
					return true
				case <-ctx.Done():
					return false
				}
			})
		})
	}
	return g.Wait()
}

// streamGzFile calls fn for each line of a gzip file until fn returns false.
func streamGzFile(ctx context.Context, path string, fn func(line string) bool) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "open %s", path)
	}
	defer func() { _ = f.Close() }()

	gz, err := pgzip.NewReader(f)
	if err != nil {
		return errors.Wrapf(err, "gzip reader for %s", path)
	}
	defer func() { _ = gz.Close() }()

	scanner := bufio.NewScanner(gz)
	for scanner.Scan() {
		if !fn(scanner.Text()) {
			return ctx.Err()
		}
	}
	if err := scanner.Err(); err != nil {
		return errors.Wrapf(err, "scan %s", path)
	}
	return nil
}
