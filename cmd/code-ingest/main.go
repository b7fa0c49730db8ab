// Command code-ingest bulk-loads generated discount codes from gzip files.
// Every code becomes a copy of a template code discount.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"

	"github.com/go-faster/errors"

	"github.com/xenking/discount-engine/internal/domain/discount"
	"github.com/xenking/discount-engine/internal/storage/postgres"
)

func main() {
	var (
		databaseURL string
		storeID     int64
		templateID  int64
		batchSize   int
		expected    uint
	)

	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.Int64Var(&storeID, "store", 0, "store that owns the codes")
	flag.Int64Var(&templateID, "template", 0, "id of the code discount to copy")
	flag.IntVar(&batchSize, "batch", 5000, "codes per COPY batch")
	flag.UintVar(&expected, "expected", 1_000_000, "expected number of codes, sizes the bloom filter")
	flag.Parse()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	files := flag.Args()
	switch {
	case databaseURL == "":
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	case storeID <= 0 || templateID <= 0:
		slog.Error("--store and --template are required")
		os.Exit(1)
	case len(files) == 0:
		slog.Error("usage: code-ingest [flags] codes1.gz [codes2.gz ...]")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, databaseURL, storeID, templateID, batchSize, expected, files); err != nil {
		slog.Error("code ingest failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	slog.Info("code ingest completed successfully")
}

func run(ctx context.Context, databaseURL string, storeID, templateID int64, batchSize int, expected uint, files []string) error {
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			return errors.Wrapf(err, "check file %s", f)
		}
	}

	pool, err := postgres.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	repo := postgres.NewDiscountRepository(pool)
	template, err := repo.Get(ctx, storeID, templateID)
	if err != nil {
		return errors.Wrapf(err, "load template %d", templateID)
	}
	if template.Kind != discount.KindCode {
		return errors.Errorf("template %d is %s, want a code discount", templateID, template.Kind)
	}

	existing, err := repo.ListCodes(ctx, storeID)
	if err != nil {
		return errors.Wrap(err, "list existing codes")
	}
	slog.Info("loaded existing codes", slog.Int("count", len(existing)))

	in := newIngester(repo, *template, batchSize, expected+uint(len(existing)))
	in.preload(existing)

	codes := make(chan string, 4*batchSize)
	streamErr := make(chan error, 1)
	go func() {
		streamErr <- streamFiles(ctx, files, codes)
	}()

	for code := range codes {
		if err := in.add(ctx, code); err != nil {
			return err
		}
	}
	if err := <-streamErr; err != nil {
		return errors.Wrap(err, "read code files")
	}
	if err := in.finish(ctx); err != nil {
		return err
	}

	s := in.stats
	slog.Info("ingest summary",
		slog.Int64("read", s.read),
		slog.Int64("invalid", s.invalid),
		slog.Int64("copied", s.copied),
		slog.Int64("inserted", s.inserted),
		slog.Int64("duplicates", s.duplicates),
	)
	return nil
}

// validCode accepts 4 to 32 of A-Z, 0-9, '-' and '_' after normalization.
func validCode(code string) bool {
	if len(code) < 4 || len(code) > 32 {
		return false
	}
	return strings.IndexFunc(code, func(r rune) bool {
		return !(r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '-' || r == '_')
	}) < 0
}
