// Package engine drives the crawl: it picks the resume year from the
// writer's checkpoint, walks the year range handing each year to the
// source adapter, and drains the persistence writer on the way out.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lexbr/norm-harvester/internal/metrics"
	"github.com/lexbr/norm-harvester/internal/norm"
	"github.com/lexbr/norm-harvester/internal/saver"
	"github.com/lexbr/norm-harvester/internal/source"
)

// DefaultYearStart is the earliest year any harvested norm can carry.
// Runs configured with a different start year are treated as forced
// resumes and skip checkpoint detection.
const DefaultYearStart = 1808

const defaultMaxWorkers = 4

var (
	// ErrNoSaver means the engine was built without a persistence writer.
	ErrNoSaver = errors.New("engine requires a saver")
	// ErrNoAdapter means the engine was built without a source adapter.
	ErrNoAdapter = errors.New("engine requires a source adapter")
)

// Config bounds one crawl run.
type Config struct {
	YearStart  int
	YearEnd    int
	MaxWorkers int
	// Verbose widens per-year progress logging.
	Verbose bool
}

// Engine orchestrates a crawl over one source.
type Engine struct {
	cfg     Config
	adapter source.Adapter
	saver   *saver.Saver
	log     *zap.Logger
}

// New validates the wiring and applies year-range defaults.
func New(cfg Config, adapter source.Adapter, sv *saver.Saver, log *zap.Logger) (*Engine, error) {
	if sv == nil {
		return nil, ErrNoSaver
	}
	if adapter == nil {
		return nil, ErrNoAdapter
	}
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.YearStart <= 0 {
		cfg.YearStart = DefaultYearStart
	}
	if cfg.YearEnd <= 0 {
		cfg.YearEnd = time.Now().Year()
	}
	if cfg.YearStart > cfg.YearEnd {
		return nil, fmt.Errorf("year start %d is after year end %d", cfg.YearStart, cfg.YearEnd)
	}
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = defaultMaxWorkers
	}
	return &Engine{cfg: cfg, adapter: adapter, saver: sv, log: log}, nil
}

// Run walks the year range in ascending order, handing each year to
// the adapter. Whatever happens, the saver is stopped and joined
// before Run returns, so every published document reaches disk. On
// cancellation the context error is returned after the drain.
func (e *Engine) Run(ctx context.Context) ([]norm.Document, error) {
	log := e.log.With(
		zap.String("run_id", uuid.NewString()),
		zap.String("source", e.adapter.Name()),
	)
	progress := log.Debug
	if e.cfg.Verbose {
		progress = log.Info
	}

	sink := newSink(e.saver, e.adapter.Name())
	e.saver.Start()
	log.Info("crawl started",
		zap.Int("year_start", e.cfg.YearStart),
		zap.Int("year_end", e.cfg.YearEnd),
		zap.Int("max_workers", e.cfg.MaxWorkers),
	)

	resume := e.resumeYear(log)

	var runErr error
	for year := e.cfg.YearStart; year <= e.cfg.YearEnd; year++ {
		if year < resume {
			continue
		}
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}

		started := time.Now()
		if err := e.adapter.ScrapeYear(ctx, year, sink); err != nil {
			runErr = fmt.Errorf("scrape year %d: %w", year, err)
			break
		}
		metrics.ObserveYear(e.adapter.Name())
		progress("year complete",
			zap.Int("year", year),
			zap.Int64("documents_total", sink.Count()),
			zap.Duration("took", time.Since(started)),
		)
	}

	pendingDocs, pendingErrs := e.saver.Pending()
	log.Info("draining persistence queues",
		zap.Int("pending_documents", pendingDocs),
		zap.Int("pending_errors", pendingErrs),
	)
	e.saver.Stop()
	e.saver.Join()

	docs := sink.Results()
	log.Info("run finished",
		zap.Int("documents", len(docs)),
		zap.Int64("errors", sink.ErrorCount()),
		zap.Error(runErr),
	)
	return docs, runErr
}

// resumeYear decides where the year loop actually starts. A start year
// other than DefaultYearStart was chosen by the operator on purpose
// and wins over the checkpoint.
func (e *Engine) resumeYear(log *zap.Logger) int {
	forced := e.cfg.YearStart != DefaultYearStart
	checkpoint, ok := e.saver.Checkpoint()
	if forced || !ok {
		log.Info("starting from configured year",
			zap.Int("year", e.cfg.YearStart),
			zap.Bool("forced", forced),
		)
		return e.cfg.YearStart
	}

	resume := checkpoint
	if e.cfg.YearStart > resume {
		resume = e.cfg.YearStart
	}
	log.Info("resuming from checkpoint",
		zap.Int("checkpoint", checkpoint),
		zap.Int("resume_year", resume),
	)
	return resume
}
