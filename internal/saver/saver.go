// Package saver runs the background persistence worker. It is the only
// component that writes to the output trees: harvested documents under
// the save root, failed ones under the error root, one JSON file each.
package saver

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/lexbr/norm-harvester/internal/metrics"
	"github.com/lexbr/norm-harvester/internal/norm"
)

const (
	defaultMaxPathLen = 245
	defaultIdleSleep  = 100 * time.Millisecond
)

// Option configures a Saver.
type Option func(*Saver)

// WithMaxPathLen overrides the full-path byte budget used before stem
// truncation kicks in.
func WithMaxPathLen(n int) Option {
	return func(s *Saver) { s.maxPath = n }
}

// WithIdleSleep overrides the worker's sleep between polls of two empty
// queues.
func WithIdleSleep(d time.Duration) Option {
	return func(s *Saver) { s.idle = d }
}

// Saver drains two unbounded queues to the output trees from a single
// background goroutine. Stop flips a flag the loop observes; Join waits
// for the final drain, which flushes everything still queued.
type Saver struct {
	baseDir  string
	errorDir string
	maxPath  int
	idle     time.Duration
	log      *zap.Logger

	success  *queue[norm.Document]
	failures *queue[norm.ErrorRecord]

	running atomic.Bool
	started atomic.Bool
	done    chan struct{}

	checkpoint    int
	hasCheckpoint bool
}

// New creates both output roots and derives the resume checkpoint from
// the year directories already present under baseDir: max(year) - 1, the
// margin covering a previous run interrupted mid-year.
func New(baseDir, errorDir string, log *zap.Logger, opts ...Option) (*Saver, error) {
	if baseDir == "" || errorDir == "" {
		return nil, fmt.Errorf("saver: base and error dirs must be set")
	}
	if log == nil {
		log = zap.NewNop()
	}
	if err := os.MkdirAll(baseDir, 0o750); err != nil {
		return nil, fmt.Errorf("create save dir %s: %w", baseDir, err)
	}
	if err := os.MkdirAll(errorDir, 0o750); err != nil {
		return nil, fmt.Errorf("create error dir %s: %w", errorDir, err)
	}

	s := &Saver{
		baseDir:  baseDir,
		errorDir: errorDir,
		maxPath:  defaultMaxPathLen,
		idle:     defaultIdleSleep,
		log:      log,
		success:  &queue[norm.Document]{},
		failures: &queue[norm.ErrorRecord]{},
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.checkpoint, s.hasCheckpoint = scanCheckpoint(baseDir)
	if s.hasCheckpoint {
		log.Info("resume checkpoint derived from output tree",
			zap.String("dir", baseDir), zap.Int("checkpoint", s.checkpoint))
	}
	return s, nil
}

// Checkpoint returns the resume year derived at construction and whether
// one exists.
func (s *Saver) Checkpoint() (int, bool) {
	return s.checkpoint, s.hasCheckpoint
}

// Enqueue queues a harvested document for persistence. Never blocks.
func (s *Saver) Enqueue(doc norm.Document) {
	s.success.push(doc)
}

// EnqueueError queues a failed document for the error tree. Never blocks.
func (s *Saver) EnqueueError(rec norm.ErrorRecord) {
	s.failures.push(rec)
}

// Pending reports items awaiting the writer, successes then errors.
func (s *Saver) Pending() (int, int) {
	return s.success.len(), s.failures.len()
}

// Start launches the background worker. Calling it again is a no-op.
func (s *Saver) Start() {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	s.running.Store(true)
	go s.run()
}

// Stop signals the worker to exit its loop and drain.
func (s *Saver) Stop() {
	s.running.Store(false)
}

// Join blocks until the worker has drained and exited. Safe to call when
// Start never ran.
func (s *Saver) Join() {
	if !s.started.Load() {
		return
	}
	<-s.done
}

func (s *Saver) run() {
	defer close(s.done)
	for s.running.Load() {
		wrote := false
		if doc, ok := s.success.pop(); ok {
			s.writeDocument(doc)
			wrote = true
		}
		if rec, ok := s.failures.pop(); ok {
			s.writeError(rec)
			wrote = true
		}
		if !wrote {
			time.Sleep(s.idle)
		}
	}
	s.drain()
}

// drain flushes everything still queued after Stop. Successes carry the
// no-loss guarantee; errors are flushed too so an interrupted run leaves
// a complete triage trail.
func (s *Saver) drain() {
	n := 0
	for {
		doc, ok := s.success.pop()
		if !ok {
			break
		}
		s.writeDocument(doc)
		n++
	}
	for {
		rec, ok := s.failures.pop()
		if !ok {
			break
		}
		s.writeError(rec)
		n++
	}
	if n > 0 {
		s.log.Info("drained remaining records", zap.Int("count", n))
	}
}

func (s *Saver) writeDocument(doc norm.Document) {
	target := recordPath(s.baseDir, doc.Year, doc.Type, doc.Situation, doc.Title, doc.DocumentURL, s.maxPath)
	if err := writeJSON(target, doc); err != nil {
		metrics.ObserveWriteFailure()
		s.log.Warn("document write failed, rerouting to error tree",
			zap.String("path", target), zap.Error(err))
		s.writeError(doc.AsError(doc.DocumentURL))
		return
	}
	metrics.ObserveFileWritten("norms")
	s.log.Debug("document written", zap.String("path", target))
}

func (s *Saver) writeError(rec norm.ErrorRecord) {
	stemURL := rec.DocumentURL
	if stemURL == "" {
		stemURL = rec.HTMLLink
	}
	target := recordPath(s.errorDir, rec.Year, rec.Type, rec.Situation, rec.Title, stemURL, s.maxPath)
	if err := writeJSON(target, rec); err != nil {
		s.log.Error("error record write failed", zap.String("path", target), zap.Error(err))
		return
	}
	metrics.ObserveFileWritten("errors")
}

func writeJSON(target string, v any) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
		return fmt.Errorf("create dir for %s: %w", target, err)
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	if err := os.WriteFile(target, buf.Bytes(), 0o600); err != nil {
		return fmt.Errorf("write record %s: %w", target, err)
	}
	return nil
}

// scanCheckpoint parses baseDir's immediate subdirectories as years and
// returns max(year) - 1, or false when none parse.
func scanCheckpoint(baseDir string) (int, bool) {
	entries, err := os.ReadDir(baseDir)
	if err != nil {
		return 0, false
	}
	maxYear := 0
	found := false
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		year, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		if !found || year > maxYear {
			maxYear = year
			found = true
		}
	}
	if !found {
		return 0, false
	}
	return maxYear - 1, true
}
