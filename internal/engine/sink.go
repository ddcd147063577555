package engine

import (
	"sync/atomic"

	"github.com/lexbr/norm-harvester/internal/metrics"
	"github.com/lexbr/norm-harvester/internal/norm"
	"github.com/lexbr/norm-harvester/internal/saver"
)

// sink collects what adapter workers publish. Records go to the saver
// queues immediately; the in-memory result list is owned by a single
// aggregator goroutine so concurrent publishers never touch the slice.
type sink struct {
	sv     *saver.Saver
	source string

	docs atomic.Int64
	errs atomic.Int64

	ch      chan norm.Document
	done    chan struct{}
	results []norm.Document
}

func newSink(sv *saver.Saver, sourceName string) *sink {
	s := &sink{
		sv:     sv,
		source: sourceName,
		ch:     make(chan norm.Document, 64),
		done:   make(chan struct{}),
	}
	go s.aggregate()
	return s
}

func (s *sink) aggregate() {
	defer close(s.done)
	for doc := range s.ch {
		s.results = append(s.results, doc)
	}
}

// Publish hands a finished document to the saver and the aggregator.
func (s *sink) Publish(doc norm.Document) {
	s.sv.Enqueue(doc)
	s.docs.Add(1)
	metrics.ObserveDocument(s.source)
	s.ch <- doc
}

// PublishError routes a failed document to the error tree.
func (s *sink) PublishError(rec norm.ErrorRecord) {
	s.sv.EnqueueError(rec)
	s.errs.Add(1)
	metrics.ObserveDocumentError(s.source)
}

// Count reports how many documents have been published so far.
func (s *sink) Count() int64 {
	return s.docs.Load()
}

// ErrorCount reports how many error records have been published.
func (s *sink) ErrorCount() int64 {
	return s.errs.Load()
}

// Results closes the intake and returns everything published. Call it
// once, after every publisher has stopped.
func (s *sink) Results() []norm.Document {
	close(s.ch)
	<-s.done
	return s.results
}
