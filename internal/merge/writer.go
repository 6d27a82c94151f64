package merge

import (
	"context"
	"errors"
	"sync"

	"github.com/JakeFAU/permit-crawler/internal/crawler"
)

// ErrWriterClosed is returned by Writer.Merge after Close.
var ErrWriterClosed = errors.New("merge writer closed")

type request struct {
	ctx   context.Context
	batch []crawler.Record
	reply chan response
}

type response struct {
	result crawler.MergeResult
	err    error
}

// Writer serializes every merge of a process through one goroutine.
// It implements crawler.Merger and is safe for concurrent use.
type Writer struct {
	merger    crawler.Merger
	requests  chan request
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewWriter starts the writer goroutine in front of merger.
func NewWriter(merger crawler.Merger) *Writer {
	w := &Writer{
		merger:   merger,
		requests: make(chan request),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go w.run()
	return w
}

// Merge submits batch and blocks until it has been applied.
func (w *Writer) Merge(ctx context.Context, batch []crawler.Record) (crawler.MergeResult, error) {
	req := request{ctx: ctx, batch: batch, reply: make(chan response, 1)}
	select {
	case w.requests <- req:
	case <-w.quit:
		return crawler.MergeResult{}, ErrWriterClosed
	case <-ctx.Done():
		return crawler.MergeResult{}, ctx.Err()
	}
	resp := <-req.reply
	return resp.result, resp.err
}

// Close stops accepting merges and waits for the in-flight one.
func (w *Writer) Close() {
	w.closeOnce.Do(func() { close(w.quit) })
	<-w.done
}

func (w *Writer) run() {
	defer close(w.done)
	for {
		select {
		case req := <-w.requests:
			w.handle(req)
		case <-w.quit:
			return
		}
	}
}

func (w *Writer) handle(req request) {
	result, err := w.merger.Merge(req.ctx, req.batch)
	req.reply <- response{result: result, err: err}
}
