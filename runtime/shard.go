package runtime

import (
	"context"
	"time"

	"github.com/pithecene-io/ferry/assembler"
	"github.com/pithecene-io/ferry/bus"
	"github.com/pithecene-io/ferry/chunk"
	"github.com/pithecene-io/ferry/log"
	"github.com/pithecene-io/ferry/metrics"
)

// task is a unit of work executed on a shard goroutine.
type task struct {
	fn   func(a *assembler.Assembler)
	done chan struct{}
}

// shard owns one assembler. Only the shard goroutine touches it.
type shard struct {
	id      int
	asm     *assembler.Assembler
	tasks   chan task
	logger  *log.Logger
	metrics *metrics.Collector

	// lastEvict is the non-expiry eviction reason recorded during the
	// current ingest, empty if none.
	lastEvict string
}

type ingestResult struct {
	outcome assembler.Outcome
	err     error
	reason  string
}

func newShard(id int, opts Options) (*shard, error) {
	s := &shard{
		id:      id,
		tasks:   make(chan task),
		logger:  opts.Logger.With(map[string]any{"shard": id}),
		metrics: opts.Metrics,
	}
	asmOpts := []assembler.Option{assembler.WithEvictHook(s.onEvict)}
	if opts.Clock != nil {
		asmOpts = append(asmOpts, assembler.WithClock(opts.Clock))
	}
	asm, err := assembler.New(opts.Limits, asmOpts...)
	if err != nil {
		return nil, err
	}
	s.asm = asm
	return s, nil
}

// run executes tasks and periodic sweeps until stop is closed.
func (s *shard) run(stop <-chan struct{}, sweepEvery time.Duration) {
	ticker := time.NewTicker(sweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case t := <-s.tasks:
			t.fn(s.asm)
			close(t.done)
		case <-ticker.C:
			if expired := s.asm.Sweep(); len(expired) > 0 {
				s.publishGauges()
			}
		}
	}
}

// do runs fn on the shard goroutine and waits for it. Once the shard has
// accepted the task, do waits for completion regardless of ctx.
func (s *shard) do(ctx context.Context, stop <-chan struct{}, fn func(a *assembler.Assembler)) error {
	t := task{fn: fn, done: make(chan struct{})}
	select {
	case s.tasks <- t:
	case <-ctx.Done():
		return ctx.Err()
	case <-stop:
		return ErrClosed
	}
	<-t.done
	return nil
}

// ingest feeds msg to the assembler and records metrics. Runs on the shard
// goroutine.
func (s *shard) ingest(msg *bus.Message) ingestResult {
	s.lastEvict = ""
	defer s.publishGauges()

	out, err := s.asm.IngestMessage(msg)
	if err != nil {
		reason := s.lastEvict
		if reason == "" {
			if _, derr := chunk.DecodeHeader(msg.Headers); derr != nil {
				reason = "malformed"
			} else {
				reason = "invalid"
			}
		}
		s.metrics.IncChunkRejected(reason)
		return ingestResult{err: err, reason: reason}
	}

	switch out.Kind {
	case assembler.OutcomeIgnored:
		s.metrics.IncMessageIgnored()
	case assembler.OutcomeProgress:
		if out.Duplicate {
			s.metrics.IncChunkDuplicate()
		} else {
			s.metrics.IncChunkAccepted()
		}
	case assembler.OutcomeCompleted:
		s.metrics.IncChunkAccepted()
		s.metrics.IncUploadCompleted(len(out.Payload.Data))
	}
	return ingestResult{outcome: out}
}

// onEvict is the assembler evict hook. Runs on the shard goroutine.
func (s *shard) onEvict(uploadID string, reason assembler.EvictReason) {
	fields := map[string]any{
		"upload_id": uploadID,
		"reason":    reason.String(),
	}
	switch reason {
	case assembler.EvictExpired:
		s.metrics.IncUploadExpired()
		s.logger.Info("upload expired", fields)
	case assembler.EvictRemoved:
		s.metrics.IncUploadEvicted()
		s.logger.Info("upload removed", fields)
	default:
		s.lastEvict = reason.String()
		s.metrics.IncUploadEvicted()
		s.logger.Warn("upload evicted", fields)
	}
}

func (s *shard) publishGauges() {
	s.metrics.SetShardGauges(s.id, s.asm.Len(), s.asm.InflightBytes())
}
