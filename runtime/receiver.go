// Package runtime runs the receiving side of a chunked transfer.
//
// A Receiver consumes a bus subject, reassembles uploads, persists each
// completed payload through a store.Sink and announces it through an
// adapter. Uploads are sharded by xxhash(upload_id) across several
// assemblers. Each assembler is owned by a single goroutine, so no assembler
// is ever touched concurrently. Traffic without a usable upload id goes to
// shard 0.
package runtime

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/pithecene-io/ferry/adapter"
	"github.com/pithecene-io/ferry/assembler"
	"github.com/pithecene-io/ferry/bus"
	"github.com/pithecene-io/ferry/chunk"
	"github.com/pithecene-io/ferry/log"
	"github.com/pithecene-io/ferry/metrics"
	"github.com/pithecene-io/ferry/policy"
	"github.com/pithecene-io/ferry/store"
)

// Defaults.
const (
	DefaultShards        = 4
	DefaultConsumers     = 1
	DefaultStoreTimeout  = 30 * time.Second
	DefaultNotifyTimeout = 30 * time.Second
	maxSweepInterval     = 30 * time.Second
	minSweepInterval     = 10 * time.Millisecond
)

// Options configures a Receiver.
type Options struct {
	// Subject is the bus subject to consume. Required for Run.
	Subject string
	// Shards is the number of assemblers (default 4). Limits apply per shard.
	Shards int
	// Consumers is the number of concurrent Subscribe loops Run starts
	// (default 1).
	Consumers int
	// Limits bounds each assembler. Zero fields take defaults.
	Limits policy.Limits
	// SweepInterval is how often idle shards evict expired uploads.
	// Zero derives it from the TTL.
	SweepInterval time.Duration
	// Sink persists completed uploads. Nil skips persistence.
	Sink *store.Sink
	// Notifier announces persisted uploads. Nil skips notification.
	Notifier adapter.Adapter
	// OnComplete is called after a completed upload is persisted and before
	// it is announced. It runs on the handling goroutine.
	OnComplete func(ctx context.Context, c adapter.Completion)
	// StoreTimeout bounds one persist (default 30s).
	StoreTimeout time.Duration
	// NotifyTimeout bounds one notification (default 30s).
	NotifyTimeout time.Duration
	// Logger receives receiver logs. Nil discards.
	Logger *log.Logger
	// Metrics receives receiver counters. Nil disables.
	Metrics *metrics.Collector
	// Clock overrides time.Now for TTL bookkeeping and event timestamps.
	Clock func() time.Time
}

// Receiver reassembles uploads from a bus subject.
type Receiver struct {
	opts   Options
	shards []*shard

	stop      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New creates a Receiver and starts its shard goroutines. Close stops them.
func New(opts Options) (*Receiver, error) {
	if opts.Shards < 0 || opts.Consumers < 0 {
		return nil, chunk.ConfigError("shards and consumers must be >= 0")
	}
	if opts.Shards == 0 {
		opts.Shards = DefaultShards
	}
	if opts.Consumers == 0 {
		opts.Consumers = DefaultConsumers
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = DefaultStoreTimeout
	}
	if opts.NotifyTimeout <= 0 {
		opts.NotifyTimeout = DefaultNotifyTimeout
	}
	if opts.Logger == nil {
		opts.Logger = log.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	opts.Limits = opts.Limits.WithDefaults()
	if err := opts.Limits.Validate(); err != nil {
		return nil, err
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = sweepInterval(opts.Limits.TTL)
	}

	r := &Receiver{
		opts: opts,
		stop: make(chan struct{}),
	}
	for i := range opts.Shards {
		s, err := newShard(i, opts)
		if err != nil {
			return nil, err
		}
		r.shards = append(r.shards, s)
	}
	for _, s := range r.shards {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			s.run(r.stop, opts.SweepInterval)
		}()
	}
	return r, nil
}

func sweepInterval(ttl time.Duration) time.Duration {
	return min(max(ttl/4, minSweepInterval), maxSweepInterval)
}

// Run consumes the subject until ctx is done or a subscriber fails.
// Messages are acknowledged once handled, including rejected fragments and
// uploads whose persistence failed: redelivering them cannot succeed because
// the assembler has already discarded the upload. A message interrupted by
// cancellation is left unacknowledged for redelivery.
func (r *Receiver) Run(ctx context.Context, sub bus.Subscriber) error {
	if r.opts.Subject == "" {
		return chunk.ConfigError("receiver requires a subject")
	}
	r.opts.Logger.Info("receiver started", map[string]any{
		"subject":   r.opts.Subject,
		"shards":    len(r.shards),
		"consumers": r.opts.Consumers,
	})

	g, gctx := errgroup.WithContext(ctx)
	for range r.opts.Consumers {
		g.Go(func() error {
			return sub.Subscribe(gctx, r.opts.Subject, r.handleDelivery)
		})
	}
	err := g.Wait()

	r.opts.Logger.Info("receiver stopped", nil)
	if err != nil && !(errors.Is(err, context.Canceled) && ctx.Err() != nil) {
		return err
	}
	return nil
}

// handleDelivery is the bus handler used by Run.
func (r *Receiver) handleDelivery(ctx context.Context, msg *bus.Message) error {
	err := r.Handle(ctx, msg)
	switch {
	case err == nil:
		return nil
	case IsCanceledError(err):
		return err
	case IsProtocolError(err):
		r.opts.Logger.Debug("fragment rejected", map[string]any{"error": err.Error()})
		return nil
	default:
		// Storage and notify failures were logged where they happened.
		return nil
	}
}

// Handle processes one delivered message. It is safe for concurrent use.
func (r *Receiver) Handle(ctx context.Context, msg *bus.Message) error {
	s := r.shardFor(msg.Headers)

	var res ingestResult
	if err := s.do(ctx, r.stop, func(*assembler.Assembler) { res = s.ingest(msg) }); err != nil {
		return &ReceiveError{Kind: ReceiveErrorCanceled, Err: err}
	}
	if res.err != nil {
		uploadID, _ := msg.Headers.Get(chunk.HeaderUploadID)
		return &ReceiveError{Kind: ReceiveErrorProtocol, UploadID: uploadID, Reason: res.reason, Err: res.err}
	}
	if !res.outcome.Completed() {
		return nil
	}
	return r.complete(ctx, res.outcome)
}

// complete persists and announces a completed upload. Persistence and
// notification outlive ctx cancellation so a shutdown does not lose an
// upload the assembler has already released.
func (r *Receiver) complete(ctx context.Context, out assembler.Outcome) error {
	p := out.Payload
	c := adapter.Completion{
		Payload:     p,
		ChunkCount:  out.ChunkCount,
		ContentType: p.ContentTypeOr(store.DefaultContentType),
		At:          r.opts.Clock(),
	}
	fields := map[string]any{
		"upload_id":   p.UploadID,
		"size_bytes":  len(p.Data),
		"chunk_count": out.ChunkCount,
	}

	if r.opts.Sink != nil {
		storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.opts.StoreTimeout)
		info, err := r.opts.Sink.Persist(storeCtx, p, out.ChunkCount)
		cancel()
		if err != nil {
			r.opts.Metrics.IncStoreWriteFailure()
			fields["error"] = err.Error()
			r.opts.Logger.Error("failed to persist upload", fields)
			return &ReceiveError{Kind: ReceiveErrorStorage, UploadID: p.UploadID, Err: err}
		}
		r.opts.Metrics.IncStoreWriteSuccess()
		c.StoragePath = info.Location
		c.StorageBackend = r.opts.Sink.Store().Backend()
		fields["storage_path"] = info.Location
	}

	if r.opts.OnComplete != nil {
		r.opts.OnComplete(ctx, c)
	}

	if r.opts.Notifier != nil {
		notifyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.opts.NotifyTimeout)
		err := r.opts.Notifier.Publish(notifyCtx, adapter.NewUploadCompletedEvent(c))
		cancel()
		if err != nil {
			r.opts.Metrics.IncNotifyFailure()
			fields["error"] = err.Error()
			r.opts.Logger.Error("failed to publish completion event", fields)
			return &ReceiveError{Kind: ReceiveErrorNotify, UploadID: p.UploadID, Err: err}
		}
	}

	r.opts.Logger.Info("upload completed", fields)
	return nil
}

// shardFor routes by canonical upload id so every fragment of an upload
// reaches the same assembler.
func (r *Receiver) shardFor(h bus.Headers) *shard {
	if len(r.shards) == 1 {
		return r.shards[0]
	}
	id, ok := chunk.UploadID(h)
	if !ok {
		return r.shards[0]
	}
	return r.shards[xxhash.Sum64String(id)%uint64(len(r.shards))]
}

// Remove cancels a pending upload. Returns false if it was not pending.
func (r *Receiver) Remove(ctx context.Context, uploadID string) (bool, error) {
	id, err := uuid.Parse(uploadID)
	if err != nil {
		return false, nil
	}
	canonical := id.String()
	s := r.shards[xxhash.Sum64String(canonical)%uint64(len(r.shards))]

	var removed bool
	if err := s.do(ctx, r.stop, func(a *assembler.Assembler) {
		removed = a.Remove(canonical)
		s.publishGauges()
	}); err != nil {
		return false, err
	}
	return removed, nil
}

// Stats sums assembler stats over all shards.
func (r *Receiver) Stats(ctx context.Context) (assembler.Stats, error) {
	var total assembler.Stats
	for _, s := range r.shards {
		var st assembler.Stats
		if err := s.do(ctx, r.stop, func(a *assembler.Assembler) { st = a.Stats() }); err != nil {
			return assembler.Stats{}, err
		}
		total.PendingUploads += st.PendingUploads
		total.InflightBytes += st.InflightBytes
		total.ChunksAccepted += st.ChunksAccepted
		total.ChunksDuplicate += st.ChunksDuplicate
		total.ChunksRejected += st.ChunksRejected
		total.Ignored += st.Ignored
		total.Completed += st.Completed
		total.Evicted += st.Evicted
		total.Expired += st.Expired
	}
	return total, nil
}

// Close stops the shard goroutines and closes the notifier. Pending uploads
// are discarded.
func (r *Receiver) Close() error {
	var err error
	r.closeOnce.Do(func() {
		close(r.stop)
		r.wg.Wait()
		if r.opts.Notifier != nil {
			err = r.opts.Notifier.Close()
		}
	})
	return err
}
