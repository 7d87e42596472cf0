// Package assembler reassembles chunked uploads delivered by an unordered,
// at-least-once bus.
//
// An Assembler holds every incomplete upload under the budgets of a
// policy.Limits. Fragments may arrive in any order and any number of times.
// Every rejection evicts the partial state of the affected upload, so repeated
// bad input never accumulates memory.
//
// An Assembler is NOT safe for concurrent use. Callers that consume from
// several goroutines must serialize access or shard uploads across several
// instances (see runtime.Receiver).
package assembler

import (
	"bytes"
	"math"
	"time"

	"github.com/pithecene-io/ferry/bus"
	"github.com/pithecene-io/ferry/chunk"
	"github.com/pithecene-io/ferry/policy"
	"github.com/pithecene-io/ferry/types"
)

// completedPerSlot scales the recently completed set with MaxInflightUploads.
const completedPerSlot = 4

// Stats is a point-in-time view of assembler state and lifetime counters.
type Stats struct {
	PendingUploads  int
	InflightBytes   int64
	ChunksAccepted  int64
	ChunksDuplicate int64
	ChunksRejected  int64
	Ignored         int64
	Completed       int64
	Evicted         int64
	Expired         int64
}

// Option configures an Assembler.
type Option func(*Assembler)

// WithClock overrides the time source used for TTL bookkeeping.
func WithClock(now func() time.Time) Option {
	return func(a *Assembler) { a.now = now }
}

// WithEvictHook registers a callback invoked whenever an upload is removed
// without completing. The hook runs synchronously inside Ingest, Sweep or
// Remove and must not call back into the Assembler.
func WithEvictHook(hook func(uploadID string, reason EvictReason)) Option {
	return func(a *Assembler) { a.onEvict = hook }
}

// Assembler tracks in-flight uploads and emits each completed payload once.
type Assembler struct {
	limits  policy.Limits
	uploads map[string]*pendingUpload
	// inflightBytes is the sum of receivedBytes over uploads, maintained
	// incrementally on every store and removal.
	inflightBytes int64

	// completed remembers ids finished within the last TTL so late
	// redeliveries are absorbed as duplicates instead of reopening the
	// upload. completedOrder holds the same ids oldest first.
	completed      map[string]time.Time
	completedOrder []string

	now     func() time.Time
	onEvict func(uploadID string, reason EvictReason)
	stats   Stats
}

// New creates an Assembler enforcing limits.
func New(limits policy.Limits, opts ...Option) (*Assembler, error) {
	if err := limits.Validate(); err != nil {
		return nil, err
	}
	a := &Assembler{
		limits:  limits,
		uploads:   make(map[string]*pendingUpload),
		completed: make(map[string]time.Time),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Limits returns the budgets this assembler enforces.
func (a *Assembler) Limits() policy.Limits {
	return a.limits
}

// IngestMessage is Ingest for a bus message.
func (a *Assembler) IngestMessage(msg *bus.Message) (Outcome, error) {
	return a.Ingest(msg.Headers, msg.Payload)
}

// Ingest processes one delivered message.
//
// Non-chunked traffic yields OutcomeIgnored. An accepted or duplicate
// fragment yields OutcomeProgress until the final distinct fragment, which
// yields OutcomeCompleted with the assembled payload. Any error is a
// chunk.ErrorFetch and, when the upload was already pending, that upload has
// been evicted. This includes malformed headers whose upload id still parses.
// Fragments of an upload completed within the last TTL are reported as
// duplicates. Ingest copies payload; callers may reuse the buffer.
func (a *Assembler) Ingest(headers bus.Headers, payload []byte) (Outcome, error) {
	header, err := chunk.DecodeHeader(headers)
	if err != nil {
		id, ok := chunk.UploadID(headers)
		_, exists := a.uploads[id]
		return a.reject(id, ok && exists, EvictMalformed, err)
	}
	if header == nil {
		a.stats.Ignored++
		return Outcome{Kind: OutcomeIgnored}, nil
	}

	now := a.now()
	a.sweep(now)

	id := header.UploadID
	entry, exists := a.uploads[id]

	if _, done := a.completed[id]; done && !exists {
		a.stats.ChunksDuplicate++
		return Outcome{Kind: OutcomeProgress, UploadID: id, Duplicate: true}, nil
	}

	// Validate before touching the map so a bad first fragment never
	// allocates state.
	if err := a.admit(header, len(payload), exists); err != nil {
		return a.reject(id, exists, EvictInvalid, err)
	}

	if !exists {
		entry = newPendingUpload(header, now)
		a.uploads[id] = entry
	}

	if !entry.matches(header) {
		return a.reject(id, true, EvictMismatch, chunk.FetchError(
			"upload %s: chunk metadata mismatch (chunk_count=%d total_size=%d, first fragment declared chunk_count=%d total_size=%d)",
			id, header.ChunkCount, header.TotalSize, entry.chunkCount, entry.totalSize))
	}

	if entry.seen.has(header.ChunkIndex) {
		entry.lastSeen = now
		a.stats.ChunksDuplicate++
		return Outcome{Kind: OutcomeProgress, UploadID: id, Duplicate: true}, nil
	}

	size := int64(len(payload))
	if entry.receivedBytes+size > entry.totalSize {
		return a.reject(id, true, EvictBudget, chunk.FetchError(
			"upload %s: received bytes %d exceed declared total size %d",
			id, entry.receivedBytes+size, entry.totalSize))
	}
	if a.inflightBytes+size > a.limits.MaxInflightBytes {
		return a.reject(id, true, EvictBudget, chunk.FetchError(
			"upload %s: in-flight bytes %d would exceed max %d",
			id, a.inflightBytes+size, a.limits.MaxInflightBytes))
	}

	entry.chunks[header.ChunkIndex] = bytes.Clone(payload)
	entry.seen.set(header.ChunkIndex)
	entry.received++
	entry.receivedBytes += size
	entry.lastSeen = now
	a.inflightBytes += size
	a.stats.ChunksAccepted++

	if !entry.complete() {
		return Outcome{Kind: OutcomeProgress, UploadID: id}, nil
	}
	return a.finish(id, entry)
}

// admit runs the pre-admission bounds checks.
func (a *Assembler) admit(h *types.ChunkHeader, size int, exists bool) error {
	l := a.limits
	switch {
	case h.ChunkCount <= 0 || h.ChunkCount > l.MaxChunkCount:
		return chunk.FetchError("upload %s: chunk count %d outside (0, %d]",
			h.UploadID, h.ChunkCount, l.MaxChunkCount)
	case h.TotalSize <= 0 || h.TotalSize > l.MaxUploadSize:
		return chunk.FetchError("upload %s: total size %d outside (0, %d]",
			h.UploadID, h.TotalSize, l.MaxUploadSize)
	case h.ChunkIndex >= h.ChunkCount:
		return chunk.FetchError("upload %s: chunk index %d out of range for %d chunks",
			h.UploadID, h.ChunkIndex, h.ChunkCount)
	case size == 0:
		return chunk.FetchError("upload %s: chunk %d has an empty payload",
			h.UploadID, h.ChunkIndex)
	case size > l.MaxChunkSize:
		return chunk.FetchError("upload %s: chunk size %d exceeds max %d",
			h.UploadID, size, l.MaxChunkSize)
	case int64(size) > h.TotalSize:
		return chunk.FetchError("upload %s: chunk size %d exceeds declared total size %d",
			h.UploadID, size, h.TotalSize)
	case !exists && len(a.uploads) >= l.MaxInflightUploads:
		return chunk.FetchError("upload %s: too many in-flight uploads (max %d)",
			h.UploadID, l.MaxInflightUploads)
	}
	return nil
}

// finish joins a complete upload, verifies it and removes it.
func (a *Assembler) finish(id string, entry *pendingUpload) (Outcome, error) {
	data, err := chunk.Join(entry.chunks, entry.chunkCount, entry.totalSize)
	if err != nil {
		return a.reject(id, true, EvictCorrupt, err)
	}
	if int64(len(data)) != entry.totalSize {
		return a.reject(id, true, EvictCorrupt, chunk.FetchError(
			"upload %s: assembled size %d does not match declared total size %d",
			id, len(data), entry.totalSize))
	}
	if entry.digest != "" {
		if got := chunk.Digest(data); got != entry.digest {
			return a.reject(id, true, EvictCorrupt, chunk.FetchError(
				"upload %s: digest mismatch (got %s, declared %s)", id, got, entry.digest))
		}
	}

	a.drop(id, entry)
	a.remember(id, a.now())
	a.stats.Completed++

	return Outcome{
		Kind:       OutcomeCompleted,
		UploadID:   id,
		ChunkCount: entry.chunkCount,
		Payload: &types.ChunkedPayload{
			UploadID:    id,
			Data:        data,
			Filename:    entry.filename,
			ContentType: entry.contentType,
			Digest:      entry.digest,
		},
	}, nil
}

// reject evicts the upload (when pending) and returns err.
func (a *Assembler) reject(id string, exists bool, reason EvictReason, err error) (Outcome, error) {
	a.stats.ChunksRejected++
	if exists {
		a.evict(id, reason)
	}
	return Outcome{}, err
}

// Remove cancels a pending upload and releases its bytes.
// Returns false if the upload was not pending.
func (a *Assembler) Remove(uploadID string) bool {
	if _, ok := a.uploads[uploadID]; !ok {
		return false
	}
	a.evict(uploadID, EvictRemoved)
	return true
}

// Sweep evicts every upload idle for longer than the TTL and returns their
// ids. Ingest sweeps on every chunked message; Sweep lets an idle receiver
// reclaim memory without traffic.
func (a *Assembler) Sweep() []string {
	return a.sweep(a.now())
}

// remember records a completed id, dropping the oldest once the set is full.
func (a *Assembler) remember(id string, now time.Time) {
	if _, ok := a.completed[id]; !ok {
		a.completedOrder = append(a.completedOrder, id)
	}
	a.completed[id] = now
	limit := a.limits.MaxInflightUploads
	if limit <= math.MaxInt/completedPerSlot {
		limit *= completedPerSlot
	}
	for len(a.completedOrder) > limit {
		a.forgetOldest()
	}
}

func (a *Assembler) forgetOldest() {
	delete(a.completed, a.completedOrder[0])
	a.completedOrder = a.completedOrder[1:]
}

func (a *Assembler) sweep(now time.Time) []string {
	for len(a.completedOrder) > 0 && now.Sub(a.completed[a.completedOrder[0]]) > a.limits.TTL {
		a.forgetOldest()
	}

	var expired []string
	for id, entry := range a.uploads {
		if now.Sub(entry.lastSeen) > a.limits.TTL {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		a.evict(id, EvictExpired)
	}
	return expired
}

func (a *Assembler) evict(id string, reason EvictReason) {
	entry, ok := a.uploads[id]
	if !ok {
		return
	}
	a.drop(id, entry)
	if reason == EvictExpired {
		a.stats.Expired++
	} else {
		a.stats.Evicted++
	}
	if a.onEvict != nil {
		a.onEvict(id, reason)
	}
}

// drop removes the entry and returns its bytes to the global budget.
func (a *Assembler) drop(id string, entry *pendingUpload) {
	delete(a.uploads, id)
	a.inflightBytes -= entry.receivedBytes
}

// Len returns the number of pending uploads.
func (a *Assembler) Len() int {
	return len(a.uploads)
}

// InflightBytes returns the bytes buffered across pending uploads.
func (a *Assembler) InflightBytes() int64 {
	return a.inflightBytes
}

// Pending reports whether uploadID is pending and how many distinct chunks
// of how many have arrived.
func (a *Assembler) Pending(uploadID string) (received, total int, ok bool) {
	entry, ok := a.uploads[uploadID]
	if !ok {
		return 0, 0, false
	}
	return entry.received, entry.chunkCount, true
}

// Stats returns a snapshot of assembler counters.
func (a *Assembler) Stats() Stats {
	s := a.stats
	s.PendingUploads = len(a.uploads)
	s.InflightBytes = a.inflightBytes
	return s
}
