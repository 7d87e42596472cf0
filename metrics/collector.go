// Package metrics provides transfer metrics collection.
//
// The Collector accumulates counters for one sender or receiver process. It is
// a leaf package with no internal dependencies. Assembler gauges (pending
// uploads, in-flight bytes) are set from assembler.Stats by the receiver
// rather than tracked here, so they never drift from the assembler's own
// accounting.
package metrics

import "sync"

// Snapshot is an immutable point-in-time view of all metrics.
// Returned by Collector.Snapshot(). Safe to read concurrently after creation.
type Snapshot struct {
	// Sender
	UploadsSent     int64 `json:"uploads_sent"`
	UploadsFailed   int64 `json:"uploads_failed"`
	ChunksPublished int64 `json:"chunks_published"`
	BytesPublished  int64 `json:"bytes_published"`

	// Receiver
	ChunksAccepted   int64            `json:"chunks_accepted"`
	ChunksDuplicate  int64            `json:"chunks_duplicate"`
	ChunksRejected   int64            `json:"chunks_rejected"`
	MessagesIgnored  int64            `json:"messages_ignored"`
	UploadsCompleted int64            `json:"uploads_completed"`
	UploadsEvicted   int64            `json:"uploads_evicted"`
	UploadsExpired   int64            `json:"uploads_expired"`
	BytesCompleted   int64            `json:"bytes_completed"`
	RejectedByReason map[string]int64 `json:"rejected_by_reason"`

	// Assembler gauges (summed over shards)
	PendingUploads int64 `json:"pending_uploads"`
	InflightBytes  int64 `json:"inflight_bytes"`

	// Storage and notification
	StoreWriteSuccess int64 `json:"store_write_success"`
	StoreWriteFailure int64 `json:"store_write_failure"`
	NotifyFailure     int64 `json:"notify_failure"`

	// Dimensions (informational, set at construction)
	Bus            string `json:"bus"`
	StorageBackend string `json:"storage_backend"`
	Subject        string `json:"subject"`
}

// Collector accumulates transfer metrics.
// Thread-safe via sync.Mutex. All methods are nil-receiver safe.
type Collector struct {
	mu sync.Mutex

	uploadsSent     int64
	uploadsFailed   int64
	chunksPublished int64
	bytesPublished  int64

	chunksAccepted   int64
	chunksDuplicate  int64
	chunksRejected   int64
	messagesIgnored  int64
	uploadsCompleted int64
	uploadsEvicted   int64
	uploadsExpired   int64
	bytesCompleted   int64
	rejectedByReason map[string]int64

	shards map[int]shardGauge

	storeWriteSuccess int64
	storeWriteFailure int64
	notifyFailure     int64

	bus            string
	storageBackend string
	subject        string
}

type shardGauge struct {
	pending  int64
	inflight int64
}

// NewCollector creates a Collector with dimension labels.
// storageBackend may be empty for a sender.
func NewCollector(bus, storageBackend, subject string) *Collector {
	return &Collector{
		rejectedByReason: make(map[string]int64),
		shards:           make(map[int]shardGauge),
		bus:              bus,
		storageBackend:   storageBackend,
		subject:          subject,
	}
}

// --- Sender ---

// IncChunkPublished records one fragment accepted by the bus.
func (c *Collector) IncChunkPublished(size int) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.chunksPublished++
	c.bytesPublished += int64(size)
	c.mu.Unlock()
}

// IncUploadSent records an upload whose every fragment was published.
func (c *Collector) IncUploadSent() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.uploadsSent++
	c.mu.Unlock()
}

// IncUploadFailed records an upload aborted by a publish failure.
func (c *Collector) IncUploadFailed() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.uploadsFailed++
	c.mu.Unlock()
}

// --- Receiver ---

// IncChunkAccepted records a fragment stored by an assembler.
func (c *Collector) IncChunkAccepted() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.chunksAccepted++
	c.mu.Unlock()
}

// IncChunkDuplicate records a redelivered fragment.
func (c *Collector) IncChunkDuplicate() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.chunksDuplicate++
	c.mu.Unlock()
}

// IncChunkRejected records a fragment that failed validation.
// reason is a short label such as "invalid" or "mismatch".
func (c *Collector) IncChunkRejected(reason string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.chunksRejected++
	c.rejectedByReason[reason]++
	c.mu.Unlock()
}

// IncMessageIgnored records non-chunked traffic on the subject.
func (c *Collector) IncMessageIgnored() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.messagesIgnored++
	c.mu.Unlock()
}

// IncUploadCompleted records a reassembled upload of size bytes.
func (c *Collector) IncUploadCompleted(size int) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.uploadsCompleted++
	c.bytesCompleted += int64(size)
	c.mu.Unlock()
}

// IncUploadEvicted records an upload discarded after a rejection or removal.
func (c *Collector) IncUploadEvicted() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.uploadsEvicted++
	c.mu.Unlock()
}

// IncUploadExpired records an upload reclaimed by TTL.
func (c *Collector) IncUploadExpired() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.uploadsExpired++
	c.mu.Unlock()
}

// SetShardGauges records the pending uploads and in-flight bytes of one
// assembler shard. Snapshot reports the sum over shards.
func (c *Collector) SetShardGauges(shard int, pending int, inflightBytes int64) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.shards[shard] = shardGauge{pending: int64(pending), inflight: inflightBytes}
	c.mu.Unlock()
}

// --- Storage and notification ---

// IncStoreWriteSuccess records a payload persisted to the store.
func (c *Collector) IncStoreWriteSuccess() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.storeWriteSuccess++
	c.mu.Unlock()
}

// IncStoreWriteFailure records a failed store write.
func (c *Collector) IncStoreWriteFailure() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.storeWriteFailure++
	c.mu.Unlock()
}

// IncNotifyFailure records a failed completion notification.
func (c *Collector) IncNotifyFailure() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.notifyFailure++
	c.mu.Unlock()
}

// --- Snapshot ---

// Snapshot returns an immutable point-in-time view of all metrics.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	rejected := make(map[string]int64, len(c.rejectedByReason))
	for k, v := range c.rejectedByReason {
		rejected[k] = v
	}
	var pending, inflight int64
	for _, g := range c.shards {
		pending += g.pending
		inflight += g.inflight
	}

	return Snapshot{
		UploadsSent:     c.uploadsSent,
		UploadsFailed:   c.uploadsFailed,
		ChunksPublished: c.chunksPublished,
		BytesPublished:  c.bytesPublished,

		ChunksAccepted:   c.chunksAccepted,
		ChunksDuplicate:  c.chunksDuplicate,
		ChunksRejected:   c.chunksRejected,
		MessagesIgnored:  c.messagesIgnored,
		UploadsCompleted: c.uploadsCompleted,
		UploadsEvicted:   c.uploadsEvicted,
		UploadsExpired:   c.uploadsExpired,
		BytesCompleted:   c.bytesCompleted,
		RejectedByReason: rejected,

		PendingUploads: pending,
		InflightBytes:  inflight,

		StoreWriteSuccess: c.storeWriteSuccess,
		StoreWriteFailure: c.storeWriteFailure,
		NotifyFailure:     c.notifyFailure,

		Bus:            c.bus,
		StorageBackend: c.storageBackend,
		Subject:        c.subject,
	}
}
