package runtime

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pithecene-io/ferry/adapter"
	"github.com/pithecene-io/ferry/bus"
	"github.com/pithecene-io/ferry/bus/memory"
	"github.com/pithecene-io/ferry/chunk"
	"github.com/pithecene-io/ferry/metrics"
	"github.com/pithecene-io/ferry/policy"
	"github.com/pithecene-io/ferry/sender"
	"github.com/pithecene-io/ferry/store"
	"github.com/pithecene-io/ferry/store/fs"
	"github.com/pithecene-io/ferry/types"
)

const testSubject = "uploads"

type recordingNotifier struct {
	mu     sync.Mutex
	events []*adapter.UploadCompletedEvent
	err    error
	closed bool
}

func (n *recordingNotifier) Publish(_ context.Context, event *adapter.UploadCompletedEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	return n.err
}

func (n *recordingNotifier) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.closed = true
	return nil
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.events)
}

type failingStore struct {
	store.Store
}

func (failingStore) Put(_ context.Context, name string, _ []byte, _ store.Meta) (store.ObjectInfo, error) {
	return store.ObjectInfo{}, store.NewStorageError(store.ErrDiskFull, "put", name, errors.New("no space left on device"))
}

func (failingStore) Backend() string { return "failing" }

type testClock struct {
	nanos atomic.Int64
}

func newTestClock() *testClock {
	c := &testClock{}
	c.nanos.Store(time.Date(2026, 2, 7, 12, 0, 0, 0, time.UTC).UnixNano())
	return c
}

func (c *testClock) now() time.Time            { return time.Unix(0, c.nanos.Load()).UTC() }
func (c *testClock) advance(d time.Duration) { c.nanos.Add(int64(d)) }

func newTestReceiver(t *testing.T, opts Options) *Receiver {
	t.Helper()
	if opts.Subject == "" {
		opts.Subject = testSubject
	}
	r, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func fragmentMessages(t *testing.T, id string, payload []byte, chunkSize int, meta types.UploadMetadata) []*bus.Message {
	t.Helper()
	parts, err := chunk.Split(payload, chunkSize)
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	msgs := make([]*bus.Message, len(parts))
	for i, part := range parts {
		h := chunk.EncodeHeaders(id, i, len(parts), int64(len(payload)), meta)
		msgs[i] = bus.NewMessage(testSubject, h, part, nil)
	}
	return msgs
}

func pattern(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i) ^ seed
	}
	return b
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestReceiver_EndToEnd(t *testing.T) {
	b := memory.New(memory.Options{Hold: true, Shuffle: true, DuplicateRate: 0.2, Seed: 3})
	t.Cleanup(func() { _ = b.Close() })

	backend, err := fs.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	notifier := &recordingNotifier{}
	collector := metrics.NewCollector("memory", backend.Backend(), testSubject)

	var mu sync.Mutex
	completed := make(map[string]adapter.Completion)
	r := newTestReceiver(t, Options{
		Shards:    3,
		Consumers: 2,
		Sink:      store.NewSink(backend, "in"),
		Notifier:  notifier,
		Metrics:   collector,
		OnComplete: func(_ context.Context, c adapter.Completion) {
			mu.Lock()
			completed[c.Payload.UploadID] = c
			mu.Unlock()
		},
	})

	s, err := sender.New(b, sender.Options{Subject: testSubject, Digest: true})
	if err != nil {
		t.Fatal(err)
	}

	const uploads = 5
	sent := make(map[string][]byte, uploads)
	for i := range uploads {
		payload := pattern(700+i*113, byte(i))
		meta := types.NewUploadMetadata(fmt.Sprintf("file-%d.bin", i), "application/x-test")
		res, err := s.Send(t.Context(), payload, meta, chunk.ChunkConfig{ChunkSize: 100})
		if err != nil {
			t.Fatalf("Send %d: %v", i, err)
		}
		sent[res.UploadID] = payload
	}
	b.Flush()

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx, b) }()

	waitFor(t, "all uploads to complete", func() bool { return notifier.count() == uploads })
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(completed) != uploads {
		t.Fatalf("completed = %d, want %d", len(completed), uploads)
	}
	for id, payload := range sent {
		c, ok := completed[id]
		if !ok {
			t.Errorf("upload %s never completed", id)
			continue
		}
		data, info, err := backend.Get(t.Context(), "in/"+id+"/"+c.Payload.FilenameOr(""))
		if err != nil {
			t.Errorf("stored object for %s: %v", id, err)
			continue
		}
		if !bytes.Equal(data, payload) {
			t.Errorf("stored bytes for %s differ", id)
		}
		if info.ContentType != "application/x-test" {
			t.Errorf("ContentType = %q", info.ContentType)
		}
		if c.StorageBackend != "fs" || !strings.HasPrefix(c.StoragePath, "file://") {
			t.Errorf("completion = %+v", c)
		}
	}

	snap := collector.Snapshot()
	if snap.UploadsCompleted != uploads || snap.StoreWriteSuccess != uploads {
		t.Errorf("snapshot completed=%d stored=%d", snap.UploadsCompleted, snap.StoreWriteSuccess)
	}
	if snap.ChunksRejected != 0 {
		t.Errorf("ChunksRejected = %d", snap.ChunksRejected)
	}

	stats, err := r.Stats(t.Context())
	if err != nil {
		t.Fatal(err)
	}
	if stats.Completed != uploads || stats.PendingUploads != 0 || stats.InflightBytes != 0 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestHandle_DuplicateFinalFragmentDoesNotCompleteTwice(t *testing.T) {
	notifier := &recordingNotifier{}
	r := newTestReceiver(t, Options{Shards: 2, Notifier: notifier})

	id := "0f8fad5b-d9cb-469f-a165-70867728950e"
	msgs := fragmentMessages(t, id, pattern(250, 1), 100, types.UploadMetadata{})
	for _, m := range []*bus.Message{msgs[2], msgs[0], msgs[2], msgs[1], msgs[1], msgs[0]} {
		if err := r.Handle(t.Context(), m); err != nil {
			t.Fatalf("Handle: %v", err)
		}
	}
	if notifier.count() != 1 {
		t.Fatalf("events = %d, want 1", notifier.count())
	}
	if ev := notifier.events[0]; ev.ChunkCount != 3 || ev.SizeBytes != 250 || ev.StoragePath != "" {
		t.Errorf("event = %+v", ev)
	}

	if err := r.Handle(t.Context(), msgs[0]); err != nil {
		t.Fatalf("Handle late duplicate: %v", err)
	}
	if notifier.count() != 1 {
		t.Errorf("events = %d, want 1", notifier.count())
	}
	stats, err := r.Stats(t.Context())
	if err != nil {
		t.Fatal(err)
	}
	if stats.PendingUploads != 0 || stats.InflightBytes != 0 {
		t.Errorf("late duplicate reopened the upload: %+v", stats)
	}
}

func TestHandle_ProtocolErrors(t *testing.T) {
	collector := metrics.NewCollector("memory", "", testSubject)
	r := newTestReceiver(t, Options{Metrics: collector})

	malformed := bus.Headers{
		chunk.HeaderPayloadType: chunk.PayloadTypeChunk,
		chunk.HeaderUploadID:    "not-a-uuid",
	}
	err := r.Handle(t.Context(), bus.NewMessage(testSubject, malformed, []byte("x"), nil))
	var re *ReceiveError
	if !errors.As(err, &re) || re.Kind != ReceiveErrorProtocol || re.Reason != "malformed" {
		t.Fatalf("malformed: err = %v", err)
	}
	if !chunk.IsFetchError(err) {
		t.Error("protocol errors should unwrap to a fetch error")
	}

	id := "7c9e6679-7425-40de-944b-e07fc1f90ae7"
	zeroCount := chunk.EncodeHeaders(id, 0, 0, 10, types.UploadMetadata{})
	err = r.Handle(t.Context(), bus.NewMessage(testSubject, zeroCount, []byte("x"), nil))
	if !errors.As(err, &re) || re.Reason != "invalid" || re.UploadID != id {
		t.Fatalf("zero count: err = %v", err)
	}

	first := chunk.EncodeHeaders(id, 0, 2, 10, types.UploadMetadata{})
	if err := r.Handle(t.Context(), bus.NewMessage(testSubject, first, []byte("01234"), nil)); err != nil {
		t.Fatalf("first fragment: %v", err)
	}
	mismatched := chunk.EncodeHeaders(id, 1, 2, 11, types.UploadMetadata{})
	err = r.Handle(t.Context(), bus.NewMessage(testSubject, mismatched, []byte("56789"), nil))
	if !errors.As(err, &re) || re.Reason != "mismatch" {
		t.Fatalf("mismatch: err = %v", err)
	}

	snap := collector.Snapshot()
	if snap.ChunksRejected != 3 {
		t.Errorf("ChunksRejected = %d, want 3", snap.ChunksRejected)
	}
	for _, reason := range []string{"malformed", "invalid", "mismatch"} {
		if snap.RejectedByReason[reason] != 1 {
			t.Errorf("RejectedByReason[%s] = %d, want 1", reason, snap.RejectedByReason[reason])
		}
	}
	if snap.UploadsEvicted != 1 || snap.PendingUploads != 0 {
		t.Errorf("evicted=%d pending=%d", snap.UploadsEvicted, snap.PendingUploads)
	}
}

func TestHandle_IgnoresOtherTraffic(t *testing.T) {
	collector := metrics.NewCollector("memory", "", testSubject)
	r := newTestReceiver(t, Options{Metrics: collector})

	msg := bus.NewMessage(testSubject, bus.Headers{"Content-Type": "text/plain"}, []byte("hello"), nil)
	if err := r.Handle(t.Context(), msg); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if got := collector.Snapshot().MessagesIgnored; got != 1 {
		t.Errorf("MessagesIgnored = %d, want 1", got)
	}
}

func TestHandle_StorageFailure(t *testing.T) {
	collector := metrics.NewCollector("memory", "failing", testSubject)
	notifier := &recordingNotifier{}
	r := newTestReceiver(t, Options{
		Sink:     store.NewSink(failingStore{}, ""),
		Notifier: notifier,
		Metrics:  collector,
	})

	msgs := fragmentMessages(t, "16fd2706-8baf-433b-82eb-8c7fada847da", []byte("payload"), 100, types.UploadMetadata{})
	err := r.Handle(t.Context(), msgs[0])
	if !IsStorageError(err) {
		t.Fatalf("err = %v, want storage error", err)
	}
	if !errors.Is(err, store.ErrDiskFull) {
		t.Errorf("err should wrap ErrDiskFull: %v", err)
	}
	if notifier.count() != 0 {
		t.Error("notifier must not run when persistence fails")
	}
	if got := collector.Snapshot().StoreWriteFailure; got != 1 {
		t.Errorf("StoreWriteFailure = %d", got)
	}
}

func TestHandle_NotifyFailure(t *testing.T) {
	collector := metrics.NewCollector("memory", "", testSubject)
	r := newTestReceiver(t, Options{
		Notifier: &recordingNotifier{err: errors.New("webhook down")},
		Metrics:  collector,
	})

	msgs := fragmentMessages(t, "16fd2706-8baf-433b-82eb-8c7fada847da", []byte("payload"), 100, types.UploadMetadata{})
	if err := r.Handle(t.Context(), msgs[0]); !IsNotifyError(err) {
		t.Fatalf("err = %v, want notify error", err)
	}
	if got := collector.Snapshot().NotifyFailure; got != 1 {
		t.Errorf("NotifyFailure = %d", got)
	}
}

func TestReceiver_SweepExpiresIdleUploads(t *testing.T) {
	clock := newTestClock()
	collector := metrics.NewCollector("memory", "", testSubject)
	limits := policy.DefaultLimits()
	limits.TTL = time.Minute
	r := newTestReceiver(t, Options{
		Shards:        2,
		Limits:        limits,
		SweepInterval: 5 * time.Millisecond,
		Clock:         clock.now,
		Metrics:       collector,
	})

	msgs := fragmentMessages(t, "c56a4180-65aa-42ec-a945-5fd21dec0538", pattern(300, 9), 100, types.UploadMetadata{})
	if err := r.Handle(t.Context(), msgs[0]); err != nil {
		t.Fatal(err)
	}
	if got := collector.Snapshot().InflightBytes; got != 100 {
		t.Fatalf("InflightBytes = %d, want 100", got)
	}

	clock.advance(2 * time.Minute)
	waitFor(t, "expiry", func() bool { return collector.Snapshot().UploadsExpired == 1 })

	snap := collector.Snapshot()
	if snap.PendingUploads != 0 || snap.InflightBytes != 0 {
		t.Errorf("gauges pending=%d inflight=%d after expiry", snap.PendingUploads, snap.InflightBytes)
	}
}

func TestReceiver_Remove(t *testing.T) {
	r := newTestReceiver(t, Options{Shards: 4})
	id := "6fa459ea-ee8a-3ca4-894e-db77e160355e"
	msgs := fragmentMessages(t, id, pattern(300, 2), 100, types.UploadMetadata{})
	if err := r.Handle(t.Context(), msgs[1]); err != nil {
		t.Fatal(err)
	}

	removed, err := r.Remove(t.Context(), strings.ToUpper(id))
	if err != nil || !removed {
		t.Fatalf("Remove = %v, %v", removed, err)
	}
	removed, err = r.Remove(t.Context(), id)
	if err != nil || removed {
		t.Errorf("second Remove = %v, %v", removed, err)
	}
	if removed, _ := r.Remove(t.Context(), "garbage"); removed {
		t.Error("Remove of a non-uuid should report false")
	}

	stats, err := r.Stats(t.Context())
	if err != nil {
		t.Fatal(err)
	}
	if stats.PendingUploads != 0 || stats.Evicted != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestReceiver_ShardRouting(t *testing.T) {
	r := newTestReceiver(t, Options{Shards: 8})
	id := "6fa459ea-ee8a-3ca4-894e-db77e160355e"

	lower := r.shardFor(chunk.EncodeHeaders(id, 0, 1, 1, types.UploadMetadata{}))
	upper := r.shardFor(chunk.EncodeHeaders(strings.ToUpper(id), 0, 1, 1, types.UploadMetadata{}))
	if lower != upper {
		t.Error("case variants of one upload id must share a shard")
	}
	if r.shardFor(bus.Headers{"a": "b"}) != r.shards[0] {
		t.Error("non-chunked traffic should go to shard 0")
	}
	bad := bus.Headers{chunk.HeaderPayloadType: chunk.PayloadTypeChunk, chunk.HeaderUploadID: "nope"}
	if r.shardFor(bad) != r.shards[0] {
		t.Error("malformed ids should go to shard 0")
	}
	padded := chunk.EncodeHeaders(id, 0, 1, 1, types.UploadMetadata{})
	padded[chunk.HeaderUploadID] = " " + id + " "
	if r.shardFor(padded) != r.shards[0] {
		t.Error("ids the codec rejects should go to shard 0")
	}

	used := make(map[*shard]bool)
	for i := range 64 {
		h := chunk.EncodeHeaders(fmt.Sprintf("00000000-0000-4000-8000-%012d", i), 0, 1, 1, types.UploadMetadata{})
		used[r.shardFor(h)] = true
	}
	if len(used) < 2 {
		t.Errorf("64 uploads landed on %d shard(s)", len(used))
	}
}

func TestReceiver_Close(t *testing.T) {
	notifier := &recordingNotifier{}
	r, err := New(Options{Subject: testSubject, Notifier: notifier})
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if !notifier.closed {
		t.Error("Close should close the notifier")
	}

	msgs := fragmentMessages(t, "16fd2706-8baf-433b-82eb-8c7fada847da", []byte("x"), 100, types.UploadMetadata{})
	err = r.Handle(t.Context(), msgs[0])
	if !IsCanceledError(err) || !errors.Is(err, ErrClosed) {
		t.Errorf("Handle after Close = %v", err)
	}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(Options{Shards: -1}); !chunk.IsConfigError(err) {
		t.Errorf("negative shards: %v", err)
	}
	if _, err := New(Options{Limits: policy.Limits{TTL: -time.Second}}); !chunk.IsConfigError(err) {
		t.Errorf("negative ttl: %v", err)
	}

	r := newTestReceiver(t, Options{Subject: "x"})
	if len(r.shards) != DefaultShards {
		t.Errorf("shards = %d, want %d", len(r.shards), DefaultShards)
	}
	if r.opts.SweepInterval != 30*time.Second {
		t.Errorf("SweepInterval = %v, want 30s for the default TTL", r.opts.SweepInterval)
	}
}

func TestRun_RequiresSubject(t *testing.T) {
	r, err := New(Options{})
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = r.Close() }()

	b := memory.New(memory.Options{})
	defer func() { _ = b.Close() }()
	if err := r.Run(t.Context(), b); !chunk.IsConfigError(err) {
		t.Errorf("Run = %v, want config error", err)
	}
}
