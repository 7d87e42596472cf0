package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestPrometheusExporter_ReadsSnapshotAtScrape(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector("redis", "fs", "uploads")
	e, err := NewPrometheusExporter(c, "", reg)
	if err != nil {
		t.Fatalf("NewPrometheusExporter: %v", err)
	}

	c.IncUploadCompleted(42)
	c.IncChunkRejected("mismatch")
	c.IncChunkRejected("mismatch")
	c.IncChunkRejected("expired")
	c.SetShardGauges(0, 3, 1024)

	expected := `
# HELP ferry_uploads_completed_total Uploads reassembled.
# TYPE ferry_uploads_completed_total counter
ferry_uploads_completed_total{bus="redis",storage_backend="fs",subject="uploads"} 1
# HELP ferry_chunks_rejected_total Chunks that failed validation, by eviction reason.
# TYPE ferry_chunks_rejected_total counter
ferry_chunks_rejected_total{bus="redis",reason="expired",storage_backend="fs",subject="uploads"} 1
ferry_chunks_rejected_total{bus="redis",reason="mismatch",storage_backend="fs",subject="uploads"} 2
# HELP ferry_inflight_bytes Bytes buffered by assemblers.
# TYPE ferry_inflight_bytes gauge
ferry_inflight_bytes{bus="redis",storage_backend="fs",subject="uploads"} 1024
`
	err = testutil.CollectAndCompare(e, strings.NewReader(expected),
		"ferry_uploads_completed_total", "ferry_chunks_rejected_total", "ferry_inflight_bytes")
	if err != nil {
		t.Error(err)
	}
}

func TestPrometheusExporter_DoubleRegistrationFails(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector("redis", "fs", "uploads")
	if _, err := NewPrometheusExporter(c, "", reg); err != nil {
		t.Fatalf("first registration: %v", err)
	}
	if _, err := NewPrometheusExporter(c, "", reg); err == nil {
		t.Fatal("second registration should fail")
	}
}

func TestHandler_ServesMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector("frame", "s3", "files")
	if _, err := NewPrometheusExporter(c, "xfer", reg); err != nil {
		t.Fatalf("NewPrometheusExporter: %v", err)
	}
	c.IncChunkPublished(10)

	srv := httptest.NewServer(Handler(reg))
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if !strings.Contains(string(body), `xfer_published_bytes_total{bus="frame",storage_backend="s3",subject="files"} 10`) {
		t.Errorf("metrics body missing published bytes:\n%s", body)
	}
}
