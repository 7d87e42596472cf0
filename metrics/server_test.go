package metrics

import (
	"io"
	"net/http"
	"strings"
	"testing"
	"time"
)

func TestServer_ServesCollector(t *testing.T) {
	c := NewCollector("redis", "fs", "uploads")
	c.IncUploadCompleted(7)

	s, err := NewServer("127.0.0.1:0", c, "")
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	s.Start()
	t.Cleanup(func() { _ = s.Shutdown(t.Context()) })

	resp, err := http.Get("http://" + s.Addr() + MetricsPath)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{
		`ferry_uploads_completed_total{bus="redis",storage_backend="fs",subject="uploads"} 1`,
		`ferry_completed_bytes_total{bus="redis",storage_backend="fs",subject="uploads"} 7`,
		"go_goroutines",
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("exposition missing %q", want)
		}
	}
}

func TestServer_ShutdownReportsCleanStop(t *testing.T) {
	s, err := NewServer("127.0.0.1:0", NewCollector("stdio", "", "x"), "ferry_test")
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	s.Start()
	if err := s.Shutdown(t.Context()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	select {
	case err := <-s.Err():
		if err != nil {
			t.Errorf("serve error = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestServer_BadAddress(t *testing.T) {
	if _, err := NewServer("not-an-address", NewCollector("redis", "", "x"), ""); err == nil {
		t.Fatal("expected listen error")
	}
}
