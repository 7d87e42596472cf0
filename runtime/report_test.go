package runtime

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pithecene-io/ferry/assembler"
	"github.com/pithecene-io/ferry/metrics"
	"github.com/pithecene-io/ferry/types"
)

func newTestSnapshot() metrics.Snapshot {
	return metrics.Snapshot{
		ChunksAccepted:   9,
		ChunksDuplicate:  2,
		UploadsCompleted: 3,
		BytesCompleted:   5_000_000,
		RejectedByReason: map[string]int64{},
		Bus:              "redis",
		StorageBackend:   "fs",
		Subject:          "uploads",
	}
}

func TestBuildSendReport(t *testing.T) {
	result := &types.UploadResult{UploadID: "u-1", ChunkCount: 3, TotalSize: 5_000_000}
	report := BuildSendReport(result, nil, newTestSnapshot(), 1500*time.Millisecond)

	if report.Mode != ReportModeSend {
		t.Errorf("Mode = %q", report.Mode)
	}
	if report.Subject != "uploads" || report.Bus != "redis" {
		t.Errorf("dimensions = %q/%q", report.Subject, report.Bus)
	}
	if report.DurationMs != 1500 {
		t.Errorf("DurationMs = %d", report.DurationMs)
	}
	if report.Upload == nil || report.Upload.ChunkCount != 3 {
		t.Errorf("Upload = %+v", report.Upload)
	}
	if report.Error != "" || report.Assembler != nil {
		t.Errorf("unexpected fields: %+v", report)
	}

	failed := BuildSendReport(nil, errors.New("chunk publish failed"), newTestSnapshot(), 0)
	if failed.Error != "chunk publish failed" || failed.Upload != nil {
		t.Errorf("failed report = %+v", failed)
	}
}

func TestBuildReceiveReport(t *testing.T) {
	stats := assembler.Stats{PendingUploads: 1, InflightBytes: 10, Completed: 3, Expired: 1}
	report := BuildReceiveReport(stats, newTestSnapshot(), time.Minute)

	if report.Mode != ReportModeReceive {
		t.Errorf("Mode = %q", report.Mode)
	}
	if report.Assembler == nil || report.Assembler.Completed != 3 || report.Assembler.PendingUploads != 1 {
		t.Errorf("Assembler = %+v", report.Assembler)
	}
	if report.Metrics.UploadsCompleted != 3 {
		t.Errorf("Metrics = %+v", report.Metrics)
	}
}

func TestWriteReport_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "report.json")
	report := BuildReceiveReport(assembler.Stats{Completed: 2}, newTestSnapshot(), time.Second)

	if err := WriteReport(report, path); err != nil {
		t.Fatalf("WriteReport: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if data[len(data)-1] != '\n' {
		t.Error("report should end with a newline")
	}

	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded["mode"] != ReportModeReceive {
		t.Errorf("mode = %v", decoded["mode"])
	}
	if _, ok := decoded["upload"]; ok {
		t.Error("upload should be omitted for a receive report")
	}
}

func TestWriteReport_EmptyPath(t *testing.T) {
	if err := WriteReport(&Report{}, ""); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestWriteReportTo_Writer(t *testing.T) {
	var buf bytes.Buffer
	report := BuildSendReport(&types.UploadResult{UploadID: "u-2"}, nil, newTestSnapshot(), 0)
	if err := writeReportTo(report, &buf); err != nil {
		t.Fatalf("writeReportTo: %v", err)
	}

	var decoded Report
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.Upload == nil || decoded.Upload.UploadID != "u-2" {
		t.Errorf("Upload = %+v", decoded.Upload)
	}
}
