package runtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/pithecene-io/ferry/assembler"
	"github.com/pithecene-io/ferry/metrics"
	"github.com/pithecene-io/ferry/types"
)

// Report modes.
const (
	ReportModeSend    = "send"
	ReportModeReceive = "receive"
)

// Report is the structured JSON report written by --report.
type Report struct {
	Mode       string `json:"mode"`
	Subject    string `json:"subject"`
	Bus        string `json:"bus"`
	DurationMs int64  `json:"duration_ms"`

	Upload    *types.UploadResult `json:"upload,omitempty"`
	Error     string              `json:"error,omitempty"`
	Assembler *ReportAssembler    `json:"assembler,omitempty"`
	Metrics   *metrics.Snapshot   `json:"metrics"`
}

// ReportAssembler holds the final assembler state of a receiver.
type ReportAssembler struct {
	PendingUploads  int   `json:"pending_uploads"`
	InflightBytes   int64 `json:"inflight_bytes"`
	ChunksAccepted  int64 `json:"chunks_accepted"`
	ChunksDuplicate int64 `json:"chunks_duplicate"`
	ChunksRejected  int64 `json:"chunks_rejected"`
	Ignored         int64 `json:"ignored"`
	Completed       int64 `json:"completed"`
	Evicted         int64 `json:"evicted"`
	Expired         int64 `json:"expired"`
}

// BuildSendReport composes the report of one send. result is nil when the
// send failed; sendErr is then reported.
func BuildSendReport(result *types.UploadResult, sendErr error, snap metrics.Snapshot, d time.Duration) *Report {
	report := &Report{
		Mode:       ReportModeSend,
		Subject:    snap.Subject,
		Bus:        snap.Bus,
		DurationMs: d.Milliseconds(),
		Upload:     result,
		Metrics:    &snap,
	}
	if sendErr != nil {
		report.Error = sendErr.Error()
	}
	return report
}

// BuildReceiveReport composes the report of a receiver run.
func BuildReceiveReport(stats assembler.Stats, snap metrics.Snapshot, d time.Duration) *Report {
	return &Report{
		Mode:       ReportModeReceive,
		Subject:    snap.Subject,
		Bus:        snap.Bus,
		DurationMs: d.Milliseconds(),
		Assembler: &ReportAssembler{
			PendingUploads:  stats.PendingUploads,
			InflightBytes:   stats.InflightBytes,
			ChunksAccepted:  stats.ChunksAccepted,
			ChunksDuplicate: stats.ChunksDuplicate,
			ChunksRejected:  stats.ChunksRejected,
			Ignored:         stats.Ignored,
			Completed:       stats.Completed,
			Evicted:         stats.Evicted,
			Expired:         stats.Expired,
		},
		Metrics: &snap,
	}
}

// WriteReport writes the report as JSON to path. "-" writes to stderr.
func WriteReport(report *Report, path string) error {
	if path == "" {
		return errors.New("report path must not be empty")
	}
	if path == "-" {
		if err := writeReportTo(report, os.Stderr); err != nil {
			return fmt.Errorf("failed to write report to stderr: %w", err)
		}
		return nil
	}

	data, err := marshalReport(report)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write report to %s: %w", path, err)
	}
	return nil
}

func writeReportTo(report *Report, w io.Writer) error {
	data, err := marshalReport(report)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

func marshalReport(report *Report) ([]byte, error) {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal report: %w", err)
	}
	return append(data, '\n'), nil
}
