package types

import "testing"

func TestNewUploadMetadata_EmptyIsAbsent(t *testing.T) {
	meta := NewUploadMetadata("", "")
	if meta.Filename != nil {
		t.Errorf("Filename = %q, want nil", *meta.Filename)
	}
	if meta.ContentType != nil {
		t.Errorf("ContentType = %q, want nil", *meta.ContentType)
	}

	meta = NewUploadMetadata("report.pdf", "application/pdf")
	if meta.Filename == nil || *meta.Filename != "report.pdf" {
		t.Errorf("Filename = %v, want report.pdf", meta.Filename)
	}
	if meta.ContentType == nil || *meta.ContentType != "application/pdf" {
		t.Errorf("ContentType = %v, want application/pdf", meta.ContentType)
	}
}

func TestSameString(t *testing.T) {
	a := "a"
	a2 := "a"
	b := "b"

	tests := []struct {
		name string
		x, y *string
		want bool
	}{
		{"both nil", nil, nil, true},
		{"nil vs value", nil, &a, false},
		{"value vs nil", &a, nil, false},
		{"equal values", &a, &a2, true},
		{"different values", &a, &b, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SameString(tt.x, tt.y); got != tt.want {
				t.Errorf("SameString() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestChunkedPayload_Fallbacks(t *testing.T) {
	p := &ChunkedPayload{UploadID: "id"}
	if got := p.FilenameOr("payload.bin"); got != "payload.bin" {
		t.Errorf("FilenameOr = %q, want payload.bin", got)
	}
	if got := p.ContentTypeOr("application/octet-stream"); got != "application/octet-stream" {
		t.Errorf("ContentTypeOr = %q", got)
	}

	name := "a.txt"
	p.Filename = &name
	if got := p.FilenameOr("payload.bin"); got != "a.txt" {
		t.Errorf("FilenameOr = %q, want a.txt", got)
	}
}
