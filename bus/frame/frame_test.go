package frame

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"
	"testing/iotest"

	"github.com/vmihailenco/msgpack/v5"
)

// encodeFrame encodes a payload with length prefix.
func encodeFrame(payload []byte) []byte {
	buf := make([]byte, LengthPrefixSize+len(payload))
	binary.BigEndian.PutUint32(buf[:LengthPrefixSize], uint32(len(payload)))
	copy(buf[LengthPrefixSize:], payload)
	return buf
}

func testEnvelope(subject string, payload []byte) *Envelope {
	return &Envelope{
		Type:    MessageType,
		Subject: subject,
		Headers: map[string]string{"X-Payload-Type": "chunked-upload", "X-Chunk-Index": "0"},
		Payload: payload,
	}
}

func TestEncoderDecoder_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)

	envs := []*Envelope{
		testEnvelope("uploads", []byte("first")),
		testEnvelope("uploads", bytes.Repeat([]byte{0xab}, 100_000)),
		{Type: MessageType, Subject: "other"},
	}
	for _, env := range envs {
		if err := enc.WriteEnvelope(env); err != nil {
			t.Fatalf("WriteEnvelope: %v", err)
		}
	}

	dec := NewDecoder(&buf)
	for i, want := range envs {
		got, err := dec.ReadEnvelope()
		if err != nil {
			t.Fatalf("frame %d: ReadEnvelope: %v", i, err)
		}
		if got.Subject != want.Subject {
			t.Errorf("frame %d: Subject = %q, want %q", i, got.Subject, want.Subject)
		}
		if !bytes.Equal(got.Payload, want.Payload) {
			t.Errorf("frame %d: payload differs", i)
		}
		if len(got.Headers) != len(want.Headers) {
			t.Errorf("frame %d: Headers = %v, want %v", i, got.Headers, want.Headers)
		}
	}
	if _, err := dec.ReadEnvelope(); err != io.EOF {
		t.Errorf("after last frame: %v, want io.EOF", err)
	}
}

func TestDecoder_OneByteReader(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	for range 3 {
		if err := enc.WriteEnvelope(testEnvelope("uploads", []byte("abc"))); err != nil {
			t.Fatal(err)
		}
	}

	dec := NewDecoder(iotest.OneByteReader(&buf))
	for i := range 3 {
		env, err := dec.ReadEnvelope()
		if err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		if string(env.Payload) != "abc" {
			t.Errorf("frame %d payload = %q", i, env.Payload)
		}
	}
}

// TestDecoder_PartialFrame validates fatal error for truncated frames.
func TestDecoder_PartialFrame(t *testing.T) {
	payload, err := msgpack.Marshal(testEnvelope("uploads", []byte("truncate me")))
	if err != nil {
		t.Fatal(err)
	}
	frame := encodeFrame(payload)
	truncated := frame[:LengthPrefixSize+len(payload)/2]

	_, err = NewDecoder(bytes.NewReader(truncated)).ReadFrame()
	if err == nil {
		t.Fatal("expected error for truncated frame")
	}
	if !IsFatalFrameError(err) {
		t.Errorf("expected fatal frame error, got: %v", err)
	}
	var frameErr *FrameError
	if !errors.As(err, &frameErr) {
		t.Fatalf("expected *FrameError, got %T", err)
	}
	if frameErr.Kind != FrameErrorPartial {
		t.Errorf("Kind = %v, want FrameErrorPartial", frameErr.Kind)
	}
}

// TestDecoder_OversizedFrame validates fatal error for frames exceeding max size.
func TestDecoder_OversizedFrame(t *testing.T) {
	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.BigEndian, uint32(MaxPayloadSize+1))

	_, err := NewDecoder(&buf).ReadFrame()
	var frameErr *FrameError
	if !errors.As(err, &frameErr) {
		t.Fatalf("expected *FrameError, got %T (%v)", err, err)
	}
	if frameErr.Kind != FrameErrorTooLarge {
		t.Errorf("Kind = %v, want FrameErrorTooLarge", frameErr.Kind)
	}
	if !frameErr.IsFatal() {
		t.Error("FrameErrorTooLarge.IsFatal() should return true")
	}
}

func TestEncoder_OversizedFrame(t *testing.T) {
	var buf bytes.Buffer
	err := NewEncoder(&buf).WriteFrame(make([]byte, MaxPayloadSize+1))
	if !IsFatalFrameError(err) {
		t.Errorf("WriteFrame = %v, want fatal frame error", err)
	}
	if buf.Len() != 0 {
		t.Errorf("oversized frame wrote %d bytes", buf.Len())
	}
}

func TestDecoder_EmptyStream(t *testing.T) {
	_, err := NewDecoder(bytes.NewReader(nil)).ReadFrame()
	if err != io.EOF {
		t.Errorf("expected io.EOF, got: %v", err)
	}
}

func TestDecoder_TruncatedLengthPrefix(t *testing.T) {
	_, err := NewDecoder(bytes.NewReader([]byte{0x00, 0x00})).ReadFrame()
	if !IsFatalFrameError(err) {
		t.Errorf("expected fatal frame error, got: %v", err)
	}
}

func TestDecodeEnvelope_Errors(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
	}{
		{"garbage", []byte{0xc1, 0xc1, 0xc1}},
		{"unknown type", mustMarshal(t, &Envelope{Type: "run_result", Subject: "uploads"})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeEnvelope(tt.payload)
			var frameErr *FrameError
			if !errors.As(err, &frameErr) {
				t.Fatalf("expected *FrameError, got %v", err)
			}
			if frameErr.Kind != FrameErrorDecode {
				t.Errorf("Kind = %v, want FrameErrorDecode", frameErr.Kind)
			}
			if frameErr.IsFatal() {
				t.Error("decode errors should not be fatal")
			}
		})
	}
}

func mustMarshal(t *testing.T, v any) []byte {
	t.Helper()
	b, err := msgpack.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return b
}
