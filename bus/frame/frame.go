// Package frame implements a bus over a byte stream using length-prefixed
// msgpack frames.
//
// Each frame is a 4-byte big-endian payload length followed by a msgpack
// encoded Envelope. The stream is one-way: a Publisher writes frames, a
// Subscriber reads them. This lets `ferry send` pipe fragments into
// `ferry receive` over stdio without a broker.
package frame

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
)

// Frame size constants.
const (
	// MaxFrameSize is the maximum frame size (16 MiB), including length prefix.
	MaxFrameSize = 16 * 1024 * 1024
	// MaxPayloadSize is the maximum encoded envelope size.
	MaxPayloadSize = MaxFrameSize - LengthPrefixSize
	// LengthPrefixSize is the size of the length prefix in bytes.
	LengthPrefixSize = 4
)

// MessageType is the type discriminant for bus message frames.
const MessageType = "message"

// Envelope is the msgpack body of one frame.
type Envelope struct {
	Type    string            `msgpack:"type"`
	Subject string            `msgpack:"subject"`
	Headers map[string]string `msgpack:"headers,omitempty"`
	Payload []byte            `msgpack:"payload"`
}

// FrameErrorKind classifies frame errors.
type FrameErrorKind int

const (
	// FrameErrorPartial indicates a truncated or incomplete frame.
	FrameErrorPartial FrameErrorKind = iota
	// FrameErrorTooLarge indicates a frame exceeding MaxFrameSize.
	FrameErrorTooLarge
	// FrameErrorDecode indicates a msgpack decoding error.
	FrameErrorDecode
)

// FrameError represents a frame encoding or decoding error.
type FrameError struct {
	Kind FrameErrorKind
	Msg  string
	Err  error
}

func (e *FrameError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *FrameError) Unwrap() error {
	return e.Err
}

// IsFatal reports whether the stream is unusable after this error.
// Partial and oversized frames lose framing; a decode error does not.
func (e *FrameError) IsFatal() bool {
	return e.Kind == FrameErrorPartial || e.Kind == FrameErrorTooLarge
}

// IsFatalFrameError returns true if the error is a fatal frame error.
func IsFatalFrameError(err error) bool {
	var frameErr *FrameError
	if errors.As(err, &frameErr) {
		return frameErr.IsFatal()
	}
	return false
}

// Encoder writes length-prefixed frames. Safe for concurrent use.
type Encoder struct {
	mu     sync.Mutex
	writer io.Writer
}

// NewEncoder creates a frame encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{writer: w}
}

// WriteEnvelope encodes env and writes it as one frame.
func (e *Encoder) WriteEnvelope(env *Envelope) error {
	payload, err := msgpack.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	return e.WriteFrame(payload)
}

// WriteFrame writes payload with its length prefix in a single Write call,
// so concurrent writers never interleave partial frames.
func (e *Encoder) WriteFrame(payload []byte) error {
	if len(payload) > MaxPayloadSize {
		return &FrameError{
			Kind: FrameErrorTooLarge,
			Msg:  fmt.Sprintf("payload size %d exceeds maximum %d", len(payload), MaxPayloadSize),
		}
	}
	buf := make([]byte, LengthPrefixSize+len(payload))
	binary.BigEndian.PutUint32(buf[:LengthPrefixSize], uint32(len(payload)))
	copy(buf[LengthPrefixSize:], payload)

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.writer.Write(buf); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Decoder reads length-prefixed frames from a stream.
type Decoder struct {
	reader io.Reader
}

// readBufferSize batches small reads from unbuffered pipes.
const readBufferSize = 64 * 1024

// NewDecoder creates a new frame decoder reading through a buffer.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{reader: bufio.NewReaderSize(r, readBufferSize)}
}

// ReadFrame reads a single frame and returns its raw payload.
//
// Errors:
//   - io.EOF: stream ended cleanly (no more frames)
//   - *FrameError with Kind=FrameErrorPartial: incomplete frame (fatal)
//   - *FrameError with Kind=FrameErrorTooLarge: frame exceeds limit (fatal)
func (d *Decoder) ReadFrame() ([]byte, error) {
	var lengthBuf [LengthPrefixSize]byte
	_, err := io.ReadFull(d.reader, lengthBuf[:])
	if err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, &FrameError{
			Kind: FrameErrorPartial,
			Msg:  "failed to read length prefix",
			Err:  err,
		}
	}

	payloadSize := binary.BigEndian.Uint32(lengthBuf[:])
	if payloadSize > MaxPayloadSize {
		return nil, &FrameError{
			Kind: FrameErrorTooLarge,
			Msg:  fmt.Sprintf("payload size %d exceeds maximum %d", payloadSize, MaxPayloadSize),
		}
	}

	payload := make([]byte, payloadSize)
	_, err = io.ReadFull(d.reader, payload)
	if err != nil {
		return nil, &FrameError{
			Kind: FrameErrorPartial,
			Msg:  "failed to read payload",
			Err:  err,
		}
	}
	return payload, nil
}

// ReadEnvelope reads and decodes the next frame.
// A decode error leaves the stream positioned at the following frame.
func (d *Decoder) ReadEnvelope() (*Envelope, error) {
	payload, err := d.ReadFrame()
	if err != nil {
		return nil, err
	}
	return DecodeEnvelope(payload)
}

// DecodeEnvelope decodes a frame payload.
func DecodeEnvelope(payload []byte) (*Envelope, error) {
	var env Envelope
	if err := msgpack.Unmarshal(payload, &env); err != nil {
		return nil, &FrameError{
			Kind: FrameErrorDecode,
			Msg:  "failed to decode envelope",
			Err:  err,
		}
	}
	if env.Type != MessageType {
		return nil, &FrameError{
			Kind: FrameErrorDecode,
			Msg:  fmt.Sprintf("unknown frame type %q", env.Type),
		}
	}
	return &env, nil
}
