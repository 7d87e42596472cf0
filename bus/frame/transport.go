package frame

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/pithecene-io/ferry/bus"
)

// Publisher publishes messages as frames on a writer.
// A frame is accepted once written; there is no broker acknowledgement.
type Publisher struct {
	enc    *Encoder
	closer io.Closer

	mu     sync.Mutex
	closed bool
}

var _ bus.Publisher = (*Publisher)(nil)

// NewPublisher creates a Publisher writing to w. If w is an io.Closer, Close
// closes it.
func NewPublisher(w io.Writer) *Publisher {
	p := &Publisher{enc: NewEncoder(w)}
	if c, ok := w.(io.Closer); ok {
		p.closer = c
	}
	return p
}

// Publish writes one message frame.
func (p *Publisher) Publish(ctx context.Context, subject string, headers bus.Headers, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return bus.ErrClosed
	}
	return p.enc.WriteEnvelope(&Envelope{
		Type:    MessageType,
		Subject: subject,
		Headers: headers,
		Payload: payload,
	})
}

// Close marks the publisher closed and closes the underlying writer.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	if p.closer != nil {
		return p.closer.Close()
	}
	return nil
}

// Subscriber delivers frames read from a stream.
type Subscriber struct {
	dec *Decoder

	// OnDecodeError, when set, observes frames that could not be decoded.
	// Such frames are skipped.
	OnDecodeError func(err error)

	mu     sync.Mutex
	active bool
}

var _ bus.Subscriber = (*Subscriber)(nil)

// NewSubscriber creates a Subscriber reading from r.
func NewSubscriber(r io.Reader) *Subscriber {
	return &Subscriber{dec: NewDecoder(r)}
}

type readResult struct {
	env *Envelope
	err error
}

// Subscribe delivers messages whose subject matches until the stream ends
// (returns nil), ctx is done (returns nil), or a fatal frame error occurs.
// An empty subject matches every frame. Only one Subscribe may run at a time.
//
// Reads happen on a separate goroutine; when ctx ends during a blocked read,
// that goroutine exits after the read returns.
func (s *Subscriber) Subscribe(ctx context.Context, subject string, handler bus.Handler) error {
	s.mu.Lock()
	if s.active {
		s.mu.Unlock()
		return errors.New("frame subscriber already active")
	}
	s.active = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.active = false
		s.mu.Unlock()
	}()

	frames := make(chan readResult)
	go func() {
		for {
			env, err := s.dec.ReadEnvelope()
			select {
			case frames <- readResult{env: env, err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil && !isDecodeError(err) {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case res := <-frames:
			if res.err != nil {
				if errors.Is(res.err, io.EOF) {
					return nil
				}
				if isDecodeError(res.err) {
					if s.OnDecodeError != nil {
						s.OnDecodeError(res.err)
					}
					continue
				}
				return res.err
			}
			if subject != "" && res.env.Subject != subject {
				continue
			}
			msg := bus.NewMessage(res.env.Subject, res.env.Headers, res.env.Payload, nil)
			// Streams carry no redelivery, so a handler error only loses
			// this message.
			_ = handler(ctx, msg)
		}
	}
}

func isDecodeError(err error) bool {
	var frameErr *FrameError
	return errors.As(err, &frameErr) && frameErr.Kind == FrameErrorDecode
}
