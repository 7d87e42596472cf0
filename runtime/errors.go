package runtime

import (
	"errors"
	"fmt"
)

// ErrClosed is returned by Receiver methods after Close.
var ErrClosed = errors.New("receiver closed")

// ReceiveErrorKind classifies receive errors.
type ReceiveErrorKind int

const (
	// ReceiveErrorProtocol is a rejected fragment: malformed headers, a bounds
	// or budget violation, or a corrupt upload. Redelivery cannot fix it.
	ReceiveErrorProtocol ReceiveErrorKind = iota
	// ReceiveErrorStorage is a failure persisting a completed upload.
	ReceiveErrorStorage
	// ReceiveErrorNotify is a failure publishing the completion event.
	ReceiveErrorNotify
	// ReceiveErrorCanceled means the message was not processed because the
	// context ended or the receiver closed.
	ReceiveErrorCanceled
)

// String returns the kind name.
func (k ReceiveErrorKind) String() string {
	switch k {
	case ReceiveErrorProtocol:
		return "protocol"
	case ReceiveErrorStorage:
		return "storage"
	case ReceiveErrorNotify:
		return "notify"
	case ReceiveErrorCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// ReceiveError is returned by Receiver.Handle.
type ReceiveError struct {
	Kind ReceiveErrorKind
	// UploadID is the affected upload, empty when unknown.
	UploadID string
	// Reason is the rejection reason for protocol errors (malformed, invalid,
	// mismatch, budget, corrupt).
	Reason string
	Err    error
}

func (e *ReceiveError) Error() string {
	if e.UploadID == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: upload %s: %v", e.Kind, e.UploadID, e.Err)
}

func (e *ReceiveError) Unwrap() error {
	return e.Err
}

func isKind(err error, kind ReceiveErrorKind) bool {
	var re *ReceiveError
	if errors.As(err, &re) {
		return re.Kind == kind
	}
	return false
}

// IsProtocolError reports whether err is a rejected fragment.
func IsProtocolError(err error) bool { return isKind(err, ReceiveErrorProtocol) }

// IsStorageError reports whether err is a persistence failure.
func IsStorageError(err error) bool { return isKind(err, ReceiveErrorStorage) }

// IsNotifyError reports whether err is a notification failure.
func IsNotifyError(err error) bool { return isKind(err, ReceiveErrorNotify) }

// IsCanceledError reports whether err means the message was not processed.
func IsCanceledError(err error) bool { return isKind(err, ReceiveErrorCanceled) }
