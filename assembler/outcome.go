package assembler

import "github.com/pithecene-io/ferry/types"

// OutcomeKind tags the result of a successful Ingest.
type OutcomeKind int

const (
	// OutcomeIgnored means the message was not chunked-protocol traffic.
	OutcomeIgnored OutcomeKind = iota
	// OutcomeProgress means the fragment was accepted (or was a duplicate)
	// and the upload is still incomplete.
	OutcomeProgress
	// OutcomeCompleted means the fragment completed its upload; Payload is set.
	OutcomeCompleted
)

// String returns the kind name.
func (k OutcomeKind) String() string {
	switch k {
	case OutcomeIgnored:
		return "ignored"
	case OutcomeProgress:
		return "progress"
	case OutcomeCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// Outcome is the non-error result of Ingest.
type Outcome struct {
	Kind OutcomeKind
	// UploadID is the upload the fragment belonged to; empty when ignored.
	UploadID string
	// Duplicate is true when the fragment index had already been stored.
	Duplicate bool
	// Payload is the assembled upload, set only for OutcomeCompleted.
	Payload *types.ChunkedPayload
	// ChunkCount is the number of fragments the completed upload declared.
	ChunkCount int
}

// Completed reports whether the outcome carries a finished payload.
func (o Outcome) Completed() bool {
	return o.Kind == OutcomeCompleted
}

// EvictReason records why an upload left the assembler without completing.
type EvictReason int

const (
	// EvictInvalid is a pre-admission bounds violation for a known upload.
	EvictInvalid EvictReason = iota
	// EvictMismatch is a fragment whose declared metadata disagrees with the
	// first fragment of the upload.
	EvictMismatch
	// EvictBudget is a per-upload or global byte budget violation.
	EvictBudget
	// EvictCorrupt is an assembled payload whose size or digest is wrong.
	EvictCorrupt
	// EvictExpired is a TTL expiry during housekeeping.
	EvictExpired
	// EvictRemoved is an explicit Remove by the caller.
	EvictRemoved
	// EvictMalformed is a fragment whose upload id parses but whose other
	// headers do not.
	EvictMalformed
)

// String returns the reason name.
func (r EvictReason) String() string {
	switch r {
	case EvictInvalid:
		return "invalid"
	case EvictMismatch:
		return "mismatch"
	case EvictBudget:
		return "budget"
	case EvictCorrupt:
		return "corrupt"
	case EvictExpired:
		return "expired"
	case EvictRemoved:
		return "removed"
	case EvictMalformed:
		return "malformed"
	default:
		return "unknown"
	}
}
