package types

// Version is the canonical project version.
// The CLI, the wire headers and the notification payloads share this version.
const Version = "0.3.0"
