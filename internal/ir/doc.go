// Package ir defines the data model of holdfast: headers, entries,
// elements, DHT ops and validation verdicts, together with their
// canonical encoding and content addresses.
//
// ir imports nothing internal. Every other package builds on it.
//
// Constraints:
//   - no float types in entry content; numbers are int64
//   - identity is SHA-256 over RFC 8785 canonical JSON with a domain prefix
//   - ops are immutable once created; lifecycle state lives in the store
package ir
