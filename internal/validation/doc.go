// Package validation is the status model of the pipeline. It has no I/O.
//
// An op with no definitive verdict is Pending. Callback verdicts move it
// forward (Valid), to Rejected (Invalid, which always wins), or keep it
// Pending with the hashes it is waiting for (Unresolved). Rejected and
// Abandoned are terminal, as is Valid once the op has been integrated.
// AbandonPolicy decides when a long-unresolved op is given up on.
package validation
