// Package replay implements the record-or-replay decision for one target.
//
// Every proxied request starts in LOOKUP: its fingerprint is resolved against
// the active namespace. A hit is loaded and replayed. A miss is either rejected
// (recording disabled, the URL is appended to the namespace errors) or recorded:
// the upstream is called once per (namespace, fingerprint) even under
// concurrent identical misses, the tape is persisted and then replayed like any
// other hit. Namespace control operations return plain values; only failures
// travel as errors.
package replay
