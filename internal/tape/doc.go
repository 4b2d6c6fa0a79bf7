// Package tape defines the disk-backed store that maps (namespace, fingerprint)
// pairs to recorded interactions under <tapesRoot>/<namespace>/<fingerprint>.json.
// The store resolves tape existence without reading content, persists new tapes
// with create-if-absent semantics (temp file + rename, per-key lock plus a
// cross-process flock on the namespace directory) and lists the tapes of a
// namespace for orphan reporting. Load turns a tape file back into a replayable
// Tape and separates "missing" from "present but unreadable".
package tape
