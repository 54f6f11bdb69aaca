// Package archive stores compressed snapshots of built environments in a
// shared directory, keyed by fingerprint.
//
// Entries are written once: the first process to publish a fingerprint wins
// and later publishers leave the existing entry alone. Entries are written
// under a temporary name and renamed into place, so readers never see a
// partially written file and need no locking.
//
// A fetch that hits a missing, truncated, or otherwise unusable entry
// reports ErrNotFound. Callers fall back to building the environment, so a
// damaged archive costs time but never blocks provisioning.
//
// # Layout
//
//	<dir>/<fingerprint>.tar.gz
//
// Each entry is a gzip-compressed tar whose members are rooted at
// "<fingerprint>/".
package archive
