// Package env provisions Python environments keyed by the fingerprint of
// their requirements.
//
// A Provisioner resolves the requirement files to a fingerprint, picks a
// volume with enough free space and makes sure <volume>/<fingerprint> holds
// a complete environment. At most one process builds a given fingerprint at
// a time; the others wait on <volume>/<fingerprint>.lock and reuse the
// result. A directory only counts as an environment once its completion
// marker exists, and the "latest" symlink is only ever pointed at such
// directories.
//
// Provisioning moves through these phases:
//
//	unknown -> locked -> restoring -> validated -> published
//	                  \-> building -/
//	locked -> failed
//
// Environments found complete before locking skip straight to published.
package env
