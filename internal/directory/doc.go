// Package directory tracks which users currently hold a live connection.
//
// The Directory maps a user id to exactly one Handle. Registering a second
// connection for the same user replaces the first (last registration wins)
// and returns the displaced handle. Unregister is keyed by handle identity,
// so a connection that closes after being superseded cannot remove the newer
// registration.
//
// Snapshot copies the entries under the read lock. Callers that fan out to
// many handles take a snapshot and send after the lock is released.
package directory
