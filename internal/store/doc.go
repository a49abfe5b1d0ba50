// Package store provides the durable conversation log for coven-relay.
//
// Every direct message accepted by the relay is appended to a Log before it
// is echoed or delivered. History requests read the most recent messages of
// one unordered user pair back out, oldest first.
//
// # Backends
//
//   - FileLog: newline-delimited JSON in a single append-only file (default)
//   - SQLiteLog: a messages table indexed by pair key, on modernc.org/sqlite
//     or github.com/mattn/go-sqlite3
//   - BadgerLog: keys of the form msg:{pair}:{seq} in a badger store, read
//     newest-first with a reverse prefix iterator
//
// Open selects a backend from Options. All backends are safe for concurrent
// use, and every failure is reported as a *StorageError.
//
// # Record Format
//
// The file backend writes one JSON object per line:
//
//	{"from":"alice","to":"bob","text":"hi","ts":1700000000}
//
// Lines that fail to parse, or that lack from or to, are skipped on read and
// never rewritten.
package store
