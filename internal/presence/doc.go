// Package presence broadcasts online and offline transitions.
//
// A Broadcaster encodes the presence envelope once, takes a snapshot of the
// directory and sends to every handle after the directory lock is released.
// The announced user receives its own presence too.
package presence
