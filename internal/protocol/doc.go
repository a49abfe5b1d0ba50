// Package protocol defines the JSON envelopes exchanged over a relay connection.
//
// Every frame is a single JSON object with a "type" tag. Clients send:
//
//	{"type":"msg","to":"bob","text":"hi"}
//	{"type":"history","with":"bob"}
//
// The relay sends:
//
//	{"type":"ready","user":"alice"}
//	{"type":"presence","user":"bob","online":true}
//	{"type":"msg","from":"alice","to":"bob","text":"hi","ts":1700000000}
//	{"type":"history","with":"bob","messages":[...]}
//
// Decode turns a client frame into a typed command and reports ErrMalformed,
// ErrUnknownType or ErrInvalid for frames the relay drops.
package protocol
