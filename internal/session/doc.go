// Package session implements the per-connection relay state machine.
//
// A connection moves through three states:
//
//	StateConnecting -> StateOpen -> StateClosed
//
// Router.Open performs the handshake: it registers the connection handle in
// the directory, sends the ready envelope to the new connection only and
// announces the user online to everyone. Only then is the Session returned,
// so msg and history envelopes can never be handled before the handshake.
//
// Session.HandleFrame processes one envelope at a time:
//
//   - msg: append to the conversation log, echo to the sender, deliver to
//     the recipient if online. A failed append is logged and delivery
//     continues.
//   - history: query the log for the recent conversation and answer. A
//     failed query answers with an empty message list.
//
// Undecodable envelopes are dropped and the session stays open.
//
// Session.Close unregisters the handle and announces the user offline, but
// only when this session was still the user's registered connection.
package session
