// Package transport carries relay sessions over WebSocket.
//
// Handler reads the user id from the "user" query parameter. A request
// without one is answered with 400 Bad Request and the body
// "Missing user query param", and is never upgraded.
//
// Each accepted connection gets two goroutines: the handler goroutine reads
// text frames and passes them to its session one at a time, and a write pump
// drains the connection's outbound queue. Conn.Send only enqueues, so a slow
// peer can never stall a sender or a presence broadcast; when its queue is
// full, frames for that peer are dropped with ErrSendQueueFull.
package transport
