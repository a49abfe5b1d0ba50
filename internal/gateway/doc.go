// Package gateway wires the relay core into a running server.
//
// # Overview
//
// New opens the conversation log backend named in the configuration, then
// builds the directory, presence broadcaster, session router and WebSocket
// handler around it. Run listens, serves until the context is canceled or a
// server fails, and then shuts everything down with a 5 second deadline.
//
// # Endpoints
//
// HTTP (server.http_addr, or :80 on Tailscale):
//
//   - /, /ws: relay WebSocket, identified by the "user" query parameter
//   - GET /health: 200 while the process is alive
//   - GET /health/ready: 200 while the conversation log is open
//   - GET /api/online: {"count":n,"users":[...]}
//
// gRPC (server.grpc_addr, or :50051 on Tailscale), when enabled:
//
//   - grpc.health.v1.Health, for the overall server and "coven.relay"
//   - server reflection
//
// # Tailscale
//
// With tailscale.enabled the relay joins the tailnet as its own tsnet node
// and the configured TCP addresses are ignored. The auth key comes from
// tailscale.auth_key or the TS_AUTHKEY environment variable.
//
// # Shutdown
//
// Shutdown marks the relay not ready, stops the HTTP server, closes every
// live relay connection, flips the gRPC health status to NOT_SERVING, stops
// gRPC and Tailscale, and finally closes the conversation log.
package gateway
