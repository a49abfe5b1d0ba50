// ABOUTME: HTTP health and presence endpoints served next to the relay socket
// ABOUTME: /health, /health/ready and /api/online

package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// OnlineResponse is the body of GET /api/online.
type OnlineResponse struct {
	Count int      `json:"count"`
	Users []string `json:"users"`
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK while the conversation log is open.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if !g.ready.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("shutting down"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d online)", g.directory.Count())
}

// handleOnline lists the users currently connected.
func (g *Gateway) handleOnline(w http.ResponseWriter, r *http.Request) {
	users := g.directory.Users()

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(OnlineResponse{Count: len(users), Users: users}); err != nil {
		g.logger.Debug("writing online response", "error", err)
	}
}
