// ABOUTME: Runs the relay as its own Tailscale node instead of on TCP addresses
// ABOUTME: Builds the tsnet server from config and opens the HTTP and gRPC listeners on it

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"

	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/coven-relay/internal/config"
)

// Ports the relay listens on inside the tailnet.
const (
	tailnetHTTPPort = ":80"
	tailnetGRPCPort = ":50051"
)

// tailnetNode is the part of *tsnet.Server the relay drives.
type tailnetNode interface {
	Up(ctx context.Context) (*ipnstate.Status, error)
	Listen(network, addr string) (net.Listener, error)
	Close() error
}

// resolveTailscaleStateDir returns the configured state directory or
// ~/.local/share/coven-relay/tailscale.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "coven-relay", "tailscale"), nil
}

// resolveTailscaleAuthKey prefers tailscale.auth_key, then TS_AUTHKEY.
func resolveTailscaleAuthKey(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	if key := os.Getenv("TS_AUTHKEY"); key != "" {
		return key, nil
	}
	return "", errors.New("tailscale auth key required: set tailscale.auth_key or TS_AUTHKEY")
}

// newTailnetNode prepares the tsnet server for cfg. Nothing touches the
// network until Up.
func newTailnetNode(cfg config.TailscaleConfig, logger *slog.Logger) (*tsnet.Server, error) {
	stateDir, err := resolveTailscaleStateDir(cfg.StateDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(cfg.AuthKey)
	if err != nil {
		return nil, err
	}

	tsLogger := logger.With("component", "tsnet")
	return &tsnet.Server{
		Hostname:  cfg.Hostname,
		Dir:       stateDir,
		Ephemeral: cfg.Ephemeral,
		AuthKey:   authKey,
		Logf: func(format string, args ...any) {
			tsLogger.Debug(fmt.Sprintf(format, args...))
		},
	}, nil
}

// setupTailscaleListeners joins the tailnet and listens on it.
func (g *Gateway) setupTailscaleListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	node, err := newTailnetNode(g.config.Tailscale, g.logger)
	if err != nil {
		return nil, nil, err
	}
	g.logger.Info("starting tailscale node",
		"hostname", node.Hostname,
		"state_dir", node.Dir,
		"ephemeral", node.Ephemeral,
	)
	return g.listenTailnet(ctx, node)
}

// listenTailnet brings node up and opens the HTTP listener, plus the gRPC
// listener when gRPC is served. On failure node is closed and nothing leaks.
func (g *Gateway) listenTailnet(ctx context.Context, node tailnetNode) (grpcLn, httpLn net.Listener, err error) {
	status, err := node.Up(ctx)
	if err != nil {
		_ = node.Close()
		return nil, nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(status)

	httpLn, err = node.Listen("tcp", tailnetHTTPPort)
	if err != nil {
		_ = node.Close()
		return nil, nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
	}

	if g.grpcServer != nil {
		grpcLn, err = node.Listen("tcp", tailnetGRPCPort)
		if err != nil {
			_ = httpLn.Close()
			_ = node.Close()
			return nil, nil, fmt.Errorf("listening on tailscale gRPC port: %w", err)
		}
	}

	g.tailnet = node
	return grpcLn, httpLn, nil
}

func (g *Gateway) logTailscaleStatus(status *ipnstate.Status) {
	if status == nil {
		return
	}
	var addr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		addr = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	g.logger.Info("tailscale node ready",
		"hostname", g.config.Tailscale.Hostname,
		"tailscale_ip", addr,
		"dns_name", dnsName,
	)
}
