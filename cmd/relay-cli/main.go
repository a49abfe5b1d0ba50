// ABOUTME: Interactive terminal client for coven-relay direct messages
// ABOUTME: Connects over WebSocket, prints incoming envelopes and sends typed commands

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/coder/websocket"
	"github.com/fatih/color"
	flag "github.com/spf13/pflag"

	"github.com/2389/coven-relay/internal/protocol"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:], os.Stdin, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, in io.Reader, out io.Writer) error {
	fs := flag.NewFlagSet("relay-cli", flag.ContinueOnError)
	var configPath, relayURL, user string
	fs.StringVarP(&configPath, "config", "c", defaultConfigPath(), "Path to config file")
	fs.StringVar(&relayURL, "url", "", "Relay WebSocket URL (overrides config)")
	fs.StringVarP(&user, "user", "u", "", "User id to connect as (overrides config)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := LoadConfig(configPath)
	if err != nil {
		return err
	}
	if relayURL != "" {
		cfg.Relay.URL = relayURL
	}
	if user != "" {
		cfg.Identity.User = user
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.Display.NoColor {
		color.NoColor = true
	}

	return chat(ctx, cfg, in, out)
}

// chat runs one session: a reader goroutine prints server frames while the
// caller's goroutine forwards input lines until /quit, EOF, or disconnect.
func chat(ctx context.Context, cfg *Config, in io.Reader, out io.Writer) error {
	target, err := cfg.dialURL()
	if err != nil {
		return err
	}

	conn, _, err := websocket.Dial(ctx, target, nil)
	if err != nil {
		return fmt.Errorf("connecting to relay: %w", err)
	}
	defer conn.CloseNow()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	r := &renderer{self: cfg.Identity.User, timeFormat: cfg.Display.TimeFormat}
	readErr := make(chan error, 1)
	go func() {
		readErr <- readLoop(ctx, conn, r, out)
		cancel()
	}()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusGoingAway, "")
			return disconnectErr(<-readErr)
		case line, ok := <-lines:
			if !ok {
				conn.Close(websocket.StatusNormalClosure, "")
				<-readErr
				return nil
			}
			if err := handleLine(ctx, conn, line, out); err != nil {
				if errors.Is(err, errQuit) {
					conn.Close(websocket.StatusNormalClosure, "bye")
					<-readErr
					return nil
				}
				return err
			}
		}
	}
}

// handleLine sends the frame for one input line. Input mistakes are printed
// and do not end the session.
func handleLine(ctx context.Context, conn *websocket.Conn, line string, out io.Writer) error {
	frame, err := parseLine(line)
	switch {
	case errors.Is(err, errEmptyLine):
		return nil
	case errors.Is(err, errQuit):
		return err
	case errors.Is(err, errHelp):
		fmt.Fprintln(out, helpText)
		return nil
	case err != nil:
		fmt.Fprintln(out, color.YellowString(err.Error()))
		return nil
	}

	data, err := protocol.Encode(frame)
	if err != nil {
		return fmt.Errorf("encoding frame: %w", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("sending: %w", err)
	}
	return nil
}

func readLoop(ctx context.Context, conn *websocket.Conn, r *renderer, out io.Writer) error {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		if typ != websocket.MessageText {
			continue
		}
		env, err := protocol.DecodeEnvelope(data)
		if err != nil {
			continue
		}
		for _, line := range r.render(env) {
			fmt.Fprintln(out, line)
		}
	}
}

// disconnectErr reports a read failure unless it was a clean close.
func disconnectErr(err error) error {
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return nil
	}
	if err == nil || errors.Is(err, context.Canceled) {
		return nil
	}
	return fmt.Errorf("disconnected: %w", err)
}
