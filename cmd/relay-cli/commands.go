// ABOUTME: Input parsing and envelope rendering for relay-cli
// ABOUTME: Turns typed lines into client frames and server frames into display lines

package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/2389/coven-relay/internal/protocol"
)

var (
	errQuit      = errors.New("quit")
	errHelp      = errors.New("help")
	errEmptyLine = errors.New("empty line")
)

const helpText = `Commands:
  @user message     send a direct message
  /history user     show recent messages with user
  /help             show this help
  /quit             disconnect`

// parseLine converts one line of user input into a client frame.
// It returns errQuit for /quit, errHelp for /help and errEmptyLine for blank input.
func parseLine(line string) (any, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil, errEmptyLine
	}

	if strings.HasPrefix(line, "@") {
		to, text, ok := strings.Cut(line[1:], " ")
		text = strings.TrimSpace(text)
		if !ok || to == "" || text == "" {
			return nil, fmt.Errorf("usage: @user message")
		}
		return protocol.NewSendCommand(to, text), nil
	}

	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit", "/exit":
		return nil, errQuit
	case "/help":
		return nil, errHelp
	case "/history":
		if len(fields) != 2 {
			return nil, fmt.Errorf("usage: /history user")
		}
		return protocol.NewHistoryCommand(fields[1]), nil
	}
	if strings.HasPrefix(line, "/") {
		return nil, fmt.Errorf("unknown command %q (try /help)", fields[0])
	}
	return nil, fmt.Errorf("address a user with @user message")
}

// renderer formats server envelopes for the terminal.
type renderer struct {
	self       string
	timeFormat string
}

func (r *renderer) clock(ts int64) string {
	return color.HiBlackString(time.Unix(ts, 0).Format(r.timeFormat))
}

func (r *renderer) message(from, to, text string, ts int64) string {
	if from == r.self {
		return fmt.Sprintf("%s %s %s", r.clock(ts), color.CyanString("→ %s:", to), text)
	}
	return fmt.Sprintf("%s %s %s", r.clock(ts), color.GreenString("%s:", from), text)
}

// render returns the display lines for env. Unknown envelope types render as nothing.
func (r *renderer) render(env *protocol.Envelope) []string {
	switch env.Type {
	case protocol.TypeReady:
		return []string{color.New(color.FgGreen, color.Bold).Sprintf("connected as %s", env.User)}
	case protocol.TypePresence:
		if env.Online {
			return []string{color.GreenString("● %s is online", env.User)}
		}
		return []string{color.HiBlackString("○ %s is offline", env.User)}
	case protocol.TypeMessage:
		return []string{r.message(env.From, env.To, env.Text, env.Ts)}
	case protocol.TypeHistory:
		if len(env.Messages) == 0 {
			return []string{color.HiBlackString("no messages with %s", env.With)}
		}
		lines := []string{color.HiBlackString("── history with %s ──", env.With)}
		for _, rec := range env.Messages {
			lines = append(lines, r.message(rec.From, rec.To, rec.Text, rec.Ts))
		}
		return lines
	default:
		return nil
	}
}
