// ABOUTME: JSON envelope codec for the relay wire protocol
// ABOUTME: Decodes and validates client commands, builds server envelopes

package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"

	jsonv2 "github.com/go-json-experiment/json"
	"github.com/go-playground/validator/v10"
)

// Envelope type tags.
const (
	TypeMessage  = "msg"
	TypeHistory  = "history"
	TypeReady    = "ready"
	TypePresence = "presence"
)

var (
	// ErrMalformed indicates a frame that is not a UTF-8 JSON object.
	ErrMalformed = errors.New("malformed envelope")

	// ErrUnknownType indicates a missing or unrecognized type tag.
	ErrUnknownType = errors.New("unknown envelope type")

	// ErrInvalid indicates a recognized envelope with missing or empty fields.
	ErrInvalid = errors.New("invalid envelope")
)

var validate = validator.New()

// Inbound is a decoded client command: *SendMessage or *FetchHistory.
type Inbound interface {
	inbound()
}

// SendMessage asks the relay to store and deliver a direct message.
type SendMessage struct {
	To   string `json:"to" validate:"required"`
	Text string `json:"text" validate:"required"`
}

// FetchHistory asks for the recent conversation with another user.
type FetchHistory struct {
	With string `json:"with" validate:"required"`
}

func (*SendMessage) inbound()  {}
func (*FetchHistory) inbound() {}

// Envelope is the union of every field any envelope carries. Clients use it
// to decode server frames without knowing the type in advance.
type Envelope struct {
	Type     string   `json:"type"`
	User     string   `json:"user,omitempty"`
	Online   bool     `json:"online,omitempty"`
	From     string   `json:"from,omitempty"`
	To       string   `json:"to,omitempty"`
	Text     string   `json:"text,omitempty"`
	Ts       int64    `json:"ts,omitempty"`
	With     string   `json:"with,omitempty"`
	Messages []Record `json:"messages,omitempty"`
}

// Decode parses one client frame into a command. Member names must match
// exactly; other members are ignored.
func Decode(frame []byte) (Inbound, error) {
	if !utf8.Valid(frame) {
		return nil, fmt.Errorf("%w: invalid UTF-8", ErrMalformed)
	}

	var env struct {
		Type string `json:"type"`
	}
	if err := jsonv2.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var cmd Inbound
	switch env.Type {
	case TypeMessage:
		cmd = &SendMessage{}
	case TypeHistory:
		cmd = &FetchHistory{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}

	if err := jsonv2.Unmarshal(frame, cmd); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := validate.Struct(cmd); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return cmd, nil
}

// DecodeEnvelope parses any envelope into the union form, with the same
// exact-name matching as Decode.
func DecodeEnvelope(frame []byte) (*Envelope, error) {
	if !utf8.Valid(frame) {
		return nil, fmt.Errorf("%w: invalid UTF-8", ErrMalformed)
	}

	var env Envelope
	if err := jsonv2.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrUnknownType)
	}
	return &env, nil
}

// Encode renders an envelope as a single JSON text frame.
func Encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding envelope: %w", err)
	}
	return data, nil
}
