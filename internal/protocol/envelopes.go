// ABOUTME: Typed constructors for every envelope the relay and its clients exchange
// ABOUTME: Each struct marshals to exactly the documented wire shape

package protocol

// Ready confirms a successful handshake to the new connection only.
type Ready struct {
	Type string `json:"type"`
	User string `json:"user"`
}

// Presence announces a user going online or offline.
type Presence struct {
	Type   string `json:"type"`
	User   string `json:"user"`
	Online bool   `json:"online"`
}

// Message is a stored direct message, sent as the sender's echo and as the
// live delivery to the recipient.
type Message struct {
	Type string `json:"type"`
	From string `json:"from"`
	To   string `json:"to"`
	Text string `json:"text"`
	Ts   int64  `json:"ts"`
}

// Record is one entry of a history response.
type Record struct {
	From string `json:"from"`
	To   string `json:"to"`
	Text string `json:"text"`
	Ts   int64  `json:"ts"`
}

// History answers a history request, oldest message first.
type History struct {
	Type     string   `json:"type"`
	With     string   `json:"with"`
	Messages []Record `json:"messages"`
}

// Outbound client commands, as written by clients.
type (
	sendCommand struct {
		Type string `json:"type"`
		To   string `json:"to"`
		Text string `json:"text"`
	}
	historyCommand struct {
		Type string `json:"type"`
		With string `json:"with"`
	}
)

// NewReady builds the handshake confirmation for user.
func NewReady(user string) *Ready {
	return &Ready{Type: TypeReady, User: user}
}

// NewPresence builds the presence transition for user.
func NewPresence(user string, online bool) *Presence {
	return &Presence{Type: TypePresence, User: user, Online: online}
}

// NewMessage builds a stored message envelope; ts is unix seconds.
func NewMessage(from, to, text string, ts int64) *Message {
	return &Message{Type: TypeMessage, From: from, To: to, Text: text, Ts: ts}
}

// NewHistory builds a history response. A nil slice encodes as an empty array.
func NewHistory(with string, records []Record) *History {
	if records == nil {
		records = []Record{}
	}
	return &History{Type: TypeHistory, With: with, Messages: records}
}

// NewSendCommand builds the client frame that sends text to a user.
func NewSendCommand(to, text string) any {
	return &sendCommand{Type: TypeMessage, To: to, Text: text}
}

// NewHistoryCommand builds the client frame that requests history with a user.
func NewHistoryCommand(with string) any {
	return &historyCommand{Type: TypeHistory, With: with}
}
