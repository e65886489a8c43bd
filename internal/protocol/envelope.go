// Package protocol defines the JSON envelopes exchanged over the relay
// websocket. Each envelope type is its own Go struct; Decode returns the
// concrete variant so callers dispatch with a type switch.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Type is the value of an envelope's "type" discriminator.
type Type string

const (
	TypeAuth           Type = "auth"
	TypeAuthOK         Type = "auth_ok"
	TypeAuthFail       Type = "auth_fail"
	TypeSend           Type = "send"
	TypeSendAck        Type = "send_ack"
	TypeMessage        Type = "message"
	TypePresence       Type = "presence"
	TypePresenceResult Type = "presence_result"
	TypePresenceChange Type = "presence_change"
	TypeError          Type = "error"
	TypePing           Type = "ping"
	TypePong           Type = "pong"
)

// Status is a user's presence state in a presence_change envelope.
type Status string

const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
)

// DefaultPriority is applied to send envelopes that carry no priority.
const DefaultPriority = "normal"

var (
	// ErrMalformed covers invalid JSON, missing discriminators, wrongly typed
	// fields and missing required fields.
	ErrMalformed = errors.New("malformed envelope")
	// ErrUnknownType is returned for a discriminator this relay does not speak.
	ErrUnknownType = errors.New("unknown envelope type")
)

// Envelope is implemented by every envelope variant.
type Envelope interface {
	Kind() Type
}

// Auth is the first envelope a client sends.
type Auth struct {
	Secret   string `json:"secret,omitempty"`
	Token    string `json:"token,omitempty"`
	Username string `json:"username,omitempty"`
}

// AuthOK confirms authentication and lists the peers already online.
type AuthOK struct {
	Username string   `json:"username"`
	Online   []string `json:"online"`
}

// AuthFail rejects credentials; the connection is closed afterwards.
type AuthFail struct {
	Reason string `json:"reason"`
}

// Send asks the relay to forward text to another user.
type Send struct {
	To       string `json:"to"`
	Text     string `json:"text"`
	MsgID    string `json:"msg_id"`
	Priority string `json:"priority,omitempty"`

	hasTo, hasText, hasMsgID bool
}

// SendAck reports whether a send reached an online recipient.
type SendAck struct {
	To        string `json:"to"`
	Delivered bool   `json:"delivered"`
}

// Message is a forwarded send, stamped with the verified sender.
type Message struct {
	From     string `json:"from"`
	Text     string `json:"text"`
	Priority string `json:"priority"`
	MsgID    string `json:"msg_id"`
}

// Presence asks for the current presence snapshot.
type Presence struct{}

// PresenceResult answers a Presence query.
type PresenceResult struct {
	Online []string `json:"online"`
}

// PresenceChange announces a user coming online or going offline.
type PresenceChange struct {
	User   string   `json:"user"`
	Status Status   `json:"status"`
	Online []string `json:"online"`
}

// Error reports a protocol or server problem to the client.
type Error struct {
	Reason string `json:"reason"`
}

// Ping is an application-level heartbeat from the client.
type Ping struct{}

// Pong answers Ping.
type Pong struct{}

func (*Auth) Kind() Type           { return TypeAuth }
func (*AuthOK) Kind() Type         { return TypeAuthOK }
func (*AuthFail) Kind() Type       { return TypeAuthFail }
func (*Send) Kind() Type           { return TypeSend }
func (*SendAck) Kind() Type        { return TypeSendAck }
func (*Message) Kind() Type        { return TypeMessage }
func (*Presence) Kind() Type       { return TypePresence }
func (*PresenceResult) Kind() Type { return TypePresenceResult }
func (*PresenceChange) Kind() Type { return TypePresenceChange }
func (*Error) Kind() Type          { return TypeError }
func (*Ping) Kind() Type           { return TypePing }
func (*Pong) Kind() Type           { return TypePong }

// UnmarshalJSON records which required fields were present so Validate can
// tell an absent msg_id from an empty one.
func (s *Send) UnmarshalJSON(data []byte) error {
	var wire struct {
		To       *string `json:"to"`
		Text     *string `json:"text"`
		MsgID    *string `json:"msg_id"`
		Priority *string `json:"priority"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}

	*s = Send{}
	if wire.To != nil {
		s.To, s.hasTo = *wire.To, true
	}
	if wire.Text != nil {
		s.Text, s.hasText = *wire.Text, true
	}
	if wire.MsgID != nil {
		s.MsgID, s.hasMsgID = *wire.MsgID, true
	}
	if wire.Priority != nil {
		s.Priority = *wire.Priority
	}
	return nil
}

// Validate checks the fields the router requires.
func (s *Send) Validate() error {
	switch {
	case !s.hasTo || s.Recipient() == "":
		return fmt.Errorf("%w: missing required field: to", ErrMalformed)
	case !s.hasText || s.Text == "":
		return fmt.Errorf("%w: missing required field: text", ErrMalformed)
	case !s.hasMsgID:
		return fmt.Errorf("%w: missing required field: msg_id", ErrMalformed)
	}
	return nil
}

// Recipient returns the target username with one leading "@" removed.
func (s *Send) Recipient() string {
	return strings.TrimPrefix(s.To, "@")
}

// EffectivePriority returns the priority, or DefaultPriority when unset.
func (s *Send) EffectivePriority() string {
	if s.Priority == "" {
		return DefaultPriority
	}
	return s.Priority
}

func newEnvelope(t Type) (Envelope, bool) {
	switch t {
	case TypeAuth:
		return &Auth{}, true
	case TypeAuthOK:
		return &AuthOK{}, true
	case TypeAuthFail:
		return &AuthFail{}, true
	case TypeSend:
		return &Send{}, true
	case TypeSendAck:
		return &SendAck{}, true
	case TypeMessage:
		return &Message{}, true
	case TypePresence:
		return &Presence{}, true
	case TypePresenceResult:
		return &PresenceResult{}, true
	case TypePresenceChange:
		return &PresenceChange{}, true
	case TypeError:
		return &Error{}, true
	case TypePing:
		return &Ping{}, true
	case TypePong:
		return &Pong{}, true
	default:
		return nil, false
	}
}

// Decode parses one frame into its concrete envelope. Errors wrap
// ErrMalformed or ErrUnknownType.
func Decode(data []byte) (Envelope, error) {
	var head struct {
		Type *Type `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("%w: invalid JSON", ErrMalformed)
	}
	if head.Type == nil || *head.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	}

	env, ok := newEnvelope(*head.Type)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, *head.Type)
	}
	if err := json.Unmarshal(data, env); err != nil {
		return nil, fmt.Errorf("%w: %s fields: %v", ErrMalformed, *head.Type, err)
	}
	return env, nil
}

// Encode renders env as a JSON object with "type" as its first member.
func Encode(env Envelope) ([]byte, error) {
	body, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.Grow(len(body) + 16)
	buf.WriteString(`{"type":"`)
	buf.WriteString(string(env.Kind()))
	buf.WriteByte('"')
	if len(body) > 2 {
		buf.WriteByte(',')
		buf.Write(body[1:])
	} else {
		buf.WriteByte('}')
	}
	return buf.Bytes(), nil
}

// MustEncode is Encode for envelopes built by the relay itself, whose
// marshalling cannot fail.
func MustEncode(env Envelope) []byte {
	data, err := Encode(env)
	if err != nil {
		panic(fmt.Sprintf("protocol: encode %s: %v", env.Kind(), err))
	}
	return data
}
