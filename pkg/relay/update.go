// Copyright 2024-2026 Aiku AI

package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
)

// PlatformID is an identifier on the external platform. Telegram uses
// numbers and Mattermost uses strings; both decode into the same type.
type PlatformID string

func (p *PlatformID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*p = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*p = PlatformID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("invalid platform id %s: %w", data, err)
	}
	*p = PlatformID(n.String())
	return nil
}

// MarshalJSON writes canonical integers as JSON numbers and anything else,
// including forms like "007" or "+5", as a string.
func (p PlatformID) MarshalJSON() ([]byte, error) {
	if n, err := strconv.ParseInt(string(p), 10, 64); err == nil {
		if canonical := strconv.FormatInt(n, 10); canonical == string(p) {
			return []byte(canonical), nil
		}
	}
	return json.Marshal(string(p))
}

// Chat types as reported by the platform.
const (
	ChatTypePrivate    = "private"
	ChatTypeGroup      = "group"
	ChatTypeSupergroup = "supergroup"
	ChatTypeChannel    = "channel"
)

// User is a platform account.
type User struct {
	ID        PlatformID `json:"id"`
	IsBot     bool       `json:"is_bot,omitempty"`
	Username  string     `json:"username,omitempty"`
	FirstName string     `json:"first_name,omitempty"`
	LastName  string     `json:"last_name,omitempty"`
}

// Chat is a conversation on the platform.
type Chat struct {
	ID       PlatformID `json:"id"`
	Type     string     `json:"type"`
	Title    string     `json:"title,omitempty"`
	Username string     `json:"username,omitempty"`
}

// Message is a single platform message. Only text-bearing fields are kept;
// media payloads are never relayed.
type Message struct {
	MessageID  PlatformID `json:"message_id"`
	From       *User      `json:"from,omitempty"`
	SenderChat *Chat      `json:"sender_chat,omitempty"`
	Chat       Chat       `json:"chat"`
	Date       int64      `json:"date"`
	Text       string     `json:"text,omitempty"`
	Caption    string     `json:"caption,omitempty"`
}

// Identity returns the sender identity of the message. A message sent on
// behalf of a chat carries that chat in SenderChat, and From is then only a
// placeholder account, so SenderChat wins.
func (m *Message) Identity() Identity {
	if m.SenderChat != nil {
		return Identity{
			Username:  m.SenderChat.Username,
			ID:        string(m.SenderChat.ID),
			FirstName: m.SenderChat.Title,
		}
	}
	if m.From != nil {
		return Identity{
			Username:  m.From.Username,
			ID:        string(m.From.ID),
			FirstName: m.From.FirstName,
			LastName:  m.From.LastName,
		}
	}
	return Identity{}
}

// Update is one notification from the external platform. At most one of the
// message fields is normally set, but platforms are known to deliver the
// same post under more than one of them.
type Update struct {
	UpdateID          int64    `json:"update_id"`
	Message           *Message `json:"message,omitempty"`
	EditedMessage     *Message `json:"edited_message,omitempty"`
	ChannelPost       *Message `json:"channel_post,omitempty"`
	EditedChannelPost *Message `json:"edited_channel_post,omitempty"`
}

// UpdateKind names the sub-update a message was taken from.
type UpdateKind string

const (
	KindMessage           UpdateKind = "message"
	KindEditedMessage     UpdateKind = "edited_message"
	KindChannelPost       UpdateKind = "channel_post"
	KindEditedChannelPost UpdateKind = "edited_channel_post"
)

// messages returns the sub-updates in extraction priority order.
func (u *Update) messages() []struct {
	kind UpdateKind
	msg  *Message
} {
	return []struct {
		kind UpdateKind
		msg  *Message
	}{
		{KindMessage, u.Message},
		{KindEditedMessage, u.EditedMessage},
		{KindChannelPost, u.ChannelPost},
		{KindEditedChannelPost, u.EditedChannelPost},
	}
}

// First returns the highest priority sub-update that is present, whether or
// not it carries text.
func (u *Update) First() (UpdateKind, *Message) {
	if u == nil {
		return "", nil
	}
	for _, sub := range u.messages() {
		if sub.msg != nil {
			return sub.kind, sub.msg
		}
	}
	return "", nil
}

// TextMessage returns the highest priority sub-update that carries text,
// together with that text. The text field wins over the caption. It returns
// a nil message when no sub-update has any.
func (u *Update) TextMessage() (UpdateKind, *Message, string) {
	if u == nil {
		return "", nil, ""
	}
	for _, sub := range u.messages() {
		if sub.msg == nil {
			continue
		}
		if sub.msg.Text != "" {
			return sub.kind, sub.msg, sub.msg.Text
		}
		if sub.msg.Caption != "" {
			return sub.kind, sub.msg, sub.msg.Caption
		}
	}
	return "", nil, ""
}

// UpdateHandler receives updates from an external platform listener.
type UpdateHandler func(ctx context.Context, upd *Update)
