// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package relay

import (
	"encoding/json"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

// DefaultClientSender is the sender placeholder for client frames that do
// not name one.
const DefaultClientSender = "anonymous"

// DefaultMaxBodyBytes caps the body of client-origin envelopes.
const DefaultMaxBodyBytes = 4096

// Field names accepted in client JSON frames, in lookup order.
var (
	senderFields = []string{"sender", "username", "name"}
	bodyFields   = []string{"message", "body", "text"}
)

// Normalizer turns raw inbound payloads into envelopes. It holds no mutable
// state and is safe for concurrent use.
type Normalizer struct {
	identities   *IdentityMapper
	maxBodyBytes int
	newID        func() string
	now          func() time.Time
}

// NewNormalizer creates a normalizer resolving external senders through
// identities. maxBodyBytes <= 0 disables truncation of client bodies.
func NewNormalizer(identities *IdentityMapper, maxBodyBytes int) *Normalizer {
	return &Normalizer{
		identities:   identities,
		maxBodyBytes: maxBodyBytes,
		newID:        uuid.NewString,
		now:          time.Now,
	}
}

// Normalize dispatches on origin. Client input goes through Client; external
// input is decoded as a platform update and goes through External. A nil
// result means there is nothing to route.
func (n *Normalizer) Normalize(raw []byte, origin Origin, room string) *Envelope {
	if !origin.IsExternal() {
		return n.Client(raw, room)
	}
	var upd Update
	if err := json.Unmarshal(raw, &upd); err != nil {
		return nil
	}
	return n.External(&upd, origin, room)
}

// Client normalizes a frame received from a client connection. It never
// fails: anything that is not a JSON object becomes the body of an envelope
// from DefaultClientSender. The origin is always OriginClient and the room is
// the one the connection registered with, whatever the frame claims; the
// frame's own room is used only when room is empty.
func (n *Normalizer) Client(raw []byte, room string) *Envelope {
	env := &Envelope{
		Origin: OriginClient,
		Room:   room,
		Sender: DefaultClientSender,
	}

	if !gjson.ValidBytes(raw) || !gjson.ParseBytes(raw).IsObject() {
		env.ID = n.newID()
		env.Body = n.clampBody(string(raw))
		env.Timestamp = n.now()
		return env
	}

	obj := gjson.ParseBytes(raw)
	env.ID = scalarString(obj.Get("id"))
	if env.ID == "" {
		env.ID = n.newID()
	}
	if sender := strings.TrimSpace(firstString(obj, senderFields)); sender != "" {
		env.Sender = sender
	}
	env.Body = n.clampBody(firstString(obj, bodyFields))
	if env.Room == "" {
		env.Room = strings.TrimSpace(scalarString(obj.Get("room")))
	}
	if ts := obj.Get("ts"); ts.Type == gjson.Number && ts.Int() > 0 {
		env.Timestamp = time.UnixMilli(ts.Int())
	} else {
		env.Timestamp = n.now()
	}
	return env
}

// External normalizes a platform update. Text is taken from the first
// sub-update (message, edited message, channel post, edited channel post)
// that has any, preferring the text field over the caption. It returns nil
// when no sub-update carries text.
func (n *Normalizer) External(upd *Update, origin Origin, room string) *Envelope {
	if upd == nil {
		return nil
	}
	if !origin.IsExternal() {
		origin = OriginExternal
	}
	_, msg, text := upd.TextMessage()
	if msg == nil {
		return nil
	}
	ts := n.now()
	if msg.Date > 0 {
		ts = time.Unix(msg.Date, 0)
	}
	return &Envelope{
		ID:        n.newID(),
		Origin:    origin,
		Room:      room,
		Sender:    n.identities.Resolve(msg.Identity()),
		Body:      text,
		Timestamp: ts,
	}
}

func (n *Normalizer) clampBody(body string) string {
	if n.maxBodyBytes <= 0 || len(body) <= n.maxBodyBytes {
		return body
	}
	cut := n.maxBodyBytes
	for cut > 0 && !utf8.RuneStart(body[cut]) {
		cut--
	}
	return body[:cut]
}

// scalarString renders strings and numbers; other JSON types count as absent.
func scalarString(res gjson.Result) string {
	switch res.Type {
	case gjson.String:
		return res.Str
	case gjson.Number:
		return res.Raw
	default:
		return ""
	}
}

func firstString(obj gjson.Result, fields []string) string {
	for _, field := range fields {
		if v := scalarString(obj.Get(field)); v != "" {
			return v
		}
	}
	return ""
}
