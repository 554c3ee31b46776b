// Copyright 2024-2026 Aiku AI

package relay

import (
	"encoding/json"
	"time"
)

// Origin tags the side an envelope entered the relay from. Client-origin
// envelopes carry OriginClient; external envelopes carry the label of the
// platform they came from.
type Origin string

const (
	OriginClient     Origin = "client"
	OriginExternal   Origin = "external"
	OriginTelegram   Origin = "telegram"
	OriginMattermost Origin = "mattermost"
)

// IsExternal reports whether the origin is anything other than a client
// connection.
func (o Origin) IsExternal() bool {
	return o != "" && o != OriginClient
}

// Envelope is the canonical message unit routed through the relay.
type Envelope struct {
	ID        string
	Origin    Origin
	Room      string
	Sender    string
	Body      string
	Timestamp time.Time
}

type wireEnvelope struct {
	ID      string `json:"id"`
	Origin  Origin `json:"origin"`
	Room    string `json:"room,omitempty"`
	Sender  string `json:"sender"`
	Message string `json:"message"`
	TS      int64  `json:"ts"`
}

// MarshalJSON renders the envelope in its wire form, with the body under
// "message" and the timestamp as epoch milliseconds.
func (e Envelope) MarshalJSON() ([]byte, error) {
	var ts int64
	if !e.Timestamp.IsZero() {
		ts = e.Timestamp.UnixMilli()
	}
	return json.Marshal(wireEnvelope{
		ID:      e.ID,
		Origin:  e.Origin,
		Room:    e.Room,
		Sender:  e.Sender,
		Message: e.Body,
		TS:      ts,
	})
}
