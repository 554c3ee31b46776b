// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package relay

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func newTestNormalizer(maxBytes int) *Normalizer {
	n := NewNormalizer(NewIdentityMapper(map[string]string{"bob": "Bobby", "42": "Steve"}), maxBytes)
	n.newID = func() string { return "generated" }
	n.now = func() time.Time { return time.UnixMilli(1_700_000_000_000) }
	return n
}

func TestNormalizeClient(t *testing.T) {
	t.Parallel()

	n := newTestNormalizer(DefaultMaxBodyBytes)
	tests := []struct {
		name       string
		raw        string
		room       string
		wantID     string
		wantRoom   string
		wantSender string
		wantBody   string
		wantTS     int64
	}{
		{
			name: "full envelope", raw: `{"id":"x1","sender":"A","message":"hi","ts":1700000001000}`, room: "r1",
			wantID: "x1", wantRoom: "r1", wantSender: "A", wantBody: "hi", wantTS: 1_700_000_001_000,
		},
		{
			name: "plain text", raw: "hello there", room: "r1",
			wantID: "generated", wantRoom: "r1", wantSender: DefaultClientSender, wantBody: "hello there", wantTS: 1_700_000_000_000,
		},
		{
			name: "json array is text", raw: `[1,2]`, room: "r1",
			wantID: "generated", wantRoom: "r1", wantSender: DefaultClientSender, wantBody: "[1,2]", wantTS: 1_700_000_000_000,
		},
		{
			name: "truncated json is text", raw: `{"sender":"A"`, room: "r1",
			wantID: "generated", wantRoom: "r1", wantSender: DefaultClientSender, wantBody: `{"sender":"A"`, wantTS: 1_700_000_000_000,
		},
		{
			name: "empty object", raw: `{}`, room: "r1",
			wantID: "generated", wantRoom: "r1", wantSender: DefaultClientSender, wantBody: "", wantTS: 1_700_000_000_000,
		},
		{
			name: "alternate field names", raw: `{"username":" Bob ","body":"yo"}`, room: "r1",
			wantID: "generated", wantRoom: "r1", wantSender: "Bob", wantBody: "yo", wantTS: 1_700_000_000_000,
		},
		{
			name: "text field and numeric id", raw: `{"id":17,"name":"C","text":"t"}`, room: "r1",
			wantID: "17", wantRoom: "r1", wantSender: "C", wantBody: "t", wantTS: 1_700_000_000_000,
		},
		{
			name: "connection room wins", raw: `{"room":"r2","message":"x"}`, room: "r1",
			wantID: "generated", wantRoom: "r1", wantSender: DefaultClientSender, wantBody: "x", wantTS: 1_700_000_000_000,
		},
		{
			name: "frame room used without connection room", raw: `{"room":"r2","message":"x"}`, room: "",
			wantID: "generated", wantRoom: "r2", wantSender: DefaultClientSender, wantBody: "x", wantTS: 1_700_000_000_000,
		},
		{
			name: "non-scalar fields are ignored", raw: `{"sender":{"a":1},"message":["x"],"ts":"soon"}`, room: "r1",
			wantID: "generated", wantRoom: "r1", wantSender: DefaultClientSender, wantBody: "", wantTS: 1_700_000_000_000,
		},
		{
			name: "blank sender defaults", raw: `{"sender":"   ","message":"x"}`, room: "r1",
			wantID: "generated", wantRoom: "r1", wantSender: DefaultClientSender, wantBody: "x", wantTS: 1_700_000_000_000,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := n.Client([]byte(tt.raw), tt.room)
			if got.Origin != OriginClient {
				t.Errorf("Origin = %q, want %q", got.Origin, OriginClient)
			}
			if got.ID != tt.wantID {
				t.Errorf("ID = %q, want %q", got.ID, tt.wantID)
			}
			if got.Room != tt.wantRoom {
				t.Errorf("Room = %q, want %q", got.Room, tt.wantRoom)
			}
			if got.Sender != tt.wantSender {
				t.Errorf("Sender = %q, want %q", got.Sender, tt.wantSender)
			}
			if got.Body != tt.wantBody {
				t.Errorf("Body = %q, want %q", got.Body, tt.wantBody)
			}
			if got.Timestamp.UnixMilli() != tt.wantTS {
				t.Errorf("Timestamp = %d, want %d", got.Timestamp.UnixMilli(), tt.wantTS)
			}
		})
	}
}

func TestNormalizeClientCannotSpoofOrigin(t *testing.T) {
	t.Parallel()

	n := newTestNormalizer(0)
	got := n.Client([]byte(`{"origin":"telegram","sender":"A","message":"hi"}`), "r1")
	if got.Origin != OriginClient {
		t.Errorf("Origin = %q, want %q", got.Origin, OriginClient)
	}
}

func TestNormalizeClientTruncatesOnRuneBoundary(t *testing.T) {
	t.Parallel()

	n := newTestNormalizer(5)
	// "héllo" is 6 bytes, with é taking bytes 1 and 2.
	if got := n.Client([]byte("héllo"), "r1").Body; got != "héll" {
		t.Errorf("Body = %q, want %q", got, "héll")
	}
	n = newTestNormalizer(2)
	if got := n.Client([]byte("héllo"), "r1").Body; got != "h" {
		t.Errorf("Body = %q, want %q", got, "h")
	}
}

func TestNormalizeExternal(t *testing.T) {
	t.Parallel()

	n := newTestNormalizer(DefaultMaxBodyBytes)
	tests := []struct {
		name       string
		raw        string
		wantNil    bool
		wantSender string
		wantBody   string
	}{
		{
			name:       "mapped username",
			raw:        `{"update_id":1,"message":{"message_id":5,"from":{"id":7,"username":"bob"},"chat":{"id":-100,"type":"group"},"date":1700000000,"text":"hello"}}`,
			wantSender: "Bobby", wantBody: "hello",
		},
		{
			name:       "mapped numeric id",
			raw:        `{"update_id":2,"message":{"message_id":5,"from":{"id":42},"chat":{"id":-100,"type":"group"},"text":"hey"}}`,
			wantSender: "Steve", wantBody: "hey",
		},
		{
			name:       "caption when no text",
			raw:        `{"update_id":3,"message":{"message_id":5,"from":{"id":1,"first_name":"Ada","last_name":"L"},"chat":{"id":-100,"type":"group"},"caption":"look"}}`,
			wantSender: "Ada L", wantBody: "look",
		},
		{
			name:       "text preferred over caption",
			raw:        `{"update_id":4,"message":{"message_id":5,"from":{"id":99},"chat":{"id":-100,"type":"group"},"text":"t","caption":"c"}}`,
			wantSender: "99", wantBody: "t",
		},
		{
			name:       "edited message",
			raw:        `{"update_id":5,"edited_message":{"message_id":5,"from":{"id":1,"username":"zed"},"chat":{"id":-100,"type":"group"},"text":"fixed"}}`,
			wantSender: "zed", wantBody: "fixed",
		},
		{
			name:       "channel post uses sender chat",
			raw:        `{"update_id":6,"channel_post":{"message_id":5,"sender_chat":{"id":-100,"type":"channel","title":"News"},"chat":{"id":-100,"type":"channel"},"text":"post"}}`,
			wantSender: "News", wantBody: "post",
		},
		{
			name:       "message without text falls through to channel post",
			raw:        `{"update_id":7,"message":{"message_id":5,"chat":{"id":-100,"type":"group"}},"channel_post":{"message_id":6,"chat":{"id":-100,"type":"channel"},"text":"alt"}}`,
			wantSender: UnknownSender, wantBody: "alt",
		},
		{
			name:    "no text anywhere",
			raw:     `{"update_id":8,"message":{"message_id":5,"from":{"id":1},"chat":{"id":-100,"type":"group"}}}`,
			wantNil: true,
		},
		{
			name:    "empty update",
			raw:     `{"update_id":9}`,
			wantNil: true,
		},
		{
			name:    "garbage",
			raw:     `not json`,
			wantNil: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := n.Normalize([]byte(tt.raw), OriginTelegram, "r1")
			if tt.wantNil {
				if got != nil {
					t.Fatalf("got envelope %+v, want none", got)
				}
				return
			}
			if got == nil {
				t.Fatal("got no envelope")
			}
			if got.Origin != OriginTelegram {
				t.Errorf("Origin = %q, want %q", got.Origin, OriginTelegram)
			}
			if got.Room != "r1" {
				t.Errorf("Room = %q, want %q", got.Room, "r1")
			}
			if got.Sender != tt.wantSender {
				t.Errorf("Sender = %q, want %q", got.Sender, tt.wantSender)
			}
			if got.Body != tt.wantBody {
				t.Errorf("Body = %q, want %q", got.Body, tt.wantBody)
			}
			if got.ID == "" {
				t.Error("ID is empty")
			}
		})
	}
}

func TestNormalizeExternalNeverClientOrigin(t *testing.T) {
	t.Parallel()

	n := newTestNormalizer(0)
	upd := &Update{Message: &Message{Chat: Chat{ID: "1", Type: ChatTypePrivate}, Text: "x"}}
	if got := n.External(upd, OriginClient, "r1"); got.Origin != OriginExternal {
		t.Errorf("Origin = %q, want %q", got.Origin, OriginExternal)
	}
	if n.External(nil, OriginTelegram, "r1") != nil {
		t.Error("nil update should yield no envelope")
	}
}

func TestNormalizeClientDispatch(t *testing.T) {
	t.Parallel()

	n := newTestNormalizer(0)
	got := n.Normalize([]byte(`{"sender":"A","message":"hi"}`), OriginClient, "r1")
	if got == nil || got.Sender != "A" || got.Origin != OriginClient {
		t.Errorf("Normalize(client) = %+v", got)
	}
}

func TestEnvelopeMarshalJSON(t *testing.T) {
	t.Parallel()

	e := Envelope{
		ID: "x1", Origin: OriginTelegram, Room: "r1", Sender: "Bobby", Body: "hello",
		Timestamp: time.UnixMilli(1_700_000_000_123),
	}
	data, err := json.Marshal(e)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	want := `{"id":"x1","origin":"telegram","room":"r1","sender":"Bobby","message":"hello","ts":1700000000123}`
	if string(data) != want {
		t.Errorf("got %s, want %s", data, want)
	}

	data, err = json.Marshal(&Envelope{ID: "y", Origin: OriginClient})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if !strings.Contains(string(data), `"message":""`) || strings.Contains(string(data), `"room"`) {
		t.Errorf("unexpected minimal encoding %s", data)
	}
}

func TestPlatformIDJSON(t *testing.T) {
	t.Parallel()

	var c Chat
	if err := json.Unmarshal([]byte(`{"id":-1001234567890,"type":"supergroup"}`), &c); err != nil {
		t.Fatalf("Unmarshal numeric: %v", err)
	}
	if c.ID != "-1001234567890" {
		t.Errorf("numeric id = %q", c.ID)
	}
	if err := json.Unmarshal([]byte(`{"id":"abc123","type":"group"}`), &c); err != nil {
		t.Fatalf("Unmarshal string: %v", err)
	}
	if c.ID != "abc123" {
		t.Errorf("string id = %q", c.ID)
	}
	if err := json.Unmarshal([]byte(`{"id":true}`), &c); err == nil {
		t.Error("bool id should fail")
	}

	data, _ := json.Marshal(Chat{ID: "-100", Type: ChatTypeGroup})
	if string(data) != `{"id":-100,"type":"group"}` {
		t.Errorf("Marshal numeric id = %s", data)
	}
	data, _ = json.Marshal(Chat{ID: "abc", Type: ChatTypeGroup})
	if string(data) != `{"id":"abc","type":"group"}` {
		t.Errorf("Marshal string id = %s", data)
	}

	for _, id := range []PlatformID{"007", "+5", "-0", "99999999999999999999"} {
		data, err := json.Marshal(User{ID: id})
		if err != nil {
			t.Errorf("Marshal %q: %v", id, err)
			continue
		}
		var back User
		if err = json.Unmarshal(data, &back); err != nil || back.ID != id {
			t.Errorf("round trip of %q = %q (%s), err %v", id, back.ID, data, err)
		}
	}
}

func TestMessageIdentity(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		msg  Message
		want Identity
	}{
		{
			name: "user",
			msg:  Message{From: &User{ID: "5", Username: "bob", FirstName: "Bob", LastName: "B"}},
			want: Identity{Username: "bob", ID: "5", FirstName: "Bob", LastName: "B"},
		},
		{
			name: "anonymous admin",
			msg: Message{
				From:       &User{ID: "1087968824", IsBot: true, Username: "GroupAnonymousBot", FirstName: "Group"},
				SenderChat: &Chat{ID: "-100", Type: ChatTypeSupergroup, Title: "Team Chat"},
			},
			want: Identity{ID: "-100", FirstName: "Team Chat"},
		},
		{
			name: "automatic forward",
			msg: Message{
				From:       &User{ID: "777000", FirstName: "Telegram"},
				SenderChat: &Chat{ID: "-200", Type: ChatTypeChannel, Title: "News", Username: "newsfeed"},
			},
			want: Identity{Username: "newsfeed", ID: "-200", FirstName: "News"},
		},
		{name: "nobody", msg: Message{}, want: Identity{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.msg.Identity(); got != tt.want {
				t.Errorf("Identity() = %+v, want %+v", got, tt.want)
			}
		})
	}
}
