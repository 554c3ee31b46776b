// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package mattermost

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/mattermost/mattermost/server/public/model"
	"github.com/rs/zerolog"

	"github.com/aiku/chatrelay/pkg/relay"
)

const (
	testToken  = "bot-token"
	testBotID  = "botuserid"
	testUserID = "aliceid"
)

// endpointCall records which API endpoints were hit during a test.
type endpointCall struct {
	Method string
	Path   string
	Body   string
}

// fakeMM wraps an httptest.Server simulating the Mattermost API.
type fakeMM struct {
	Server *httptest.Server

	mu    sync.Mutex
	calls []endpointCall

	// Users maps user ID to model.User for GetUser/GetMe responses.
	Users map[string]*model.User
	// Channels maps channel ID to model.Channel.
	Channels map[string]*model.Channel
	// FailEndpoints causes specific path prefixes to return 500.
	FailEndpoints map[string]bool
}

func newFakeMM(t *testing.T) *fakeMM {
	t.Helper()
	f := &fakeMM{
		Users: map[string]*model.User{
			testBotID:  {Id: testBotID, Username: "relay-bot", IsBot: true},
			testUserID: {Id: testUserID, Username: "alice", FirstName: "Alice", LastName: "Liddell"},
		},
		Channels:      make(map[string]*model.Channel),
		FailEndpoints: make(map[string]bool),
	}
	f.Server = httptest.NewServer(http.HandlerFunc(f.handler))
	t.Cleanup(f.Server.Close)
	return f
}

func (f *fakeMM) Calls(method, path string) []endpointCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []endpointCall
	for _, c := range f.calls {
		if c.Method == method && c.Path == path {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeMM) handler(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	path := r.URL.Path

	f.mu.Lock()
	f.calls = append(f.calls, endpointCall{Method: r.Method, Path: path, Body: string(body)})
	failing := false
	for prefix := range f.FailEndpoints {
		if strings.HasPrefix(path, prefix) {
			failing = true
		}
	}
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	auth := r.Header.Get("Authorization")
	if auth != "BEARER "+testToken && auth != "Bearer "+testToken {
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(map[string]string{"message": "unauthorized"})
		return
	}
	if failing {
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(map[string]string{"message": "fake error"})
		return
	}

	switch {
	case r.Method == http.MethodGet && path == "/api/v4/users/me":
		_ = json.NewEncoder(w).Encode(f.Users[testBotID])

	case r.Method == http.MethodGet && strings.HasPrefix(path, "/api/v4/users/"):
		if u, ok := f.Users[strings.TrimPrefix(path, "/api/v4/users/")]; ok {
			_ = json.NewEncoder(w).Encode(u)
			return
		}
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]string{"message": "user not found"})

	case r.Method == http.MethodGet && strings.HasPrefix(path, "/api/v4/channels/"):
		if ch, ok := f.Channels[strings.TrimPrefix(path, "/api/v4/channels/")]; ok {
			_ = json.NewEncoder(w).Encode(ch)
			return
		}
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]string{"message": "channel not found"})

	case r.Method == http.MethodPost && path == "/api/v4/posts":
		var post model.Post
		_ = json.Unmarshal(body, &post)
		post.Id = "newpostid"
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(&post)

	default:
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]string{"message": "not found: " + path})
	}
}

// newTestClient returns a client for f that has already logged in.
func newTestClient(t *testing.T, f *fakeMM, botPrefix string) *Client {
	t.Helper()
	c := NewClient(f.Server.URL, testToken, botPrefix, zerolog.Nop())
	if _, err := c.Login(context.Background()); err != nil {
		t.Fatalf("Login: %v", err)
	}
	return c
}

// newWebSocketEvent creates a model.WebSocketEvent for testing handlers.
func newWebSocketEvent(eventType model.WebsocketEventType, channelID string, data map[string]any) *model.WebSocketEvent {
	evt := model.NewWebSocketEvent(eventType, "", channelID, "", nil, "")
	return evt.SetData(data)
}

func postJSON(t *testing.T, post *model.Post) string {
	t.Helper()
	data, err := json.Marshal(post)
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

// collect records every update handed to it.
type collect struct {
	mu      sync.Mutex
	updates []*relay.Update
}

func (c *collect) Handle(_ context.Context, upd *relay.Update) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.updates = append(c.updates, upd)
}

func (c *collect) Updates() []*relay.Update {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*relay.Update(nil), c.updates...)
}
