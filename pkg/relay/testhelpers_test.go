// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package relay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// mockConn captures envelopes sent to it.
type mockConn struct {
	id string

	mu       sync.Mutex
	received []*Envelope
	failWith error
}

func newMockConn(id string) *mockConn {
	return &mockConn{id: id}
}

func (m *mockConn) ID() string { return m.id }

func (m *mockConn) Send(env *Envelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return m.failWith
	}
	m.received = append(m.received, env)
	return nil
}

func (m *mockConn) Received() []*Envelope {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]*Envelope, len(m.received))
	copy(cp, m.received)
	return cp
}

// mockExternal records texts sent to the external channel.
type mockExternal struct {
	mu       sync.Mutex
	sent     []sentText
	failWith error
}

type sentText struct {
	ChannelID string
	Text      string
}

func (m *mockExternal) SendText(_ context.Context, channelID, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return m.failWith
	}
	m.sent = append(m.sent, sentText{ChannelID: channelID, Text: text})
	return nil
}

func (m *mockExternal) Sent() []sentText {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]sentText, len(m.sent))
	copy(cp, m.sent)
	return cp
}

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var errMockSend = errors.New("mock send failure")

// newTestRelay builds a started relay with a mock external channel bridged
// to chat "-100" and room "r1".
func newTestRelay(t *testing.T, ext ExternalSender) (*Relay, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	r, err := New(Options{
		Dedup:       DedupConfig{},
		Identities:  map[string]string{"bob": "Bobby", "42": "Steve"},
		External:    ext,
		Platform:    OriginTelegram,
		TargetChat:  "-100",
		BridgedRoom: "r1",
		Now:         clock.Now,
		Log:         zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	r.Start(context.Background())
	t.Cleanup(r.Stop)
	return r, clock
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
