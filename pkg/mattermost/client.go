// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package mattermost connects the relay to a Mattermost channel. Posts are
// read from the server WebSocket and relay output is written with the REST
// API as the bot account.
package mattermost

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mattermost/mattermost/server/public/model"
	"github.com/rs/zerolog"
	"go.mau.fi/util/exhttp"
	"go.mau.fi/util/exsync"

	"github.com/aiku/chatrelay/pkg/relay"
)

// ErrNotLoggedIn is returned by Run before Login has succeeded.
var ErrNotLoggedIn = errors.New("mattermost client is not logged in")

// Client is a bot connection to one Mattermost server.
type Client struct {
	api       *model.Client4
	serverURL string
	botPrefix string
	log       zerolog.Logger

	userID     atomic.Pointer[string]
	users      *exsync.Map[string, *relay.User]
	chatTypes  *exsync.Map[string, string]
	nextUpdate atomic.Int64

	stopOnce sync.Once
	stopChan chan struct{}
}

var _ relay.ExternalSender = (*Client)(nil)

// NewClient creates a client for serverURL authenticated with token.
// Posts from usernames starting with botPrefix are never relayed.
func NewClient(serverURL, token, botPrefix string, log zerolog.Logger) *Client {
	serverURL = strings.TrimSuffix(serverURL, "/")
	api := model.NewAPIv4Client(serverURL)
	api.SetToken(token)
	api.HTTPClient = exhttp.SensibleClientSettings.Compile()
	return &Client{
		api:       api,
		serverURL: serverURL,
		botPrefix: botPrefix,
		log:       log.With().Str("component", "mm_client").Logger(),
		users:     exsync.NewMap[string, *relay.User](),
		chatTypes: exsync.NewMap[string, string](),
		stopChan:  make(chan struct{}),
	}
}

// Login verifies the token and remembers the bot user so its own posts are
// skipped.
func (c *Client) Login(ctx context.Context) (*relay.User, error) {
	me, _, err := c.api.GetMe(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("failed to verify Mattermost session: %w", err)
	}
	c.userID.Store(&me.Id)
	user := toRelayUser(me)
	c.users.Set(me.Id, user)
	c.log.Info().Str("user_id", me.Id).Str("username", me.Username).Msg("Authenticated")
	return user, nil
}

func (c *Client) ownUserID() string {
	if id := c.userID.Load(); id != nil {
		return *id
	}
	return ""
}

// SendText posts text to channelID as the bot.
func (c *Client) SendText(ctx context.Context, channelID, text string) error {
	_, _, err := c.api.CreatePost(ctx, &model.Post{ChannelId: channelID, Message: text})
	if err != nil {
		return fmt.Errorf("failed to create post in %s: %w", channelID, err)
	}
	return nil
}

// Backoff bounds for WebSocket reconnects.
const (
	minBackoff = time.Second
	maxBackoff = 30 * time.Second
)

// Run listens on the server WebSocket until ctx is done or Stop is called,
// handing every relayable post to handler. A closed socket is reopened with
// exponential back-off.
func (c *Client) Run(ctx context.Context, handler relay.UpdateHandler) error {
	if c.ownUserID() == "" {
		return ErrNotLoggedIn
	}
	backoff := minBackoff
	for {
		ws, err := c.connectWebSocket()
		if err != nil {
			c.log.Warn().Err(err).Dur("retry_in", backoff).Msg("WebSocket connection failed")
			select {
			case <-ctx.Done():
				return nil
			case <-c.stopChan:
				return nil
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}
		backoff = minBackoff
		if !c.listenWebSocket(ctx, ws, handler) {
			return nil
		}
		c.log.Warn().Msg("WebSocket event channel closed, reconnecting")
	}
}

// Stop ends Run.
func (c *Client) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopChan)
	})
}

func (c *Client) connectWebSocket() (*model.WebSocketClient, error) {
	wsURL := httpToWS(c.serverURL)
	ws, err := model.NewWebSocketClient4(wsURL, c.api.AuthToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create websocket client: %w", err)
	}
	ws.Listen()
	c.log.Info().Str("ws_url", wsURL).Msg("WebSocket connected")
	return ws, nil
}

// listenWebSocket reports whether the socket closed on its own, in which
// case the caller reconnects.
func (c *Client) listenWebSocket(ctx context.Context, ws *model.WebSocketClient, handler relay.UpdateHandler) bool {
	defer ws.Close()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-c.stopChan:
			return false
		case evt, ok := <-ws.EventChannel:
			if !ok {
				return true
			}
			if evt == nil {
				continue
			}
			c.handleEvent(ctx, evt, handler)
		}
	}
}

// httpToWS converts an HTTP(S) URL to a WS(S) URL.
func httpToWS(url string) string {
	if strings.HasPrefix(url, "https://") {
		return "wss://" + strings.TrimPrefix(url, "https://")
	}
	if strings.HasPrefix(url, "http://") {
		return "ws://" + strings.TrimPrefix(url, "http://")
	}
	return url
}

func toRelayUser(u *model.User) *relay.User {
	return &relay.User{
		ID:        relay.PlatformID(u.Id),
		IsBot:     u.IsBot,
		Username:  u.Username,
		FirstName: u.FirstName,
		LastName:  u.LastName,
	}
}

// lookupUser returns the cached profile of userID, fetching it on a miss.
// When the server cannot be reached, the sender name from the event is
// used instead and nothing is cached.
func (c *Client) lookupUser(ctx context.Context, userID, senderName string) *relay.User {
	if user, ok := c.users.Get(userID); ok {
		return user
	}
	mmUser, _, err := c.api.GetUser(ctx, userID, "")
	if err != nil {
		c.log.Debug().Err(err).Str("user_id", userID).Msg("Failed to fetch user, using sender name")
		return &relay.User{ID: relay.PlatformID(userID), Username: senderName}
	}
	user := toRelayUser(mmUser)
	c.users.Set(userID, user)
	return user
}

// chatType maps a Mattermost channel type to the relay's chat types.
func chatType(t model.ChannelType) string {
	switch t {
	case model.ChannelTypeDirect:
		return relay.ChatTypePrivate
	case model.ChannelTypeGroup:
		return relay.ChatTypeGroup
	case model.ChannelTypeOpen, model.ChannelTypePrivate:
		return relay.ChatTypeSupergroup
	default:
		return ""
	}
}

// lookupChatType returns the relay chat type of channelID. Posted events
// carry the channel type; edits do not, so it is cached or fetched.
func (c *Client) lookupChatType(ctx context.Context, channelID, fromEvent string) string {
	if fromEvent != "" {
		typ := chatType(model.ChannelType(fromEvent))
		c.chatTypes.Set(channelID, typ)
		return typ
	}
	if typ, ok := c.chatTypes.Get(channelID); ok {
		return typ
	}
	channel, _, err := c.api.GetChannel(ctx, channelID, "")
	if err != nil {
		c.log.Debug().Err(err).Str("channel_id", channelID).Msg("Failed to fetch channel type")
		return ""
	}
	typ := chatType(channel.Type)
	c.chatTypes.Set(channelID, typ)
	return typ
}
