// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package telegram connects the relay to a Telegram group through the Bot
// API, using long polling or a webhook for inbound updates.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/util/exhttp"
	"go.mau.fi/util/retryafter"

	"github.com/aiku/chatrelay/pkg/relay"
)

// DefaultAPIURL is the public Bot API endpoint.
const DefaultAPIURL = "https://api.telegram.org"

// DefaultPollTimeout is the long poll timeout passed to getUpdates.
const DefaultPollTimeout = 30 * time.Second

// MaxMessageLength is the longest text sendMessage accepts, in characters.
const MaxMessageLength = 4096

// APIError is an unsuccessful Bot API response.
type APIError struct {
	Method      string
	Code        int
	Description string
	RetryAfter  time.Duration
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telegram %s failed (%d): %s", e.Method, e.Code, e.Description)
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	ErrorCode   int             `json:"error_code"`
	Description string          `json:"description"`
	Parameters  *struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

// Client talks to the Bot API for a single bot.
type Client struct {
	token       string
	baseURL     string
	http        *http.Client
	pollTimeout time.Duration
	log         zerolog.Logger

	meLock sync.RWMutex
	me     *relay.User
}

var _ relay.ExternalSender = (*Client)(nil)

// NewClient creates a Bot API client. An empty apiURL uses DefaultAPIURL.
func NewClient(token, apiURL string, pollTimeout time.Duration, log zerolog.Logger) *Client {
	if apiURL == "" {
		apiURL = DefaultAPIURL
	}
	if pollTimeout <= 0 {
		pollTimeout = DefaultPollTimeout
	}
	// The response header wait must cover the long poll.
	settings := exhttp.SensibleClientSettings.WithResponseHeaderTimeout(pollTimeout + 10*time.Second)
	return &Client{
		token:       token,
		baseURL:     strings.TrimSuffix(apiURL, "/"),
		http:        settings.Compile(),
		pollTimeout: pollTimeout,
		log:         log.With().Str("component", "telegram").Logger(),
	}
}

func (c *Client) call(ctx context.Context, method string, params, result any) error {
	body, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("failed to marshal %s params: %w", method, err)
	}
	endpoint := fmt.Sprintf("%s/bot%s/%s", c.baseURL, c.token, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		// The URL contains the token; keep it out of logs.
		var urlErr *url.Error
		if errors.As(err, &urlErr) {
			err = urlErr.Err
		}
		return fmt.Errorf("telegram %s request failed: %w", method, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("failed to read %s response: %w", method, err)
	}
	var parsed apiResponse
	if err = json.Unmarshal(data, &parsed); err != nil {
		return &APIError{Method: method, Code: resp.StatusCode, Description: fmt.Sprintf("invalid response: %v", err)}
	}
	if !parsed.OK {
		apiErr := &APIError{Method: method, Code: parsed.ErrorCode, Description: parsed.Description}
		if apiErr.Code == 0 {
			apiErr.Code = resp.StatusCode
		}
		if parsed.Parameters != nil && parsed.Parameters.RetryAfter > 0 {
			apiErr.RetryAfter = time.Duration(parsed.Parameters.RetryAfter) * time.Second
		} else if retryafter.Should(apiErr.Code, true) {
			apiErr.RetryAfter = retryafter.Parse(resp.Header.Get("Retry-After"), 0)
		}
		return apiErr
	}
	if result != nil {
		if err = json.Unmarshal(parsed.Result, result); err != nil {
			return fmt.Errorf("failed to decode %s result: %w", method, err)
		}
	}
	return nil
}

// GetMe verifies the token and returns the bot account.
func (c *Client) GetMe(ctx context.Context) (*relay.User, error) {
	var me relay.User
	if err := c.call(ctx, "getMe", struct{}{}, &me); err != nil {
		return nil, err
	}
	c.meLock.Lock()
	c.me = &me
	c.meLock.Unlock()
	return &me, nil
}

// Me returns the bot account fetched by GetMe, or nil.
func (c *Client) Me() *relay.User {
	c.meLock.RLock()
	defer c.meLock.RUnlock()
	return c.me
}

type sendMessageParams struct {
	ChatID string `json:"chat_id"`
	Text   string `json:"text"`
}

// SendText sends a plain text message to chatID. Text longer than the Bot
// API limit is cut.
func (c *Client) SendText(ctx context.Context, chatID, text string) error {
	if runes := []rune(text); len(runes) > MaxMessageLength {
		text = string(runes[:MaxMessageLength])
	}
	return c.call(ctx, "sendMessage", sendMessageParams{ChatID: chatID, Text: text}, nil)
}

type getUpdatesParams struct {
	Offset         int64    `json:"offset,omitempty"`
	Timeout        int      `json:"timeout"`
	AllowedUpdates []string `json:"allowed_updates"`
}

var allowedUpdates = []string{
	string(relay.KindMessage),
	string(relay.KindEditedMessage),
	string(relay.KindChannelPost),
	string(relay.KindEditedChannelPost),
}

// GetUpdates long-polls for updates after offset.
func (c *Client) GetUpdates(ctx context.Context, offset int64) ([]relay.Update, error) {
	var updates []relay.Update
	err := c.call(ctx, "getUpdates", getUpdatesParams{
		Offset:         offset,
		Timeout:        int(c.pollTimeout / time.Second),
		AllowedUpdates: allowedUpdates,
	}, &updates)
	return updates, err
}

type setWebhookParams struct {
	URL            string   `json:"url"`
	SecretToken    string   `json:"secret_token,omitempty"`
	AllowedUpdates []string `json:"allowed_updates"`
}

// SetWebhook registers webhookURL as the webhook target.
func (c *Client) SetWebhook(ctx context.Context, webhookURL, secret string) error {
	return c.call(ctx, "setWebhook", setWebhookParams{URL: webhookURL, SecretToken: secret, AllowedUpdates: allowedUpdates}, nil)
}

// DeleteWebhook removes any webhook so getUpdates can be used.
func (c *Client) DeleteWebhook(ctx context.Context) error {
	return c.call(ctx, "deleteWebhook", struct{}{}, nil)
}

// isOwnMessage reports whether upd was posted by the bot itself.
func (c *Client) isOwnMessage(upd *relay.Update) bool {
	me := c.Me()
	if me == nil {
		return false
	}
	_, msg := upd.First()
	return msg != nil && msg.From != nil && msg.From.ID == me.ID
}

// Dispatch hands upd to handler unless it is the bot's own message.
func (c *Client) Dispatch(ctx context.Context, upd *relay.Update, handler relay.UpdateHandler) {
	if c.isOwnMessage(upd) {
		c.log.Trace().Int64("update_id", upd.UpdateID).Msg("Ignoring own message")
		return
	}
	handler(ctx, upd)
}

// Backoff bounds for the poll loop.
const (
	minBackoff = time.Second
	maxBackoff = 30 * time.Second
)

// Run polls getUpdates until ctx is done, handing every update to handler
// in order. Errors are logged and retried with exponential back-off.
func (c *Client) Run(ctx context.Context, handler relay.UpdateHandler) error {
	if err := c.DeleteWebhook(ctx); err != nil {
		c.log.Warn().Err(err).Msg("Failed to delete webhook before polling")
	}

	var offset int64
	backoff := minBackoff
	c.log.Info().Dur("poll_timeout", c.pollTimeout).Msg("Polling for updates")
	for {
		updates, err := c.GetUpdates(ctx, offset)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			wait := backoff
			var apiErr *APIError
			if errors.As(err, &apiErr) && apiErr.RetryAfter > 0 {
				wait = apiErr.RetryAfter
			} else {
				backoff = min(backoff*2, maxBackoff)
			}
			c.log.Warn().Err(err).Dur("retry_in", wait).Msg("Failed to fetch updates")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(wait):
			}
			continue
		}
		backoff = minBackoff
		for i := range updates {
			upd := &updates[i]
			if upd.UpdateID >= offset {
				offset = upd.UpdateID + 1
			}
			c.Dispatch(ctx, upd, handler)
		}
	}
}
