// Copyright 2024-2026 Aiku AI

package mattermost

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mattermost/mattermost/server/public/model"

	"github.com/aiku/chatrelay/pkg/mattermost/mdtext"
	"github.com/aiku/chatrelay/pkg/relay"
)

// handleEvent dispatches a Mattermost WebSocket event to the appropriate handler.
func (c *Client) handleEvent(ctx context.Context, evt *model.WebSocketEvent, handler relay.UpdateHandler) {
	var (
		post *model.Post
		err  error
	)
	edited := false
	switch evt.EventType() {
	case model.WebsocketEventPosted:
		post, err = c.parsePostedEvent(evt)
	case model.WebsocketEventPostEdited:
		post, err = c.parsePostEditedEvent(evt)
		edited = true
	default:
		c.log.Trace().Str("event_type", string(evt.EventType())).Msg("Unhandled event type")
		return
	}
	if err != nil {
		c.log.Warn().Err(err).Str("event_type", string(evt.EventType())).Msg("Failed to parse post event")
		return
	}
	if post == nil {
		return
	}
	handler(ctx, c.convertPost(ctx, evt, post, edited))
}

// parsePostedEvent extracts and validates a post from a WebSocket event,
// applying all echo prevention layers. Returns (nil, nil) to skip silently,
// (nil, err) to log an error, or (post, nil) to proceed.
func (c *Client) parsePostedEvent(evt *model.WebSocketEvent) (*model.Post, error) {
	postJSON, ok := evt.GetData()["post"].(string)
	if !ok {
		return nil, fmt.Errorf("posted event missing post data")
	}
	var post model.Post
	if err := json.Unmarshal([]byte(postJSON), &post); err != nil {
		return nil, fmt.Errorf("failed to unmarshal post: %w", err)
	}
	if c.isEcho(evt, &post) {
		return nil, nil
	}
	return &post, nil
}

// parsePostEditedEvent is parsePostedEvent for edits. Edits without post
// data are skipped.
func (c *Client) parsePostEditedEvent(evt *model.WebSocketEvent) (*model.Post, error) {
	postJSON, ok := evt.GetData()["post"].(string)
	if !ok {
		return nil, nil
	}
	var post model.Post
	if err := json.Unmarshal([]byte(postJSON), &post); err != nil {
		return nil, fmt.Errorf("failed to unmarshal edited post: %w", err)
	}
	if c.isEcho(evt, &post) {
		return nil, nil
	}
	return &post, nil
}

// isEcho reports whether post must not be relayed: it is the bot's own
// post, a system message, or comes from another bridge.
func (c *Client) isEcho(evt *model.WebSocketEvent, post *model.Post) bool {
	if post.UserId == c.ownUserID() {
		return true
	}
	if post.Type != "" && post.Type != model.PostTypeDefault {
		return true
	}
	senderName, _ := evt.GetData()["sender_name"].(string)
	senderName = strings.TrimPrefix(senderName, "@")
	if senderName != "" && isBridgeUsername(senderName, c.botPrefix) {
		c.log.Debug().
			Str("post_id", post.Id).
			Str("username", senderName).
			Msg("Skipping bridge username post (echo prevention)")
		return true
	}
	return false
}

// convertPost turns a post into a relay update. Posted events become a
// message and edits an edited message.
func (c *Client) convertPost(ctx context.Context, evt *model.WebSocketEvent, post *model.Post, edited bool) *relay.Update {
	data := evt.GetData()
	senderName, _ := data["sender_name"].(string)
	channelType, _ := data["channel_type"].(string)
	title, _ := data["channel_display_name"].(string)

	ts := post.CreateAt
	if edited && post.EditAt > 0 {
		ts = post.EditAt
	}
	msg := &relay.Message{
		MessageID: relay.PlatformID(post.Id),
		From:      c.lookupUser(ctx, post.UserId, strings.TrimPrefix(senderName, "@")),
		Chat: relay.Chat{
			ID:    relay.PlatformID(post.ChannelId),
			Type:  c.lookupChatType(ctx, post.ChannelId, channelType),
			Title: title,
		},
		Date: ts / 1000,
		Text: mdtext.Plain(post.Message),
	}
	upd := &relay.Update{UpdateID: c.nextUpdate.Add(1)}
	if edited {
		upd.EditedMessage = msg
	} else {
		upd.Message = msg
	}
	return upd
}

// isBridgeUsername returns true if the username belongs to a known bridge
// infrastructure bot that should never be relayed. It checks against
// hardcoded bridge usernames and an optional configurable prefix.
func isBridgeUsername(username, botPrefix string) bool {
	switch {
	case username == "mattermost-bridge":
		return true
	case strings.HasPrefix(username, "mattermost_"):
		// Ghost users of a Matrix bridge on the same server.
		return true
	case botPrefix != "" && strings.HasPrefix(username, botPrefix):
		return true
	default:
		return false
	}
}
