// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package relay

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
)

// DefaultOutboxSize bounds the queue of lines waiting to be sent to the
// external channel.
const DefaultOutboxSize = 256

// ErrExternalDisabled is returned when an operation needs the external
// channel but the relay runs without one.
var ErrExternalDisabled = errors.New("external channel disabled")

// ExternalSender is the send side of the external chat channel.
type ExternalSender interface {
	SendText(ctx context.Context, channelID, text string) error
}

// Decision is the routing outcome for one admitted envelope.
type Decision struct {
	// Targets are the connections the envelope is broadcast to.
	Targets []Conn
	// ForwardExternal is set when the envelope must also be sent to the
	// external channel.
	ForwardExternal bool
}

type outboxItem struct {
	id   string
	room string
	text string
}

// Router computes fan-out decisions and carries them out. Client writes go
// through Conn.Send, which never blocks; external sends are queued on a
// bounded outbox drained by a single worker, so they keep their order and
// never hold up routing.
type Router struct {
	registry  *Registry
	format    *TextFormat
	external  ExternalSender
	channelID string
	outbox    chan outboxItem
	stats     *Stats
	log       zerolog.Logger
}

// NewRouter creates a router. A nil external sender disables forwarding.
func NewRouter(registry *Registry, format *TextFormat, external ExternalSender, channelID string, outboxSize int, stats *Stats, log zerolog.Logger) *Router {
	if outboxSize <= 0 {
		outboxSize = DefaultOutboxSize
	}
	if stats == nil {
		stats = NewStats()
	}
	return &Router{
		registry:  registry,
		format:    format,
		external:  external,
		channelID: channelID,
		outbox:    make(chan outboxItem, outboxSize),
		stats:     stats,
		log:       log,
	}
}

// ExternalEnabled reports whether the router forwards to an external channel.
func (r *Router) ExternalEnabled() bool {
	return r.external != nil
}

// Route decides where env goes. from is the originating connection for
// client envelopes and nil otherwise. Client envelopes never go back to
// their sender; external envelopes never go back to the external channel.
func (r *Router) Route(env *Envelope, from Conn) Decision {
	members := r.registry.MembersOf(env.Room)
	isClient := env.Origin == OriginClient

	targets := make([]Conn, 0, len(members))
	for _, conn := range members {
		if isClient && from != nil && conn == from {
			continue
		}
		targets = append(targets, conn)
	}
	return Decision{
		Targets:         targets,
		ForwardExternal: isClient && r.external != nil,
	}
}

// Dispatch routes env and performs the resulting sends. A failure on one
// target is logged and does not affect the others.
func (r *Router) Dispatch(env *Envelope, from Conn) Decision {
	decision := r.Route(env, from)
	log := r.log.With().
		Str("envelope_id", env.ID).
		Str("room", env.Room).
		Str("origin", string(env.Origin)).
		Logger()

	for _, conn := range decision.Targets {
		if err := conn.Send(env); err != nil {
			r.stats.BroadcastFailures.Inc()
			log.Warn().Err(err).Str("conn_id", conn.ID()).Msg("Failed to deliver envelope to connection")
			continue
		}
		r.stats.Broadcasts.Inc()
	}

	if decision.ForwardExternal {
		item := outboxItem{id: env.ID, room: env.Room, text: r.format.Render(env)}
		select {
		case r.outbox <- item:
		default:
			r.stats.OutboxDropped.Inc()
			log.Warn().Err(ErrQueueFull).Str("text", item.text).Msg("External outbox full, dropping message")
		}
	}
	return decision
}

// RunOutbox sends queued lines to the external channel until ctx is done.
// Each line is sent once; failures are logged and dropped.
func (r *Router) RunOutbox(ctx context.Context) {
	if r.external == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			if n := len(r.outbox); n > 0 {
				r.log.Debug().Int("pending", n).Msg("Outbox stopped with pending messages")
			}
			return
		case item := <-r.outbox:
			if err := r.external.SendText(ctx, r.channelID, item.text); err != nil {
				r.stats.ForwardFailures.Inc()
				r.log.Err(err).
					Str("envelope_id", item.id).
					Str("room", item.room).
					Str("channel_id", r.channelID).
					Str("text", item.text).
					Msg("Failed to send message to external channel")
				continue
			}
			r.stats.Forwarded.Inc()
			r.log.Debug().Str("envelope_id", item.id).Msg("Forwarded message to external channel")
		}
	}
}

// Pending returns the number of queued external lines.
func (r *Router) Pending() int {
	return len(r.outbox)
}
