// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package relay

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Relay modes reported by Status.
const (
	ModeBridged = "bridged"
	ModeLocal   = "local"
)

// ErrNoTargetChat is returned by New when an external channel is given
// without the chat to bridge.
var ErrNoTargetChat = errors.New("external channel configured without a target chat")

// DefaultBridgedRoom is the room external messages are fanned into when none
// is configured.
const DefaultBridgedRoom = "lobby"

// Options configures a Relay.
type Options struct {
	Dedup DedupConfig
	// Identities maps external usernames or numeric ids to display names.
	Identities map[string]string

	// External is the external channel. Nil runs the relay client-to-client.
	External ExternalSender
	// Platform labels external envelopes, e.g. OriginTelegram.
	Platform Origin
	// TargetChat is the external channel id messages are accepted from and
	// forwarded to.
	TargetChat string
	// BridgedRoom is the room external messages are delivered to.
	BridgedRoom string

	ExternalFormat     string
	RoomExternalFormat string
	OutboxSize         int
	MaxBodyBytes       int

	Now func() time.Time
	Log zerolog.Logger
}

// Relay owns the dedup state, the room registry and the router. Inbound
// events from any goroutine go through it; per-connection order is kept as
// long as each connection delivers its frames from a single goroutine.
type Relay struct {
	log        zerolog.Logger
	now        func() time.Time
	platform   Origin
	targetChat string
	bridged    string

	identities *IdentityMapper
	normalizer *Normalizer
	dedup      *Deduplicator
	registry   *Registry
	router     *Router
	stats      *Stats

	stopLock sync.Mutex
	stop     context.CancelFunc
	done     sync.WaitGroup
}

// New builds a relay from opts. It does not start background work; call
// Start for that.
func New(opts Options) (*Relay, error) {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Platform == "" || !opts.Platform.IsExternal() {
		opts.Platform = OriginExternal
	}
	opts.BridgedRoom = strings.TrimSpace(opts.BridgedRoom)
	if opts.BridgedRoom == "" {
		opts.BridgedRoom = DefaultBridgedRoom
	}
	if opts.MaxBodyBytes == 0 {
		opts.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if opts.External != nil && opts.TargetChat == "" {
		return nil, ErrNoTargetChat
	}

	format, err := NewTextFormat(opts.BridgedRoom, opts.ExternalFormat, opts.RoomExternalFormat)
	if err != nil {
		return nil, err
	}

	r := &Relay{
		log:        opts.Log,
		now:        opts.Now,
		platform:   opts.Platform,
		targetChat: opts.TargetChat,
		bridged:    opts.BridgedRoom,
		identities: NewIdentityMapper(opts.Identities),
		dedup:      NewDeduplicator(opts.Dedup),
		registry:   NewRegistry(),
		stats:      NewStats(),
	}
	r.normalizer = NewNormalizer(r.identities, opts.MaxBodyBytes)
	r.normalizer.now = opts.Now
	r.router = NewRouter(
		r.registry, format, opts.External, opts.TargetChat, opts.OutboxSize, r.stats,
		opts.Log.With().Str("component", "router").Logger(),
	)
	r.registerGauges()
	return r, nil
}

func (r *Relay) registerGauges() {
	factory := promauto.With(r.stats.Registry())
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "chatrelay",
		Name:      "connections",
		Help:      "Live client connections",
	}, func() float64 { return float64(r.registry.Len()) })
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "chatrelay",
		Name:      "outbox_pending",
		Help:      "Lines waiting to be sent to the external channel",
	}, func() float64 { return float64(r.router.Pending()) })
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "chatrelay",
		Name:      "dedup_seen_ids",
		Help:      "Envelope ids remembered by dedup",
	}, func() float64 {
		ids, _ := r.dedup.Len()
		return float64(ids)
	})
}

// Metrics returns the registry holding the relay's counters and gauges.
func (r *Relay) Metrics() prometheus.Gatherer {
	return r.stats.Registry()
}

// Start launches the dedup prune loop and the external outbox worker. They
// run until ctx is done or Stop is called.
func (r *Relay) Start(ctx context.Context) {
	r.stopLock.Lock()
	defer r.stopLock.Unlock()
	if r.stop != nil {
		return
	}
	ctx, r.stop = context.WithCancel(ctx)

	if r.router.ExternalEnabled() {
		r.log.Info().
			Str("platform", string(r.platform)).
			Str("target_chat", r.targetChat).
			Str("bridged_room", r.bridged).
			Int("identities", r.identities.Len()).
			Msg("Relay started in bridged mode")
	} else {
		r.log.Warn().Msg("No external channel configured, relay runs client-to-client only")
	}

	r.done.Add(2)
	go func() {
		defer r.done.Done()
		r.dedup.Run(ctx, r.now, r.log.With().Str("component", "dedup").Logger())
	}()
	go func() {
		defer r.done.Done()
		r.router.RunOutbox(ctx)
	}()
}

// Stop cancels background work and waits for it to finish.
func (r *Relay) Stop() {
	r.stopLock.Lock()
	stop := r.stop
	r.stop = nil
	r.stopLock.Unlock()
	if stop == nil {
		return
	}
	stop()
	r.done.Wait()
}

// ExternalEnabled reports whether an external channel is configured.
func (r *Relay) ExternalEnabled() bool {
	return r.router.ExternalEnabled()
}

// BridgedRoom returns the room external messages are delivered to.
func (r *Relay) BridgedRoom() string {
	return r.bridged
}

// Connect registers conn in room. A missing room is a protocol error and
// the caller is expected to close the connection.
func (r *Relay) Connect(room string, conn Conn) error {
	if err := r.registry.Join(room, conn); err != nil {
		return err
	}
	r.log.Debug().Str("conn_id", conn.ID()).Str("room", room).Msg("Connection joined room")
	return nil
}

// Disconnect removes conn from its room. After it returns no broadcast will
// reference conn.
func (r *Relay) Disconnect(conn Conn) {
	room, ok := r.registry.RoomOf(conn)
	if !ok {
		return
	}
	r.registry.Leave(room, conn)
	r.log.Debug().Str("conn_id", conn.ID()).Str("room", room).Msg("Connection left room")
}

// HandleClientFrame processes one frame received on conn. It reports
// whether the resulting envelope was admitted and routed.
func (r *Relay) HandleClientFrame(conn Conn, raw []byte) bool {
	room, ok := r.registry.RoomOf(conn)
	if !ok {
		r.log.Debug().Str("conn_id", conn.ID()).Msg("Dropping frame from unregistered connection")
		return false
	}
	env := r.normalizer.Client(raw, room)
	return r.admitAndDispatch(env, conn)
}

// HandleClientMessage processes a client frame that arrived without a live
// connection, such as an HTTP post. Nobody is excluded from the broadcast.
func (r *Relay) HandleClientMessage(room string, raw []byte) (env *Envelope, admitted bool, err error) {
	room = strings.TrimSpace(room)
	if room == "" {
		return nil, false, ErrNoRoom
	}
	env = r.normalizer.Client(raw, room)
	return env, r.admitAndDispatch(env, nil), nil
}

// Accepts reports whether a message from the external platform may be
// relayed: it must come from the target chat or from a private chat with
// the bot.
func (r *Relay) Accepts(msg *Message) bool {
	if msg == nil {
		return false
	}
	if r.targetChat != "" && string(msg.Chat.ID) == r.targetChat {
		return true
	}
	return msg.Chat.Type == ChatTypePrivate
}

// HandleUpdate processes one update from the external platform. Updates
// without text and updates from chats other than the target chat or a
// private chat are dropped silently.
func (r *Relay) HandleUpdate(ctx context.Context, upd *Update) {
	kind, msg, _ := upd.TextMessage()
	if msg == nil {
		r.stats.ExternalEmpty.Inc()
		if upd != nil {
			r.log.Trace().Int64("update_id", upd.UpdateID).Msg("Ignoring update without text")
		}
		return
	}
	if !r.Accepts(msg) {
		r.stats.ExternalFiltered.Inc()
		r.log.Debug().
			Int64("update_id", upd.UpdateID).
			Str("chat_id", string(msg.Chat.ID)).
			Str("chat_type", msg.Chat.Type).
			Msg("Ignoring update from unbridged chat")
		return
	}
	env := r.normalizer.External(upd, r.platform, r.bridged)
	if env == nil {
		return
	}
	r.log.Debug().
		Int64("update_id", upd.UpdateID).
		Str("kind", string(kind)).
		Str("sender", env.Sender).
		Msg("Received external message")
	r.admitAndDispatch(env, nil)
}

func (r *Relay) admitAndDispatch(env *Envelope, from Conn) bool {
	if !r.dedup.Admit(env, r.now()) {
		r.stats.Duplicates.Inc()
		r.log.Debug().
			Str("envelope_id", env.ID).
			Str("room", env.Room).
			Str("sender", env.Sender).
			Msg("Dropping duplicate envelope")
		return false
	}
	r.stats.Admitted.Inc()
	r.router.Dispatch(env, from)
	return true
}

// DedupStatus reports the dedup state sizes.
type DedupStatus struct {
	Window     string `json:"window"`
	SeenIDs    int    `json:"seen_ids"`
	SeenHashes int    `json:"seen_hashes"`
}

// Status is a point-in-time view of the relay.
type Status struct {
	Mode          string         `json:"mode"`
	Platform      Origin         `json:"platform,omitempty"`
	TargetChat    string         `json:"target_chat,omitempty"`
	BridgedRoom   string         `json:"bridged_room"`
	Connections   int            `json:"connections"`
	Rooms         map[string]int `json:"rooms"`
	OutboxPending int            `json:"outbox_pending"`
	Dedup         DedupStatus    `json:"dedup"`
	Stats         StatsSnapshot  `json:"stats"`
}

// Status returns the current relay status.
func (r *Relay) Status() Status {
	ids, hashes := r.dedup.Len()
	st := Status{
		Mode:          ModeLocal,
		BridgedRoom:   r.bridged,
		Connections:   r.registry.Len(),
		Rooms:         r.registry.Rooms(),
		OutboxPending: r.router.Pending(),
		Dedup: DedupStatus{
			Window:     r.dedup.Window().String(),
			SeenIDs:    ids,
			SeenHashes: hashes,
		},
		Stats: r.stats.Snapshot(),
	}
	if r.router.ExternalEnabled() {
		st.Mode = ModeBridged
		st.Platform = r.platform
		st.TargetChat = r.targetChat
	}
	return st
}
