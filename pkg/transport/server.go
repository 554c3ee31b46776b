// Copyright 2024-2026 Aiku AI

// Package transport serves the relay over HTTP: websocket connections for
// chat clients, an HTTP ingest endpoint, health and status reporting, and
// Prometheus metrics.
package transport

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"go.mau.fi/util/exhttp"
	"go.mau.fi/util/exsync"
	"go.mau.fi/util/requestlog"

	"github.com/aiku/chatrelay/pkg/config"
	"github.com/aiku/chatrelay/pkg/relay"
)

// Relay is the part of the relay service the HTTP surface drives.
type Relay interface {
	Connect(room string, conn relay.Conn) error
	Disconnect(conn relay.Conn)
	HandleClientFrame(conn relay.Conn, raw []byte) bool
	HandleClientMessage(room string, raw []byte) (*relay.Envelope, bool, error)
	Status() relay.Status
	Metrics() prometheus.Gatherer
}

var _ Relay = (*relay.Relay)(nil)

// Defaults for unset listener settings.
const (
	DefaultSendQueueSize = 64
	DefaultMaxFrameBytes = 64 << 10
	DefaultPingInterval  = 30 * time.Second
	DefaultPongTimeout   = 60 * time.Second
	DefaultWriteTimeout  = 10 * time.Second
)

// Server is the HTTP handler tree of the relay.
type Server struct {
	relay    Relay
	cfg      config.ListenConfig
	upgrader websocket.Upgrader
	router   chi.Router
	conns    *exsync.Set[*wsConn]
	log      zerolog.Logger
}

// NewServer builds the router for rel using the listener settings in cfg.
func NewServer(rel Relay, cfg config.ListenConfig, log zerolog.Logger) *Server {
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = DefaultSendQueueSize
	}
	if cfg.MaxFrameBytes <= 0 {
		cfg.MaxFrameBytes = DefaultMaxFrameBytes
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	if cfg.PongTimeout <= cfg.PingInterval {
		cfg.PongTimeout = max(DefaultPongTimeout, 2*cfg.PingInterval)
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.RoomParam == "" {
		cfg.RoomParam = "room"
	}
	s := &Server{
		relay: rel,
		cfg:   cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin(cfg.AllowedOrigins),
		},
		conns: exsync.NewSet[*wsConn](),
		log:   log.With().Str("component", "transport").Logger(),
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(hlog.NewHandler(s.log))
	r.Use(requestlog.AccessLogger(requestlog.Options{TrustXForwardedFor: true, Recover: true}))
	r.Use(exhttp.HandleErrors(exhttp.ErrorBodies{
		NotFound:         json.RawMessage(`{"error":"not found"}`),
		MethodNotAllowed: json.RawMessage(`{"error":"method not allowed"}`),
	}))
	r.Get("/ws", s.serveWS)
	r.Get("/ws/{room}", s.serveWS)
	r.Post("/api/rooms/{room}/messages", s.postMessage)
	r.Get("/health", s.health)
	r.Get("/status", s.status)
	r.Handle("/metrics", promhttp.HandlerFor(rel.Metrics(), promhttp.HandlerOpts{}))
	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Mount serves h at path, for example the Telegram webhook.
func (s *Server) Mount(path string, h http.Handler) {
	s.router.Handle(path, h)
}

// Connections returns the number of live websocket connections.
func (s *Server) Connections() int {
	return s.conns.Size()
}

// CloseAll sends a going-away close frame to every live connection.
func (s *Server) CloseAll() {
	for _, conn := range s.conns.AsList() {
		conn.Close(websocket.CloseGoingAway, "server shutting down")
	}
}

func checkOrigin(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		// gorilla's default same-origin check.
		return nil
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, a := range allowed {
			if a == "*" || strings.EqualFold(a, origin) {
				return true
			}
		}
		return false
	}
}

// roomFromRequest reads the room key from the configured source.
func (s *Server) roomFromRequest(r *http.Request) string {
	var room string
	switch s.cfg.RoomSource {
	case config.RoomFromPath:
		room = chi.URLParam(r, "room")
	case config.RoomFromHeader:
		room = r.Header.Get(s.cfg.RoomParam)
	default:
		room = r.URL.Query().Get(s.cfg.RoomParam)
	}
	return strings.TrimSpace(room)
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	room := s.roomFromRequest(r)
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already written an HTTP error.
		hlog.FromRequest(r).Debug().Err(err).Msg("Websocket upgrade failed")
		return
	}
	conn := newWSConn(ws, s.cfg.SendQueueSize, s.log)
	if err = s.relay.Connect(room, conn); err != nil {
		conn.log.Warn().Err(err).Str("room_source", s.cfg.RoomSource).Msg("Rejecting connection")
		conn.reject(websocket.ClosePolicyViolation, err.Error(), s.cfg.WriteTimeout)
		return
	}
	s.conns.Add(conn)
	conn.log.Debug().Str("room", room).Msg("Websocket connected")

	go conn.writePump(s.cfg.PingInterval, s.cfg.WriteTimeout)
	conn.readPump(s.cfg.MaxFrameBytes, s.cfg.PongTimeout, func(data []byte) {
		s.relay.HandleClientFrame(conn, data)
	})

	s.relay.Disconnect(conn)
	s.conns.Remove(conn)
	conn.Close(websocket.CloseNormalClosure, "")
	conn.log.Debug().Str("room", room).Msg("Websocket disconnected")
}

type postMessageResponse struct {
	Admitted bool            `json:"admitted"`
	Envelope *relay.Envelope `json:"envelope"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) postMessage(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxFrameBytes))
	if err != nil {
		exhttp.WriteJSONResponse(w, http.StatusRequestEntityTooLarge, errorResponse{Error: "request body too large"})
		return
	}
	env, admitted, err := s.relay.HandleClientMessage(chi.URLParam(r, "room"), body)
	if errors.Is(err, relay.ErrNoRoom) {
		exhttp.WriteJSONResponse(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	} else if err != nil {
		hlog.FromRequest(r).Err(err).Msg("Failed to handle posted message")
		exhttp.WriteJSONResponse(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
		return
	}
	code := http.StatusAccepted
	if !admitted {
		code = http.StatusOK
	}
	exhttp.WriteJSONResponse(w, code, postMessageResponse{Admitted: admitted, Envelope: env})
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	exhttp.WriteJSONResponse(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) status(w http.ResponseWriter, _ *http.Request) {
	exhttp.WriteJSONResponse(w, http.StatusOK, s.relay.Status())
}
