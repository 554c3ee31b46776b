// Copyright 2024-2026 Aiku AI

// Package config loads the chatrelay configuration file.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"go.mau.fi/zeroconfig"
	"gopkg.in/yaml.v3"

	"github.com/aiku/chatrelay/pkg/relay"
)

//go:embed example-config.yaml
var ExampleConfig string

// Supported external platforms.
const (
	PlatformNone       = "none"
	PlatformTelegram   = "telegram"
	PlatformMattermost = "mattermost"
)

// Room key sources for websocket clients.
const (
	RoomFromQuery  = "query"
	RoomFromPath   = "path"
	RoomFromHeader = "header"
)

// Telegram delivery modes.
const (
	TelegramPoll    = "poll"
	TelegramWebhook = "webhook"
)

// Config is the root of the configuration file.
type Config struct {
	Listen     ListenConfig      `yaml:"listen"`
	Relay      RelayConfig       `yaml:"relay"`
	Dedup      DedupConfig       `yaml:"dedup"`
	External   ExternalConfig    `yaml:"external"`
	Telegram   TelegramConfig    `yaml:"telegram"`
	Mattermost MattermostConfig  `yaml:"mattermost"`
	Identities map[string]string `yaml:"identities"`
	Logging    zeroconfig.Config `yaml:"logging"`
}

// ListenConfig configures the HTTP and websocket listener.
type ListenConfig struct {
	Address        string        `yaml:"address"`
	RoomSource     string        `yaml:"room_source"`
	RoomParam      string        `yaml:"room_param"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
	SendQueueSize  int           `yaml:"send_queue_size"`
	MaxFrameBytes  int64         `yaml:"max_frame_bytes"`
	PingInterval   time.Duration `yaml:"ping_interval"`
	PongTimeout    time.Duration `yaml:"pong_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
}

// RelayConfig configures the message engine.
type RelayConfig struct {
	BridgedRoom        string `yaml:"bridged_room"`
	ExternalFormat     string `yaml:"external_format"`
	RoomExternalFormat string `yaml:"room_external_format"`
	OutboxSize         int    `yaml:"outbox_size"`
	MaxBodyBytes       int    `yaml:"max_body_bytes"`
}

// DedupConfig configures duplicate suppression.
type DedupConfig struct {
	Window        time.Duration `yaml:"window"`
	PruneInterval time.Duration `yaml:"prune_interval"`
	MaxSeenIDs    int           `yaml:"max_seen_ids"`
	// RoomScoped defaults to true when unset.
	RoomScoped    *bool         `yaml:"room_scoped"`
}

// ExternalConfig selects the external chat channel.
type ExternalConfig struct {
	Platform   string `yaml:"platform"`
	TargetChat string `yaml:"target_chat"`
}

// TelegramConfig holds the Telegram Bot API settings.
type TelegramConfig struct {
	Token         string        `yaml:"token"`
	APIURL        string        `yaml:"api_url"`
	Mode          string        `yaml:"mode"`
	PollTimeout   time.Duration `yaml:"poll_timeout"`
	WebhookPath   string        `yaml:"webhook_path"`
	WebhookURL    string        `yaml:"webhook_url"`
	WebhookSecret string        `yaml:"webhook_secret"`
}

// MattermostConfig holds the Mattermost settings.
type MattermostConfig struct {
	ServerURL string `yaml:"server_url"`
	Token     string `yaml:"token"`
	// BotPrefix is a username prefix for echo prevention. Posts from any
	// username starting with it are not relayed.
	BotPrefix string `yaml:"bot_prefix"`
}

// envOverrides are the settings that may be given as RELAY_* environment
// variables. Set values replace the ones from the file.
type envOverrides struct {
	ListenAddress         string            `env:"LISTEN_ADDRESS"`
	Platform              string            `env:"PLATFORM"`
	TargetChat            string            `env:"TARGET_CHAT"`
	BridgedRoom           string            `env:"BRIDGED_ROOM"`
	TelegramToken         string            `env:"TELEGRAM_TOKEN"`
	TelegramWebhookSecret string            `env:"TELEGRAM_WEBHOOK_SECRET"`
	MattermostURL         string            `env:"MATTERMOST_URL"`
	MattermostToken       string            `env:"MATTERMOST_TOKEN"`
	DedupWindow           time.Duration     `env:"DEDUP_WINDOW"`
	Identities            map[string]string `env:"IDENTITIES"`
}

// EnvPrefix is prepended to every environment override.
const EnvPrefix = "RELAY_"

// Parse decodes a config document. Callers should run ApplyEnv and
// PostProcess afterwards.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}

// ApplyEnv overlays RELAY_* variables from environ. A nil environ reads the
// process environment.
func (c *Config) ApplyEnv(environ map[string]string) error {
	var o envOverrides
	if err := env.ParseWithOptions(&o, env.Options{Prefix: EnvPrefix, Environment: environ}); err != nil {
		return fmt.Errorf("failed to parse environment: %w", err)
	}
	setIfNotEmpty(&c.Listen.Address, o.ListenAddress)
	setIfNotEmpty(&c.External.Platform, o.Platform)
	setIfNotEmpty(&c.External.TargetChat, o.TargetChat)
	setIfNotEmpty(&c.Relay.BridgedRoom, o.BridgedRoom)
	setIfNotEmpty(&c.Telegram.Token, o.TelegramToken)
	setIfNotEmpty(&c.Telegram.WebhookSecret, o.TelegramWebhookSecret)
	setIfNotEmpty(&c.Mattermost.ServerURL, o.MattermostURL)
	setIfNotEmpty(&c.Mattermost.Token, o.MattermostToken)
	if o.DedupWindow > 0 {
		c.Dedup.Window = o.DedupWindow
	}
	if len(o.Identities) > 0 {
		if c.Identities == nil {
			c.Identities = make(map[string]string, len(o.Identities))
		}
		for key, name := range o.Identities {
			c.Identities[key] = name
		}
	}
	return nil
}

func setIfNotEmpty(dst *string, val string) {
	if val != "" {
		*dst = val
	}
}

var (
	ErrUnknownPlatform   = errors.New("unknown external platform")
	ErrUnknownRoomSource = errors.New("unknown room source")
	ErrUnknownMode       = errors.New("unknown telegram mode")
)

// PostProcess normalizes values and validates the config.
func (c *Config) PostProcess() error {
	c.External.Platform = strings.ToLower(strings.TrimSpace(c.External.Platform))
	if c.External.Platform == "" {
		c.External.Platform = PlatformNone
	}
	switch c.External.Platform {
	case PlatformNone, PlatformTelegram, PlatformMattermost:
	default:
		return fmt.Errorf("%w %q", ErrUnknownPlatform, c.External.Platform)
	}

	c.Listen.RoomSource = strings.ToLower(strings.TrimSpace(c.Listen.RoomSource))
	switch c.Listen.RoomSource {
	case "":
		c.Listen.RoomSource = RoomFromQuery
	case RoomFromQuery, RoomFromPath, RoomFromHeader:
	default:
		return fmt.Errorf("%w %q", ErrUnknownRoomSource, c.Listen.RoomSource)
	}
	if c.Listen.RoomParam == "" {
		if c.Listen.RoomSource == RoomFromHeader {
			c.Listen.RoomParam = "X-Relay-Room"
		} else {
			c.Listen.RoomParam = "room"
		}
	}

	if c.Dedup.RoomScoped == nil {
		roomScoped := true
		c.Dedup.RoomScoped = &roomScoped
	}

	c.Telegram.Mode = strings.ToLower(strings.TrimSpace(c.Telegram.Mode))
	switch c.Telegram.Mode {
	case "":
		c.Telegram.Mode = TelegramPoll
	case TelegramPoll, TelegramWebhook:
	default:
		return fmt.Errorf("%w %q", ErrUnknownMode, c.Telegram.Mode)
	}
	if c.Telegram.Mode == TelegramWebhook && !strings.HasPrefix(c.Telegram.WebhookPath, "/") {
		return fmt.Errorf("telegram webhook_path must start with a slash, got %q", c.Telegram.WebhookPath)
	}

	// Template errors surface here rather than on the first forwarded message.
	if _, err := relay.NewTextFormat(c.Relay.BridgedRoom, c.Relay.ExternalFormat, c.Relay.RoomExternalFormat); err != nil {
		return err
	}
	return nil
}

// HasExternalCredentials reports whether the selected platform has the
// credentials it needs. Without them the relay runs client-to-client only.
func (c *Config) HasExternalCredentials() bool {
	switch c.External.Platform {
	case PlatformTelegram:
		return c.Telegram.Token != "" && c.External.TargetChat != ""
	case PlatformMattermost:
		return c.Mattermost.ServerURL != "" && c.Mattermost.Token != "" && c.External.TargetChat != ""
	default:
		return false
	}
}

// RelayOptions converts the config into relay options. The external sender,
// platform label, clock and logger are filled in by the caller.
func (c *Config) RelayOptions() relay.Options {
	return relay.Options{
		Dedup: relay.DedupConfig{
			Window:        c.Dedup.Window,
			PruneInterval: c.Dedup.PruneInterval,
			MaxSeenIDs:    c.Dedup.MaxSeenIDs,
			Global:        c.Dedup.RoomScoped != nil && !*c.Dedup.RoomScoped,
		},
		Identities:         c.Identities,
		TargetChat:         c.External.TargetChat,
		BridgedRoom:        c.Relay.BridgedRoom,
		ExternalFormat:     c.Relay.ExternalFormat,
		RoomExternalFormat: c.Relay.RoomExternalFormat,
		OutboxSize:         c.Relay.OutboxSize,
		MaxBodyBytes:       c.Relay.MaxBodyBytes,
	}
}

// Load reads the config at path, upgrading it in place first unless
// noUpdate is set, then applies environment overrides and validates it.
func Load(path string, noUpdate bool) (*Config, error) {
	data, _, err := Upgrade(path, !noUpdate)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config file %s not found, generate one with -e: %w", path, err)
		}
		return nil, err
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	if err = cfg.ApplyEnv(nil); err != nil {
		return nil, err
	}
	if err = cfg.PostProcess(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}
