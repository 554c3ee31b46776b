// Copyright 2024-2026 Aiku AI

package config

import (
	up "go.mau.fi/util/configupgrade"
)

func upgradeConfig(helper up.Helper) {
	helper.Copy(up.Str, "listen", "address")
	helper.Copy(up.Str, "listen", "room_source")
	helper.Copy(up.Str, "listen", "room_param")
	helper.Copy(up.List, "listen", "allowed_origins")
	helper.Copy(up.Int, "listen", "send_queue_size")
	helper.Copy(up.Int, "listen", "max_frame_bytes")
	helper.Copy(up.Str, "listen", "ping_interval")
	helper.Copy(up.Str, "listen", "pong_timeout")
	helper.Copy(up.Str, "listen", "write_timeout")

	helper.Copy(up.Str, "relay", "bridged_room")
	helper.Copy(up.Str, "relay", "external_format")
	helper.Copy(up.Str, "relay", "room_external_format")
	helper.Copy(up.Int, "relay", "outbox_size")
	helper.Copy(up.Int, "relay", "max_body_bytes")

	helper.Copy(up.Str, "dedup", "window")
	helper.Copy(up.Str, "dedup", "prune_interval")
	helper.Copy(up.Int, "dedup", "max_seen_ids")
	helper.Copy(up.Bool, "dedup", "room_scoped")

	helper.Copy(up.Str, "external", "platform")
	helper.Copy(up.Str|up.Int, "external", "target_chat")

	helper.Copy(up.Str, "telegram", "token")
	helper.Copy(up.Str, "telegram", "api_url")
	helper.Copy(up.Str, "telegram", "mode")
	helper.Copy(up.Str, "telegram", "poll_timeout")
	helper.Copy(up.Str, "telegram", "webhook_path")
	helper.Copy(up.Str, "telegram", "webhook_url")
	helper.Copy(up.Str, "telegram", "webhook_secret")

	helper.Copy(up.Str, "mattermost", "server_url")
	helper.Copy(up.Str, "mattermost", "token")
	helper.Copy(up.Str, "mattermost", "bot_prefix")

	helper.Copy(up.Map, "identities")
	helper.Copy(up.Map, "logging")
}

// Upgrader fills missing keys in a user config from the example config and
// keeps the user's values.
var Upgrader = &up.StructUpgrader{
	SimpleUpgrader: up.SimpleUpgrader(upgradeConfig),
	Blocks: [][]string{
		{"relay"},
		{"dedup"},
		{"external"},
		{"telegram"},
		{"mattermost"},
		{"identities"},
		{"logging"},
	},
	Base: ExampleConfig,
}

// Upgrade runs the upgrader on the config at path and returns the upgraded
// document. When save is set the file is rewritten.
func Upgrade(path string, save bool) ([]byte, bool, error) {
	return up.Do(path, save, Upgrader)
}
