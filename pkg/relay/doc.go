// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package relay implements the message engine of chatrelay: it relays
// short text messages between live client connections grouped in rooms and
// a single external chat channel.
//
// Every inbound payload is turned into an [Envelope] by the [Normalizer],
// checked by the [Deduplicator] and handed to the [Router], which broadcasts
// it to the connections of its room and, for client messages, queues it for
// the external channel.
//
// # Core Types
//
// [Relay] owns all state for one relay instance and is the entry point for
// transports and external platform listeners.
//
// [Registry] tracks connections by room. A connection joins exactly one room
// and leaves it when it disconnects.
//
// [IdentityMapper] resolves external senders to display names from a static
// table, with a deterministic fallback when no entry matches.
//
// # Loop Prevention
//
// Client envelopes are never echoed to the connection that sent them, and
// envelopes from the external channel are never sent back to it. Together
// with the dedup window this keeps messages from bouncing between the two
// sides. Platform listeners add their own echo filters for the bot's posts.
package relay
