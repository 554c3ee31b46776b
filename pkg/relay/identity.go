// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package relay

import (
	"regexp"
	"strings"
)

// UnknownSender is the label used when an external sender carries no usable
// identity at all.
const UnknownSender = "unknown"

var numericKeyRe = regexp.MustCompile(`^-?\d+$`)

// Identity is the sender identity attached to an external platform message.
// Empty fields are treated as absent.
type Identity struct {
	Username  string
	ID        string
	FirstName string
	LastName  string
}

// IdentityMapper translates external sender identities into the display
// names used on the client side. It is built once and never mutated, so it
// is safe for concurrent use.
type IdentityMapper struct {
	byUsername map[string]string
	byID       map[string]string
}

// NewIdentityMapper builds the lookup tables from a flat mapping. Keys that
// are all digits (with an optional leading minus) after trimming are numeric
// ids; everything else is a username, matched case-insensitively.
func NewIdentityMapper(source map[string]string) *IdentityMapper {
	im := &IdentityMapper{
		byUsername: make(map[string]string),
		byID:       make(map[string]string),
	}
	for key, name := range source {
		key = strings.TrimSpace(key)
		if key == "" || name == "" {
			continue
		}
		if numericKeyRe.MatchString(key) {
			im.byID[key] = name
		} else {
			im.byUsername[strings.ToLower(strings.TrimPrefix(key, "@"))] = name
		}
	}
	return im
}

// Len returns the number of mapped identities.
func (im *IdentityMapper) Len() int {
	if im == nil {
		return 0
	}
	return len(im.byUsername) + len(im.byID)
}

// Resolve returns the display name for an identity. The order is: mapped
// username, mapped id, raw username, first and last name, raw id, and
// finally UnknownSender. It never returns an empty string.
func (im *IdentityMapper) Resolve(ident Identity) string {
	username := strings.TrimPrefix(strings.TrimSpace(ident.Username), "@")
	id := strings.TrimSpace(ident.ID)

	if im != nil {
		if username != "" {
			if name, ok := im.byUsername[strings.ToLower(username)]; ok {
				return name
			}
		}
		if id != "" {
			if name, ok := im.byID[id]; ok {
				return name
			}
		}
	}

	if username != "" {
		return username
	}
	if full := strings.TrimSpace(strings.TrimSpace(ident.FirstName) + " " + strings.TrimSpace(ident.LastName)); full != "" {
		return full
	}
	if id != "" {
		return id
	}
	return UnknownSender
}
