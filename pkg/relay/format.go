// Copyright 2024-2026 Aiku AI

package relay

import (
	"fmt"
	"text/template"
)

// Default templates for text sent to the external channel.
const (
	DefaultExternalFormat     = "<{{.Sender}}> {{.Body}}"
	DefaultRoomExternalFormat = "[{{.Room}}] <{{.Sender}}> {{.Body}}"
)

// FormatParams holds the parameters for rendering an external text template.
type FormatParams struct {
	ID     string
	Room   string
	Sender string
	Body   string
}

// TextFormat renders envelopes as plain text lines for the external channel.
// Envelopes from the bridged room use the plain template; other rooms sharing
// the same external channel use the room-qualified one.
type TextFormat struct {
	bridgedRoom string
	plain       *template.Template
	qualified   *template.Template
}

// NewTextFormat compiles the two templates. Empty strings take the defaults.
func NewTextFormat(bridgedRoom, plain, qualified string) (*TextFormat, error) {
	if plain == "" {
		plain = DefaultExternalFormat
	}
	if qualified == "" {
		qualified = DefaultRoomExternalFormat
	}
	tf := &TextFormat{bridgedRoom: bridgedRoom}
	var err error
	if tf.plain, err = template.New("external").Parse(plain); err != nil {
		return nil, fmt.Errorf("failed to parse external format: %w", err)
	}
	if tf.qualified, err = template.New("external_room").Parse(qualified); err != nil {
		return nil, fmt.Errorf("failed to parse room external format: %w", err)
	}
	return tf, nil
}

// Render formats env. Template errors fall back to the default layout.
func (tf *TextFormat) Render(env *Envelope) string {
	params := FormatParams{ID: env.ID, Room: env.Room, Sender: env.Sender, Body: env.Body}
	tmpl := tf.plain
	if tf.bridgedRoom != "" && env.Room != "" && env.Room != tf.bridgedRoom {
		tmpl = tf.qualified
	}
	var buf []byte
	if err := tmpl.Execute((*templateBuffer)(&buf), params); err != nil {
		return fmt.Sprintf("<%s> %s", env.Sender, env.Body)
	}
	return string(buf)
}

// templateBuffer is a simple io.Writer that appends to a byte slice.
type templateBuffer []byte

func (b *templateBuffer) Write(p []byte) (int, error) {
	*b = append(*b, p...)
	return len(p), nil
}
