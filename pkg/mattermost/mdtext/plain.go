// Copyright 2024-2026 Aiku AI

// Package mdtext flattens Mattermost markdown into plain text for clients
// that render message bodies verbatim.
package mdtext

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	boldRe       = regexp.MustCompile(`\*\*(.+?)\*\*`)
	italicRe     = regexp.MustCompile(`(^|[^\w*])[_*]([^_*\n]+)[_*]($|[^\w*])`)
	strikeRe     = regexp.MustCompile(`~~(.+?)~~`)
	codeRe       = regexp.MustCompile("`([^`\n]+)`")
	codeBlockRe  = regexp.MustCompile("(?s)```(\\w+)?\\n?(.*?)```")
	linkRe       = regexp.MustCompile(`\[([^\]]+)\]\(([^)\s]+)\)`)
	headingRe    = regexp.MustCompile(`^(#{1,6})\s+(.+)$`)
	ulRe         = regexp.MustCompile(`^\s*[-*+]\s+(.+)$`)
	blockquoteRe = regexp.MustCompile(`^>\s?(.*)$`)
)

const placeholderMark = "\x00"

func placeholder(i int) string {
	return placeholderMark + "CODE" + strconv.Itoa(i) + placeholderMark
}

// Plain converts a Mattermost markdown message to plain text. Emphasis
// markers are dropped, links become "text (url)", headings lose their
// hashes and bullet items are drawn with "•". Code is kept verbatim.
func Plain(text string) string {
	if text == "" {
		return ""
	}
	text = strings.ReplaceAll(text, placeholderMark, "")

	// Code is extracted first so inline rules never touch it.
	var code []string
	text = codeBlockRe.ReplaceAllStringFunc(text, func(match string) string {
		parts := codeBlockRe.FindStringSubmatch(match)
		code = append(code, strings.TrimSuffix(parts[2], "\n"))
		return placeholder(len(code) - 1)
	})
	text = codeRe.ReplaceAllStringFunc(text, func(match string) string {
		code = append(code, codeRe.FindStringSubmatch(match)[1])
		return placeholder(len(code) - 1)
	})

	lines := strings.Split(text, "\n")
	for i, line := range lines {
		switch {
		case headingRe.MatchString(line):
			lines[i] = headingRe.ReplaceAllString(line, "$2")
		case blockquoteRe.MatchString(line):
			lines[i] = blockquoteRe.ReplaceAllString(line, "> $1")
		case ulRe.MatchString(line):
			lines[i] = ulRe.ReplaceAllString(line, "• $1")
		}
	}
	text = strings.Join(lines, "\n")

	text = linkRe.ReplaceAllStringFunc(text, func(match string) string {
		parts := linkRe.FindStringSubmatch(match)
		label, href := parts[1], parts[2]
		lower := strings.ToLower(href)
		if !strings.HasPrefix(lower, "http://") && !strings.HasPrefix(lower, "https://") && !strings.HasPrefix(lower, "mailto:") {
			return label
		}
		if label == href || "mailto:"+label == href {
			return href
		}
		return label + " (" + href + ")"
	})
	text = boldRe.ReplaceAllString(text, "$1")
	text = strikeRe.ReplaceAllString(text, "$1")
	text = italicRe.ReplaceAllString(text, "$1$2$3")

	for i, c := range code {
		text = strings.Replace(text, placeholder(i), c, 1)
	}
	return text
}
