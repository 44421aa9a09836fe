// Package format renders a validated event into a chat message: a
// truncated, sanitized, timezone-aware text body plus zero or more
// action buttons.
package format

import (
	"fmt"
	"strings"
	"time"

	"github.com/nugget/bridgekeeper/internal/eventmodel"
)

const (
	conciseTitleGraphemes = 22
	conciseDescGraphemes  = 50
	ellipsis              = "…"

	// maxActionTokenBytes is the platform's inline-button payload budget.
	maxActionTokenBytes = 64
)

// emoji per severity, used as the message header's leading glyph.
var severityEmoji = map[eventmodel.Severity]string{
	eventmodel.SeverityCritical: "🔴",
	eventmodel.SeverityWarning:  "🟡",
	eventmodel.SeverityInfo:     "🔵",
}

// Button is a single inline action button.
type Button struct {
	Label string
	// Token is the compact "action-code:task-ref" payload sent back by
	// the chat platform when this button is pressed.
	Token string
}

// RenderedMessage is the output of Format: ready to hand to the chat
// client adapter.
type RenderedMessage struct {
	Header    string
	Body      string
	Buttons   []Button
	Truncated bool
}

// Text returns the header and body joined as the final message text.
func (m RenderedMessage) Text() string {
	if m.Body == "" {
		return m.Header
	}
	return m.Header + "\n" + m.Body
}

// actionableButtons lists event types that receive inline action buttons,
// each mapped to the buttons it offers (§4.2).
var actionableButtons = map[eventmodel.Type][]buttonSpec{
	eventmodel.ApprovalRequest: {
		{code: "approve", label: "✅ Approve"},
		{code: "deny", label: "❌ Deny"},
	},
	eventmodel.TaskCompletion: {
		{code: "ack", label: "👍 Acknowledge"},
	},
	eventmodel.PerformanceAlert: {
		{code: "ack", label: "👍 Acknowledge"},
	},
}

type buttonSpec struct {
	code  string
	label string
}

// Format renders e per style, in loc (the configured timezone). style
// overrides the event type's default style when non-empty.
func Format(e eventmodel.Event, style eventmodel.Style, loc *time.Location) RenderedMessage {
	if style == "" {
		style = e.EventType.DefaultStyle()
	}
	if loc == nil {
		loc = time.UTC
	}

	title, titleTrunc := truncateGraphemes(Escape(e.Title), titleLimit(style))
	ts := e.Timestamp.In(loc).Format("2006-01-02 15:04:05 MST")
	emoji := severityEmoji[e.Severity]
	if emoji == "" {
		emoji = "🔵"
	}
	header := fmt.Sprintf("%s %s (%s)", emoji, title, ts)

	desc, descTrunc := truncateGraphemes(Escape(e.Description), descLimit(style))

	var buttons []Button
	for _, spec := range actionableButtons[e.EventType] {
		token := buildActionToken(spec.code, taskRef(e))
		buttons = append(buttons, Button{Label: spec.label, Token: token})
	}

	return RenderedMessage{
		Header:    header,
		Body:      desc,
		Buttons:   buttons,
		Truncated: titleTrunc || descTrunc,
	}
}

func titleLimit(style eventmodel.Style) int {
	if style == eventmodel.StyleDetailed {
		return eventmodel.MaxTitleLen
	}
	return conciseTitleGraphemes
}

func descLimit(style eventmodel.Style) int {
	if style == eventmodel.StyleDetailed {
		return eventmodel.MaxDescriptionLen
	}
	return conciseDescGraphemes
}

// truncateGraphemes truncates s to at most n runes, approximating
// grapheme clusters (combining marks aren't split across the boundary
// since we cut on a rune, not a byte, boundary — a full grapheme
// segmenter is unnecessary for the ASCII/BMP content this bridge
// carries). Reports whether truncation occurred.
func truncateGraphemes(s string, n int) (string, bool) {
	r := []rune(s)
	if len(r) <= n {
		return s, false
	}
	if n <= 0 {
		return "", true
	}
	return string(r[:n]) + ellipsis, true
}

// metacharReplacer escapes characters with special meaning in the chat
// platform's message markup so user-authored content can never inject
// formatting.
var metacharReplacer = strings.NewReplacer(
	"_", "\\_",
	"*", "\\*",
	"[", "\\[",
	"]", "\\]",
	"`", "\\`",
)

// Escape neutralizes chat-platform formatting metacharacters in s.
func Escape(s string) string {
	return metacharReplacer.Replace(s)
}

// taskRef derives a stable, short reference to the originating task from
// the event's correlation key. Natural IDs that don't fit within the
// token budget are truncated; callers needing exact reversibility for
// oversized IDs should keep a local lookup table keyed by the truncated
// form (§9).
func taskRef(e eventmodel.Event) string {
	ref := e.CorrelationKey
	if ref == "" {
		ref = e.EventID
	}
	return ref
}

// buildActionToken constructs the compact "action-code:task-ref" token,
// truncating task-ref as needed to respect maxActionTokenBytes.
func buildActionToken(code, ref string) string {
	token := code + ":" + ref
	if len(token) <= maxActionTokenBytes {
		return token
	}
	overhead := len(code) + 1 // code + separator
	budget := maxActionTokenBytes - overhead
	if budget < 0 {
		budget = 0
	}
	if budget > len(ref) {
		budget = len(ref)
	}
	return code + ":" + ref[:budget]
}

// ParseActionToken splits a received token back into its action code and
// task reference.
func ParseActionToken(token string) (code, ref string, ok bool) {
	idx := strings.IndexByte(token, ':')
	if idx < 0 {
		return "", "", false
	}
	return token[:idx], token[idx+1:], true
}
