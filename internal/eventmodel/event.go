// Package eventmodel defines the notification bridge's event record: its
// fields, the closed type enum, validation rules, and canonical
// serialization. Nothing here touches a filesystem or network — consumers
// (intake, formatter, dispatcher) depend only on this package's types.
package eventmodel

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
)

const (
	// MaxTitleLen is the maximum accepted title length, in runes.
	MaxTitleLen = 200
	// MaxDescriptionLen is the maximum accepted description length, in runes.
	MaxDescriptionLen = 2000
	// MaxSourceLen is the maximum accepted source identifier length.
	MaxSourceLen = 64
	// MaxDataBytes bounds the serialized size of the Data map.
	MaxDataBytes = 64 * 1024
	// MaxArtifactBytes is the hard cap on an on-disk event artifact (§4.1).
	MaxArtifactBytes = 1 << 20 // 1 MiB
)

// sourceRe matches the allowed character set for Source: lowercase/upper
// letters, digits, dot, dash, underscore. No path separators, no control
// characters.
var sourceRe = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// disallowedDataKeys are rejected outright — the data map must never carry
// a secret inline (§3).
var disallowedDataKeys = map[string]struct{}{
	"secret":       {},
	"password":     {},
	"token":        {},
	"api_key":      {},
	"apikey":       {},
	"credential":   {},
	"credentials":  {},
	"private_key":  {},
	"access_token": {},
}

// Event is an immutable record of a development-lifecycle occurrence.
// Once Validate succeeds, an Event must not be mutated (§3 invariant).
type Event struct {
	EventType      Type           `json:"event_type"`
	EventID        string         `json:"event_id"`
	CorrelationKey string         `json:"correlation_key"`
	Source         string         `json:"source"`
	Timestamp      time.Time      `json:"timestamp"`
	Title          string         `json:"title"`
	Description    string         `json:"description"`
	Data           map[string]any `json:"data,omitempty"`
	Priority       Priority       `json:"priority"`
	Severity       Severity       `json:"severity"`
}

// Rejection describes why intake refused an artifact (§4.1 contract).
type Rejection struct {
	Reason  string
	Message string
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("%s: %s", r.Reason, r.Message)
}

func reject(reason, format string, args ...any) error {
	return &Rejection{Reason: reason, Message: fmt.Sprintf(format, args...)}
}

// Rejection reason codes, matching §4.1's enumerated list.
const (
	ReasonSchemaViolation  = "schema_violation"
	ReasonUnknownEventType = "unknown_event_type"
	ReasonOversizedPayload = "oversized_payload"
	ReasonDisallowedKey    = "disallowed_key"
	ReasonSourceConstraint = "source_constraint_violation"
)

// Parse decodes a JSON event artifact. It does not normalize or validate —
// callers should follow with Normalize and Validate.
func Parse(raw []byte) (Event, error) {
	if len(raw) > MaxArtifactBytes {
		return Event{}, reject(ReasonOversizedPayload, "artifact is %d bytes, max %d", len(raw), MaxArtifactBytes)
	}

	var wire struct {
		EventType      string         `json:"event_type"`
		EventID        string         `json:"event_id"`
		CorrelationKey string         `json:"correlation_key"`
		Source         string         `json:"source"`
		Timestamp      *time.Time     `json:"timestamp"`
		Title          string         `json:"title"`
		Description    string         `json:"description"`
		Data           map[string]any `json:"data"`
		Priority       *int           `json:"priority"`
		Severity       string         `json:"severity"`
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&wire); err != nil {
		return Event{}, reject(ReasonSchemaViolation, "invalid JSON: %v", err)
	}

	e := Event{
		EventType:      Type(wire.EventType),
		EventID:        wire.EventID,
		CorrelationKey: wire.CorrelationKey,
		Source:         wire.Source,
		Title:          wire.Title,
		Description:    wire.Description,
		Data:           wire.Data,
		Severity:       Severity(wire.Severity),
	}
	if wire.Timestamp != nil {
		e.Timestamp = *wire.Timestamp
	}
	if wire.Priority != nil {
		e.Priority = Priority(*wire.Priority)
	} else {
		e.Priority = -1 // sentinel: "not set", distinguished from PriorityCritical (0)
	}

	return e, nil
}

// Normalize fills in fields the producer omitted: event_id, timestamp,
// correlation_key, and the event type's default priority (when Priority
// is negative, the "not set" value Parse uses) and severity (when empty)
// (§4.1 algorithm step "normalize missing fields").
func (e Event) Normalize(now time.Time) Event {
	if e.EventID == "" {
		e.EventID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = now.UTC()
	} else {
		e.Timestamp = e.Timestamp.UTC()
	}
	if e.CorrelationKey == "" {
		e.CorrelationKey = e.EventID
	}
	if e.Priority < 0 {
		if e.EventType.Valid() {
			e.Priority = e.EventType.DefaultPriority()
		} else {
			e.Priority = PriorityNormal
		}
	}
	if e.Severity == "" {
		if e.EventType.Valid() {
			e.Severity = e.EventType.DefaultSeverity()
		} else {
			e.Severity = SeverityInfo
		}
	}
	return e
}

// Validate checks an Event against the schema and policy constraints of
// §3. It assumes Normalize has already filled in defaults. Returns a
// *Rejection on failure, suitable for writing a quarantine .error file.
func (e Event) Validate() error {
	if !e.EventType.Valid() {
		return reject(ReasonUnknownEventType, "unrecognized event_type %q", e.EventType)
	}
	if e.EventID == "" {
		return reject(ReasonSchemaViolation, "event_id must not be empty after normalization")
	}
	if e.Source == "" || len(e.Source) > MaxSourceLen {
		return reject(ReasonSourceConstraint, "source must be 1-%d characters", MaxSourceLen)
	}
	if !sourceRe.MatchString(e.Source) {
		return reject(ReasonSourceConstraint, "source %q contains disallowed characters", e.Source)
	}
	if n := len([]rune(e.Title)); n > MaxTitleLen {
		return reject(ReasonSchemaViolation, "title is %d runes, max %d", n, MaxTitleLen)
	}
	if n := len([]rune(e.Description)); n > MaxDescriptionLen {
		return reject(ReasonSchemaViolation, "description is %d runes, max %d", n, MaxDescriptionLen)
	}
	if containsControlChars(e.Title) || containsControlChars(e.Description) {
		return reject(ReasonSchemaViolation, "title/description contain control characters")
	}
	for key, val := range e.Data {
		lower := strings.ToLower(key)
		if _, bad := disallowedDataKeys[lower]; bad {
			return reject(ReasonDisallowedKey, "data key %q is not permitted", key)
		}
		if !isPrimitiveOrStringArray(val) {
			return reject(ReasonSchemaViolation, "data key %q has unsupported value type %T", key, val)
		}
	}
	size, err := dataSize(e.Data)
	if err != nil {
		return reject(ReasonSchemaViolation, "data map is not serializable: %v", err)
	}
	if size > MaxDataBytes {
		return reject(ReasonOversizedPayload, "data map is %d bytes, max %d", size, MaxDataBytes)
	}
	return nil
}

// isPrimitiveOrStringArray reports whether v is a string, number, bool, or
// an array of strings — the only shapes the spec's data map accepts.
func isPrimitiveOrStringArray(v any) bool {
	switch t := v.(type) {
	case string, float64, bool, nil:
		return true
	case []any:
		for _, item := range t {
			if _, ok := item.(string); !ok {
				return false
			}
		}
		return true
	default:
		return false
	}
}

func dataSize(data map[string]any) (int, error) {
	if data == nil {
		return 0, nil
	}
	b, err := json.Marshal(data)
	if err != nil {
		return 0, err
	}
	return len(b), nil
}

func containsControlChars(s string) bool {
	for _, r := range s {
		if unicode.IsControl(r) && r != '\n' && r != '\t' {
			return true
		}
	}
	return false
}

// Sanitize strips control characters other than newline and tab from
// user-authored text fields and trims surrounding whitespace; formatting
// metacharacters are left for format.Escape. Called by intake before
// validation so Validate never rejects solely on content that Sanitize
// would have fixed.
func Sanitize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if unicode.IsControl(r) && r != '\n' && r != '\t' {
			continue
		}
		b.WriteRune(r)
	}
	return strings.TrimSpace(b.String())
}

// Sanitized returns a copy of e with Title and Description run through
// Sanitize. Intake calls this before Validate so rejection is driven by
// genuine schema violations, not incidental control characters a
// producer's template engine left behind.
func (e Event) Sanitized() Event {
	e.Title = Sanitize(e.Title)
	e.Description = Sanitize(e.Description)
	return e
}

// Canonical returns the canonical byte representation of the event, used
// as the input to C10's content hash. encoding/json already serializes
// struct fields in declaration order and map keys in sorted order, which
// is sufficient determinism for a single-writer, single-reader content
// hash — no additional canonicalization pass is needed.
func (e Event) Canonical() ([]byte, error) {
	return json.Marshal(e)
}

// Serialize is an alias for Canonical kept for readability at call sites
// that are not computing a hash (e.g. writing the quarantine copy).
func (e Event) Serialize() ([]byte, error) {
	return json.Marshal(e)
}
