// Package responsestore durably persists chat responses with
// exactly-once semantics at the storage boundary, given at-least-once
// arrival from the two response ingresses (§4.10). It owns the response
// table exclusively; no other component writes to responses_dir.
package responsestore

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/renameio/v2"
	"github.com/google/uuid"

	"github.com/nugget/bridgekeeper/internal/events"
)

// Ingress identifies which ingress path first observed a response.
type Ingress string

const (
	IngressPull Ingress = "pull"
	IngressPush Ingress = "push"
)

// IntegrityState records the result of C10's check against a response,
// when integrity metadata accompanied it.
type IntegrityState string

const (
	IntegrityUnverified IntegrityState = "unverified"
	IntegrityVerified   IntegrityState = "verified"
	IntegrityMismatched IntegrityState = "mismatched"
)

// Response is one recorded chat interaction (§3).
type Response struct {
	ResponseID     string         `json:"response_id"`
	EventID        string         `json:"event_id"`
	ChatUserID     string         `json:"chat_user_id"`
	ActionCode     string         `json:"action_code"`
	ReceivedAt     time.Time      `json:"received_at"`
	Ingress        Ingress        `json:"ingress"`
	IntegrityState IntegrityState `json:"integrity_state"`
	Family         string         `json:"family,omitempty"`
}

// dedupKey is the unique key described in §3: (event_id, chat_user_id, action_code).
type dedupKey struct {
	eventID    string
	chatUserID string
	actionCode string
}

func keyOf(r Response) dedupKey {
	return dedupKey{eventID: r.EventID, chatUserID: r.ChatUserID, actionCode: r.ActionCode}
}

// Outcome is the result of Upsert.
type Outcome int

const (
	OutcomeNew Outcome = iota
	OutcomeDuplicate
)

// RetentionFunc returns the retention window, in days, for a response
// family. Matches config.Config.RetentionFor's shape without importing
// the config package (responsestore must not depend on config).
type RetentionFunc func(family string) int

// ArchiveFunc is a best-effort hook invoked before a record is purged by
// the janitor. A nil ArchiveFunc is a pure no-op, matching §9's
// "observability integration... pure emitters" guidance.
type ArchiveFunc func(r Response)

// Config configures a Store.
type Config struct {
	Dir           string
	RetentionDays int
	RetentionFor  RetentionFunc
	JanitorPeriod time.Duration
	Archive       ArchiveFunc
	Bus           *events.Bus
	Logger        *slog.Logger
}

func (c *Config) setDefaults() {
	if c.RetentionDays <= 0 {
		c.RetentionDays = 90
	}
	if c.RetentionFor == nil {
		days := c.RetentionDays
		c.RetentionFor = func(string) int { return days }
	}
	if c.JanitorPeriod <= 0 {
		c.JanitorPeriod = time.Hour
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Store is the durable, deduplicated response table.
type Store struct {
	cfg Config

	mu    sync.Mutex
	index map[dedupKey]string // dedup key -> response_id, for O(1) duplicate detection
}

// New constructs a Store rooted at cfg.Dir, rebuilding its in-memory
// dedup index from whatever records already exist on disk.
func New(cfg Config) (*Store, error) {
	cfg.setDefaults()
	if cfg.Dir == "" {
		return nil, fmt.Errorf("responsestore: Dir is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("responsestore: create %s: %w", cfg.Dir, err)
	}

	s := &Store{cfg: cfg, index: make(map[dedupKey]string)}
	if err := s.rebuildIndex(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) rebuildIndex() error {
	entries, err := os.ReadDir(s.cfg.Dir)
	if err != nil {
		return fmt.Errorf("responsestore: read %s: %w", s.cfg.Dir, err)
	}
	for _, ent := range entries {
		if ent.IsDir() || !strings.HasSuffix(ent.Name(), ".json") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(s.cfg.Dir, ent.Name()))
		if err != nil {
			s.cfg.Logger.Warn("responsestore: failed to read record during index rebuild", "path", ent.Name(), "error", err)
			continue
		}
		var r Response
		if err := json.Unmarshal(raw, &r); err != nil {
			s.cfg.Logger.Warn("responsestore: failed to parse record during index rebuild", "path", ent.Name(), "error", err)
			continue
		}
		s.index[keyOf(r)] = r.ResponseID
	}
	return nil
}

func (s *Store) path(responseID string) string {
	return filepath.Join(s.cfg.Dir, responseID+".json")
}

// Upsert persists r if its dedup key hasn't been seen before, publishing
// a KindResponseNew event on the bus. A repeat observation of the same
// key (from either ingress) is reported as OutcomeDuplicate and the
// store is left unchanged — duplicates are dropped silently per §3.
func (s *Store) Upsert(r Response) (Outcome, error) {
	s.mu.Lock()
	key := keyOf(r)
	if _, exists := s.index[key]; exists {
		s.mu.Unlock()
		s.cfg.Bus.Publish(events.Event{
			Timestamp: time.Now(),
			Source:    events.SourceResponseStore,
			Kind:      events.KindResponseDuplicate,
			Data:      map[string]any{"event_id": r.EventID, "ingress": string(r.Ingress)},
		})
		return OutcomeDuplicate, nil
	}

	if r.ResponseID == "" {
		r.ResponseID = uuid.NewString()
	}
	if r.ReceivedAt.IsZero() {
		r.ReceivedAt = time.Now().UTC()
	}

	// Reserve the key before the write completes so a second concurrent
	// Upsert for the same triple sees it as a duplicate rather than
	// racing to write the same record twice.
	s.index[key] = r.ResponseID
	s.mu.Unlock()

	raw, err := json.Marshal(r)
	if err != nil {
		return OutcomeNew, fmt.Errorf("responsestore: marshal: %w", err)
	}
	if err := renameio.WriteFile(s.path(r.ResponseID), raw, 0o644); err != nil {
		s.mu.Lock()
		delete(s.index, key)
		s.mu.Unlock()
		return OutcomeNew, fmt.Errorf("responsestore: write %s: %w", r.ResponseID, err)
	}

	s.cfg.Bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceResponseStore,
		Kind:      events.KindResponseNew,
		Data: map[string]any{
			"response_id":  r.ResponseID,
			"event_id":     r.EventID,
			"chat_user_id": r.ChatUserID,
			"action_code":  r.ActionCode,
			"ingress":      string(r.Ingress),
		},
	})

	return OutcomeNew, nil
}

// Get returns a single response by ID.
func (s *Store) Get(responseID string) (Response, bool, error) {
	raw, err := os.ReadFile(s.path(responseID))
	if err != nil {
		if os.IsNotExist(err) {
			return Response{}, false, nil
		}
		return Response{}, false, err
	}
	var r Response
	if err := json.Unmarshal(raw, &r); err != nil {
		return Response{}, false, err
	}
	return r, true, nil
}

// List returns up to limit responses, most recently received first. A
// limit <= 0 returns all responses. Used by the control plane's
// get_responses operation.
func (s *Store) List(limit int) ([]Response, error) {
	entries, err := os.ReadDir(s.cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("responsestore: read %s: %w", s.cfg.Dir, err)
	}

	var out []Response
	for _, ent := range entries {
		if ent.IsDir() || !strings.HasSuffix(ent.Name(), ".json") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(s.cfg.Dir, ent.Name()))
		if err != nil {
			continue
		}
		var r Response
		if err := json.Unmarshal(raw, &r); err != nil {
			continue
		}
		out = append(out, r)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ReceivedAt.After(out[j].ReceivedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Count reports the number of persisted responses, for health reporting.
func (s *Store) Count() int {
	entries, err := os.ReadDir(s.cfg.Dir)
	if err != nil {
		return 0
	}
	n := 0
	for _, ent := range entries {
		if !ent.IsDir() && strings.HasSuffix(ent.Name(), ".json") {
			n++
		}
	}
	return n
}

// PurgeOlderThan deletes every response whose ReceivedAt is before
// cutoff, invoking the configured archive hook first. It's exposed
// directly (in addition to the janitor loop) for the control plane's
// clear_old_responses operation.
func (s *Store) PurgeOlderThan(cutoff time.Time) (int, error) {
	entries, err := os.ReadDir(s.cfg.Dir)
	if err != nil {
		return 0, fmt.Errorf("responsestore: read %s: %w", s.cfg.Dir, err)
	}

	purged := 0
	for _, ent := range entries {
		if ent.IsDir() || !strings.HasSuffix(ent.Name(), ".json") {
			continue
		}
		path := filepath.Join(s.cfg.Dir, ent.Name())
		raw, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var r Response
		if err := json.Unmarshal(raw, &r); err != nil {
			continue
		}
		if r.ReceivedAt.After(cutoff) {
			continue
		}
		if s.cfg.Archive != nil {
			s.cfg.Archive(r)
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			s.cfg.Logger.Warn("responsestore: failed to purge record", "path", path, "error", err)
			continue
		}
		s.mu.Lock()
		delete(s.index, keyOf(r))
		s.mu.Unlock()
		purged++
	}
	return purged, nil
}

// purgeByFamily purges responses past their family's retention window.
// Each family's cutoff is computed independently so a security_alert
// override doesn't affect other families' records.
func (s *Store) purgeByFamily() (int, error) {
	entries, err := os.ReadDir(s.cfg.Dir)
	if err != nil {
		return 0, fmt.Errorf("responsestore: read %s: %w", s.cfg.Dir, err)
	}

	now := time.Now()
	purged := 0
	for _, ent := range entries {
		if ent.IsDir() || !strings.HasSuffix(ent.Name(), ".json") {
			continue
		}
		path := filepath.Join(s.cfg.Dir, ent.Name())
		raw, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var r Response
		if err := json.Unmarshal(raw, &r); err != nil {
			continue
		}
		days := s.cfg.RetentionFor(r.Family)
		cutoff := now.AddDate(0, 0, -days)
		if r.ReceivedAt.After(cutoff) {
			continue
		}
		if s.cfg.Archive != nil {
			s.cfg.Archive(r)
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			s.cfg.Logger.Warn("responsestore: failed to purge record", "path", path, "error", err)
			continue
		}
		s.mu.Lock()
		delete(s.index, keyOf(r))
		s.mu.Unlock()
		purged++
	}
	return purged, nil
}

// RunJanitor runs the retention janitor until done is closed, purging on
// cfg.JanitorPeriod. Blocking; run it in its own goroutine.
func (s *Store) RunJanitor(done <-chan struct{}) {
	ticker := time.NewTicker(s.cfg.JanitorPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			n, err := s.purgeByFamily()
			if err != nil {
				s.cfg.Logger.Error("responsestore: janitor purge failed", "error", err)
				continue
			}
			if n > 0 {
				s.cfg.Logger.Info("responsestore: janitor purged records", "count", n)
			}
		}
	}
}
