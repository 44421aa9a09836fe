// Package pull implements the polling response ingress (C8): a ticker
// loop that asks the chat client for new updates, filters them to the
// configured user allow-list, and forwards button-press callbacks to
// the response store.
package pull

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/google/renameio/v2"
	"github.com/joeycumines/go-longpoll"

	"github.com/nugget/bridgekeeper/internal/chatclient"
	"github.com/nugget/bridgekeeper/internal/events"
	"github.com/nugget/bridgekeeper/internal/format"
	"github.com/nugget/bridgekeeper/internal/responsestore"
)

// AllowFunc reports whether userID is permitted to interact with the
// bridge. Matches config.ChatConfig.Allowed's shape without importing
// the config package.
type AllowFunc func(userID int64) bool

// Config configures a Poller.
type Config struct {
	Chat       *chatclient.Client
	Store      *responsestore.Store
	Allowed    AllowFunc
	OffsetPath string

	// Interval between poll ticks. Default 1s.
	Interval time.Duration
	// PollTimeoutSeconds is the chat API's long-poll timeout per call.
	PollTimeoutSeconds int
	// MaxPerCycle bounds how many updates one tick will drain via
	// longpoll.Channel before yielding back to the ticker. Default 16.
	MaxPerCycle int
	// PartialDrainTimeout bounds how long a cycle waits for the helper
	// goroutine to finish pushing updates before processing what's
	// arrived so far. Default 50ms.
	PartialDrainTimeout time.Duration

	Bus    *events.Bus
	Logger *slog.Logger
}

func (c *Config) setDefaults() {
	if c.Interval <= 0 {
		c.Interval = time.Second
	}
	if c.MaxPerCycle <= 0 {
		c.MaxPerCycle = 16
	}
	if c.PartialDrainTimeout <= 0 {
		c.PartialDrainTimeout = 50 * time.Millisecond
	}
	if c.Allowed == nil {
		c.Allowed = func(int64) bool { return false }
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Poller runs the polling ingress loop.
type Poller struct {
	cfg    Config
	offset int64
}

// New constructs a Poller, loading any persisted offset from
// cfg.OffsetPath.
func New(cfg Config) (*Poller, error) {
	cfg.setDefaults()
	if cfg.Chat == nil || cfg.Store == nil {
		return nil, fmt.Errorf("pull: Chat and Store are required")
	}

	p := &Poller{cfg: cfg}
	if cfg.OffsetPath != "" {
		offset, err := loadOffset(cfg.OffsetPath)
		if err != nil {
			return nil, err
		}
		p.offset = offset
	}
	return p, nil
}

func loadOffset(path string) (int64, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("pull: read offset file: %w", err)
	}
	n, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("pull: parse offset file: %w", err)
	}
	return n, nil
}

func (p *Poller) saveOffset(offset int64) {
	if p.cfg.OffsetPath == "" {
		return
	}
	if err := renameio.WriteFile(p.cfg.OffsetPath, []byte(strconv.FormatInt(offset, 10)), 0o644); err != nil {
		p.cfg.Logger.Error("pull: failed to persist poll offset", "error", err)
	}
}

// Run ticks every cfg.Interval until ctx is cancelled, polling for and
// processing new updates on each tick.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

func (p *Poller) tick(ctx context.Context) {
	updates, next, err := p.cfg.Chat.PollUpdates(ctx, p.offset, p.cfg.PollTimeoutSeconds)
	if err != nil {
		p.cfg.Logger.Warn("pull: poll_updates failed", "error", err)
		return
	}
	p.offset = next
	p.saveOffset(next)

	if len(updates) == 0 {
		return
	}

	// Push the already-materialized slice onto a channel so
	// longpoll.Channel's bounded-batch draining logic applies uniformly,
	// whether updates arrived as a live stream or (as here) a finished
	// slice from one HTTP response.
	ch := make(chan chatclient.Update)
	go func() {
		defer close(ch)
		for _, u := range updates {
			select {
			case ch <- u:
			case <-ctx.Done():
				return
			}
		}
	}()

	cfg := &longpoll.ChannelConfig{
		MaxSize:        p.cfg.MaxPerCycle,
		MinSize:        -1,
		PartialTimeout: p.cfg.PartialDrainTimeout,
	}
	err = longpoll.Channel(ctx, cfg, ch, func(u chatclient.Update) error {
		p.process(u)
		return nil
	})
	if err != nil && ctx.Err() == nil {
		// io.EOF (channel closed, all buffered values drained) is the
		// expected outcome for a one-shot finite slice, not a failure.
		p.cfg.Logger.Debug("pull: update drain ended", "error", err)
	}
}

func (p *Poller) process(u chatclient.Update) {
	if !p.cfg.Allowed(u.UserID) {
		p.cfg.Logger.Warn("pull: dropped update from non-allowed user", "user_id", u.UserID)
		return
	}
	if u.CallbackData == "" {
		// Plain messages carry no action to correlate back to a task;
		// only button-press callbacks become Responses.
		return
	}

	code, ref, ok := format.ParseActionToken(u.CallbackData)
	if !ok {
		p.cfg.Logger.Warn("pull: malformed callback token", "data", u.CallbackData)
		return
	}

	resp := responsestore.Response{
		EventID:        ref,
		ChatUserID:     strconv.FormatInt(u.UserID, 10),
		ActionCode:     code,
		ReceivedAt:     time.Now().UTC(),
		Ingress:        responsestore.IngressPull,
		IntegrityState: responsestore.IntegrityUnverified,
	}
	if _, err := p.cfg.Store.Upsert(resp); err != nil {
		p.cfg.Logger.Error("pull: failed to persist response", "error", err)
	}
}
