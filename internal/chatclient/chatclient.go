// Package chatclient adapts RenderedMessage values into chat-platform
// HTTP API calls, translating platform responses and errors into the
// retry/circuit-breaker taxonomy that internal/resilience understands.
package chatclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"

	"github.com/nugget/bridgekeeper/internal/format"
	"github.com/nugget/bridgekeeper/internal/httpkit"
	"github.com/nugget/bridgekeeper/internal/resilience"
)

// Outcome is the high-level result of a Send call, matching §4.5's
// contract: Delivered(message_id) | TransientFailure | PermanentFailure.
// resilience.Do's retry loop is what actually produces the latter two
// as classified errors; Outcome is what the dispatcher sees after
// resilience.Do has already settled the retry question.
type Outcome struct {
	MessageID string
}

// Client speaks to a chat platform's HTTP bot API.
type Client struct {
	baseURL string
	token   string
	hc      *http.Client
	logger  *slog.Logger
}

// Config configures a Client.
type Config struct {
	BaseURL string
	Token   string
	Logger  *slog.Logger
	// HTTPClient overrides the default httpkit-constructed client,
	// primarily for tests.
	HTTPClient *http.Client
}

// New constructs a Client.
func New(cfg Config) (*Client, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("chatclient: token is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.telegram.org"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = httpkit.NewClient()
	}
	return &Client{baseURL: cfg.BaseURL, token: cfg.Token, hc: hc, logger: cfg.Logger}, nil
}

// Ping verifies the bot token is accepted by the platform. Suitable as a
// connwatch.ProbeFunc.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.doJSON(ctx, "getMe", nil)
	return err
}

// Send delivers msg to chatID. The returned error, when non-nil, is
// always a *resilience.ClassifiedError so resilience.Do can decide
// whether to retry.
func (c *Client) Send(ctx context.Context, chatID string, msg format.RenderedMessage) (Outcome, error) {
	body := map[string]any{
		"chat_id":    chatID,
		"text":       msg.Text(),
		"parse_mode": "MarkdownV2",
	}
	if len(msg.Buttons) > 0 {
		body["reply_markup"] = inlineKeyboard(msg.Buttons)
	}

	raw, err := c.doJSON(ctx, "sendMessage", body)
	if err != nil {
		return Outcome{}, err
	}

	var result struct {
		Result struct {
			MessageID int `json:"message_id"`
		} `json:"result"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return Outcome{}, resilience.Permanent(fmt.Errorf("chatclient: unmarshal sendMessage result: %w", err))
	}

	return Outcome{MessageID: strconv.Itoa(result.Result.MessageID)}, nil
}

// EditKeyboard updates the inline keyboard on a previously sent message,
// used to disable buttons after a response has been recorded.
func (c *Client) EditKeyboard(ctx context.Context, chatID, messageID string, buttons []format.Button) error {
	body := map[string]any{
		"chat_id":      chatID,
		"message_id":   messageID,
		"reply_markup": inlineKeyboard(buttons),
	}
	_, err := c.doJSON(ctx, "editMessageReplyMarkup", body)
	return err
}

// Update is one item from a long-poll response: either a message or a
// callback query (button press).
type Update struct {
	UpdateID int64  `json:"update_id"`
	UserID   int64  `json:"user_id"`
	Username string `json:"username,omitempty"`
	ChatID   string `json:"chat_id"`
	// CallbackData holds the action token when this update is a button
	// press; empty for plain messages.
	CallbackData string `json:"callback_data,omitempty"`
	Text         string `json:"text,omitempty"`
}

// PollUpdates long-polls for updates since offset, returning the next
// offset to use on the following call.
func (c *Client) PollUpdates(ctx context.Context, offset int64, timeoutSeconds int) ([]Update, int64, error) {
	raw, err := c.doJSON(ctx, "getUpdates", map[string]any{
		"offset":  offset,
		"timeout": timeoutSeconds,
	})
	if err != nil {
		return nil, offset, err
	}

	var wire struct {
		Result []struct {
			UpdateID int64 `json:"update_id"`
			Message  *struct {
				Text string `json:"text"`
				Chat struct {
					ID int64 `json:"id"`
				} `json:"chat"`
				From struct {
					ID       int64  `json:"id"`
					Username string `json:"username"`
				} `json:"from"`
			} `json:"message"`
			CallbackQuery *struct {
				Data string `json:"data"`
				From struct {
					ID       int64  `json:"id"`
					Username string `json:"username"`
				} `json:"from"`
				Message struct {
					Chat struct {
						ID int64 `json:"id"`
					} `json:"chat"`
				} `json:"message"`
			} `json:"callback_query"`
		} `json:"result"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, offset, resilience.Permanent(fmt.Errorf("chatclient: unmarshal getUpdates result: %w", err))
	}

	var updates []Update
	next := offset
	for _, r := range wire.Result {
		if r.UpdateID >= next {
			next = r.UpdateID + 1
		}
		switch {
		case r.CallbackQuery != nil:
			updates = append(updates, Update{
				UpdateID:     r.UpdateID,
				UserID:       r.CallbackQuery.From.ID,
				Username:     r.CallbackQuery.From.Username,
				ChatID:       strconv.FormatInt(r.CallbackQuery.Message.Chat.ID, 10),
				CallbackData: r.CallbackQuery.Data,
			})
		case r.Message != nil:
			updates = append(updates, Update{
				UpdateID: r.UpdateID,
				UserID:   r.Message.From.ID,
				Username: r.Message.From.Username,
				ChatID:   strconv.FormatInt(r.Message.Chat.ID, 10),
				Text:     r.Message.Text,
			})
		}
	}

	return updates, next, nil
}

func inlineKeyboard(buttons []format.Button) map[string]any {
	row := make([]map[string]string, 0, len(buttons))
	for _, b := range buttons {
		row = append(row, map[string]string{"text": b.Label, "callback_data": b.Token})
	}
	return map[string]any{"inline_keyboard": [][]map[string]string{row}}
}

// doJSON performs one bot-API call and classifies the outcome per §4.4's
// retry taxonomy: network errors, 5xx, 408, 425 and 429 are Transient (429
// honors Retry-After), other 4xx are Permanent.
func (c *Client) doJSON(ctx context.Context, method string, body any) (json.RawMessage, error) {
	u, err := url.JoinPath(c.baseURL, "bot"+c.token, method)
	if err != nil {
		return nil, resilience.Permanent(fmt.Errorf("chatclient: build URL: %w", err))
	}

	var reqBody bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, resilience.Permanent(fmt.Errorf("chatclient: marshal request: %w", err))
		}
		reqBody = *bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, &reqBody)
	if err != nil {
		return nil, resilience.Permanent(fmt.Errorf("chatclient: build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, resilience.Transient(fmt.Errorf("chatclient: %s: %w", method, err))
	}

	const maxBodyBytes = 1 << 20
	respBody := httpkit.ReadErrorBody(resp.Body, maxBodyBytes)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return json.RawMessage(respBody), nil

	case resp.StatusCode == http.StatusTooManyRequests:
		after, _ := httpkit.ParseRetryAfter(resp)
		return nil, resilience.TransientAfter(fmt.Errorf("chatclient: %s: rate limited (429)", method), after)

	case resp.StatusCode == http.StatusRequestTimeout, resp.StatusCode == 425:
		return nil, resilience.Transient(fmt.Errorf("chatclient: %s: status %d", method, resp.StatusCode))

	case resp.StatusCode >= 500:
		return nil, resilience.Transient(fmt.Errorf("chatclient: %s: status %d", method, resp.StatusCode))

	default:
		return nil, resilience.Permanent(fmt.Errorf("chatclient: %s: status %d: %s", method, resp.StatusCode, respBody))
	}
}
