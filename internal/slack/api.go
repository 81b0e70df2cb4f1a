// Package slack is the messaging transport: a Web API client, a
// Socket Mode client that receives events over a websocket, and the
// Bridge that turns inbound messages into dispatched intents.
package slack

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nugget/cadence/internal/apperr"
	"github.com/nugget/cadence/internal/httpkit"
)

// DefaultAPIURL is the Web API root.
const DefaultAPIURL = "https://slack.com/api"

// APIConfig configures a Client.
type APIConfig struct {
	// BotToken (xoxb-) authorizes Web API calls.
	BotToken string
	// AppToken (xapp-) authorizes apps.connections.open.
	AppToken string
	BaseURL  string
	HTTP     *http.Client
	Logger   *slog.Logger
}

// Client calls the Slack Web API.
type Client struct {
	botToken string
	appToken string
	base     string
	http     *http.Client
	logger   *slog.Logger
}

// NewClient creates a Web API client.
func NewClient(cfg APIConfig) (*Client, error) {
	if cfg.BotToken == "" {
		return nil, apperr.Config("slack.bot_token")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = DefaultAPIURL
	}
	hc := cfg.HTTP
	if hc == nil {
		hc = httpkit.NewClient(httpkit.WithLogger(logger), httpkit.WithRetry(2, time.Second))
	}
	return &Client{botToken: cfg.BotToken, appToken: cfg.AppToken, base: base, http: hc, logger: logger}, nil
}

// response is the envelope every Web API method returns.
type response struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

func (r response) err(method string) error {
	if r.OK {
		return nil
	}
	return &apperr.Error{Kind: errorKind(r.Error), Op: "slack." + method, Msg: r.Error}
}

// errorKind maps Slack error codes to categories.
func errorKind(code string) apperr.Kind {
	switch code {
	case "invalid_auth", "not_authed", "token_revoked", "token_expired", "account_inactive":
		return apperr.KindAuth
	case "missing_scope", "not_allowed_token_type", "restricted_action", "not_in_channel", "is_archived":
		return apperr.KindPermission
	case "channel_not_found", "user_not_found", "thread_not_found", "message_not_found":
		return apperr.KindNotFound
	case "ratelimited", "rate_limited":
		return apperr.KindRateLimit
	case "invalid_arguments", "no_text", "msg_too_long":
		return apperr.KindValidation
	case "request_timeout":
		return apperr.KindTimeout
	case "service_unavailable", "fatal_error", "internal_error":
		return apperr.KindNetwork
	}
	return apperr.KindUnknown
}

// call posts a form-encoded Web API request. out must embed response.
func (c *Client) call(ctx context.Context, method, token string, form url.Values, out interface{ err(string) error }) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/"+method, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Authorization", "Bearer "+token)
	if err := httpkit.Do(c.http, req, "slack."+method, out); err != nil {
		return err
	}
	return out.err(method)
}

// Identity is the bot's own identity.
type Identity struct {
	UserID string `json:"user_id"`
	BotID  string `json:"bot_id"`
	Team   string `json:"team"`
}

type authTestResponse struct {
	response
	Identity
}

// AuthTest verifies the bot token and returns the bot's identity.
func (c *Client) AuthTest(ctx context.Context) (Identity, error) {
	var r authTestResponse
	if err := c.call(ctx, "auth.test", c.botToken, url.Values{}, &r); err != nil {
		return Identity{}, err
	}
	return r.Identity, nil
}

// PostMessage sends text to channel, in thread when thread is set.
func (c *Client) PostMessage(ctx context.Context, channel, thread, text string) error {
	form := url.Values{"channel": {channel}, "text": {text}}
	if thread != "" {
		form.Set("thread_ts", thread)
	}
	var r response
	return c.call(ctx, "chat.postMessage", c.botToken, form, &r)
}

type userInfoResponse struct {
	response
	User struct {
		ID      string `json:"id"`
		TZ      string `json:"tz"`
		Deleted bool   `json:"deleted"`
	} `json:"user"`
}

// UserTimezone returns the IANA zone on the user's profile. It
// satisfies timezone.Identity.
func (c *Client) UserTimezone(ctx context.Context, userID string) (string, error) {
	var r userInfoResponse
	if err := c.call(ctx, "users.info", c.botToken, url.Values{"user": {userID}}, &r); err != nil {
		return "", err
	}
	if r.User.TZ == "" {
		return "", apperr.NotFound("slack.users_info", "timezone for "+userID)
	}
	return r.User.TZ, nil
}

type connectionsOpenResponse struct {
	response
	URL string `json:"url"`
}

// OpenConnection asks for a Socket Mode websocket URL.
func (c *Client) OpenConnection(ctx context.Context) (string, error) {
	if c.appToken == "" {
		return "", apperr.Config("slack.app_token")
	}
	var r connectionsOpenResponse
	if err := c.call(ctx, "apps.connections.open", c.appToken, url.Values{}, &r); err != nil {
		return "", err
	}
	return r.URL, nil
}

// decodeInto is a helper for envelopes whose payload type depends on
// their type field.
func decodeInto(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}
