// Package classifier is the client for the external intent classifier
// service. The service receives the message text plus the thread's
// context bag and answers with an intent name, slots, clarification
// questions and an optional freeform reply.
package classifier

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/nugget/cadence/internal/apperr"
	"github.com/nugget/cadence/internal/httpkit"
	"github.com/nugget/cadence/internal/intent"
)

// DefaultTimeout bounds a single classification.
const DefaultTimeout = 20 * time.Second

// Config configures a Client.
type Config struct {
	// URL is the classify endpoint.
	URL     string
	APIKey  string
	Timeout time.Duration
	HTTP    *http.Client
	Logger  *slog.Logger
}

// Client calls the classifier over HTTP.
type Client struct {
	url     string
	apiKey  string
	timeout time.Duration
	http    *http.Client
	logger  *slog.Logger
}

// New creates a Client.
func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, apperr.Config("classifier.url")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	hc := cfg.HTTP
	if hc == nil {
		hc = httpkit.NewClient(httpkit.WithLogger(logger), httpkit.WithTimeout(timeout), httpkit.WithRetry(1, 500*time.Millisecond))
	}
	return &Client{url: cfg.URL, apiKey: cfg.APIKey, timeout: timeout, http: hc, logger: logger}, nil
}

type classifyRequest struct {
	Text    string            `json:"text"`
	Context map[string]string `json:"context,omitempty"`
}

// Classify sends text and the context bag to the classifier.
func (c *Client) Classify(ctx context.Context, text string, bag map[string]string) (intent.Classified, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := httpkit.NewJSONRequest(ctx, http.MethodPost, c.url, classifyRequest{Text: text, Context: bag})
	if err != nil {
		return intent.Classified{}, err
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	var out intent.Classified
	if err := httpkit.Do(c.http, req, "classifier.classify", &out); err != nil {
		return intent.Classified{}, err
	}
	out.Name = strings.TrimSpace(out.Name)
	c.logger.Debug("message classified",
		"intent", out.Name,
		"slots", len(out.Slots),
		"missing", len(out.MissingQuestions),
		"elapsed", time.Since(start),
	)
	return out, nil
}
