package email

import (
	"context"
	"net/textproto"
	"strings"
	"testing"

	"github.com/nugget/cadence/internal/apperr"
)

func TestExtractAddress(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"bare address", "user@example.com", "user@example.com"},
		{"name and address", "Alice <alice@example.com>", "alice@example.com"},
		{"just angle brackets", "<user@test.com>", "user@test.com"},
		{"empty", "", ""},
		{"no closing bracket", "Alice <user@test.com", "Alice <user@test.com"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := extractAddress(tt.input)
			if got != tt.want {
				t.Errorf("extractAddress(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestCollectRecipients(t *testing.T) {
	result := collectRecipients([]string{"Alice <alice@example.com>", "bob@example.com", "alice@example.com"})
	if len(result) != 2 || result[0] != "alice@example.com" || result[1] != "bob@example.com" {
		t.Errorf("collectRecipients = %v", result)
	}
	if got := collectRecipients(nil); len(got) != 0 {
		t.Errorf("empty inputs should return empty, got %v", got)
	}
}

type capture struct {
	from  string
	rcpts []string
	msg   string
	err   error
}

func (c *capture) send(_ context.Context, _ SMTPConfig, from string, rcpts []string, msg []byte) error {
	c.from, c.rcpts, c.msg = from, rcpts, string(msg)
	return c.err
}

func testConfig() Config {
	return Config{
		SMTP:           SMTPConfig{Host: "smtp.example.com", Username: "u", Password: "p"},
		From:           "Cadence <cadence@example.com>",
		DefaultTo:      "me@example.com",
		AllowedDomains: []string{"example.com"},
	}
}

func TestSender_Send(t *testing.T) {
	c := &capture{}
	s, err := NewSender(testConfig(), c.send, nil)
	if err != nil {
		t.Fatal(err)
	}
	if s.DefaultRecipient() != "me@example.com" {
		t.Errorf("DefaultRecipient() = %q", s.DefaultRecipient())
	}
	if err := s.Send(context.Background(), []string{"Pat <pat@Example.com>"}, "Rundown for Friday", "**Calendar (1)**\n- 9:00 AM Standup"); err != nil {
		t.Fatal(err)
	}
	if c.from != "cadence@example.com" || len(c.rcpts) != 1 || c.rcpts[0] != "pat@Example.com" {
		t.Errorf("envelope = %q -> %v", c.from, c.rcpts)
	}
	if !strings.Contains(c.msg, "Subject: Rundown for Friday") || !strings.Contains(c.msg, "<strong>Calendar (1)</strong>") {
		t.Errorf("message:\n%s", c.msg)
	}
}

func TestSender_Rejections(t *testing.T) {
	c := &capture{}
	s, err := NewSender(testConfig(), c.send, nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if err := s.Send(ctx, nil, "x", "y"); apperr.Classify(err) != apperr.KindValidation {
		t.Errorf("no recipients: %v", err)
	}
	err = s.Send(ctx, []string{"someone@elsewhere.org"}, "x", "y")
	if apperr.Classify(err) != apperr.KindValidation || !strings.Contains(apperr.UserMessage(err), "elsewhere.org") {
		t.Errorf("foreign domain: %v", err)
	}
	if c.msg != "" {
		t.Error("rejected mail was sent")
	}

	c.err = &textproto.Error{Code: 535, Msg: "authentication failed"}
	if err := s.Send(ctx, []string{"me@example.com"}, "x", "y"); apperr.Classify(err) != apperr.KindAuth {
		t.Errorf("535: %v", err)
	}
}

func TestNewSender_Unconfigured(t *testing.T) {
	if _, err := NewSender(Config{}, nil, nil); apperr.Classify(err) != apperr.KindConfig {
		t.Errorf("NewSender() = %v", err)
	}
}
