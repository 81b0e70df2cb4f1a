package handlers

import (
	"context"
	"fmt"
	"strings"

	"github.com/nugget/cadence/internal/apperr"
	"github.com/nugget/cadence/internal/intent"
	"github.com/nugget/cadence/internal/rundown"
	"github.com/nugget/cadence/internal/temporal"
)

const askRecipient = "Which email address should I send it to?"

// period resolves the optional "period" slot in the user's zone.
func (h *Handlers) period(ctx context.Context, req intent.Request, slots intent.Slots) (temporal.PeriodSpec, error) {
	zone, _ := h.zone(ctx, req.UserID)
	return h.ranges.Resolve(slots.StringOr("period", ""), zone)
}

func (h *Handlers) handleRundown(ctx context.Context, req intent.Request, slots intent.Slots) (string, error) {
	if h.rundown == nil {
		return "", apperr.Config(h.calSetting)
	}
	p, err := h.period(ctx, req, slots)
	if err != nil {
		return "", err
	}
	return h.rundown.BuildText(ctx, p, req.UserID)
}

func (h *Handlers) handleEmailRundown(ctx context.Context, req intent.Request, slots intent.Slots) (string, error) {
	if h.mailer == nil {
		return "", apperr.Config(h.mailSetting)
	}
	to := slots.StringOr("to", h.mailer.DefaultRecipient())
	if to == "" {
		return askRecipient, nil
	}
	if h.rundown == nil {
		return "", apperr.Config(h.calSetting)
	}
	p, err := h.period(ctx, req, slots)
	if err != nil {
		return "", err
	}
	r, err := h.rundown.Build(ctx, p, req.UserID)
	if err != nil {
		return "", err
	}

	recipients := splitList(to)
	subject := "Rundown for " + p.Label()
	if err := h.mailer.Send(ctx, recipients, subject, rundown.Render(r, rundown.Markdown)); err != nil {
		return "", fmt.Errorf("email rundown: %w", err)
	}
	h.logger.Info("rundown emailed", "user_id", req.UserID, "recipients", len(recipients), "period", p.Label())
	return fmt.Sprintf("Sent your rundown for %s to %s.", p.Label(), strings.Join(recipients, ", ")), nil
}

// splitList splits a comma or semicolon separated list, dropping blanks.
func splitList(s string) []string {
	var out []string
	for _, part := range strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ';' }) {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
