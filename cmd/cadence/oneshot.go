package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/cadence/internal/classifier"
	"github.com/nugget/cadence/internal/events"
	"github.com/nugget/cadence/internal/intent"
	"github.com/nugget/cadence/internal/rundown"
	"github.com/nugget/cadence/internal/slack"
	"github.com/nugget/cadence/internal/temporal"
)

// cliUser is the user id one-shot commands act as when none is given.
const cliUser = "cli"

// runAsk classifies one message and dispatches it, printing the reply.
// Literal commands ("help", "rundown tomorrow") skip the classifier, so
// ask works without one for those. Thread and timezone state stay in
// memory.
func runAsk(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string, args []string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := configuredLogger(stderr, cfg)

	svc, err := buildServices(cfg, nil, events.New(), logger)
	if err != nil {
		return err
	}

	text := strings.Join(args, " ")
	c, ok := slack.FastPath(text)
	if !ok {
		cls, err := classifier.New(classifier.Config{
			URL:     cfg.Classifier.URL,
			APIKey:  cfg.Classifier.APIKey,
			Timeout: cfg.Timeouts.Classifier,
			Logger:  logger,
		})
		if err != nil {
			return fmt.Errorf("ask: %w", err)
		}
		c, err = cls.Classify(ctx, text, nil)
		if err != nil {
			return fmt.Errorf("ask: classify: %w", err)
		}
	}

	replier := intent.ReplierFunc(func(_ context.Context, _ intent.Request, reply string) error {
		_, err := fmt.Fprintln(stdout, reply)
		return err
	})
	req := intent.Request{
		ID:      uuid.NewString(),
		UserID:  cliUser,
		Channel: cliUser,
		Text:    text,
		Context: map[string]string{},
	}
	outcome, err := svc.dispatcher(replier).Dispatch(ctx, c, req)
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}
	logger.Debug("ask handled", "intent", c.Name, "outcome", outcome)
	return nil
}

// runRundown builds and prints a rundown for user over period.
func runRundown(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath, user, period, outputFmt string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := configuredLogger(stderr, cfg)

	svc, err := buildServices(cfg, nil, events.New(), logger)
	if err != nil {
		return err
	}

	zone := svc.zones.Resolve(ctx, user)
	p, err := temporal.RangeBuilder{}.Resolve(period, zone)
	if err != nil {
		return fmt.Errorf("rundown: %w", err)
	}
	rd, err := svc.rundown.Build(ctx, p, user)
	if err != nil {
		return fmt.Errorf("rundown: %w", err)
	}

	if outputFmt == "json" {
		out := struct {
			User     string   `json:"user"`
			Zone     string   `json:"zone"`
			Period   string   `json:"period"`
			Start    string   `json:"start"`
			End      string   `json:"end"`
			Events   int      `json:"events"`
			Tasks    int      `json:"tasks"`
			Overdue  int      `json:"overdue"`
			Insights []string `json:"insights,omitempty"`
			Text     string   `json:"text"`
		}{
			User:     user,
			Zone:     zone,
			Period:   p.Label(),
			Start:    p.Start.Format(time.RFC3339),
			End:      p.End.Format(time.RFC3339),
			Events:   len(rd.Events),
			Tasks:    len(rd.Tasks),
			Overdue:  len(rd.Overdue),
			Insights: rd.Insights,
			Text:     rundown.Render(rd, rundown.Markdown),
		}
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}
	_, err = fmt.Fprintln(stdout, rundown.Render(rd, rundown.Markdown))
	return err
}
