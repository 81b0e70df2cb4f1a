package slack

import (
	"context"
	"html"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"

	"github.com/nugget/cadence/internal/apperr"
	"github.com/nugget/cadence/internal/conversation"
	"github.com/nugget/cadence/internal/events"
	"github.com/nugget/cadence/internal/intent"
)

// DefaultHandleTimeout bounds the handling of one inbound message,
// classification and dispatch included.
const DefaultHandleTimeout = 2 * time.Minute

// dedupWindow is how long a delivered message id is remembered. Slack
// delivers a channel mention as both a message and an app_mention.
const dedupWindow = 10 * time.Minute

const farewell = "Happy to help! Mention me if you need anything else."

// Source delivers inbound message events. *SocketClient implements it.
type Source interface {
	Events() <-chan MessageEvent
}

// Poster sends a message. *Client implements it.
type Poster interface {
	PostMessage(ctx context.Context, channel, thread, text string) error
}

// Classifier turns text into a classified intent.
type Classifier interface {
	Classify(ctx context.Context, text string, bag map[string]string) (intent.Classified, error)
}

// Dispatcher routes a classified intent. *intent.Dispatcher implements it.
type Dispatcher interface {
	Dispatch(ctx context.Context, c intent.Classified, req intent.Request) (intent.Outcome, error)
}

// PosterReplier adapts a Poster to the dispatcher's Replier, replying
// into the request's channel and thread.
func PosterReplier(p Poster) intent.Replier {
	return intent.ReplierFunc(func(ctx context.Context, req intent.Request, text string) error {
		return p.PostMessage(ctx, req.Channel, req.Thread, text)
	})
}

// BridgeConfig holds the dependencies for a Bridge.
type BridgeConfig struct {
	Source     Source
	Poster     Poster
	Tracker    *conversation.Tracker
	Classifier Classifier
	Dispatcher Dispatcher
	Bus        *events.Bus
	// BotUserID is the assistant's own user id, used to detect mentions
	// and ignore its own messages.
	BotUserID string
	// RatePerMinute limits messages handled per sender. Zero means
	// unlimited.
	RatePerMinute int
	HandleTimeout time.Duration
	Logger        *slog.Logger
}

// Bridge connects Slack to the dispatcher.
type Bridge struct {
	source     Source
	poster     Poster
	tracker    *conversation.Tracker
	classifier Classifier
	dispatcher Dispatcher
	bus        *events.Bus
	botUserID  string
	perMinute  int
	timeout    time.Duration
	logger     *slog.Logger

	seen     *expirable.LRU[string, struct{}]
	limiters *expirable.LRU[string, *rate.Limiter]
	mu       sync.Mutex

	wg sync.WaitGroup
}

// NewBridge creates a Bridge.
func NewBridge(cfg BridgeConfig) *Bridge {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.HandleTimeout
	if timeout <= 0 {
		timeout = DefaultHandleTimeout
	}
	return &Bridge{
		source:     cfg.Source,
		poster:     cfg.Poster,
		tracker:    cfg.Tracker,
		classifier: cfg.Classifier,
		dispatcher: cfg.Dispatcher,
		bus:        cfg.Bus,
		botUserID:  cfg.BotUserID,
		perMinute:  cfg.RatePerMinute,
		timeout:    timeout,
		logger:     logger,
		seen:       expirable.NewLRU[string, struct{}](4096, nil, dedupWindow),
		limiters:   expirable.NewLRU[string, *rate.Limiter](1024, nil, time.Hour),
	}
}

// Start consumes events until ctx is cancelled or the source closes,
// then waits for in-flight messages to finish.
func (b *Bridge) Start(ctx context.Context) {
	b.logger.Info("slack bridge started")
	defer b.wg.Wait()

	for {
		select {
		case <-ctx.Done():
			b.logger.Info("slack bridge shutting down")
			return
		case ev, ok := <-b.source.Events():
			if !ok {
				b.logger.Info("slack event channel closed, bridge stopping")
				return
			}
			msg, ok := b.accept(ev)
			if !ok {
				continue
			}
			b.wg.Add(1)
			go func() {
				defer b.wg.Done()
				b.handleMessage(ctx, msg)
			}()
		}
	}
}

// accept filters out bot traffic, edits and duplicate deliveries and
// converts the event.
func (b *Bridge) accept(ev MessageEvent) (conversation.Message, bool) {
	if ev.BotID != "" || ev.Subtype != "" || ev.User == "" || ev.User == b.botUserID {
		return conversation.Message{}, false
	}
	if strings.TrimSpace(ev.Text) == "" {
		return conversation.Message{}, false
	}
	key := ev.Channel + ":" + ev.TS
	b.mu.Lock()
	dup := b.seen.Contains(key)
	if !dup {
		b.seen.Add(key, struct{}{})
	}
	b.mu.Unlock()
	if dup {
		b.logger.Debug("slack duplicate delivery ignored", "channel", ev.Channel, "ts", ev.TS)
		return conversation.Message{}, false
	}

	mention := b.botUserID != "" && strings.Contains(ev.Text, "<@"+b.botUserID+">")
	return conversation.Message{
		Channel:   ev.Channel,
		Sender:    ev.User,
		Text:      cleanText(ev.Text, b.botUserID),
		TS:        ev.TS,
		ThreadTS:  ev.ThreadTS,
		Direct:    ev.ChannelType == "im",
		Mentioned: mention || ev.Type == "app_mention",
	}, true
}

// cleanText removes the bot's mention and Slack's HTML escaping.
func cleanText(text, botUserID string) string {
	if botUserID != "" {
		text = strings.ReplaceAll(text, "<@"+botUserID+">", "")
	}
	return strings.TrimSpace(html.UnescapeString(text))
}

// allowSender reports whether sender is within the per-minute limit.
func (b *Bridge) allowSender(sender string) bool {
	if b.perMinute <= 0 {
		return true
	}
	b.mu.Lock()
	lim, ok := b.limiters.Get(sender)
	if !ok {
		lim = rate.NewLimiter(rate.Every(time.Minute/time.Duration(b.perMinute)), b.perMinute)
		b.limiters.Add(sender, lim)
	}
	b.mu.Unlock()
	return lim.Allow()
}

// handleMessage runs one accepted message through the tracker,
// classifier and dispatcher.
func (b *Bridge) handleMessage(ctx context.Context, msg conversation.Message) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	d, err := b.tracker.Observe(msg)
	if err != nil {
		b.logger.Error("conversation state update failed", "channel", msg.Channel, "error", err)
		return
	}
	if !d.Respond {
		b.logger.Debug("slack message not addressed", "channel", msg.Channel, "reason", d.Reason)
		return
	}
	if !b.allowSender(msg.Sender) {
		b.logger.Warn("slack message rate-limited", "sender", msg.Sender)
		return
	}

	log := b.logger.With("channel", msg.Channel, "thread", d.ReplyThread, "sender", msg.Sender)
	log.Info("slack message received", "reason", d.Reason, "message_len", len(msg.Text))
	b.bus.Emit(events.SourceBridge, events.KindMessageReceived, map[string]any{
		"channel": msg.Channel,
		"thread":  d.ReplyThread,
		"sender":  msg.Sender,
		"reason":  d.Reason,
	})

	if d.Exit {
		if err := b.poster.PostMessage(ctx, msg.Channel, d.ReplyThread, farewell); err != nil {
			log.Error("slack farewell failed", "error", err)
		}
		b.bus.Emit(events.SourceBridge, events.KindThreadClosed, map[string]any{
			"channel": msg.Channel,
			"thread":  d.ReplyThread,
		})
		return
	}

	req := intent.Request{
		UserID:  msg.Sender,
		Channel: msg.Channel,
		Thread:  d.ReplyThread,
		Text:    msg.Text,
		Context: b.tracker.ContextBag(d.Key),
		Remember: func(name, value string) {
			if err := b.tracker.Remember(d.Key, name, value); err != nil {
				log.Warn("conversation context write failed", "name", name, "error", err)
			}
		},
	}

	c, fast := FastPath(msg.Text)
	if !fast {
		c, err = b.classifier.Classify(ctx, msg.Text, req.Context)
		if err != nil {
			log.Error("classification failed", "error", err, "kind", apperr.Classify(err).String())
			if err := b.poster.PostMessage(ctx, msg.Channel, d.ReplyThread, apperr.UserMessage(err)); err != nil {
				log.Error("slack reply failed", "error", err)
			}
			return
		}
	}

	outcome, err := b.dispatcher.Dispatch(ctx, c, req)
	if err != nil {
		log.Error("slack reply failed", "intent", c.Name, "error", err)
		return
	}
	if err := b.tracker.Touch(d.Key); err != nil {
		log.Warn("conversation touch failed", "error", err)
	}
	log.Info("slack message handled", "intent", c.Name, "outcome", string(outcome), "fast_path", fast)
}

// FastPath recognizes literal commands that skip the classifier. An
// empty message (a bare mention) is treated as a request for help.
func FastPath(text string) (intent.Classified, bool) {
	s := strings.ToLower(strings.TrimSpace(text))
	s = strings.TrimRight(s, "?!.")
	s = strings.Join(strings.Fields(s), " ")
	switch s {
	case "", "help":
		return intent.Classified{Name: "help"}, true
	case "rundown", "rundown today":
		return intent.Classified{Name: "rundown", Slots: map[string]any{"period": "today"}}, true
	case "rundown tomorrow":
		return intent.Classified{Name: "rundown", Slots: map[string]any{"period": "tomorrow"}}, true
	case "rundown week", "rundown this week":
		return intent.Classified{Name: "rundown", Slots: map[string]any{"period": "week"}}, true
	case "next meeting", "what's next":
		return intent.Classified{Name: "next_meeting"}, true
	}
	return intent.Classified{}, false
}
