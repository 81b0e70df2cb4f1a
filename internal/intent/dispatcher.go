package intent

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/cadence/internal/apperr"
	"github.com/nugget/cadence/internal/events"
)

// Replier delivers the single outbound message of a dispatch.
type Replier interface {
	Reply(ctx context.Context, req Request, text string) error
}

// ReplierFunc adapts a function to [Replier].
type ReplierFunc func(ctx context.Context, req Request, text string) error

// Reply implements Replier.
func (f ReplierFunc) Reply(ctx context.Context, req Request, text string) error {
	return f(ctx, req, text)
}

// Outcome labels how a dispatch ended.
type Outcome string

// Dispatch outcomes.
const (
	OutcomeClarify  Outcome = "clarify"
	OutcomeFreeform Outcome = "freeform"
	OutcomeFallback Outcome = "fallback"
	OutcomeHandled  Outcome = "handled"
	OutcomeInvalid  Outcome = "invalid"
	OutcomeFailed   Outcome = "failed"
)

var fallbackTemplates = []string{
	"I'm not sure how to help with that. I can help with %s.",
	"Hmm, I didn't catch that. Try asking about %s.",
	"That one's beyond me for now. I'm good with %s.",
	"Sorry, I don't know how to do that yet. Ask me about %s.",
}

// DispatcherConfig holds the dependencies for a Dispatcher.
type DispatcherConfig struct {
	Registry *Registry
	Replier  Replier
	Bus      *events.Bus
	Logger   *slog.Logger
	// HandleTimeout bounds a single handler run. Zero means no bound
	// beyond the caller's context.
	HandleTimeout time.Duration
	// Intn picks a fallback template. Nil means math/rand/v2.
	Intn func(n int) int
	Now  func() time.Time
}

// Dispatcher routes classified intents to handlers. Every call to
// Dispatch sends exactly one message through the Replier.
type Dispatcher struct {
	registry *Registry
	replier  Replier
	bus      *events.Bus
	logger   *slog.Logger
	timeout  time.Duration
	intn     func(int) int
	now      func() time.Time
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	reg := cfg.Registry
	if reg == nil {
		reg = NewRegistry()
	}
	intn := cfg.Intn
	if intn == nil {
		intn = rand.IntN
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Dispatcher{
		registry: reg,
		replier:  cfg.Replier,
		bus:      cfg.Bus,
		logger:   logger,
		timeout:  cfg.HandleTimeout,
		intn:     intn,
		now:      now,
	}
}

// Registry returns the dispatcher's intent registry.
func (d *Dispatcher) Registry() *Registry { return d.registry }

// Dispatch handles one classified message. The returned error is only
// ever a delivery failure from the Replier; handler failures are
// rendered into the reply.
func (d *Dispatcher) Dispatch(ctx context.Context, c Classified, req Request) (Outcome, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	start := d.now()
	log := d.logger.With("request_id", req.ID, "intent", c.Name, "user_id", req.UserID)

	text, outcome, kind := d.resolve(ctx, c, req, log)

	err := d.replier.Reply(ctx, req, text)
	if err != nil {
		log.Error("reply delivery failed", "outcome", outcome, "error", err)
	}

	data := map[string]any{
		"request_id": req.ID,
		"intent":     c.Name,
		"outcome":    string(outcome),
		"elapsed_ms": d.now().Sub(start).Milliseconds(),
	}
	if outcome == OutcomeFailed || outcome == OutcomeInvalid {
		data["error_kind"] = kind.String()
	}
	d.bus.Emit(events.SourceDispatcher, events.KindDispatch, data)
	return outcome, err
}

// resolve decides the reply text without sending it.
func (d *Dispatcher) resolve(ctx context.Context, c Classified, req Request, log *slog.Logger) (string, Outcome, apperr.Kind) {
	name := strings.TrimSpace(c.Name)

	if name == "" {
		for _, q := range c.MissingQuestions {
			if strings.TrimSpace(q) != "" {
				log.Debug("classifier requested clarification")
				return q, OutcomeClarify, apperr.KindUnknown
			}
		}
		if f := strings.TrimSpace(c.Freeform); f != "" {
			return f, OutcomeFreeform, apperr.KindUnknown
		}
		return d.fallback(), OutcomeFallback, apperr.KindUnknown
	}

	in, ok := d.registry.Lookup(name)
	if !ok {
		log.Info("unknown intent")
		return d.fallback(), OutcomeFallback, apperr.KindUnknown
	}

	slots, question, err := Validate(in.Slots, c.Slots)
	if err != nil {
		log.Info("slot validation failed", "error", err)
		return apperr.UserMessage(err), OutcomeInvalid, apperr.Classify(err)
	}
	if question != "" {
		log.Debug("required slot missing")
		return question, OutcomeClarify, apperr.KindUnknown
	}

	reply, err := d.invoke(ctx, in, req, slots)
	if err != nil {
		kind := apperr.Classify(err)
		if kind == apperr.KindParse || kind == apperr.KindValidation {
			log.Info("handler rejected input", "error_kind", kind.String(), "error", err)
			return apperr.UserMessage(err), OutcomeInvalid, kind
		}
		log.Error("handler failed", "error_kind", kind.String(), "error", err)
		return apperr.UserMessage(err), OutcomeFailed, kind
	}
	if strings.TrimSpace(reply) == "" {
		reply = "Done."
	}
	return reply, OutcomeHandled, apperr.KindUnknown
}

// invoke runs the handler inside the failure boundary. A panic becomes
// an error like any other.
func (d *Dispatcher) invoke(ctx context.Context, in Intent, req Request, slots Slots) (reply string, err error) {
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s handler panicked: %v", in.Name, r)
		}
	}()
	return in.Handle(ctx, req, slots)
}

func (d *Dispatcher) fallback() string {
	cats := d.registry.Categories()
	var list string
	switch len(cats) {
	case 0:
		list = "calendars and tasks"
	case 1:
		list = cats[0]
	default:
		list = strings.Join(cats[:len(cats)-1], ", ") + " and " + cats[len(cats)-1]
	}
	tmpl := fallbackTemplates[d.intn(len(fallbackTemplates))]
	return fmt.Sprintf(tmpl, list)
}
