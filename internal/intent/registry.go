package intent

import (
	"context"
	"fmt"
	"strings"
)

// Request is the caller context a handler runs in.
type Request struct {
	// ID correlates logs and events for one dispatch.
	ID      string
	UserID  string
	Channel string
	Thread  string
	Text    string
	// Context is the thread's context bag, such as the id of the event
	// last mentioned.
	Context map[string]string
	// Remember, when set, stores a value in the thread's context bag.
	Remember func(name, value string)
}

// Recall returns a context bag value.
func (r Request) Recall(name string) string {
	if r.Context == nil {
		return ""
	}
	return r.Context[name]
}

// Store records a value in the thread's context bag if the caller
// supports it.
func (r Request) Store(name, value string) {
	if r.Remember != nil {
		r.Remember(name, value)
	}
	if r.Context != nil {
		r.Context[name] = value
	}
}

// HandlerFunc performs an intent and returns the reply text. Clarifying
// questions are ordinary replies; errors are rendered by the dispatcher.
type HandlerFunc func(ctx context.Context, req Request, slots Slots) (string, error)

// Intent is one variant of the closed intent set.
type Intent struct {
	Name string
	// Category groups intents in the fallback message ("calendar").
	Category    string
	Description string
	Slots       []SlotSpec
	Handle      HandlerFunc
}

// Registry is the closed set of intents. Register everything at startup;
// a Registry is read-only afterwards.
type Registry struct {
	intents map[string]Intent
	order   []string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{intents: make(map[string]Intent)}
}

// Register adds an intent. Names are unique.
func (r *Registry) Register(in Intent) error {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return fmt.Errorf("intent with empty name")
	}
	if in.Handle == nil {
		return fmt.Errorf("intent %q has no handler", name)
	}
	if _, dup := r.intents[name]; dup {
		return fmt.Errorf("intent %q registered twice", name)
	}
	in.Name = name
	r.intents[name] = in
	r.order = append(r.order, name)
	return nil
}

// MustRegister is Register that panics, for static registration.
func (r *Registry) MustRegister(in Intent) {
	if err := r.Register(in); err != nil {
		panic(err)
	}
}

// Lookup returns the intent with the given name.
func (r *Registry) Lookup(name string) (Intent, bool) {
	in, ok := r.intents[strings.TrimSpace(name)]
	return in, ok
}

// Names returns the registered names in registration order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.order...)
}

// Categories returns the distinct categories in registration order.
func (r *Registry) Categories() []string {
	seen := make(map[string]bool)
	var out []string
	for _, n := range r.order {
		c := r.intents[n].Category
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	return out
}

// Help renders the registered intents grouped by category.
func (r *Registry) Help() string {
	byCat := make(map[string][]Intent)
	for _, n := range r.order {
		in := r.intents[n]
		if in.Description == "" {
			continue
		}
		byCat[in.Category] = append(byCat[in.Category], in)
	}
	cats := r.Categories()
	if _, ok := byCat[""]; ok {
		cats = append(cats, "")
	}

	var sb strings.Builder
	sb.WriteString("Here's what I can do:")
	for _, c := range cats {
		list := byCat[c]
		if len(list) == 0 {
			continue
		}
		title := c
		if title == "" {
			title = "other"
		}
		fmt.Fprintf(&sb, "\n*%s*", title)
		for _, in := range list {
			fmt.Fprintf(&sb, "\n• %s", in.Description)
		}
	}
	return sb.String()
}
