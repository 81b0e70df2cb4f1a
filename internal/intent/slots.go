// Package intent routes classified requests to their handlers.
//
// The classifier's output is untrusted: every intent declares a slot
// schema, and slots are checked against it before the handler runs. A
// missing required slot turns into the schema's clarification question;
// a slot of the wrong type is a validation error.
package intent

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/nugget/cadence/internal/apperr"
)

// Classified is the classifier's verdict for one message.
type Classified struct {
	Name             string         `json:"intent"`
	Slots            map[string]any `json:"slots,omitempty"`
	MissingQuestions []string       `json:"missing_questions,omitempty"`
	Freeform         string         `json:"response,omitempty"`
}

// SlotType is the declared type of a slot.
type SlotType int

// Slot types. Values arrive as JSON strings or numbers.
const (
	SlotString SlotType = iota
	SlotNumber
)

func (t SlotType) String() string {
	if t == SlotNumber {
		return "number"
	}
	return "text"
}

// SlotSpec declares one slot of an intent.
type SlotSpec struct {
	Name     string
	Type     SlotType
	Required bool
	// Question is sent when a required slot is absent.
	Question string
	// Examples feed the suggestion list of a validation error.
	Examples []string
}

// Slots are validated slot values. Strings are trimmed and numbers are
// float64.
type Slots map[string]any

// String returns a string slot.
func (s Slots) String(name string) (string, bool) {
	v, ok := s[name].(string)
	return v, ok && v != ""
}

// StringOr returns a string slot or def.
func (s Slots) StringOr(name, def string) string {
	if v, ok := s.String(name); ok {
		return v
	}
	return def
}

// Number returns a number slot.
func (s Slots) Number(name string) (float64, bool) {
	v, ok := s[name].(float64)
	return v, ok
}

// Int returns a number slot truncated to an int.
func (s Slots) Int(name string) (int, bool) {
	v, ok := s.Number(name)
	return int(v), ok
}

// Validate checks raw against schema. It returns the validated slots, or
// the clarification question for the first missing required slot, or a
// validation error for the first slot of the wrong type. Slots absent
// from the schema are dropped.
func Validate(schema []SlotSpec, raw map[string]any) (Slots, string, error) {
	out := make(Slots, len(schema))
	for _, spec := range schema {
		v, present := raw[spec.Name]
		if present && v != nil {
			norm, err := coerce(spec, v)
			if err != nil {
				return nil, "", err
			}
			if norm != nil {
				out[spec.Name] = norm
				continue
			}
		}
		if spec.Required {
			q := spec.Question
			if q == "" {
				q = fmt.Sprintf("What %s should I use?", strings.ReplaceAll(spec.Name, "_", " "))
			}
			return nil, q, nil
		}
	}
	return out, "", nil
}

// coerce normalizes v to the slot's type. A nil result with no error
// means the value is empty.
func coerce(spec SlotSpec, v any) (any, error) {
	switch spec.Type {
	case SlotString:
		switch x := v.(type) {
		case string:
			if s := strings.TrimSpace(x); s != "" {
				return s, nil
			}
			return nil, nil
		case float64:
			return strconv.FormatFloat(x, 'f', -1, 64), nil
		case int:
			return strconv.Itoa(x), nil
		case json.Number:
			return x.String(), nil
		}
	case SlotNumber:
		var f float64
		switch x := v.(type) {
		case float64:
			f = x
		case int:
			f = float64(x)
		case json.Number:
			n, err := x.Float64()
			if err != nil {
				return nil, slotError(spec, v)
			}
			f = n
		case string:
			s := strings.TrimSpace(x)
			if s == "" {
				return nil, nil
			}
			n, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return nil, slotError(spec, v)
			}
			f = n
		default:
			return nil, slotError(spec, v)
		}
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, slotError(spec, v)
		}
		return f, nil
	}
	return nil, slotError(spec, v)
}

func slotError(spec SlotSpec, v any) error {
	msg := fmt.Sprintf("I expected %s for %q but got %v.", article(spec.Type), spec.Name, v)
	return apperr.Validation(msg, spec.Examples...)
}

func article(t SlotType) string {
	if t == SlotNumber {
		return "a number"
	}
	return "some text"
}
