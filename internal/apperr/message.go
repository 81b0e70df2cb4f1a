package apperr

import (
	"errors"
	"fmt"
	"strings"
)

// hints are appended to the categorized message so the user has
// something concrete to try.
var hints = map[Kind]string{
	KindAuth:       "The connection to that service looks expired. Reconnect the account and try again.",
	KindPermission: "I don't have permission for that. Check that the account has access to the calendar or project.",
	KindNotFound:   "Double-check the name, or ask me to list what's there first.",
	KindRateLimit:  "The service is throttling requests. Give it a minute before trying again.",
	KindTimeout:    "The service took too long to answer. Try again in a moment.",
	KindNetwork:    "I couldn't reach the service. It may be down; try again shortly.",
	KindUnknown:    "Try rephrasing, or ask for `help` to see what I can do.",
}

var headlines = map[Kind]string{
	KindAuth:       "Authentication failed",
	KindPermission: "Permission denied",
	KindNotFound:   "I couldn't find that",
	KindRateLimit:  "Too many requests",
	KindTimeout:    "That timed out",
	KindNetwork:    "Connection problem",
	KindUnknown:    "Something went wrong",
}

// UserMessage renders err as exactly one user-facing message. Parse and
// validation failures read as clarifications; everything else carries a
// headline and a troubleshooting hint. Stack traces and raw provider
// payloads never reach the user.
func UserMessage(err error) string {
	kind := Classify(err)

	var ae *Error
	hasAE := errors.As(err, &ae)

	switch kind {
	case KindParse:
		return fmt.Sprintf("I couldn't understand that: %s. Try something like `today`, `tomorrow`, `friday`, or `2026-03-14`.", rootMessage(err))
	case KindValidation:
		var sb strings.Builder
		if hasAE && ae.Msg != "" {
			sb.WriteString(ae.Msg)
		} else {
			sb.WriteString("Some details are missing or invalid.")
		}
		if hasAE && len(ae.Suggestions) > 0 {
			sb.WriteString("\nYou could try:")
			for _, s := range ae.Suggestions {
				sb.WriteString("\n• ")
				sb.WriteString(s)
			}
		}
		return sb.String()
	case KindConfig:
		setting := "a required setting"
		if hasAE && ae.Setting != "" {
			setting = "`" + ae.Setting + "`"
		}
		return fmt.Sprintf(":warning: That feature isn't set up yet: %s is missing from the configuration.", setting)
	}

	msg := ":x: " + headlines[kind]
	if hasAE && ae.Op != "" {
		msg += " (" + ae.Op + ")"
	}
	return msg + ". " + hints[kind]
}

// rootMessage returns the innermost error text.
func rootMessage(err error) string {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return err.Error()
		}
		err = next
	}
}
