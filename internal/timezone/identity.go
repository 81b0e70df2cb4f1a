package timezone

import (
	"context"
	"errors"
	"fmt"
)

// Chain asks each identity in order and returns the first answer. It
// lets a directory stand in when the messaging platform's profile has
// no zone.
type Chain []Identity

// UserTimezone implements Identity. The error joins every failure when
// no identity answers.
func (c Chain) UserTimezone(ctx context.Context, userID string) (string, error) {
	var errs []error
	for _, id := range c {
		if id == nil {
			continue
		}
		zone, err := id.UserTimezone(ctx, userID)
		if err == nil && zone != "" {
			return zone, nil
		}
		if err == nil {
			err = fmt.Errorf("empty timezone for %s", userID)
		}
		errs = append(errs, err)
		if ctx.Err() != nil {
			break
		}
	}
	if len(errs) == 0 {
		return "", errors.New("no identity source configured")
	}
	return "", errors.Join(errs...)
}
