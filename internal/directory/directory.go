// Package directory reads user timezones from a CardDAV address book.
// Each user's card lives at <address book>/<user id>.vcf and carries an
// IANA zone name in its TZ property.
package directory

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/emersion/go-vcard"
	"github.com/emersion/go-webdav"
	"github.com/emersion/go-webdav/carddav"

	"github.com/nugget/cadence/internal/apperr"
	"github.com/nugget/cadence/internal/httpkit"
)

// Config configures a Directory.
type Config struct {
	URL         string
	Username    string
	Password    string
	AddressBook string
	HTTP        *http.Client
	Logger      *slog.Logger
}

// Directory is a CardDAV-backed timezone.Identity.
type Directory struct {
	client *carddav.Client
	book   string
	logger *slog.Logger
}

// New creates a Directory. It does not contact the server.
func New(cfg Config) (*Directory, error) {
	if cfg.URL == "" {
		return nil, apperr.Config("carddav.url")
	}
	if cfg.AddressBook == "" {
		return nil, apperr.Config("carddav.address_book")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	hc := cfg.HTTP
	if hc == nil {
		hc = httpkit.NewClient(httpkit.WithLogger(logger), httpkit.WithTimeout(15*time.Second))
	}
	var wc webdav.HTTPClient = hc
	if cfg.Username != "" {
		wc = webdav.HTTPClientWithBasicAuth(hc, cfg.Username, cfg.Password)
	}
	client, err := carddav.NewClient(wc, cfg.URL)
	if err != nil {
		return nil, apperr.New(apperr.KindConfig, "carddav.new", err)
	}
	return &Directory{client: client, book: cfg.AddressBook, logger: logger}, nil
}

// cardPath returns the object path of a user's card.
func (d *Directory) cardPath(userID string) string {
	return path.Join(d.book, userID+".vcf")
}

// UserTimezone returns the TZ property of the user's card.
func (d *Directory) UserTimezone(ctx context.Context, userID string) (string, error) {
	if userID == "" || strings.ContainsAny(userID, "/\\") {
		return "", apperr.Validation("invalid user id")
	}
	obj, err := d.client.GetAddressObject(ctx, d.cardPath(userID))
	if err != nil {
		return "", fmt.Errorf("carddav: get card for %s: %w", userID, err)
	}
	tz, err := zoneFromCard(obj.Card)
	if err != nil {
		return "", fmt.Errorf("carddav: %s: %w", userID, err)
	}
	return tz, nil
}

// zoneFromCard extracts an IANA zone name. Bare UTC offsets carry no DST
// rules and are rejected.
func zoneFromCard(card vcard.Card) (string, error) {
	tz := strings.TrimSpace(card.Value(vcard.FieldTimezone))
	if tz == "" {
		return "", apperr.NotFound("carddav.tz", "timezone")
	}
	if strings.HasPrefix(tz, "+") || strings.HasPrefix(tz, "-") || (strings.HasPrefix(strings.ToUpper(tz), "UTC") && len(tz) > 3) {
		return "", fmt.Errorf("offset timezone %q is not an IANA zone", tz)
	}
	return tz, nil
}
