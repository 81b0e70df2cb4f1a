package directory

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/emersion/go-vcard"

	"github.com/nugget/cadence/internal/apperr"
)

const patCard = "BEGIN:VCARD\r\nVERSION:4.0\r\nFN:Pat Doe\r\nTZ:America/Denver\r\nEND:VCARD\r\n"

func TestZoneFromCard(t *testing.T) {
	cases := []struct {
		tz      string
		want    string
		wantErr bool
	}{
		{"Europe/Berlin", "Europe/Berlin", false},
		{" UTC ", "UTC", false},
		{"-05:00", "", true},
		{"UTC+02:00", "", true},
		{"", "", true},
	}
	for _, tc := range cases {
		card := vcard.Card{}
		card.SetValue(vcard.FieldFormattedName, "x")
		if tc.tz != "" {
			card.SetValue(vcard.FieldTimezone, tc.tz)
		}
		got, err := zoneFromCard(card)
		if (err != nil) != tc.wantErr || got != tc.want {
			t.Errorf("zoneFromCard(%q) = %q, %v", tc.tz, got, err)
		}
	}
}

func TestUserTimezone(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "unsupported", http.StatusMethodNotAllowed)
			return
		}
		if r.URL.Path != "/contacts/U1.vcf" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", vcard.MIMEType)
		_, _ = w.Write([]byte(patCard))
	}))
	defer srv.Close()

	d, err := New(Config{URL: srv.URL, AddressBook: "/contacts/", HTTP: srv.Client()})
	if err != nil {
		t.Fatal(err)
	}
	tz, err := d.UserTimezone(context.Background(), "U1")
	if err != nil || tz != "America/Denver" {
		t.Fatalf("UserTimezone(U1) = %q, %v", tz, err)
	}
	if _, err := d.UserTimezone(context.Background(), "U2"); err == nil {
		t.Error("missing card returned no error")
	}
	if _, err := d.UserTimezone(context.Background(), "../etc"); apperr.Classify(err) != apperr.KindValidation {
		t.Errorf("path traversal: %v", err)
	}
}

func TestNew_Config(t *testing.T) {
	_, err := New(Config{URL: "https://dav.example.com"})
	if apperr.Classify(err) != apperr.KindConfig || !strings.Contains(err.Error(), "address_book") {
		t.Errorf("New() without address book = %v", err)
	}
}
