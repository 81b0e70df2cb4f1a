package classifier

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/nugget/cadence/internal/apperr"
	"github.com/nugget/cadence/internal/intent"
)

func TestClassify(t *testing.T) {
	var got classifyRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer k" {
			http.Error(w, "nope", http.StatusUnauthorized)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"intent":" create_task ","slots":{"title":"Call the bank","priority":2},"missing_questions":["When is it due?"]}`))
	}))
	defer srv.Close()

	c, err := New(Config{URL: srv.URL, APIKey: "k", HTTP: srv.Client()})
	if err != nil {
		t.Fatal(err)
	}
	out, err := c.Classify(context.Background(), "remind me to call the bank", map[string]string{"last_task_id": "7"})
	if err != nil {
		t.Fatal(err)
	}
	want := intent.Classified{
		Name:             "create_task",
		Slots:            map[string]any{"title": "Call the bank", "priority": float64(2)},
		MissingQuestions: []string{"When is it due?"},
	}
	if diff := cmp.Diff(want, out); diff != "" {
		t.Errorf("Classify() mismatch (-want +got):\n%s", diff)
	}
	if got.Text != "remind me to call the bank" || got.Context["last_task_id"] != "7" {
		t.Errorf("request = %+v", got)
	}
}

func TestClassify_Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/slow":
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
		case "/garbage":
			_, _ = w.Write([]byte("<html>"))
		default:
			http.Error(w, "nope", http.StatusUnauthorized)
		}
	}))
	defer srv.Close()

	cases := []struct {
		path string
		want apperr.Kind
	}{
		{"/auth", apperr.KindAuth},
		{"/garbage", apperr.KindParse},
		{"/slow", apperr.KindTimeout},
	}
	for _, tc := range cases {
		c, err := New(Config{URL: srv.URL + tc.path, Timeout: 50 * time.Millisecond, HTTP: srv.Client()})
		if err != nil {
			t.Fatal(err)
		}
		_, err = c.Classify(context.Background(), "x", nil)
		if got := apperr.Classify(err); got != tc.want {
			t.Errorf("%s: classified %v (%v), want %v", tc.path, got, err, tc.want)
		}
	}
}

func TestNew_RequiresURL(t *testing.T) {
	if _, err := New(Config{}); apperr.Classify(err) != apperr.KindConfig {
		t.Errorf("New() = %v", err)
	}
}
