package slack

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/goleak"

	"github.com/nugget/cadence/internal/apperr"
	"github.com/nugget/cadence/internal/conversation"
	"github.com/nugget/cadence/internal/events"
	"github.com/nugget/cadence/internal/intent"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// --- Web API ---

func newAPI(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := NewClient(APIConfig{BotToken: "xoxb-test", AppToken: "xapp-test", BaseURL: srv.URL, HTTP: srv.Client()})
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestClient_PostMessage(t *testing.T) {
	var got http.Header
	var form map[string]string
	c := newAPI(t, func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		_ = r.ParseForm()
		form = map[string]string{"path": r.URL.Path, "channel": r.Form.Get("channel"), "thread_ts": r.Form.Get("thread_ts"), "text": r.Form.Get("text")}
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
	if err := c.PostMessage(context.Background(), "C1", "171.1", "hello"); err != nil {
		t.Fatal(err)
	}
	if got.Get("Authorization") != "Bearer xoxb-test" {
		t.Errorf("Authorization = %q", got.Get("Authorization"))
	}
	want := map[string]string{"path": "/chat.postMessage", "channel": "C1", "thread_ts": "171.1", "text": "hello"}
	for k, v := range want {
		if form[k] != v {
			t.Errorf("%s = %q, want %q", k, form[k], v)
		}
	}
}

func TestClient_ErrorCodes(t *testing.T) {
	cases := map[string]apperr.Kind{
		"invalid_auth":      apperr.KindAuth,
		"missing_scope":     apperr.KindPermission,
		"channel_not_found": apperr.KindNotFound,
		"ratelimited":       apperr.KindRateLimit,
		"something_new":     apperr.KindUnknown,
	}
	for code, want := range cases {
		c := newAPI(t, func(w http.ResponseWriter, r *http.Request) {
			_ = json.NewEncoder(w).Encode(map[string]any{"ok": false, "error": code})
		})
		err := c.PostMessage(context.Background(), "C1", "", "x")
		if err == nil {
			t.Fatalf("%s: no error", code)
		}
		var ae *apperr.Error
		if apperr.Classify(err) != want {
			t.Errorf("%s classified %v, want %v", code, apperr.Classify(err), want)
		}
		if !asAppErr(err, &ae) || ae.Kind != want {
			t.Errorf("%s: structured kind = %+v", code, ae)
		}
	}
}

func asAppErr(err error, target **apperr.Error) bool {
	ae, ok := err.(*apperr.Error)
	if ok {
		*target = ae
	}
	return ok
}

func TestClient_UserTimezone(t *testing.T) {
	c := newAPI(t, func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		switch r.Form.Get("user") {
		case "U1":
			_, _ = w.Write([]byte(`{"ok":true,"user":{"id":"U1","tz":"America/Chicago"}}`))
		case "U2":
			_, _ = w.Write([]byte(`{"ok":true,"user":{"id":"U2"}}`))
		default:
			_, _ = w.Write([]byte(`{"ok":false,"error":"user_not_found"}`))
		}
	})
	ctx := context.Background()
	if tz, err := c.UserTimezone(ctx, "U1"); err != nil || tz != "America/Chicago" {
		t.Errorf("U1 = %q, %v", tz, err)
	}
	if _, err := c.UserTimezone(ctx, "U2"); apperr.Classify(err) != apperr.KindNotFound {
		t.Errorf("U2 without tz: %v", err)
	}
	if _, err := c.UserTimezone(ctx, "U3"); apperr.Classify(err) != apperr.KindNotFound {
		t.Errorf("U3: %v", err)
	}
}

func TestNewClient_RequiresToken(t *testing.T) {
	if _, err := NewClient(APIConfig{}); apperr.Classify(err) != apperr.KindConfig {
		t.Errorf("NewClient() = %v", err)
	}
	c, _ := NewClient(APIConfig{BotToken: "x"})
	if _, err := c.OpenConnection(context.Background()); apperr.Classify(err) != apperr.KindConfig {
		t.Errorf("OpenConnection() without app token = %v", err)
	}
}

// --- Socket Mode ---

type staticConnector struct{ url string }

func (s staticConnector) OpenConnection(context.Context) (string, error) { return s.url, nil }

func TestSocketClient_AcksAndDelivers(t *testing.T) {
	acks := make(chan string, 4)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteJSON(map[string]any{"type": "hello"})
		_ = conn.WriteJSON(map[string]any{
			"envelope_id": "env-1",
			"type":        "events_api",
			"payload": map[string]any{
				"type":  "event_callback",
				"event": map[string]any{"type": "message", "user": "U1", "text": "hi", "ts": "1.1", "channel": "D1", "channel_type": "im"},
			},
		})
		_ = conn.WriteJSON(map[string]any{
			"envelope_id": "env-2",
			"type":        "events_api",
			"payload":     map[string]any{"type": "event_callback", "event": map[string]any{"type": "reaction_added"}},
		})
		for {
			var a ack
			if err := conn.ReadJSON(&a); err != nil {
				return
			}
			acks <- a.EnvelopeID
		}
	}))
	defer srv.Close()

	sc := NewSocketClient(SocketConfig{
		Connector:  staticConnector{url: "ws" + strings.TrimPrefix(srv.URL, "http")},
		BackoffMin: 10 * time.Millisecond,
		BackoffMax: 20 * time.Millisecond,
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = sc.Run(ctx)
	}()

	select {
	case ev := <-sc.Events():
		if ev.User != "U1" || ev.Text != "hi" || ev.ChannelType != "im" {
			t.Errorf("event = %+v", ev)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no event delivered")
	}
	for _, want := range []string{"env-1", "env-2"} {
		select {
		case got := <-acks:
			if got != want {
				t.Errorf("ack = %q, want %q", got, want)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("ack %s not received", want)
		}
	}

	cancel()
	<-done
	if _, ok := <-sc.Events(); ok {
		t.Error("events channel not closed after Run returned")
	}
}

// --- Bridge ---

type post struct{ channel, thread, text string }

type fakePoster struct {
	mu    sync.Mutex
	posts []post
}

func (f *fakePoster) PostMessage(_ context.Context, channel, thread, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.posts = append(f.posts, post{channel, thread, text})
	return nil
}

func (f *fakePoster) all() []post {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]post(nil), f.posts...)
}

type fakeClassifier struct {
	mu    sync.Mutex
	calls []string
	out   intent.Classified
	err   error
}

func (f *fakeClassifier) Classify(_ context.Context, text string, _ map[string]string) (intent.Classified, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, text)
	return f.out, f.err
}

type chanSource chan MessageEvent

func (c chanSource) Events() <-chan MessageEvent { return c }

type harness struct {
	bridge     *Bridge
	poster     *fakePoster
	classifier *fakeClassifier
	tracker    *conversation.Tracker
	handled    chan string
}

func newHarness(t *testing.T, perMinute int) *harness {
	t.Helper()
	h := &harness{
		poster:     &fakePoster{},
		classifier: &fakeClassifier{out: intent.Classified{Name: "echo"}},
		tracker:    conversation.NewTracker(conversation.TrackerConfig{}),
		handled:    make(chan string, 16),
	}
	reg := intent.NewRegistry()
	reg.MustRegister(intent.Intent{Name: "help", Category: "help", Description: "help", Handle: func(context.Context, intent.Request, intent.Slots) (string, error) {
		return "help text", nil
	}})
	reg.MustRegister(intent.Intent{Name: "echo", Category: "chat", Description: "echo", Handle: func(_ context.Context, req intent.Request, _ intent.Slots) (string, error) {
		req.Store("last", req.Text)
		return "echo: " + req.Text, nil
	}})
	disp := intent.NewDispatcher(intent.DispatcherConfig{
		Registry: reg,
		Replier: intent.ReplierFunc(func(ctx context.Context, req intent.Request, text string) error {
			err := PosterReplier(h.poster).Reply(ctx, req, text)
			h.handled <- text
			return err
		}),
	})
	h.bridge = NewBridge(BridgeConfig{
		Poster:        h.poster,
		Tracker:       h.tracker,
		Classifier:    h.classifier,
		Dispatcher:    disp,
		Bus:           events.New(),
		BotUserID:     "UBOT",
		RatePerMinute: perMinute,
	})
	return h
}

func TestBridge_DirectMessage(t *testing.T) {
	h := newHarness(t, 0)
	msg, ok := h.bridge.accept(MessageEvent{Type: "message", User: "U1", Text: "what &amp; why", TS: "1.0", Channel: "D1", ChannelType: "im"})
	if !ok {
		t.Fatal("direct message rejected")
	}
	h.bridge.handleMessage(context.Background(), msg)

	posts := h.poster.all()
	if len(posts) != 1 || posts[0].text != "echo: what & why" || posts[0].thread != "" {
		t.Fatalf("posts = %+v", posts)
	}
	bag := h.tracker.ContextBag(conversation.Key{Channel: "D1"})
	if bag["last"] != "what & why" {
		t.Errorf("context bag = %v", bag)
	}
}

func TestBridge_ChannelLifecycle(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()
	send := func(ev MessageEvent) {
		t.Helper()
		if msg, ok := h.bridge.accept(ev); ok {
			h.bridge.handleMessage(ctx, msg)
		}
	}

	send(MessageEvent{Type: "message", User: "U1", Text: "lunch?", TS: "1.0", Channel: "C1"})
	if n := len(h.poster.all()); n != 0 {
		t.Fatalf("unaddressed channel message answered (%d posts)", n)
	}

	send(MessageEvent{Type: "message", User: "U1", Text: "<@UBOT> help", TS: "2.0", Channel: "C1"})
	// Slack also delivers the app_mention for the same message.
	send(MessageEvent{Type: "app_mention", User: "U1", Text: "<@UBOT> help", TS: "2.0", Channel: "C1"})
	posts := h.poster.all()
	if len(posts) != 1 || posts[0].thread != "2.0" || posts[0].text != "help text" {
		t.Fatalf("after mention posts = %+v", posts)
	}
	if len(h.classifier.calls) != 0 {
		t.Errorf("fast path consulted classifier: %v", h.classifier.calls)
	}

	send(MessageEvent{Type: "message", User: "U2", Text: "and tomorrow", TS: "3.0", ThreadTS: "2.0", Channel: "C1"})
	posts = h.poster.all()
	if len(posts) != 2 || posts[1].text != "echo: and tomorrow" {
		t.Fatalf("thread follow-up posts = %+v", posts)
	}

	send(MessageEvent{Type: "message", User: "U1", Text: "thanks!", TS: "4.0", ThreadTS: "2.0", Channel: "C1"})
	posts = h.poster.all()
	if len(posts) != 3 || posts[2].text != farewell {
		t.Fatalf("exit posts = %+v", posts)
	}

	send(MessageEvent{Type: "message", User: "U1", Text: "one more thing", TS: "5.0", ThreadTS: "2.0", Channel: "C1"})
	if n := len(h.poster.all()); n != 3 {
		t.Errorf("dormant thread answered (%d posts)", n)
	}
}

func TestBridge_IgnoresBotsAndEdits(t *testing.T) {
	h := newHarness(t, 0)
	for _, ev := range []MessageEvent{
		{Type: "message", User: "UBOT", Text: "echo", TS: "1", Channel: "D1", ChannelType: "im"},
		{Type: "message", BotID: "B1", User: "U9", Text: "beep", TS: "2", Channel: "D1", ChannelType: "im"},
		{Type: "message", Subtype: "message_changed", User: "U1", Text: "edit", TS: "3", Channel: "D1", ChannelType: "im"},
		{Type: "message", User: "U1", Text: "   ", TS: "4", Channel: "D1", ChannelType: "im"},
	} {
		if _, ok := h.bridge.accept(ev); ok {
			t.Errorf("accepted %+v", ev)
		}
	}
}

func TestBridge_ClassifierFailure(t *testing.T) {
	h := newHarness(t, 0)
	h.classifier.err = apperr.FromStatus("classifier.classify", http.StatusServiceUnavailable, "")
	msg, _ := h.bridge.accept(MessageEvent{Type: "message", User: "U1", Text: "plan my day", TS: "1", Channel: "D1", ChannelType: "im"})
	h.bridge.handleMessage(context.Background(), msg)
	posts := h.poster.all()
	if len(posts) != 1 || !strings.Contains(posts[0].text, "Connection problem") {
		t.Errorf("posts = %+v", posts)
	}
}

func TestBridge_RateLimit(t *testing.T) {
	h := newHarness(t, 2)
	for i, ts := range []string{"1", "2", "3"} {
		msg, ok := h.bridge.accept(MessageEvent{Type: "message", User: "U1", Text: "ping", TS: ts, Channel: "D1", ChannelType: "im"})
		if !ok {
			t.Fatalf("message %d rejected", i)
		}
		h.bridge.handleMessage(context.Background(), msg)
	}
	if n := len(h.poster.all()); n != 2 {
		t.Errorf("posts = %d, want 2 (third limited)", n)
	}
}

func TestBridge_StartStops(t *testing.T) {
	h := newHarness(t, 0)
	src := make(chanSource, 1)
	h.bridge.source = src
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.bridge.Start(ctx)
		close(done)
	}()
	src <- MessageEvent{Type: "message", User: "U1", Text: "help", TS: "1", Channel: "D1", ChannelType: "im"}
	select {
	case text := <-h.handled:
		if text != "help text" {
			t.Errorf("reply = %q", text)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("message not handled")
	}
	cancel()
	<-done
}

func TestFastPath(t *testing.T) {
	cases := []struct {
		in     string
		name   string
		period string
		ok     bool
	}{
		{"help", "help", "", true},
		{"", "help", "", true},
		{"Rundown", "rundown", "today", true},
		{"rundown tomorrow?", "rundown", "tomorrow", true},
		{"rundown  this week", "rundown", "week", true},
		{"Next meeting?", "next_meeting", "", true},
		{"rundown for my boss", "", "", false},
	}
	for _, tc := range cases {
		c, ok := FastPath(tc.in)
		if ok != tc.ok || c.Name != tc.name {
			t.Errorf("FastPath(%q) = %+v, %v", tc.in, c, ok)
			continue
		}
		if p, _ := c.Slots["period"].(string); p != tc.period {
			t.Errorf("FastPath(%q) period = %q, want %q", tc.in, p, tc.period)
		}
	}
}
