package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

type recordingSender struct {
	name string
	err  error

	mu     sync.Mutex
	titles []string
}

func (s *recordingSender) Send(_ context.Context, title, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.titles = append(s.titles, title)
	return s.err
}

func (s *recordingSender) Name() string { return s.name }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNotifierFiltersEvents(t *testing.T) {
	s := &recordingSender{name: "rec"}
	n := NewNotifier([]Sender{s}, []string{EventDeadLetter, " "}, discardLogger())
	ctx := context.Background()

	if err := n.Notify(ctx, EventSettlement, "settled", ""); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if err := n.Notify(ctx, EventDeadLetter, "dead", ""); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if len(s.titles) != 1 || s.titles[0] != "dead" {
		t.Fatalf("titles = %v, want [dead]", s.titles)
	}
}

func TestNotifierEmptyFilterAllowsAll(t *testing.T) {
	s := &recordingSender{name: "rec"}
	n := NewNotifier([]Sender{s}, nil, discardLogger())
	for _, ev := range []string{EventDeadLetter, EventSettlement, EventJobFailed} {
		if !n.Enabled(ev) {
			t.Errorf("Enabled(%s) = false", ev)
		}
	}
	if NewNotifier(nil, nil, discardLogger()).Enabled(EventJobFailed) {
		t.Error("notifier without senders must report disabled")
	}
}

func TestNotifierContinuesPastFailingSender(t *testing.T) {
	boom := errors.New("boom")
	bad := &recordingSender{name: "bad", err: boom}
	good := &recordingSender{name: "good"}
	n := NewNotifier([]Sender{bad, good}, nil, discardLogger())

	err := n.Notify(context.Background(), EventJobFailed, "job failed", "settle")
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want wrapped boom", err)
	}
	if len(good.titles) != 1 {
		t.Errorf("good sender got %d alerts, want 1", len(good.titles))
	}
}

func TestSendersPostJSON(t *testing.T) {
	var (
		mu    sync.Mutex
		paths []string
		texts []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		paths = append(paths, r.URL.Path)
		texts = append(texts, body["text"]+body["content"])
		mu.Unlock()
		if strings.Contains(r.URL.Path, "fail") {
			http.Error(w, "nope", http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	ctx := context.Background()
	if err := NewTelegramSender("tok", "42").WithBaseURL(srv.URL+"/").Send(ctx, "Title", "body"); err != nil {
		t.Fatalf("telegram: %v", err)
	}
	if err := NewDiscordSender(srv.URL+"/hook").Send(ctx, "Title", "body"); err != nil {
		t.Fatalf("discord: %v", err)
	}
	err := NewDiscordSender(srv.URL+"/fail").Send(ctx, "Title", "body")
	if err == nil || !strings.Contains(err.Error(), "502") {
		t.Fatalf("err = %v, want status 502", err)
	}

	if paths[0] != "/bottok/sendMessage" || paths[1] != "/hook" {
		t.Errorf("paths = %v", paths)
	}
	if texts[0] != "*Title*\nbody" || texts[1] != "**Title**\nbody" {
		t.Errorf("texts = %q", texts)
	}
}
