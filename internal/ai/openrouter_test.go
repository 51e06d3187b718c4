package ai

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func sseBody(lines ...string) string {
	var b strings.Builder
	for _, l := range lines {
		b.WriteString(l)
		b.WriteString("\n")
	}
	return b.String()
}

func deltaFrame(content string) string {
	return fmt.Sprintf(`data: {"choices":[{"delta":{"content":%q}}]}`, content)
}

func drainStream(t *testing.T, chunks <-chan string, errs <-chan error) ([]string, error) {
	t.Helper()
	var got []string
	for {
		select {
		case c, more := <-chunks:
			if !more {
				chunks = nil
				if errs == nil {
					return got, nil
				}
				continue
			}
			got = append(got, c)
		case err, more := <-errs:
			if !more {
				errs = nil
				if chunks == nil {
					return got, nil
				}
				continue
			}
			return got, err
		case <-time.After(5 * time.Second):
			t.Fatalf("stream did not finish, got %v", got)
		}
	}
}

func TestOpenRouterStreamChat_DeltasInOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			http.NotFound(w, r)
			return
		}
		if got := r.Header.Get("Authorization"); got != "Bearer k1" {
			t.Errorf("missing bearer auth, got %q", got)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, sseBody(
			deltaFrame("Hi"),
			"",
			deltaFrame(" there"),
			"data: [DONE]",
		))
	}))
	defer srv.Close()

	p := NewOpenRouterProvider(srv.URL, "k1", "test-model", "", "")
	chunks, errs := p.StreamChat(context.Background(), []Message{{Role: "user", Content: "Hello"}})

	got, err := drainStream(t, chunks, errs)
	if err != nil {
		t.Fatalf("stream error: %v", err)
	}
	if strings.Join(got, "") != "Hi there" {
		t.Fatalf("unexpected chunks: %v", got)
	}
}

func TestOpenRouterStreamChat_SkipsUnparsableFrames(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, sseBody(
			deltaFrame("a"),
			"data: this is not json",
			`data: {"unexpected_new_field":true}`,
			deltaFrame("b"),
			"data: [DONE]",
		))
	}))
	defer srv.Close()

	p := NewOpenRouterProvider(srv.URL, "k1", "test-model", "", "")
	chunks, errs := p.StreamChat(context.Background(), nil)

	got, err := drainStream(t, chunks, errs)
	if err != nil {
		t.Fatalf("stream error: %v", err)
	}
	if strings.Join(got, "") != "ab" {
		t.Fatalf("unexpected chunks: %v", got)
	}
}

func TestOpenRouterStreamChat_CleanEOFWithoutSentinelCompletes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// connection closes without [DONE]
		fmt.Fprint(w, sseBody(deltaFrame("only")))
	}))
	defer srv.Close()

	p := NewOpenRouterProvider(srv.URL, "k1", "test-model", "", "")
	chunks, errs := p.StreamChat(context.Background(), nil)

	got, err := drainStream(t, chunks, errs)
	if err != nil {
		t.Fatalf("clean close must not be an error, got %v", err)
	}
	if strings.Join(got, "") != "only" {
		t.Fatalf("unexpected chunks: %v", got)
	}
}

func TestOpenRouterStreamChat_Non2xxIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"boom"}}`, http.StatusInternalServerError)
	}))
	defer srv.Close()

	p := NewOpenRouterProvider(srv.URL, "k1", "test-model", "", "")
	chunks, errs := p.StreamChat(context.Background(), nil)

	got, err := drainStream(t, chunks, errs)
	if err == nil {
		t.Fatalf("expected error for 500 response")
	}
	if !strings.Contains(err.Error(), "status 500") {
		t.Fatalf("error should carry the http status, got %q", err)
	}
	if !strings.Contains(err.Error(), "boom") {
		t.Fatalf("error should carry the response body, got %q", err)
	}
	if len(got) != 0 {
		t.Fatalf("no chunks expected, got %v", got)
	}
}

func TestOpenRouterStreamChat_ErrorFrameStopsStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, sseBody(
			deltaFrame("a"),
			`data: {"error":{"message":"quota exceeded"}}`,
			deltaFrame("never"),
		))
	}))
	defer srv.Close()

	p := NewOpenRouterProvider(srv.URL, "k1", "test-model", "", "")
	chunks, errs := p.StreamChat(context.Background(), nil)

	got, err := drainStream(t, chunks, errs)
	if err == nil || !strings.Contains(err.Error(), "quota exceeded") {
		t.Fatalf("expected quota error, got %v", err)
	}
	if strings.Join(got, "") != "a" {
		t.Fatalf("unexpected chunks: %v", got)
	}
}

func TestOpenRouterChat_NonStreaming(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"choices":[{"message":{"role":"assistant","content":"full reply"}}]}`)
	}))
	defer srv.Close()

	p := NewOpenRouterProvider(srv.URL, "k1", "test-model", "", "")
	reply, err := p.Chat(context.Background(), []Message{{Role: "user", Content: "Hello"}})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if reply != "full reply" {
		t.Fatalf("unexpected reply: %q", reply)
	}
}
