package ai

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestOllamaStreamChat_DeltasAndDone(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":"Hi"},"done":false}`)
		fmt.Fprintln(w, `not json at all`)
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":" there"},"done":false}`)
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":""},"done":true}`)
	}))
	defer srv.Close()

	p := NewOllamaProvider(srv.URL, "test-model")
	chunks, errs := p.StreamChat(context.Background(), []Message{{Role: "user", Content: "Hello"}})

	got, err := drainStream(t, chunks, errs)
	if err != nil {
		t.Fatalf("stream error: %v", err)
	}
	if strings.Join(got, "") != "Hi there" {
		t.Fatalf("unexpected chunks: %v", got)
	}
}

func TestOllamaStreamChat_InlineErrorRecord(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"error":"model not found"}`)
	}))
	defer srv.Close()

	p := NewOllamaProvider(srv.URL, "test-model")
	chunks, errs := p.StreamChat(context.Background(), nil)

	_, err := drainStream(t, chunks, errs)
	if err == nil || !strings.Contains(err.Error(), "model not found") {
		t.Fatalf("expected model not found error, got %v", err)
	}
}

func TestOllamaChat_NonStreaming(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"message":{"role":"assistant","content":"full reply"}}`)
	}))
	defer srv.Close()

	p := NewOllamaProvider(srv.URL, "test-model")
	reply, err := p.Chat(context.Background(), []Message{{Role: "user", Content: "Hello"}})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if reply != "full reply" {
		t.Fatalf("unexpected reply: %q", reply)
	}
}
