package ingest

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/parleychat/parley/internal/completion"
)

func TestCleanDisplay(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"plain text", "hello world", "hello world"},
		{"completed link kept", "see [docs](https://example.com) here", "see [docs](https://example.com) here"},
		{"dangling open bracket", "see [do", "see "},
		{"dangling link target", "see [docs](https://exa", "see "},
		{"bracket without link part", "see [docs", "see "},
		{"reference span stripped", "answer【4:0†source】 done", "answer done"},
		{"multiple spans stripped", "a【1】b【2】c", "abc"},
		{"unterminated span stripped", "answer【4:0†sou", "answer"},
		{"span then dangling link", "x【1】 and [li", "x and "},
		{"empty", "", ""},
	}

	for _, tc := range cases {
		if got := CleanDisplay(tc.in); got != tc.want {
			t.Errorf("%s: CleanDisplay(%q) = %q, want %q", tc.name, tc.in, got, tc.want)
		}
	}
}

func TestRunAccumulatesRawAndCleansUpdates(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"type\":\"response.output_text.delta\",\"delta\":\"see 【1†s\"}\n\n")
		fmt.Fprint(w, "data: {\"type\":\"response.output_text.delta\",\"delta\":\"ource】 done\"}\n\n")
		fmt.Fprint(w, "data: {\"type\":\"response.completed\"}\n\n")
	}))
	defer server.Close()

	client := completion.NewClient(server.URL, "secret", "gpt-test", time.Second)
	ing := New(client)
	if ing.State() != StateIdle {
		t.Fatalf("expected idle state, got %s", ing.State())
	}

	var updates []string
	raw, err := ing.Run(context.Background(), Request{Input: []completion.InputMessage{{Role: "user", Content: "hi"}}}, func(display string) {
		updates = append(updates, display)
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if raw != "see 【1†source】 done" {
		t.Fatalf("raw accumulator should keep reference spans, got %q", raw)
	}
	if len(updates) != 2 {
		t.Fatalf("expected 2 updates, got %d", len(updates))
	}
	if updates[0] != "see " {
		t.Fatalf("first update should hide the unterminated span, got %q", updates[0])
	}
	if updates[1] != "see  done" {
		t.Fatalf("second update should strip the completed span, got %q", updates[1])
	}
	if ing.State() != StateDone {
		t.Fatalf("expected done state, got %s", ing.State())
	}
}

func TestRunFailureDiscardsPartial(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"type\":\"response.output_text.delta\",\"delta\":\"partial\"}\n\n")
		fmt.Fprint(w, "data: {broken\n\n")
	}))
	defer server.Close()

	client := completion.NewClient(server.URL, "secret", "gpt-test", time.Second)
	ing := New(client)

	raw, err := ing.Run(context.Background(), Request{}, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if raw != "" {
		t.Fatalf("failed run should discard the partial text, got %q", raw)
	}
	if ing.State() != StateFailed {
		t.Fatalf("expected failed state, got %s", ing.State())
	}
}

func TestRunUpstreamError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"error":{"message":"overloaded","type":"server_error"}}`)
	}))
	defer server.Close()

	client := completion.NewClient(server.URL, "secret", "gpt-test", time.Second)
	ing := New(client)

	if _, err := ing.Run(context.Background(), Request{}, nil); err == nil {
		t.Fatal("expected error")
	}
	if ing.State() != StateFailed {
		t.Fatalf("expected failed state, got %s", ing.State())
	}
}

func TestRunIsSingleUse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"type\":\"response.completed\"}\n\n")
	}))
	defer server.Close()

	client := completion.NewClient(server.URL, "secret", "gpt-test", time.Second)
	ing := New(client)
	if _, err := ing.Run(context.Background(), Request{}, nil); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if _, err := ing.Run(context.Background(), Request{}, nil); err != ErrAlreadyRun {
		t.Fatalf("expected ErrAlreadyRun, got %v", err)
	}
}
