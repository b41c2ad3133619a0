package completion

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestClientStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/responses" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Fatalf("unexpected Authorization header: %q", got)
		}
		var req Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("failed to decode request: %v", err)
		}
		if !req.Stream || req.Model != "gpt-test" {
			t.Fatalf("unexpected request: %+v", req)
		}

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: response.created\n")
		fmt.Fprint(w, "data: {\"type\":\"response.created\"}\n\n")
		fmt.Fprint(w, "data: {\"type\":\"response.output_text.delta\",\"delta\":\"Hello\"}\n\n")
		fmt.Fprint(w, "data: {\"type\":\"response.output_text.delta\",\"delta\":\" world\"}\n\n")
		fmt.Fprint(w, "data: {\"type\":\"response.completed\"}\n\n")
		fmt.Fprint(w, "data: {\"type\":\"response.output_text.delta\",\"delta\":\"after end\"}\n\n")
	}))
	defer server.Close()

	client := NewClient(server.URL, "secret", "gpt-test", time.Second)
	var got string
	err := client.Stream(context.Background(), "be brief", []InputMessage{{Role: "user", Content: "hi"}}, func(delta string) error {
		got += delta
		return nil
	})
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}
	if got != "Hello world" {
		t.Fatalf("expected deltas up to the completion marker, got %q", got)
	}
}

func TestClientStreamMalformedEvent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"type\":\"response.output_text.delta\",\"delta\":\"ok\"}\n\n")
		fmt.Fprint(w, "data: {not json\n\n")
	}))
	defer server.Close()

	client := NewClient(server.URL, "secret", "gpt-test", time.Second)
	err := client.Stream(context.Background(), "", nil, func(string) error { return nil })
	if err == nil {
		t.Fatal("expected error for malformed event")
	}
}

func TestClientStreamCallbackError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"type\":\"response.output_text.delta\",\"delta\":\"x\"}\n\n")
	}))
	defer server.Close()

	client := NewClient(server.URL, "secret", "gpt-test", time.Second)
	want := fmt.Errorf("stop now")
	err := client.Stream(context.Background(), "", nil, func(string) error { return want })
	if err != want {
		t.Fatalf("expected callback error back, got %v", err)
	}
}

func TestClientComplete(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("failed to decode request: %v", err)
		}
		if len(req.Tools) != 1 || req.Tools[0].Type != "web_search" {
			t.Fatalf("expected web_search tool, got %+v", req.Tools)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"output":[
			{"type":"reasoning"},
			{"type":"message","content":[
				{"type":"output_text","text":"The answer","annotations":[
					{"type":"url_citation","url":"https://example.com/a","title":"A","start_index":0,"end_index":10},
					{"type":"file_citation","url":"ignored"}
				]},
				{"type":"refusal","text":"nope"},
				{"type":"output_text","text":" is 42."}
			]}
		]}`)
	}))
	defer server.Close()

	client := NewClient(server.URL, "secret", "gpt-test", time.Second)
	result, err := client.Complete(context.Background(), "persona", []InputMessage{{Role: "user", Content: "question"}})
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if result.Text != "The answer is 42." {
		t.Fatalf("expected concatenated text blocks, got %q", result.Text)
	}
	if len(result.Citations) != 1 || result.Citations[0].URL != "https://example.com/a" {
		t.Fatalf("expected one url citation, got %+v", result.Citations)
	}
}

func TestClientCompleteError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":{"message":"bad","type":"invalid_request_error"}}`)
	}))
	defer server.Close()

	client := NewClient(server.URL, "secret", "gpt-test", time.Second)
	_, err := client.Complete(context.Background(), "", nil)
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestClientMissingAPIKey(t *testing.T) {
	client := NewClient("http://unused", "", "gpt-test", time.Second)

	if err := client.Stream(context.Background(), "", nil, func(string) error { return nil }); err != ErrMissingAPIKey {
		t.Fatalf("expected ErrMissingAPIKey, got %v", err)
	}
	if _, err := client.Complete(context.Background(), "", nil); err != ErrMissingAPIKey {
		t.Fatalf("expected ErrMissingAPIKey, got %v", err)
	}
}
