// Package completion is the client for the remote completion service. It
// speaks the responses-style API: streaming output text deltas over SSE, or
// a single-shot call whose output is a list of typed blocks with optional
// web search citations.
package completion

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/parleychat/parley/internal/domain"
)

// ErrMissingAPIKey is returned when no API key is configured. It is a
// configuration error: callers fail the request without retrying.
var ErrMissingAPIKey = errors.New("completion API key not configured")

// Client calls the completion service.
type Client struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
}

// NewClient creates a completion client.
func NewClient(baseURL, apiKey, model string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// InputMessage is one turn of conversation input.
type InputMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is the wire request.
type Request struct {
	Model        string         `json:"model"`
	Instructions string         `json:"instructions,omitempty"`
	Input        []InputMessage `json:"input"`
	Tools        []Tool         `json:"tools,omitempty"`
	Stream       bool           `json:"stream,omitempty"`
}

// Tool enables a built-in tool by type name.
type Tool struct {
	Type string `json:"type"`
}

// Result is a completed single-shot response: the concatenated output text
// plus any web search citations.
type Result struct {
	Text      string
	Citations []domain.Citation
}

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Error *APIError `json:"error"`
}

// APIError represents the error details.
type APIError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
}

type streamEvent struct {
	Type  string `json:"type"`
	Delta string `json:"delta"`
}

type response struct {
	Output []outputBlock `json:"output"`
}

type outputBlock struct {
	Type    string         `json:"type"`
	Content []contentBlock `json:"content"`
}

type contentBlock struct {
	Type        string       `json:"type"`
	Text        string       `json:"text"`
	Annotations []annotation `json:"annotations"`
}

type annotation struct {
	Type       string `json:"type"`
	URL        string `json:"url"`
	Title      string `json:"title"`
	StartIndex int    `json:"start_index"`
	EndIndex   int    `json:"end_index"`
}

// DeltaCallback is called for each output text delta in a stream.
type DeltaCallback func(delta string) error

// Stream sends a streaming request and invokes callback for every output
// text delta until the service reports completion. Event kinds other than
// output text deltas are ignored; a malformed event aborts the stream.
func (c *Client) Stream(ctx context.Context, instructions string, input []InputMessage, callback DeltaCallback) error {
	if c.apiKey == "" {
		return ErrMissingAPIKey
	}

	resp, err := c.send(ctx, &Request{
		Model:        c.model,
		Instructions: instructions,
		Input:        input,
		Stream:       true,
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line, err := reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("failed to read stream: %w", err)
		}

		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")

		var event streamEvent
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			return fmt.Errorf("malformed stream event: %w", err)
		}

		switch event.Type {
		case "response.output_text.delta":
			if err := callback(event.Delta); err != nil {
				return err
			}
		case "response.completed":
			return nil
		default:
			// Lifecycle and tool events are not rendered.
		}
	}
}

// Complete sends a single-shot request with web search enabled and
// assembles the typed output blocks into a Result. Unknown block, content,
// and annotation kinds are skipped with a log line.
func (c *Client) Complete(ctx context.Context, instructions string, input []InputMessage) (*Result, error) {
	if c.apiKey == "" {
		return nil, ErrMissingAPIKey
	}

	resp, err := c.send(ctx, &Request{
		Model:        c.model,
		Instructions: instructions,
		Input:        input,
		Tools:        []Tool{{Type: "web_search"}},
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var parsed response
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}

	result := &Result{}
	for _, block := range parsed.Output {
		if block.Type != "message" {
			log.Printf("WARN: skipping output block type %q", block.Type)
			continue
		}
		for _, content := range block.Content {
			if content.Type != "output_text" {
				log.Printf("WARN: skipping content type %q", content.Type)
				continue
			}
			result.Text += content.Text
			for _, ann := range content.Annotations {
				if ann.Type != "url_citation" {
					log.Printf("WARN: skipping annotation type %q", ann.Type)
					continue
				}
				result.Citations = append(result.Citations, domain.Citation{
					URL:        ann.URL,
					Title:      ann.Title,
					StartIndex: ann.StartIndex,
					EndIndex:   ann.EndIndex,
				})
			}
		}
	}
	return result, nil
}

func (c *Client) send(ctx context.Context, req *Request) (*http.Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/responses", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		var errResp ErrorResponse
		if err := json.Unmarshal(respBody, &errResp); err == nil && errResp.Error != nil {
			return nil, fmt.Errorf("completion API error [%d]: %s (type: %s)", resp.StatusCode, errResp.Error.Message, errResp.Error.Type)
		}
		return nil, fmt.Errorf("completion API error [%d]: %s", resp.StatusCode, string(respBody))
	}

	return resp, nil
}
