// Package main provides a terminal client for the parleyd streaming chat
// endpoint.
package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
)

// ChatMessage mirrors one turn of the /v1/chat/stream request.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type streamRequest struct {
	System   string        `json:"system,omitempty"`
	Messages []ChatMessage `json:"messages"`
}

type streamChunk struct {
	Text string `json:"text"`
}

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Client posts prompts to a parleyd instance and keeps the conversation
// history so follow-up turns carry context.
type Client struct {
	addr    string
	system  string
	history []ChatMessage
	http    *http.Client
}

// NewClient creates a client for the daemon at addr.
func NewClient(addr, system string) *Client {
	return &Client{
		addr:   strings.TrimSuffix(addr, "/"),
		system: system,
		http:   &http.Client{},
	}
}

// Ping checks the daemon is reachable.
func (c *Client) Ping() error {
	resp, err := c.http.Get(c.addr + "/healthz")
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}
	return nil
}

// Send posts the prompt plus prior turns and prints deltas as they arrive.
// The assembled reply joins the history for the next turn.
func (c *Client) Send(prompt string) error {
	c.history = append(c.history, ChatMessage{Role: "user", Content: prompt})

	body, err := json.Marshal(streamRequest{System: c.system, Messages: c.history})
	if err != nil {
		return err
	}

	resp, err := c.http.Post(c.addr+"/v1/chat/stream", "application/json", bytes.NewReader(body))
	if err != nil {
		// A failed turn should not pollute the next one.
		c.history = c.history[:len(c.history)-1]
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.history = c.history[:len(c.history)-1]
		var errResp errorResponse
		if json.NewDecoder(resp.Body).Decode(&errResp) == nil && errResp.Error.Message != "" {
			return fmt.Errorf("%s: %s", errResp.Error.Type, errResp.Error.Message)
		}
		return fmt.Errorf("server returned status %d", resp.StatusCode)
	}

	var reply strings.Builder
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}

		var chunk streamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		fmt.Print(chunk.Text)
		reply.WriteString(chunk.Text)
	}
	fmt.Println()
	if err := scanner.Err(); err != nil {
		c.history = c.history[:len(c.history)-1]
		return err
	}

	c.history = append(c.history, ChatMessage{Role: "assistant", Content: reply.String()})
	return nil
}

func main() {
	addr := flag.String("addr", "http://localhost:8080", "parleyd address")
	system := flag.String("system", "", "system instructions for the conversation")
	flag.Parse()

	log.SetFlags(log.Ltime)

	fmt.Printf("Connecting to %s...\n", *addr)

	client := NewClient(*addr, *system)
	if err := client.Ping(); err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}

	fmt.Println("Connected.")
	fmt.Println()
	fmt.Println("Type a message and press Enter to send.")
	fmt.Println("Commands: /quit to exit")
	fmt.Println()

	// Handle Ctrl+C
	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)

	// Read user input
	scanner := bufio.NewScanner(os.Stdin)

	for {
		fmt.Print("> ")
		select {
		case <-interrupt:
			fmt.Println("\nInterrupted")
			return
		default:
			if !scanner.Scan() {
				return
			}

			input := strings.TrimSpace(scanner.Text())
			if input == "" {
				continue
			}

			if input == "/quit" {
				fmt.Println("Bye!")
				return
			}

			if err := client.Send(input); err != nil {
				log.Printf("Send error: %v", err)
			}
		}
	}
}
