// Package ingest drives one streaming completion exchange: it accumulates
// raw output text and exposes a cleaned display view after every delta. The
// raw accumulator is what gets persisted on success; cleaning is strictly a
// display concern and never feeds back into the stored text.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/parleychat/parley/internal/completion"
)

// State is the ingestor lifecycle. An ingestor runs exactly one exchange:
// idle until Run, streaming while deltas arrive, then done or failed.
type State string

const (
	StateIdle      State = "idle"
	StateStreaming State = "streaming"
	StateDone      State = "done"
	StateFailed    State = "failed"
)

// ErrAlreadyRun is returned when Run is called on a spent ingestor.
var ErrAlreadyRun = errors.New("ingestor already run")

// Request describes one streaming exchange.
type Request struct {
	Instructions string
	Input        []completion.InputMessage
}

// Ingestor accumulates one streamed response.
type Ingestor struct {
	client *completion.Client

	mu    sync.Mutex
	state State
}

// New creates an idle ingestor bound to a completion client.
func New(client *completion.Client) *Ingestor {
	return &Ingestor{client: client, state: StateIdle}
}

// State returns the current lifecycle state.
func (ing *Ingestor) State() State {
	ing.mu.Lock()
	defer ing.mu.Unlock()
	return ing.state
}

func (ing *Ingestor) setState(s State) {
	ing.mu.Lock()
	ing.state = s
	ing.mu.Unlock()
}

// Run executes the exchange. onUpdate, if non-nil, receives the cleaned view
// of the accumulated text after every delta; the raw accumulator is never
// exposed mid-stream. On success the raw accumulated text is returned. Any
// failure, including cancellation through ctx, discards the partial text and
// leaves the ingestor failed; callers persist nothing.
func (ing *Ingestor) Run(ctx context.Context, req Request, onUpdate func(display string)) (string, error) {
	ing.mu.Lock()
	if ing.state != StateIdle {
		ing.mu.Unlock()
		return "", ErrAlreadyRun
	}
	ing.state = StateStreaming
	ing.mu.Unlock()

	var acc strings.Builder
	err := ing.client.Stream(ctx, req.Instructions, req.Input, func(delta string) error {
		acc.WriteString(delta)
		if onUpdate != nil {
			onUpdate(CleanDisplay(acc.String()))
		}
		return nil
	})
	if err != nil {
		ing.setState(StateFailed)
		return "", fmt.Errorf("streaming failed: %w", err)
	}

	ing.setState(StateDone)
	return acc.String(), nil
}

var (
	bracketSpan     = regexp.MustCompile("【[^】]*】")
	danglingBracket = regexp.MustCompile("【[^】]*$")
)

// CleanDisplay returns the display form of partially received text. It trims
// a trailing markdown link fragment whose closing `](...)` has not arrived
// yet, then strips 【...】 reference spans, including one left unterminated
// at the end. The input is never modified.
func CleanDisplay(text string) string {
	cleaned := trimDanglingLink(text)
	cleaned = bracketSpan.ReplaceAllString(cleaned, "")
	return danglingBracket.ReplaceAllString(cleaned, "")
}

// trimDanglingLink cuts the text at the last `[` unless that bracket is
// followed by a completed `](...)`.
func trimDanglingLink(text string) string {
	idx := strings.LastIndex(text, "[")
	if idx == -1 {
		return text
	}
	rest := text[idx:]
	linkStart := strings.Index(rest, "](")
	if linkStart == -1 {
		return text[:idx]
	}
	if !strings.Contains(rest[linkStart+2:], ")") {
		return text[:idx]
	}
	return text
}
