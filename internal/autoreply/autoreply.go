// Package autoreply decides when configured agents respond to channel
// messages and produces their replies.
package autoreply

import (
	"context"
	"errors"
	"fmt"
	"log"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/parleychat/parley/internal/backend"
	"github.com/parleychat/parley/internal/completion"
	"github.com/parleychat/parley/internal/domain"
	"github.com/parleychat/parley/internal/policy"
)

// NoReplySentinel is the exact completion output an agent returns to decline.
const NoReplySentinel = "NO_REPLY"

// ErrUnknownAgent reports a reply request for a handle no agent is
// configured under.
var ErrUnknownAgent = errors.New("unknown agent")

// Agent is one reply-capable identity: its mention handle, persona, the
// channels it answers in unprompted, and its backend user id.
type Agent struct {
	Handle   string
	Name     string
	Persona  string
	Channels []string
	UserID   string
}

// HistoryMessage is one line of conversation context for reply composition.
type HistoryMessage struct {
	Username string
	Content  string
}

// Orchestrator watches channel traffic and invokes every agent a message
// qualifies, each on its own goroutine.
type Orchestrator struct {
	agents       []Agent
	client       *completion.Client
	store        backend.Store
	engine       *policy.Engine
	contextLimit int
}

// New creates an orchestrator. A nil engine disables the policy gate; the
// mention/default-channel rule still applies. contextLimit caps how many
// recent messages are sent as reply context.
func New(agents []Agent, client *completion.Client, store backend.Store, engine *policy.Engine, contextLimit int) *Orchestrator {
	if contextLimit <= 0 {
		contextLimit = 20
	}
	return &Orchestrator{
		agents:       agents,
		client:       client,
		store:        store,
		engine:       engine,
		contextLimit: contextLimit,
	}
}

// Agents returns the configured agents.
func (o *Orchestrator) Agents() []Agent {
	return o.agents
}

// HandleMessage inspects one freshly stored channel message and starts a
// reply for each agent it qualifies. It returns immediately; replies run on
// their own goroutines. Messages outside channels and messages sent by
// agents never trigger replies.
func (o *Orchestrator) HandleMessage(conv domain.Conversation, msg domain.Message) {
	if conv.Kind != domain.KindChannel || msg.Sender.IsAgent {
		return
	}

	mentions := ExtractMentions(msg.Content)
	for _, agent := range o.agents {
		mentioned := slices.Contains(mentions, agent.Handle)
		defaultChannel := slices.Contains(agent.Channels, conv.Name)
		if !mentioned && !defaultChannel {
			continue
		}
		go o.reply(agent, conv, mentioned, defaultChannel)
	}
}

// reply runs one agent's full reply flow: policy gate, context assembly,
// completion, and persistence.
func (o *Orchestrator) reply(agent Agent, conv domain.Conversation, mentioned, defaultChannel bool) {
	ctx := context.Background()

	if !o.allowed(ctx, agent, conv.Name, mentioned, defaultChannel) {
		return
	}

	history, err := o.store.ListMessages(ctx, conv.ID, o.contextLimit)
	if err != nil {
		log.Printf("WARN: failed to load context for %s in #%s: %v", agent.Handle, conv.Name, err)
		return
	}

	input := make([]completion.InputMessage, 0, len(history))
	for _, m := range history {
		input = append(input, completion.InputMessage{
			Role:    "user",
			Content: m.Sender.Username + ": " + m.Content,
		})
	}

	text, citations, err := o.compose(ctx, agent, conv.Name, input)
	if err != nil {
		log.Printf("WARN: completion failed for %s in #%s: %v", agent.Handle, conv.Name, err)
		return
	}
	if text == "" {
		return
	}

	row := &domain.Message{
		ID:             "msg_" + uuid.New().String()[:8],
		ConversationID: conv.ID,
		SenderID:       agent.UserID,
		Content:        domain.AppendCitations(text, citations),
		CreatedAt:      time.Now().UTC(),
	}
	if err := o.store.InsertMessage(ctx, row); err != nil {
		log.Printf("ERROR: failed to store reply from %s: %v", agent.Handle, err)
	}
}

// ComposeReply runs the named agent's reply flow over caller-supplied
// history and returns the text without persisting anything. An empty text
// means the agent declined.
func (o *Orchestrator) ComposeReply(ctx context.Context, handle, channel string, history []HistoryMessage) (string, []domain.Citation, error) {
	agent, ok := o.agentByHandle(handle)
	if !ok {
		return "", nil, fmt.Errorf("%w: %s", ErrUnknownAgent, handle)
	}

	// An explicit request counts as a mention.
	if !o.allowed(ctx, agent, channel, true, slices.Contains(agent.Channels, channel)) {
		return "", nil, nil
	}

	input := make([]completion.InputMessage, 0, len(history))
	for _, m := range history {
		input = append(input, completion.InputMessage{
			Role:    "user",
			Content: m.Username + ": " + m.Content,
		})
	}
	return o.compose(ctx, agent, channel, input)
}

// allowed applies the policy gate. Evaluation errors fall back to allowing
// the already qualified reply rather than muting the agent.
func (o *Orchestrator) allowed(ctx context.Context, agent Agent, channel string, mentioned, defaultChannel bool) bool {
	if o.engine == nil {
		return true
	}
	decision, err := o.engine.Evaluate(ctx, policy.Input{
		Agent:          agent.Handle,
		Channel:        channel,
		Mentioned:      mentioned,
		SenderIsAgent:  false,
		DefaultChannel: defaultChannel,
	})
	if err != nil {
		log.Printf("WARN: policy evaluation failed for %s: %v", agent.Handle, err)
		return true
	}
	return decision == policy.DecisionReply
}

// compose calls the completion backend and applies the decline rules: the
// sentinel and blank output both collapse to empty text.
func (o *Orchestrator) compose(ctx context.Context, agent Agent, channel string, input []completion.InputMessage) (string, []domain.Citation, error) {
	result, err := o.client.Complete(ctx, o.instructions(agent, channel), input)
	if err != nil {
		return "", nil, err
	}

	text := strings.TrimSpace(result.Text)
	if text == "" || text == NoReplySentinel {
		return "", nil, nil
	}
	return text, result.Citations, nil
}

func (o *Orchestrator) instructions(agent Agent, channel string) string {
	var b strings.Builder
	b.WriteString(agent.Persona)
	b.WriteString("\n\n")
	fmt.Fprintf(&b, "You are %s, a participant in the #%s channel of a team chat.\n", agent.Handle, channel)
	b.WriteString("The recent messages follow, oldest first, each prefixed with its sender's username.\n")
	fmt.Fprintf(&b, "Write a single chat message as yourself, without a username prefix. If no response from you is warranted, reply with exactly %s.", NoReplySentinel)
	return b.String()
}

func (o *Orchestrator) agentByHandle(handle string) (Agent, bool) {
	for _, agent := range o.agents {
		if agent.Handle == handle {
			return agent, true
		}
	}
	return Agent{}, false
}
