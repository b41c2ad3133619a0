// Package policy gates auto-replies through an OPA rego policy. The policy
// is advisory hardening on top of the built-in mention/default-channel rule:
// operators can tighten it per deployment, and evaluation failures fall back
// to the built-in rule at the call site.
package policy

import (
	"context"
	"fmt"

	"github.com/open-policy-agent/opa/rego"
)

// Decisions returned by the policy.
const (
	DecisionReply = "reply"
	DecisionSkip  = "skip"
)

// Input describes one candidate reply for evaluation.
type Input struct {
	Agent          string
	Channel        string
	Mentioned      bool
	SenderIsAgent  bool
	DefaultChannel bool
}

// Engine is the OPA policy engine.
type Engine struct {
	query rego.PreparedEvalQuery
}

// NewEngine creates a policy engine with the given policy content.
func NewEngine(ctx context.Context, policyContent string) (*Engine, error) {
	r := rego.New(
		rego.Query("data.parley.autoreply.decision"),
		rego.Module("autoreply.rego", policyContent),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}

	return &Engine{query: query}, nil
}

// Evaluate returns the policy decision for one candidate reply.
func (e *Engine) Evaluate(ctx context.Context, in Input) (string, error) {
	results, err := e.query.Eval(ctx, rego.EvalInput(map[string]interface{}{
		"agent":           in.Agent,
		"channel":         in.Channel,
		"mentioned":       in.Mentioned,
		"sender_is_agent": in.SenderIsAgent,
		"default_channel": in.DefaultChannel,
	}))
	if err != nil {
		return "", fmt.Errorf("failed to evaluate policy: %w", err)
	}

	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return "", fmt.Errorf("policy produced no decision")
	}

	decision, ok := results[0].Expressions[0].Value.(string)
	if !ok {
		return "", fmt.Errorf("policy produced non-string decision: %v", results[0].Expressions[0].Value)
	}
	return decision, nil
}

// DefaultPolicy is the built-in mention/default-channel rule expressed as
// rego: agents never answer other agents, and otherwise reply when mentioned
// or when the channel is one of their defaults.
const DefaultPolicy = `
package parley.autoreply

default decision = "skip"

decision = "skip" {
	input.sender_is_agent
}

decision = "reply" {
	not input.sender_is_agent
	input.mentioned
}

decision = "reply" {
	not input.sender_is_agent
	input.default_channel
}
`
