// Package evaluator classifies free-text input against a stated goal into a
// small fixed decision vocabulary using the LLM provider. It holds no
// persisted state; callers act on its output.
package evaluator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/basket/outreach/internal/persistence"
	"github.com/basket/outreach/internal/provider"
)

// Decision is one value from the fixed vocabulary.
type Decision string

const (
	// DecisionClose means the goal is achieved and the thread should end.
	DecisionClose Decision = "close"

	// DecisionReply means the agent should send the drafted reply and keep going.
	DecisionReply Decision = "reply"

	// DecisionEscalate means a human needs to look at this.
	DecisionEscalate Decision = "escalate"
)

// Evaluation is a decoded provider classification.
type Evaluation struct {
	Decision Decision `json:"decision"`
	Reply    string   `json:"reply,omitempty"`
	Reason   string   `json:"reason"`

	// RawJSON is the validated JSON exactly as extracted, for persisting
	// alongside the conversation entry.
	RawJSON string `json:"-"`
}

// Result carries the evaluation together with the provider usage of all
// attempts, so callers can account cost even when a retry happened.
type Result struct {
	Evaluation
	Usage provider.Usage
}

// Input is one classification request.
type Input struct {
	Goal    string
	History []persistence.ConversationEntry
	Text    string
}

// EvaluationError reports that the provider produced unusable output after
// the internal retry. Callers must treat it as "no decision".
type EvaluationError struct {
	Message string
	Raw     string
}

func (e *EvaluationError) Error() string { return e.Message }

// ValidationError reports malformed evaluator input. Not retryable.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Evaluator asks the provider to classify input text against a goal.
type Evaluator struct {
	p   provider.Provider
	dec *decoder
}

// New compiles the evaluation schema and returns an Evaluator.
func New(p provider.Provider) (*Evaluator, error) {
	dec, err := newDecoder()
	if err != nil {
		return nil, fmt.Errorf("evaluation schema: %w", err)
	}
	return &Evaluator{p: p, dec: dec}, nil
}

const systemTemplate = `You evaluate one message in an ongoing outreach conversation.

Goal of this conversation: %s

Decide what should happen next and answer with a single JSON object:
{"decision": "close" | "reply" | "escalate", "reply": "draft message when decision is reply", "reason": "short machine-readable reason"}

Rules:
- "close": the goal is achieved or the subject clearly declined; the thread should end.
- "reply": the conversation should continue; include the exact message to send in "reply".
- "escalate": the situation needs a human (complaint, confusion, anything sensitive).
Respond with the JSON object only.`

// Evaluate classifies input text against the goal. Malformed provider output
// is retried once with the decode error fed back; a second failure returns
// *EvaluationError with the usage of both attempts filled in.
func (e *Evaluator) Evaluate(ctx context.Context, in Input) (*Result, error) {
	goal := strings.TrimSpace(in.Goal)
	if goal == "" {
		return nil, &ValidationError{Field: "goal", Message: "must be non-empty"}
	}
	text := strings.TrimSpace(in.Text)
	if text == "" {
		return nil, &ValidationError{Field: "text", Message: "must be non-empty"}
	}

	req := provider.Request{
		System:  fmt.Sprintf(systemTemplate, goal),
		Prompt:  text,
		History: in.History,
	}

	var usage provider.Usage
	resp, err := e.p.Complete(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("evaluate: %w", err)
	}
	usage.InputTokens += resp.Usage.InputTokens
	usage.OutputTokens += resp.Usage.OutputTokens

	ev, decErr := e.dec.Decode(resp.Text)
	if decErr == nil {
		return &Result{Evaluation: *ev, Usage: usage}, nil
	}

	slog.Warn("evaluation decode failed, retrying once", "error", decErr)
	retry := provider.Request{
		System:  req.System,
		History: in.History,
		Prompt: fmt.Sprintf(
			"Your previous response could not be used. Error: %s\n\nOriginal message to evaluate: %s\n\nAnswer again with only the JSON object.",
			decErr.Error(), text,
		),
	}
	resp, err = e.p.Complete(ctx, retry)
	if err != nil {
		return nil, fmt.Errorf("evaluate retry: %w", err)
	}
	usage.InputTokens += resp.Usage.InputTokens
	usage.OutputTokens += resp.Usage.OutputTokens

	ev, decErr = e.dec.Decode(resp.Text)
	if decErr != nil {
		return &Result{Usage: usage}, &EvaluationError{
			Message: fmt.Sprintf("unusable provider output after retry: %s", decErr.Error()),
			Raw:     resp.Text,
		}
	}
	return &Result{Evaluation: *ev, Usage: usage}, nil
}
