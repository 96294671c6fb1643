package session

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/basket/outreach/internal/evaluator"
	"github.com/basket/outreach/internal/otel"
	"github.com/basket/outreach/internal/persistence"
	"github.com/basket/outreach/internal/provider"
)

// plan is one decoded agent turn: the next action to take, or done=true when
// the goal is resolved.
type plan struct {
	Action  string `json:"action"`
	Target  string `json:"target,omitempty"`
	Content string `json:"content,omitempty"`
	Done    bool   `json:"done,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

var plannerActions = map[string]struct{}{
	"send_message":   {},
	"flag_issue":     {},
	"update_context": {},
	"note":           {},
}

const plannerSystemTemplate = `You are an outreach agent working one conversation toward a goal.

Goal: %s

Each turn, answer with a single JSON object describing your next action:
{"action": "send_message" | "flag_issue" | "update_context" | "note", "target": "recipient if the action has one", "content": "message text or note body", "done": false, "reason": "short reason"}

Set "done": true when the goal is achieved or cannot progress further; include a closing note in "content".
Respond with the JSON object only.`

// planTurn asks the provider for the next action and decodes it, retrying
// once with the decode error fed back. Usage accumulates across attempts.
func (o *Orchestrator) planTurn(ctx context.Context, sess *persistence.Session, history []persistence.ConversationEntry, input string) (*plan, provider.Usage, error) {
	req := provider.Request{
		System:  fmt.Sprintf(plannerSystemTemplate, sess.Goal),
		Prompt:  input,
		History: history,
	}

	var usage provider.Usage
	resp, err := o.complete(ctx, req)
	if err != nil {
		return nil, usage, fmt.Errorf("plan turn: %w", err)
	}
	usage.InputTokens += resp.Usage.InputTokens
	usage.OutputTokens += resp.Usage.OutputTokens

	p, decErr := decodePlan(resp.Text)
	if decErr == nil {
		return p, usage, nil
	}

	retry := provider.Request{
		System:  req.System,
		History: history,
		Prompt: fmt.Sprintf(
			"Your previous response could not be used. Error: %s\n\nOriginal input: %s\n\nAnswer again with only the JSON object.",
			decErr, input,
		),
	}
	resp, err = o.complete(ctx, retry)
	if err != nil {
		return nil, usage, fmt.Errorf("plan turn retry: %w", err)
	}
	usage.InputTokens += resp.Usage.InputTokens
	usage.OutputTokens += resp.Usage.OutputTokens

	p, decErr = decodePlan(resp.Text)
	if decErr != nil {
		return nil, usage, fmt.Errorf("unusable plan after retry: %w", decErr)
	}
	return p, usage, nil
}

// complete wraps one provider call with a client span and call metrics.
func (o *Orchestrator) complete(ctx context.Context, req provider.Request) (*provider.Response, error) {
	model := o.provider.ModelName()
	callCtx, span := otel.StartClientSpan(ctx, o.tracer, "provider.complete", otel.AttrModel.String(model))
	defer span.End()

	start := time.Now()
	resp, err := o.provider.Complete(callCtx, req)
	if o.metrics != nil {
		o.metrics.ProviderCallDuration.Record(ctx, time.Since(start).Seconds(),
			metric.WithAttributes(otel.AttrModel.String(model)))
		if resp != nil {
			o.metrics.TokensUsed.Add(ctx, int64(resp.Usage.InputTokens+resp.Usage.OutputTokens),
				metric.WithAttributes(otel.AttrModel.String(model)))
		}
	}
	return resp, err
}

func decodePlan(text string) (*plan, error) {
	jsonStr := evaluator.ExtractJSON(text)
	if jsonStr == "" {
		return nil, fmt.Errorf("response does not contain a JSON object")
	}
	var p plan
	if err := json.Unmarshal([]byte(jsonStr), &p); err != nil {
		return nil, fmt.Errorf("invalid plan JSON: %w", err)
	}
	p.Action = strings.ToLower(strings.TrimSpace(p.Action))
	if p.Done {
		return &p, nil
	}
	if _, ok := plannerActions[p.Action]; !ok {
		return nil, fmt.Errorf("unknown action %q", p.Action)
	}
	if p.Action == "send_message" && strings.TrimSpace(p.Content) == "" {
		return nil, fmt.Errorf("send_message requires non-empty content")
	}
	return &p, nil
}
