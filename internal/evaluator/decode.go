package evaluator

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// evaluationSchema constrains provider output to the fixed decision
// vocabulary. Reply presence for decision=reply is checked after decode
// since conditional schemas read poorly in error feedback.
const evaluationSchema = `{
	"type": "object",
	"required": ["decision", "reason"],
	"properties": {
		"decision": {"type": "string", "enum": ["close", "reply", "escalate"]},
		"reply": {"type": "string"},
		"reason": {"type": "string"}
	}
}`

// DecodeError describes a single failed attempt to read a structured
// evaluation out of provider text. Its message is fed back to the provider
// verbatim on retry.
type DecodeError struct {
	Message string
	Raw     string
}

func (e *DecodeError) Error() string { return e.Message }

type decoder struct {
	schema *jsonschema.Schema
}

func newDecoder() (*decoder, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(evaluationSchema))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema JSON: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("evaluation.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile("evaluation.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return &decoder{schema: schema}, nil
}

// Decode extracts JSON from provider text, validates it against the
// evaluation schema, and unmarshals it. All failures are *DecodeError.
func (d *decoder) Decode(text string) (*Evaluation, error) {
	jsonStr := ExtractJSON(text)
	if jsonStr == "" {
		return nil, &DecodeError{Message: "response does not contain a JSON object", Raw: text}
	}

	// jsonschema.UnmarshalJSON keeps numbers as json.Number, which the
	// validator requires.
	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(jsonStr))
	if err != nil {
		return nil, &DecodeError{Message: fmt.Sprintf("invalid JSON: %s", err), Raw: text}
	}
	if err := d.schema.Validate(parsed); err != nil {
		return nil, &DecodeError{Message: fmt.Sprintf("schema validation failed: %s", err), Raw: text}
	}

	var ev Evaluation
	if err := json.Unmarshal([]byte(jsonStr), &ev); err != nil {
		return nil, &DecodeError{Message: fmt.Sprintf("decode evaluation: %s", err), Raw: text}
	}
	ev.Reply = strings.TrimSpace(ev.Reply)
	if ev.Decision == DecisionReply && ev.Reply == "" {
		return nil, &DecodeError{Message: `decision "reply" requires a non-empty "reply" field`, Raw: text}
	}
	ev.RawJSON = jsonStr
	return &ev, nil
}

// ExtractJSON finds a JSON object or array in the response text, tolerating
// markdown fences around it.
func ExtractJSON(text string) string {
	// 1. Fenced JSON block: ```json\n...\n```
	if idx := strings.Index(text, "```json"); idx >= 0 {
		start := idx + 7
		if start < len(text) && text[start] == '\n' {
			start++
		}
		if end := strings.Index(text[start:], "```"); end >= 0 {
			candidate := strings.TrimSpace(text[start : start+end])
			if candidate != "" {
				return candidate
			}
		}
	}

	// 2. Generic fenced block: ```\n...\n```
	if idx := strings.Index(text, "```\n"); idx >= 0 {
		start := idx + 4
		if end := strings.Index(text[start:], "```"); end >= 0 {
			candidate := strings.TrimSpace(text[start : start+end])
			if isJSON(candidate) {
				return candidate
			}
		}
	}

	// 3. Raw JSON: find first { or [ and match the closing delimiter.
	for i := 0; i < len(text); i++ {
		if text[i] == '{' || text[i] == '[' {
			candidate := extractBalanced(text[i:])
			if candidate != "" && isJSON(candidate) {
				return candidate
			}
		}
	}

	return ""
}

func isJSON(s string) bool {
	var v any
	return json.Unmarshal([]byte(s), &v) == nil
}

// extractBalanced extracts a balanced JSON structure from the start of the
// string, tracking string literals and escapes.
func extractBalanced(s string) string {
	if len(s) == 0 {
		return ""
	}

	open := s[0]
	var close byte
	switch open {
	case '{':
		close = '}'
	case '[':
		close = ']'
	default:
		return ""
	}

	depth := 0
	inString := false
	escaped := false

	for i := 0; i < len(s); i++ {
		ch := s[i]

		if escaped {
			escaped = false
			continue
		}
		if ch == '\\' && inString {
			escaped = true
			continue
		}
		if ch == '"' {
			inString = !inString
			continue
		}
		if inString {
			continue
		}

		if ch == open {
			depth++
		} else if ch == close {
			depth--
			if depth == 0 {
				return s[:i+1]
			}
		}
	}

	return ""
}
