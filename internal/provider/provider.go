package provider

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/basket/outreach/internal/persistence"
	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/anthropic"
	"github.com/firebase/genkit/go/plugins/compat_oai"
	"github.com/firebase/genkit/go/plugins/googlegenai"
)

// Request is a single completion call. History carries prior conversation
// entries oldest-first; Prompt is the new input for this turn.
type Request struct {
	System  string
	Prompt  string
	History []persistence.ConversationEntry
}

// Usage reports token consumption for one completion. When the backend does
// not report usage, both fields hold estimates.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Response is the result of a completion call.
type Response struct {
	Text  string
	Usage Usage
}

// Provider is the LLM abstraction used by the evaluator and the session
// orchestrator.
type Provider interface {
	Complete(ctx context.Context, req Request) (*Response, error)
	ModelName() string
}

// Config selects and authenticates the LLM backend.
type Config struct {
	// Provider is one of "google", "anthropic", "openai", "openai_compatible",
	// "openrouter". Empty defaults to "google".
	Provider string

	// Model is the model name for the configured provider.
	Model string

	// APIKey overrides the provider's environment variable.
	APIKey string

	// OpenAI-compatible backends.
	CompatibleProvider string
	CompatibleBaseURL  string
}

// GenkitProvider backs Provider with a Genkit instance. Without an API key it
// degrades to a deterministic canned reply so the rest of the system stays
// exercisable.
type GenkitProvider struct {
	g        *genkit.Genkit
	cfg      Config
	provider string
	model    string
	llmOn    bool
}

// NewGenkitProvider initializes Genkit with the configured backend plugin.
func NewGenkitProvider(ctx context.Context, cfg Config) *GenkitProvider {
	name := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if name == "" {
		name = "google"
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModelForProvider(name)
	}
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		apiKey = envAPIKeyForProvider(name)
	}

	var g *genkit.Genkit
	llmOn := false

	switch name {
	case "anthropic":
		if apiKey != "" {
			g = genkit.Init(ctx, genkit.WithPlugins(&anthropic.Anthropic{
				APIKey:  apiKey,
				BaseURL: os.Getenv("ANTHROPIC_BASE_URL"),
			}))
			llmOn = true
			slog.Info("llm provider initialized", "provider", "anthropic", "model", model)
		} else {
			g = genkit.Init(ctx)
			slog.Warn("Anthropic API key missing; using deterministic fallback")
		}

	case "openai":
		if apiKey != "" {
			g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
				Provider: "openai",
				APIKey:   apiKey,
				BaseURL:  os.Getenv("OPENAI_BASE_URL"),
			}))
			llmOn = true
			slog.Info("llm provider initialized", "provider", "openai", "model", model)
		} else {
			g = genkit.Init(ctx)
			slog.Warn("OpenAI API key missing; using deterministic fallback")
		}

	case "openai_compatible":
		if apiKey != "" {
			g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
				Provider: cfg.CompatibleProvider,
				APIKey:   apiKey,
				BaseURL:  cfg.CompatibleBaseURL,
			}))
			llmOn = true
			slog.Info("llm provider initialized", "provider", "openai_compatible", "model", model)
		} else {
			g = genkit.Init(ctx)
			slog.Warn("OpenAI compatible API key missing; using deterministic fallback")
		}

	case "openrouter":
		if apiKey != "" {
			g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
				Provider: "openrouter",
				APIKey:   apiKey,
				BaseURL:  "https://openrouter.ai/api/v1",
			}))
			llmOn = true
			slog.Info("llm provider initialized", "provider", "openrouter", "model", model)
		} else {
			g = genkit.Init(ctx)
			slog.Warn("OpenRouter API key missing; using deterministic fallback")
		}

	case "google":
		if apiKey != "" {
			_ = os.Setenv("GEMINI_API_KEY", apiKey)
			g = genkit.Init(ctx,
				genkit.WithPlugins(&googlegenai.GoogleAI{}),
				genkit.WithDefaultModel("googleai/"+model),
			)
			llmOn = true
			slog.Info("llm provider initialized", "provider", "google", "model", "googleai/"+model)
		} else {
			g = genkit.Init(ctx)
			slog.Warn("Google API key missing; using deterministic fallback")
		}

	default:
		g = genkit.Init(ctx)
		slog.Warn("unknown LLM provider, using deterministic fallback", "provider", name)
	}

	return &GenkitProvider{g: g, cfg: cfg, provider: name, model: model, llmOn: llmOn}
}

// ModelName returns the provider-qualified model identifier.
func (p *GenkitProvider) ModelName() string {
	switch p.provider {
	case "anthropic":
		return "anthropic/" + p.model
	case "openai":
		return "openai/" + p.model
	case "openai_compatible", "openrouter":
		return p.model
	default:
		return "googleai/" + p.model
	}
}

const fallbackReply = "I can respond with full reasoning after an API key is configured."

// Complete runs one generation against the configured model.
func (p *GenkitProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return nil, fmt.Errorf("empty prompt")
	}

	if !p.llmOn {
		return &Response{
			Text: fallbackReply,
			Usage: Usage{
				InputTokens:  EstimateTokens(req.System) + EstimateTokens(prompt),
				OutputTokens: EstimateTokens(fallbackReply),
			},
		}, nil
	}

	opts := []ai.GenerateOption{
		ai.WithModelName(p.ModelName()),
		ai.WithPrompt(prompt),
	}
	if system := strings.TrimSpace(req.System); system != "" {
		// Escape % characters to prevent fmt.Sprintf corruption in ai.WithSystem().
		opts = append(opts, ai.WithSystem(strings.ReplaceAll(system, "%", "%%")))
	}
	if msgs := historyToMessages(req.History); len(msgs) > 0 {
		opts = append(opts, ai.WithMessages(msgs...))
	}

	resp, err := genkit.Generate(ctx, p.g, opts...)
	if err != nil {
		return nil, fmt.Errorf("generate: %w", err)
	}

	text := resp.Text()
	usage := Usage{
		InputTokens:  EstimateTokens(req.System) + EstimateTokens(prompt),
		OutputTokens: EstimateTokens(text),
	}
	if resp.Usage != nil {
		if resp.Usage.InputTokens > 0 {
			usage.InputTokens = resp.Usage.InputTokens
		}
		if resp.Usage.OutputTokens > 0 {
			usage.OutputTokens = resp.Usage.OutputTokens
		}
	}
	return &Response{Text: text, Usage: usage}, nil
}

func defaultModelForProvider(provider string) string {
	switch provider {
	case "anthropic":
		return "claude-sonnet-4-5"
	case "openai", "openai_compatible":
		return "gpt-4o"
	case "openrouter":
		return "anthropic/claude-sonnet-4-5"
	default:
		return "gemini-2.5-flash"
	}
}

func envAPIKeyForProvider(provider string) string {
	switch provider {
	case "anthropic":
		return os.Getenv("ANTHROPIC_API_KEY")
	case "openai", "openai_compatible":
		return os.Getenv("OPENAI_API_KEY")
	case "openrouter":
		return os.Getenv("OPENROUTER_API_KEY")
	case "google":
		if k := os.Getenv("GEMINI_API_KEY"); k != "" {
			return k
		}
		return os.Getenv("GOOGLE_API_KEY")
	default:
		return ""
	}
}

// historyToMessages converts stored conversation entries to Genkit messages.
// The agent speaks as the model; the subject speaks as the user.
func historyToMessages(entries []persistence.ConversationEntry) []*ai.Message {
	var msgs []*ai.Message
	for _, e := range entries {
		var role ai.Role
		switch e.Role {
		case "agent":
			role = ai.RoleModel
		case "subject":
			role = ai.RoleUser
		case "system":
			role = ai.RoleSystem
		default:
			continue
		}
		msgs = append(msgs, &ai.Message{
			Role:    role,
			Content: []*ai.Part{ai.NewTextPart(e.Content)},
		})
	}
	return msgs
}

// EstimateTokens returns a word-based token estimate: whitespace-split word
// count times 1.33, floored at len/4 for code and non-English text.
func EstimateTokens(content string) int {
	if content == "" {
		return 0
	}
	words := len(strings.Fields(content))
	wordEstimate := int(float64(words) * 1.33)
	charEstimate := len(content) / 4
	if wordEstimate > charEstimate {
		return wordEstimate
	}
	return charEstimate
}
