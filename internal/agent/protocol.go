package agent

import (
	"context"
	"fmt"

	"github.com/rahul/phonepilot/internal/observability"
	"github.com/tmc/langchaingo/llms"
)

// Fixed generation parameters.
const (
	DefaultModel        = "moonshotai/kimi-k2.5"
	DefaultMaxTokens    = 2048
	DefaultTemperature  = 1.0
	DefaultHistoryTurns = 50
)

// Observation is one snapshot of the controlled surface. Image is a
// base64-encoded PNG; ScreenText is optional visible text.
type Observation struct {
	Image      string
	ScreenText string
}

func (o *Observation) hasImage() bool {
	return o != nil && o.Image != ""
}

// Credentials authenticate calls to the model endpoint.
type Credentials struct {
	APIKey string
}

// SendOptions tune a single Gateway call.
type SendOptions struct {
	Model    string
	Thinking bool
}

// HistoryStore is the read side of memory the gateway needs.
type HistoryStore interface {
	GetHistory(ctx context.Context, limit int) ([]llms.MessageContent, error)
}

// Gateway is the structured request/response protocol with the remote model.
type Gateway interface {
	SendMessage(ctx context.Context, userMessage string, obs *Observation, creds Credentials, opts SendOptions) (*Decision, error)
}

// ModelGateway builds a request from memory and the current observation,
// sends it through a Completer and parses the reply.
type ModelGateway struct {
	Completer    Completer
	History      HistoryStore
	Prompts      *PromptManager
	Logger       *observability.Logger
	HistoryTurns int
}

func NewModelGateway(completer Completer, history HistoryStore, prompts *PromptManager, logger *observability.Logger) *ModelGateway {
	return &ModelGateway{
		Completer:    completer,
		History:      history,
		Prompts:      prompts,
		Logger:       logger,
		HistoryTurns: DefaultHistoryTurns,
	}
}

// SendMessage never retries. Every failure comes back as a *TransportError
// or *ProtocolError.
func (g *ModelGateway) SendMessage(ctx context.Context, userMessage string, obs *Observation, creds Credentials, opts SendOptions) (*Decision, error) {
	messages, err := g.buildMessages(ctx, userMessage, obs)
	if err != nil {
		return nil, err
	}

	model := opts.Model
	if model == "" {
		model = DefaultModel
	}

	raw, err := g.Completer.Complete(ctx, CompletionRequest{
		Model:       model,
		APIKey:      creds.APIKey,
		Messages:    messages,
		MaxTokens:   DefaultMaxTokens,
		Temperature: DefaultTemperature,
		Thinking:    opts.Thinking,
	})
	if err != nil {
		return nil, err
	}

	if g.Logger != nil {
		g.Logger.LogLLM("", map[string]any{
			"model":    model,
			"turns":    len(messages),
			"image":    obs.hasImage(),
			"message":  userMessage,
			"thinking": opts.Thinking,
		}, raw)
	}

	d := ParseDecision(raw)
	return &d, nil
}

// buildMessages orders the request as system instruction, prior turns
// oldest first, then the current turn ([image, text] when an image exists).
func (g *ModelGateway) buildMessages(ctx context.Context, userMessage string, obs *Observation) ([]llms.MessageContent, error) {
	system := SystemPrompt
	if g.Prompts != nil {
		system = g.Prompts.GetSystemPrompt()
	}

	messages := []llms.MessageContent{
		{
			Role:  llms.ChatMessageTypeSystem,
			Parts: []llms.ContentPart{llms.TextPart(system)},
		},
	}

	if g.History != nil {
		limit := g.HistoryTurns
		if limit <= 0 {
			limit = DefaultHistoryTurns
		}
		history, err := g.History.GetHistory(ctx, limit)
		if err != nil {
			return nil, fmt.Errorf("failed to load history: %w", err)
		}
		messages = append(messages, history...)
	}

	current := llms.MessageContent{Role: llms.ChatMessageTypeHuman}
	if obs.hasImage() {
		current.Parts = []llms.ContentPart{
			llms.ImageURLPart("data:image/png;base64," + obs.Image),
			llms.TextPart(userMessage),
		}
	} else {
		current.Parts = []llms.ContentPart{llms.TextPart(userMessage)}
	}
	return append(messages, current), nil
}
