package agent

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"
)

type captureCompleter struct {
	req   CompletionRequest
	reply string
	err   error
}

func (c *captureCompleter) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	c.req = req
	return c.reply, c.err
}

type staticHistory []llms.MessageContent

func (h staticHistory) GetHistory(ctx context.Context, limit int) ([]llms.MessageContent, error) {
	if len(h) > limit {
		return h[len(h)-limit:], nil
	}
	return h, nil
}

func TestModelGatewayBuildsRequest(t *testing.T) {
	history := staticHistory{
		llms.TextParts(llms.ChatMessageTypeHuman, "first"),
		llms.TextParts(llms.ChatMessageTypeAI, "second"),
	}
	c := &captureCompleter{reply: "<think>hmm</think>SCREEN: Home\nACTION: tap\nTARGET: (1, 2)\nREASON: go"}
	g := NewModelGateway(c, history, nil, nil)

	d, err := g.SendMessage(context.Background(), "Step text", &Observation{Image: "QUJD"}, Credentials{APIKey: "k"}, SendOptions{Thinking: true})
	require.NoError(t, err)

	assert.Equal(t, ActionTap, d.Action)
	assert.Equal(t, "hmm", d.Thinking)

	req := c.req
	assert.Equal(t, DefaultModel, req.Model)
	assert.Equal(t, "k", req.APIKey)
	assert.Equal(t, DefaultMaxTokens, req.MaxTokens)
	assert.Equal(t, DefaultTemperature, req.Temperature)
	assert.True(t, req.Thinking)

	require.Len(t, req.Messages, 4)
	assert.Equal(t, llms.ChatMessageTypeSystem, req.Messages[0].Role)
	assert.Equal(t, llms.TextPart(SystemPrompt), req.Messages[0].Parts[0])
	assert.Equal(t, history[0], req.Messages[1])
	assert.Equal(t, history[1], req.Messages[2])

	current := req.Messages[3]
	assert.Equal(t, llms.ChatMessageTypeHuman, current.Role)
	require.Len(t, current.Parts, 2)
	assert.Equal(t, llms.ImageURLPart("data:image/png;base64,QUJD"), current.Parts[0])
	assert.Equal(t, llms.TextPart("Step text"), current.Parts[1])
}

func TestModelGatewayTextOnly(t *testing.T) {
	c := &captureCompleter{reply: "ACTION: done"}
	g := NewModelGateway(c, nil, nil, nil)

	_, err := g.SendMessage(context.Background(), "heartbeat", nil, Credentials{}, SendOptions{Model: "other"})
	require.NoError(t, err)

	require.Len(t, c.req.Messages, 2)
	assert.Equal(t, []llms.ContentPart{llms.TextPart("heartbeat")}, c.req.Messages[1].Parts)
	assert.Equal(t, "other", c.req.Model)
}

func TestModelGatewayHistoryWindow(t *testing.T) {
	var history staticHistory
	for i := 0; i < 80; i++ {
		history = append(history, llms.TextParts(llms.ChatMessageTypeHuman, "turn"))
	}
	c := &captureCompleter{reply: "ACTION: done"}
	g := NewModelGateway(c, history, nil, nil)

	_, err := g.SendMessage(context.Background(), "now", nil, Credentials{}, SendOptions{})
	require.NoError(t, err)
	assert.Len(t, c.req.Messages, 1+DefaultHistoryTurns+1)
}

func TestModelGatewayPropagatesErrors(t *testing.T) {
	c := &captureCompleter{err: &TransportError{Err: errors.New("connection refused")}}
	g := NewModelGateway(c, nil, nil, nil)

	d, err := g.SendMessage(context.Background(), "x", nil, Credentials{}, SendOptions{})
	assert.Nil(t, d)
	assert.ErrorIs(t, err, ErrTransport)
}
