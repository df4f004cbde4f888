package agent

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
)

func newTestCompleter(t *testing.T, handler http.HandlerFunc) *HTTPCompleter {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewHTTPCompleter(srv.URL)
}

func TestHTTPCompleterRequestShape(t *testing.T) {
	var got map[string]any
	var auth string
	c := newTestCompleter(t, func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &got))
		w.Write([]byte(`{"choices":[{"message":{"content":"ACTION: done"}}]}`))
	})

	out, err := c.Complete(context.Background(), CompletionRequest{
		Model:  "m",
		APIKey: "secret",
		Messages: []llms.MessageContent{
			{Role: llms.ChatMessageTypeSystem, Parts: []llms.ContentPart{llms.TextPart("sys")}},
			{Role: llms.ChatMessageTypeHuman, Parts: []llms.ContentPart{
				llms.ImageURLPart("data:image/png;base64,AAA"),
				llms.TextPart("look"),
			}},
		},
		MaxTokens:   DefaultMaxTokens,
		Temperature: DefaultTemperature,
		Thinking:    true,
	})
	require.NoError(t, err)
	assert.Equal(t, "ACTION: done", out)
	assert.Equal(t, "Bearer secret", auth)

	assert.Equal(t, "m", got["model"])
	assert.Equal(t, false, got["stream"])
	assert.EqualValues(t, DefaultMaxTokens, got["max_tokens"])
	assert.Equal(t, map[string]any{"thinking": true}, got["chat_template_kwargs"])

	msgs := got["messages"].([]any)
	require.Len(t, msgs, 2)
	assert.Equal(t, map[string]any{"role": "system", "content": "sys"}, msgs[0])
	parts := msgs[1].(map[string]any)["content"].([]any)
	require.Len(t, parts, 2)
	assert.Equal(t, "image_url", parts[0].(map[string]any)["type"])
	assert.Equal(t, "text", parts[1].(map[string]any)["type"])
}

func TestHTTPCompleterNoThinkingHint(t *testing.T) {
	var got map[string]any
	c := newTestCompleter(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{"choices":[{"message":{"content":null}}]}`))
	})

	out, err := c.Complete(context.Background(), CompletionRequest{Model: "m"})
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.NotContains(t, got, "chat_template_kwargs")
}

func TestHTTPCompleterProtocolErrors(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		want   string
	}{
		{"server message", http.StatusUnauthorized, `{"error":{"message":"bad key"}}`, "bad key"},
		{"generic status", http.StatusBadGateway, `upstream down`, "API error 502: upstream down"},
		{"empty body", http.StatusOK, ``, "Empty response from API"},
		{"invalid json", http.StatusOK, `{nope`, "Invalid response from API"},
		{"no choices", http.StatusOK, `{"choices":[]}`, "No choices in response"},
		{"no message", http.StatusOK, `{"choices":[{}]}`, "No message in response"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := newTestCompleter(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				w.Write([]byte(tc.body))
			})
			_, err := c.Complete(context.Background(), CompletionRequest{})
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrProtocol)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestHTTPCompleterTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := NewHTTPCompleter(url).Complete(context.Background(), CompletionRequest{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTransport)
	assert.NotErrorIs(t, err, ErrProtocol)
}

type stubModel struct {
	resp *llms.ContentResponse
	err  error
	opts llms.CallOptions
}

func (s *stubModel) GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	for _, o := range options {
		o(&s.opts)
	}
	return s.resp, s.err
}

func (s *stubModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, s, prompt, options...)
}

func TestLangchainCompleter(t *testing.T) {
	m := &stubModel{resp: &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: "ACTION: done"}}}}
	out, err := NewLangchainCompleter(m).Complete(context.Background(), CompletionRequest{
		Model: "kimi", MaxTokens: 10, Temperature: 0.5,
	})
	require.NoError(t, err)
	assert.Equal(t, "ACTION: done", out)
	assert.Equal(t, "kimi", m.opts.Model)
	assert.Equal(t, 10, m.opts.MaxTokens)

	_, err = NewLangchainCompleter(&stubModel{err: errors.New("dial")}).Complete(context.Background(), CompletionRequest{})
	assert.ErrorIs(t, err, ErrTransport)

	_, err = NewLangchainCompleter(&stubModel{resp: &llms.ContentResponse{}}).Complete(context.Background(), CompletionRequest{})
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestLangchainCompleterOverModelClient(t *testing.T) {
	var bodies []map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var got map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		bodies = append(bodies, got)
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"id":"1","object":"chat.completion","model":"kimi","choices":[{"index":0,"message":{"role":"assistant","content":"ACTION: done"},"finish_reason":"stop"}]}`)
	}))
	t.Cleanup(srv.Close)

	hint := NewThinkingHintClient()
	transport, ok := hint.Client.Transport.(*http.Transport)
	require.True(t, ok)
	assert.Equal(t, ReadTimeout, transport.ResponseHeaderTimeout)
	assert.Equal(t, ConnectTimeout, transport.TLSHandshakeTimeout)

	llm, err := openai.New(
		openai.WithToken("k"),
		openai.WithModel("kimi"),
		openai.WithBaseURL(srv.URL),
		openai.WithHTTPClient(hint),
	)
	require.NoError(t, err)
	c := NewLangchainCompleter(llm)
	msgs := []llms.MessageContent{llms.TextParts(llms.ChatMessageTypeHuman, "hi")}

	out, err := c.Complete(context.Background(), CompletionRequest{Messages: msgs, Thinking: true, MaxTokens: 10})
	require.NoError(t, err)
	assert.Equal(t, "ACTION: done", out)

	_, err = c.Complete(context.Background(), CompletionRequest{Messages: msgs, MaxTokens: 10})
	require.NoError(t, err)

	require.Len(t, bodies, 2)
	assert.Equal(t, map[string]any{"thinking": true}, bodies[0]["chat_template_kwargs"])
	assert.NotContains(t, bodies[1], "chat_template_kwargs")
}
