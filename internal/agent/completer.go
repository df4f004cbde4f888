package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/tmc/langchaingo/llms"
)

// Transport timeouts for the model endpoint. No other timeout applies.
const (
	ConnectTimeout = 60 * time.Second
	ReadTimeout    = 120 * time.Second
	WriteTimeout   = 60 * time.Second
)

// DefaultEndpoint is an OpenAI-compatible chat completions URL.
const DefaultEndpoint = "https://integrate.api.nvidia.com/v1/chat/completions"

// CompletionRequest is one non-streaming chat completion call.
type CompletionRequest struct {
	Model       string
	APIKey      string
	Messages    []llms.MessageContent
	MaxTokens   int
	Temperature float64
	Thinking    bool
}

// Completer sends a request and returns the raw assistant text.
type Completer interface {
	Complete(ctx context.Context, req CompletionRequest) (string, error)
}

// HTTPCompleter speaks the OpenAI chat completions wire format directly so
// every failure mode surfaces with its own diagnostic.
type HTTPCompleter struct {
	Endpoint   string
	HTTPClient *http.Client
}

func NewHTTPCompleter(endpoint string) *HTTPCompleter {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	return &HTTPCompleter{
		Endpoint:   endpoint,
		HTTPClient: NewModelHTTPClient(),
	}
}

// NewModelHTTPClient returns a client bounded by the model transport timeouts.
func NewModelHTTPClient() *http.Client {
	dialer := &net.Dialer{Timeout: ConnectTimeout}
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			conn, err := dialer.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			return &deadlineConn{Conn: conn, read: ReadTimeout, write: WriteTimeout}, nil
		},
		TLSHandshakeTimeout:   ConnectTimeout,
		ResponseHeaderTimeout: ReadTimeout,
		IdleConnTimeout:       90 * time.Second,
	}
	return &http.Client{Transport: transport}
}

// deadlineConn applies a fresh deadline to every read and write.
type deadlineConn struct {
	net.Conn
	read, write time.Duration
}

func (c *deadlineConn) Read(p []byte) (int, error) {
	if err := c.Conn.SetReadDeadline(time.Now().Add(c.read)); err != nil {
		return 0, err
	}
	return c.Conn.Read(p)
}

func (c *deadlineConn) Write(p []byte) (int, error) {
	if err := c.Conn.SetWriteDeadline(time.Now().Add(c.write)); err != nil {
		return 0, err
	}
	return c.Conn.Write(p)
}

type wireRequest struct {
	Model            string          `json:"model"`
	Messages         []wireMessage   `json:"messages"`
	MaxTokens        int             `json:"max_tokens"`
	Temperature      float64         `json:"temperature"`
	Stream           bool            `json:"stream"`
	ChatTemplateArgs map[string]bool `json:"chat_template_kwargs,omitempty"`
}

type wireMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type wirePart struct {
	Type     string        `json:"type"`
	Text     string        `json:"text,omitempty"`
	ImageURL *wireImageURL `json:"image_url,omitempty"`
}

type wireImageURL struct {
	URL string `json:"url"`
}

type wireResponse struct {
	Choices []struct {
		Message *struct {
			Content *string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

type wireError struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

func wireRole(t llms.ChatMessageType) string {
	switch t {
	case llms.ChatMessageTypeSystem:
		return "system"
	case llms.ChatMessageTypeAI:
		return "assistant"
	case llms.ChatMessageTypeTool:
		return "tool"
	default:
		return "user"
	}
}

// toWire flattens single-text messages to a plain string and keeps
// multi-part messages as a part array in their original order.
func toWire(msgs []llms.MessageContent) []wireMessage {
	out := make([]wireMessage, 0, len(msgs))
	for _, m := range msgs {
		wm := wireMessage{Role: wireRole(m.Role)}
		if len(m.Parts) == 1 {
			if tc, ok := m.Parts[0].(llms.TextContent); ok {
				wm.Content = tc.Text
				out = append(out, wm)
				continue
			}
		}
		parts := make([]wirePart, 0, len(m.Parts))
		for _, p := range m.Parts {
			switch v := p.(type) {
			case llms.TextContent:
				parts = append(parts, wirePart{Type: "text", Text: v.Text})
			case llms.ImageURLContent:
				parts = append(parts, wirePart{Type: "image_url", ImageURL: &wireImageURL{URL: v.URL}})
			}
		}
		wm.Content = parts
		out = append(out, wm)
	}
	return out
}

func (c *HTTPCompleter) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	body := wireRequest{
		Model:       req.Model,
		Messages:    toWire(req.Messages),
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Stream:      false,
	}
	if req.Thinking {
		body.ChatTemplateArgs = map[string]bool{"thinking": true}
	}

	data, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+req.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return "", &TransportError{Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &TransportError{Err: fmt.Errorf("failed to read response: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr wireError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Error.Message != "" {
			return "", &ProtocolError{StatusCode: resp.StatusCode, Message: apiErr.Error.Message}
		}
		return "", protocolErrorf(resp.StatusCode, "API error %d: %s", resp.StatusCode, string(respBody))
	}

	if len(bytes.TrimSpace(respBody)) == 0 {
		return "", protocolErrorf(resp.StatusCode, "Empty response from API")
	}

	var payload wireResponse
	if err := json.Unmarshal(respBody, &payload); err != nil {
		return "", protocolErrorf(resp.StatusCode, "Invalid response from API: %v", err)
	}
	if len(payload.Choices) == 0 {
		return "", protocolErrorf(resp.StatusCode, "No choices in response")
	}
	msg := payload.Choices[0].Message
	if msg == nil {
		return "", protocolErrorf(resp.StatusCode, "No message in response")
	}
	if msg.Content == nil {
		return "", nil
	}
	return *msg.Content, nil
}

// LangchainCompleter routes requests through a langchaingo model. The model
// is bound to its credentials when it is constructed, and should use a
// ThinkingHintClient so the transport timeouts and thinking hint apply.
type LangchainCompleter struct {
	Model llms.Model
}

func NewLangchainCompleter(model llms.Model) *LangchainCompleter {
	return &LangchainCompleter{Model: model}
}

func (c *LangchainCompleter) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	opts := []llms.CallOption{
		llms.WithMaxTokens(req.MaxTokens),
		llms.WithTemperature(req.Temperature),
	}
	if req.Model != "" {
		opts = append(opts, llms.WithModel(req.Model))
	}
	if req.Thinking {
		ctx = context.WithValue(ctx, thinkingHintKey{}, true)
	}

	resp, err := c.Model.GenerateContent(ctx, req.Messages, opts...)
	if err != nil {
		return "", &TransportError{Err: err}
	}
	if resp == nil || len(resp.Choices) == 0 {
		return "", protocolErrorf(0, "No choices in response")
	}
	if resp.Choices[0] == nil {
		return "", protocolErrorf(0, "No message in response")
	}
	return resp.Choices[0].Content, nil
}

type thinkingHintKey struct{}

// ThinkingHintClient is an HTTP doer for langchaingo's openai client. It adds
// chat_template_kwargs.thinking to request bodies whose context asks for it.
type ThinkingHintClient struct {
	Client *http.Client
}

func NewThinkingHintClient() *ThinkingHintClient {
	return &ThinkingHintClient{Client: NewModelHTTPClient()}
}

func (c *ThinkingHintClient) Do(req *http.Request) (*http.Response, error) {
	if on, _ := req.Context().Value(thinkingHintKey{}).(bool); on && req.Body != nil {
		body, err := io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return nil, err
		}
		var payload map[string]any
		if err := json.Unmarshal(body, &payload); err == nil {
			payload["chat_template_kwargs"] = map[string]bool{"thinking": true}
			if patched, err := json.Marshal(payload); err == nil {
				body = patched
			}
		}
		req = req.Clone(req.Context())
		req.Body = io.NopCloser(bytes.NewReader(body))
		req.GetBody = func() (io.ReadCloser, error) { return io.NopCloser(bytes.NewReader(body)), nil }
		req.ContentLength = int64(len(body))
	}
	return c.Client.Do(req)
}
