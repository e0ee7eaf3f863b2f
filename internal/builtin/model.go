package builtin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// modelRequestTimeout bounds one completion request to the model server.
const modelRequestTimeout = 120 * time.Second

// ModelProxy is the built-in tool fronting an OpenAI-compatible
// model-serving API (a local vLLM instance in the reference deployment).
type ModelProxy struct {
	log     *slog.Logger
	client  *http.Client
	baseURL string
	apiKey  string
	model   string
}

// NewModelProxy creates the proxy. baseURL is the server root, without
// the /v1 suffix.
func NewModelProxy(log *slog.Logger, baseURL, apiKey, model string) *ModelProxy {
	return &ModelProxy{
		log:     log.With("component", "model_proxy"),
		client:  &http.Client{Timeout: modelRequestTimeout},
		baseURL: baseURL,
		apiKey:  apiKey,
		model:   model,
	}
}

// Tool returns the tool registration for the set.
func (m *ModelProxy) Tool() *Tool {
	return &Tool{
		Def: NewTool(
			"model_complete",
			"Send a prompt to the local model server and return its completion",
			SimpleSchema(map[string]string{"prompt": "string"}),
		),
		Handler: m.handle,
	}
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

func (m *ModelProxy) handle(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := ParseArguments(req)
	if err != nil {
		return ErrorResult(err.Error()), nil
	}

	prompt, _ := args["prompt"].(string)
	if prompt == "" {
		return ErrorResult("prompt is required"), nil
	}

	body, err := json.Marshal(chatRequest{
		Model:    m.model,
		Messages: []chatMessage{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return ErrorResult("marshal request: " + err.Error()), nil
	}

	url := m.baseURL + "/v1/chat/completions"

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return ErrorResult("build request: " + err.Error()), nil
	}

	httpReq.Header.Set("Content-Type", "application/json")

	if m.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+m.apiKey)
	}

	resp, err := m.client.Do(httpReq)
	if err != nil {
		m.log.Warn("Model request failed", "error", err)

		return ErrorResult("model request failed: " + err.Error()), nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

		return ErrorResult(fmt.Sprintf("model server returned %d: %s", resp.StatusCode, payload)), nil
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return ErrorResult("decode model response: " + err.Error()), nil
	}

	if len(parsed.Choices) == 0 {
		return ErrorResult("model returned no choices"), nil
	}

	return TextResult(parsed.Choices[0].Message.Content), nil
}
