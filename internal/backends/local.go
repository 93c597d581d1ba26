package backends

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/joeriben/ai4artsed-webserver-sub001/internal/chunks"
	"github.com/joeriben/ai4artsed-webserver-sub001/internal/types"

	"github.com/gabriel-vasile/mimetype"
	goopenai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

const defaultUnloadTimeout = 10 * time.Second

// LocalLLM talks to a local OpenAI-compatible chat server (Ollama).
type LocalLLM struct {
	baseURL string
	client  *goopenai.Client
	http    *httpCaller
	logger  *zap.Logger
}

func NewLocalLLM(baseURL string, client *http.Client, l *zap.Logger) *LocalLLM {
	cfg := goopenai.DefaultConfig("local")
	cfg.BaseURL = joinURL(baseURL, "/v1")
	cfg.HTTPClient = client
	if l == nil {
		l = zap.NewNop()
	}

	return &LocalLLM{
		baseURL: baseURL,
		client:  goopenai.NewClientWithConfig(cfg),
		http:    &httpCaller{client: client, kind: types.BackendLocal},
		logger:  l.Named("local_llm"),
	}
}

func (b *LocalLLM) Execute(ctx context.Context, chunk *chunks.BuiltChunk, opts ...ExecOption) (*Result, error) {
	o := applyOptions(opts)

	req := goopenai.ChatCompletionRequest{
		Model:    chunk.ModelID,
		Messages: []goopenai.ChatCompletionMessage{localMessage(chunk)},
	}
	if v, ok := floatParam(chunk.Parameters, "temperature"); ok {
		req.Temperature = float32(v)
	}
	if v, ok := intParam(chunk.Parameters, "max_tokens"); ok {
		req.MaxTokens = v
	}

	var (
		text string
		err  error
	)
	if o.Stream != nil || chunk.Stream {
		text, err = b.stream(ctx, req, o.Stream)
	} else {
		text, err = b.complete(ctx, req)
	}
	if err != nil {
		return nil, b.wrap(err)
	}

	if chunk.KeepAlive != "" {
		b.unload(chunk.ModelID, chunk.KeepAlive)
	}
	return TextResult(text, chunk.ModelID), nil
}

func localMessage(chunk *chunks.BuiltChunk) goopenai.ChatCompletionMessage {
	if len(chunk.Images) == 0 {
		return goopenai.ChatCompletionMessage{Role: goopenai.ChatMessageRoleUser, Content: chunk.PromptText}
	}

	parts := []goopenai.ChatMessagePart{{Type: goopenai.ChatMessagePartTypeText, Text: chunk.PromptText}}
	for _, img := range chunk.Images {
		parts = append(parts, goopenai.ChatMessagePart{
			Type:     goopenai.ChatMessagePartTypeImageURL,
			ImageURL: &goopenai.ChatMessageImageURL{URL: dataURL(img)},
		})
	}
	return goopenai.ChatCompletionMessage{Role: goopenai.ChatMessageRoleUser, MultiContent: parts}
}

func dataURL(data []byte) string {
	return "data:" + mimetype.Detect(data).String() + ";base64," + base64.StdEncoding.EncodeToString(data)
}

func (b *LocalLLM) complete(ctx context.Context, req goopenai.ChatCompletionRequest) (string, error) {
	resp, err := b.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", ErrEmptyResponse
	}
	choice := resp.Choices[0]
	if choice.FinishReason == goopenai.FinishReasonContentFilter {
		return "", &RefusedError{Kind: types.BackendLocal, Message: "content filter"}
	}
	return strings.TrimSpace(choice.Message.Content), nil
}

func (b *LocalLLM) stream(ctx context.Context, req goopenai.ChatCompletionRequest, out chan<- string) (string, error) {
	req.Stream = true
	stream, err := b.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return "", err
	}
	defer stream.Close()

	var sb strings.Builder
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", err
		}
		if len(resp.Choices) == 0 {
			continue
		}
		if resp.Choices[0].FinishReason == goopenai.FinishReasonContentFilter {
			return "", &RefusedError{Kind: types.BackendLocal, Message: "content filter"}
		}
		delta := resp.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		sb.WriteString(delta)
		if out != nil {
			select {
			case out <- delta:
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
	}
	return strings.TrimSpace(sb.String()), nil
}

// unload asks the server to keep or drop the model weights. The
// OpenAI-compatible endpoint ignores keep_alive, so this goes to the native
// generate endpoint with an empty prompt.
func (b *LocalLLM) unload(model, keepAlive string) {
	body := map[string]any{"model": model, "keep_alive": keepAliveValue(keepAlive)}
	ctx, cancel := context.WithTimeout(context.Background(), defaultUnloadTimeout)
	defer cancel()

	if err := b.http.doJSON(ctx, http.MethodPost, joinURL(b.baseURL, "/api/generate"), body, nil, true); err != nil {
		b.logger.Debug("keep_alive request failed", zap.String("model", model), zap.Error(err))
	}
}

// keepAliveValue sends "0" as a number, which unloads immediately.
func keepAliveValue(s string) any {
	if s == "0" {
		return 0
	}
	return s
}

func (b *LocalLLM) wrap(err error) error {
	var apiErr *goopenai.APIError
	if errors.As(err, &apiErr) {
		return statusError(types.BackendLocal, b.baseURL, apiErr.HTTPStatusCode, apiErr.Message)
	}
	var reqErr *goopenai.RequestError
	if errors.As(err, &reqErr) {
		msg := ""
		if reqErr.Err != nil {
			msg = reqErr.Err.Error()
		}
		return statusError(types.BackendLocal, b.baseURL, reqErr.HTTPStatusCode, msg)
	}
	if isConnError(err) {
		return &UnreachableError{Kind: types.BackendLocal, URL: b.baseURL, Err: err}
	}
	return err
}

var _ Executor = (*LocalLLM)(nil)

func floatParam(params map[string]any, key string) (float64, bool) {
	switch v := params[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

func intParam(params map[string]any, key string) (int, bool) {
	switch v := params[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	}
	return 0, false
}
