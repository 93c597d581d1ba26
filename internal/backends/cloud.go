package backends

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/joeriben/ai4artsed-webserver-sub001/internal/chunks"
	"github.com/joeriben/ai4artsed-webserver-sub001/internal/types"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// CloudLLM calls an OpenAI-compatible aggregator or provider. Without a
// credential every call fails as unreachable.
type CloudLLM struct {
	baseURL string
	client  *openai.Client
}

func NewCloudLLM(baseURL, apiKey string, client *http.Client) *CloudLLM {
	b := &CloudLLM{baseURL: baseURL}
	if apiKey == "" {
		return b
	}

	b.client = openai.NewClient(
		option.WithBaseURL(strings.TrimRight(baseURL, "/")+"/"),
		option.WithAPIKey(apiKey),
		option.WithHTTPClient(client),
		option.WithMaxRetries(0),
	)
	return b
}

func (b *CloudLLM) Execute(ctx context.Context, chunk *chunks.BuiltChunk, opts ...ExecOption) (*Result, error) {
	if b.client == nil {
		return nil, &UnreachableError{Kind: types.BackendCloud, URL: b.baseURL, Err: ErrCredentialsMissing}
	}
	if len(chunk.Images) > 0 {
		return nil, &BackendError{Kind: types.BackendCloud, Code: http.StatusBadRequest, Message: ErrImagesUnsupported.Error()}
	}

	o := applyOptions(opts)
	params := openai.ChatCompletionNewParams{
		Messages: openai.F([]openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(chunk.PromptText),
		}),
		Model: openai.F(openai.ChatModel(chunk.ModelID)),
	}
	if v, ok := floatParam(chunk.Parameters, "temperature"); ok {
		params.Temperature = openai.F(v)
	}
	if v, ok := intParam(chunk.Parameters, "max_tokens"); ok {
		params.MaxTokens = openai.F(int64(v))
	}

	var (
		text string
		err  error
	)
	if o.Stream != nil || chunk.Stream {
		text, err = b.stream(ctx, params, o.Stream)
	} else {
		text, err = b.complete(ctx, params)
	}
	if err != nil {
		return nil, b.wrap(err)
	}
	return TextResult(text, chunk.ModelID), nil
}

func (b *CloudLLM) complete(ctx context.Context, params openai.ChatCompletionNewParams) (string, error) {
	completion, err := b.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", err
	}
	if len(completion.Choices) == 0 {
		return "", ErrEmptyResponse
	}

	choice := completion.Choices[0]
	if choice.Message.Refusal != "" {
		return "", &RefusedError{Kind: types.BackendCloud, Message: choice.Message.Refusal}
	}
	if choice.FinishReason == openai.ChatCompletionChoicesFinishReasonContentFilter {
		return "", &RefusedError{Kind: types.BackendCloud, Message: "content filter"}
	}
	return strings.TrimSpace(choice.Message.Content), nil
}

func (b *CloudLLM) stream(ctx context.Context, params openai.ChatCompletionNewParams, out chan<- string) (string, error) {
	stream := b.client.Chat.Completions.NewStreaming(ctx, params)
	defer stream.Close()

	var sb strings.Builder
	for stream.Next() {
		chunk := stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		if chunk.Choices[0].FinishReason == openai.ChatCompletionChunkChoicesFinishReasonContentFilter {
			return "", &RefusedError{Kind: types.BackendCloud, Message: "content filter"}
		}
		delta := chunk.Choices[0].Delta.Content
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
	if err := stream.Err(); err != nil {
		return "", err
	}
	return strings.TrimSpace(sb.String()), nil
}

func (b *CloudLLM) wrap(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return statusError(types.BackendCloud, b.baseURL, apiErr.StatusCode, apiErr.Message)
	}
	if isConnError(err) {
		return &UnreachableError{Kind: types.BackendCloud, URL: b.baseURL, Err: err}
	}
	return err
}

var _ Executor = (*CloudLLM)(nil)
