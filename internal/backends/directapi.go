package backends

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"time"

	"github.com/joeriben/ai4artsed-webserver-sub001/internal/chunks"
	"github.com/joeriben/ai4artsed-webserver-sub001/internal/types"
)

// DirectAPI is a synchronous cloud image endpoint in the OpenAI images shape.
// URLs in the response are downloaded into memory.
type DirectAPI struct {
	url             string
	apiKey          string
	http            *httpCaller
	files           *httpCaller
	downloadTimeout time.Duration
}

type imagesResponse struct {
	Data []struct {
		URL           string `json:"url"`
		B64JSON       string `json:"b64_json"`
		RevisedPrompt string `json:"revised_prompt"`
	} `json:"data"`
}

func NewDirectAPI(url, apiKey string, client *http.Client, downloadTimeout time.Duration) *DirectAPI {
	header := http.Header{}
	if apiKey != "" {
		header.Set("Authorization", "Bearer "+apiKey)
	}
	return &DirectAPI{
		url:             url,
		apiKey:          apiKey,
		http:            &httpCaller{client: client, kind: types.BackendDirectAPI, header: header},
		files:           &httpCaller{client: client, kind: types.BackendDirectAPI},
		downloadTimeout: downloadTimeout,
	}
}

func (b *DirectAPI) Execute(ctx context.Context, chunk *chunks.BuiltChunk, _ ...ExecOption) (*Result, error) {
	if b.apiKey == "" {
		return nil, &UnreachableError{Kind: types.BackendDirectAPI, URL: b.url, Err: ErrCredentialsMissing}
	}

	body := map[string]any{
		"model":  chunk.ModelID,
		"prompt": chunk.PromptText,
		"n":      1,
	}
	for _, key := range []string{"size", "quality", "style", "n", "response_format"} {
		if v, ok := chunk.Parameters[key]; ok {
			body[key] = v
		}
	}
	if _, ok := body["size"]; !ok {
		if w, ok := intParam(chunk.Parameters, "width"); ok {
			h, _ := intParam(chunk.Parameters, "height")
			body["size"] = fmt.Sprintf("%dx%d", w, h)
		}
	}

	var resp imagesResponse
	if err := b.http.doJSON(ctx, http.MethodPost, b.url, body, &resp, false); err != nil {
		if isConnError(err) {
			return nil, &UnreachableError{Kind: types.BackendDirectAPI, URL: b.url, Err: err}
		}
		return nil, err
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("%s: %w", chunk.Name, ErrEmptyResponse)
	}

	res := &Result{SourceModel: chunk.ModelID, Metadata: map[string]any{}}
	for _, d := range resp.Data {
		var data []byte
		switch {
		case d.B64JSON != "":
			decoded, err := base64.StdEncoding.DecodeString(d.B64JSON)
			if err != nil {
				return nil, &BackendError{Kind: types.BackendDirectAPI, Code: http.StatusOK, Message: fmt.Sprintf("invalid base64 payload: %v", err)}
			}
			data = decoded
		case d.URL != "":
			dlCtx, cancel := context.WithTimeout(ctx, b.downloadTimeout)
			downloaded, _, err := b.files.download(dlCtx, d.URL)
			cancel()
			if err != nil {
				return nil, err
			}
			data = downloaded
		default:
			continue
		}
		if d.RevisedPrompt != "" {
			res.Metadata["revised_prompt"] = d.RevisedPrompt
		}
		res.Media = append(res.Media, Media{Data: data})
	}
	if len(res.Media) == 0 {
		return nil, fmt.Errorf("%s: %w", chunk.Name, ErrEmptyResponse)
	}
	return res, nil
}

var _ Executor = (*DirectAPI)(nil)
