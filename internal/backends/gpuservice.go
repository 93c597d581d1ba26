package backends

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"time"

	"github.com/joeriben/ai4artsed-webserver-sub001/internal/chunks"
	"github.com/joeriben/ai4artsed-webserver-sub001/internal/types"

	"go.uber.org/zap"
)

const abortTimeout = 5 * time.Second

// GPUService calls the co-resident inference service. Each capability has
// its own path; media travels as base64 in both directions.
type GPUService struct {
	baseURL string
	http    *httpCaller
	logger  *zap.Logger
}

type gpuResponse struct {
	Success  bool           `json:"success"`
	Error    string         `json:"error"`
	Text     string         `json:"text"`
	Image    string         `json:"image"`
	Images   []string       `json:"images"`
	Audio    string         `json:"audio"`
	Video    string         `json:"video"`
	Steps    []string       `json:"steps"`
	Format   string         `json:"format"`
	Width    int            `json:"width"`
	Height   int            `json:"height"`
	Duration float64        `json:"duration"`
	Seed     *int64         `json:"seed"`
	Model    string         `json:"model"`
	Metadata map[string]any `json:"metadata"`
}

func NewGPUService(baseURL string, client *http.Client, l *zap.Logger) *GPUService {
	if l == nil {
		l = zap.NewNop()
	}
	return &GPUService{
		baseURL: baseURL,
		http:    &httpCaller{client: client, kind: types.BackendGPUService},
		logger:  l.Named("gpu_service"),
	}
}

func (b *GPUService) Execute(ctx context.Context, chunk *chunks.BuiltChunk, _ ...ExecOption) (*Result, error) {
	if chunk.Endpoint == "" {
		return nil, &BackendError{Kind: types.BackendGPUService, Code: http.StatusBadRequest, Message: "chunk has no endpoint"}
	}

	body := make(map[string]any, len(chunk.Parameters)+2)
	for k, v := range chunk.Parameters {
		body[k] = v
	}
	if chunk.ModelID != "" {
		body["model"] = chunk.ModelID
	}
	if len(chunk.Images) > 0 {
		body["image"] = base64.StdEncoding.EncodeToString(chunk.Images[0])
	}

	url := joinURL(b.baseURL, chunk.Endpoint)
	var resp gpuResponse
	err := b.http.doJSON(ctx, http.MethodPost, url, body, &resp, false)
	if err != nil {
		if ctx.Err() == context.Canceled {
			b.abort(chunk.Endpoint)
		}
		if isConnError(err) {
			return nil, &UnreachableError{Kind: types.BackendGPUService, URL: url, Err: err}
		}
		return nil, err
	}
	if !resp.Success {
		return nil, &BackendError{Kind: types.BackendGPUService, Code: http.StatusOK, Message: resp.Error}
	}

	return b.result(chunk, &resp)
}

func (b *GPUService) result(chunk *chunks.BuiltChunk, resp *gpuResponse) (*Result, error) {
	res := &Result{SourceModel: resp.Model, Metadata: map[string]any{}}
	for k, v := range resp.Metadata {
		res.Metadata[k] = v
	}
	if resp.Seed != nil {
		res.Metadata["seed"] = *resp.Seed
	}

	encoded := resp.Images
	for _, s := range []string{resp.Image, resp.Audio, resp.Video} {
		if s != "" {
			encoded = append(encoded, s)
		}
	}
	if len(encoded) == 0 {
		if resp.Text == "" {
			return nil, fmt.Errorf("%s: %w", chunk.Endpoint, ErrEmptyResponse)
		}
		res.Kind = ResultText
		res.Text = resp.Text
		return res, nil
	}

	for _, s := range encoded {
		data, err := decodePayload(s)
		if err != nil {
			return nil, err
		}
		res.Media = append(res.Media, Media{
			Data:     data,
			Format:   resp.Format,
			Width:    resp.Width,
			Height:   resp.Height,
			Duration: resp.Duration,
		})
	}
	for _, s := range resp.Steps {
		data, err := decodePayload(s)
		if err != nil {
			return nil, err
		}
		res.Intermediates = append(res.Intermediates, Media{Kind: types.MediaImage, Data: data})
	}
	return res, nil
}

func decodePayload(s string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, &BackendError{Kind: types.BackendGPUService, Code: http.StatusOK, Message: fmt.Sprintf("invalid base64 payload: %v", err)}
	}
	return data, nil
}

// abort tells the service to stop work for endpoint. Best effort.
func (b *GPUService) abort(endpoint string) {
	ctx, cancel := context.WithTimeout(context.Background(), abortTimeout)
	defer cancel()

	body := map[string]string{"endpoint": endpoint}
	if err := b.http.doJSON(ctx, http.MethodPost, joinURL(b.baseURL, "/api/abort"), body, nil, true); err != nil {
		b.logger.Debug("abort request failed", zap.String("endpoint", endpoint), zap.Error(err))
	}
}

var _ Executor = (*GPUService)(nil)
