package backends

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"time"

	"github.com/joeriben/ai4artsed-webserver-sub001/internal/chunks"
	"github.com/joeriben/ai4artsed-webserver-sub001/internal/types"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Workflow drives a workflow-graph generator: submit the graph, poll the
// history until outputs show up, then download every output file.
type Workflow struct {
	baseURL      string
	clientID     string
	http         *httpCaller
	logger       *zap.Logger
	pollInterval time.Duration
	maxInterval  time.Duration
}

type WorkflowOption func(*Workflow)

// WithPollInterval sets the initial and maximum history polling interval.
func WithPollInterval(initial, max time.Duration) WorkflowOption {
	return func(w *Workflow) {
		w.pollInterval = initial
		w.maxInterval = max
	}
}

type promptResponse struct {
	PromptID   string         `json:"prompt_id"`
	Number     int            `json:"number"`
	NodeErrors map[string]any `json:"node_errors"`
}

type historyEntry struct {
	Outputs map[string]struct {
		Images []workflowFile `json:"images"`
		Audio  []workflowFile `json:"audio"`
		Gifs   []workflowFile `json:"gifs"`
		Videos []workflowFile `json:"videos"`
	} `json:"outputs"`
	Status struct {
		StatusStr string `json:"status_str"`
		Completed bool   `json:"completed"`
		Messages  []any  `json:"messages"`
	} `json:"status"`
}

type workflowFile struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

var errOutputsPending = errors.New("outputs pending")

func NewWorkflow(baseURL string, client *http.Client, l *zap.Logger, opts ...WorkflowOption) *Workflow {
	if l == nil {
		l = zap.NewNop()
	}
	w := &Workflow{
		baseURL:      baseURL,
		clientID:     uuid.NewString(),
		http:         &httpCaller{client: client, kind: types.BackendWorkflow},
		logger:       l.Named("workflow"),
		pollInterval: 500 * time.Millisecond,
		maxInterval:  5 * time.Second,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (b *Workflow) Execute(ctx context.Context, chunk *chunks.BuiltChunk, _ ...ExecOption) (*Result, error) {
	if len(chunk.Graph) == 0 {
		return nil, &BackendError{Kind: types.BackendWorkflow, Code: http.StatusBadRequest, Message: "chunk has no workflow graph"}
	}

	promptID, err := b.submit(ctx, chunk.Graph)
	if err != nil {
		return nil, err
	}
	b.logger.Debug("workflow submitted", zap.String("chunk", chunk.Name), zap.String("prompt_id", promptID))

	entry, err := b.poll(ctx, promptID)
	if err != nil {
		if ctx.Err() == context.Canceled {
			b.interrupt()
		}
		return nil, err
	}

	files := collectFiles(entry)
	if len(files) == 0 {
		return nil, fmt.Errorf("prompt %s: %w", promptID, ErrEmptyResponse)
	}

	res := &Result{PromptID: promptID, SourceModel: chunk.ModelID, Metadata: map[string]any{"prompt_id": promptID}}
	for _, f := range files {
		data, _, err := b.http.download(ctx, b.viewURL(f))
		if err != nil {
			return nil, err
		}
		res.Media = append(res.Media, Media{Data: data, Filename: f.Filename})
	}
	return res, nil
}

func (b *Workflow) submit(ctx context.Context, graph chunks.Graph) (string, error) {
	body := map[string]any{"prompt": graph, "client_id": b.clientID}
	var resp promptResponse
	if err := b.http.doJSON(ctx, http.MethodPost, joinURL(b.baseURL, "/prompt"), body, &resp, false); err != nil {
		if isConnError(err) {
			return "", &UnreachableError{Kind: types.BackendWorkflow, URL: b.baseURL, Err: err}
		}
		return "", err
	}
	if len(resp.NodeErrors) > 0 {
		return "", &BackendError{Kind: types.BackendWorkflow, Code: http.StatusBadRequest, Message: fmt.Sprintf("node errors: %v", resp.NodeErrors)}
	}
	if resp.PromptID == "" {
		return "", &BackendError{Kind: types.BackendWorkflow, Code: http.StatusOK, Message: "response has no prompt_id"}
	}
	return resp.PromptID, nil
}

// poll reads /history/{id} with exponential backoff until the entry has
// outputs, the generator reports an error, or ctx ends.
func (b *Workflow) poll(ctx context.Context, promptID string) (*historyEntry, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = b.pollInterval
	policy.MaxInterval = b.maxInterval
	policy.MaxElapsedTime = 0

	var found *historyEntry
	op := func() error {
		var history map[string]historyEntry
		err := b.http.doJSON(ctx, http.MethodGet, joinURL(b.baseURL, "/history/"+url.PathEscape(promptID)), nil, &history, true)
		if err != nil {
			if isConnError(err) {
				return backoff.Permanent(&UnreachableError{Kind: types.BackendWorkflow, URL: b.baseURL, Err: err})
			}
			return backoff.Permanent(err)
		}

		entry, ok := history[promptID]
		if !ok {
			return errOutputsPending
		}
		if entry.Status.StatusStr == "error" {
			return backoff.Permanent(&BackendError{Kind: types.BackendWorkflow, Code: http.StatusOK, Message: fmt.Sprintf("generation failed: %v", entry.Status.Messages)})
		}
		if len(entry.Outputs) == 0 {
			return errOutputsPending
		}
		found = &entry
		return nil
	}

	if err := backoff.Retry(op, backoff.WithContext(policy, ctx)); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, err
	}
	return found, nil
}

// interrupt stops the generator's current job after a cancel. Best effort.
func (b *Workflow) interrupt() {
	ctx, cancel := context.WithTimeout(context.Background(), abortTimeout)
	defer cancel()
	if err := b.http.doJSON(ctx, http.MethodPost, joinURL(b.baseURL, "/interrupt"), map[string]any{}, nil, true); err != nil {
		b.logger.Debug("interrupt failed", zap.Error(err))
	}
}

func (b *Workflow) viewURL(f workflowFile) string {
	q := url.Values{}
	q.Set("filename", f.Filename)
	q.Set("subfolder", f.Subfolder)
	q.Set("type", f.Type)
	return joinURL(b.baseURL, "/view") + "?" + q.Encode()
}

// collectFiles flattens the outputs of every node in node id order. Temp
// previews are skipped.
func collectFiles(entry *historyEntry) []workflowFile {
	ids := make([]string, 0, len(entry.Outputs))
	for id := range entry.Outputs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var files []workflowFile
	for _, id := range ids {
		out := entry.Outputs[id]
		for _, group := range [][]workflowFile{out.Images, out.Audio, out.Gifs, out.Videos} {
			for _, f := range group {
				if f.Type == "temp" {
					continue
				}
				files = append(files, f)
			}
		}
	}
	return files
}

var _ Executor = (*Workflow)(nil)
