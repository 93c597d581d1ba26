package backends

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/joeriben/ai4artsed-webserver-sub001/internal/chunks"
	"github.com/joeriben/ai4artsed-webserver-sub001/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeGenerator struct {
	t          *testing.T
	image      []byte
	polls      atomic.Int32
	readyAfter int32
	submitted  map[string]any
	interrupts atomic.Int32
}

func (f *fakeGenerator) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/prompt", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(f.t, json.NewDecoder(r.Body).Decode(&body))
		f.submitted = body
		_ = json.NewEncoder(w).Encode(map[string]any{"prompt_id": "p-1", "number": 1, "node_errors": map[string]any{}})
	})
	mux.HandleFunc("/history/p-1", func(w http.ResponseWriter, r *http.Request) {
		if f.polls.Add(1) < f.readyAfter {
			_, _ = w.Write([]byte(`{}`))
			return
		}
		_, _ = w.Write([]byte(`{"p-1": {"outputs": {"9": {"images": [
			{"filename": "devserver_00001_.png", "subfolder": "", "type": "output"},
			{"filename": "preview.png", "subfolder": "", "type": "temp"}
		]}}, "status": {"status_str": "success", "completed": true}}}`))
	})
	mux.HandleFunc("/view", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(f.t, "devserver_00001_.png", r.URL.Query().Get("filename"))
		assert.Equal(f.t, "output", r.URL.Query().Get("type"))
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(f.image)
	})
	mux.HandleFunc("/interrupt", func(w http.ResponseWriter, r *http.Request) {
		f.interrupts.Add(1)
	})
	return mux
}

func workflowChunk() *chunks.BuiltChunk {
	return &chunks.BuiltChunk{
		Name:        "output_image_sd35",
		BackendKind: types.BackendWorkflow,
		MediaKind:   types.MediaImage,
		ModelID:     "sd3.5_large.safetensors",
		Graph: chunks.Graph{
			"6": map[string]any{"class_type": "CLIPTextEncode", "inputs": map[string]any{"text": "a flower"}},
		},
	}
}

func TestWorkflowSubmitPollDownload(t *testing.T) {
	gen := &fakeGenerator{t: t, image: pngBytes(t, 4, 4), readyAfter: 3}
	srv := httptest.NewServer(gen.handler())
	defer srv.Close()

	wf := NewWorkflow(srv.URL, srv.Client(), nil, WithPollInterval(time.Millisecond, 5*time.Millisecond))
	r := NewRouter(WithExecutor(types.BackendWorkflow, wf))

	res, err := r.Execute(context.Background(), workflowChunk())
	require.NoError(t, err)

	assert.Equal(t, "p-1", res.PromptID)
	require.Len(t, res.Media, 1)
	assert.Equal(t, gen.image, res.Media[0].Data)
	assert.Equal(t, "devserver_00001_.png", res.Media[0].Filename)
	assert.Equal(t, "png", res.Media[0].Format)
	assert.GreaterOrEqual(t, gen.polls.Load(), int32(3))

	prompt := gen.submitted["prompt"].(map[string]any)
	node := prompt["6"].(map[string]any)["inputs"].(map[string]any)
	assert.Equal(t, "a flower", node["text"])
	assert.NotEmpty(t, gen.submitted["client_id"])
}

func TestWorkflowNodeErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"prompt_id": "p-2", "node_errors": {"6": {"errors": ["bad"]}}}`))
	}))
	defer srv.Close()

	_, err := NewWorkflow(srv.URL, srv.Client(), nil).Execute(context.Background(), workflowChunk())
	var be *BackendError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, http.StatusBadRequest, be.Code)
}

func TestWorkflowRejectedGraph(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error": {"type": "prompt_outputs_failed_validation", "message": "Prompt outputs failed validation"}}`))
	}))
	defer srv.Close()

	_, err := NewWorkflow(srv.URL, srv.Client(), nil).Execute(context.Background(), workflowChunk())
	var be *BackendError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, "Prompt outputs failed validation", be.Message)
}

func TestWorkflowClosedPortIsUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	r := NewRouter(WithExecutor(types.BackendWorkflow, NewWorkflow("http://"+addr, NewHTTPClient(), nil)))
	_, err = r.Execute(context.Background(), workflowChunk())

	var ue *UnreachableError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, "BackendUnreachable", ue.ErrorID())
}

func TestWorkflowTimeoutWhilePolling(t *testing.T) {
	gen := &fakeGenerator{t: t, image: pngBytes(t, 2, 2), readyAfter: 1 << 30}
	srv := httptest.NewServer(gen.handler())
	defer srv.Close()

	wf := NewWorkflow(srv.URL, srv.Client(), nil, WithPollInterval(time.Millisecond, 2*time.Millisecond))
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := wf.Execute(ctx, workflowChunk())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWorkflowCancelInterrupts(t *testing.T) {
	gen := &fakeGenerator{t: t, image: pngBytes(t, 2, 2), readyAfter: 1 << 30}
	srv := httptest.NewServer(gen.handler())
	defer srv.Close()

	wf := NewWorkflow(srv.URL, srv.Client(), nil, WithPollInterval(time.Millisecond, 2*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	_, err := wf.Execute(ctx, workflowChunk())
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int32(1), gen.interrupts.Load())
}
