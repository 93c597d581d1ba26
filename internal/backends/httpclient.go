package backends

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/joeriben/ai4artsed-webserver-sub001/internal/types"

	"github.com/cenkalti/backoff/v4"
)

const maxErrorBody = 4 << 10

// NewHTTPClient returns the pooled client shared by every backend. Timeouts
// are applied per call through the context.
func NewHTTPClient() *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxIdleConns = 64
	transport.MaxIdleConnsPerHost = 16
	transport.IdleConnTimeout = 90 * time.Second
	transport.DialContext = (&net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext

	return &http.Client{Transport: transport}
}

type httpCaller struct {
	client *http.Client
	kind   types.BackendKind
	header http.Header
}

// do sends one request. Idempotent requests are retried once on a connection
// reset; nothing else is retried.
func (h *httpCaller) do(ctx context.Context, method, url string, body []byte, idempotent bool) (*http.Response, error) {
	var resp *http.Response
	op := func() error {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, reader)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		for k, vs := range h.header {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}

		r, err := h.client.Do(req)
		if err != nil {
			if idempotent && isConnReset(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		resp = r
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(250*time.Millisecond), 1), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return nil, err
	}
	return resp, nil
}

// doJSON marshals in, sends it and decodes a 2xx response into out. Non-2xx
// responses become typed errors carrying the body.
func (h *httpCaller) doJSON(ctx context.Context, method, url string, in, out any, idempotent bool) error {
	var body []byte
	if in != nil {
		var err error
		if body, err = json.Marshal(in); err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
	}

	resp, err := h.do(ctx, method, url, body, idempotent)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if !statusOK(resp.StatusCode) {
		return statusError(h.kind, url, resp.StatusCode, readErrorBody(resp.Body))
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &BackendError{Kind: h.kind, Code: resp.StatusCode, Message: fmt.Sprintf("invalid response body: %v", err)}
	}
	return nil
}

// download fetches url into memory.
func (h *httpCaller) download(ctx context.Context, url string) ([]byte, string, error) {
	resp, err := h.do(ctx, http.MethodGet, url, nil, true)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", statusError(h.kind, url, resp.StatusCode, readErrorBody(resp.Body))
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read %s: %w", url, err)
	}
	return data, resp.Header.Get("Content-Type"), nil
}

// readErrorBody extracts a message from an error response. JSON bodies of
// the form {"error": "..."} or {"error": {"message": "..."}} are unpacked.
func readErrorBody(r io.Reader) string {
	raw, _ := io.ReadAll(io.LimitReader(r, maxErrorBody))
	var envelope struct {
		Error   json.RawMessage `json:"error"`
		Message string          `json:"message"`
		Detail  string          `json:"detail"`
	}
	if err := json.Unmarshal(raw, &envelope); err == nil {
		var s string
		if json.Unmarshal(envelope.Error, &s) == nil && s != "" {
			return s
		}
		var obj struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(envelope.Error, &obj) == nil && obj.Message != "" {
			return obj.Message
		}
		if envelope.Message != "" {
			return envelope.Message
		}
		if envelope.Detail != "" {
			return envelope.Detail
		}
	}
	return strings.TrimSpace(string(raw))
}

func joinURL(base, path string) string {
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
}
