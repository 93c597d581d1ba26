package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const (
	defaultProbeTimeout = 3 * time.Second
	defaultProbeTTL     = time.Minute
	probeErrorTTL       = 5 * time.Second
)

var ErrProbeFailed = errors.New("vram probe failed")

// VRAMProbe reports the video memory of the inference host in GB.
type VRAMProbe interface {
	VRAM(ctx context.Context) (float64, error)
}

// StaticVRAM is a fixed answer, used for vram.override_gb and in tests.
type StaticVRAM float64

func (s StaticVRAM) VRAM(context.Context) (float64, error) {
	return float64(s), nil
}

// HTTPProbe asks the GPU service health endpoint and caches the answer.
// Concurrent callers share one request; a failed probe is retried after a
// few seconds.
type HTTPProbe struct {
	url     string
	client  *http.Client
	timeout time.Duration
	ttl     time.Duration

	group   singleflight.Group
	mu      sync.Mutex
	value   float64
	err     error
	checked time.Time
}

type probeResponse struct {
	VRAMGB      *float64 `json:"vram_gb"`
	TotalVRAMMB *float64 `json:"total_vram_mb"`
	GPU         *struct {
		TotalMemoryGB *float64 `json:"total_memory_gb"`
	} `json:"gpu_info"`
}

func NewHTTPProbe(url string, client *http.Client) *HTTPProbe {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPProbe{url: url, client: client, timeout: defaultProbeTimeout, ttl: defaultProbeTTL}
}

func (p *HTTPProbe) VRAM(ctx context.Context) (float64, error) {
	if v, err, ok := p.cached(); ok {
		return v, err
	}

	// The shared request must not die with whichever caller started it.
	ch := p.group.DoChan("vram", func() (any, error) {
		v, err := p.fetch(context.WithoutCancel(ctx))
		p.mu.Lock()
		p.value, p.err, p.checked = v, err, time.Now()
		p.mu.Unlock()
		return v, err
	})

	select {
	case <-ctx.Done():
		return 0, fmt.Errorf("%w: %v", ErrProbeFailed, ctx.Err())
	case res := <-ch:
		return res.Val.(float64), res.Err
	}
}

func (p *HTTPProbe) cached() (float64, error, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.checked.IsZero() {
		return 0, nil, false
	}
	ttl := p.ttl
	if p.err != nil {
		ttl = min(ttl, probeErrorTTL)
	}
	if time.Since(p.checked) >= ttl {
		return 0, nil, false
	}
	return p.value, p.err, true
}

func (p *HTTPProbe) fetch(ctx context.Context) (float64, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrProbeFailed, err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrProbeFailed, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("%w: status %d", ErrProbeFailed, resp.StatusCode)
	}

	var body probeResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrProbeFailed, err)
	}
	switch {
	case body.VRAMGB != nil:
		return *body.VRAMGB, nil
	case body.TotalVRAMMB != nil:
		return *body.TotalVRAMMB / 1024, nil
	case body.GPU != nil && body.GPU.TotalMemoryGB != nil:
		return *body.GPU.TotalMemoryGB, nil
	}
	return 0, fmt.Errorf("%w: response carries no vram figure", ErrProbeFailed)
}
