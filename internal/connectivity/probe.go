package connectivity

import (
	"context"
	"io"
	"net/http"
	"time"
)

// Prober answers the platform question "are we connected, and can we get
// out?". Any error is read as offline.
type Prober interface {
	Probe(ctx context.Context) (State, error)
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context) (State, error)

func (f ProberFunc) Probe(ctx context.Context) (State, error) { return f(ctx) }

// HTTPProbe checks reachability with a single GET. Any response below 500
// counts as reachable; the body is discarded.
type HTTPProbe struct {
	URL       string
	Transport Transport
	client    *http.Client
}

func NewHTTPProbe(url string, timeout time.Duration) *HTTPProbe {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPProbe{
		URL:       url,
		Transport: TransportOther,
		client:    &http.Client{Timeout: timeout},
	}
}

func (p *HTTPProbe) Probe(ctx context.Context) (State, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return Offline, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return Offline, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	return State{
		IsConnected: true,
		Transport:   p.Transport,
		IsReachable: resp.StatusCode < http.StatusInternalServerError,
	}, nil
}
