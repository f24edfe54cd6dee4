package cache

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"hybridcast/internal/platform/metrics"
)

// Origin retrieves content the cache does not have.
type Origin interface {
	// Get returns the content at name, or ErrNotFound when the origin
	// answers with a non-success status.
	Get(ctx context.Context, name string) ([]byte, error)
}

// HTTPOrigin talks to the origin server over unicast HTTP.
type HTTPOrigin struct {
	baseURL       string
	client        *http.Client
	fetchDuration *metrics.Gauge
}

// NewHTTPOrigin returns an origin client for baseURL (e.g. "http://12.0.0.0:8000").
func NewHTTPOrigin(baseURL string, client *http.Client, sink *metrics.Sink) *HTTPOrigin {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPOrigin{
		baseURL:       strings.TrimRight(baseURL, "/"),
		client:        client,
		fetchDuration: sink.Gauge("server_fetch_duration", "Total time it took to fetch a file from the server"),
	}
}

// Get implements Origin.Get.
func (o *HTTPOrigin) Get(ctx context.Context, name string) ([]byte, error) {
	resp, err := o.Do(ctx, http.MethodGet, name, nil, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("origin %s: status %d: %w", name, resp.StatusCode, ErrNotFound)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read origin body %s: %w", name, err)
	}
	return data, nil
}

// Do sends a request for name (path plus optional query) to the origin and
// records how long it took. The caller closes the response body.
func (o *HTTPOrigin) Do(ctx context.Context, method, name string, body io.Reader, header http.Header) (*http.Response, error) {
	start := time.Now()
	defer func() { o.fetchDuration.SetDuration(time.Since(start)) }()

	req, err := http.NewRequestWithContext(ctx, method, o.baseURL+name, body)
	if err != nil {
		return nil, fmt.Errorf("build origin request: %w", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("origin request %s %s: %w", method, name, err)
	}
	return resp, nil
}
