package worker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// Network performs real fetches. An error means the request never produced a
// response (offline, DNS failure, timeout); HTTP error statuses are responses.
type Network interface {
	Fetch(ctx context.Context, req *Request) (*Response, error)
}

// HTTPNetwork is a Network on top of an *http.Client. It buffers response
// bodies and classifies responses as basic or cross-origin relative to origin.
type HTTPNetwork struct {
	client *http.Client
	origin *url.URL
}

// NewHTTPNetwork creates a network for the app at origin.
func NewHTTPNetwork(client *http.Client, origin *url.URL) *HTTPNetwork {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPNetwork{client: client, origin: origin}
}

func (n *HTTPNetwork) Fetch(ctx context.Context, req *Request) (*Response, error) {
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	hreq, err := http.NewRequestWithContext(ctx, req.Method, req.URL.String(), body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if req.Header != nil {
		hreq.Header = req.Header.Clone()
	}

	resp, err := n.client.Do(hreq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	final := req.URL
	if resp.Request != nil && resp.Request.URL != nil {
		final = resp.Request.URL
	}
	typ := TypeBasic
	if !strings.EqualFold(final.Scheme, n.origin.Scheme) || !strings.EqualFold(final.Host, n.origin.Host) {
		typ = TypeCORS
		if req.Mode == ModeNoCORS {
			typ = TypeOpaque
		}
	}

	return &Response{
		Status:     resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       data,
		URL:        final.String(),
		Type:       typ,
		Redirected: final.String() != req.URL.String(),
		Source:     SourceNetwork,
	}, nil
}
