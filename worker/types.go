package worker

import (
	"bytes"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/stavanger-twin/swcache/backends"
)

// Mode is the request mode, as set by the page that issued the request.
type Mode string

const (
	ModeNavigate   Mode = "navigate"
	ModeSameOrigin Mode = "same-origin"
	ModeCORS       Mode = "cors"
	ModeNoCORS     Mode = "no-cors"
)

// Request is a fetch event's request.
type Request struct {
	Method string
	URL    *url.URL
	Header http.Header
	Body   []byte
	Mode   Mode
}

// NewRequest builds a request for an absolute URL.
func NewRequest(method, rawURL string) (*Request, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	if !u.IsAbs() {
		return nil, fmt.Errorf("request URL must be absolute: %q", rawURL)
	}
	return &Request{Method: method, URL: u, Header: make(http.Header), Mode: ModeCORS}, nil
}

// Key is the cache identity of the request: method and full URL.
func (r *Request) Key() string {
	return backends.Key(r.Method, r.URL.String())
}

// IsNavigation reports whether the request is a top-level document load.
func (r *Request) IsNavigation() bool {
	return r.Mode == ModeNavigate
}

// ResponseType mirrors the fetch response types the interceptor cares about.
type ResponseType string

const (
	// TypeBasic is a same-origin response.
	TypeBasic ResponseType = "basic"
	// TypeCORS is a cross-origin response readable by the page.
	TypeCORS ResponseType = "cors"
	// TypeOpaque is a cross-origin no-cors response.
	TypeOpaque ResponseType = "opaque"
	// TypeDefault is a response built by the worker itself.
	TypeDefault ResponseType = "default"
)

// Source records where HandleFetch got a response from.
type Source string

const (
	SourceCache       Source = "cache"
	SourceNetwork     Source = "network"
	SourceOfflinePage Source = "offline-page"
	SourceSynthetic   Source = "synthetic"
	SourcePassthrough Source = "passthrough"
)

// Response is a fully buffered response.
type Response struct {
	Status     int
	Header     http.Header
	Body       []byte
	URL        string
	Type       ResponseType
	Redirected bool
	Source     Source
}

// OK reports whether the status is in the 2xx range.
func (r *Response) OK() bool {
	return r.Status >= 200 && r.Status <= 299
}

// Clone returns a deep copy, the equivalent of response.clone().
func (r *Response) Clone() *Response {
	c := *r
	c.Header = r.Header.Clone()
	c.Body = bytes.Clone(r.Body)
	return &c
}

func (r *Response) toEntry(req *Request, now time.Time) *backends.Entry {
	return &backends.Entry{
		Method:   req.Method,
		URL:      req.URL.String(),
		Status:   r.Status,
		Header:   r.Header.Clone(),
		Body:     bytes.Clone(r.Body),
		StoredAt: now,
	}
}

func responseFromEntry(e *backends.Entry, source Source) *Response {
	return &Response{
		Status: e.Status,
		Header: e.Header.Clone(),
		Body:   e.Body,
		URL:    e.URL,
		Type:   TypeBasic,
		Source: source,
	}
}
