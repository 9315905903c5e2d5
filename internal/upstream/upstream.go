package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/AlexKimmel/QuotaGate/internal/broker"
	"github.com/AlexKimmel/QuotaGate/internal/retry"
)

func NewHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 60 * time.Second}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          4,
		MaxIdleConnsPerHost:   2, // calls are serialized by the broker
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

type Options struct {
	BaseURL      string
	APIKey       string
	APIKeyParam  string // query parameter carrying APIKey, e.g. "apikey"
	Timeout      time.Duration
	MaxBodyBytes int64
	Transport    http.RoundTripper
}

// Response is what a successful fetch hands back through the broker.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// StatusError is a non-2xx reply from the upstream.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("upstream status %d", e.Code)
	}
	return fmt.Sprintf("upstream status %d: %s", e.Code, e.Body)
}

// ProviderError is an error reported inside a 2xx body.
type ProviderError struct {
	Field   string
	Message string
}

func (e *ProviderError) Error() string { return e.Field + ": " + e.Message }

type Client struct {
	base     *url.URL
	apiKey   string
	keyParam string
	timeout  time.Duration
	maxBody  int64
	http     *http.Client
}

func New(o Options) (*Client, error) {
	u, err := url.Parse(o.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse upstream url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("upstream url %q must be absolute", o.BaseURL)
	}
	tr := o.Transport
	if tr == nil {
		tr = NewHTTPTransport()
	}
	c := &Client{
		base:     u,
		apiKey:   o.APIKey,
		keyParam: o.APIKeyParam,
		timeout:  o.Timeout,
		maxBody:  o.MaxBodyBytes,
		http:     &http.Client{Transport: tr},
	}
	if c.timeout <= 0 {
		c.timeout = 10 * time.Second
	}
	if c.maxBody <= 0 {
		c.maxBody = 4 << 20
	}
	return c, nil
}

// Fetch returns an operation that GETs path with query from the upstream.
func (c *Client) Fetch(path string, query url.Values) broker.Operation {
	return func(ctx context.Context) (any, error) {
		return c.get(ctx, path, query)
	}
}

func (c *Client) get(ctx context.Context, path string, query url.Values) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	u := *c.base
	u.Path = strings.TrimSuffix(c.base.Path, "/") + "/" + strings.TrimPrefix(path, "/")
	q := url.Values{}
	for k, vs := range query {
		q[k] = append([]string(nil), vs...)
	}
	if c.keyParam != "" && c.apiKey != "" {
		q.Set(c.keyParam, c.apiKey)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Accept", "application/json")

	res, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, retry.Transient(fmt.Errorf("upstream timeout: %w", err))
		}
		return nil, err
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, c.maxBody))
	if err != nil {
		return nil, retry.Transient(fmt.Errorf("read upstream body: %w", err))
	}

	if err := classify(res.StatusCode, body); err != nil {
		return nil, err
	}
	return &Response{Status: res.StatusCode, Header: res.Header.Clone(), Body: body}, nil
}

// classify turns an upstream reply into nil or a marked error.
func classify(code int, body []byte) error {
	switch {
	case code == http.StatusTooManyRequests:
		return retry.RateLimited(&StatusError{Code: code, Body: excerpt(body)})
	case code >= 500:
		return retry.Transient(&StatusError{Code: code, Body: excerpt(body)})
	case code < 200 || code > 299:
		return retry.Permanent(&StatusError{Code: code, Body: excerpt(body)})
	}

	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil
	}
	var top map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &top); err != nil {
		return nil
	}
	for _, field := range []string{"Note", "Information"} {
		msg, ok := stringField(top, field)
		if ok && throttleMessage(msg) {
			return retry.RateLimited(&ProviderError{Field: field, Message: msg})
		}
	}
	if msg, ok := stringField(top, "Error Message"); ok {
		return retry.Permanent(&ProviderError{Field: "Error Message", Message: msg})
	}
	return nil
}

func stringField(m map[string]json.RawMessage, key string) (string, bool) {
	raw, ok := m[key]
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

func throttleMessage(msg string) bool {
	m := strings.ToLower(msg)
	return strings.Contains(m, "call frequency") ||
		strings.Contains(m, "rate limit") ||
		strings.Contains(m, "requests per")
}

func excerpt(b []byte) string {
	const limit = 256
	s := strings.TrimSpace(string(b))
	if len(s) > limit {
		cut := limit
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		s = s[:cut] + "..."
	}
	return s
}
