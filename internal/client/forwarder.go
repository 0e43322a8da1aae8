// Package client performs outbound calls to upstream APIs.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"api-broker/internal/config"
	"api-broker/internal/metrics"
	"api-broker/internal/model"
)

// reportedResponseHeaders are the upstream headers copied into the envelope.
var reportedResponseHeaders = map[string]bool{
	"Content-Type":   true,
	"Content-Length": true,
	"Cache-Control":  true,
	"Date":           true,
	"Etag":           true,
	"Last-Modified":  true,
	"Retry-After":    true,
	"X-Request-Id":   true,
}

// Forwarder sends verified, authorized requests to upstream APIs.
type Forwarder struct {
	httpClient       *http.Client
	logger           *slog.Logger
	metrics          *metrics.Metrics
	maxResponseBytes int64
}

// NewForwarder creates a Forwarder with connection pooling and timeouts.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
func NewForwarder(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *Forwarder {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost: cfg.Upstream.IdleConnections,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		ForceAttemptHTTP2:   true,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	return &Forwarder{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   time.Duration(cfg.Upstream.TimeoutSeconds) * time.Second,
			// Redirects are returned to the caller; following them could
			// carry injected credentials to a host outside the allow-list.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger:           logger.With("component", "forwarder"),
		metrics:          m,
		maxResponseBytes: cfg.Upstream.MaxResponseBytes,
	}
}

// SetTransport replaces the round tripper used for upstream calls.
func (f *Forwarder) SetTransport(rt http.RoundTripper) {
	f.httpClient.Transport = rt
}

// Do executes req, reads the whole response and decodes it. The request's
// context bounds the call together with the client timeout, so a caller
// that disconnects cancels the upstream call. api labels metrics.
//
// Failures talking to the upstream are returned as *model.Error of kind
// KindUpstream or KindTimeout. The error never carries the outbound URL.
func (f *Forwarder) Do(req *http.Request, api string) (*model.ProxyResponse, error) {
	f.logger.Debug("upstream request",
		"api", api,
		"method", req.Method,
		"host", req.URL.Host,
	)

	method := metrics.NormalizeMethod(req.Method)
	start := time.Now()

	resp, err := f.httpClient.Do(req)
	if err != nil {
		f.observe(api, method, "error", time.Since(start))
		return nil, classify(err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxResponseBytes+1))
	duration := time.Since(start)
	f.observe(api, method, strconv.Itoa(resp.StatusCode), duration)
	if err != nil {
		return nil, classify(err)
	}
	if int64(len(body)) > f.maxResponseBytes {
		return nil, model.NewError(model.KindUpstream, "upstream response too large", nil)
	}

	contentType := resp.Header.Get("Content-Type")
	return &model.ProxyResponse{
		StatusCode:  resp.StatusCode,
		Status:      http.StatusText(resp.StatusCode),
		ContentType: contentType,
		Header:      reportedHeaders(resp.Header),
		Data:        decode(contentType, body),
		Duration:    duration,
		StartedAt:   start,
	}, nil
}

func (f *Forwarder) observe(api, method, status string, d time.Duration) {
	if f.metrics == nil {
		return
	}
	f.metrics.UpstreamDuration.WithLabelValues(api, method).Observe(d.Seconds())
	f.metrics.UpstreamResponses.WithLabelValues(api, method, status).Inc()
}

// classify maps a transport error to the broker taxonomy, dropping the
// *url.Error wrapper whose URL may hold an injected query credential.
func classify(err error) error {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		err = urlErr.Err
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return model.NewError(model.KindTimeout, "upstream request timed out", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return model.NewError(model.KindTimeout, "upstream request timed out", err)
	}
	if errors.Is(err, context.Canceled) {
		return model.NewError(model.KindUpstream, "request canceled", err)
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return model.NewError(model.KindUpstream, "upstream host unreachable", err)
	}
	return model.NewError(model.KindUpstream, "upstream request failed", err)
}

// decode returns JSON-typed content as a decoded value and anything else,
// including JSON that does not parse, as text.
func decode(contentType string, body []byte) any {
	if isJSON(contentType) {
		if len(bytes.TrimSpace(body)) == 0 {
			return nil
		}
		dec := json.NewDecoder(bytes.NewReader(body))
		dec.UseNumber()
		var v any
		if err := dec.Decode(&v); err == nil && !dec.More() {
			return v
		}
	}
	return string(body)
}

func isJSON(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mt == "application/json" || strings.HasSuffix(mt, "+json")
}

func reportedHeaders(src http.Header) map[string]string {
	dst := make(map[string]string)
	for key, vals := range src {
		key = http.CanonicalHeaderKey(key)
		if len(vals) == 0 {
			continue
		}
		if reportedResponseHeaders[key] || strings.HasPrefix(key, "X-Ratelimit-") {
			dst[key] = strings.Join(vals, ", ")
		}
	}
	return dst
}
