// Package service implements the broker pipeline: verify, authorize,
// inject credentials, forward.
package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"api-broker/internal/authz"
	"api-broker/internal/client"
	"api-broker/internal/config"
	"api-broker/internal/credential"
	"api-broker/internal/model"
	"api-broker/internal/secret"
	"api-broker/internal/signature"
)

// allowedMethods are the outbound methods a descriptor may name.
var allowedMethods = map[string]bool{
	http.MethodGet: true, http.MethodPost: true, http.MethodPut: true,
	http.MethodPatch: true, http.MethodDelete: true, http.MethodHead: true,
	http.MethodOptions: true,
}

// strippedRequestHeaders are caller headers never sent upstream.
var strippedRequestHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
	"Host":                true,
	"Content-Length":      true,
	signature.Header:      true,
}

// ProxyService runs one proxied call from descriptor to envelope.
type ProxyService struct {
	store     *Store
	secret    *secret.Manager
	forwarder *client.Forwarder
	logger    *slog.Logger
	version   model.Version

	// requests is diagnostic only.
	requests atomic.Int64
}

// NewProxyService creates a ProxyService.
func NewProxyService(store *Store, sm *secret.Manager, f *client.Forwarder, v model.Version, logger *slog.Logger) *ProxyService {
	return &ProxyService{
		store:     store,
		secret:    sm,
		forwarder: f,
		logger:    logger.With("component", "proxy_service"),
		version:   v,
	}
}

// RequestCount returns the number of proxy calls seen so far.
func (s *ProxyService) RequestCount() int64 {
	return s.requests.Load()
}

// Forward processes a raw POST /proxy body signed with sig. Every failure is
// a *model.Error; verification and authorization failures happen before any
// outbound call is attempted.
func (s *ProxyService) Forward(ctx context.Context, requestID string, raw []byte, sig string) (*model.Envelope, error) {
	count := s.requests.Add(1)
	received := time.Now()

	d, err := parseDescriptor(raw)
	if err != nil {
		return nil, err
	}

	if err := signature.Verify(s.secret.Secret(), d, sig); err != nil {
		s.logger.Warn("signature rejected",
			"request_id", requestID,
			"reason", err,
		)
		e := model.NewError(model.KindAuthentication, "invalid request signature", err)
		if errors.Is(err, signature.ErrMissing) {
			e.Status = http.StatusUnauthorized
			e.Message = "missing request signature"
		}
		return nil, e
	}

	// One snapshot for the rest of the call.
	snap := s.store.Current()

	if !snap.Allow.IsAllowed(d.URL) {
		s.logger.Warn("endpoint not allowed",
			"request_id", requestID,
			"host", hostOf(d.URL),
		)
		return nil, model.NewError(model.KindAuthorization, "endpoint not allowed", nil)
	}
	origin, _ := authz.Origin(d.URL)

	profile, ok := snap.Resolver.Find(d.URL)
	if !ok {
		profile = config.APIProfile{AuthType: config.AuthNone}
		s.logger.Debug("no api profile matches; forwarding without credentials",
			"request_id", requestID,
			"origin", origin,
		)
	}

	req, err := s.buildRequest(ctx, snap.Config, d)
	if err != nil {
		return nil, err
	}
	credential.Apply(req, profile)

	resp, err := s.forwarder.Do(req, apiLabel(profile))
	if err != nil {
		e := model.AsError(err)
		s.logger.Error("upstream call failed",
			"request_id", requestID,
			"api", profile.Name,
			"type", e.Kind,
			"err", redact(err.Error(), profile.Secrets()),
		)
		return nil, e
	}

	s.logger.Info("request forwarded",
		"request_id", requestID,
		"api", profile.Name,
		"method", d.Method,
		"origin", origin,
		"status", resp.StatusCode,
		"duration_ms", resp.Duration.Milliseconds(),
	)

	return &model.Envelope{
		Success: true,
		Metadata: model.Metadata{
			Request: model.RequestMeta{
				ID:        requestID,
				Timestamp: received.UTC().Format(time.RFC3339Nano),
				Method:    d.Method,
				URL:       d.URL,
			},
			Security: model.SecurityMeta{
				SignatureVerified: true,
				EndpointAllowed:   true,
				Origin:            origin,
				Profile:           profile.Name,
				AuthType:          string(profile.AuthType),
			},
			External: model.ExternalMeta{
				Status:      resp.StatusCode,
				StatusText:  resp.Status,
				ContentType: resp.ContentType,
				Headers:     resp.Header,
			},
			Performance: model.PerformanceMeta{
				DurationMS: float64(resp.Duration.Microseconds()) / 1000,
				StartedAt:  resp.StartedAt.UTC().Format(time.RFC3339Nano),
			},
			Proxy: model.BrokerMeta{
				Version:          string(s.version),
				RequestCount:     count,
				ConfigGeneration: snap.Generation,
			},
		},
		Data: resp.Data,
	}, nil
}

func parseDescriptor(raw []byte) (*model.RequestDescriptor, error) {
	var d model.RequestDescriptor
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, model.NewError(model.KindRequest, "request body must be a JSON descriptor", err)
	}
	if d.URL == "" {
		return nil, model.NewError(model.KindRequest, "url is required", nil)
	}
	if d.Method == "" {
		return nil, model.NewError(model.KindRequest, "method is required", nil)
	}
	if !allowedMethods[strings.ToUpper(d.Method)] {
		return nil, model.NewError(model.KindRequest, fmt.Sprintf("method %q is not supported", d.Method), nil)
	}
	return &d, nil
}

func (s *ProxyService) buildRequest(ctx context.Context, cfg *config.Config, d *model.RequestDescriptor) (*http.Request, error) {
	body, contentType, err := outboundBody(d.Body)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, strings.ToUpper(d.Method), d.URL, body)
	if err != nil {
		return nil, model.NewError(model.KindRequest, "url is not valid", err)
	}

	for k, v := range d.Headers {
		if strippedRequestHeaders[http.CanonicalHeaderKey(k)] {
			continue
		}
		req.Header.Set(k, v)
	}
	if contentType != "" && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", contentType)
	}
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", cfg.Upstream.UserAgent)
	}
	return req, nil
}

// outboundBody returns the bytes sent upstream: the canonical body that the
// signature covered. A JSON string is sent as its text; any other JSON value
// is sent as JSON.
func outboundBody(raw json.RawMessage) (io.Reader, string, error) {
	body, err := signature.CanonicalBody(raw)
	if err != nil {
		return nil, "", model.NewError(model.KindRequest, "body is not valid JSON", err)
	}
	if string(body) == "null" {
		return nil, "", nil
	}
	if body[0] == '"' {
		var text string
		if err := json.Unmarshal(body, &text); err != nil {
			return nil, "", model.NewError(model.KindRequest, "body is not valid JSON", err)
		}
		return strings.NewReader(text), "", nil
	}
	return bytes.NewReader(body), "application/json", nil
}

func apiLabel(p config.APIProfile) string {
	if p.Name == "" {
		return "none"
	}
	return p.Name
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Host
}

// redact replaces every credential value in msg.
func redact(msg string, secrets []string) string {
	for _, s := range secrets {
		msg = strings.ReplaceAll(msg, s, "[REDACTED]")
		msg = strings.ReplaceAll(msg, url.QueryEscape(s), "[REDACTED]")
	}
	return msg
}

// MaxBodyBytes is the current ceiling for a POST /proxy body.
func (s *ProxyService) MaxBodyBytes() int64 {
	return s.store.Current().Config.Proxy.BodyMaxBytes
}
