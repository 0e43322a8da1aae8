package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"api-broker/internal/config"
	"api-broker/internal/metrics"
	"api-broker/internal/model"
)

func testConfig(timeoutSeconds int) *config.Config {
	return &config.Config{
		Upstream: config.UpstreamConfig{
			TimeoutSeconds:   timeoutSeconds,
			IdleConnections:  10,
			MaxResponseBytes: 1 << 20,
		},
	}
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newRequest(t *testing.T, ctx context.Context, method, url string) *http.Request {
	t.Helper()
	req, err := http.NewRequestWithContext(ctx, method, url, http.NoBody)
	if err != nil {
		t.Fatal(err)
	}
	return req
}

func TestForwarder_DecodesJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.Header().Set("X-RateLimit-Remaining", "42")
		w.Header().Set("Set-Cookie", "session=upstream")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"login":"octocat","id":1}`))
	}))
	defer srv.Close()

	f := NewForwarder(testConfig(10), discard(), nil)
	resp, err := f.Do(newRequest(t, context.Background(), http.MethodGet, srv.URL+"/users/octocat"), "github")
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}

	if resp.StatusCode != http.StatusCreated || resp.Status != "Created" {
		t.Errorf("status = %d %q, want 201 Created", resp.StatusCode, resp.Status)
	}
	data, ok := resp.Data.(map[string]any)
	if !ok {
		t.Fatalf("Data = %#v, want decoded object", resp.Data)
	}
	if data["login"] != "octocat" {
		t.Errorf("login = %v, want octocat", data["login"])
	}
	if data["id"] != json.Number("1") {
		t.Errorf("id = %#v, want json.Number(1)", data["id"])
	}
	if resp.Header["X-Ratelimit-Remaining"] != "42" {
		t.Errorf("rate limit header not reported: %v", resp.Header)
	}
	if _, leaked := resp.Header["Set-Cookie"]; leaked {
		t.Error("Set-Cookie must not be reported")
	}
	if resp.Duration <= 0 || resp.StartedAt.IsZero() {
		t.Errorf("timing not recorded: %v %v", resp.Duration, resp.StartedAt)
	}
}

func TestForwarder_TextAndInvalidJSON(t *testing.T) {
	tests := []struct {
		name        string
		contentType string
		body        string
		want        any
	}{
		{"plain text", "text/plain", "hello", "hello"},
		{"html", "text/html; charset=utf-8", "<b>x</b>", "<b>x</b>"},
		{"invalid json falls back to text", "application/json", "{nope", "{nope"},
		{"trailing data falls back to text", "application/json", `{"a":1} {"b":2}`, `{"a":1} {"b":2}`},
		{"empty json", "application/json", "", nil},
		{"vendor json", "application/vnd.api+json", `[1,2]`, []any{json.Number("1"), json.Number("2")}},
		{"no content type", "", "raw", "raw"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if tt.contentType != "" {
					w.Header().Set("Content-Type", tt.contentType)
				} else {
					w.Header()["Content-Type"] = nil
				}
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			f := NewForwarder(testConfig(10), discard(), nil)
			resp, err := f.Do(newRequest(t, context.Background(), http.MethodGet, srv.URL), "x")
			if err != nil {
				t.Fatalf("Do() error = %v", err)
			}
			gotJSON, _ := json.Marshal(resp.Data)
			wantJSON, _ := json.Marshal(tt.want)
			if string(gotJSON) != string(wantJSON) {
				t.Errorf("Data = %s, want %s", gotJSON, wantJSON)
			}
		})
	}
}

func TestForwarder_RelaysErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"message":"Not Found"}`))
	}))
	defer srv.Close()

	f := NewForwarder(testConfig(10), discard(), nil)
	resp, err := f.Do(newRequest(t, context.Background(), http.MethodGet, srv.URL), "x")
	if err != nil {
		t.Fatalf("Do() error = %v; upstream 4xx is not a transport failure", err)
	}
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("StatusCode = %d, want 404", resp.StatusCode)
	}
}

func TestForwarder_DoesNotFollowRedirects(t *testing.T) {
	var followed atomic.Bool
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		followed.Store(true)
	}))
	defer target.Close()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, target.URL, http.StatusFound)
	}))
	defer srv.Close()

	f := NewForwarder(testConfig(10), discard(), nil)
	resp, err := f.Do(newRequest(t, context.Background(), http.MethodGet, srv.URL), "x")
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if resp.StatusCode != http.StatusFound {
		t.Errorf("StatusCode = %d, want 302", resp.StatusCode)
	}
	if followed.Load() {
		t.Error("redirect was followed")
	}
}

func TestForwarder_ResponseTooLarge(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("x", 2048)))
	}))
	defer srv.Close()

	cfg := testConfig(10)
	cfg.Upstream.MaxResponseBytes = 1024
	f := NewForwarder(cfg, discard(), nil)

	_, err := f.Do(newRequest(t, context.Background(), http.MethodGet, srv.URL), "x")
	var me *model.Error
	if !errors.As(err, &me) || me.Kind != model.KindUpstream {
		t.Fatalf("Do() error = %v, want KindUpstream", err)
	}
}

func TestForwarder_UnreachableIsUpstreamError(t *testing.T) {
	f := NewForwarder(testConfig(1), discard(), nil)

	_, err := f.Do(newRequest(t, context.Background(), http.MethodGet, "http://127.0.0.1:1/nonexistent?key=secret-value"), "x")
	var me *model.Error
	if !errors.As(err, &me) {
		t.Fatalf("Do() error = %v, want *model.Error", err)
	}
	if me.Kind != model.KindUpstream && me.Kind != model.KindTimeout {
		t.Errorf("Kind = %q, want upstream failure", me.Kind)
	}
	if strings.Contains(err.Error(), "secret-value") {
		t.Errorf("error leaks the outbound URL: %v", err)
	}
}

func TestForwarder_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	f := NewForwarder(testConfig(1), discard(), nil)

	start := time.Now()
	_, err := f.Do(newRequest(t, context.Background(), http.MethodGet, srv.URL), "x")
	var me *model.Error
	if !errors.As(err, &me) || me.Kind != model.KindTimeout {
		t.Fatalf("Do() error = %v, want KindTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("timeout took %v", elapsed)
	}
}

func TestForwarder_CanceledContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	f := NewForwarder(testConfig(30), discard(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.Do(newRequest(t, ctx, http.MethodGet, srv.URL+"/slow"), "x")
	var me *model.Error
	if !errors.As(err, &me) || me.Kind != model.KindUpstream {
		t.Fatalf("Do() error = %v, want KindUpstream for canceled context", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error should wrap context.Canceled: %v", err)
	}
}

func TestForwarder_RecordsMetrics(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	m := metrics.New()
	f := NewForwarder(testConfig(10), discard(), m)
	if _, err := f.Do(newRequest(t, context.Background(), http.MethodPost, srv.URL), "billing"); err != nil {
		t.Fatal(err)
	}

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatal(err)
	}
	for _, fam := range families {
		if fam.GetName() != "api_broker_upstream_responses_total" {
			continue
		}
		for _, metric := range fam.GetMetric() {
			labels := map[string]string{}
			for _, lp := range metric.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			if labels["api"] == "billing" && labels["method"] == "POST" && labels["status_code"] == "202" {
				return
			}
		}
	}
	t.Error("expected api_broker_upstream_responses_total{api=billing,method=POST,status_code=202}")
}
