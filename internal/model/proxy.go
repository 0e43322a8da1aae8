// Package model defines shared types for the broker.
package model

import (
	"encoding/json"
	"time"
)

// RequestDescriptor is the caller's description of the outbound call.
// It is untrusted until its signature has been verified.
type RequestDescriptor struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    json.RawMessage   `json:"body,omitempty"`
}

// ProxyResponse is the decoded upstream response.
type ProxyResponse struct {
	StatusCode  int
	Status      string
	ContentType string
	Header      map[string]string
	Data        any
	Duration    time.Duration
	StartedAt   time.Time
}

// Envelope is the success body returned by POST /proxy.
type Envelope struct {
	Success  bool     `json:"success"`
	Metadata Metadata `json:"metadata"`
	Data     any      `json:"data"`
}

// ErrorEnvelope is the failure body returned by every route.
type ErrorEnvelope struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Type    string `json:"type"`
}

// Metadata describes provenance of a relayed response.
type Metadata struct {
	Request     RequestMeta     `json:"request"`
	Security    SecurityMeta    `json:"security"`
	External    ExternalMeta    `json:"external"`
	Performance PerformanceMeta `json:"performance"`
	Proxy       BrokerMeta      `json:"proxy"`
}

// RequestMeta describes the signed request as the broker received it.
type RequestMeta struct {
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
	Method    string `json:"method"`
	URL       string `json:"url"`
}

// SecurityMeta records the checks a request passed and the credential applied.
type SecurityMeta struct {
	SignatureVerified bool   `json:"signature_verified"`
	EndpointAllowed   bool   `json:"endpoint_allowed"`
	Origin            string `json:"origin"`
	Profile           string `json:"profile,omitempty"`
	AuthType          string `json:"auth_type"`
}

// ExternalMeta carries the upstream response status and filtered headers.
type ExternalMeta struct {
	Status      int               `json:"status"`
	StatusText  string            `json:"status_text"`
	ContentType string            `json:"content_type,omitempty"`
	Headers     map[string]string `json:"headers"`
}

// PerformanceMeta reports when forwarding started and how long it took.
type PerformanceMeta struct {
	DurationMS float64 `json:"duration_ms"`
	StartedAt  string  `json:"started_at"`
}

// BrokerMeta identifies the broker build and its counters at response time.
type BrokerMeta struct {
	Version          string `json:"version"`
	RequestCount     int64  `json:"request_count"`
	ConfigGeneration uint64 `json:"config_generation"`
}

// Version is the build version, injected for status reporting.
type Version string
