// Package signature computes and checks HMAC-SHA256 signatures over the
// canonical form of a request descriptor.
//
// The canonical form is compact JSON with the fields in the order url,
// method, headers, body. Header names are sorted, object keys inside body
// are sorted, HTML characters are not escaped, an absent headers field is
// written as {} and an absent body as null. Signers must produce the same
// bytes or verification fails. A body holding an object with a repeated key
// has no canonical form and never verifies.
package signature

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"api-broker/internal/model"
)

// Header carries the hex signature on POST /proxy.
const Header = "X-Signature"

// Verification failures. Every one of them is a rejection.
var (
	// ErrMissing means no signature header was sent.
	ErrMissing = errors.New("signature missing")
	// ErrMalformed means the signature is not hex.
	ErrMalformed = errors.New("signature is not valid hex")
	// ErrMismatch means the signature does not match the descriptor.
	ErrMismatch = errors.New("signature mismatch")
)

// Canonical returns the bytes that are signed for d.
func Canonical(d *model.RequestDescriptor) ([]byte, error) {
	body, err := CanonicalBody(d.Body)
	if err != nil {
		return nil, err
	}

	headers := d.Headers
	if headers == nil {
		headers = map[string]string{}
	}

	// Struct field order fixes the key order; maps encode sorted.
	return encode(struct {
		URL     string            `json:"url"`
		Method  string            `json:"method"`
		Headers map[string]string `json:"headers"`
		Body    json.RawMessage   `json:"body"`
	}{d.URL, d.Method, headers, body})
}

// CanonicalBody returns the canonical form of a descriptor body: the
// signed bytes of the body field, and what is sent upstream. An empty body
// is null.
func CanonicalBody(raw json.RawMessage) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return json.RawMessage("null"), nil
	}
	if err := checkDuplicateKeys(trimmed); err != nil {
		return nil, fmt.Errorf("canonical body: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("canonical body: %w", err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, errors.New("canonical body: trailing data after value")
	}
	b, err := encode(v)
	if err != nil {
		return nil, fmt.Errorf("canonical body: %w", err)
	}
	return b, nil
}

// checkDuplicateKeys fails on any object, at any depth, that names the
// same key twice. Keys compare after unescaping.
func checkDuplicateKeys(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return walkValue(dec)
}

func walkValue(dec *json.Decoder) error {
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	delim, ok := tok.(json.Delim)
	if !ok {
		return nil
	}
	switch delim {
	case '{':
		seen := make(map[string]struct{})
		for dec.More() {
			tok, err := dec.Token()
			if err != nil {
				return err
			}
			key, _ := tok.(string)
			if _, dup := seen[key]; dup {
				return fmt.Errorf("duplicate object key %q", key)
			}
			seen[key] = struct{}{}
			if err := walkValue(dec); err != nil {
				return err
			}
		}
	case '[':
		for dec.More() {
			if err := walkValue(dec); err != nil {
				return err
			}
		}
	}
	// Closing delimiter.
	_, err = dec.Token()
	return err
}

func encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Sign returns the hex HMAC-SHA256 of the canonical form of d.
func Sign(secret []byte, d *model.RequestDescriptor) (string, error) {
	msg, err := Canonical(d)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(mac(secret, msg)), nil
}

// Verify checks sigHex against d. Any failure, including an unencodable
// descriptor, is returned as an error; callers must treat every error as a
// rejection.
func Verify(secret []byte, d *model.RequestDescriptor, sigHex string) error {
	sigHex = strings.TrimSpace(sigHex)
	if sigHex == "" {
		return ErrMissing
	}
	got, err := hex.DecodeString(sigHex)
	if err != nil {
		return ErrMalformed
	}
	msg, err := Canonical(d)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMismatch, err)
	}
	if !hmac.Equal(got, mac(secret, msg)) {
		return ErrMismatch
	}
	return nil
}

func mac(secret, msg []byte) []byte {
	h := hmac.New(sha256.New, secret)
	h.Write(msg)
	return h.Sum(nil)
}
