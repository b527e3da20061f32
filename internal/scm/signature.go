// signature.go implements the per-platform webhook signature schemes. All
// comparisons are constant time.
package scm

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
)

// SignatureVerifier checks one delivery against the link's webhook secret.
type SignatureVerifier interface {
	// Header returns the request header carrying the signature.
	Header() string

	// Verify checks the body against the header value. A missing or
	// mismatched signature returns ErrInvalidSignature.
	Verify(secret string, body []byte, headerValue string) error
}

// HMACSHA256Hex verifies hex-encoded HMAC-SHA256 signatures, the scheme
// used by GitHub (X-Hub-Signature-256, "sha256=" prefix) and Bitbucket
// Data Center (X-Hub-Signature).
type HMACSHA256Hex struct {
	HeaderName string
	Prefix     string
}

func (v HMACSHA256Hex) Header() string { return v.HeaderName }

func (v HMACSHA256Hex) Verify(secret string, body []byte, headerValue string) error {
	if headerValue == "" {
		return fmt.Errorf("%w: missing %s header", ErrInvalidSignature, v.HeaderName)
	}
	if v.Prefix != "" {
		if !strings.HasPrefix(headerValue, v.Prefix) {
			return fmt.Errorf("%w: malformed %s header", ErrInvalidSignature, v.HeaderName)
		}
		headerValue = strings.TrimPrefix(headerValue, v.Prefix)
	}
	got, err := hex.DecodeString(headerValue)
	if err != nil {
		return fmt.Errorf("%w: signature is not hex", ErrInvalidSignature)
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return ErrInvalidSignature
	}
	return nil
}

// HMACSHA256Base64 verifies base64-encoded HMAC-SHA256 signatures, used by
// Azure DevOps service hook deliveries.
type HMACSHA256Base64 struct {
	HeaderName string
}

func (v HMACSHA256Base64) Header() string { return v.HeaderName }

func (v HMACSHA256Base64) Verify(secret string, body []byte, headerValue string) error {
	if headerValue == "" {
		return fmt.Errorf("%w: missing %s header", ErrInvalidSignature, v.HeaderName)
	}
	got, err := base64.StdEncoding.DecodeString(headerValue)
	if err != nil {
		return fmt.Errorf("%w: signature is not base64", ErrInvalidSignature)
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return ErrInvalidSignature
	}
	return nil
}

// SharedToken verifies deliveries that echo the webhook secret verbatim in
// a header, GitLab's X-Gitlab-Token scheme.
type SharedToken struct {
	HeaderName string
}

func (v SharedToken) Header() string { return v.HeaderName }

func (v SharedToken) Verify(secret string, _ []byte, headerValue string) error {
	if headerValue == "" {
		return fmt.Errorf("%w: missing %s header", ErrInvalidSignature, v.HeaderName)
	}
	if subtle.ConstantTimeCompare([]byte(secret), []byte(headerValue)) != 1 {
		return ErrInvalidSignature
	}
	return nil
}

// SignHex produces the hex HMAC-SHA256 signature for a body, used by tests
// and delivery replays.
func SignHex(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// SignBase64 produces the base64 HMAC-SHA256 signature for a body.
func SignBase64(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
