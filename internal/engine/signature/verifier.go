package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// Ghost signs webhooks with HMAC-SHA256 over body||timestamp and sends the
// result as:
//
//	X-Ghost-Signature: sha256=<hex digest>, t=<unix timestamp>
//
// Verification fails closed: a missing, malformed or mismatched header means
// the payload never enters the pipeline.

func Verify(secret string, body []byte, header string) bool {
	if secret == "" || header == "" {
		return false
	}

	digest, timestamp, err := parseHeader(header)
	if err != nil {
		return false
	}

	expected := computeDigest(secret, body, timestamp)
	return hmac.Equal([]byte(expected), []byte(digest))
}

// Compute produces a header value in Ghost's format. Used by tests and the
// resync tooling.
func Compute(secret string, body []byte) string {
	ts := fmt.Sprintf("%d", time.Now().Unix())
	return "sha256=" + computeDigest(secret, body, ts) + ", t=" + ts
}

func computeDigest(secret string, body []byte, timestamp string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	mac.Write([]byte(timestamp))
	return hex.EncodeToString(mac.Sum(nil))
}

func parseHeader(header string) (digest, timestamp string, err error) {
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		k, v, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		switch k {
		case "sha256":
			digest = v
		case "t":
			timestamp = v
		}
	}
	if digest == "" {
		return "", "", fmt.Errorf("signature: missing sha256 part")
	}
	if timestamp == "" {
		return "", "", fmt.Errorf("signature: missing timestamp part")
	}
	return digest, timestamp, nil
}
