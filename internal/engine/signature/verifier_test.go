package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"testing"
)

func signedHeader(secret string, body []byte, timestamp string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	mac.Write([]byte(timestamp))
	return fmt.Sprintf("sha256=%s, t=%s", hex.EncodeToString(mac.Sum(nil)), timestamp)
}

func TestVerify(t *testing.T) {
	secret := "whsec_test"
	body := []byte(`{"member":{"current":{"email":"a@x.com"}}}`)
	header := signedHeader(secret, body, "1700000000")

	if !Verify(secret, body, header) {
		t.Error("Verify() = false for a valid signature")
	}
}

func TestVerify_TamperedBody(t *testing.T) {
	secret := "whsec_test"
	body := []byte(`{"member":{"current":{"email":"a@x.com"}}}`)
	header := signedHeader(secret, body, "1700000000")

	tampered := append([]byte(nil), body...)
	tampered[len(tampered)-2] = 'X'

	if Verify(secret, tampered, header) {
		t.Error("Verify() = true for a tampered payload")
	}
}

func TestVerify_Rejections(t *testing.T) {
	secret := "whsec_test"
	body := []byte("payload")
	valid := signedHeader(secret, body, "1700000000")

	tests := []struct {
		name   string
		secret string
		header string
	}{
		{"missing header", secret, ""},
		{"no secret configured", "", valid},
		{"wrong secret", "other", valid},
		{"missing digest part", secret, "t=1700000000"},
		{"missing timestamp part", secret, "sha256=deadbeef"},
		{"garbage header", secret, "not a signature"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if Verify(tt.secret, body, tt.header) {
				t.Errorf("Verify() = true, want rejection")
			}
		})
	}
}

func TestVerify_TimestampIsPartOfSignature(t *testing.T) {
	secret := "whsec_test"
	body := []byte("payload")
	header := signedHeader(secret, body, "1700000000")

	// Same digest, different advertised timestamp: must not verify.
	forged := header[:len(header)-1] + "1"
	if Verify(secret, body, forged) {
		t.Error("Verify() accepted a signature with a substituted timestamp")
	}
}

func TestCompute_RoundTrips(t *testing.T) {
	secret := "whsec_test"
	body := []byte(`{"member":{}}`)

	header := Compute(secret, body)
	if !Verify(secret, body, header) {
		t.Errorf("Verify() rejected header produced by Compute: %s", header)
	}
}
