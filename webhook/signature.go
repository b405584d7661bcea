package webhook

import (
	"crypto/hmac"
	crand "crypto/rand"
	"crypto/sha256"
	"encoding/hex"
)

// SignatureHeader carries the hex HMAC-SHA-256 of the raw request body.
const SignatureHeader = "x-body-signature"

// Sign computes the hex HMAC-SHA-256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// verifySignature checks a presented signature against the expected one for
// body. Both values are re-keyed under a fresh random key before the
// constant-time compare, so the comparison leaks nothing about the expected
// signature even if lengths differ.
func verifySignature(secret string, body []byte, presented string) bool {
	expected := Sign(secret, body)

	var salt [32]byte
	if _, err := crand.Read(salt[:]); err != nil {
		return false
	}

	expectedMAC := hmac.New(sha256.New, salt[:])
	expectedMAC.Write([]byte(expected))
	presentedMAC := hmac.New(sha256.New, salt[:])
	presentedMAC.Write([]byte(presented))

	return hmac.Equal(expectedMAC.Sum(nil), presentedMAC.Sum(nil))
}
