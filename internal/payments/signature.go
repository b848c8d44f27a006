package payments

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

var ErrInvalidSignature = errors.New("payment signature mismatch")

// Sign computes the expected keyed hash over "correlationId|paymentId".
func Sign(secret []byte, correlationID, paymentID string) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(correlationID + "|" + paymentID))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature is pure and runs before any store access.
func VerifySignature(secret []byte, correlationID, paymentID, signature string) error {
	want := Sign(secret, correlationID, paymentID)
	if !hmac.Equal([]byte(want), []byte(signature)) {
		return ErrInvalidSignature
	}
	return nil
}
