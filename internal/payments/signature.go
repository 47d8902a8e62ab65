package payments

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

var ErrSignatureInvalid = errors.New("payment signature invalid")

func sign(secret string, msg []byte) string {
	m := hmac.New(sha256.New, []byte(secret))
	m.Write(msg)
	return hex.EncodeToString(m.Sum(nil))
}

func verify(secret string, msg []byte, signature string) error {
	if secret == "" || signature == "" {
		return ErrSignatureInvalid
	}
	want, err := hex.DecodeString(signature)
	if err != nil {
		return ErrSignatureInvalid
	}
	m := hmac.New(sha256.New, []byte(secret))
	m.Write(msg)
	if !hmac.Equal(m.Sum(nil), want) {
		return ErrSignatureInvalid
	}
	return nil
}

// SignWebhook is the digest of the raw webhook body.
func SignWebhook(secret string, body []byte) string { return sign(secret, body) }

func VerifyWebhook(secret string, body []byte, signature string) error {
	return verify(secret, body, signature)
}

// SignCallback covers "<order or link id>|<payment id>".
func SignCallback(secret, refID, paymentID string) string {
	return sign(secret, []byte(refID+"|"+paymentID))
}

func VerifyCallback(secret, refID, paymentID, signature string) error {
	return verify(secret, []byte(refID+"|"+paymentID), signature)
}
