package openid4vp

import (
	"crypto/rand"
	"encoding/base64"
)

const NonceLength = 32

type Nonce []byte

func CreateNonce() (Nonce, error) {
	nonce := make([]byte, NonceLength)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return nonce, nil
}

func (n Nonce) String() string {
	return base64.RawURLEncoding.EncodeToString(n)
}

// RandomString is the default generator for nonce and state.
func RandomString() (string, error) {
	n, err := CreateNonce()
	if err != nil {
		return "", err
	}
	return n.String(), nil
}
