package jose

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwe"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/pkg/errors"
)

const (
	ResponseEncryptionAlg = "ECDH-ES"
	ResponseEncryptionEnc = "A128GCM"
)

// EphemeralKeyPair is a single-use response encryption key.
type EphemeralKeyPair struct {
	PublicJWK  jwk.Key
	PrivateJWK jwk.Key
	Kid        string
}

// GenerateEphemeralKeyPair creates a fresh P-256 ECDH-ES key. The public JWK
// carries kid, use=enc and alg=ECDH-ES; the private JWK carries the same kid.
func GenerateEphemeralKeyPair() (*EphemeralKeyPair, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, errors.Wrap(err, "failed to generate ephemeral key")
	}
	kid := uuid.NewString()

	privJWK, err := KeyFromRaw(priv)
	if err != nil {
		return nil, err
	}
	if err := privJWK.Set(jwk.KeyIDKey, kid); err != nil {
		return nil, err
	}

	pubJWK, err := KeyFromRaw(&priv.PublicKey)
	if err != nil {
		return nil, err
	}
	for k, v := range map[string]interface{}{
		jwk.KeyIDKey:     kid,
		jwk.KeyUsageKey:  "enc",
		jwk.AlgorithmKey: ResponseEncryptionAlg,
	} {
		if err := pubJWK.Set(k, v); err != nil {
			return nil, errors.Wrapf(err, "failed to set %s", k)
		}
	}

	return &EphemeralKeyPair{PublicJWK: pubJWK, PrivateJWK: privJWK, Kid: kid}, nil
}

// DecryptJWE decrypts a compact ECDH-ES/A128GCM JWE and parses the plaintext
// as JSON. Any other alg or enc is rejected before the key is touched.
func DecryptJWE(compact string, privateJWK jwk.Key) (map[string]interface{}, error) {
	header, err := DecodeProtectedHeader(compact)
	if err != nil {
		return nil, err
	}
	if header.Alg != ResponseEncryptionAlg {
		return nil, errors.Errorf("Unsupported JWE algorithm: %s", header.Alg)
	}
	if header.Enc != ResponseEncryptionEnc {
		return nil, errors.Errorf("Unsupported JWE encryption: %s", header.Enc)
	}

	key, err := rawKey(privateJWK)
	if err != nil {
		return nil, err
	}
	plaintext, err := jwe.Decrypt([]byte(compact), jwe.WithKey(jwa.ECDH_ES, key))
	if err != nil {
		return nil, errors.Wrap(err, "failed to decrypt jwe")
	}

	var payload map[string]interface{}
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return nil, errors.Wrap(err, "decrypted payload is not json")
	}
	return payload, nil
}

// EncryptJWE is the Wallet side of direct_post.jwt.
func EncryptJWE(payload interface{}, publicJWK jwk.Key) (string, error) {
	plaintext, err := json.Marshal(payload)
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal payload")
	}
	key, err := rawKey(publicJWK)
	if err != nil {
		return "", err
	}
	encrypted, err := jwe.Encrypt(plaintext,
		jwe.WithKey(jwa.ECDH_ES, key),
		jwe.WithContentEncryption(jwa.A128GCM),
	)
	if err != nil {
		return "", errors.Wrap(err, "failed to encrypt")
	}
	return string(encrypted), nil
}
