package jose

import (
	"encoding/json"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/pkg/errors"
)

// ParseJWK parses a single JSON Web Key.
func ParseJWK(data []byte) (jwk.Key, error) {
	key, err := jwk.ParseKey(data)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse jwk")
	}
	return key, nil
}

// KeyFromRaw converts a crypto key (ecdsa, ed25519, rsa, []byte) into a JWK.
func KeyFromRaw(raw interface{}) (jwk.Key, error) {
	key, err := jwk.FromRaw(raw)
	if err != nil {
		return nil, errors.Wrap(err, "failed to import key")
	}
	return key, nil
}

// MarshalJWK serializes key for storage.
func MarshalJWK(key jwk.Key) (json.RawMessage, error) {
	b, err := json.Marshal(key)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal jwk")
	}
	return b, nil
}

// PublicJWK strips the private part of key. Public keys are returned as is.
func PublicJWK(key jwk.Key) (jwk.Key, error) {
	pub, err := key.PublicKey()
	if err != nil {
		return nil, errors.Wrap(err, "failed to derive public key")
	}
	return pub, nil
}

func rawKey(key jwk.Key) (interface{}, error) {
	var raw interface{}
	if err := key.Raw(&raw); err != nil {
		return nil, errors.Wrap(err, "failed to export raw key")
	}
	return raw, nil
}

// SignatureAlgorithm picks the JWS algorithm for a signing key:
// EC P-256 is ES256, any other EC curve ES256K, OKP EdDSA.
func SignatureAlgorithm(key jwk.Key) (jwa.SignatureAlgorithm, error) {
	switch key.KeyType() {
	case jwa.EC:
		if curve(key) == jwa.P256 {
			return jwa.ES256, nil
		}
		return jwa.ES256K, nil
	case jwa.OKP:
		return jwa.EdDSA, nil
	}
	return "", errors.Errorf("Unsupported key type: %s", key.KeyType())
}

func curve(key jwk.Key) jwa.EllipticCurveAlgorithm {
	v, ok := key.Get(jwk.ECDSACrvKey)
	if !ok {
		return ""
	}
	crv, _ := v.(jwa.EllipticCurveAlgorithm)
	return crv
}
