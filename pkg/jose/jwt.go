package jose

import (
	"encoding/json"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// DefaultJWTLifetime is added to iat when a payload carries no exp.
const DefaultJWTLifetime = 600 * time.Second

// IssueJWT signs payload with key using header["alg"]. iat and exp are filled
// in when absent. key is a jwk.Key, a raw crypto key or an HMAC secret.
func IssueJWT(header map[string]interface{}, payload map[string]interface{}, key interface{}) (string, error) {
	alg, _ := header["alg"].(string)
	if alg == "" {
		return "", errors.New("alg header is required")
	}

	claims := make(map[string]interface{}, len(payload)+2)
	for k, v := range payload {
		claims[k] = v
	}
	now := time.Now().Unix()
	if _, ok := claims["iat"]; !ok {
		claims["iat"] = now
	}
	if _, ok := claims["exp"]; !ok {
		iat := now
		if v, ok := numeric(claims["iat"]); ok {
			iat = v
		}
		claims["exp"] = iat + int64(DefaultJWTLifetime/time.Second)
	}

	body, err := json.Marshal(claims)
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal payload")
	}
	return Sign(header, body, key)
}

// Sign produces a compact JWS of payload. header must carry alg.
func Sign(header map[string]interface{}, payload []byte, key interface{}) (string, error) {
	alg, _ := header["alg"].(string)
	if alg == "" {
		return "", errors.New("alg header is required")
	}
	hdrs, err := protectedHeaders(header)
	if err != nil {
		return "", err
	}
	signed, err := jws.Sign(payload, jws.WithKey(jwa.SignatureAlgorithm(alg), key, jws.WithProtectedHeaders(hdrs)))
	if err != nil {
		return "", errors.Wrapf(err, "failed to sign with %s", alg)
	}
	return string(signed), nil
}

// protectedHeaders goes through JSON so that x5c, jwk and private header
// parameters get the same typing jwx applies when parsing a token.
func protectedHeaders(header map[string]interface{}) (jws.Headers, error) {
	b, err := json.Marshal(header)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal header")
	}
	hdrs := jws.NewHeaders()
	if err := json.Unmarshal(b, hdrs); err != nil {
		return nil, errors.Wrap(err, "invalid protected header")
	}
	return hdrs, nil
}

// KeySetting configures verification key resolution.
type KeySetting struct {
	// Secret is used for HMAC-signed tokens that carry neither x5c nor jwk.
	Secret []byte
	// ChainVerifier validates x5c headers. Tokens with x5c fail without it.
	ChainVerifier CertificateChainVerifier
	Logger        *zap.Logger
	Clock         func() time.Time
}

func (s KeySetting) logger() *zap.Logger {
	if s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}

// VerifiedJWT is a successfully verified token.
type VerifiedJWT struct {
	Header   *Header
	Payload  map[string]interface{}
	Metadata VerificationMetadata
}

// VerificationError is returned when the signature or claims do not verify.
// It still carries the key source so the failure can be audited.
type VerificationError struct {
	Metadata VerificationMetadata
	Err      error
}

func (e *VerificationError) Error() string {
	return "jwt verification failed: " + e.Err.Error()
}

func (e *VerificationError) Unwrap() error {
	return e.Err
}

// VerifyJWT resolves the verification key from the protected header, in order
// x5c (after chain validation), jwk, then the configured secret, and verifies
// the signature and the exp/nbf claims.
func VerifyJWT(token string, setting KeySetting) (*VerifiedJWT, error) {
	logger := setting.logger()

	header, err := DecodeProtectedHeader(token)
	if err != nil {
		return nil, err
	}
	if header.Alg == "" || header.Alg == "none" {
		return nil, errors.Errorf("unsupported alg %q", header.Alg)
	}

	logger.Info("jwt verification",
		zap.String("alg", header.Alg),
		zap.String("kid", header.Kid),
		zap.Bool("jwk", len(header.JWK) > 0),
		zap.Int("x5c", len(header.X5C)))

	meta := VerificationMetadata{Algorithm: header.Alg}
	var key interface{}
	switch {
	case len(header.X5C) > 0:
		meta.KeySource = KeySourceX5C
		if setting.ChainVerifier == nil {
			meta.CertificateChainVerified = boolPtr(false)
			return nil, &VerificationError{Metadata: meta, Err: errors.New("no certificate chain verifier configured")}
		}
		leaf, err := setting.ChainVerifier.VerifyCertificateChain(header.X5C)
		if err != nil {
			meta.CertificateChainVerified = boolPtr(false)
			logger.Error("certificate chain verification failed", zap.Error(err))
			return nil, &VerificationError{Metadata: meta, Err: err}
		}
		meta.CertificateChainVerified = boolPtr(true)
		key = leaf.PublicKey
	case len(header.JWK) > 0:
		meta.KeySource = KeySourceJWK
		k, err := jwk.ParseKey(header.JWK)
		if err != nil {
			return nil, &VerificationError{Metadata: meta, Err: errors.Wrap(err, "invalid jwk header")}
		}
		if k, err = PublicJWK(k); err != nil {
			return nil, &VerificationError{Metadata: meta, Err: err}
		}
		key = k
	case len(setting.Secret) > 0:
		meta.KeySource = KeySourceSecret
		key = setting.Secret
	default:
		return nil, ErrUnsupportedPublicKeyType
	}

	opts := []jwt.ParseOption{jwt.WithKey(jwa.SignatureAlgorithm(header.Alg), key)}
	if setting.Clock != nil {
		opts = append(opts, jwt.WithClock(jwt.ClockFunc(setting.Clock)))
	}
	if _, err := jwt.Parse([]byte(token), opts...); err != nil {
		logger.Info("jwt signature verification failed", zap.String("key_source", string(meta.KeySource)), zap.Error(err))
		return nil, &VerificationError{Metadata: meta, Err: err}
	}

	payload, err := DecodePayload(token)
	if err != nil {
		return nil, &VerificationError{Metadata: meta, Err: err}
	}
	logger.Info("jwt signature verification successful", zap.String("key_source", string(meta.KeySource)))
	return &VerifiedJWT{Header: header, Payload: payload, Metadata: meta}, nil
}

// VerifyWithKey verifies token against a known key, e.g. a holder key from cnf.
func VerifyWithKey(token string, key jwk.Key, clock func() time.Time) (map[string]interface{}, error) {
	header, err := DecodeProtectedHeader(token)
	if err != nil {
		return nil, err
	}
	if header.Alg == "" || header.Alg == "none" {
		return nil, errors.Errorf("unsupported alg %q", header.Alg)
	}
	opts := []jwt.ParseOption{jwt.WithKey(jwa.SignatureAlgorithm(header.Alg), key)}
	if clock != nil {
		opts = append(opts, jwt.WithClock(jwt.ClockFunc(clock)))
	}
	if _, err := jwt.Parse([]byte(token), opts...); err != nil {
		return nil, errors.Wrap(err, "signature verification failed")
	}
	return DecodePayload(token)
}

func numeric(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	}
	return 0, false
}
