package responseendpoint

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/kokukuma/oid4vp-verifier/pkg/jose"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type CredentialStatus string

const (
	StatusVerified CredentialStatus = "verified"
	StatusInvalid  CredentialStatus = "invalid"
	StatusNotFound CredentialStatus = "not_found"

	// ErrorNonceMismatch covers both a missing key binding JWT and a nonce
	// that differs from the one issued for the transaction.
	ErrorNonceMismatch = "nonce_mismatch"
)

// CredentialVerification is what a VerificationCallback returns on success.
type CredentialVerification struct {
	DecodedPayload map[string]interface{}
	Metadata       *jose.VerificationMetadata
}

// VerificationCallback checks one presented credential, e.g. its SD-JWT
// signature and issuer trust. A returned *jose.VerificationError keeps its
// metadata in the result.
type VerificationCallback interface {
	VerifyCredential(ctx context.Context, credential, nonce string) (*CredentialVerification, error)
}

type VerificationFunc func(ctx context.Context, credential, nonce string) (*CredentialVerification, error)

func (f VerificationFunc) VerifyCredential(ctx context.Context, credential, nonce string) (*CredentialVerification, error) {
	return f(ctx, credential, nonce)
}

type CredentialResult struct {
	Status               CredentialStatus           `json:"status"`
	Credential           string                     `json:"credential,omitempty"`
	Payload              map[string]interface{}     `json:"payload,omitempty"`
	Error                string                     `json:"error,omitempty"`
	VerificationMetadata *jose.VerificationMetadata `json:"verificationMetadata,omitempty"`
}

type VPTokenVerificationResult struct {
	Credentials map[string][]CredentialResult `json:"credentials"`
}

// Statuses flattens the result for logging.
func (r *VPTokenVerificationResult) Statuses() map[string][]CredentialStatus {
	out := make(map[string][]CredentialStatus, len(r.Credentials))
	for id, results := range r.Credentials {
		for _, res := range results {
			out[id] = append(out[id], res.Status)
		}
	}
	return out
}

// AllVerified reports whether every presented credential verified.
func (r *VPTokenVerificationResult) AllVerified() bool {
	if r == nil || len(r.Credentials) == 0 {
		return false
	}
	for _, results := range r.Credentials {
		for _, res := range results {
			if res.Status != StatusVerified {
				return false
			}
		}
	}
	return true
}

// VPTokenMap normalizes a DCQL vp_token: a JSON string is parsed, single
// presentations are wrapped into a one element list.
func VPTokenMap(vpToken interface{}) (map[string][]string, error) {
	if s, ok := vpToken.(string); ok {
		var parsed interface{}
		if err := json.Unmarshal([]byte(s), &parsed); err != nil {
			return nil, errors.New("vp_token is not a DCQL presentation map")
		}
		vpToken = parsed
	}
	m, ok := vpToken.(map[string]interface{})
	if !ok {
		return nil, errors.Errorf("vp_token has unexpected type %T", vpToken)
	}

	out := make(map[string][]string, len(m))
	for id, v := range m {
		switch val := v.(type) {
		case string:
			out[id] = []string{val}
		case []string:
			out[id] = val
		case []interface{}:
			list := make([]string, 0, len(val))
			for _, item := range val {
				s, _ := item.(string)
				list = append(list, s)
			}
			out[id] = list
		case nil:
			out[id] = nil
		default:
			return nil, errors.Errorf("vp_token entry %s has unexpected type %T", id, v)
		}
	}
	return out, nil
}

// keyBindingNonceMatches reports whether the credential carries a key
// binding JWT whose nonce equals nonce.
func (e *Endpoint) keyBindingNonceMatches(credential, nonce, requestID string) bool {
	sd, err := jose.DecodeSDJWT(credential)
	if err != nil {
		e.logger.Error("failed to decode sd-jwt", zap.String("request_id", requestID), zap.Error(err))
		return false
	}
	if sd.KeyBindingJWT == "" {
		e.logger.Info("key binding jwt is missing", zap.String("request_id", requestID))
		return false
	}
	kb, err := jose.DecodeKeyBinding(sd.KeyBindingJWT)
	if err != nil {
		e.logger.Error("failed to decode key binding jwt", zap.String("request_id", requestID), zap.Error(err))
		return false
	}
	if kb.Nonce != nonce {
		e.logger.Info("nonce mismatch", zap.String("request_id", requestID))
		return false
	}
	return true
}

func (e *Endpoint) verifyVPToken(ctx context.Context, vpToken interface{}, nonce string, callback VerificationCallback, requestID string) *VPTokenVerificationResult {
	result := &VPTokenVerificationResult{Credentials: map[string][]CredentialResult{}}

	tokens, err := VPTokenMap(vpToken)
	if err != nil {
		e.logger.Info("vp_token is not verifiable", zap.String("request_id", requestID), zap.Error(err))
		return result
	}

	for queryID, credentials := range tokens {
		if len(credentials) == 0 {
			e.logger.Info("no credentials for query", zap.String("request_id", requestID), zap.String("query_id", queryID))
			result.Credentials[queryID] = []CredentialResult{{Status: StatusNotFound}}
			continue
		}

		results := make([]CredentialResult, 0, len(credentials))
		for i, credential := range credentials {
			if !e.keyBindingNonceMatches(credential, nonce, requestID) {
				results = append(results, CredentialResult{Status: StatusInvalid, Error: ErrorNonceMismatch})
				continue
			}

			verified, err := safeVerify(ctx, callback, credential, nonce)
			if err != nil {
				res := CredentialResult{Status: StatusInvalid, Error: err.Error()}
				var vErr *jose.VerificationError
				if errors.As(err, &vErr) {
					meta := vErr.Metadata
					res.VerificationMetadata = &meta
				}
				e.logger.Info("credential invalid",
					zap.String("request_id", requestID),
					zap.String("query_id", queryID),
					zap.Int("index", i),
					zap.Error(err))
				results = append(results, res)
				continue
			}

			res := CredentialResult{Status: StatusVerified, Credential: credential}
			if verified != nil {
				res.Payload = verified.DecodedPayload
				res.VerificationMetadata = verified.Metadata
			}
			fields := []zap.Field{
				zap.String("request_id", requestID),
				zap.String("query_id", queryID),
				zap.Int("index", i),
			}
			if m := res.VerificationMetadata; m != nil {
				fields = append(fields, zap.String("key_source", string(m.KeySource)), zap.String("alg", m.Algorithm))
				if m.CertificateChainVerified != nil {
					fields = append(fields, zap.Bool("certificate_chain_verified", *m.CertificateChainVerified))
				}
			}
			e.logger.Info("credential verified", fields...)
			results = append(results, res)
		}
		result.Credentials[queryID] = results
	}
	return result
}

// safeVerify turns a panicking callback into an error.
func safeVerify(ctx context.Context, callback VerificationCallback, credential, nonce string) (res *CredentialVerification, err error) {
	defer func() {
		if r := recover(); r != nil {
			res = nil
			err = fmt.Errorf("verification callback panicked: %v", r)
		}
	}()
	return callback.VerifyCredential(ctx, credential, nonce)
}
