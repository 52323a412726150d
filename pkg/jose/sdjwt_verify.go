package jose

import (
	"encoding/json"
	"time"

	"github.com/kokukuma/oid4vp-verifier/pkg/hash"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// KeyBindingCheck inspects the verified KB-JWT claims, e.g. aud and nonce.
type KeyBindingCheck func(claims *KeyBindingClaims) error

// ExpectKeyBinding returns a KeyBindingCheck comparing aud and nonce. Empty
// expectations are not checked.
func ExpectKeyBinding(aud, nonce string) KeyBindingCheck {
	return func(claims *KeyBindingClaims) error {
		if aud != "" && claims.Audience != aud {
			return errors.Errorf("key binding aud mismatch: expected %s, got %s", aud, claims.Audience)
		}
		if nonce != "" && claims.Nonce != nonce {
			return errors.New("key binding nonce mismatch")
		}
		return nil
	}
}

type SDJWTVerifyOptions struct {
	KeySetting
	// KeyBinding is called once the KB-JWT signature and sd_hash are verified.
	KeyBinding KeyBindingCheck
	// RequireKeyBinding fails presentations without a KB-JWT.
	RequireKeyBinding bool
}

type VerifiedSDJWT struct {
	// Claims is the issuer payload with every presented disclosure folded in
	// and the _sd/_sd_alg bookkeeping removed.
	Claims      map[string]interface{}
	Disclosures []*Disclosure
	KeyBinding  *KeyBindingClaims
	Metadata    VerificationMetadata
}

// VerifySDJWT verifies the issuer signature, checks each disclosure is
// referenced by the issuer-signed payload and verifies the KB-JWT against the
// holder key in cnf.jwk.
func VerifySDJWT(compact string, opts SDJWTVerifyOptions) (*VerifiedSDJWT, error) {
	logger := opts.logger()

	s, err := DecodeSDJWT(compact)
	if err != nil {
		return nil, err
	}

	issuer, err := VerifyJWT(s.IssuerJWT, opts.KeySetting)
	if err != nil {
		return nil, err
	}

	sdAlg := DefaultSdAlg
	if v, ok := issuer.Payload["_sd_alg"].(string); ok {
		sdAlg = v
	}

	byDigest := make(map[string]*Disclosure, len(s.Disclosures))
	for _, d := range s.Disclosures {
		digest := d.Digest(sdAlg)
		if _, dup := byDigest[digest]; dup {
			return nil, errors.New("duplicate disclosure")
		}
		byDigest[digest] = d
	}
	used := make(map[string]bool, len(byDigest))
	processed, err := fold(issuer.Payload, byDigest, used)
	if err != nil {
		return nil, err
	}
	if len(used) != len(byDigest) {
		return nil, errors.New("disclosure is not referenced by the issuer-signed jwt")
	}
	claims := processed.(map[string]interface{})
	delete(claims, "_sd_alg")

	result := &VerifiedSDJWT{
		Claims:      claims,
		Disclosures: s.Disclosures,
		Metadata:    issuer.Metadata,
	}

	if s.KeyBindingJWT == "" {
		if opts.RequireKeyBinding {
			return nil, errors.New("key binding jwt is missing")
		}
		return result, nil
	}

	kb, err := verifyKeyBinding(s, claims, sdAlg, opts.Clock)
	if err != nil {
		logger.Info("key binding verification failed", zap.Error(err))
		return nil, err
	}
	if opts.KeyBinding != nil {
		if err := opts.KeyBinding(kb); err != nil {
			return nil, err
		}
	}
	logger.Info("key binding verification successful")
	result.KeyBinding = kb
	return result, nil
}

func verifyKeyBinding(s *SDJWT, claims map[string]interface{}, sdAlg string, clock func() time.Time) (*KeyBindingClaims, error) {
	header, err := DecodeProtectedHeader(s.KeyBindingJWT)
	if err != nil {
		return nil, err
	}
	if header.Typ != KbJwtTyp {
		return nil, errors.Errorf("unexpected key binding typ %q", header.Typ)
	}

	holderKey, err := confirmationKey(claims)
	if err != nil {
		return nil, err
	}
	if _, err := VerifyWithKey(s.KeyBindingJWT, holderKey, clock); err != nil {
		return nil, errors.Wrap(err, "invalid key binding jwt")
	}

	kb, err := DecodeKeyBinding(s.KeyBindingJWT)
	if err != nil {
		return nil, err
	}
	if expected := hash.B64Digest([]byte(s.WithoutKeyBinding()), sdAlg); kb.SdHash != expected {
		return nil, errors.New("sd_hash does not match the presented sd-jwt")
	}
	return kb, nil
}

func confirmationKey(claims map[string]interface{}) (jwk.Key, error) {
	cnf, ok := claims["cnf"].(map[string]interface{})
	if !ok {
		return nil, errors.New("cnf claim is missing")
	}
	raw, ok := cnf["jwk"]
	if !ok {
		return nil, errors.New("cnf.jwk is missing")
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	return ParseJWK(b)
}

// fold replaces _sd digests and {"...": digest} array entries with the
// matching disclosures. Digests without a disclosure are undisclosed claims
// and are dropped.
func fold(v interface{}, byDigest map[string]*Disclosure, used map[string]bool) (interface{}, error) {
	switch node := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(node))
		for k, child := range node {
			if k == "_sd" {
				continue
			}
			folded, err := fold(child, byDigest, used)
			if err != nil {
				return nil, err
			}
			out[k] = folded
		}

		if sd, ok := node["_sd"]; ok {
			digests, ok := sd.([]interface{})
			if !ok {
				return nil, errors.New("_sd is not an array")
			}
			for _, item := range digests {
				digest, ok := item.(string)
				if !ok {
					return nil, errors.New("_sd entry is not a string")
				}
				d, ok := byDigest[digest]
				if !ok {
					continue
				}
				if used[digest] {
					return nil, errors.New("disclosure is referenced more than once")
				}
				used[digest] = true
				if d.Name == "" {
					return nil, errors.New("array element disclosure used for an object property")
				}
				if _, exists := out[d.Name]; exists {
					return nil, errors.Errorf("disclosed claim %s already exists", d.Name)
				}
				value, err := fold(d.Value, byDigest, used)
				if err != nil {
					return nil, err
				}
				out[d.Name] = value
			}
		}
		return out, nil

	case []interface{}:
		out := make([]interface{}, 0, len(node))
		for _, item := range node {
			if ref, ok := item.(map[string]interface{}); ok && len(ref) == 1 {
				if digest, ok := ref["..."].(string); ok {
					d, found := byDigest[digest]
					if !found {
						continue
					}
					if used[digest] {
						return nil, errors.New("disclosure is referenced more than once")
					}
					used[digest] = true
					value, err := fold(d.Value, byDigest, used)
					if err != nil {
						return nil, err
					}
					out = append(out, value)
					continue
				}
			}
			folded, err := fold(item, byDigest, used)
			if err != nil {
				return nil, err
			}
			out = append(out, folded)
		}
		return out, nil
	}
	return v, nil
}
