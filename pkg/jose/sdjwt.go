package jose

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/kokukuma/oid4vp-verifier/pkg/hash"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/pkg/errors"
)

const (
	DefaultSdAlg = "sha-256"
	KbJwtTyp     = "kb+jwt"

	saltLength = 16
)

// Disclosure is one salted claim of an SD-JWT. Array element disclosures have
// an empty Name.
type Disclosure struct {
	Salt    string
	Name    string
	Value   interface{}
	Encoded string
}

func NewDisclosure(name string, value interface{}) (*Disclosure, error) {
	salt := make([]byte, saltLength)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	d := &Disclosure{
		Salt:  base64.RawURLEncoding.EncodeToString(salt),
		Name:  name,
		Value: value,
	}
	b, err := json.Marshal([]interface{}{d.Salt, d.Name, d.Value})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to encode disclosure %s", name)
	}
	d.Encoded = base64.RawURLEncoding.EncodeToString(b)
	return d, nil
}

func DecodeDisclosure(encoded string) (*Disclosure, error) {
	b, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, errors.Wrap(err, "failed to decode disclosure")
	}
	var arr []interface{}
	if err := json.Unmarshal(b, &arr); err != nil {
		return nil, errors.Wrap(err, "failed to parse disclosure")
	}

	d := &Disclosure{Encoded: encoded}
	switch len(arr) {
	case 3:
		name, ok := arr[1].(string)
		if !ok {
			return nil, errors.New("disclosure claim name is not a string")
		}
		d.Name = name
		d.Value = arr[2]
	case 2:
		d.Value = arr[1]
	default:
		return nil, errors.Errorf("disclosure array length should be 2 or 3 but is %d", len(arr))
	}
	salt, ok := arr[0].(string)
	if !ok {
		return nil, errors.New("disclosure salt is not a string")
	}
	d.Salt = salt
	return d, nil
}

// Digest is the value referenced from _sd.
func (d *Disclosure) Digest(alg string) string {
	return hash.B64Digest([]byte(d.Encoded), alg)
}

// SDJWT is a split compact SD-JWT: issuerJWT~d1~...~dN~[KB-JWT].
type SDJWT struct {
	IssuerJWT     string
	Disclosures   []*Disclosure
	KeyBindingJWT string
}

// DecodeSDJWT splits and decodes compact without any verification.
func DecodeSDJWT(compact string) (*SDJWT, error) {
	if compact == "" {
		return nil, errors.New("sd-jwt is empty")
	}
	parts := strings.Split(compact, "~")
	if len(parts) < 2 {
		return nil, errors.New("sd-jwt has no disclosure separator")
	}

	s := &SDJWT{IssuerJWT: parts[0]}
	last := len(parts) - 1
	if parts[last] != "" {
		s.KeyBindingJWT = parts[last]
	}
	for _, enc := range parts[1:last] {
		if enc == "" {
			continue
		}
		d, err := DecodeDisclosure(enc)
		if err != nil {
			return nil, err
		}
		s.Disclosures = append(s.Disclosures, d)
	}
	return s, nil
}

// WithoutKeyBinding is the string sd_hash is computed over.
func (s *SDJWT) WithoutKeyBinding() string {
	var b strings.Builder
	b.WriteString(s.IssuerJWT)
	b.WriteString("~")
	for _, d := range s.Disclosures {
		b.WriteString(d.Encoded)
		b.WriteString("~")
	}
	return b.String()
}

func (s *SDJWT) String() string {
	return s.WithoutKeyBinding() + s.KeyBindingJWT
}

// KeyBindingClaims is the payload of a KB-JWT.
type KeyBindingClaims struct {
	Nonce    string `json:"nonce"`
	Audience string `json:"aud"`
	SdHash   string `json:"sd_hash"`
	jwt.RegisteredClaims
}

// DecodeKeyBinding reads the KB-JWT claims without checking the signature.
func DecodeKeyBinding(kbJWT string) (*KeyBindingClaims, error) {
	var claims KeyBindingClaims
	if _, _, err := jwt.NewParser().ParseUnverified(kbJWT, &claims); err != nil {
		return nil, errors.Wrap(err, "failed to decode key binding jwt")
	}
	return &claims, nil
}

// IssueSDJWT signs payload as an SD-JWT. Top-level claims named in frame
// become selectively disclosable. When holderKey is set, its public part is
// bound through cnf.jwk.
func IssueSDJWT(header map[string]interface{}, payload map[string]interface{}, frame []string, issuerKey interface{}, holderKey jwk.Key) (string, error) {
	claims := make(map[string]interface{}, len(payload)+3)
	for k, v := range payload {
		claims[k] = v
	}

	var disclosures []*Disclosure
	var digests []string
	for _, name := range frame {
		value, ok := claims[name]
		if !ok {
			continue
		}
		d, err := NewDisclosure(name, value)
		if err != nil {
			return "", err
		}
		delete(claims, name)
		disclosures = append(disclosures, d)
		digests = append(digests, d.Digest(DefaultSdAlg))
	}
	sort.Strings(digests)
	if len(digests) > 0 {
		claims["_sd"] = digests
	}
	claims["_sd_alg"] = DefaultSdAlg

	if holderKey != nil {
		pub, err := PublicJWK(holderKey)
		if err != nil {
			return "", err
		}
		raw, err := MarshalJWK(pub)
		if err != nil {
			return "", err
		}
		claims["cnf"] = map[string]interface{}{"jwk": raw}
	}

	issuerJWT, err := IssueJWT(header, claims, issuerKey)
	if err != nil {
		return "", err
	}
	s := &SDJWT{IssuerJWT: issuerJWT, Disclosures: disclosures}
	return s.WithoutKeyBinding(), nil
}

// PresentSDJWT is the holder side: it keeps the disclosures named in disclose
// (all of them when disclose is nil) and appends a KB-JWT for aud and nonce.
func PresentSDJWT(compact string, disclose []string, holderKey crypto.Signer, aud, nonce string) (string, error) {
	s, err := DecodeSDJWT(compact)
	if err != nil {
		return "", err
	}
	if disclose != nil {
		keep := make(map[string]bool, len(disclose))
		for _, name := range disclose {
			keep[name] = true
		}
		var selected []*Disclosure
		for _, d := range s.Disclosures {
			if keep[d.Name] {
				selected = append(selected, d)
			}
		}
		s.Disclosures = selected
	}

	sdAlg := DefaultSdAlg
	if payload, err := DecodePayload(s.IssuerJWT); err == nil {
		if v, ok := payload["_sd_alg"].(string); ok {
			sdAlg = v
		}
	}

	method, err := holderSigningMethod(holderKey)
	if err != nil {
		return "", err
	}
	claims := KeyBindingClaims{
		Nonce:    nonce,
		Audience: aud,
		SdHash:   hash.B64Digest([]byte(s.WithoutKeyBinding()), sdAlg),
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt: jwt.NewNumericDate(time.Now()),
		},
	}
	token := jwt.NewWithClaims(method, &claims)
	token.Header["typ"] = KbJwtTyp

	kb, err := token.SignedString(holderKey)
	if err != nil {
		return "", errors.Wrap(err, "failed to sign key binding jwt")
	}
	s.KeyBindingJWT = kb
	return s.String(), nil
}

func holderSigningMethod(key crypto.Signer) (jwt.SigningMethod, error) {
	switch k := key.(type) {
	case *ecdsa.PrivateKey:
		if k.Curve == elliptic.P256() {
			return jwt.SigningMethodES256, nil
		}
		if k.Curve == elliptic.P384() {
			return jwt.SigningMethodES384, nil
		}
	case ed25519.PrivateKey:
		return jwt.SigningMethodEdDSA, nil
	}
	return nil, errors.Errorf("unsupported holder key %T", key)
}
