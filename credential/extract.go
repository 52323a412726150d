package credential

import (
	"context"
	"fmt"

	"github.com/kokukuma/oid4vp-verifier/pkg/jose"
	"github.com/kokukuma/oid4vp-verifier/responseendpoint"
)

const portraitClaim = "portrait"

// Verifier is satisfied by SDJWTVerifier.
type Verifier interface {
	Verify(ctx context.Context, credential, nonce string) (*jose.VerifiedSDJWT, error)
}

// ExtractError is an invalid submission. Reason is safe to log; it is not
// sent to the wallet.
type ExtractError struct {
	Reason string
	Err    error
}

func (e *ExtractError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid submission: %s: %v", e.Reason, e.Err)
	}
	return "invalid submission: " + e.Reason
}

func (e *ExtractError) Unwrap() error {
	return e.Err
}

// ExtractedCredential is a verified presentation. Raw is the presentation as
// the wallet sent it.
type ExtractedCredential struct {
	Raw      string
	Claims   map[string]interface{}
	Metadata jose.VerificationMetadata
	Icon     string
}

// ExtractCredentialFromVpToken takes the first presentation for queryID out
// of vpToken, checks its key binding nonce and verifies it.
func ExtractCredentialFromVpToken(ctx context.Context, vpToken interface{}, queryID, nonce string, verifier Verifier) (*ExtractedCredential, error) {
	token, err := selectPresentation(vpToken, queryID)
	if err != nil {
		return nil, err
	}

	sd, err := jose.DecodeSDJWT(token)
	if err != nil {
		return nil, &ExtractError{Reason: "malformed sd-jwt", Err: err}
	}
	if sd.KeyBindingJWT == "" {
		return nil, &ExtractError{Reason: "key binding jwt is missing"}
	}
	kb, err := jose.DecodeKeyBinding(sd.KeyBindingJWT)
	if err != nil {
		return nil, &ExtractError{Reason: "malformed key binding jwt", Err: err}
	}
	if kb.Nonce != nonce {
		return nil, &ExtractError{Reason: "nonce mismatch"}
	}

	verified, err := verifier.Verify(ctx, token, nonce)
	if err != nil {
		return nil, &ExtractError{Reason: "sd-jwt verification failed", Err: err}
	}

	out := &ExtractedCredential{
		Raw:      token,
		Claims:   verified.Claims,
		Metadata: verified.Metadata,
	}
	for _, d := range verified.Disclosures {
		if d.Name == portraitClaim {
			if icon, ok := d.Value.(string); ok {
				out.Icon = icon
			}
		}
	}
	return out, nil
}

func selectPresentation(vpToken interface{}, queryID string) (string, error) {
	var token string
	switch v := vpToken.(type) {
	case []interface{}:
		if len(v) > 0 {
			token, _ = v[0].(string)
		}
	case []string:
		if len(v) > 0 {
			token = v[0]
		}
	default:
		tokens, err := responseendpoint.VPTokenMap(vpToken)
		if err != nil {
			if s, ok := vpToken.(string); ok {
				token = s
				break
			}
			return "", &ExtractError{Reason: "unexpected vp_token", Err: err}
		}
		if list := tokens[queryID]; len(list) > 0 {
			token = list[0]
		}
	}
	if token == "" {
		return "", &ExtractError{Reason: fmt.Sprintf("no presentation for %s", queryID)}
	}
	return token, nil
}
