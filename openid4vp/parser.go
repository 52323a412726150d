package openid4vp

import (
	"encoding/json"
	"mime"
	"net/http"

	"github.com/pkg/errors"
)

// ParseResponseRequest reads the body a wallet posts to the response_uri.
// Wallets send forms for both direct_post and direct_post.jwt; JSON bodies are
// accepted for tooling. Form values that hold JSON (vp_token,
// presentation_submission) are left as strings.
func ParseResponseRequest(w http.ResponseWriter, r *http.Request, limit int64) (map[string]interface{}, error) {
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	defer r.Body.Close()

	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		return nil, errors.Wrap(err, "invalid Content-Type")
	}

	switch mediaType {
	case "application/x-www-form-urlencoded":
		if err := r.ParseForm(); err != nil {
			return nil, errors.Wrap(err, "failed to parse form")
		}
		payload := make(map[string]interface{}, len(r.PostForm))
		for k := range r.PostForm {
			payload[k] = r.PostForm.Get(k)
		}
		return payload, nil

	case "application/json":
		var payload map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			return nil, errors.Wrap(err, "failed to parse json")
		}
		return payload, nil
	}
	return nil, errors.Errorf("unexpected Content-Type: %s", mediaType)
}
