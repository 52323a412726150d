package openid4vp

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseResponseRequest(t *testing.T) {
	form := url.Values{}
	form.Set("response", "a.b.c.d.e")
	form.Set("state", "req-1")

	tests := []struct {
		name        string
		contentType string
		body        string
		limit       int64
		want        map[string]interface{}
		wantErr     bool
	}{
		{
			name:        "form",
			contentType: "application/x-www-form-urlencoded",
			body:        form.Encode(),
			want:        map[string]interface{}{"response": "a.b.c.d.e", "state": "req-1"},
		},
		{
			name:        "json with charset",
			contentType: "application/json; charset=utf-8",
			body:        `{"vp_token":{"q":["x"]},"state":"req-1"}`,
			want:        map[string]interface{}{"vp_token": map[string]interface{}{"q": []interface{}{"x"}}, "state": "req-1"},
		},
		{name: "missing content type", body: form.Encode(), wantErr: true},
		{name: "unsupported content type", contentType: "text/plain", body: "x", wantErr: true},
		{name: "broken json", contentType: "application/json", body: "{", wantErr: true},
		{name: "over limit", contentType: "application/json", body: `{"state":"` + strings.Repeat("x", 100) + `"}`, limit: 32, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/oid4vp/responses", strings.NewReader(tt.body))
			if tt.contentType != "" {
				r.Header.Set("Content-Type", tt.contentType)
			}
			limit := tt.limit
			if limit == 0 {
				limit = 1 << 20
			}
			got, err := ParseResponseRequest(httptest.NewRecorder(), r, limit)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
