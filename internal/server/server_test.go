package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/kokukuma/oid4vp-verifier/document"
	"github.com/kokukuma/oid4vp-verifier/internal/model"
	"github.com/kokukuma/oid4vp-verifier/internal/usecase"
	"github.com/kokukuma/oid4vp-verifier/openid4vp"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubInteractor struct {
	queries       []document.CredentialQuery
	payload       map[string]interface{}
	transactionID string

	requestObjectErr error
	receiveErr       error
	sessions         map[string]*model.Session
	states           map[string]*model.PostState
}

func (s *stubInteractor) GenerateAuthRequest(_ context.Context, queries []document.CredentialQuery) (*usecase.AuthRequestResult, error) {
	s.queries = queries
	return &usecase.AuthRequestResult{
		AuthRequest:   "openid4vp://?request_uri=x",
		RequestID:     "req-1",
		TransactionID: "tx-1",
		SessionID:     "sess-1",
	}, nil
}

func (s *stubInteractor) GetRequestObject(_ context.Context, requestID string) (string, error) {
	if s.requestObjectErr != nil {
		return "", s.requestObjectErr
	}
	return "header.payload." + requestID, nil
}

func (s *stubInteractor) ReceiveAuthResponse(_ context.Context, payload map[string]interface{}) (*usecase.AuthResponseResult, error) {
	s.payload = payload
	if s.receiveErr != nil {
		return nil, s.receiveErr
	}
	return &usecase.AuthResponseResult{RedirectURI: "https://verifier.example.com/callback#response_code=code"}, nil
}

func (s *stubInteractor) ExchangeAuthResponse(_ context.Context, responseCode, transactionID string) (*usecase.ExchangeResult, error) {
	s.transactionID = transactionID
	if responseCode != "code" {
		return nil, &usecase.Error{Type: usecase.ErrNotFound, Message: "authorization response is not found."}
	}
	return &usecase.ExchangeResult{RequestID: "req-1", Claimer: usecase.Claimer{IDToken: "id"}}, nil
}

func (s *stubInteractor) GetStates(_ context.Context, requestID string) (*model.PostState, error) {
	return s.states[requestID], nil
}

func (s *stubInteractor) GetSession(_ context.Context, sessionID string) (*model.Session, error) {
	session, ok := s.sessions[sessionID]
	if !ok {
		return nil, &usecase.Error{Type: usecase.ErrNotFound, Message: "session is not found"}
	}
	return session, nil
}

func (s *stubInteractor) GetCredentialData(ctx context.Context, sessionID string) (*model.WaitCommitData, error) {
	session, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.WaitCommitData == nil {
		return nil, &usecase.Error{Type: usecase.ErrNotFound}
	}
	return session.WaitCommitData, nil
}

func (s *stubInteractor) GetEncryptionJWKS(_ context.Context, requestID string) (*openid4vp.JWKSet, error) {
	if requestID != "req-1" {
		return nil, &usecase.Error{Type: usecase.ErrNotFound}
	}
	return &openid4vp.JWKSet{Keys: []json.RawMessage{json.RawMessage(`{"kty":"EC"}`)}}, nil
}

func newStub() *stubInteractor {
	return &stubInteractor{
		sessions: map[string]*model.Session{
			"sess-1": {ID: "sess-1", RequestID: "req-1", TransactionID: "tx-1"},
			"sess-2": {ID: "sess-2", RequestID: "req-2", WaitCommitData: &model.WaitCommitData{IDToken: "id"}},
		},
		states: map[string]*model.PostState{
			"req-1": {ID: "req-1", Value: model.PostStateStarted},
		},
	}
}

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func withSession(req *http.Request, id string) *http.Request {
	req.AddCookie(&http.Cookie{Name: sessionCookieName, Value: id})
	return req
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestAuthRequestSetsSessionCookie(t *testing.T) {
	stub := newStub()
	h := NewServer(Config{}, stub).Handler()

	rec := serve(h, httptest.NewRequest(http.MethodPost, "/oid4vp/auth-request", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "req-1", body["requestId"])
	assert.Equal(t, "tx-1", body["transactionId"])
	assert.NotContains(t, body, "SessionID")
	assert.Nil(t, stub.queries)

	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, sessionCookieName, cookies[0].Name)
	assert.Equal(t, "sess-1", cookies[0].Value)
	assert.True(t, cookies[0].HttpOnly)
}

func TestAuthRequestWithQueries(t *testing.T) {
	stub := newStub()
	h := NewServer(Config{}, stub).Handler()

	body := `{"credentials":[{"id":"learning_credential","format":"dc+sd-jwt"}]}`
	req := httptest.NewRequest(http.MethodPost, "/oid4vp/auth-request", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := serve(h, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, stub.queries, 1)
	assert.Equal(t, "learning_credential", stub.queries[0].ID)

	req = httptest.NewRequest(http.MethodPost, "/oid4vp/auth-request", strings.NewReader("{"))
	rec = serve(h, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRequestObject(t *testing.T) {
	tests := []struct {
		name   string
		target string
		err    error
		status int
	}{
		{name: "ok", target: "/oid4vp/request?id=req-1", status: http.StatusOK},
		{name: "missing id", target: "/oid4vp/request", status: http.StatusBadRequest},
		{name: "not found", target: "/oid4vp/request?id=x", err: &usecase.Error{Type: usecase.ErrNotFound}, status: http.StatusNotFound},
		{name: "expired", target: "/oid4vp/request?id=x", err: &usecase.Error{Type: usecase.ErrExpired}, status: http.StatusGone},
		{name: "consumed", target: "/oid4vp/request?id=x", err: &usecase.Error{Type: usecase.ErrConflict}, status: http.StatusConflict},
		{name: "unexpected", target: "/oid4vp/request?id=x", err: errors.New("boom"), status: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stub := newStub()
			stub.requestObjectErr = tt.err
			rec := serve(NewServer(Config{}, stub).Handler(), httptest.NewRequest(http.MethodGet, tt.target, nil))
			assert.Equal(t, tt.status, rec.Code)
			if tt.status == http.StatusOK {
				assert.Equal(t, "application/oauth-authz-req+jwt", rec.Header().Get("Content-Type"))
				assert.Equal(t, "header.payload.req-1", rec.Body.String())
			}
		})
	}
}

func TestUnexpectedErrorsHideCause(t *testing.T) {
	stub := newStub()
	stub.requestObjectErr = errors.New("redis: connection refused")
	rec := serve(NewServer(Config{}, stub).Handler(), httptest.NewRequest(http.MethodGet, "/oid4vp/request?id=x", nil))

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	body := decodeError(t, rec)
	assert.Equal(t, string(usecase.ErrUnexpected), body.Type)
	assert.NotContains(t, rec.Body.String(), "redis")
}

func TestResponsesForm(t *testing.T) {
	stub := newStub()
	h := NewServer(Config{}, stub).Handler()

	form := url.Values{}
	form.Set("vp_token", `{"learning_credential":["ey..."]}`)
	form.Set("state", "req-1")
	req := httptest.NewRequest(http.MethodPost, DefaultResponsePath, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	rec := serve(h, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "req-1", stub.payload["state"])
	assert.Equal(t, `{"learning_credential":["ey..."]}`, stub.payload["vp_token"])

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "https://verifier.example.com/callback#response_code=code", body["redirect_uri"])
}

func TestResponsesJSONAndCustomPath(t *testing.T) {
	stub := newStub()
	h := NewServer(Config{ResponsePath: "/wallet/direct_post"}, stub).Handler()

	req := httptest.NewRequest(http.MethodPost, "/wallet/direct_post", strings.NewReader(`{"response":"a.b.c.d.e","state":"req-1"}`))
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	rec := serve(h, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "a.b.c.d.e", stub.payload["response"])

	rec = serve(h, httptest.NewRequest(http.MethodPost, DefaultResponsePath, strings.NewReader("{}")))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestResponsesRejected(t *testing.T) {
	tests := []struct {
		name        string
		contentType string
		body        string
		limit       int64
		err         error
		status      int
	}{
		{name: "no content type", body: "state=x", status: http.StatusBadRequest},
		{name: "text", contentType: "text/plain", body: "state=x", status: http.StatusBadRequest},
		{name: "broken json", contentType: "application/json", body: "{", status: http.StatusBadRequest},
		{name: "too large", contentType: "application/json", body: `{"state":"` + strings.Repeat("x", 64) + `"}`, limit: 16, status: http.StatusBadRequest},
		{name: "unknown request", contentType: "application/json", body: `{"state":"x"}`, err: &usecase.Error{Type: usecase.ErrNotFound}, status: http.StatusNotFound},
		{name: "invalid payload", contentType: "application/json", body: `{}`, err: &usecase.Error{Type: usecase.ErrInvalidParameter}, status: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stub := newStub()
			stub.receiveErr = tt.err
			h := NewServer(Config{MaxResponseBytes: tt.limit}, stub).Handler()

			req := httptest.NewRequest(http.MethodPost, DefaultResponsePath, strings.NewReader(tt.body))
			if tt.contentType != "" {
				req.Header.Set("Content-Type", tt.contentType)
			}
			assert.Equal(t, tt.status, serve(h, req).Code)
		})
	}
}

func TestExchangeResponseCode(t *testing.T) {
	stub := newStub()
	h := NewServer(Config{}, stub).Handler()

	req := withSession(httptest.NewRequest(http.MethodPost, "/oid4vp/response-code/exchange?response_code=code", nil), "sess-1")
	rec := serve(h, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "tx-1", stub.transactionID)

	var body usecase.ExchangeResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "req-1", body.RequestID)
	assert.Equal(t, "id", body.Claimer.IDToken)

	rec = serve(h, httptest.NewRequest(http.MethodPost, "/oid4vp/response-code/exchange", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(h, httptest.NewRequest(http.MethodPost, "/oid4vp/response-code/exchange?response_code=other", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "authorization response is not found.", decodeError(t, rec).Message)

	req = withSession(httptest.NewRequest(http.MethodPost, "/oid4vp/response-code/exchange?response_code=code", nil), "gone")
	assert.Equal(t, http.StatusNotFound, serve(h, req).Code)
}

func TestStates(t *testing.T) {
	h := NewServer(Config{}, newStub()).Handler()

	tests := []struct {
		name    string
		target  string
		session string
		status  int
		value   string
	}{
		{name: "by id", target: "/oid4vp/states?id=req-1", status: http.StatusOK, value: "started"},
		{name: "by session", target: "/oid4vp/states", session: "sess-1", status: http.StatusOK, value: "started"},
		{name: "no state", target: "/oid4vp/states?id=req-9", status: http.StatusNotFound},
		{name: "session without state", target: "/oid4vp/states", session: "sess-2", status: http.StatusNotFound},
		{name: "no id", target: "/oid4vp/states", status: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.target, nil)
			if tt.session != "" {
				req = withSession(req, tt.session)
			}
			rec := serve(h, req)
			require.Equal(t, tt.status, rec.Code)
			if tt.value != "" {
				var body stateBody
				require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
				assert.Equal(t, tt.value, body.Value)
				assert.Equal(t, "req-1", body.RequestID)
			}
		})
	}
}

func TestCredentialData(t *testing.T) {
	h := NewServer(Config{}, newStub()).Handler()

	rec := serve(h, withSession(httptest.NewRequest(http.MethodGet, "/oid4vp/credential-data", nil), "sess-2"))
	require.Equal(t, http.StatusOK, rec.Code)
	var data model.WaitCommitData
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &data))
	assert.Equal(t, "id", data.IDToken)

	rec = serve(h, withSession(httptest.NewRequest(http.MethodGet, "/oid4vp/credential-data", nil), "sess-1"))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = serve(h, httptest.NewRequest(http.MethodGet, "/oid4vp/credential-data", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestJWKS(t *testing.T) {
	h := NewServer(Config{}, newStub()).Handler()

	rec := serve(h, httptest.NewRequest(http.MethodGet, "/oid4vp/jwks.json?id=req-1", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"keys":[{"kty":"EC"}]}`, rec.Body.String())

	rec = serve(h, httptest.NewRequest(http.MethodGet, "/oid4vp/jwks.json?id=x", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
