package server

import (
	"fmt"
	"net/http"

	"github.com/kokukuma/oid4vp-verifier/document"
	"github.com/kokukuma/oid4vp-verifier/internal/usecase"
	"github.com/kokukuma/oid4vp-verifier/openid4vp"
	"go.uber.org/zap"
)

type authRequestBody struct {
	Credentials []document.CredentialQuery `json:"credentials"`
}

// AuthRequest starts a transaction and binds it to the browser through the
// session cookie. An empty body asks for the default learning credential.
func (s *Server) AuthRequest(w http.ResponseWriter, r *http.Request) {
	var body authRequestBody
	if r.ContentLength > 0 {
		if err := parseJSON(r, &body); err != nil {
			s.badRequest(w, "invalid request body")
			return
		}
	}

	res, err := s.interactor.GenerateAuthRequest(r.Context(), body.Credentials)
	if err != nil {
		s.handleError(w, err)
		return
	}

	s.setSessionCookie(w, res.SessionID)
	s.jsonResponse(w, res, http.StatusOK)
}

// RequestObject serves the signed request object behind request_uri.
func (s *Server) RequestObject(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		s.badRequest(w, "id is required")
		return
	}

	jwt, err := s.interactor.GetRequestObject(r.Context(), id)
	if err != nil {
		s.handleError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/oauth-authz-req+jwt")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, jwt)
}

// Responses is the response_uri wallets post to.
func (s *Server) Responses(w http.ResponseWriter, r *http.Request) {
	payload, err := openid4vp.ParseResponseRequest(w, r, s.cfg.MaxResponseBytes)
	if err != nil {
		s.logger.Info("unreadable authorization response", zap.Error(err))
		s.badRequest(w, "invalid authorization response")
		return
	}

	res, err := s.interactor.ReceiveAuthResponse(r.Context(), payload)
	if err != nil {
		s.handleError(w, err)
		return
	}
	s.jsonResponse(w, res, http.StatusOK)
}

// ExchangeResponseCode redeems the response_code the wallet redirect carried.
// The transaction id comes from the caller's session.
func (s *Server) ExchangeResponseCode(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("response_code")
	if code == "" {
		s.badRequest(w, "response_code is required")
		return
	}

	var transactionID string
	if id := sessionID(r); id != "" {
		session, err := s.interactor.GetSession(r.Context(), id)
		if err != nil {
			s.handleError(w, err)
			return
		}
		transactionID = session.TransactionID
	}

	res, err := s.interactor.ExchangeAuthResponse(r.Context(), code, transactionID)
	if err != nil {
		s.handleError(w, err)
		return
	}
	s.jsonResponse(w, res, http.StatusOK)
}

type stateBody struct {
	Value     string `json:"value"`
	RequestID string `json:"requestId"`
}

// States reports the post state of ?id=, or of the session's request.
func (s *Server) States(w http.ResponseWriter, r *http.Request) {
	requestID := r.URL.Query().Get("id")
	if requestID == "" {
		id := sessionID(r)
		if id == "" {
			s.badRequest(w, "id is required")
			return
		}
		session, err := s.interactor.GetSession(r.Context(), id)
		if err != nil {
			s.handleError(w, err)
			return
		}
		requestID = session.RequestID
	}

	state, err := s.interactor.GetStates(r.Context(), requestID)
	if err != nil {
		s.handleError(w, err)
		return
	}
	if state == nil {
		s.jsonResponse(w, errorBody{Type: string(usecase.ErrNotFound)}, http.StatusNotFound)
		return
	}
	s.jsonResponse(w, stateBody{Value: string(state.Value), RequestID: state.ID}, http.StatusOK)
}

func (s *Server) CredentialData(w http.ResponseWriter, r *http.Request) {
	id := sessionID(r)
	if id == "" {
		s.badRequest(w, "session is required")
		return
	}

	data, err := s.interactor.GetCredentialData(r.Context(), id)
	if err != nil {
		s.handleError(w, err)
		return
	}
	s.jsonResponse(w, data, http.StatusOK)
}

// JWKS publishes the ephemeral response encryption key of ?id=.
func (s *Server) JWKS(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		s.badRequest(w, "id is required")
		return
	}

	set, err := s.interactor.GetEncryptionJWKS(r.Context(), id)
	if err != nil {
		s.handleError(w, err)
		return
	}
	s.jsonResponse(w, set, http.StatusOK)
}
