// Package server exposes the verifier over HTTP.
package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/kokukuma/oid4vp-verifier/document"
	"github.com/kokukuma/oid4vp-verifier/internal/model"
	"github.com/kokukuma/oid4vp-verifier/internal/usecase"
	"github.com/kokukuma/oid4vp-verifier/openid4vp"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Interactor is implemented by *usecase.Interactor.
type Interactor interface {
	GenerateAuthRequest(ctx context.Context, queries []document.CredentialQuery) (*usecase.AuthRequestResult, error)
	GetRequestObject(ctx context.Context, requestID string) (string, error)
	ReceiveAuthResponse(ctx context.Context, payload map[string]interface{}) (*usecase.AuthResponseResult, error)
	ExchangeAuthResponse(ctx context.Context, responseCode, transactionID string) (*usecase.ExchangeResult, error)
	GetStates(ctx context.Context, requestID string) (*model.PostState, error)
	GetSession(ctx context.Context, sessionID string) (*model.Session, error)
	GetCredentialData(ctx context.Context, sessionID string) (*model.WaitCommitData, error)
	GetEncryptionJWKS(ctx context.Context, requestID string) (*openid4vp.JWKSet, error)
}

type Config struct {
	// ResponsePath is the path of the response_uri.
	ResponsePath string
	// MaxResponseBytes bounds wallet response bodies.
	MaxResponseBytes int64
	CookieSecure     bool
	CORSOrigins      []string

	// The certificate API is only mounted when AdminUsername is set.
	AdminUsername string
	AdminPassword string
}

const (
	DefaultResponsePath     = "/oid4vp/responses"
	DefaultMaxResponseBytes = 1 << 20
)

type Option func(*Server)

func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithCertManager enables the certificate API.
func WithCertManager(cm *CertManager) Option {
	return func(s *Server) {
		s.certManager = cm
	}
}

type Server struct {
	cfg         Config
	interactor  Interactor
	certManager *CertManager
	logger      *zap.Logger
}

func NewServer(cfg Config, interactor Interactor, opts ...Option) *Server {
	if cfg.ResponsePath == "" {
		cfg.ResponsePath = DefaultResponsePath
	}
	if cfg.MaxResponseBytes == 0 {
		cfg.MaxResponseBytes = DefaultMaxResponseBytes
	}
	s := &Server{
		cfg:        cfg,
		interactor: interactor,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/oid4vp/auth-request", s.AuthRequest).Methods("POST", "OPTIONS")
	r.HandleFunc("/oid4vp/request", s.RequestObject).Methods("GET", "OPTIONS")
	r.HandleFunc(s.cfg.ResponsePath, s.Responses).Methods("POST", "OPTIONS")
	r.HandleFunc("/oid4vp/response-code/exchange", s.ExchangeResponseCode).Methods("POST", "OPTIONS")
	r.HandleFunc("/oid4vp/states", s.States).Methods("GET", "OPTIONS")
	r.HandleFunc("/oid4vp/credential-data", s.CredentialData).Methods("GET", "OPTIONS")
	r.HandleFunc("/oid4vp/jwks.json", s.JWKS).Methods("GET", "OPTIONS")

	if s.certManager != nil && s.cfg.AdminUsername != "" {
		certRouter := r.PathPrefix("/api/certificates").Subrouter()
		certRouter.Use(s.basicAuth)
		certRouter.HandleFunc("", s.ListCertificatesHandler).Methods("GET")
		certRouter.HandleFunc("", s.AddCertificateHandler).Methods("POST")
		certRouter.HandleFunc("/json", s.AddCertificateJSONHandler).Methods("POST")
		certRouter.HandleFunc("/reload", s.ReloadCertificatesHandler).Methods("POST")
		certRouter.HandleFunc("/{filename}", s.GetCertificateHandler).Methods("GET")
		certRouter.HandleFunc("/{filename}", s.DeleteCertificateHandler).Methods("DELETE")
	}

	origins := s.cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return handlers.CORS(
		handlers.AllowedMethods([]string{"POST", "GET", "DELETE"}),
		handlers.AllowedHeaders([]string{"content-type", "authorization"}),
		handlers.AllowedOrigins(origins),
		handlers.AllowCredentials(),
	)(r)
}

type errorBody struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
}

func statusFor(typ usecase.ErrorType) int {
	switch typ {
	case usecase.ErrNotFound:
		return http.StatusNotFound
	case usecase.ErrExpired:
		return http.StatusGone
	case usecase.ErrConflict:
		return http.StatusConflict
	case usecase.ErrInvalidParameter:
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// handleError writes err as a typed body. Causes are logged, never returned.
func (s *Server) handleError(w http.ResponseWriter, err error) {
	var uErr *usecase.Error
	if !errors.As(err, &uErr) {
		uErr = &usecase.Error{Type: usecase.ErrUnexpected, Cause: err}
	}
	status := statusFor(uErr.Type)
	body := errorBody{Type: string(uErr.Type), Message: uErr.Message}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", zap.Error(err))
		body = errorBody{Type: string(usecase.ErrUnexpected), Message: "internal server error"}
	} else {
		s.logger.Info("request rejected", zap.String("type", body.Type), zap.Error(err))
	}
	s.jsonResponse(w, body, status)
}

func (s *Server) badRequest(w http.ResponseWriter, message string) {
	s.jsonResponse(w, errorBody{Type: string(usecase.ErrInvalidParameter), Message: message}, http.StatusBadRequest)
}

func parseJSON(r *http.Request, v interface{}) error {
	if r == nil || r.Body == nil {
		return errors.New("No request given")
	}

	defer r.Body.Close()
	defer io.Copy(io.Discard, r.Body)

	return json.NewDecoder(r.Body).Decode(v)
}

func (s *Server) jsonResponse(w http.ResponseWriter, d interface{}, c int) {
	dj, err := json.Marshal(d)
	if err != nil {
		s.logger.Error("failed to marshal response", zap.Error(err))
		http.Error(w, "Error creating JSON response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(c)
	w.Write(dj)
}
