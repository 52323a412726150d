package server

import (
	"crypto/subtle"
	"io"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

type messageBody struct {
	Message string `json:"message"`
}

func (s *Server) basicAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok ||
			subtle.ConstantTimeCompare([]byte(user), []byte(s.cfg.AdminUsername)) != 1 ||
			subtle.ConstantTimeCompare([]byte(pass), []byte(s.cfg.AdminPassword)) != 1 {
			w.Header().Set("WWW-Authenticate", `Basic realm="admin"`)
			s.jsonResponse(w, errorBody{Type: "UNAUTHORIZED"}, http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) certError(w http.ResponseWriter, message string, err error, status int) {
	s.logger.Warn(message, zap.Error(err))
	s.jsonResponse(w, errorBody{Type: "CERTIFICATE_ERROR", Message: message}, status)
}

func (s *Server) ListCertificatesHandler(w http.ResponseWriter, r *http.Request) {
	certs, err := s.certManager.ListCertificates()
	if err != nil {
		s.certError(w, "failed to list certificates", err, http.StatusInternalServerError)
		return
	}
	s.jsonResponse(w, certs, http.StatusOK)
}

func (s *Server) GetCertificateHandler(w http.ResponseWriter, r *http.Request) {
	info, pemData, err := s.certManager.GetCertificate(mux.Vars(r)["filename"])
	if err != nil {
		s.certError(w, "failed to get certificate", err, http.StatusNotFound)
		return
	}

	response := struct {
		Info    *CertInfo `json:"info"`
		PEMData string    `json:"pem_data"`
	}{
		Info:    info,
		PEMData: string(pemData),
	}
	s.jsonResponse(w, response, http.StatusOK)
}

// AddCertificateHandler takes a multipart upload in the "certificate" field.
func (s *Server) AddCertificateHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(1 << 20); err != nil {
		s.certError(w, "failed to parse form", err, http.StatusBadRequest)
		return
	}

	file, fileHeader, err := r.FormFile("certificate")
	if err != nil {
		s.certError(w, "failed to get certificate file", err, http.StatusBadRequest)
		return
	}
	defer file.Close()

	certData, err := io.ReadAll(file)
	if err != nil {
		s.certError(w, "failed to read certificate data", err, http.StatusInternalServerError)
		return
	}

	if err := s.certManager.AddCertificate(fileHeader.Filename, certData); err != nil {
		s.certError(w, "failed to add certificate", err, http.StatusBadRequest)
		return
	}
	s.jsonResponse(w, messageBody{"Certificate added successfully"}, http.StatusOK)
}

func (s *Server) AddCertificateJSONHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Filename string `json:"filename"`
		PEMData  string `json:"pem_data"`
	}
	if err := parseJSON(r, &req); err != nil {
		s.certError(w, "failed to parse request", err, http.StatusBadRequest)
		return
	}
	if req.PEMData == "" {
		s.jsonResponse(w, errorBody{Type: "CERTIFICATE_ERROR", Message: "certificate data is required"}, http.StatusBadRequest)
		return
	}

	if err := s.certManager.AddCertificate(req.Filename, []byte(req.PEMData)); err != nil {
		s.certError(w, "failed to add certificate", err, http.StatusBadRequest)
		return
	}
	s.jsonResponse(w, messageBody{"Certificate added successfully"}, http.StatusOK)
}

func (s *Server) DeleteCertificateHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.certManager.DeleteCertificate(mux.Vars(r)["filename"]); err != nil {
		s.certError(w, "failed to delete certificate", err, http.StatusNotFound)
		return
	}
	s.jsonResponse(w, messageBody{"Certificate deleted successfully"}, http.StatusOK)
}

func (s *Server) ReloadCertificatesHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.certManager.ReloadCertificates(); err != nil {
		s.certError(w, "failed to reload certificates", err, http.StatusInternalServerError)
		return
	}
	s.jsonResponse(w, messageBody{"Certificates reloaded successfully"}, http.StatusOK)
}
