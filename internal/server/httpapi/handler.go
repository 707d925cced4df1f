package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/julienschmidt/httprouter"

	"github.com/permamap/permamap/internal/common"
	"github.com/permamap/permamap/internal/server/auth"
)

func (s *Server) routes() *httprouter.Router {
	r := httprouter.New()

	r.GET("/api/ping", s.ping)
	r.GET("/api/passkey", s.passkeyOptions)
	r.POST("/api/passkey", s.passkeyVerify)
	r.POST("/api/mapping", s.createMapping)
	r.GET("/api/mapping", s.resolveMapping)
	r.GET("/api/mapping/me", s.resolveOwnMapping)

	return r
}

func (s *Server) ping(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	s.writeJSON(w, r, http.StatusOK, map[string]string{"status": "OK"})
}

type registrationOptionsResponse struct {
	*protocol.CredentialCreation
	UserID string `json:"userId"`
}

func (s *Server) passkeyOptions(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	switch action := r.URL.Query().Get("action"); action {
	case "register":
		creation, identity, err := s.ceremonies.BeginRegistration(r.Context(), r.URL.Query().Get("userId"))
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeJSON(w, r, http.StatusOK, registrationOptionsResponse{CredentialCreation: creation, UserID: identity.ID})
	case "authenticate":
		assertion, err := s.ceremonies.BeginAuthentication(r.Context())
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeJSON(w, r, http.StatusOK, assertion)
	default:
		s.writeError(w, r, errors.Join(common.ErrorValidation, errors.New("unknown action "+action)))
	}
}

type verifyRegistrationRequest struct {
	UserID   string          `json:"userId"`
	Response json.RawMessage `json:"response"`
}

type verifyAuthenticationRequest struct {
	Response json.RawMessage `json:"response"`
}

type verificationResponse struct {
	Verified     bool   `json:"verified"`
	CredentialID string `json:"credentialID"`
	UserID       string `json:"userId"`
	AccessToken  string `json:"accessToken,omitempty"`
}

func (s *Server) passkeyVerify(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	switch action := r.URL.Query().Get("action"); action {
	case "verify-registration":
		var req verifyRegistrationRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, r, errors.Join(common.ErrorValidation, err))
			return
		}
		credential, err := s.ceremonies.FinishRegistration(r.Context(), req.UserID, req.Response)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeJSON(w, r, http.StatusOK, verificationResponse{
			Verified:     true,
			CredentialID: credential.ID,
			UserID:       credential.IdentityID,
		})
	case "verify-authentication":
		var req verifyAuthenticationRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, r, errors.Join(common.ErrorValidation, err))
			return
		}
		credential, identity, err := s.ceremonies.FinishAuthentication(r.Context(), req.Response)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		token, err := auth.GenerateToken(credential.ID, identity.ID, s.jwtSecret, s.tokenValidity)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeJSON(w, r, http.StatusOK, verificationResponse{
			Verified:     true,
			CredentialID: credential.ID,
			UserID:       identity.ID,
			AccessToken:  token,
		})
	default:
		s.writeError(w, r, errors.Join(common.ErrorValidation, errors.New("unknown action "+action)))
	}
}

type createMappingRequest struct {
	CredentialID  string `json:"credentialID"`
	WalletAddress string `json:"walletAddress"`
}

type createMappingResponse struct {
	EntryID string `json:"entryID"`
	Success bool   `json:"success"`
}

func (s *Server) createMapping(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req createMappingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, errors.Join(common.ErrorValidation, err))
		return
	}

	entryID, err := s.bindings.Create(r.Context(), req.CredentialID, req.WalletAddress)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJSON(w, r, http.StatusOK, createMappingResponse{EntryID: entryID, Success: true})
}

func (s *Server) resolveMapping(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	binding, err := s.bindings.Resolve(r.Context(), r.URL.Query().Get("credentialID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJSON(w, r, http.StatusOK, binding)
}

func (s *Server) resolveOwnMapping(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	header := r.Header.Get(common.AccessTokenHeaderName)
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		s.writeErrorStatus(w, r, http.StatusUnauthorized, "missing bearer token")
		return
	}

	claims, err := auth.GetClaimsFromToken(token, s.jwtSecret)
	if err != nil {
		s.writeErrorStatus(w, r, http.StatusUnauthorized, "invalid token")
		return
	}

	binding, err := s.bindings.Resolve(r.Context(), claims.CredentialID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJSON(w, r, http.StatusOK, binding)
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error(r.Context(), "error encoding response", "path", r.URL.Path, "error", err)
	}
}

// writeError maps domain errors to HTTP statuses: the client must be able to
// tell bad input from a security violation from "try again later".
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, common.ErrorValidation),
		errors.Is(err, common.ErrorNoPendingChallenge),
		errors.Is(err, common.ErrorAttestationInvalid),
		errors.Is(err, common.ErrorAssertionInvalid):
		s.writeErrorStatus(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, common.ErrorUnknownCredential),
		errors.Is(err, common.ErrorNoBindingFound),
		errors.Is(err, common.ErrorIdentityNotFound),
		errors.Is(err, common.ErrorEntryNotFound),
		errors.Is(err, common.ErrorNotFound):
		s.writeErrorStatus(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, common.ErrorCounterRegression):
		s.writeErrorStatus(w, r, http.StatusForbidden, err.Error())
	case errors.Is(err, common.ErrorLedgerUnavailable):
		s.writeErrorStatus(w, r, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, common.ErrorIntegrityFailure),
		errors.Is(err, common.ErrorMalformedPayload):
		s.logger.Error(r.Context(), "integrity failure", "path", r.URL.Path, "error", err)
		s.writeErrorStatus(w, r, http.StatusInternalServerError, "internal error")
	default:
		s.logger.Error(r.Context(), "request failed", "path", r.URL.Path, "error", err)
		s.writeErrorStatus(w, r, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) writeErrorStatus(w http.ResponseWriter, r *http.Request, status int, msg string) {
	s.writeJSON(w, r, status, map[string]string{"error": msg})
}
