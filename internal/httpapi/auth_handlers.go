package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/berthcare/core/internal/errs"
	"github.com/berthcare/core/internal/identity"
)

type registerRequest struct {
	Email     string `json:"email" validate:"required"`
	Password  string `json:"password" validate:"required"`
	FirstName string `json:"firstName" validate:"required"`
	LastName  string `json:"lastName" validate:"required"`
	Role      string `json:"role" validate:"required"`
	ZoneID    string `json:"zoneId"`
	DeviceID  string `json:"deviceId" validate:"required"`
}

type tokenPairResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken,omitempty"`
}

// Register creates a user account. The route sits outside the Auth group:
// no caller token is required and no caller role is checked, only the
// RegisterLimiter applies, and any role in identity.AllowedRoles may be
// requested. Registration is how the first admin account and all
// subsequent staff accounts are provisioned (§4.7).
func (s *Server) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, errs.New(errs.CodeValidation, "malformed request body"))
		return
	}
	if err := validate.Struct(req); err != nil {
		writeError(w, r, errs.New(errs.CodeValidation, "missing required fields"))
		return
	}

	userID, tokens, err := s.Identity.Register(r.Context(), identity.RegisterInput{
		Email: req.Email, Password: req.Password, FirstName: req.FirstName, LastName: req.LastName,
		Role: req.Role, ZoneID: req.ZoneID, DeviceID: req.DeviceID,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, r, http.StatusCreated, struct {
		UserID string `json:"userId"`
		tokenPairResponse
	}{UserID: userID, tokenPairResponse: tokenPairResponse{AccessToken: tokens.AccessToken, RefreshToken: tokens.RefreshToken}})
}

type loginRequest struct {
	Email    string `json:"email" validate:"required"`
	Password string `json:"password" validate:"required"`
	DeviceID string `json:"deviceId" validate:"required"`
}

func (s *Server) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, errs.New(errs.CodeValidation, "malformed request body"))
		return
	}
	if err := validate.Struct(req); err != nil {
		writeError(w, r, errs.New(errs.CodeValidation, "email, password, and deviceId are required"))
		return
	}

	tokens, err := s.Identity.Login(r.Context(), req.Email, req.Password, req.DeviceID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, tokenPairResponse{AccessToken: tokens.AccessToken, RefreshToken: tokens.RefreshToken})
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken" validate:"required"`
}

func (s *Server) Refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, errs.New(errs.CodeValidation, "malformed request body"))
		return
	}
	if err := validate.Struct(req); err != nil {
		writeError(w, r, errs.New(errs.CodeValidation, "refreshToken is required"))
		return
	}

	access, err := s.Identity.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, tokenPairResponse{AccessToken: access})
}

// Logout requires a valid, non-revoked access token (enforced by the Auth
// middleware). identity.Service.Logout is idempotent (§4.7), but a repeat
// request carrying the same, now blacklisted token is rejected by Auth
// with TOKEN_REVOKED before it reaches this handler.
func (s *Server) Logout(w http.ResponseWriter, r *http.Request) {
	principal, _ := PrincipalFromContext(r.Context())
	header := r.Header.Get("Authorization")
	token := header
	if len(header) > len("Bearer ") {
		token = header[len("Bearer "):]
	}

	if err := s.Identity.Logout(r.Context(), token, principal); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
