package server

import (
	"net/http"

	"github.com/dvitali/carovana/internal/domain"
	"github.com/dvitali/carovana/internal/web"
)

// handleLogin exchanges credentials for a session token
// POST /api/auth/login
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := web.Decode(r, &req); err != nil || req.Username == "" {
		web.BadRequest(w, "username and password are required")
		return
	}

	session, err := s.container.Auth.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		web.Error(w, err)
		return
	}
	web.JSON(w, http.StatusOK, session)
}

// handleRefresh rotates the session token. The second factor does not carry
// over; critical commands need a fresh verification.
// POST /api/auth/refresh
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	session, err := s.container.Auth.Refresh(r.Context(), bearerToken(r))
	if err != nil {
		web.Error(w, err)
		return
	}
	web.JSON(w, http.StatusOK, session)
}

// handleMe returns the current session
// GET /api/auth/me
func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	session := SessionFromContext(r.Context())
	if session == nil {
		web.Error(w, domain.ErrAuthRequired)
		return
	}
	web.JSON(w, http.StatusOK, session)
}

// handleLogout invalidates the session
// POST /api/auth/logout
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := s.container.Auth.Logout(r.Context(), bearerToken(r)); err != nil {
		web.Error(w, err)
		return
	}
	web.JSON(w, http.StatusOK, map[string]string{"status": "logged_out"})
}

// handleSecondFactor verifies a TOTP code and arms the session for critical
// commands.
// POST /api/auth/second-factor
func (s *Server) handleSecondFactor(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code string `json:"code"`
	}
	if err := web.Decode(r, &req); err != nil || req.Code == "" {
		web.BadRequest(w, "code is required")
		return
	}

	if err := s.container.Auth.VerifySecondFactor(r.Context(), bearerToken(r), req.Code); err != nil {
		web.Error(w, err)
		return
	}
	web.JSON(w, http.StatusOK, map[string]string{"status": "verified"})
}
