package api

import (
	"errors"
	"net/http"

	"github.com/nanoncore/nano-olt-manager/pkg/store"
)

// sessionHeader transports the opaque session id.
const sessionHeader = "x-session-id"

type authedHandler func(w http.ResponseWriter, r *http.Request, user *store.User)

type permission func(store.Role) bool

func userManage(r store.Role) bool  { return r.CanManageUsers() }
func oltConfigure(r store.Role) bool { return r.CanConfigureOLT() }

// auth resolves the session header into a user or answers 401.
func (s *Server) auth(next authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(sessionHeader)
		if id == "" {
			respondError(w, http.StatusUnauthorized, "missing session")
			return
		}
		_, user, err := s.store.GetSession(id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				respondError(w, http.StatusUnauthorized, "invalid or expired session")
				return
			}
			respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
		next(w, r, user)
	}
}

// can layers a role check on top of auth. super_admin passes every check.
func (s *Server) can(allowed permission, next authedHandler) http.HandlerFunc {
	return s.auth(func(w http.ResponseWriter, r *http.Request, user *store.User) {
		if user.Role != store.RoleSuperAdmin && !allowed(user.Role) {
			respondError(w, http.StatusForbidden, "permission denied")
			return
		}
		next(w, r, user)
	})
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	User      *store.User `json:"user"`
	SessionID string      `json:"sessionId"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	user, err := s.store.Authenticate(req.Username, req.Password)
	if err != nil {
		if errors.Is(err, store.ErrBadCredentials) {
			respondError(w, http.StatusUnauthorized, err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	sess, err := s.store.CreateSession(user.ID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.logger.Info("login", "user", user.Username)
	respondJSON(w, http.StatusOK, loginResponse{User: user, SessionID: sess.ID})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request, user *store.User) {
	if err := s.store.DeleteSession(r.Header.Get(sessionHeader)); err != nil && !errors.Is(err, store.ErrNotFound) {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.logger.Info("logout", "user", user.Username)
	respondJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleMe(w http.ResponseWriter, _ *http.Request, user *store.User) {
	respondJSON(w, http.StatusOK, user)
}
