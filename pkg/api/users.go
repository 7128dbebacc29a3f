package api

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/nanoncore/nano-olt-manager/pkg/store"
)

func (s *Server) handleListUsers(w http.ResponseWriter, _ *http.Request, _ *store.User) {
	users, err := s.store.ListUsers()
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, users)
}

type createUserRequest struct {
	Username string     `json:"username"`
	Password string     `json:"password"`
	Role     store.Role `json:"role"`
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request, actor *store.User) {
	var req createUserRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	// Only a super_admin may mint another super_admin.
	if req.Role == store.RoleSuperAdmin && actor.Role != store.RoleSuperAdmin {
		respondError(w, http.StatusForbidden, "only super_admin can create super_admin accounts")
		return
	}

	user, err := s.store.CreateUser(req.Username, req.Password, req.Role)
	if err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			respondError(w, http.StatusConflict, err.Error())
			return
		}
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.logger.Info("user created", "user", user.Username, "role", user.Role, "by", actor.Username)
	respondJSON(w, http.StatusCreated, user)
}

type updateUserRequest struct {
	Password *string     `json:"password,omitempty"`
	Role     *store.Role `json:"role,omitempty"`
}

func (s *Server) handleUpdateUser(w http.ResponseWriter, r *http.Request, actor *store.User) {
	id := mux.Vars(r)["id"]

	var req updateUserRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	if req.Role != nil {
		if *req.Role == store.RoleSuperAdmin && actor.Role != store.RoleSuperAdmin {
			respondError(w, http.StatusForbidden, "only super_admin can grant super_admin")
			return
		}
		if err := s.store.UpdateUserRole(id, *req.Role); err != nil {
			respondStoreError(w, err)
			return
		}
	}
	if req.Password != nil {
		if err := s.store.UpdateUserPassword(id, *req.Password); err != nil {
			respondStoreError(w, err)
			return
		}
	}

	user, err := s.store.GetUser(id)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, user)
}

func (s *Server) handleDeleteUser(w http.ResponseWriter, r *http.Request, actor *store.User) {
	id := mux.Vars(r)["id"]
	if id == actor.ID {
		respondError(w, http.StatusBadRequest, "cannot delete your own account")
		return
	}

	target, err := s.store.GetUser(id)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	if target.Role == store.RoleSuperAdmin && actor.Role != store.RoleSuperAdmin {
		respondError(w, http.StatusForbidden, "only super_admin can delete super_admin accounts")
		return
	}

	if err := s.store.DeleteUser(id); err != nil {
		respondStoreError(w, err)
		return
	}
	s.logger.Info("user deleted", "user", target.Username, "by", actor.Username)
	respondJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func respondStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrDuplicate):
		respondError(w, http.StatusConflict, err.Error())
	default:
		respondError(w, http.StatusBadRequest, err.Error())
	}
}
