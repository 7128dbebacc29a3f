package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/nanoncore/nano-olt-manager/pkg/olt"
	"github.com/nanoncore/nano-olt-manager/pkg/store"
)

func (s *Server) handleListCredentials(w http.ResponseWriter, _ *http.Request, _ *store.User) {
	creds, err := s.store.ListCredentials()
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, creds)
}

type createCredentialRequest struct {
	Name     string `json:"name"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) handleCreateCredential(w http.ResponseWriter, r *http.Request, actor *store.User) {
	var req createCredentialRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	cred, err := s.store.CreateCredential(req.Name, req.Host, req.Port, req.Username, req.Password)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.logger.Info("credential created", "name", cred.Name, "host", cred.Host, "by", actor.Username)
	respondJSON(w, http.StatusCreated, cred)
}

func (s *Server) handleUpdateCredential(w http.ResponseWriter, r *http.Request, _ *store.User) {
	id := mux.Vars(r)["id"]

	var upd store.CredentialUpdate
	if err := decodeJSON(r, &upd); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.store.UpdateCredential(id, upd); err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleDeleteCredential(w http.ResponseWriter, r *http.Request, _ *store.User) {
	if err := s.store.DeleteCredential(mux.Vars(r)["id"]); err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handleConnect activates a credential and swaps the manager over to it.
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request, actor *store.User) {
	id := mux.Vars(r)["id"]

	if err := s.store.ActivateCredential(id); err != nil {
		respondStoreError(w, err)
		return
	}
	cred, err := s.store.GetActiveCredential()
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.attach(cred)
	s.logger.Info("OLT connect requested", "host", cred.Host, "by", actor.Username)
	respondJSON(w, http.StatusOK, cred)
}

func (s *Server) handleOltInfo(w http.ResponseWriter, _ *http.Request, _ *store.User) {
	snap, ok := s.snapshotOr503(w)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, snap.Device)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request, _ *store.User) {
	svc := s.service()
	if svc == nil {
		respondError(w, http.StatusServiceUnavailable, "no OLT connected")
		return
	}
	snap, err := svc.Refresh(r.Context())
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"fetchedAt": snap.FetchedAt,
		"bound":     len(snap.Bound),
		"unbound":   len(snap.Unbound),
	})
}

func (s *Server) handleRefreshStatus(w http.ResponseWriter, _ *http.Request, _ *store.User) {
	svc := s.service()
	if svc == nil {
		respondError(w, http.StatusServiceUnavailable, "no OLT connected")
		return
	}
	respondJSON(w, http.StatusOK, svc.Status())
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	health := map[string]any{
		"status":       "ok",
		"uptime":       time.Since(s.started).Round(time.Second).String(),
		"oltConnected": false,
	}
	if svc := s.service(); svc != nil {
		health["oltConnected"] = svc.Status().Connected
	}
	respondJSON(w, http.StatusOK, health)
}

// snapshotOr503 fetches the current snapshot or reports why there is none.
func (s *Server) snapshotOr503(w http.ResponseWriter) (*olt.Snapshot, bool) {
	svc := s.service()
	if svc == nil {
		respondError(w, http.StatusServiceUnavailable, "no OLT connected")
		return nil, false
	}
	snap := svc.Snapshot()
	if snap == nil {
		respondError(w, http.StatusServiceUnavailable, "inventory not loaded yet")
		return nil, false
	}
	return snap, true
}
