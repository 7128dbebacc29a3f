package api

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/nanoncore/nano-olt-manager/pkg/olt"
	"github.com/nanoncore/nano-olt-manager/pkg/store"
)

func (s *Server) handleUnboundOnus(w http.ResponseWriter, _ *http.Request, _ *store.User) {
	snap, ok := s.snapshotOr503(w)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, orEmpty(snap.Unbound))
}

func (s *Server) handleUnboundCount(w http.ResponseWriter, _ *http.Request, _ *store.User) {
	snap, ok := s.snapshotOr503(w)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, map[string]int{"count": len(snap.Unbound)})
}

func (s *Server) handleBoundOnus(w http.ResponseWriter, _ *http.Request, _ *store.User) {
	snap, ok := s.snapshotOr503(w)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, orEmpty(snap.Bound))
}

type validateRequest struct {
	SerialNumber string `json:"serialNumber"`
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request, _ *store.User) {
	svc := s.service()
	if svc == nil {
		respondError(w, http.StatusServiceUnavailable, "no OLT connected")
		return
	}
	var req validateRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := svc.Validate(req.SerialNumber); err != nil {
		if olt.IsPrecondition(err) {
			respondJSON(w, http.StatusOK, map[string]any{"ok": false, "reason": err.Error()})
			return
		}
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request, _ *store.User) {
	svc := s.service()
	if svc == nil {
		respondError(w, http.StatusServiceUnavailable, "no OLT connected")
		return
	}
	res, err := svc.Verify(mux.Vars(r)["sn"])
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleNextID(w http.ResponseWriter, r *http.Request, _ *store.User) {
	snap, ok := s.snapshotOr503(w)
	if !ok {
		return
	}
	port := r.URL.Query().Get("port")
	if !olt.ValidPort(port) {
		respondError(w, http.StatusBadRequest, "port must be F/S/P, e.g. 0/1/0")
		return
	}
	next, err := snap.NextFreeOnuID(port)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]int{"nextId": next, "maxId": 127})
}

func (s *Server) handleBind(w http.ResponseWriter, r *http.Request, actor *store.User) {
	svc := s.service()
	if svc == nil {
		respondError(w, http.StatusServiceUnavailable, "no OLT connected")
		return
	}
	var req olt.BindRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	bound, err := svc.Bind(r.Context(), req)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	s.logger.Info("onu bound via API", "serial", bound.SerialNumber, "onu", bound.ID, "by", actor.Username)
	respondJSON(w, http.StatusOK, bound)
}

func (s *Server) handleUnbind(w http.ResponseWriter, r *http.Request, actor *store.User) {
	svc := s.service()
	if svc == nil {
		respondError(w, http.StatusServiceUnavailable, "no OLT connected")
		return
	}
	var req olt.UnbindRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := svc.Unbind(r.Context(), req); err != nil {
		respondServiceError(w, err)
		return
	}
	s.logger.Info("onu unbound via API", "port", req.Port, "onuId", req.OnuID, "by", actor.Username)
	respondJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type rebootRequest struct {
	Port  string `json:"port"`
	OnuID int    `json:"onuId"`
}

func (s *Server) handleReboot(w http.ResponseWriter, r *http.Request, actor *store.User) {
	svc := s.service()
	if svc == nil {
		respondError(w, http.StatusServiceUnavailable, "no OLT connected")
		return
	}
	var req rebootRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := svc.Reboot(r.Context(), req.Port, req.OnuID); err != nil {
		respondServiceError(w, err)
		return
	}
	s.logger.Info("onu reboot via API", "port", req.Port, "onuId", req.OnuID, "by", actor.Username)
	respondJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleOptical(w http.ResponseWriter, r *http.Request, _ *store.User) {
	snap, ok := s.snapshotOr503(w)
	if !ok {
		return
	}
	vars := mux.Vars(r)
	onuID, err := strconv.Atoi(vars["id"])
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid onu id")
		return
	}

	bound, found := snap.BoundByID(olt.BoundID(vars["port"], onuID))
	if !found {
		respondError(w, http.StatusNotFound, "onu not found")
		return
	}
	if bound.Optical == nil {
		respondJSON(w, http.StatusOK, &olt.OpticalStatus{})
		return
	}
	respondJSON(w, http.StatusOK, bound.Optical)
}

func (s *Server) handleLineProfiles(w http.ResponseWriter, _ *http.Request, _ *store.User) {
	snap, ok := s.snapshotOr503(w)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, orEmpty(snap.LineProfiles))
}

func (s *Server) handleServiceProfiles(w http.ResponseWriter, _ *http.Request, _ *store.User) {
	snap, ok := s.snapshotOr503(w)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, orEmpty(snap.ServiceProfiles))
}

func (s *Server) handleTr069Profiles(w http.ResponseWriter, _ *http.Request, _ *store.User) {
	snap, ok := s.snapshotOr503(w)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, orEmpty(snap.Tr069Profiles))
}

func (s *Server) handleVlans(w http.ResponseWriter, _ *http.Request, _ *store.User) {
	snap, ok := s.snapshotOr503(w)
	if !ok {
		return
	}
	// inUse is derived, not stored; decorate the rows.
	type vlanView struct {
		olt.Vlan
		InUse bool `json:"inUse"`
	}
	views := make([]vlanView, 0, len(snap.Vlans))
	for _, v := range snap.Vlans {
		views = append(views, vlanView{Vlan: v, InUse: v.InUse()})
	}
	respondJSON(w, http.StatusOK, views)
}

func (s *Server) handleGponPorts(w http.ResponseWriter, _ *http.Request, _ *store.User) {
	snap, ok := s.snapshotOr503(w)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, orEmpty(snap.GponPorts))
}

// orEmpty keeps null out of JSON array responses.
func orEmpty[T any](v []T) []T {
	if v == nil {
		return []T{}
	}
	return v
}
