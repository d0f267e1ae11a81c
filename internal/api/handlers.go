package api

import (
	"net/http"
	"strconv"

	"github.com/hostbound/tunneld/internal/domain"
	"github.com/hostbound/tunneld/internal/events"
	"github.com/hostbound/tunneld/internal/manager"
)

type createRequest struct {
	Name      string `json:"name"`
	AccountID string `json:"accountId,omitempty"`
	ZoneID    string `json:"zoneId,omitempty"`
	AutoStart bool   `json:"autoStart,omitempty"`
}

type provisionRequest struct {
	Hostname    string `json:"hostname"`
	ServiceName string `json:"serviceName"`
	LocalPort   int    `json:"localPort"`
	ContainerID string `json:"containerId,omitempty"`
	AccountID   string `json:"accountId,omitempty"`
	ZoneID      string `json:"zoneId,omitempty"`
	Start       bool   `json:"start,omitempty"`
}

type ingressRequest struct {
	Rules []domain.IngressRule `json:"rules"`
}

type containersRequest struct {
	ContainerIDs []string `json:"containerIds"`
}

func (s *Server) handleList(w http.ResponseWriter, _ *http.Request) {
	recs := s.mgr.List()
	if recs == nil {
		recs = []*domain.TunnelRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if !decodeBody(w, r, &req) {
		return
	}
	rec, err := s.mgr.Create(r.Context(), manager.CreateOptions{
		Name:      req.Name,
		AccountID: req.AccountID,
		ZoneID:    req.ZoneID,
		AutoStart: req.AutoStart,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	rec, err := s.mgr.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.mgr.Delete(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.mgr.Start(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	info, err := s.mgr.Status(r.Context(), id, false)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.mgr.Stop(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	info, err := s.mgr.Status(r.Context(), id, false)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	force := r.URL.Query().Get("force") == "1" || r.URL.Query().Get("force") == "true"
	info, err := s.mgr.Status(r.Context(), r.PathValue("id"), force)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleGetIngress(w http.ResponseWriter, r *http.Request) {
	rec, err := s.mgr.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	rules := rec.Ingress
	if rules == nil {
		rules = []domain.IngressRule{}
	}
	writeJSON(w, http.StatusOK, ingressRequest{Rules: rules})
}

func (s *Server) handlePutIngress(w http.ResponseWriter, r *http.Request) {
	var req ingressRequest
	if !decodeBody(w, r, &req) {
		return
	}
	id := r.PathValue("id")
	if err := s.mgr.UpdateIngress(r.Context(), id, req.Rules); err != nil {
		writeError(w, err)
		return
	}
	rec, err := s.mgr.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ingressRequest{Rules: rec.Ingress})
}

func (s *Server) handleGetContainers(w http.ResponseWriter, r *http.Request) {
	rec, err := s.mgr.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	ids := rec.ContainerIDs
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, containersRequest{ContainerIDs: ids})
}

func (s *Server) handlePutContainers(w http.ResponseWriter, r *http.Request) {
	var req containersRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.mgr.SetContainerAssociations(r.Context(), r.PathValue("id"), req.ContainerIDs); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleClearContainers(w http.ResponseWriter, r *http.Request) {
	if err := s.mgr.SetContainerAssociations(r.Context(), r.PathValue("id"), nil); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	evs, err := s.mgr.Events(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if evs == nil {
		evs = []events.Event{}
	}
	writeJSON(w, http.StatusOK, evs)
}

func (s *Server) handleProvision(w http.ResponseWriter, r *http.Request) {
	var req provisionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	rec, err := s.mgr.ProvisionForService(r.Context(), manager.ProvisionOptions{
		Hostname:    req.Hostname,
		ServiceName: req.ServiceName,
		LocalPort:   req.LocalPort,
		ContainerID: req.ContainerID,
		AccountID:   req.AccountID,
		ZoneID:      req.ZoneID,
		Start:       req.Start,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}
