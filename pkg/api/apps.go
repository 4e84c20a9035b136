package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/quarryhq/quarry/pkg/resolver"
	"github.com/quarryhq/quarry/pkg/types"
)

type createAppRequest struct {
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
	OrgID       string `json:"org_id"`
	GroupID     string `json:"group_id"`
	Namespace   string `json:"namespace"`
	CDEnabled   *bool  `json:"cd_enabled"`
}

func (s *Server) createApp(w http.ResponseWriter, r *http.Request) {
	var req createAppRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	if req.Name == "" {
		badRequest(w, "name is required")
		return
	}
	// App names become resource-name prefixes on the cluster, so they
	// follow the same RFC 1123 label rules as namespaces.
	if err := resolver.ValidateNamespace(req.Name); err != nil {
		badRequest(w, "invalid name: must be lowercase alphanumerics and hyphens")
		return
	}
	if req.Namespace == "" {
		req.Namespace = req.Name
	}
	if err := resolver.ValidateNamespace(req.Namespace); err != nil {
		writeError(w, err)
		return
	}

	app := &types.App{
		ID:          uuid.NewString(),
		Name:        req.Name,
		DisplayName: req.DisplayName,
		OrgID:       req.OrgID,
		GroupID:     req.GroupID,
		Namespace:   req.Namespace,
		CDEnabled:   true,
	}
	if req.CDEnabled != nil {
		app.CDEnabled = *req.CDEnabled
	}

	if err := s.store.CreateApp(app); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, app)
}

func (s *Server) listApps(w http.ResponseWriter, r *http.Request) {
	apps, err := s.store.ListApps()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, apps)
}

func (s *Server) getApp(w http.ResponseWriter, r *http.Request) {
	app, err := s.store.GetApp(chi.URLParam(r, "app"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, app)
}

func (s *Server) deleteApp(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "app")
	if err := s.lifecycle.RemoveApp(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"deleted": id})
}

type setCDRequest struct {
	Enabled bool `json:"enabled"`
}

func (s *Server) setCD(w http.ResponseWriter, r *http.Request) {
	app, err := s.store.GetApp(chi.URLParam(r, "app"))
	if err != nil {
		writeError(w, err)
		return
	}
	var req setCDRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	app.CDEnabled = req.Enabled
	if err := s.store.UpdateApp(app); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, app)
}

func (s *Server) stopApp(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "app")
	if err := s.lifecycle.StopApp(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"stopped": id})
}

// streamEvents serves the app's lifecycle events over SSE until the client
// disconnects.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	appID := chi.URLParam(r, "app")
	if _, err := s.store.GetApp(appID); err != nil {
		writeError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		badRequest(w, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := s.broker.Subscribe()
	defer s.broker.Unsubscribe(sub)

	for {
		select {
		case <-r.Context().Done():
			return
		case event, open := <-sub:
			if !open {
				return
			}
			if event.AppID != appID {
				continue
			}
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
			flusher.Flush()
		}
	}
}
