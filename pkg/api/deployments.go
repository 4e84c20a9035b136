package api

import (
	"crypto/subtle"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/quarryhq/quarry/pkg/types"
)

type createDeploymentRequest struct {
	Trigger              types.TriggerKind  `json:"trigger"`
	Delta                *types.ConfigDelta `json:"delta"`
	TemplateDeploymentID string             `json:"template_deployment_id"`
	TemplateMode         types.TemplateMode `json:"template_mode"`
}

func (s *Server) createDeployment(w http.ResponseWriter, r *http.Request) {
	appID := chi.URLParam(r, "app")

	var req createDeploymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	if req.Trigger == "" {
		req.Trigger = types.TriggerConfigUpdate
	}
	if req.Trigger.Automatic() {
		badRequest(w, "push and workflow_run deployments come from webhooks, not the API")
		return
	}
	if req.TemplateDeploymentID != "" {
		switch req.TemplateMode {
		case types.TemplateModeSource, types.TemplateModeConfig:
		default:
			badRequest(w, "template_mode must be source or config")
			return
		}
	}

	d, err := s.deployer.SubmitManual(r.Context(), &types.DeploymentRequest{
		AppID:                appID,
		Trigger:              req.Trigger,
		Delta:                req.Delta,
		TemplateDeploymentID: req.TemplateDeploymentID,
		TemplateMode:         req.TemplateMode,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, viewDeployment(d))
}

func (s *Server) listDeployments(w http.ResponseWriter, r *http.Request) {
	appID := chi.URLParam(r, "app")
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	perPage, _ := strconv.Atoi(r.URL.Query().Get("per_page"))

	deployments, total, err := s.store.ListDeployments(appID, page, perPage)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"deployments": viewDeployments(deployments),
		"total":       total,
	})
}

func (s *Server) getDeployment(w http.ResponseWriter, r *http.Request) {
	d, err := s.store.GetDeployment(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewDeployment(d))
}

func (s *Server) cancelDeployment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.lifecycle.Cancel(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"cancelled": id})
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	event := r.Header.Get("X-GitHub-Event")
	body, err := io.ReadAll(r.Body)
	if err != nil {
		badRequest(w, "unreadable request body")
		return
	}

	created, err := s.deployer.HandleWebhook(r.Context(), event, body)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"deployments": viewDeployments(created),
	})
}

type buildStatusRequest struct {
	Succeeded bool   `json:"succeeded"`
	ImageRef  string `json:"image_ref"`
	Reason    string `json:"reason"`
}

// handleBuildStatus is the build-system callback. It authenticates with the
// per-deployment token injected into the build job, not the API token.
func (s *Server) handleBuildStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "deployment")
	d, err := s.store.GetDeployment(id)
	if err != nil {
		writeError(w, err)
		return
	}

	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if d.BuildToken == "" || subtle.ConstantTimeCompare([]byte(token), []byte(d.BuildToken)) != 1 {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"status": "unauthorized"})
		return
	}

	var req buildStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid request body")
		return
	}

	s.builds.Report(id, req.Succeeded, req.ImageRef, req.Reason)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}
