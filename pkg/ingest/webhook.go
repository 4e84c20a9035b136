package ingest

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/quarryhq/quarry/pkg/log"
	"github.com/quarryhq/quarry/pkg/metrics"
	"github.com/quarryhq/quarry/pkg/types"
)

// Webhook payload shapes, matching the git provider's JSON. Only the fields
// the gate and normalization need are declared.

type webhookRepository struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	CloneURL string `json:"clone_url"`
}

type webhookCommit struct {
	ID      string `json:"id"`
	Message string `json:"message"`
}

// PushPayload is a git push webhook event
type PushPayload struct {
	Ref        string            `json:"ref"`
	Repository webhookRepository `json:"repository"`
	HeadCommit *webhookCommit    `json:"head_commit"`
}

// WorkflowRunPayload is a workflow_run webhook event
type WorkflowRunPayload struct {
	Action   string `json:"action"`
	Workflow struct {
		ID int64 `json:"id"`
	} `json:"workflow"`
	WorkflowRun struct {
		ID         int64          `json:"id"`
		HeadBranch string         `json:"head_branch"`
		HeadCommit *webhookCommit `json:"head_commit"`
		Conclusion string         `json:"conclusion"`
	} `json:"workflow_run"`
	Repository webhookRepository `json:"repository"`
}

// HandleWebhook dispatches a raw webhook body by its event header and
// returns the deployments it started. Events that match no app are not an
// error; they are acknowledged and dropped.
func (i *Ingestor) HandleWebhook(ctx context.Context, event string, body []byte) ([]*types.Deployment, error) {
	switch event {
	case "push":
		var payload PushPayload
		if err := json.Unmarshal(body, &payload); err != nil {
			return nil, &Rejected{Reason: ReasonBadPayload, Detail: err.Error()}
		}
		return i.HandlePush(ctx, &payload)
	case "workflow_run":
		var payload WorkflowRunPayload
		if err := json.Unmarshal(body, &payload); err != nil {
			return nil, &Rejected{Reason: ReasonBadPayload, Detail: err.Error()}
		}
		return i.HandleWorkflowRun(ctx, &payload)
	default:
		// Ping and other event kinds are acknowledged without action.
		return nil, nil
	}
}

// HandlePush matches a push event against every app configured for push
// CD on the pushed branch and submits one deployment request per match.
func (i *Ingestor) HandlePush(ctx context.Context, payload *PushPayload) ([]*types.Deployment, error) {
	if payload.Repository.ID == 0 {
		return nil, &Rejected{Reason: ReasonBadPayload, Detail: "repository id not specified"}
	}
	branch, ok := strings.CutPrefix(payload.Ref, "refs/heads/")
	if !ok {
		// Tag pushes and other refs never trigger deployments.
		return nil, nil
	}
	if payload.HeadCommit == nil {
		// Branch deletion pushes carry no head commit.
		return nil, nil
	}

	ref := &types.SourceRef{
		CommitHash:    payload.HeadCommit.ID,
		CommitMessage: payload.HeadCommit.Message,
	}
	return i.fanOut(ctx, types.TriggerPush, ref, func(git *types.GitSource) bool {
		return git.Event == types.GitEventPush &&
			git.Branch == branch &&
			matchesRepository(git, payload.Repository)
	})
}

// HandleWorkflowRun matches a finished workflow run against apps gated on
// that workflow. Only successful conclusions deploy; requested and
// in-progress actions are acknowledged without action.
func (i *Ingestor) HandleWorkflowRun(ctx context.Context, payload *WorkflowRunPayload) ([]*types.Deployment, error) {
	if payload.Repository.ID == 0 {
		return nil, &Rejected{Reason: ReasonBadPayload, Detail: "repository id not specified"}
	}
	if payload.Action != "completed" {
		return nil, nil
	}
	if payload.WorkflowRun.Conclusion != "success" {
		log.WithComponent("ingest").Debug().
			Str("conclusion", payload.WorkflowRun.Conclusion).
			Int64("workflow_run", payload.WorkflowRun.ID).
			Msg("Ignoring unsuccessful workflow run")
		return nil, nil
	}

	workflowID := strconv.FormatInt(payload.Workflow.ID, 10)
	var ref *types.SourceRef
	if payload.WorkflowRun.HeadCommit != nil {
		ref = &types.SourceRef{
			CommitHash:    payload.WorkflowRun.HeadCommit.ID,
			CommitMessage: payload.WorkflowRun.HeadCommit.Message,
		}
	}
	return i.fanOut(ctx, types.TriggerWorkflowRun, ref, func(git *types.GitSource) bool {
		return git.Event == types.GitEventWorkflowRun &&
			git.WorkflowID == workflowID &&
			git.Branch == payload.WorkflowRun.HeadBranch &&
			matchesRepository(git, payload.Repository)
	})
}

// fanOut submits one deployment request per app whose configured git source
// matches. A CD-disabled app is skipped without creating any record.
func (i *Ingestor) fanOut(ctx context.Context, trigger types.TriggerKind, ref *types.SourceRef, match func(*types.GitSource) bool) ([]*types.Deployment, error) {
	apps, err := i.store.ListApps()
	if err != nil {
		return nil, err
	}

	logger := log.WithComponent("ingest")
	var started []*types.Deployment
	for _, app := range apps {
		cfg := i.currentConfig(app, "")
		if cfg == nil || cfg.Source != types.SourceGit || !match(cfg.Git) {
			continue
		}

		if err := admit(app, trigger); err != nil {
			metrics.TriggersRejected.WithLabelValues(ReasonCDDisabled).Inc()
			logger.Info().
				Str("app_id", app.ID).
				Str("trigger", string(trigger)).
				Msg("CD gate rejected automatic trigger")
			continue
		}

		d, err := i.submitter.Submit(ctx, &types.DeploymentRequest{
			AppID:     app.ID,
			Trigger:   trigger,
			SourceRef: cloneRef(ref),
		})
		if err != nil {
			logger.Error().Err(err).
				Str("app_id", app.ID).
				Msg("Submitting webhook-triggered deployment")
			continue
		}
		metrics.TriggersAccepted.WithLabelValues(string(trigger)).Inc()
		started = append(started, d)
	}
	return started, nil
}

// matchesRepository accepts either the numeric repository id or its clone
// URL, whichever the app's source was configured with.
func matchesRepository(git *types.GitSource, repo webhookRepository) bool {
	if git.RepositoryID != "" {
		return git.RepositoryID == strconv.FormatInt(repo.ID, 10)
	}
	return git.RepositoryURL != "" && git.RepositoryURL == repo.CloneURL
}

func cloneRef(ref *types.SourceRef) *types.SourceRef {
	if ref == nil {
		return nil
	}
	r := *ref
	return &r
}
