package ingest

import (
	"context"
	"fmt"

	"github.com/quarryhq/quarry/pkg/log"
	"github.com/quarryhq/quarry/pkg/metrics"
	"github.com/quarryhq/quarry/pkg/storage"
	"github.com/quarryhq/quarry/pkg/types"
)

// Rejection reasons carried on Rejected errors.
const (
	ReasonCDDisabled    = "cd_disabled"
	ReasonNoMatch       = "no_matching_app"
	ReasonBadPayload    = "bad_payload"
	ReasonUnknownSource = "unknown_source"
)

// Rejected means a trigger was refused at admission. No deployment record
// exists for a rejected trigger.
type Rejected struct {
	Reason string
	Detail string
}

func (e *Rejected) Error() string {
	if e.Detail == "" {
		return "trigger rejected: " + e.Reason
	}
	return fmt.Sprintf("trigger rejected: %s: %s", e.Reason, e.Detail)
}

// Submitter admits a normalized deployment request into the lifecycle. The
// orchestrator implements it.
type Submitter interface {
	Submit(ctx context.Context, req *types.DeploymentRequest) (*types.Deployment, error)
}

// Ingestor normalizes triggers into DeploymentRequests and applies the CD
// gate before anything is persisted.
type Ingestor struct {
	store     storage.Store
	submitter Submitter
	heads     HeadResolver
}

// NewIngestor creates a trigger ingestor. heads may be nil, in which case
// manual git deployments require the caller to supply a source ref.
func NewIngestor(store storage.Store, submitter Submitter, heads HeadResolver) *Ingestor {
	return &Ingestor{
		store:     store,
		submitter: submitter,
		heads:     heads,
	}
}

// admit applies the CD gate. Only automatic triggers are gated: a human
// asking for a deployment always passes, CDEnabled or not.
func admit(app *types.App, trigger types.TriggerKind) error {
	if trigger.Automatic() && !app.CDEnabled {
		return &Rejected{Reason: ReasonCDDisabled, Detail: "continuous deployment is disabled for app " + app.ID}
	}
	return nil
}

// SubmitManual normalizes a manual trigger (redeploy, rollback, config
// update) and hands it to the orchestrator. For git sources without a
// resolved commit it resolves the branch head first, so the deployment
// record always carries a concrete source pointer.
func (i *Ingestor) SubmitManual(ctx context.Context, req *types.DeploymentRequest) (*types.Deployment, error) {
	app, err := i.store.GetApp(req.AppID)
	if err != nil {
		return nil, err
	}
	if err := admit(app, req.Trigger); err != nil {
		metrics.TriggersRejected.WithLabelValues(ReasonCDDisabled).Inc()
		return nil, err
	}

	if req.SourceRef == nil && req.TemplateMode != types.TemplateModeSource && !reusesActiveArtifact(app, req) {
		if git := i.requestGitSource(app, req); git != nil {
			ref, err := i.resolveHead(ctx, git)
			if err != nil {
				return nil, fmt.Errorf("resolving head of %s: %w", git.Branch, err)
			}
			req.SourceRef = ref
		}
	}

	d, err := i.submitter.Submit(ctx, req)
	if err != nil {
		return nil, err
	}
	metrics.TriggersAccepted.WithLabelValues(string(req.Trigger)).Inc()
	return d, nil
}

// reusesActiveArtifact reports whether the request redeploys the active
// deployment's build artifact. Such requests keep the active source
// pointer, so no branch head is resolved for them.
func reusesActiveArtifact(app *types.App, req *types.DeploymentRequest) bool {
	return req.Trigger == types.TriggerConfigUpdate &&
		!req.Delta.ReplacesSource() &&
		app.ActiveDeploymentID != ""
}

// requestGitSource returns the git source the request will deploy from, or
// nil when the request does not target a git source.
func (i *Ingestor) requestGitSource(app *types.App, req *types.DeploymentRequest) *types.GitSource {
	if req.Delta != nil {
		if req.Delta.Image != nil || req.Delta.Helm != nil {
			return nil
		}
		if req.Delta.Git != nil {
			return req.Delta.Git
		}
	}

	cfg := i.currentConfig(app, req.TemplateDeploymentID)
	if cfg == nil || cfg.Source != types.SourceGit {
		return nil
	}
	return cfg.Git
}

// currentConfig is the config snapshot a request inherits from: the named
// template, else the active deployment, else the newest one.
func (i *Ingestor) currentConfig(app *types.App, templateID string) *types.DeploymentConfig {
	if templateID != "" {
		if d, err := i.store.GetDeployment(templateID); err == nil {
			return &d.Config
		}
	}
	if app.ActiveDeploymentID != "" {
		if d, err := i.store.GetDeployment(app.ActiveDeploymentID); err == nil {
			return &d.Config
		}
	}
	latest, _, err := i.store.ListDeployments(app.ID, 1, 1)
	if err != nil || len(latest) == 0 {
		return nil
	}
	return &latest[0].Config
}

func (i *Ingestor) resolveHead(ctx context.Context, git *types.GitSource) (*types.SourceRef, error) {
	if i.heads == nil {
		return nil, fmt.Errorf("no head resolver configured")
	}
	ref, err := i.heads.ResolveHead(ctx, git.RepositoryURL, git.Branch)
	if err != nil {
		return nil, err
	}
	log.WithComponent("ingest").Debug().
		Str("branch", git.Branch).
		Str("commit", ref.CommitHash).
		Msg("Resolved branch head for manual deployment")
	return ref, nil
}
