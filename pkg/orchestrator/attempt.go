package orchestrator

import (
	"context"
	"strings"
	"time"

	"github.com/quarryhq/quarry/pkg/events"
	"github.com/quarryhq/quarry/pkg/log"
	"github.com/quarryhq/quarry/pkg/metrics"
	"github.com/quarryhq/quarry/pkg/types"
)

const chartPollInterval = 5 * time.Second

// runAttempt drives one deployment from QUEUED to a terminal state.
// Cancellation is cooperative: ctx is only consulted at transition
// boundaries, and once the attempt reaches DEPLOYING it runs to its own
// conclusion regardless of ctx.
func (o *Orchestrator) runAttempt(ctx context.Context, l *appLoop, deploymentID string) {
	d, err := o.store.GetDeployment(deploymentID)
	if err != nil {
		log.WithComponent("orchestrator").Error().Err(err).Str("deployment_id", deploymentID).Msg("Loading queued deployment")
		return
	}
	if d.Status != types.DeploymentQueued {
		// Settled while waiting its turn, e.g. cancelled by the user.
		return
	}
	app, err := o.store.GetApp(d.AppID)
	if err != nil {
		_ = o.finishCancelled(d, "app no longer exists")
		return
	}

	if ctx.Err() != nil {
		_ = o.finishCancelled(d, l.cause())
		return
	}

	// Durable before any external call.
	if err := o.transition(d, types.DeploymentPending, ""); err != nil {
		return
	}
	l.setStage(types.DeploymentPending)

	if d.Config.Source == types.SourceHelm {
		o.runChart(ctx, l, app, d)
		return
	}

	image := d.ImageRef
	if d.Config.NeedsBuild() && image == "" {
		image = o.runBuild(ctx, l, app, d)
		if image == "" {
			return
		}
	} else if image == "" {
		image = d.Config.Image.Reference
	}

	o.runRollout(ctx, l, app, d, image)
}

// runBuild executes the BUILDING stage and returns the built image
// reference, or "" when the attempt ended in a terminal state.
func (o *Orchestrator) runBuild(ctx context.Context, l *appLoop, app *types.App, d *types.Deployment) string {
	if ctx.Err() != nil {
		_ = o.finishCancelled(d, l.cause())
		return ""
	}
	if err := o.transition(d, types.DeploymentBuilding, ""); err != nil {
		return ""
	}
	l.setStage(types.DeploymentBuilding)

	results, release := o.buildWaiter(d.ID)
	defer release()

	timer := metrics.NewTimer()
	if err := o.builder.Start(ctx, app, d); err != nil {
		_ = o.transition(d, types.DeploymentError, "starting build: "+err.Error())
		return ""
	}

	deadline := time.NewTimer(o.cfg.BuildTimeout)
	defer deadline.Stop()

	select {
	case <-ctx.Done():
		_ = o.builder.Cancel(o.rootCtx, d.ID)
		_ = o.finishCancelled(d, l.cause())
		return ""
	case <-deadline.C:
		_ = o.builder.Cancel(o.rootCtx, d.ID)
		_ = o.transition(d, types.DeploymentError, "build timed out")
		return ""
	case res := <-results:
		if !res.Succeeded {
			_ = o.transition(d, types.DeploymentError, "build failed: "+res.Reason)
			return ""
		}
		timer.ObserveDuration(metrics.BuildDuration)
		image := res.ImageRef
		if image == "" {
			image = o.builder.ImageRef(app, d)
		}
		d.ImageRef = image
		if res.Reason == "" && d.Source.ImageDigest == "" {
			// Builders may include the pushed digest in the image ref.
			d.Source.ImageDigest = digestOf(image)
		}
		if err := o.store.UpdateDeployment(d); err != nil {
			_ = o.transition(d, types.DeploymentError, "persisting build result: "+err.Error())
			return ""
		}
		return image
	}
}

// runRollout executes the DEPLOYING stage for workload configs. From here
// the attempt is no longer cancellable.
func (o *Orchestrator) runRollout(ctx context.Context, l *appLoop, app *types.App, d *types.Deployment, image string) {
	if ctx.Err() != nil && d.Status.Cancellable() {
		_ = o.finishCancelled(d, l.cause())
		return
	}
	if err := o.transition(d, types.DeploymentDeploying, ""); err != nil {
		return
	}
	l.setStage(types.DeploymentDeploying)

	// Detached from the attempt ctx: a rollout in progress is allowed to
	// finish or fail on its own.
	deployCtx, cancel := context.WithTimeout(o.rootCtx, o.cfg.DeployTimeout)
	defer cancel()

	if err := o.platform.Apply(deployCtx, app, d, image); err != nil {
		_ = o.transition(d, types.DeploymentError, "applying cluster resources: "+err.Error())
		return
	}

	status, err := o.observer.Await(deployCtx, app.Namespace, d.ID, d.Config.Workload.Replicas, func(s *types.PodStatus) {
		d.PodStatus = s
		if err := o.store.UpdateDeployment(d); err == nil {
			o.broker.PublishDeployment(events.EventRolloutProgress, app.ID, d.ID, string(s.Phase))
		}
	})
	if err != nil {
		_ = o.transition(d, types.DeploymentError, "rollout did not become ready: "+err.Error())
		return
	}
	if status.Phase == types.PodPhaseFailed {
		_ = o.transition(d, types.DeploymentError, status.Message)
		return
	}

	o.complete(app, d)
}

// runChart executes a helm deployment: apply the chart runner Job and
// poll it to conclusion.
func (o *Orchestrator) runChart(ctx context.Context, l *appLoop, app *types.App, d *types.Deployment) {
	if ctx.Err() != nil {
		_ = o.finishCancelled(d, l.cause())
		return
	}
	if err := o.transition(d, types.DeploymentDeploying, ""); err != nil {
		return
	}
	l.setStage(types.DeploymentDeploying)

	deployCtx, cancel := context.WithTimeout(o.rootCtx, o.cfg.HelmTimeout)
	defer cancel()

	if err := o.platform.ApplyChart(deployCtx, app, d); err != nil {
		_ = o.transition(d, types.DeploymentError, "applying chart: "+err.Error())
		return
	}

	ticker := time.NewTicker(chartPollInterval)
	defer ticker.Stop()
	for {
		succeeded, done, reason, err := o.platform.ChartJobDone(deployCtx, app, d)
		if err == nil && done {
			if !succeeded {
				_ = o.transition(d, types.DeploymentError, "chart installation failed: "+reason)
				return
			}
			o.complete(app, d)
			return
		}

		select {
		case <-deployCtx.Done():
			_ = o.transition(d, types.DeploymentError, "chart installation timed out")
			return
		case <-ticker.C:
		}
	}
}

// complete settles a successful rollout and advances the active pointer
func (o *Orchestrator) complete(app *types.App, d *types.Deployment) {
	if err := o.transition(d, types.DeploymentComplete, ""); err != nil {
		return
	}
	// Reload: CDEnabled or the active pointer may have moved during the
	// rollout.
	fresh, err := o.store.GetApp(app.ID)
	if err != nil {
		return
	}
	o.activate(fresh, d)
}

// digestOf extracts a sha256 digest from an image reference, if present
func digestOf(image string) string {
	if idx := strings.Index(image, "@sha256:"); idx >= 0 {
		return image[idx+1:]
	}
	return ""
}
