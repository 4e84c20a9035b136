package orchestrator

import (
	"errors"
	"fmt"
	"time"

	"github.com/quarryhq/quarry/pkg/events"
	"github.com/quarryhq/quarry/pkg/log"
	"github.com/quarryhq/quarry/pkg/metrics"
	"github.com/quarryhq/quarry/pkg/storage"
	"github.com/quarryhq/quarry/pkg/types"
)

// allowedTransitions encodes the deployment state machine. Image and helm
// sources skip BUILDING by going PENDING → DEPLOYING directly.
var allowedTransitions = map[types.DeploymentStatus][]types.DeploymentStatus{
	types.DeploymentQueued:    {types.DeploymentPending, types.DeploymentCancelled},
	types.DeploymentPending:   {types.DeploymentBuilding, types.DeploymentDeploying, types.DeploymentError, types.DeploymentCancelled},
	types.DeploymentBuilding:  {types.DeploymentDeploying, types.DeploymentError, types.DeploymentCancelled},
	types.DeploymentDeploying: {types.DeploymentComplete, types.DeploymentError},
	types.DeploymentComplete:  {types.DeploymentStopped},
}

func transitionAllowed(from, to types.DeploymentStatus) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

var statusEvents = map[types.DeploymentStatus]events.EventType{
	types.DeploymentPending:   events.EventDeploymentStarted,
	types.DeploymentBuilding:  events.EventDeploymentBuilding,
	types.DeploymentDeploying: events.EventDeploymentDeploying,
	types.DeploymentComplete:  events.EventDeploymentCompleted,
	types.DeploymentError:     events.EventDeploymentFailed,
	types.DeploymentCancelled: events.EventDeploymentCancelled,
	types.DeploymentStopped:   events.EventDeploymentStopped,
}

// transition moves a deployment to the next status, persists it, and
// publishes the matching event. Reason is recorded for failures and
// cancellations.
func (o *Orchestrator) transition(d *types.Deployment, to types.DeploymentStatus, reason string) error {
	if !transitionAllowed(d.Status, to) {
		return fmt.Errorf("invalid transition %s -> %s for deployment %s", d.Status, to, d.ID)
	}

	from := d.Status
	d.Status = to
	d.Reason = reason
	// Guarded write: if the stored status moved underneath us, e.g. a
	// concurrent user cancel settled the deployment between our read and
	// this write, the transition loses and the settled state stands.
	if err := o.store.TransitionDeployment(d, from); err != nil {
		d.Status = from
		return fmt.Errorf("persisting transition %s -> %s: %w", from, to, err)
	}

	logger := log.WithDeployment(d.AppID, d.ID)
	evt := logger.Info().Str("from", string(from)).Str("to", string(to))
	if reason != "" {
		evt = evt.Str("reason", reason)
	}
	evt.Msg("Deployment transitioned")

	o.broker.PublishDeployment(statusEvents[to], d.AppID, d.ID, reason)

	if to.Terminal() {
		outcome := string(to)
		metrics.DeploymentDuration.WithLabelValues(outcome).Observe(time.Since(d.CreatedAt).Seconds())
	}
	return nil
}

// finishCancelled settles a cancellable deployment as CANCELLED and stops
// any build job it may have started.
func (o *Orchestrator) finishCancelled(d *types.Deployment, reason string) error {
	fresh, err := o.store.GetDeployment(d.ID)
	if err != nil {
		return err
	}
	if !fresh.Status.Cancellable() {
		return ErrNotCancellable
	}
	if fresh.Status == types.DeploymentBuilding {
		if err := o.builder.Cancel(o.rootCtx, fresh.ID); err != nil {
			log.WithDeployment(fresh.AppID, fresh.ID).Warn().Err(err).Msg("Cancelling build job")
		}
	}
	return o.transition(fresh, types.DeploymentCancelled, reason)
}

// activate advances the app's active pointer to a completed deployment.
// Losing the monotonic race to a newer deployment is not an error: the
// pointer simply never regresses.
func (o *Orchestrator) activate(app *types.App, d *types.Deployment) {
	prevID := app.ActiveDeploymentID

	if err := o.store.SetActiveDeployment(app.ID, d.ID); err != nil {
		if errors.Is(err, storage.ErrStaleActivation) {
			metrics.StaleActivations.Inc()
			log.WithDeployment(app.ID, d.ID).Info().Msg("Skipping activation, a newer deployment is already active")
			return
		}
		log.WithDeployment(app.ID, d.ID).Error().Err(err).Msg("Advancing active deployment")
		return
	}
	metrics.ActiveSwitches.Inc()
	o.broker.Publish(&events.Event{
		Type:         events.EventAppActiveChanged,
		AppID:        app.ID,
		DeploymentID: d.ID,
	})

	o.releaseStaleSubdomain(app, prevID, d)
}

// releaseStaleSubdomain frees the previous config's subdomain claim when a
// rollout changed or dropped it.
func (o *Orchestrator) releaseStaleSubdomain(app *types.App, prevID string, d *types.Deployment) {
	if prevID == "" || prevID == d.ID {
		return
	}
	prev, err := o.store.GetDeployment(prevID)
	if err != nil || prev.Config.Workload == nil || !prev.Config.Workload.CreateIngress {
		return
	}
	oldSub := prev.Config.Workload.Subdomain
	newSub := ""
	if d.Config.Workload != nil && d.Config.Workload.CreateIngress {
		newSub = d.Config.Workload.Subdomain
	}
	if oldSub == "" || oldSub == newSub {
		return
	}
	if err := o.store.ReleaseSubdomain(oldSub, app.ID); err != nil {
		log.WithApp(app.ID).Warn().Err(err).Str("subdomain", oldSub).Msg("Releasing superseded subdomain claim")
	}
}
