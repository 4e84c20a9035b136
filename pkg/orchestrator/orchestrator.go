package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quarryhq/quarry/pkg/build"
	"github.com/quarryhq/quarry/pkg/events"
	"github.com/quarryhq/quarry/pkg/log"
	"github.com/quarryhq/quarry/pkg/metrics"
	"github.com/quarryhq/quarry/pkg/resolver"
	"github.com/quarryhq/quarry/pkg/security"
	"github.com/quarryhq/quarry/pkg/storage"
	"github.com/quarryhq/quarry/pkg/types"
)

// ClusterPlatform is the cluster surface the orchestrator drives
type ClusterPlatform interface {
	Apply(ctx context.Context, app *types.App, d *types.Deployment, image string) error
	ApplyChart(ctx context.Context, app *types.App, d *types.Deployment) error
	ChartJobDone(ctx context.Context, app *types.App, d *types.Deployment) (succeeded bool, done bool, reason string, err error)
	Stop(ctx context.Context, app *types.App) error
	Teardown(ctx context.Context, app *types.App) error
}

// BuildRunner executes git-source builds
type BuildRunner interface {
	Start(ctx context.Context, app *types.App, d *types.Deployment) error
	Cancel(ctx context.Context, deploymentID string) error
	ImageRef(app *types.App, d *types.Deployment) string
	Results() <-chan build.Result
}

// PodObserver watches a deployment's pods
type PodObserver interface {
	Observe(ctx context.Context, namespace, deploymentID string, desired int) (*types.PodStatus, error)
	Await(ctx context.Context, namespace, deploymentID string, desired int, onUpdate func(*types.PodStatus)) (*types.PodStatus, error)
}

// Config holds orchestrator timeouts
type Config struct {
	BuildTimeout  time.Duration
	DeployTimeout time.Duration
	HelmTimeout   time.Duration
	// RefreshInterval is the slow cadence for refreshing the pod snapshot
	// of completed deployments. Zero disables the refresher.
	RefreshInterval time.Duration
}

// DefaultConfig returns the default orchestrator timeouts
func DefaultConfig() Config {
	return Config{
		BuildTimeout:    30 * time.Minute,
		DeployTimeout:   15 * time.Minute,
		HelmTimeout:     10 * time.Minute,
		RefreshInterval: 60 * time.Second,
	}
}

// ErrBusy is returned when an operation conflicts with an in-flight
// deployment that cannot be displaced.
var ErrBusy = errors.New("a deployment is already in flight")

// ErrNotCancellable is returned when cancelling a deployment that has
// already begun replacing live traffic or is finished.
var ErrNotCancellable = errors.New("deployment is no longer cancellable")

// Orchestrator owns the deployment lifecycle. Each app gets its own
// serialized loop; apps proceed in parallel.
type Orchestrator struct {
	store    storage.Store
	platform ClusterPlatform
	builder  BuildRunner
	observer PodObserver
	broker   *events.Broker
	cipher   *security.EnvCipher
	cfg      Config

	mu      sync.Mutex
	loops   map[string]*appLoop
	waiters map[string]chan build.Result

	rootCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates an orchestrator
func New(store storage.Store, platform ClusterPlatform, builder BuildRunner, observer PodObserver, broker *events.Broker, cipher *security.EnvCipher, cfg Config) *Orchestrator {
	return &Orchestrator{
		store:    store,
		platform: platform,
		builder:  builder,
		observer: observer,
		broker:   broker,
		cipher:   cipher,
		cfg:      cfg,
		loops:    make(map[string]*appLoop),
		waiters:  make(map[string]chan build.Result),
	}
}

// Start launches the background routines: build-result routing and the
// slow snapshot refresher.
func (o *Orchestrator) Start(ctx context.Context) {
	o.rootCtx, o.cancel = context.WithCancel(ctx)

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.routeBuildResults()
	}()

	if o.cfg.RefreshInterval > 0 {
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			o.refreshLoop()
		}()
	}
	metrics.RegisterComponent("orchestrator", true, "")
}

// Shutdown cancels every in-flight attempt and waits for the loops to
// drain. In-flight deployments stay in their current persisted state and
// resume as ERRORed or stuck records on next startup inspection.
func (o *Orchestrator) Shutdown() {
	if o.cancel != nil {
		o.cancel()
	}
	o.wg.Wait()
}

// Submit admits a deployment request: resolves the config, claims the
// subdomain, persists the QUEUED record, and hands it to the app's loop.
// It implements ingest.Submitter.
func (o *Orchestrator) Submit(ctx context.Context, req *types.DeploymentRequest) (*types.Deployment, error) {
	app, err := o.store.GetApp(req.AppID)
	if err != nil {
		return nil, err
	}

	d, err := o.admit(app, req)
	if err != nil {
		return nil, err
	}

	if err := o.store.CreateDeployment(d); err != nil {
		return nil, err
	}
	o.broker.PublishDeployment(events.EventDeploymentQueued, app.ID, d.ID, string(req.Trigger))
	log.WithDeployment(app.ID, d.ID).Info().
		Str("trigger", string(req.Trigger)).
		Str("source", string(d.Config.Source)).
		Msg("Deployment queued")

	o.loopFor(app.ID).enqueue(d.ID)
	return d, nil
}

// admit resolves and validates the request into a QUEUED deployment
// record, claiming the subdomain on the way. Nothing is persisted here.
func (o *Orchestrator) admit(app *types.App, req *types.DeploymentRequest) (*types.Deployment, error) {
	var template *types.Deployment
	if req.TemplateDeploymentID != "" {
		t, err := o.store.GetDeployment(req.TemplateDeploymentID)
		if err != nil {
			return nil, fmt.Errorf("template deployment: %w", err)
		}
		if t.AppID != app.ID {
			return nil, fmt.Errorf("template deployment belongs to another app")
		}
		template = t
	}

	base, fallback := o.resolveInputs(app, req, template)

	// Resolution works on plaintext so sensitive inheritance can copy
	// previous values; the stored snapshot is sealed again below.
	base, err := o.openConfig(base)
	if err != nil {
		return nil, err
	}
	fallback, err = o.openConfig(fallback)
	if err != nil {
		return nil, err
	}

	cfg, err := resolver.Resolve(base, fallback, req.Delta, app.LockedEnvSet())
	if err != nil {
		return nil, err
	}

	if cfg.Workload != nil && cfg.Workload.CreateIngress {
		if err := o.store.ClaimSubdomain(cfg.Workload.Subdomain, app.ID); err != nil {
			return nil, err
		}
	}

	if cfg.Workload != nil {
		sealed, err := o.cipher.SealEnv(cfg.Workload.Env)
		if err != nil {
			return nil, err
		}
		cfg.Workload.Env = sealed
	}

	d := &types.Deployment{
		ID:         uuid.NewString(),
		AppID:      app.ID,
		Config:     *cfg,
		Status:     types.DeploymentQueued,
		BuildToken: uuid.NewString(),
	}
	if req.SourceRef != nil {
		d.Source = *req.SourceRef
	}

	// Reusing a template's build artifact: carry its image and source
	// pointer so the attempt skips the build stage.
	if template != nil && req.TemplateMode == types.TemplateModeSource {
		d.ImageRef = template.ImageRef
		d.Source = template.Source
	}

	// A config update with no template redeploys the active deployment's
	// artifact under the new settings. The artifact only changes when the
	// delta replaces the source.
	if template == nil && req.Trigger == types.TriggerConfigUpdate &&
		!req.Delta.ReplacesSource() && app.ActiveDeploymentID != "" {
		if active, err := o.store.GetDeployment(app.ActiveDeploymentID); err == nil {
			d.ImageRef = active.ImageRef
			d.Source = active.Source
		}
	}
	return d, nil
}

// resolveInputs picks the base and fallback snapshots per template mode
func (o *Orchestrator) resolveInputs(app *types.App, req *types.DeploymentRequest, template *types.Deployment) (*types.DeploymentConfig, *types.DeploymentConfig) {
	current := o.currentConfig(app)

	if template == nil {
		return current, nil
	}
	if req.TemplateMode == types.TemplateModeConfig {
		return &template.Config, current
	}
	return current, &template.Config
}

func (o *Orchestrator) currentConfig(app *types.App) *types.DeploymentConfig {
	if app.ActiveDeploymentID != "" {
		if d, err := o.store.GetDeployment(app.ActiveDeploymentID); err == nil {
			return &d.Config
		}
	}
	latest, _, err := o.store.ListDeployments(app.ID, 1, 1)
	if err != nil || len(latest) == 0 {
		return nil
	}
	return &latest[0].Config
}

func (o *Orchestrator) openConfig(cfg *types.DeploymentConfig) (*types.DeploymentConfig, error) {
	if cfg == nil || cfg.Workload == nil {
		return cfg, nil
	}
	opened, err := o.cipher.OpenEnv(cfg.Workload.Env)
	if err != nil {
		return nil, err
	}
	clone := *cfg
	w := *cfg.Workload
	w.Env = opened
	clone.Workload = &w
	return &clone, nil
}

// Cancel cancels a deployment by user request. Only QUEUED, PENDING, and
// BUILDING attempts can be cancelled.
func (o *Orchestrator) Cancel(ctx context.Context, deploymentID string) error {
	d, err := o.store.GetDeployment(deploymentID)
	if err != nil {
		return err
	}
	if !d.Status.Cancellable() {
		return ErrNotCancellable
	}

	loop := o.loopFor(d.AppID)
	if loop.cancelAttempt(deploymentID) {
		// The running attempt observes the cancellation at its next
		// transition boundary.
		return nil
	}

	// Not running: it is queued or already settled. Re-check and finish
	// it directly.
	return o.finishCancelled(d, "cancelled by user")
}

// StopApp transitions the app's active COMPLETE deployment to STOPPED and
// removes its serving resources.
func (o *Orchestrator) StopApp(ctx context.Context, appID string) error {
	app, err := o.store.GetApp(appID)
	if err != nil {
		return err
	}
	if app.ActiveDeploymentID == "" {
		return fmt.Errorf("app %s has no active deployment", appID)
	}
	d, err := o.store.GetDeployment(app.ActiveDeploymentID)
	if err != nil {
		return err
	}
	if d.Status != types.DeploymentComplete {
		return fmt.Errorf("active deployment is %s, only complete deployments can be stopped", d.Status)
	}

	if err := o.platform.Stop(ctx, app); err != nil {
		return err
	}
	if err := o.transition(d, types.DeploymentStopped, ""); err != nil {
		return err
	}
	return nil
}

// RemoveApp cancels any in-flight work, tears down the app's cluster
// resources, and cascades the delete through the store.
func (o *Orchestrator) RemoveApp(ctx context.Context, appID string) error {
	app, err := o.store.GetApp(appID)
	if err != nil {
		return err
	}

	o.mu.Lock()
	loop := o.loops[appID]
	delete(o.loops, appID)
	o.mu.Unlock()
	if loop != nil {
		loop.stop()
	}

	if err := o.platform.Teardown(ctx, app); err != nil {
		return err
	}
	if err := o.store.DeleteApp(appID); err != nil {
		return err
	}
	o.broker.Publish(&events.Event{Type: events.EventAppDeleted, AppID: appID})
	return nil
}

// routeBuildResults fans the runner's result stream out to per-deployment
// waiters. Results for deployments nobody is waiting on are dropped; they
// are duplicates or arrived after a supersede.
func (o *Orchestrator) routeBuildResults() {
	for {
		select {
		case <-o.rootCtx.Done():
			return
		case res := <-o.builder.Results():
			o.mu.Lock()
			ch := o.waiters[res.DeploymentID]
			o.mu.Unlock()
			if ch == nil {
				continue
			}
			select {
			case ch <- res:
			default:
			}
		}
	}
}

func (o *Orchestrator) buildWaiter(deploymentID string) (<-chan build.Result, func()) {
	ch := make(chan build.Result, 1)
	o.mu.Lock()
	o.waiters[deploymentID] = ch
	o.mu.Unlock()
	return ch, func() {
		o.mu.Lock()
		delete(o.waiters, deploymentID)
		o.mu.Unlock()
	}
}

// refreshLoop keeps the pod snapshot of active deployments fresh at a slow
// cadence. It never transitions state.
func (o *Orchestrator) refreshLoop() {
	ticker := time.NewTicker(o.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-o.rootCtx.Done():
			return
		case <-ticker.C:
			o.refreshSnapshots()
		}
	}
}

func (o *Orchestrator) refreshSnapshots() {
	apps, err := o.store.ListApps()
	if err != nil {
		return
	}
	for _, app := range apps {
		if app.ActiveDeploymentID == "" {
			continue
		}
		d, err := o.store.GetDeployment(app.ActiveDeploymentID)
		if err != nil || d.Status != types.DeploymentComplete || d.Config.Workload == nil {
			continue
		}
		status, err := o.observer.Observe(o.rootCtx, app.Namespace, d.ID, d.Config.Workload.Replicas)
		if err != nil {
			continue
		}
		d.PodStatus = status
		if err := o.store.UpdateDeployment(d); err == nil {
			o.broker.PublishDeployment(events.EventRolloutProgress, app.ID, d.ID, string(status.Phase))
		}
	}
}

func (o *Orchestrator) loopFor(appID string) *appLoop {
	o.mu.Lock()
	defer o.mu.Unlock()
	loop, ok := o.loops[appID]
	if !ok {
		loop = newAppLoop(o, appID)
		o.loops[appID] = loop
	}
	return loop
}
