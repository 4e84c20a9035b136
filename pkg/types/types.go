package types

import (
	"time"
)

// App represents a user-defined deployable unit with one configuration history
type App struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	DisplayName string `json:"display_name,omitempty"`
	OrgID       string `json:"org_id,omitempty"`
	GroupID     string `json:"group_id,omitempty"` // Optional app-group membership
	Namespace   string `json:"namespace"`          // Cluster namespace, immutable after creation
	CDEnabled   bool   `json:"cd_enabled"`

	// ActiveDeploymentID points at the deployment currently serving traffic.
	// Empty until a deployment first reaches COMPLETE. Mutated only through
	// the guarded selector write in storage.
	ActiveDeploymentID string `json:"active_deployment_id,omitempty"`

	// LockedEnvNames is the set of env var names that have ever been marked
	// sensitive in a deployment of this app. Once a name is in this set its
	// sensitivity flag and its name are fixed.
	LockedEnvNames []string `json:"locked_env_names,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// LockedEnvSet returns the sensitive-name lock set as a lookup map.
func (a *App) LockedEnvSet() map[string]bool {
	set := make(map[string]bool, len(a.LockedEnvNames))
	for _, name := range a.LockedEnvNames {
		set[name] = true
	}
	return set
}

// DeploymentStatus represents the lifecycle state of a deployment
type DeploymentStatus string

const (
	DeploymentQueued    DeploymentStatus = "queued"
	DeploymentPending   DeploymentStatus = "pending"
	DeploymentBuilding  DeploymentStatus = "building"
	DeploymentDeploying DeploymentStatus = "deploying"
	DeploymentComplete  DeploymentStatus = "complete"
	DeploymentError     DeploymentStatus = "error"
	DeploymentCancelled DeploymentStatus = "cancelled"
	DeploymentStopped   DeploymentStatus = "stopped"
)

// Terminal reports whether the status is a terminal state. COMPLETE is
// terminal for the state machine even though a completed deployment can
// later be stopped.
func (s DeploymentStatus) Terminal() bool {
	switch s {
	case DeploymentComplete, DeploymentError, DeploymentCancelled, DeploymentStopped:
		return true
	}
	return false
}

// Cancellable reports whether a deployment in this status may still be
// cancelled. A deployment that has begun replacing live traffic is allowed
// to finish or fail on its own.
func (s DeploymentStatus) Cancellable() bool {
	switch s {
	case DeploymentQueued, DeploymentPending, DeploymentBuilding:
		return true
	}
	return false
}

// SourceKind identifies which variant of the DeploymentConfig union is set
type SourceKind string

const (
	SourceGit   SourceKind = "git"
	SourceImage SourceKind = "image"
	SourceHelm  SourceKind = "helm"
)

// GitEvent is the git-provider event kind that triggers CD for a git source
type GitEvent string

const (
	GitEventPush        GitEvent = "push"
	GitEventWorkflowRun GitEvent = "workflow_run"
)

// ImageBuilder selects how a git source is turned into an image
type ImageBuilder string

const (
	BuilderDockerfile ImageBuilder = "dockerfile"
	BuilderRailpack   ImageBuilder = "railpack"
)

// GitSource describes a repository-backed source
type GitSource struct {
	RepositoryID   string       `json:"repository_id,omitempty"`
	RepositoryURL  string       `json:"repository_url"`
	Branch         string       `json:"branch"`
	Event          GitEvent     `json:"event"`
	WorkflowID     string       `json:"workflow_id,omitempty"` // Required when Event is workflow_run
	RootDir        string       `json:"root_dir,omitempty"`
	Builder        ImageBuilder `json:"builder"`
	DockerfilePath string       `json:"dockerfile_path,omitempty"` // Required when Builder is dockerfile
}

// ImageSource describes a prebuilt container image source
type ImageSource struct {
	Reference string `json:"reference"`
}

// HelmSource describes a packaged chart source
type HelmSource struct {
	Chart   string                 `json:"chart"`
	Version string                 `json:"version,omitempty"`
	Values  map[string]interface{} `json:"values,omitempty"`
}

// EnvVar is a single environment variable in a workload config
type EnvVar struct {
	Name      string `json:"name"`
	Value     string `json:"value"`
	Sensitive bool   `json:"sensitive,omitempty"`
}

// VolumeMount defines a persistent mount for a workload
type VolumeMount struct {
	Path      string `json:"path"`
	SizeBytes int64  `json:"size_bytes"`
}

// Resources defines a CPU/memory request or limit pair
type Resources struct {
	CPUMillis   int64 `json:"cpu_millis"`
	MemoryBytes int64 `json:"memory_bytes"`
}

// Workload holds the settings shared by git and image sources: how the
// resolved image runs on the cluster.
type Workload struct {
	Port          int           `json:"port"`
	Replicas      int           `json:"replicas"`
	Requests      Resources     `json:"requests"`
	Limits        Resources     `json:"limits"`
	Env           []EnvVar      `json:"env,omitempty"`
	Mounts        []VolumeMount `json:"mounts,omitempty"`
	CreateIngress bool          `json:"create_ingress"`
	Subdomain     string        `json:"subdomain,omitempty"`
	CollectLogs   bool          `json:"collect_logs"`
	PostStart     []string      `json:"post_start,omitempty"`
	PreStop       []string      `json:"pre_stop,omitempty"`
}

// DeploymentConfig is a tagged union over the three source kinds. Exactly
// one of Git, Image, or Helm is populated, matching Source. Workload is set
// for git and image sources and nil for helm.
type DeploymentConfig struct {
	Source   SourceKind   `json:"source"`
	Git      *GitSource   `json:"git,omitempty"`
	Image    *ImageSource `json:"image,omitempty"`
	Helm     *HelmSource  `json:"helm,omitempty"`
	Workload *Workload    `json:"workload,omitempty"`
}

// NeedsBuild reports whether this config requires a build stage before the
// rollout can begin.
func (c *DeploymentConfig) NeedsBuild() bool {
	return c.Source == SourceGit
}

// SourceRef is the resolved source pointer recorded on a deployment
type SourceRef struct {
	CommitHash    string `json:"commit_hash,omitempty"`
	CommitMessage string `json:"commit_message,omitempty"`
	ImageDigest   string `json:"image_digest,omitempty"`
}

// PodPhase summarizes rollout health for a deployment's own pods
type PodPhase string

const (
	PodPhaseProgressing PodPhase = "progressing"
	PodPhaseReady       PodPhase = "ready"
	PodPhaseFailed      PodPhase = "failed"
)

// PodStatus is the aggregated pod snapshot maintained by the rollout tracker
type PodStatus struct {
	Scheduled  int       `json:"scheduled"`
	Ready      int       `json:"ready"`
	Total      int       `json:"total"`
	Phase      PodPhase  `json:"phase"`
	Message    string    `json:"message,omitempty"` // Failure detail when Phase is failed
	ObservedAt time.Time `json:"observed_at"`
}

// Deployment is one immutable build/rollout attempt for an App. The config
// is a snapshot, not a reference: history never changes under a deployment.
type Deployment struct {
	ID    string `json:"id"`
	AppID string `json:"app_id"`

	// Seq is a per-app monotonic sequence assigned at creation. It totally
	// orders an app's deployments and backs the active-pointer guard.
	Seq uint64 `json:"seq"`

	Config   DeploymentConfig `json:"config"`
	Source   SourceRef        `json:"source_ref,omitempty"`
	ImageRef string           `json:"image_ref,omitempty"` // Resolved image, set after a successful build

	Status DeploymentStatus `json:"status"`
	Reason string           `json:"reason,omitempty"` // Failure reason when Status is error

	// BuildToken authenticates the build system's status callback for this
	// deployment. The API layer never serves it.
	BuildToken string `json:"build_token,omitempty"`

	PodStatus *PodStatus `json:"pod_status,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TriggerKind identifies how a DeploymentRequest came to exist
type TriggerKind string

const (
	TriggerPush         TriggerKind = "push"
	TriggerWorkflowRun  TriggerKind = "workflow_run"
	TriggerRedeploy     TriggerKind = "redeploy"
	TriggerRollback     TriggerKind = "rollback"
	TriggerConfigUpdate TriggerKind = "config_update"
)

// Automatic reports whether the trigger is produced by source-control
// activity. Only automatic triggers pass through the CD gate.
func (t TriggerKind) Automatic() bool {
	return t == TriggerPush || t == TriggerWorkflowRun
}

// TemplateMode selects what a template deployment contributes to a request
type TemplateMode string

const (
	// TemplateModeSource reuses the template's build artifact with the
	// app's current configuration.
	TemplateModeSource TemplateMode = "source"

	// TemplateModeConfig reuses the template's full configuration.
	TemplateModeConfig TemplateMode = "config"
)

// DeploymentRequest is the normalized output of trigger ingestion. It is
// ephemeral: requests are handed to the orchestrator and never persisted.
type DeploymentRequest struct {
	AppID   string      `json:"app_id"`
	Trigger TriggerKind `json:"trigger"`

	// Delta carries field overrides for the resolved config; nil fields
	// inherit from the base config.
	Delta *ConfigDelta `json:"delta,omitempty"`

	// TemplateDeploymentID names a prior deployment whose source or whole
	// config is reused, per TemplateMode.
	TemplateDeploymentID string       `json:"template_deployment_id,omitempty"`
	TemplateMode         TemplateMode `json:"template_mode,omitempty"`

	// SourceRef is set for automatic triggers, where the webhook already
	// resolved the commit.
	SourceRef *SourceRef `json:"source_ref,omitempty"`
}

// ConfigDelta is a partial workload config. Nil pointer fields are absent
// and inherit from the base; non-nil fields override it.
type ConfigDelta struct {
	Port          *int          `json:"port,omitempty"`
	Replicas      *int          `json:"replicas,omitempty"`
	Requests      *Resources    `json:"requests,omitempty"`
	Limits        *Resources    `json:"limits,omitempty"`
	Env           []EnvVar      `json:"env,omitempty"` // nil means absent; empty slice clears
	Mounts        []VolumeMount `json:"mounts,omitempty"`
	CreateIngress *bool         `json:"create_ingress,omitempty"`
	Subdomain     *string       `json:"subdomain,omitempty"`
	CollectLogs   *bool         `json:"collect_logs,omitempty"`
	PostStart     []string      `json:"post_start,omitempty"`
	PreStop       []string      `json:"pre_stop,omitempty"`

	// Source overrides. At most one may be set and it replaces the base
	// config's source variant entirely.
	Git   *GitSource   `json:"git,omitempty"`
	Image *ImageSource `json:"image,omitempty"`
	Helm  *HelmSource  `json:"helm,omitempty"`
}

// ReplacesSource reports whether the delta swaps the source variant.
// A delta that replaces the source forfeits build-artifact reuse.
func (d *ConfigDelta) ReplacesSource() bool {
	return d != nil && (d.Git != nil || d.Image != nil || d.Helm != nil)
}
