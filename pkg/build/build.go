package build

import (
	"context"
	"fmt"
	"strings"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/informers"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/cache"

	"github.com/quarryhq/quarry/pkg/cluster"
	"github.com/quarryhq/quarry/pkg/log"
	"github.com/quarryhq/quarry/pkg/types"
)

// Result is the outcome of one build attempt
type Result struct {
	DeploymentID string
	Succeeded    bool
	ImageRef     string
	Reason       string
}

// Config holds build runner settings
type Config struct {
	// Namespace the build Jobs run in
	Namespace string
	// Registry is the destination registry prefix for built images
	Registry string
	// KanikoImage runs dockerfile builds
	KanikoImage string
	// RailpackImage runs buildpack-style builds
	RailpackImage string
	// RegistrySecret names a dockerconfig secret for pushing, optional
	RegistrySecret string
	// CallbackURL is the externally reachable base URL for build status
	// callbacks, optional
	CallbackURL string
}

// Runner executes git-source builds as cluster Jobs and reports their
// outcomes on a channel. Outcomes arrive either from the Job informer or
// from the build system's HTTP callback, whichever fires first; the
// consumer deduplicates.
type Runner struct {
	client  kubernetes.Interface
	cfg     Config
	results chan Result
}

// NewRunner creates a build runner
func NewRunner(client kubernetes.Interface, cfg Config) *Runner {
	if cfg.KanikoImage == "" {
		cfg.KanikoImage = "gcr.io/kaniko-project/executor:v1.23.2"
	}
	if cfg.RailpackImage == "" {
		cfg.RailpackImage = "ghcr.io/railwayapp/railpack:latest"
	}
	if cfg.Namespace == "" {
		cfg.Namespace = "quarry-builds"
	}
	return &Runner{
		client:  client,
		cfg:     cfg,
		results: make(chan Result, 64),
	}
}

// Results delivers build outcomes. One build may yield more than one
// result when the informer and the callback both report.
func (r *Runner) Results() <-chan Result {
	return r.results
}

// ImageRef is the destination reference a deployment's build pushes to
func (r *Runner) ImageRef(app *types.App, d *types.Deployment) string {
	return fmt.Sprintf("%s/%s:%s", r.cfg.Registry, app.Name, shortID(d.ID))
}

// Start submits the build Job for a git-source deployment
func (r *Runner) Start(ctx context.Context, app *types.App, d *types.Deployment) error {
	git := d.Config.Git
	if git == nil {
		return fmt.Errorf("deployment %s has no git source", d.ID)
	}

	job := r.buildJob(app, d, git)
	_, err := r.client.BatchV1().Jobs(r.cfg.Namespace).Create(ctx, job, metav1.CreateOptions{})
	if errors.IsAlreadyExists(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("create build job: %w", err)
	}
	log.WithDeployment(app.ID, d.ID).Info().
		Str("job", job.Name).
		Str("image", r.ImageRef(app, d)).
		Msg("Started build job")
	return nil
}

// Cancel deletes a deployment's build Job and its pods
func (r *Runner) Cancel(ctx context.Context, deploymentID string) error {
	propagation := metav1.DeletePropagationForeground
	err := r.client.BatchV1().Jobs(r.cfg.Namespace).Delete(ctx, jobName(deploymentID), metav1.DeleteOptions{
		PropagationPolicy: &propagation,
	})
	if err != nil && !errors.IsNotFound(err) {
		return fmt.Errorf("delete build job: %w", err)
	}
	return nil
}

// Report injects an externally reported build outcome, used by the HTTP
// status callback. imageRef may be empty for failures.
func (r *Runner) Report(deploymentID string, succeeded bool, imageRef, reason string) {
	select {
	case r.results <- Result{
		DeploymentID: deploymentID,
		Succeeded:    succeeded,
		ImageRef:     imageRef,
		Reason:       reason,
	}:
	default:
		log.WithComponent("build").Warn().
			Str("deployment_id", deploymentID).
			Msg("Dropping build result, channel full")
	}
}

// Watch runs the Job informer until ctx is cancelled, turning Job
// completions into Results.
func (r *Runner) Watch(ctx context.Context) error {
	factory := informers.NewSharedInformerFactoryWithOptions(
		r.client,
		0,
		informers.WithNamespace(r.cfg.Namespace),
	)
	jobInformer := factory.Batch().V1().Jobs().Informer()

	_, err := jobInformer.AddEventHandler(cache.ResourceEventHandlerFuncs{
		UpdateFunc: func(oldObj, newObj interface{}) {
			job, ok := newObj.(*batchv1.Job)
			if !ok {
				return
			}
			deploymentID, ok := job.Labels[cluster.LabelDeploymentID]
			if !ok {
				return
			}
			if succeeded, done, reason := jobOutcome(job); done {
				r.Report(deploymentID, succeeded, job.Annotations[annotationImageRef], reason)
			}
		},
	})
	if err != nil {
		return fmt.Errorf("register job handler: %w", err)
	}

	factory.Start(ctx.Done())
	factory.WaitForCacheSync(ctx.Done())

	<-ctx.Done()
	return ctx.Err()
}

const annotationImageRef = "quarry.dev/image-ref"

func jobOutcome(job *batchv1.Job) (succeeded, done bool, reason string) {
	for _, cond := range job.Status.Conditions {
		if cond.Type == batchv1.JobComplete && cond.Status == corev1.ConditionTrue {
			return true, true, ""
		}
		if cond.Type == batchv1.JobFailed && cond.Status == corev1.ConditionTrue {
			msg := cond.Message
			if msg == "" {
				msg = "build job failed"
			}
			return false, true, msg
		}
	}
	return false, false, ""
}

func (r *Runner) buildJob(app *types.App, d *types.Deployment, git *types.GitSource) *batchv1.Job {
	image := r.ImageRef(app, d)
	labels := map[string]string{
		cluster.LabelApp:          app.ID,
		cluster.LabelDeploymentID: d.ID,
		cluster.LabelManagedBy:    cluster.ManagerName,
	}

	var container corev1.Container
	switch git.Builder {
	case types.BuilderRailpack:
		container = r.railpackContainer(git, d, image)
	default:
		container = r.kanikoContainer(git, d, image)
	}

	if r.cfg.CallbackURL != "" {
		container.Env = append(container.Env,
			corev1.EnvVar{
				Name:  "QUARRY_CALLBACK_URL",
				Value: fmt.Sprintf("%s/internal/builds/%s/status", strings.TrimRight(r.cfg.CallbackURL, "/"), d.ID),
			},
			corev1.EnvVar{Name: "QUARRY_BUILD_TOKEN", Value: d.BuildToken},
		)
	}

	spec := corev1.PodSpec{
		RestartPolicy: corev1.RestartPolicyNever,
		Containers:    []corev1.Container{container},
	}
	if r.cfg.RegistrySecret != "" {
		spec.Volumes = []corev1.Volume{
			{
				Name: "docker-config",
				VolumeSource: corev1.VolumeSource{
					Secret: &corev1.SecretVolumeSource{
						SecretName: r.cfg.RegistrySecret,
						Items: []corev1.KeyToPath{
							{Key: ".dockerconfigjson", Path: "config.json"},
						},
					},
				},
			},
		}
		spec.Containers[0].VolumeMounts = append(spec.Containers[0].VolumeMounts, corev1.VolumeMount{
			Name: "docker-config", MountPath: "/kaniko/.docker", ReadOnly: true,
		})
	}

	ttl := int32(3600)
	backoff := int32(0)
	return &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      jobName(d.ID),
			Namespace: r.cfg.Namespace,
			Labels:    labels,
			Annotations: map[string]string{
				annotationImageRef: image,
			},
		},
		Spec: batchv1.JobSpec{
			BackoffLimit:            &backoff,
			TTLSecondsAfterFinished: &ttl,
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{
					Labels: labels,
					Annotations: map[string]string{
						annotationImageRef: image,
					},
				},
				Spec: spec,
			},
		},
	}
}

func (r *Runner) kanikoContainer(git *types.GitSource, d *types.Deployment, image string) corev1.Container {
	args := []string{
		fmt.Sprintf("--context=%s#%s", gitContext(git.RepositoryURL), d.Source.CommitHash),
		fmt.Sprintf("--destination=%s", image),
		"--cache=true",
	}
	if git.RootDir != "" && git.RootDir != "." {
		args = append(args, fmt.Sprintf("--context-sub-path=%s", git.RootDir))
	}
	if git.DockerfilePath != "" {
		args = append(args, fmt.Sprintf("--dockerfile=%s", git.DockerfilePath))
	}
	return corev1.Container{
		Name:  "kaniko",
		Image: r.cfg.KanikoImage,
		Args:  args,
	}
}

func (r *Runner) railpackContainer(git *types.GitSource, d *types.Deployment, image string) corev1.Container {
	return corev1.Container{
		Name:  "railpack",
		Image: r.cfg.RailpackImage,
		Env: []corev1.EnvVar{
			{Name: "RAILPACK_REPO_URL", Value: git.RepositoryURL},
			{Name: "RAILPACK_COMMIT", Value: d.Source.CommitHash},
			{Name: "RAILPACK_ROOT_DIR", Value: git.RootDir},
			{Name: "RAILPACK_DESTINATION", Value: image},
		},
	}
}

// gitContext rewrites an https clone URL into kaniko's git context scheme
func gitContext(repoURL string) string {
	if strings.HasPrefix(repoURL, "https://") || strings.HasPrefix(repoURL, "http://") {
		return "git://" + strings.TrimPrefix(strings.TrimPrefix(repoURL, "https://"), "http://")
	}
	return repoURL
}

func jobName(deploymentID string) string {
	return "build-" + shortID(deploymentID)
}

func shortID(id string) string {
	clean := strings.ReplaceAll(id, "-", "")
	if len(clean) > 12 {
		return clean[:12]
	}
	return clean
}
