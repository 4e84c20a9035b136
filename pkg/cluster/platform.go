package cluster

import (
	"context"
	"fmt"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	"k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/quarryhq/quarry/pkg/log"
	"github.com/quarryhq/quarry/pkg/security"
	"github.com/quarryhq/quarry/pkg/types"
)

// Platform renders resolved configs into cluster objects and applies them.
// All objects for an app live in the app's own namespace and carry the
// platform labels, so teardown is a label-driven sweep.
type Platform struct {
	client       kubernetes.Interface
	cipher       *security.EnvCipher
	baseDomain   string
	ingressClass string
}

// NewPlatform creates a cluster platform. baseDomain is the parent domain
// ingress hosts are minted under; ingressClass may be empty for the
// cluster default.
func NewPlatform(client kubernetes.Interface, cipher *security.EnvCipher, baseDomain, ingressClass string) *Platform {
	return &Platform{
		client:       client,
		cipher:       cipher,
		baseDomain:   baseDomain,
		ingressClass: ingressClass,
	}
}

// Client exposes the underlying clientset for the rollout tracker and the
// build runner, which share the connection.
func (p *Platform) Client() kubernetes.Interface {
	return p.client
}

// Apply creates or updates every object a deployment needs: namespace,
// secret, PVCs, workload, service, and optionally ingress. image is the
// resolved container image for git and image sources.
func (p *Platform) Apply(ctx context.Context, app *types.App, d *types.Deployment, image string) error {
	if d.Config.Source == types.SourceHelm {
		return fmt.Errorf("helm configs are applied through the chart runner, not Apply")
	}
	w := d.Config.Workload
	if w == nil {
		return fmt.Errorf("deployment %s has no workload config", d.ID)
	}

	env, err := p.cipher.OpenEnv(w.Env)
	if err != nil {
		return fmt.Errorf("unsealing env for %s: %w", d.ID, err)
	}

	if err := p.ensureNamespace(ctx, app); err != nil {
		return fmt.Errorf("ensure namespace %s: %w", app.Namespace, err)
	}
	if err := p.applySecret(ctx, p.buildSecret(app, d, env)); err != nil {
		return fmt.Errorf("apply secret: %w", err)
	}
	for i, mount := range w.Mounts {
		if err := p.applyPVC(ctx, p.buildPVC(app, d, i, mount)); err != nil {
			return fmt.Errorf("apply volume %s: %w", mount.Path, err)
		}
	}
	if err := p.applyDeployment(ctx, p.buildDeployment(app, d, image, env)); err != nil {
		return fmt.Errorf("apply deployment: %w", err)
	}
	if err := p.applyService(ctx, p.buildService(app, d)); err != nil {
		return fmt.Errorf("apply service: %w", err)
	}

	if w.CreateIngress {
		if err := p.applyIngress(ctx, p.buildIngress(app, d)); err != nil {
			return fmt.Errorf("apply ingress: %w", err)
		}
	} else if err := p.deleteIngress(ctx, app); err != nil {
		return fmt.Errorf("remove ingress: %w", err)
	}

	log.WithDeployment(app.ID, d.ID).Info().
		Str("namespace", app.Namespace).
		Str("image", image).
		Msg("Applied cluster resources")
	return nil
}

// Stop removes the serving objects of an app but keeps its namespace,
// secret, and volumes, so a later deployment resumes with data intact.
func (p *Platform) Stop(ctx context.Context, app *types.App) error {
	if err := p.client.AppsV1().Deployments(app.Namespace).Delete(ctx, app.Name, metav1.DeleteOptions{}); err != nil && !errors.IsNotFound(err) {
		return fmt.Errorf("delete deployment %s: %w", app.Name, err)
	}
	if err := p.deleteIngress(ctx, app); err != nil {
		return err
	}
	log.WithApp(app.ID).Info().Str("namespace", app.Namespace).Msg("Stopped serving resources")
	return nil
}

// Teardown removes everything the app owns by deleting its namespace. The
// namespace is claimed exclusively at app creation, so nothing else lives
// in it.
func (p *Platform) Teardown(ctx context.Context, app *types.App) error {
	err := p.client.CoreV1().Namespaces().Delete(ctx, app.Namespace, metav1.DeleteOptions{})
	if err != nil && !errors.IsNotFound(err) {
		return fmt.Errorf("delete namespace %s: %w", app.Namespace, err)
	}
	log.WithApp(app.ID).Info().Str("namespace", app.Namespace).Msg("Tore down cluster resources")
	return nil
}

func (p *Platform) ensureNamespace(ctx context.Context, app *types.App) error {
	_, err := p.client.CoreV1().Namespaces().Get(ctx, app.Namespace, metav1.GetOptions{})
	if err == nil {
		return nil
	}
	if !errors.IsNotFound(err) {
		return err
	}
	_, err = p.client.CoreV1().Namespaces().Create(ctx, &corev1.Namespace{
		ObjectMeta: metav1.ObjectMeta{
			Name: app.Namespace,
			Labels: map[string]string{
				LabelApp:       app.ID,
				LabelManagedBy: ManagerName,
			},
		},
	}, metav1.CreateOptions{})
	if errors.IsAlreadyExists(err) {
		return nil
	}
	return err
}

func (p *Platform) applyDeployment(ctx context.Context, deploy *appsv1.Deployment) error {
	client := p.client.AppsV1().Deployments(deploy.Namespace)
	existing, err := client.Get(ctx, deploy.Name, metav1.GetOptions{})
	if errors.IsNotFound(err) {
		_, err = client.Create(ctx, deploy, metav1.CreateOptions{})
		return err
	}
	if err != nil {
		return err
	}
	existing.Labels = deploy.Labels
	existing.Spec = deploy.Spec
	_, err = client.Update(ctx, existing, metav1.UpdateOptions{})
	return err
}

func (p *Platform) applyService(ctx context.Context, svc *corev1.Service) error {
	client := p.client.CoreV1().Services(svc.Namespace)
	existing, err := client.Get(ctx, svc.Name, metav1.GetOptions{})
	if errors.IsNotFound(err) {
		_, err = client.Create(ctx, svc, metav1.CreateOptions{})
		return err
	}
	if err != nil {
		return err
	}
	existing.Labels = svc.Labels
	existing.Spec.Selector = svc.Spec.Selector
	existing.Spec.Ports = svc.Spec.Ports
	_, err = client.Update(ctx, existing, metav1.UpdateOptions{})
	return err
}

func (p *Platform) applyIngress(ctx context.Context, ing *networkingv1.Ingress) error {
	client := p.client.NetworkingV1().Ingresses(ing.Namespace)
	existing, err := client.Get(ctx, ing.Name, metav1.GetOptions{})
	if errors.IsNotFound(err) {
		_, err = client.Create(ctx, ing, metav1.CreateOptions{})
		return err
	}
	if err != nil {
		return err
	}
	existing.Labels = ing.Labels
	existing.Spec = ing.Spec
	_, err = client.Update(ctx, existing, metav1.UpdateOptions{})
	return err
}

func (p *Platform) applySecret(ctx context.Context, secret *corev1.Secret) error {
	client := p.client.CoreV1().Secrets(secret.Namespace)
	existing, err := client.Get(ctx, secret.Name, metav1.GetOptions{})
	if errors.IsNotFound(err) {
		_, err = client.Create(ctx, secret, metav1.CreateOptions{})
		return err
	}
	if err != nil {
		return err
	}
	existing.Labels = secret.Labels
	existing.Data = secret.Data
	_, err = client.Update(ctx, existing, metav1.UpdateOptions{})
	return err
}

// applyPVC only creates: storage requests are immutable, so an existing
// claim is left alone.
func (p *Platform) applyPVC(ctx context.Context, pvc *corev1.PersistentVolumeClaim) error {
	_, err := p.client.CoreV1().PersistentVolumeClaims(pvc.Namespace).Create(ctx, pvc, metav1.CreateOptions{})
	if errors.IsAlreadyExists(err) {
		return nil
	}
	return err
}

func (p *Platform) deleteIngress(ctx context.Context, app *types.App) error {
	err := p.client.NetworkingV1().Ingresses(app.Namespace).Delete(ctx, app.Name, metav1.DeleteOptions{})
	if err != nil && !errors.IsNotFound(err) {
		return fmt.Errorf("delete ingress %s: %w", app.Name, err)
	}
	return nil
}
