package cluster

import (
	"fmt"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"

	"github.com/quarryhq/quarry/pkg/types"
)

func (p *Platform) labels(app *types.App, d *types.Deployment) map[string]string {
	return map[string]string{
		LabelApp:          app.ID,
		LabelDeploymentID: d.ID,
		LabelManagedBy:    ManagerName,
	}
}

// selectorLabels exclude the deployment id so a service keeps matching
// pods across rollouts of the same app.
func selectorLabels(app *types.App) map[string]string {
	return map[string]string{
		LabelApp:       app.ID,
		LabelManagedBy: ManagerName,
	}
}

func (p *Platform) buildDeployment(app *types.App, d *types.Deployment, image string, env []types.EnvVar) *appsv1.Deployment {
	w := d.Config.Workload
	replicas := int32(w.Replicas)
	revisionHistoryLimit := int32(2)

	container := corev1.Container{
		Name:  app.Name,
		Image: image,
		Ports: []corev1.ContainerPort{
			{ContainerPort: int32(w.Port)},
		},
		Env: plainEnv(env),
		EnvFrom: []corev1.EnvFromSource{
			{
				SecretRef: &corev1.SecretEnvSource{
					LocalObjectReference: corev1.LocalObjectReference{Name: secretName(app)},
					Optional:             boolPtr(true),
				},
			},
		},
		Resources: corev1.ResourceRequirements{
			Requests: resourceList(w.Requests),
			Limits:   resourceList(w.Limits),
		},
		Lifecycle:    lifecycle(w),
		VolumeMounts: volumeMounts(w),
	}

	return &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Name:      app.Name,
			Namespace: app.Namespace,
			Labels:    p.labels(app, d),
		},
		Spec: appsv1.DeploymentSpec{
			Replicas:             &replicas,
			RevisionHistoryLimit: &revisionHistoryLimit,
			Selector:             &metav1.LabelSelector{MatchLabels: selectorLabels(app)},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: p.labels(app, d)},
				Spec: corev1.PodSpec{
					Containers: []corev1.Container{container},
					Volumes:    volumes(app, w),
				},
			},
		},
	}
}

func (p *Platform) buildService(app *types.App, d *types.Deployment) *corev1.Service {
	w := d.Config.Workload
	return &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{
			Name:      app.Name,
			Namespace: app.Namespace,
			Labels:    p.labels(app, d),
		},
		Spec: corev1.ServiceSpec{
			Selector: selectorLabels(app),
			Ports: []corev1.ServicePort{
				{
					Port:       int32(w.Port),
					TargetPort: intstr.FromInt(w.Port),
				},
			},
		},
	}
}

func (p *Platform) buildIngress(app *types.App, d *types.Deployment) *networkingv1.Ingress {
	w := d.Config.Workload
	pathType := networkingv1.PathTypePrefix
	host := w.Subdomain + "." + p.baseDomain

	ing := &networkingv1.Ingress{
		ObjectMeta: metav1.ObjectMeta{
			Name:      app.Name,
			Namespace: app.Namespace,
			Labels:    p.labels(app, d),
		},
		Spec: networkingv1.IngressSpec{
			Rules: []networkingv1.IngressRule{
				{
					Host: host,
					IngressRuleValue: networkingv1.IngressRuleValue{
						HTTP: &networkingv1.HTTPIngressRuleValue{
							Paths: []networkingv1.HTTPIngressPath{
								{
									Path:     "/",
									PathType: &pathType,
									Backend: networkingv1.IngressBackend{
										Service: &networkingv1.IngressServiceBackend{
											Name: app.Name,
											Port: networkingv1.ServiceBackendPort{Number: int32(w.Port)},
										},
									},
								},
							},
						},
					},
				},
			},
		},
	}
	if p.ingressClass != "" {
		ing.Spec.IngressClassName = &p.ingressClass
	}
	return ing
}

// buildSecret carries the sensitive env vars; plain ones ride on the
// container spec directly.
func (p *Platform) buildSecret(app *types.App, d *types.Deployment, env []types.EnvVar) *corev1.Secret {
	data := make(map[string][]byte)
	for _, v := range env {
		if v.Sensitive {
			data[v.Name] = []byte(v.Value)
		}
	}
	return &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{
			Name:      secretName(app),
			Namespace: app.Namespace,
			Labels:    p.labels(app, d),
		},
		Type: corev1.SecretTypeOpaque,
		Data: data,
	}
}

func (p *Platform) buildPVC(app *types.App, d *types.Deployment, idx int, mount types.VolumeMount) *corev1.PersistentVolumeClaim {
	return &corev1.PersistentVolumeClaim{
		ObjectMeta: metav1.ObjectMeta{
			Name:      pvcName(app, idx),
			Namespace: app.Namespace,
			Labels:    p.labels(app, d),
		},
		Spec: corev1.PersistentVolumeClaimSpec{
			AccessModes: []corev1.PersistentVolumeAccessMode{corev1.ReadWriteOnce},
			Resources: corev1.VolumeResourceRequirements{
				Requests: corev1.ResourceList{
					corev1.ResourceStorage: *resource.NewQuantity(mount.SizeBytes, resource.BinarySI),
				},
			},
		},
	}
}

func resourceList(r types.Resources) corev1.ResourceList {
	return corev1.ResourceList{
		corev1.ResourceCPU:    *resource.NewMilliQuantity(r.CPUMillis, resource.DecimalSI),
		corev1.ResourceMemory: *resource.NewQuantity(r.MemoryBytes, resource.BinarySI),
	}
}

func plainEnv(env []types.EnvVar) []corev1.EnvVar {
	var out []corev1.EnvVar
	for _, v := range env {
		if !v.Sensitive {
			out = append(out, corev1.EnvVar{Name: v.Name, Value: v.Value})
		}
	}
	return out
}

func lifecycle(w *types.Workload) *corev1.Lifecycle {
	if len(w.PostStart) == 0 && len(w.PreStop) == 0 {
		return nil
	}
	lc := &corev1.Lifecycle{}
	if len(w.PostStart) > 0 {
		lc.PostStart = &corev1.LifecycleHandler{
			Exec: &corev1.ExecAction{Command: w.PostStart},
		}
	}
	if len(w.PreStop) > 0 {
		lc.PreStop = &corev1.LifecycleHandler{
			Exec: &corev1.ExecAction{Command: w.PreStop},
		}
	}
	return lc
}

func volumes(app *types.App, w *types.Workload) []corev1.Volume {
	var out []corev1.Volume
	for i := range w.Mounts {
		out = append(out, corev1.Volume{
			Name: volumeName(i),
			VolumeSource: corev1.VolumeSource{
				PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{
					ClaimName: pvcName(app, i),
				},
			},
		})
	}
	return out
}

func volumeMounts(w *types.Workload) []corev1.VolumeMount {
	var out []corev1.VolumeMount
	for i, m := range w.Mounts {
		out = append(out, corev1.VolumeMount{
			Name:      volumeName(i),
			MountPath: m.Path,
		})
	}
	return out
}

func secretName(app *types.App) string {
	return app.Name + "-env"
}

func pvcName(app *types.App, idx int) string {
	return fmt.Sprintf("%s-data-%d", app.Name, idx)
}

func volumeName(idx int) string {
	return fmt.Sprintf("data-%d", idx)
}

func boolPtr(b bool) *bool { return &b }
