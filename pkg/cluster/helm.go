package cluster

import (
	"context"
	"fmt"

	"gopkg.in/yaml.v3"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/quarryhq/quarry/pkg/types"
)

const helmRunnerImage = "alpine/helm:3.18.4"

// ApplyChart installs or upgrades a helm config by running the helm CLI in
// a Job inside the app's namespace. The chart's values ride in a ConfigMap
// mounted into the runner pod.
func (p *Platform) ApplyChart(ctx context.Context, app *types.App, d *types.Deployment) error {
	helm := d.Config.Helm
	if helm == nil {
		return fmt.Errorf("deployment %s carries no helm config", d.ID)
	}

	if err := p.ensureNamespace(ctx, app); err != nil {
		return fmt.Errorf("ensure namespace %s: %w", app.Namespace, err)
	}

	values, err := yaml.Marshal(helm.Values)
	if err != nil {
		return fmt.Errorf("encoding chart values: %w", err)
	}
	valuesName := app.Name + "-helm-values"
	if err := p.applyConfigMap(ctx, &corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{
			Name:      valuesName,
			Namespace: app.Namespace,
			Labels:    p.labels(app, d),
		},
		Data: map[string]string{"values.yaml": string(values)},
	}); err != nil {
		return fmt.Errorf("apply chart values: %w", err)
	}

	args := []string{
		"upgrade", "--install", app.Name, helm.Chart,
		"--namespace", app.Namespace,
		"--values", "/helm/values.yaml",
		"--wait",
	}
	if helm.Version != "" {
		args = append(args, "--version", helm.Version)
	}

	ttl := int32(3600)
	backoff := int32(0)
	job := &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      fmt.Sprintf("helm-%s", d.ID[:8]),
			Namespace: app.Namespace,
			Labels:    p.labels(app, d),
		},
		Spec: batchv1.JobSpec{
			BackoffLimit:            &backoff,
			TTLSecondsAfterFinished: &ttl,
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: p.labels(app, d)},
				Spec: corev1.PodSpec{
					RestartPolicy:      corev1.RestartPolicyNever,
					ServiceAccountName: "default",
					Containers: []corev1.Container{
						{
							Name:  "helm",
							Image: helmRunnerImage,
							Args:  args,
							VolumeMounts: []corev1.VolumeMount{
								{Name: "values", MountPath: "/helm", ReadOnly: true},
							},
						},
					},
					Volumes: []corev1.Volume{
						{
							Name: "values",
							VolumeSource: corev1.VolumeSource{
								ConfigMap: &corev1.ConfigMapVolumeSource{
									LocalObjectReference: corev1.LocalObjectReference{Name: valuesName},
								},
							},
						},
					},
				},
			},
		},
	}

	_, err = p.client.BatchV1().Jobs(app.Namespace).Create(ctx, job, metav1.CreateOptions{})
	if errors.IsAlreadyExists(err) {
		return nil
	}
	return err
}

// ChartJobDone reports whether a chart runner Job finished and with what
// outcome. The empty string means still running.
func (p *Platform) ChartJobDone(ctx context.Context, app *types.App, d *types.Deployment) (succeeded bool, done bool, reason string, err error) {
	job, err := p.client.BatchV1().Jobs(app.Namespace).Get(ctx, fmt.Sprintf("helm-%s", d.ID[:8]), metav1.GetOptions{})
	if err != nil {
		return false, false, "", err
	}
	for _, cond := range job.Status.Conditions {
		if cond.Type == batchv1.JobComplete && cond.Status == corev1.ConditionTrue {
			return true, true, "", nil
		}
		if cond.Type == batchv1.JobFailed && cond.Status == corev1.ConditionTrue {
			return false, true, cond.Message, nil
		}
	}
	return false, false, "", nil
}

func (p *Platform) applyConfigMap(ctx context.Context, cm *corev1.ConfigMap) error {
	client := p.client.CoreV1().ConfigMaps(cm.Namespace)
	existing, err := client.Get(ctx, cm.Name, metav1.GetOptions{})
	if errors.IsNotFound(err) {
		_, err = client.Create(ctx, cm, metav1.CreateOptions{})
		return err
	}
	if err != nil {
		return err
	}
	existing.Labels = cm.Labels
	existing.Data = cm.Data
	_, err = client.Update(ctx, existing, metav1.UpdateOptions{})
	return err
}
