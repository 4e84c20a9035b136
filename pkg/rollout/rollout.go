package rollout

import (
	"context"
	"fmt"
	"strings"
	"time"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/quarryhq/quarry/pkg/cluster"
	"github.com/quarryhq/quarry/pkg/log"
	"github.com/quarryhq/quarry/pkg/metrics"
	"github.com/quarryhq/quarry/pkg/types"
)

// Polling cadence adapts to how settled the rollout looks: tight while
// pods are still being scheduled, relaxed once everything is running.
const (
	cadenceFresh     = 500 * time.Millisecond
	cadenceScheduled = 3 * time.Second
	cadenceStable    = 30 * time.Second

	transientBackoff = 2 * time.Second
	maxTransient     = 10
)

// Waiting reasons that never resolve on their own. Seeing one fails the
// rollout immediately instead of waiting for the deadline.
var terminalWaitingReasons = map[string]bool{
	"CrashLoopBackOff":           true,
	"ImagePullBackOff":           true,
	"ErrImagePull":               true,
	"InvalidImageName":           true,
	"CreateContainerConfigError": true,
}

// Tracker observes a deployment's pods and aggregates them into a
// PodStatus snapshot. It holds no state of its own; the snapshot lives on
// the Deployment record.
type Tracker struct {
	client kubernetes.Interface
}

// NewTracker creates a rollout tracker
func NewTracker(client kubernetes.Interface) *Tracker {
	return &Tracker{client: client}
}

// Observe performs a single poll: list the deployment's pods and fold
// them into one snapshot. desired is the replica count the rollout is
// aiming for.
func (t *Tracker) Observe(ctx context.Context, namespace, deploymentID string, desired int) (*types.PodStatus, error) {
	pods, err := t.client.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{
		LabelSelector: cluster.SelectorForDeployment(deploymentID),
	})
	if err != nil {
		metrics.RolloutPolls.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("list pods for %s: %w", deploymentID, err)
	}

	status := aggregate(pods.Items, desired)
	metrics.RolloutPolls.WithLabelValues(string(status.Phase)).Inc()
	return status, nil
}

// Await polls until the rollout is ready or failed, reporting each
// snapshot through onUpdate. Transient API errors are retried with
// backoff and never produce a decision; the caller bounds the wait
// through ctx.
func (t *Tracker) Await(ctx context.Context, namespace, deploymentID string, desired int, onUpdate func(*types.PodStatus)) (*types.PodStatus, error) {
	logger := log.WithComponent("rollout")
	transient := 0

	for {
		status, err := t.Observe(ctx, namespace, deploymentID, desired)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			transient++
			if transient > maxTransient {
				return nil, fmt.Errorf("observing rollout of %s: %w", deploymentID, err)
			}
			logger.Warn().Err(err).
				Str("deployment_id", deploymentID).
				Int("attempt", transient).
				Msg("Transient rollout poll failure")
			if !sleep(ctx, transientBackoff) {
				return nil, ctx.Err()
			}
			continue
		}
		transient = 0

		if onUpdate != nil {
			onUpdate(status)
		}
		if status.Phase == types.PodPhaseReady || status.Phase == types.PodPhaseFailed {
			return status, nil
		}

		if !sleep(ctx, cadence(status)) {
			return nil, ctx.Err()
		}
	}
}

// cadence picks the next poll interval from the snapshot's shape
func cadence(status *types.PodStatus) time.Duration {
	switch {
	case status.Total == 0 || status.Scheduled < status.Total:
		return cadenceFresh
	case status.Ready < status.Total:
		return cadenceScheduled
	default:
		return cadenceStable
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// aggregate folds a pod list into a single snapshot. Total is the
// configured replica count, not the observed pod count, so clients see
// {ready: 0, total: 3} rather than {ready: 0, total: 0} while pods are
// still being created. The rollout is ready when every desired pod
// reports Ready; it is failed as soon as any pod shows a terminal
// waiting reason, an OOM kill loop, or a Failed phase.
func aggregate(pods []corev1.Pod, desired int) *types.PodStatus {
	status := &types.PodStatus{
		Total:      desired,
		ObservedAt: time.Now(),
		Phase:      types.PodPhaseProgressing,
	}

	for i := range pods {
		pod := &pods[i]
		if conditionTrue(pod, corev1.PodScheduled) {
			status.Scheduled++
		}
		if conditionTrue(pod, corev1.PodReady) {
			status.Ready++
		}
		if reason := terminalFailure(pod); reason != "" {
			status.Phase = types.PodPhaseFailed
			status.Message = reason
			return status
		}
	}

	if desired > 0 && status.Ready >= desired {
		status.Phase = types.PodPhaseReady
	}
	return status
}

func conditionTrue(pod *corev1.Pod, kind corev1.PodConditionType) bool {
	for _, cond := range pod.Status.Conditions {
		if cond.Type == kind {
			return cond.Status == corev1.ConditionTrue
		}
	}
	return false
}

// terminalFailure returns a failure description when the pod can no
// longer make progress, or the empty string while it still might.
func terminalFailure(pod *corev1.Pod) string {
	if pod.Status.Phase == corev1.PodFailed {
		reason := pod.Status.Reason
		if reason == "" {
			reason = "pod failed"
		}
		return fmt.Sprintf("%s/%s: %s", pod.Namespace, pod.Name, reason)
	}

	for _, cs := range pod.Status.ContainerStatuses {
		if cs.State.Waiting != nil && terminalWaitingReasons[cs.State.Waiting.Reason] {
			msg := cs.State.Waiting.Reason
			if cs.State.Waiting.Message != "" {
				msg += ": " + firstLine(cs.State.Waiting.Message)
			}
			return fmt.Sprintf("container %s: %s", cs.Name, msg)
		}
		// Repeated OOM kills past the restart backoff are not coming back.
		if cs.LastTerminationState.Terminated != nil &&
			cs.LastTerminationState.Terminated.Reason == "OOMKilled" &&
			cs.RestartCount >= 3 {
			return fmt.Sprintf("container %s: OOMKilled after %d restarts", cs.Name, cs.RestartCount)
		}
	}
	return ""
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return s[:idx]
	}
	return s
}
