package api

import (
	"github.com/quarryhq/quarry/pkg/types"
)

const redactedValue = "********"

// deploymentView is the API shape of a deployment. Sensitive env values are
// redacted and the build callback token is dropped.
type deploymentView struct {
	ID        string                 `json:"id"`
	AppID     string                 `json:"app_id"`
	Seq       uint64                 `json:"seq"`
	Config    types.DeploymentConfig `json:"config"`
	Source    types.SourceRef        `json:"source_ref,omitempty"`
	ImageRef  string                 `json:"image_ref,omitempty"`
	Status    types.DeploymentStatus `json:"status"`
	Reason    string                 `json:"reason,omitempty"`
	PodStatus *types.PodStatus       `json:"pod_status,omitempty"`
	CreatedAt string                 `json:"created_at"`
	UpdatedAt string                 `json:"updated_at"`
}

func viewDeployment(d *types.Deployment) *deploymentView {
	cfg := d.Config
	if cfg.Workload != nil {
		w := *cfg.Workload
		w.Env = redactEnv(w.Env)
		cfg.Workload = &w
	}
	return &deploymentView{
		ID:        d.ID,
		AppID:     d.AppID,
		Seq:       d.Seq,
		Config:    cfg,
		Source:    d.Source,
		ImageRef:  d.ImageRef,
		Status:    d.Status,
		Reason:    d.Reason,
		PodStatus: d.PodStatus,
		CreatedAt: d.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"),
		UpdatedAt: d.UpdatedAt.UTC().Format("2006-01-02T15:04:05Z"),
	}
}

func viewDeployments(ds []*types.Deployment) []*deploymentView {
	views := make([]*deploymentView, 0, len(ds))
	for _, d := range ds {
		views = append(views, viewDeployment(d))
	}
	return views
}

func redactEnv(env []types.EnvVar) []types.EnvVar {
	if len(env) == 0 {
		return env
	}
	out := make([]types.EnvVar, len(env))
	for i, v := range env {
		if v.Sensitive {
			v.Value = redactedValue
		}
		out[i] = v
	}
	return out
}
