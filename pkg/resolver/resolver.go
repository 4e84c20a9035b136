package resolver

import (
	"fmt"
	"strings"

	"github.com/quarryhq/quarry/pkg/types"
)

// ValidationError rejects a resolve before any deployment record exists.
// The caller corrects the input and retries; nothing is partially applied.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

func validationErrorf(format string, args ...interface{}) error {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// Resolve merges a full deployment config from a base snapshot, a fallback
// snapshot, and an override delta. Precedence is delta > base > fallback:
// any field set in delta wins; fields absent from delta come from base; the
// fallback only contributes where base carries nothing (no source variant,
// or no workload section).
//
// The two redeploy modes are expressed through argument order. "Reuse the
// build with current configuration" passes the app's current config as
// base; "reuse this deployment's configuration" passes the template's
// config as base and the current config as fallback.
//
// locked is the app's sensitive-name lock set. Resolve is pure: identical
// inputs yield identical outputs, and inputs are never mutated.
func Resolve(base, fallback *types.DeploymentConfig, delta *types.ConfigDelta, locked map[string]bool) (*types.DeploymentConfig, error) {
	effective := pick(base, fallback)
	if effective == nil && (delta == nil || !deltaHasSource(delta)) {
		return nil, validationErrorf("no configuration to resolve: supply a config or a source override")
	}

	cfg := cloneConfig(effective)
	if cfg == nil {
		cfg = &types.DeploymentConfig{}
	}

	if delta != nil {
		if err := applyDelta(cfg, delta, base); err != nil {
			return nil, err
		}
	}

	if err := Validate(cfg, locked); err != nil {
		return nil, err
	}
	return cfg, nil
}

// pick chooses the snapshot that contributes config fields: base when it
// carries a source variant, otherwise fallback.
func pick(base, fallback *types.DeploymentConfig) *types.DeploymentConfig {
	if base != nil && base.Source != "" {
		if base.Workload != nil || base.Source == types.SourceHelm {
			return base
		}
		// Base names a source but has no workload section; graft the
		// fallback's workload under the base's source.
		if fallback != nil && fallback.Workload != nil {
			merged := cloneConfig(base)
			merged.Workload = cloneWorkload(fallback.Workload)
			return merged
		}
		return base
	}
	return fallback
}

func deltaHasSource(delta *types.ConfigDelta) bool {
	return delta.Git != nil || delta.Image != nil || delta.Helm != nil
}

func applyDelta(cfg *types.DeploymentConfig, delta *types.ConfigDelta, base *types.DeploymentConfig) error {
	// Source overrides replace the variant entirely.
	sources := 0
	if delta.Git != nil {
		sources++
	}
	if delta.Image != nil {
		sources++
	}
	if delta.Helm != nil {
		sources++
	}
	if sources > 1 {
		return validationErrorf("config delta sets more than one source kind")
	}

	switch {
	case delta.Git != nil:
		git := *delta.Git
		cfg.Source = types.SourceGit
		cfg.Git = &git
		cfg.Image = nil
		cfg.Helm = nil
	case delta.Image != nil:
		img := *delta.Image
		cfg.Source = types.SourceImage
		cfg.Image = &img
		cfg.Git = nil
		cfg.Helm = nil
	case delta.Helm != nil:
		helm := cloneHelm(delta.Helm)
		cfg.Source = types.SourceHelm
		cfg.Helm = helm
		cfg.Git = nil
		cfg.Image = nil
		cfg.Workload = nil
	}

	if cfg.Source == types.SourceHelm {
		return nil
	}

	if cfg.Workload == nil {
		cfg.Workload = &types.Workload{}
	}
	w := cfg.Workload

	if delta.Port != nil {
		w.Port = *delta.Port
	}
	if delta.Replicas != nil {
		w.Replicas = *delta.Replicas
	}
	if delta.Requests != nil {
		w.Requests = *delta.Requests
	}
	if delta.Limits != nil {
		w.Limits = *delta.Limits
	}
	if delta.Env != nil {
		w.Env = resolveEnv(delta.Env, previousEnv(base))
	}
	if delta.Mounts != nil {
		w.Mounts = append([]types.VolumeMount(nil), delta.Mounts...)
	}
	if delta.CreateIngress != nil {
		w.CreateIngress = *delta.CreateIngress
	}
	if delta.Subdomain != nil {
		w.Subdomain = *delta.Subdomain
	}
	if delta.CollectLogs != nil {
		w.CollectLogs = *delta.CollectLogs
	}
	if delta.PostStart != nil {
		w.PostStart = append([]string(nil), delta.PostStart...)
	}
	if delta.PreStop != nil {
		w.PreStop = append([]string(nil), delta.PreStop...)
	}
	return nil
}

// resolveEnv fills in the values of sensitive vars the caller left blank.
// Clients never see sensitive plaintext, so an unchanged sensitive var
// comes back with an empty value; it inherits the previous one.
func resolveEnv(env []types.EnvVar, previous []types.EnvVar) []types.EnvVar {
	prevValues := make(map[string]string, len(previous))
	for _, v := range previous {
		prevValues[v.Name] = v.Value
	}

	resolved := make([]types.EnvVar, len(env))
	for i, v := range env {
		if v.Sensitive && v.Value == "" {
			v.Value = prevValues[v.Name]
		}
		resolved[i] = v
	}
	return resolved
}

func previousEnv(base *types.DeploymentConfig) []types.EnvVar {
	if base == nil || base.Workload == nil {
		return nil
	}
	return base.Workload.Env
}

// Clone helpers. Resolve hands out snapshots, never aliases.

func cloneConfig(cfg *types.DeploymentConfig) *types.DeploymentConfig {
	if cfg == nil {
		return nil
	}
	out := &types.DeploymentConfig{Source: cfg.Source}
	if cfg.Git != nil {
		git := *cfg.Git
		out.Git = &git
	}
	if cfg.Image != nil {
		img := *cfg.Image
		out.Image = &img
	}
	if cfg.Helm != nil {
		out.Helm = cloneHelm(cfg.Helm)
	}
	out.Workload = cloneWorkload(cfg.Workload)
	return out
}

func cloneWorkload(w *types.Workload) *types.Workload {
	if w == nil {
		return nil
	}
	out := *w
	out.Env = append([]types.EnvVar(nil), w.Env...)
	out.Mounts = append([]types.VolumeMount(nil), w.Mounts...)
	out.PostStart = append([]string(nil), w.PostStart...)
	out.PreStop = append([]string(nil), w.PreStop...)
	return &out
}

func cloneHelm(h *types.HelmSource) *types.HelmSource {
	out := *h
	if h.Values != nil {
		out.Values = cloneValues(h.Values)
	}
	return &out
}

func cloneValues(values map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(values))
	for k, v := range values {
		if nested, ok := v.(map[string]interface{}); ok {
			out[k] = cloneValues(nested)
			continue
		}
		out[k] = v
	}
	return out
}

const reservedEnvPrefix = "QUARRY_INTERNAL_"

// Validate checks a fully-resolved config. It fails the whole resolve with
// a ValidationError; nothing is ever partially applied.
func Validate(cfg *types.DeploymentConfig, locked map[string]bool) error {
	if err := validateSourceUnion(cfg); err != nil {
		return err
	}

	switch cfg.Source {
	case types.SourceGit:
		if err := validateGit(cfg.Git); err != nil {
			return err
		}
	case types.SourceImage:
		if strings.TrimSpace(cfg.Image.Reference) == "" {
			return validationErrorf("image reference is required")
		}
	case types.SourceHelm:
		if strings.TrimSpace(cfg.Helm.Chart) == "" {
			return validationErrorf("chart reference is required")
		}
		return nil
	}

	return validateWorkload(cfg.Workload, locked)
}

func validateSourceUnion(cfg *types.DeploymentConfig) error {
	populated := 0
	if cfg.Git != nil {
		populated++
	}
	if cfg.Image != nil {
		populated++
	}
	if cfg.Helm != nil {
		populated++
	}
	if populated != 1 {
		return validationErrorf("exactly one source kind must be populated, got %d", populated)
	}

	switch cfg.Source {
	case types.SourceGit:
		if cfg.Git == nil {
			return validationErrorf("source kind is git but git config is missing")
		}
	case types.SourceImage:
		if cfg.Image == nil {
			return validationErrorf("source kind is image but image config is missing")
		}
	case types.SourceHelm:
		if cfg.Helm == nil {
			return validationErrorf("source kind is helm but helm config is missing")
		}
	default:
		return validationErrorf("unknown source kind %q", cfg.Source)
	}

	if cfg.Source == types.SourceHelm {
		if cfg.Workload != nil {
			return validationErrorf("helm configs do not carry workload settings")
		}
	} else if cfg.Workload == nil {
		return validationErrorf("workload settings are required for %s sources", cfg.Source)
	}
	return nil
}

func validateGit(git *types.GitSource) error {
	if git.RepositoryURL == "" && git.RepositoryID == "" {
		return validationErrorf("git source requires a repository")
	}
	if git.Branch == "" {
		return validationErrorf("git source requires a branch")
	}
	switch git.Event {
	case types.GitEventPush:
	case types.GitEventWorkflowRun:
		if git.WorkflowID == "" {
			return validationErrorf("workflow id is required for workflow_run triggers")
		}
	default:
		return validationErrorf("unknown trigger event %q", git.Event)
	}
	if strings.HasPrefix(git.RootDir, "/") || strings.Contains(git.RootDir, `"`) {
		return validationErrorf("invalid root directory %q", git.RootDir)
	}
	switch git.Builder {
	case types.BuilderDockerfile:
		if git.DockerfilePath == "" {
			return validationErrorf("dockerfile path is required for the dockerfile builder")
		}
		if strings.HasPrefix(git.DockerfilePath, "/") || strings.Contains(git.DockerfilePath, `"`) {
			return validationErrorf("invalid dockerfile path %q", git.DockerfilePath)
		}
	case types.BuilderRailpack:
	default:
		return validationErrorf("unknown builder %q", git.Builder)
	}
	return nil
}

func validateWorkload(w *types.Workload, locked map[string]bool) error {
	if w.Port < 1 || w.Port > 65535 {
		return validationErrorf("port %d is out of range [1, 65535]", w.Port)
	}
	if w.Replicas < 1 {
		return validationErrorf("replica count must be at least 1")
	}
	if err := validateResources("requests", w.Requests); err != nil {
		return err
	}
	if err := validateResources("limits", w.Limits); err != nil {
		return err
	}

	if w.CreateIngress {
		if err := ValidateSubdomain(w.Subdomain); err != nil {
			return err
		}
	}

	if err := validateEnv(w.Env, locked); err != nil {
		return err
	}
	return validateMounts(w.Mounts)
}

func validateResources(kind string, r types.Resources) error {
	if r.CPUMillis <= 0 {
		return validationErrorf("%s: CPU must be positive", kind)
	}
	if r.MemoryBytes <= 0 {
		return validationErrorf("%s: memory must be positive", kind)
	}
	return nil
}

func validateEnv(env []types.EnvVar, locked map[string]bool) error {
	seen := make(map[string]bool, len(env))
	for _, v := range env {
		if v.Name == "" {
			return validationErrorf("environment variable with empty name")
		}
		if strings.HasPrefix(v.Name, reservedEnvPrefix) {
			return validationErrorf("environment variable %s uses the reserved prefix %q", v.Name, reservedEnvPrefix)
		}
		if seen[v.Name] {
			return validationErrorf("duplicate environment variable %s", v.Name)
		}
		seen[v.Name] = true

		if locked[v.Name] && !v.Sensitive {
			return validationErrorf("environment variable %s is locked as sensitive and cannot be made visible", v.Name)
		}
	}

	// A locked name that disappeared was renamed or dropped; either way its
	// previously-hidden value would leak its identity, so reject.
	for name := range locked {
		if !seen[name] {
			return validationErrorf("sensitive environment variable %s cannot be renamed or removed", name)
		}
	}
	return nil
}

func validateMounts(mounts []types.VolumeMount) error {
	seen := make(map[string]bool, len(mounts))
	for _, m := range mounts {
		if !strings.HasPrefix(m.Path, "/") {
			return validationErrorf("invalid mount path %s: must start with '/'", m.Path)
		}
		if seen[m.Path] {
			return validationErrorf("mount paths are not unique")
		}
		seen[m.Path] = true
		if m.SizeBytes <= 0 {
			return validationErrorf("mount %s: size must be positive", m.Path)
		}
	}
	return nil
}
