package resolver

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarryhq/quarry/pkg/types"
)

func intPtr(i int) *int { return &i }

func baseImageConfig() *types.DeploymentConfig {
	return &types.DeploymentConfig{
		Source: types.SourceImage,
		Image:  &types.ImageSource{Reference: "registry.example.com/web:v1"},
		Workload: &types.Workload{
			Port:     3000,
			Replicas: 1,
			Requests: types.Resources{CPUMillis: 100, MemoryBytes: 128 << 20},
			Limits:   types.Resources{CPUMillis: 500, MemoryBytes: 512 << 20},
		},
	}
}

func TestResolveMergesDeltaOverBase(t *testing.T) {
	base := baseImageConfig()
	delta := &types.ConfigDelta{Replicas: intPtr(3)}

	cfg, err := Resolve(base, nil, delta, nil)
	require.NoError(t, err)

	assert.Equal(t, 3000, cfg.Workload.Port, "untouched fields come from the base")
	assert.Equal(t, 3, cfg.Workload.Replicas, "delta fields win")
	assert.Equal(t, 1, base.Workload.Replicas, "inputs are never mutated")
}

func TestResolveIsIdempotent(t *testing.T) {
	base := baseImageConfig()
	base.Workload.Env = []types.EnvVar{{Name: "API_KEY", Value: "secret", Sensitive: true}}
	delta := &types.ConfigDelta{
		Port: intPtr(8080),
		Env:  []types.EnvVar{{Name: "API_KEY", Sensitive: true}},
	}

	first, err := Resolve(base, nil, delta, map[string]bool{"API_KEY": true})
	require.NoError(t, err)
	second, err := Resolve(base, nil, delta, map[string]bool{"API_KEY": true})
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestResolveSensitiveValueInheritance(t *testing.T) {
	base := baseImageConfig()
	base.Workload.Env = []types.EnvVar{
		{Name: "API_KEY", Value: "plaintext-secret", Sensitive: true},
		{Name: "LOG_LEVEL", Value: "info"},
	}

	// Clients echo sensitive vars back without their values; a blank value
	// on a sensitive var means "unchanged".
	delta := &types.ConfigDelta{
		Env: []types.EnvVar{
			{Name: "API_KEY", Sensitive: true},
			{Name: "LOG_LEVEL", Value: "debug"},
		},
	}

	cfg, err := Resolve(base, nil, delta, map[string]bool{"API_KEY": true})
	require.NoError(t, err)

	assert.Equal(t, "plaintext-secret", cfg.Workload.Env[0].Value)
	assert.Equal(t, "debug", cfg.Workload.Env[1].Value)
}

func TestResolveLockedEnvNames(t *testing.T) {
	locked := map[string]bool{"API_KEY": true}

	tests := []struct {
		name    string
		env     []types.EnvVar
		wantErr string
	}{
		{
			name: "value change on a locked var is allowed",
			env:  []types.EnvVar{{Name: "API_KEY", Value: "rotated", Sensitive: true}},
		},
		{
			name:    "flipping a locked var to visible is rejected",
			env:     []types.EnvVar{{Name: "API_KEY", Value: "v", Sensitive: false}},
			wantErr: "locked as sensitive",
		},
		{
			name: "renaming a locked var is rejected",
			env: []types.EnvVar{
				{Name: "API_KEY_V2", Value: "v", Sensitive: true},
			},
			wantErr: "cannot be renamed or removed",
		},
		{
			name:    "removing a locked var is rejected",
			env:     nil,
			wantErr: "cannot be renamed or removed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			base := baseImageConfig()
			base.Workload.Env = []types.EnvVar{{Name: "API_KEY", Value: "secret", Sensitive: true}}

			env := tt.env
			if env == nil {
				env = []types.EnvVar{}
			}
			_, err := Resolve(base, nil, &types.ConfigDelta{Env: env}, locked)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Contains(t, verr.Message, tt.wantErr)
		})
	}
}

// Redeploy from a template: argument ordering decides whether the template's
// config or the app's current config wins for fields the delta leaves alone.
func TestResolveTemplateModeOrdering(t *testing.T) {
	current := baseImageConfig()
	current.Workload.CreateIngress = true
	current.Workload.Subdomain = "web-current"

	template := baseImageConfig()
	template.Workload.CreateIngress = true
	template.Workload.Subdomain = "web-old"

	// Reuse the template's build with current settings: current is base.
	cfg, err := Resolve(current, template, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "web-current", cfg.Workload.Subdomain)

	// Reuse the template's configuration: template is base.
	cfg, err = Resolve(template, current, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "web-old", cfg.Workload.Subdomain)
}

func TestResolveFallbackWhenBaseEmpty(t *testing.T) {
	fallback := baseImageConfig()

	cfg, err := Resolve(nil, fallback, &types.ConfigDelta{Replicas: intPtr(2)}, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Workload.Replicas)
	assert.Equal(t, "registry.example.com/web:v1", cfg.Image.Reference)
}

func TestResolveSourceOverrideReplacesVariant(t *testing.T) {
	base := baseImageConfig()
	delta := &types.ConfigDelta{
		Git: &types.GitSource{
			RepositoryURL:  "https://github.com/acme/web.git",
			Branch:         "main",
			Event:          types.GitEventPush,
			Builder:        types.BuilderDockerfile,
			DockerfilePath: "Dockerfile",
		},
	}

	cfg, err := Resolve(base, nil, delta, nil)
	require.NoError(t, err)

	assert.Equal(t, types.SourceGit, cfg.Source)
	assert.Nil(t, cfg.Image, "the previous variant is cleared")
	assert.Equal(t, 3000, cfg.Workload.Port, "workload settings survive a source swap")
}

func TestResolveHelmDropsWorkload(t *testing.T) {
	base := baseImageConfig()
	delta := &types.ConfigDelta{
		Helm: &types.HelmSource{
			Chart:   "oci://charts.example.com/postgres",
			Version: "16.2.0",
			Values:  map[string]interface{}{"auth": map[string]interface{}{"database": "app"}},
		},
	}

	cfg, err := Resolve(base, nil, delta, nil)
	require.NoError(t, err)
	assert.Equal(t, types.SourceHelm, cfg.Source)
	assert.Nil(t, cfg.Workload)

	// The result must not alias the delta's values map.
	cfg.Helm.Values["auth"].(map[string]interface{})["database"] = "mutated"
	assert.Equal(t, "app", delta.Helm.Values["auth"].(map[string]interface{})["database"])
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(cfg *types.DeploymentConfig)
		wantErr string
	}{
		{
			name:    "port zero",
			mutate:  func(cfg *types.DeploymentConfig) { cfg.Workload.Port = 0 },
			wantErr: "out of range",
		},
		{
			name:    "port above range",
			mutate:  func(cfg *types.DeploymentConfig) { cfg.Workload.Port = 70000 },
			wantErr: "out of range",
		},
		{
			name:    "zero replicas",
			mutate:  func(cfg *types.DeploymentConfig) { cfg.Workload.Replicas = 0 },
			wantErr: "replica count",
		},
		{
			name:    "negative cpu request",
			mutate:  func(cfg *types.DeploymentConfig) { cfg.Workload.Requests.CPUMillis = -100 },
			wantErr: "CPU must be positive",
		},
		{
			name:    "zero memory limit",
			mutate:  func(cfg *types.DeploymentConfig) { cfg.Workload.Limits.MemoryBytes = 0 },
			wantErr: "memory must be positive",
		},
		{
			name: "duplicate env names",
			mutate: func(cfg *types.DeploymentConfig) {
				cfg.Workload.Env = []types.EnvVar{
					{Name: "PORT", Value: "1"},
					{Name: "PORT", Value: "2"},
				}
			},
			wantErr: "duplicate environment variable",
		},
		{
			name: "reserved env prefix",
			mutate: func(cfg *types.DeploymentConfig) {
				cfg.Workload.Env = []types.EnvVar{{Name: "QUARRY_INTERNAL_TOKEN", Value: "x"}}
			},
			wantErr: "reserved prefix",
		},
		{
			name: "relative mount path",
			mutate: func(cfg *types.DeploymentConfig) {
				cfg.Workload.Mounts = []types.VolumeMount{{Path: "data", SizeBytes: 1 << 30}}
			},
			wantErr: "must start with '/'",
		},
		{
			name: "duplicate mount paths",
			mutate: func(cfg *types.DeploymentConfig) {
				cfg.Workload.Mounts = []types.VolumeMount{
					{Path: "/data", SizeBytes: 1 << 30},
					{Path: "/data", SizeBytes: 2 << 30},
				}
			},
			wantErr: "not unique",
		},
		{
			name: "ingress without subdomain",
			mutate: func(cfg *types.DeploymentConfig) {
				cfg.Workload.CreateIngress = true
			},
			wantErr: "subdomain is required",
		},
		{
			name: "uppercase subdomain",
			mutate: func(cfg *types.DeploymentConfig) {
				cfg.Workload.CreateIngress = true
				cfg.Workload.Subdomain = "MyApp"
			},
			wantErr: "invalid subdomain",
		},
		{
			name: "subdomain with trailing hyphen",
			mutate: func(cfg *types.DeploymentConfig) {
				cfg.Workload.CreateIngress = true
				cfg.Workload.Subdomain = "web-"
			},
			wantErr: "invalid subdomain",
		},
		{
			name: "two source variants populated",
			mutate: func(cfg *types.DeploymentConfig) {
				cfg.Git = &types.GitSource{Branch: "main"}
			},
			wantErr: "exactly one source kind",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := baseImageConfig()
			tt.mutate(cfg)
			err := Validate(cfg, nil)
			require.Error(t, err)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Contains(t, verr.Message, tt.wantErr)
		})
	}
}

func TestValidateGitSource(t *testing.T) {
	valid := func() *types.DeploymentConfig {
		return &types.DeploymentConfig{
			Source: types.SourceGit,
			Git: &types.GitSource{
				RepositoryURL:  "https://github.com/acme/web.git",
				Branch:         "main",
				Event:          types.GitEventPush,
				Builder:        types.BuilderDockerfile,
				DockerfilePath: "Dockerfile",
			},
			Workload: baseImageConfig().Workload,
		}
	}

	t.Run("valid", func(t *testing.T) {
		assert.NoError(t, Validate(valid(), nil))
	})

	t.Run("workflow_run requires a workflow id", func(t *testing.T) {
		cfg := valid()
		cfg.Git.Event = types.GitEventWorkflowRun
		assert.ErrorContains(t, Validate(cfg, nil), "workflow id is required")
	})

	t.Run("dockerfile builder requires a path", func(t *testing.T) {
		cfg := valid()
		cfg.Git.DockerfilePath = ""
		assert.ErrorContains(t, Validate(cfg, nil), "dockerfile path is required")
	})

	t.Run("railpack builder needs no dockerfile", func(t *testing.T) {
		cfg := valid()
		cfg.Git.Builder = types.BuilderRailpack
		cfg.Git.DockerfilePath = ""
		assert.NoError(t, Validate(cfg, nil))
	})

	t.Run("absolute root dir rejected", func(t *testing.T) {
		cfg := valid()
		cfg.Git.RootDir = "/srv/app"
		assert.ErrorContains(t, Validate(cfg, nil), "invalid root directory")
	})

	t.Run("missing branch rejected", func(t *testing.T) {
		cfg := valid()
		cfg.Git.Branch = ""
		assert.ErrorContains(t, Validate(cfg, nil), "requires a branch")
	})
}

func TestValidateNamespace(t *testing.T) {
	assert.NoError(t, ValidateNamespace("team-a-prod"))
	assert.Error(t, ValidateNamespace(""))
	assert.Error(t, ValidateNamespace("Team"))
	assert.Error(t, ValidateNamespace("-leading"))
	assert.Error(t, ValidateNamespace("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"))
}
