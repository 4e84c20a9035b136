package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/quarryhq/quarry/pkg/build"
	"github.com/quarryhq/quarry/pkg/log"
)

// serverConfig is the YAML server configuration
type serverConfig struct {
	Listen  string `yaml:"listen"`
	DataDir string `yaml:"data_dir"`

	// APIToken guards /api/v1; empty disables auth
	APIToken string `yaml:"api_token"`

	// Secret derives the AES-256 key for sensitive env values. Required.
	Secret string `yaml:"secret"`

	// Kubeconfig path; empty uses the in-cluster service account
	Kubeconfig string `yaml:"kubeconfig"`

	// BaseDomain is the suffix for app subdomains (sub.<base_domain>)
	BaseDomain   string `yaml:"base_domain"`
	IngressClass string `yaml:"ingress_class"`

	Builds buildsConfig `yaml:"builds"`

	Timeouts timeoutsConfig `yaml:"timeouts"`

	Log logConfig `yaml:"log"`
}

type buildsConfig struct {
	Namespace      string `yaml:"namespace"`
	Registry       string `yaml:"registry"`
	RegistrySecret string `yaml:"registry_secret"`
	KanikoImage    string `yaml:"kaniko_image"`
	RailpackImage  string `yaml:"railpack_image"`
	CallbackURL    string `yaml:"callback_url"`
}

type timeoutsConfig struct {
	Build  time.Duration `yaml:"build"`
	Deploy time.Duration `yaml:"deploy"`
	Helm   time.Duration `yaml:"helm"`
}

type logConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

func defaultServerConfig() serverConfig {
	return serverConfig{
		Listen:  ":8080",
		DataDir: "./quarry-data",
		Log:     logConfig{Level: "info", JSON: true},
	}
}

func loadServerConfig(path string) (serverConfig, error) {
	cfg := defaultServerConfig()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config: %w", err)
	}
	return cfg, nil
}

func (c serverConfig) buildConfig() build.Config {
	return build.Config{
		Namespace:      c.Builds.Namespace,
		Registry:       c.Builds.Registry,
		RegistrySecret: c.Builds.RegistrySecret,
		KanikoImage:    c.Builds.KanikoImage,
		RailpackImage:  c.Builds.RailpackImage,
		CallbackURL:    c.Builds.CallbackURL,
	}
}

func (c serverConfig) logConfig() log.Config {
	return log.Config{
		Level:      log.Level(c.Log.Level),
		JSONOutput: c.Log.JSON,
	}
}
