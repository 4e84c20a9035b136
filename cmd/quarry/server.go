package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/quarryhq/quarry/pkg/api"
	"github.com/quarryhq/quarry/pkg/build"
	"github.com/quarryhq/quarry/pkg/cluster"
	"github.com/quarryhq/quarry/pkg/events"
	"github.com/quarryhq/quarry/pkg/ingest"
	"github.com/quarryhq/quarry/pkg/log"
	"github.com/quarryhq/quarry/pkg/metrics"
	"github.com/quarryhq/quarry/pkg/orchestrator"
	"github.com/quarryhq/quarry/pkg/rollout"
	"github.com/quarryhq/quarry/pkg/security"
	"github.com/quarryhq/quarry/pkg/storage"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the Quarry server",
	Long: `Run the orchestrator, build watcher, and HTTP API as one process.

Configuration comes from a YAML file plus a few flag overrides. The
encryption secret may also be supplied via QUARRY_SECRET.`,
	RunE: runServer,
}

func init() {
	serverCmd.Flags().String("config", "", "Path to the YAML config file")
	serverCmd.Flags().String("listen", "", "Listen address override")
	serverCmd.Flags().String("data-dir", "", "Data directory override")
	serverCmd.Flags().String("kubeconfig", "", "Kubeconfig path (default: in-cluster)")
}

func runServer(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := loadServerConfig(configPath)
	if err != nil {
		return err
	}
	if v, _ := cmd.Flags().GetString("listen"); v != "" {
		cfg.Listen = v
	}
	if v, _ := cmd.Flags().GetString("data-dir"); v != "" {
		cfg.DataDir = v
	}
	if v, _ := cmd.Flags().GetString("kubeconfig"); v != "" {
		cfg.Kubeconfig = v
	}
	if cfg.Secret == "" {
		cfg.Secret = os.Getenv("QUARRY_SECRET")
	}
	if cfg.Secret == "" {
		return fmt.Errorf("an encryption secret is required (config 'secret' or QUARRY_SECRET)")
	}

	log.Init(cfg.logConfig())
	logger := log.WithComponent("server")

	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}
	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer store.Close()
	metrics.RegisterComponent("store", true, "")

	cipher, err := security.NewEnvCipherFromSecret(cfg.Secret)
	if err != nil {
		return err
	}

	client, err := kubeClient(cfg.Kubeconfig)
	if err != nil {
		return fmt.Errorf("building kubernetes client: %w", err)
	}
	metrics.RegisterComponent("cluster", true, "")

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	platform := cluster.NewPlatform(client, cipher, cfg.BaseDomain, cfg.IngressClass)
	runner := build.NewRunner(client, cfg.buildConfig())
	tracker := rollout.NewTracker(client)

	orchCfg := orchestrator.DefaultConfig()
	if cfg.Timeouts.Build > 0 {
		orchCfg.BuildTimeout = cfg.Timeouts.Build
	}
	if cfg.Timeouts.Deploy > 0 {
		orchCfg.DeployTimeout = cfg.Timeouts.Deploy
	}
	if cfg.Timeouts.Helm > 0 {
		orchCfg.HelmTimeout = cfg.Timeouts.Helm
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	orch := orchestrator.New(store, platform, runner, tracker, broker, cipher, orchCfg)
	orch.Start(ctx)
	defer orch.Shutdown()

	go func() {
		if err := runner.Watch(ctx); err != nil && ctx.Err() == nil {
			logger.Error().Err(err).Msg("Build watcher stopped")
		}
	}()

	ingestor := ingest.NewIngestor(store, orch, ingest.NewGitHeadResolver())

	collector := metrics.NewCollector(store)
	collector.Start()
	defer collector.Stop()

	apiServer := api.NewServer(store, ingestor, orch, runner, broker, api.Config{
		Addr:  cfg.Listen,
		Token: cfg.APIToken,
	})
	errCh := make(chan error, 1)
	go func() {
		if err := apiServer.Start(); err != nil {
			errCh <- err
		}
	}()

	logger.Info().Str("listen", cfg.Listen).Str("data_dir", cfg.DataDir).Msg("Quarry server started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("Shutting down")
	case err := <-errCh:
		logger.Error().Err(err).Msg("API server failed")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("API shutdown did not drain cleanly")
	}
	return nil
}

// kubeClient builds a clientset from a kubeconfig path, falling back to the
// in-cluster service account.
func kubeClient(kubeconfig string) (kubernetes.Interface, error) {
	var (
		restCfg *rest.Config
		err     error
	)
	if kubeconfig != "" {
		restCfg, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
	} else {
		restCfg, err = rest.InClusterConfig()
	}
	if err != nil {
		return nil, err
	}
	return kubernetes.NewForConfig(restCfg)
}
