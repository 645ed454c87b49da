/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Command autoscaler is the resident-daemon entrypoint (spec §9): it loads
// configuration once, wires every adapter, then calls Reconciler.Tick on a
// fixed interval until told to stop. Grounded on the teacher's operator
// bootstrap shape (pkg/operator/controller.go, pkg/operator/metrics), but
// adapted from a controller-runtime manager.Manager that watches CRDs into
// a plain ticker loop, since this module carries no Kubernetes CRDs of its
// own to watch.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	_ "go.uber.org/automaxprocs"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/klog/v2"

	"github.com/cluster-autoscaler/autoscaler/internal/log"
	"github.com/cluster-autoscaler/autoscaler/pkg/clustermetrics"
	"github.com/cluster-autoscaler/autoscaler/pkg/clusterregistry"
	"github.com/cluster-autoscaler/autoscaler/pkg/clusterstate"
	"github.com/cluster-autoscaler/autoscaler/pkg/config"
	"github.com/cluster-autoscaler/autoscaler/pkg/decision"
	"github.com/cluster-autoscaler/autoscaler/pkg/drain"
	"github.com/cluster-autoscaler/autoscaler/pkg/metricssource"
	"github.com/cluster-autoscaler/autoscaler/pkg/notify"
	"github.com/cluster-autoscaler/autoscaler/pkg/provisioning"
	"github.com/cluster-autoscaler/autoscaler/pkg/reconciler"
	"github.com/cluster-autoscaler/autoscaler/pkg/secrets"
)

var (
	configFile     string
	kubeconfigPath string
	metricsAddr    string
)

func main() {
	root := &cobra.Command{
		Use:   "autoscaler",
		Short: "Runs the cluster-autoscaler reconciliation loop",
		RunE:  run,
	}
	root.Flags().StringVar(&configFile, "config", "", "path to a YAML config file (CLUSTER_AUTOSCALER_* env vars take precedence over its values)")
	root.Flags().StringVar(&kubeconfigPath, "kubeconfig", "", "path to a kubeconfig file; empty uses in-cluster config")
	root.Flags().StringVar(&metricsAddr, "metrics-bind-address", ":8080", "address the self-observability /metrics endpoint listens on")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	zapLog, err := log.NewZap(cfg.LogLevel, false)
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer func() { _ = zapLog.Sync() }()
	logger := log.FromZap(zapLog)
	logger = logger.WithValues("clusterId", cfg.ClusterID)
	// Route client-go's internal klog output (rate-limit warnings, retry
	// backoff noise) through the same structured logger everything else uses.
	klog.SetLogger(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = log.IntoContext(ctx, logger)

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
	if err != nil {
		return fmt.Errorf("loading AWS config: %w", err)
	}

	kubeClient, err := buildKubeClient(kubeconfigPath)
	if err != nil {
		return fmt.Errorf("building kubernetes client: %w", err)
	}

	secretStore := secrets.NewStore(secretsmanager.NewFromConfig(awsCfg))
	// The join token must be reachable before this process ever dispatches a
	// scale-up; a misconfigured secret name is a startup failure, not a
	// per-tick one.
	if _, err := secretStore.Get(ctx, cfg.JoinTokenSecretName); err != nil {
		return fmt.Errorf("fetching join token secret: %w", err)
	}

	webhookURL := ""
	if cfg.NotificationWebhookSecretName != "" {
		webhookURL, err = secretStore.Get(ctx, cfg.NotificationWebhookSecretName)
		if err != nil {
			return fmt.Errorf("fetching notification webhook secret: %w", err)
		}
	}

	dynamoClient := dynamodb.NewFromConfig(awsCfg)
	historyStore := clusterstate.NewHistoryStore(dynamoClient, cfg.HistoryTableName)
	store := clusterstate.NewStore(dynamoClient, cfg.StateTableName, historyStore)

	registry := clusterregistry.NewRegistry(kubeClient)

	provisioner := provisioning.NewProvisioner(
		ec2.NewFromConfig(awsCfg), registry, cfg.ClusterID, cfg.LaunchTemplateID,
		cfg.Zones, cfg.SpotPercentage, cfg.JoinDeadline, logger,
	)
	drainer := drain.NewDrainer(registry, provisioner, cfg.DrainTimeout)

	metricsSource, err := buildMetricsSource(ctx, cfg, secretStore)
	if err != nil {
		return fmt.Errorf("building metrics source: %w", err)
	}

	var predictor decision.Predictor
	if cfg.EnablePredictive {
		predictor = decision.NewHourOfWeekPredictor(cfg.ClusterID, func(ctx context.Context, clusterID string, hourOfDay int, dayOfWeek time.Weekday, limit int) ([]float64, error) {
			rows, err := historyStore.QueryHourOfDay(ctx, clusterID, hourOfDay, dayOfWeek, limit)
			if err != nil {
				return nil, err
			}
			values := make([]float64, 0, len(rows))
			for _, r := range rows {
				values = append(values, r.CPUPct)
			}
			return values, nil
		}, 4)
	}
	engine := decision.NewEngine(predictor)

	var sink notify.Sink
	if webhookURL != "" {
		sink = notify.NewSlackSink(webhookURL, "#cluster-autoscaler", logger)
	}

	clusterMetrics := clustermetrics.New()
	recon := reconciler.New(store, metricsSource, engine, provisioner, drainer, registry, sink, clusterMetrics, cfg, logger)

	srv := startMetricsServer(metricsAddr, clusterMetrics, logger)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	return runLoop(ctx, cfg.TickInterval, recon, logger)
}

// runLoop schedules Tick on cfg.TickInterval via a cron.Cron running an
// "@every" entry, matching the resident-daemon shape spec §9 calls for in
// place of the teacher's controller-runtime watch-and-reconcile loop. A
// tick error is logged, never fatal: the next scheduled tick gets another
// attempt. Blocks until ctx is cancelled (SIGINT/SIGTERM).
func runLoop(ctx context.Context, interval time.Duration, recon *reconciler.Reconciler, logger logr.Logger) error {
	c := cron.New()
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", interval), func() {
		if err := recon.Tick(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error(err, "reconciliation tick failed")
		}
	}); err != nil {
		return fmt.Errorf("scheduling tick: %w", err)
	}

	c.Start()
	<-ctx.Done()
	logger.Info("shutting down")
	<-c.Stop().Done()
	return nil
}

func buildKubeClient(kubeconfigPath string) (kubernetes.Interface, error) {
	var restCfg *rest.Config
	var err error
	if kubeconfigPath != "" {
		restCfg, err = clientcmd.BuildConfigFromFlags("", kubeconfigPath)
	} else {
		restCfg, err = rest.InClusterConfig()
	}
	if err != nil {
		return nil, err
	}
	return kubernetes.NewForConfig(restCfg)
}

func buildMetricsSource(ctx context.Context, cfg config.Config, secretStore *secrets.Store) (*metricssource.Adapter, error) {
	queries := metricssource.QuerySet{
		CPU: metricssource.QueryCPU, Memory: metricssource.QueryMemory, PendingPods: metricssource.QueryPendingPods,
	}
	if cfg.EnableCustomMetrics {
		queries.APILatencyP95 = metricssource.QueryAPILatencyP95
		queries.ErrorRate = metricssource.QueryErrorRate
		queries.QueueDepth = metricssource.QueryQueueDepth
	}
	if cfg.MetricsCredentialsSecretName != "" {
		if _, err := secretStore.Get(ctx, cfg.MetricsCredentialsSecretName); err != nil {
			return nil, fmt.Errorf("fetching metrics credentials secret: %w", err)
		}
	}
	return metricssource.New(cfg.MetricsBaseURL, queries, cfg.EnableCustomMetrics)
}

func startMetricsServer(addr string, m *clustermetrics.Metrics, logger logr.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(err, "metrics server stopped")
		}
	}()
	return srv
}
