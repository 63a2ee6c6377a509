// Copyright 2025 The OpenChoreo Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/sylcore/convergence-agent/internal/agent"
	"github.com/sylcore/convergence-agent/internal/config"
	"github.com/sylcore/convergence-agent/internal/convergence"
	"github.com/sylcore/convergence-agent/internal/deployer/kubernetes"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	var dumpConfig bool
	cfg := agent.Defaults()

	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Convergence agent: reconciles one node's local state against control-service-pushed desired state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, configPath, dumpConfig)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&configPath, "config", "", "Path to a YAML configuration file")
	flags.BoolVar(&dumpConfig, "dump-config", false, "Print the fully merged configuration as YAML and exit")
	flags.String("server-url", cfg.ServerURL, "Control service WebSocket URL")
	flags.String("plane-type", cfg.PlaneType, "Plane type: dataplane, buildplane, or observabilityplane")
	flags.String("plane-id", cfg.PlaneID, "Logical plane identifier")
	flags.Bool("tls-enabled", cfg.TLSEnabled, "Enable mTLS for the control service connection")
	flags.String("client-cert", cfg.ClientCertPath, "Path to client certificate")
	flags.String("client-key", cfg.ClientKeyPath, "Path to client private key")
	flags.String("server-ca", cfg.ServerCAPath, "Path to server CA certificate")
	flags.String("kubeconfig", cfg.Kubeconfig, "Path to kubeconfig file (defaults to in-cluster config)")
	flags.String("namespace", cfg.Namespace, "Namespace the reference deployer reconciles")
	flags.Duration("reconnect-delay", cfg.ReconnectDelay, "Delay between reconnection attempts")
	flags.Duration("iteration-delay", cfg.IterationDelay, "Delay between convergence iterations")
	flags.String("log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")
	flags.String("log-format", cfg.LogFormat, "Log format (json, text)")
	flags.String("metrics-addr", cfg.MetricsAddr, "Address to serve Prometheus metrics on")

	return cmd
}

var flagMappings = map[string]string{
	"server-url":       "server_url",
	"plane-type":       "plane_type",
	"plane-id":         "plane_id",
	"tls-enabled":      "tls_enabled",
	"client-cert":      "client_cert_path",
	"client-key":       "client_key_path",
	"server-ca":        "server_ca_path",
	"kubeconfig":       "kubeconfig",
	"namespace":        "namespace",
	"reconnect-delay":  "reconnect_delay",
	"iteration-delay":  "iteration_delay",
	"log-level":        "log_level",
	"log-format":       "log_format",
	"metrics-addr":     "metrics_addr",
}

func run(cmd *cobra.Command, configPath string, dumpConfig bool) error {
	loader := config.NewLoader("AGENT")
	if err := loader.LoadWithDefaults(agent.Defaults(), configPath); err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	if err := loader.LoadFlags(cmd.Flags(), flagMappings); err != nil {
		return fmt.Errorf("apply flag overrides: %w", err)
	}

	if dumpConfig {
		return loader.DumpYAML(os.Stdout)
	}

	var cfg agent.Config
	if err := loader.UnmarshalAndValidate("", &cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	hostname, err := os.Hostname()
	if err != nil {
		return fmt.Errorf("determine hostname: %w", err)
	}

	logger := agent.NewLogger(cfg, hostname)

	k8sClient, err := createKubernetesClient(cfg.Kubeconfig)
	if err != nil {
		return fmt.Errorf("create kubernetes client: %w", err)
	}

	registry := prometheus.NewRegistry()
	metrics := convergence.NewMetrics(registry)
	deployer := kubernetes.New(k8sClient, hostname, cfg.Namespace)

	svc, err := agent.New(cfg, deployer, logger, metrics)
	if err != nil {
		return fmt.Errorf("create agent service: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metricsServer := startMetricsServer(cfg.MetricsAddr, registry, logger)
	defer func() {
		_ = metricsServer.Close()
	}()

	logger.Info("agent starting", "serverURL", cfg.ServerURL)
	svc.Start(ctx)

	<-ctx.Done()
	logger.Info("shutdown signal received, stopping agent")
	svc.Stop(context.Background())

	logger.Info("agent shutdown completed")
	return nil
}

func startMetricsServer(addr string, registry *prometheus.Registry, logger interface {
	Error(msg string, args ...any)
}) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	server := &http.Server{Addr: addr, Handler: mux}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()

	return server
}
