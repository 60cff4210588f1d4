// Copyright 2025 The Homie Proxy Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command homieproxy runs the standalone proxy server: it loads instance
// configuration from a YAML file, mounts every instance under /proxy/,
// and serves the debug and metrics endpoints alongside.
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

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/homieproxy/homieproxy"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "homieproxy",
		Short:        "Multi-tenant HTTP/HTTPS/WebSocket forwarding proxy",
		SilenceUsage: true,
	}
	cmd.AddCommand(runCmd())
	return cmd
}

func runCmd() *cobra.Command {
	var (
		configFile string
		listen     string
		debugLog   bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the proxy server in the foreground",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), configFile, listen, debugLog)
		},
	}
	cmd.Flags().StringVarP(&configFile, "config", "c", "homieproxy.yaml", "path to the configuration file")
	cmd.Flags().StringVarP(&listen, "listen", "l", "", "listen address (overrides the config file)")
	cmd.Flags().BoolVar(&debugLog, "debug", false, "enable debug logging")
	return cmd
}

// serverConfig is the standalone server's configuration file shape.
type serverConfig struct {
	Listen    string                     `yaml:"listen"`
	Instances []homieproxy.InstanceConfig `yaml:"instances"`
}

func loadConfig(path string) (*serverConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %v", err)
	}
	var cfg serverConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %v", err)
	}
	if cfg.Listen == "" {
		cfg.Listen = ":8080"
	}
	if len(cfg.Instances) == 0 {
		return nil, fmt.Errorf("no proxy instances configured")
	}
	return &cfg, nil
}

func run(ctx context.Context, configFile, listen string, debugLog bool) error {
	logCfg := zap.NewProductionConfig()
	if debugLog {
		logCfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	logger, err := logCfg.Build()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	cfg, err := loadConfig(configFile)
	if err != nil {
		return err
	}
	if listen != "" {
		cfg.Listen = listen
	}

	registry := homieproxy.NewRegistry(logger)
	for _, ic := range cfg.Instances {
		if _, err := registry.Setup(ic); err != nil {
			return fmt.Errorf("configuring instance: %v", err)
		}
	}

	handler := homieproxy.NewHandler(registry, homieproxy.WithLogger(logger))

	router := chi.NewRouter()
	router.Handle("/proxy/{instance}", handler)
	router.Method(http.MethodGet, "/debug", registry.DebugHandler())
	router.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errc := make(chan error, 1)
	go func() {
		logger.Info("server listening",
			zap.String("address", cfg.Listen),
			zap.Strings("instances", registry.Names()))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
