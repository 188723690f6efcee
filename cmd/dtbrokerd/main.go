// Copyright 2025 Tom Barlow
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

// Command dtbrokerd runs the tool dispatch server: it loads a
// configuration file, brings up the connector registry, audit sinks,
// snapshot store, and policy engine it describes, and then serves tool
// calls over stdio or HTTP(S) until it receives a shutdown signal.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dtbroker/dtbroker/internal/audit"
	"github.com/dtbroker/dtbroker/internal/config"
	"github.com/dtbroker/dtbroker/internal/dispatch"
	"github.com/dtbroker/dtbroker/internal/governance"
	"github.com/dtbroker/dtbroker/internal/log"
	"github.com/dtbroker/dtbroker/internal/policy"
	"github.com/dtbroker/dtbroker/internal/registry"
	"github.com/dtbroker/dtbroker/internal/secret"
	"github.com/dtbroker/dtbroker/internal/telemetry"
	"github.com/dtbroker/dtbroker/internal/transport/httpd"
	"github.com/dtbroker/dtbroker/internal/transport/stdio"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML configuration file")
	transportOverride := flag.String("transport", "", "override the configured transport (stdio or http)")
	logLevelOverride := flag.String("log-level", "", "override the configured log level (debug, info, warn, error)")
	identitySubject := flag.String("identity-subject", "stdio-operator", "subject attributed to every call on the stdio transport")
	showVersion := flag.Bool("version", false, "print version information and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("dtbrokerd %s (commit %s, built %s)\n", version, commit, buildDate)
		return
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "dtbrokerd: %v\n", err)
		os.Exit(1)
	}
	if *transportOverride != "" {
		cfg.Server.Transport = *transportOverride
	}
	if *logLevelOverride != "" {
		cfg.Logging.Level = *logLevelOverride
	}

	logger := log.New(&log.Config{
		Level:     cfg.Logging.Level,
		Format:    log.Format(cfg.Logging.Format),
		Output:    os.Stderr,
		AddSource: cfg.Logging.AddSource,
	})
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d, cleanup, err := buildDispatcher(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to build dispatcher", "error", err)
		os.Exit(1)
	}
	defer cleanup()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		errCh <- runTransport(ctx, cfg, d, logger, *identitySubject)
	}()

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig.String())
		cancel()
		select {
		case <-errCh:
		case <-time.After(10 * time.Second):
			logger.Warn("transport did not stop within grace period")
		}
	case err := <-errCh:
		if err != nil {
			logger.Error("transport exited with error", "error", err)
			os.Exit(1)
		}
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	resolver := secret.NewResolver("dtbroker")
	return config.Load(path, resolver)
}

// dispatcherDeps bundles the pieces of buildDispatcher's result that need
// a coordinated shutdown, kept distinct from the Dispatcher itself so
// main can defer one cleanup call regardless of which resources were
// actually allocated.
type dispatcherDeps struct {
	telemetry *telemetry.Provider
	watcher   *config.PolicyWatcher
}

func (d dispatcherDeps) Close() {
	if d.watcher != nil {
		if err := d.watcher.Close(); err != nil {
			slog.Default().Warn("closing policy watcher", "error", err)
		}
	}
	if d.telemetry != nil {
		if err := d.telemetry.Shutdown(context.Background()); err != nil {
			slog.Default().Warn("shutting down telemetry provider", "error", err)
		}
	}
}

func buildDispatcher(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*dispatch.Dispatcher, func(), error) {
	reg := registry.New(governance.DefaultConfig(), governance.NewMetrics(prometheus.DefaultRegisterer))
	for _, spec := range cfg.Connectors {
		if err := reg.Register(spec.ToConnectorConfig()); err != nil {
			return nil, nil, fmt.Errorf("registering connector %q: %w", spec.ID, err)
		}
	}
	if err := reg.ConnectAll(ctx); err != nil {
		logger.Warn("one or more connectors failed to connect at startup", "error", err)
	}

	initialPolicy := policy.Policy{Version: "bootstrap-deny-all", DefaultAction: policy.ActionDeny}
	if cfg.Policy.BundlePath != "" {
		pol, err := policy.LoadBundle(cfg.Policy.BundlePath)
		if err != nil {
			return nil, nil, fmt.Errorf("loading policy bundle: %w", err)
		}
		initialPolicy = pol
	} else {
		logger.Warn("no policy bundle configured, starting deny-all")
	}

	prov, err := telemetry.NewProvider(ctx, telemetry.Config{
		ServiceName: "dtbroker",
		Exporter:    telemetry.ExporterNone,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("starting telemetry provider: %w", err)
	}

	d := dispatch.New(dispatch.Deps{
		Registry:          reg,
		Engine:            policy.NewEngine(&policy.DefaultApprover{}),
		OperationSink:     audit.NewOperationSink(cfg.Audit.OperationBaseDir),
		PolicySink:        audit.NewPolicySink(cfg.Audit.PolicyBaseDir).WithMaxFileBytes(cfg.Audit.PolicyMaxFileBytes),
		PolicyAuditDir:    cfg.Audit.PolicyBaseDir,
		OperationDir:      cfg.Audit.OperationBaseDir,
		Snapshots:         audit.NewSnapshotStore(cfg.Snapshots.Dir),
		Telemetry:         prov,
		Logger:            logger,
		ToolSemaphoreSize: cfg.Server.ToolSemaphore,
		ToolTimeout:       time.Duration(cfg.Server.ToolTimeoutSeconds) * time.Second,
	}, initialPolicy, prometheus.DefaultRegisterer)

	var watcher *config.PolicyWatcher
	if cfg.Policy.BundlePath != "" {
		watcher, err = config.NewPolicyWatcher(cfg.Policy.BundlePath, func() {
			pol, err := policy.LoadBundle(cfg.Policy.BundlePath)
			if err != nil {
				logger.Error("policy bundle reload failed, keeping previous policy in effect", "error", err)
				return
			}
			d.SetPolicy(pol)
			logger.Info("policy bundle reloaded", "version", pol.Version)
		}, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("starting policy watcher: %w", err)
		}
	}

	deps := dispatcherDeps{telemetry: prov, watcher: watcher}
	return d, deps.Close, nil
}

func runTransport(ctx context.Context, cfg *config.Config, d *dispatch.Dispatcher, logger *slog.Logger, identitySubject string) error {
	switch cfg.Server.Transport {
	case "", "stdio":
		srv := stdio.New(stdio.Config{
			Name:     "dtbroker",
			Version:  version,
			Identity: policy.Identity{Subject: identitySubject},
			Logger:   logger,
		}, d)
		return srv.Run(ctx)
	case "http":
		srv, err := httpd.NewServer(cfg.Server.HTTP, d, logger)
		if err != nil {
			return fmt.Errorf("building http transport: %w", err)
		}
		return srv.ListenAndServe(ctx)
	default:
		return fmt.Errorf("unknown transport %q", cfg.Server.Transport)
	}
}
