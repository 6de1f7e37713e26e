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

// Package daemon is the composition root: it wires config, the job
// engine, the run aggregator, the workflow planner, the Cuttlefish
// controller, every business service, and one transport.Server per
// service's fixed listen address.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/oauth2"

	"github.com/aadk-dev/platform/internal/config"
	"github.com/aadk-dev/platform/internal/cuttlefish"
	alog "github.com/aadk-dev/platform/internal/log"
	"github.com/aadk-dev/platform/internal/jobengine"
	"github.com/aadk-dev/platform/internal/persistence/sqlite"
	"github.com/aadk-dev/platform/internal/pipeline"
	"github.com/aadk-dev/platform/internal/run"
	"github.com/aadk-dev/platform/internal/secrets"
	"github.com/aadk-dev/platform/internal/services"
	"github.com/aadk-dev/platform/internal/targets"
	"github.com/aadk-dev/platform/internal/tracing"
	"github.com/aadk-dev/platform/internal/transport"
)

// Daemon owns every long-lived component and its transport servers.
type Daemon struct {
	cfg    *config.Config
	logger *slog.Logger

	Engine   *jobengine.Engine
	Runs     *run.Aggregator
	Planner  *pipeline.Planner
	Registry *targets.Registry

	Toolchain *services.ToolchainService
	Project   *services.ProjectService
	Build     *services.BuildService
	Target    *services.TargetService
	Observe   *services.ObserveService
	Workflow  *services.WorkflowService
	Job       *services.JobService

	tracer    *tracing.OTelProvider
	history   *sqlite.Store
	retention *tracing.RetentionManager

	servers []*transport.Server
}

// New builds every component from cfg but does not yet bind any
// listener or start the reaper; call Start for that.
func New(cfg *config.Config, logger *slog.Logger) (*Daemon, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = alog.WithComponent(logger, "daemon")

	dataDir, err := config.DataDir()
	if err != nil {
		return nil, fmt.Errorf("daemon: resolving data dir: %w", err)
	}

	engine := jobengine.New(jobengine.Config{
		StallTimeout:     cfg.Job.StallTimeout,
		ReapInterval:     cfg.Job.ReapInterval,
		HistoryRetention: cfg.Job.HistoryRetention,
	}, logger)

	runs := run.New(run.Config{
		QuiescenceMS:    cfg.Run.QuiescenceMS,
		DiscoveryMisses: cfg.Run.DiscoveryMisses,
	}, engine)
	engine.SetRunRegistrar(runs)

	planner := pipeline.New(engine, logger)
	planner.Register()

	ciToken, err := ciGridTokenSource(logger)
	if err != nil {
		logger.Warn("CI grid credentials unavailable, Cuttlefish resolution will run unauthenticated", alog.Error(err))
	}

	if !cfg.Cuttlefish.PageSizeCheck {
		os.Setenv(cuttlefish.EnvPageSizeCheck, "0")
	}
	cfOpts := cuttlefish.Options{HomeDir: filepath.Join(dataDir, "cuttlefish")}
	cf := cuttlefish.New(engine, cfOpts, ciToken, logger)
	cf.Register()

	registry := targets.NewRegistry(cf)

	toolchain := services.NewToolchainService(engine, filepath.Join(dataDir, "toolchains.json"), logger)
	toolchain.Register()

	project := services.NewProjectService(engine, filepath.Join(dataDir, "projects.json"), logger)
	project.Register()

	build := services.NewBuildService(engine, logger)
	build.Register()

	target := services.NewTargetService(engine, registry, cf, filepath.Join(dataDir, "default_target.json"), logger)
	target.Register()

	bundleDir := filepath.Join(dataDir, "bundles")
	observe := services.NewObserveService(engine, runs, bundleDir, logger)
	observe.Register()

	workflow := services.NewWorkflowService(planner)
	job := services.NewJobService(engine, runs)

	d := &Daemon{
		cfg:      cfg,
		logger:   logger,
		Engine:   engine,
		Runs:     runs,
		Planner:  planner,
		Registry: registry,

		Toolchain: toolchain,
		Project:   project,
		Build:     build,
		Target:    target,
		Observe:   observe,
		Workflow:  workflow,
		Job:       job,
	}

	if cfg.Tracing.Enabled {
		if err := d.setupTracing(dataDir); err != nil {
			logger.Warn("tracing setup failed, continuing without it", alog.Error(err))
		}
	}

	return d, nil
}

// setupTracing builds the OTel provider, wires it into the job engine
// and its metrics gauges, and opens the sqlite history store behind a
// retention sweep. Failure here is non-fatal: the daemon runs with
// tracing disabled rather than refusing to start.
func (d *Daemon) setupTracing(dataDir string) error {
	tcfg := d.cfg.Tracing.ToTracingConfig()

	provider, err := tracing.NewOTelProviderWithConfig(context.Background(), tcfg)
	if err != nil {
		return fmt.Errorf("daemon: building tracing provider: %w", err)
	}
	d.tracer = provider
	d.Engine.SetTracer(provider.Tracer("platform.jobengine"))
	provider.Metrics().SetJobCounter(d.Engine)

	if tcfg.Storage.Backend == "sqlite" {
		path := tcfg.Storage.Path
		if path == "" {
			path = filepath.Join(dataDir, "history.db")
		}
		store, err := sqlite.Open(sqlite.Config{Path: path})
		if err != nil {
			return fmt.Errorf("daemon: opening history store: %w", err)
		}
		d.history = store
		d.retention = tracing.NewRetentionManager(store, tcfg.Storage.Retention, time.Hour, d.logger)
	}

	return nil
}

// ciGridTokenSource resolves an optional CI grid bearer token from the
// OS keyring (internal/secrets); a missing entry is not an error, it
// just means unauthenticated public-grid access.
func ciGridTokenSource(logger *slog.Logger) (oauth2.TokenSource, error) {
	token, err := secrets.Get(secrets.ServiceName, secrets.CIGridTokenKey)
	if err != nil {
		if secrets.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token}), nil
}

// Start binds every service's transport.Server to its configured
// address, registers its RPC/stream handlers, and starts the job
// engine's stall reaper.
func (d *Daemon) Start(ctx context.Context) error {
	d.Engine.StartReaper()

	if d.retention != nil {
		d.retention.Start(ctx)
	}

	validator, err := authValidator()
	if err != nil {
		return err
	}

	specs := []struct {
		addr string
		bind func(*transport.Server)
	}{
		{d.cfg.Listen.JobService, d.bindJobService},
		{d.cfg.Listen.ToolchainService, d.bindToolchainService},
		{d.cfg.Listen.ProjectService, d.bindProjectService},
		{d.cfg.Listen.BuildService, d.bindBuildService},
		{d.cfg.Listen.TargetService, d.bindTargetService},
		{d.cfg.Listen.ObserveService, d.bindObserveService},
		{d.cfg.Listen.WorkflowService, d.bindWorkflowService},
	}

	for _, spec := range specs {
		srv := transport.NewServer(transport.ServerConfig{Addr: spec.addr, Validator: validator, Logger: d.logger})
		spec.bind(srv)
		if _, err := srv.Start(ctx); err != nil {
			d.Shutdown(ctx)
			return fmt.Errorf("daemon: starting server on %s: %w", spec.addr, err)
		}
		d.servers = append(d.servers, srv)
	}

	return nil
}

// authValidator builds a transport.TokenValidator from a signing
// secret resolved via internal/secrets, or nil (no auth) if none is
// configured — matching loopback-only deployments where token auth is
// required only for non-loopback listeners.
func authValidator() (*transport.TokenValidator, error) {
	secret, err := secrets.Get(secrets.ServiceName, secrets.RPCSigningKeyKey)
	if err != nil {
		if secrets.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return transport.NewTokenValidator([]byte(secret))
}

// Shutdown stops every transport.Server and the job engine's reaper.
func (d *Daemon) Shutdown(ctx context.Context) {
	for _, srv := range d.servers {
		_ = srv.Shutdown(ctx)
	}
	if d.retention != nil {
		d.retention.Stop()
	}
	if d.history != nil {
		_ = d.history.Close()
	}
	if d.tracer != nil {
		_ = d.tracer.Shutdown(ctx)
	}
	d.Engine.Stop()
}
