// Command daloraclehub runs the Decentralized Active Learning orchestration
// core: it wires the Identity & Role Resolver, Project Registry Client,
// Configuration Store, Bundle Builder, Object-Store Client, Deployment
// Orchestrator, Iteration Engine, Voting-Results Exporter, Event Bus, and
// resilience layer together, starts the Temporal worker, bridges published
// events into durable storage, and serves the HTTP status and control
// surface.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/daloraclehub/dalcore/internal/api"
	"github.com/daloraclehub/dalcore/internal/apperrors"
	"github.com/daloraclehub/dalcore/internal/bundle"
	"github.com/daloraclehub/dalcore/internal/config"
	"github.com/daloraclehub/dalcore/internal/configstore"
	"github.com/daloraclehub/dalcore/internal/deploy"
	"github.com/daloraclehub/dalcore/internal/eventbus"
	"github.com/daloraclehub/dalcore/internal/export"
	"github.com/daloraclehub/dalcore/internal/identity"
	"github.com/daloraclehub/dalcore/internal/iteration"
	"github.com/daloraclehub/dalcore/internal/logging"
	"github.com/daloraclehub/dalcore/internal/mlservice"
	"github.com/daloraclehub/dalcore/internal/objectstore"
	"github.com/daloraclehub/dalcore/internal/processlock"
	"github.com/daloraclehub/dalcore/internal/registry"
	"github.com/daloraclehub/dalcore/internal/resilience"
	"github.com/daloraclehub/dalcore/internal/signer"
	"github.com/daloraclehub/dalcore/internal/store"
	tmprl "github.com/daloraclehub/dalcore/internal/temporal"

	"go.temporal.io/sdk/client"
)

func main() {
	configPath := flag.String("config", "dalcore.toml", "path to config file")
	dev := flag.Bool("dev", false, "use text log format (default is JSON)")
	temporalHostPort := flag.String("temporal-host-port", "127.0.0.1:7233", "Temporal server address")
	flag.Parse()

	logger := logging.New("info", *dev)
	slog.SetDefault(logger)
	logger.Info("daloraclehub starting", "config", *configPath)

	cfgManager, err := config.LoadManager(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	cfg := cfgManager.Get()

	logger = logging.New(cfg.General.LogLevel, *dev)
	slog.SetDefault(logger)

	lockFile, err := processlock.AcquireFlock(cfg.General.LockFile)
	if err != nil {
		logger.Error("failed to acquire single-instance lock", "error", err)
		os.Exit(1)
	}
	defer processlock.ReleaseFlock(lockFile)

	db, err := store.Open(cfg.General.StateDB)
	if err != nil {
		logger.Error("failed to open state store", "path", cfg.General.StateDB, "error", err)
		os.Exit(1)
	}
	defer db.Close()

	metricsReg := prometheus.NewRegistry()
	metrics := resilience.NewMetrics(metricsReg)
	breakers := resilience.NewBreakerRegistry(resilience.BreakerSettings{
		FailureRatio: cfg.Breaker.FailureRatio,
		MinRequests:  uint32(cfg.Breaker.MinRequests),
		Interval:     cfg.Breaker.Interval.Duration,
		OpenTimeout:  cfg.Breaker.OpenTimeout.Duration,
	})
	caller := resilience.NewCaller(breakers, metrics)

	bus := eventbus.New(cfg.EventBus.QueueSize)

	sgr := signer.NewHTTPSigner(http.DefaultClient, cfg.Signer.Endpoint, cfg.Signer.Identity)

	gov := registry.NewHTTPGovernance(http.DefaultClient, cfg.Governance.Nodes)
	roles := identity.New(regMembershipSource{gov: gov}, identity.DefaultTTL)
	reg := registry.New(gov, sgr, roles, caller, "governance")

	objects := objectstore.NewRetryingClient(
		objectstore.NewHTTPClient(http.DefaultClient, cfg.Store.Gateways),
		caller,
		"object-store",
	)

	configs := configstore.New(db, bus)
	if err := rehydrateConfigurations(db, configs); err != nil {
		logger.Error("failed to rehydrate configurations", "error", err)
		os.Exit(1)
	}

	builder := bundle.NewBuilder(bundle.NewObjectStoreFetcher(objects), cfg.General.InlineDatasetMaxBytes)
	orchestrator := deploy.New(configs, builder, objects, reg, db, bus, roles, cfg.Signer.Identity)

	mlClient := mlservice.NewRetryingClient(
		mlservice.NewHTTPClient(http.DefaultClient, cfg.ML.Endpoint),
		caller,
		"ml-service",
	)

	exporter := export.New(nil, tmprl.NewResultsSink(mlClient), db, bus)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go runDeploymentTrigger(ctx, bus, orchestrator, logger)
	go runEventLogBridge(ctx, bus, db, logger)

	tc, err := client.Dial(client.Options{HostPort: *temporalHostPort})
	if err != nil {
		logger.Error("failed to dial temporal", "error", err)
		os.Exit(1)
	}
	defer tc.Close()

	acts := &tmprl.Activities{
		ML:          mlClient,
		Registry:    reg,
		Exporter:    exporter,
		Checkpoints: db,
		Bus:         bus,
	}
	// Replace the exporter built above, whose VoteSource is nil, with one
	// that reads batch votes through the registry client.
	exporter = export.New(tmprl.NewVoteSource(reg), tmprl.NewResultsSink(mlClient), db, bus)
	acts.Exporter = exporter

	go func() {
		logger.Info("starting temporal worker")
		if err := tmprl.StartWorker(*temporalHostPort, acts); err != nil {
			logger.Error("temporal worker error", "error", err)
		}
	}()

	engine := iteration.New(tc, configs, roles, db, cfg.Signer.Identity)

	apiSrv, err := api.NewServer(cfg, db, configs, bus, engine, logger.With("component", "api"))
	if err != nil {
		logger.Error("failed to create api server", "error", err)
		os.Exit(1)
	}
	defer apiSrv.Close()

	go func() {
		if err := apiSrv.Start(ctx); err != nil {
			logger.Error("api server error", "error", err)
		}
	}()

	logger.Info("daloraclehub running", "bind", cfg.API.Bind)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)

	for {
		sig := <-sigCh
		switch sig {
		case syscall.SIGHUP:
			if err := cfgManager.Reload(*configPath); err != nil {
				logger.Error(fmt.Sprintf("config reload failed: %v", err))
				continue
			}
			logger.Info("config reloaded")
		default:
			shutdownStart := time.Now()
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
			logger.Info("daloraclehub stopped", "shutdown_duration", time.Since(shutdownStart).String())
			return
		}
	}
}

// regMembershipSource adapts registry's HTTP governance client to
// identity.MembershipSource without going through the resilience-wrapped
// registry.Client, since the Resolver is itself one of that Client's
// constructor dependencies.
type regMembershipSource struct {
	gov *registry.HTTPGovernance
}

func (r regMembershipSource) GetMembership(projectID string) (identity.Membership, error) {
	proj, err := r.gov.ReadProjectRecord(context.Background(), projectID)
	if err != nil {
		return identity.Membership{}, apperrors.Wrap(err, apperrors.ErrorTypeTransient, "read project record for membership")
	}
	participants, err := r.gov.ReadParticipants(context.Background(), projectID)
	if err != nil {
		return identity.Membership{}, apperrors.Wrap(err, apperrors.ErrorTypeTransient, "read participants for membership")
	}
	return identity.Membership{Creator: proj.Creator, Participants: participants}, nil
}

// rehydrateConfigurations restores in-memory Configuration state for every
// project with a persisted active version after a restart.
func rehydrateConfigurations(db *store.Store, configs *configstore.Store) error {
	projects, err := db.ListActiveProjects()
	if err != nil {
		return err
	}
	return configs.Rehydrate(projects)
}

// runDeploymentTrigger watches configuration-changed events and kicks off
// the deployment pipeline for every project that enters the deploying
// state, the way a coordinator's "deploy" action would.
func runDeploymentTrigger(ctx context.Context, bus *eventbus.Bus, orchestrator *deploy.Orchestrator, logger *slog.Logger) {
	events := bus.Subscribe(eventbus.TopicConfigurationChanged)
	last := make(map[string]configstore.Status)
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			cfg, ok := evt.Payload.(configstore.Configuration)
			if !ok {
				continue
			}
			prev := last[cfg.ProjectID]
			last[cfg.ProjectID] = cfg.Status
			if cfg.Status != configstore.StatusDeploying || prev == configstore.StatusDeploying {
				continue
			}
			go func(projectID string) {
				key := uuid.NewString()
				if err := orchestrator.Deploy(ctx, projectID, key); err != nil {
					logger.Error("deployment failed", "project", projectID, "idempotency_key", key, "error", err)
				}
			}(cfg.ProjectID)
		}
	}
}

// eventLogTopics lists every topic the durable event log replays through
// GET /events; anything published outside this list never reaches it.
var eventLogTopics = []eventbus.Topic{
	eventbus.TopicConfigurationChanged,
	eventbus.TopicDeploymentStatus,
	eventbus.TopicIterationState,
	eventbus.TopicVotingProgress,
	eventbus.TopicExportCompleted,
}

// runEventLogBridge persists every event published on the bus into the
// durable event_log table, the only thing GET /events actually reads from.
// One goroutine per topic since Bus.Subscribe hands back a single channel
// per call.
func runEventLogBridge(ctx context.Context, bus *eventbus.Bus, db *store.Store, logger *slog.Logger) {
	for _, topic := range eventLogTopics {
		go func(topic eventbus.Topic) {
			events := bus.Subscribe(topic)
			for {
				select {
				case <-ctx.Done():
					return
				case evt, ok := <-events:
					if !ok {
						return
					}
					payload, err := json.Marshal(evt.Payload)
					if err != nil {
						logger.Error("failed to marshal event payload for event log", "topic", topic, "error", err)
						continue
					}
					if err := db.AppendEventLog(string(evt.Topic), evt.Project, string(payload)); err != nil {
						logger.Error("failed to append event log", "topic", topic, "error", err)
					}
				}
			}
		}(topic)
	}
}
