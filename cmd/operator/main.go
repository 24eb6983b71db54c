// Package main is the entry point for the unified Operator binary: agent
// registry, task scheduler, policy engine, audit ledger, reconciler, and
// the collaboration engine behind one HTTP surface.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	agenthandlers "github.com/BlackRoad-OS/blackroad-os-operator-sub000/internal/agent/handlers"
	"github.com/BlackRoad-OS/blackroad-os-operator-sub000/internal/agent/registry"
	"github.com/BlackRoad-OS/blackroad-os-operator-sub000/internal/collab/gossip"
	"github.com/BlackRoad-OS/blackroad-os-operator-sub000/internal/collab/session"
	"github.com/BlackRoad-OS/blackroad-os-operator-sub000/internal/collab/shard"
	"github.com/BlackRoad-OS/blackroad-os-operator-sub000/internal/common/config"
	"github.com/BlackRoad-OS/blackroad-os-operator-sub000/internal/common/httpmw"
	"github.com/BlackRoad-OS/blackroad-os-operator-sub000/internal/common/logger"
	"github.com/BlackRoad-OS/blackroad-os-operator-sub000/internal/common/version"
	"github.com/BlackRoad-OS/blackroad-os-operator-sub000/internal/events"
	"github.com/BlackRoad-OS/blackroad-os-operator-sub000/internal/events/bus"
	gatewayws "github.com/BlackRoad-OS/blackroad-os-operator-sub000/internal/gateway/websocket"
	"github.com/BlackRoad-OS/blackroad-os-operator-sub000/internal/ledger"
	"github.com/BlackRoad-OS/blackroad-os-operator-sub000/internal/policy"
	"github.com/BlackRoad-OS/blackroad-os-operator-sub000/internal/reconciler"
	"github.com/BlackRoad-OS/blackroad-os-operator-sub000/internal/task"
	ws "github.com/BlackRoad-OS/blackroad-os-operator-sub000/pkg/websocket"
)

// schedulerMetrics feeds the reconciler from the scheduler. The single
// ready queue backs every pool; per-pool latency needs a metrics backend
// and reads as zero until one is wired.
type schedulerMetrics struct {
	scheduler *task.Scheduler
}

func (m schedulerMetrics) QueueDepth(string) int           { return m.scheduler.QueueDepth() }
func (m schedulerMetrics) P95Latency(string) time.Duration { return 0 }

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting Operator", zap.String("version", version.Version))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Event bus: NATS when configured, in-memory otherwise.
	eventBus, closeBus, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}
	defer closeBus()

	// Audit ledger.
	ledgerSvc, err := ledger.NewService(cfg.Ledger.Dir, log)
	if err != nil {
		log.Fatal("Failed to open audit ledger", zap.Error(err))
	}
	defer ledgerSvc.Close()

	// Policy engine with optional hot reload.
	policyEngine := policy.NewEngine(cfg.Policy.CatalogPath, log)
	if cfg.Policy.Watch {
		stopWatch, err := policyEngine.Watch()
		if err != nil {
			log.Warn("Policy watcher unavailable", zap.Error(err))
		} else {
			defer stopWatch()
		}
	}

	// Agent registry and its health loop.
	reg := registry.New(cfg.Registry.OfflineThresholdDuration(), eventBus, log)
	reg.StartHealthLoop(ctx, cfg.Registry.HealthCheckIntervalDuration())
	defer reg.Stop()

	// Task scheduler. The planner backend is selected at startup; the
	// static planner keeps the operator usable without an external one.
	scheduler := task.NewScheduler(task.NewStaticPlanner(), reg, eventBus, ledgerSvc, cfg.Scheduler.QueueMaxSize, log)
	scheduler.StartDispatcher(ctx, cfg.Scheduler.DispatchIntervalDuration())
	defer scheduler.Stop()

	// Reconciler store, seeded with the default pool on first boot.
	store, err := reconciler.OpenStore(cfg.Database.DSN())
	if err != nil {
		log.Fatal("Failed to open reconciler store", zap.Error(err))
	}
	defer store.Close()
	if _, err := store.Pool("default"); err != nil {
		if err := store.UpsertPool(reconciler.WorkerPool{
			Name: "default", MinWorkers: 1, MaxWorkers: 5, CurrentWorkers: 1,
		}); err != nil {
			log.Fatal("Failed to seed default pool", zap.Error(err))
		}
	}

	recon := reconciler.New(cfg.Reconciler, store, schedulerMetrics{scheduler},
		reconciler.NewLogProvider(log), reg, ledgerSvc, eventBus, log)
	recon.Start(ctx)
	defer recon.Stop()

	// Terminal task outcomes feed the per-agent error-rate window.
	for _, subject := range []string{events.TaskCompleted, events.TaskFailed} {
		success := subject == events.TaskCompleted
		if _, err := eventBus.Subscribe(subject, func(_ context.Context, event *bus.Event) error {
			agentID, _ := event.Data["assigned_agent_id"].(string)
			taskID, _ := event.Data["task_id"].(string)
			if agentID == "" {
				return nil
			}
			return store.RecordJob(agentID, taskID, success, time.Now())
		}); err != nil {
			log.Fatal("Failed to subscribe job stats", zap.Error(err))
		}
	}

	// A lost agent session fails its running tasks.
	if _, err := eventBus.Subscribe(events.AgentDisconnected, func(_ context.Context, event *bus.Event) error {
		if agentID, _ := event.Data["agent_id"].(string); agentID != "" {
			scheduler.HandleAgentDisconnect(agentID)
		}
		return nil
	}); err != nil {
		log.Fatal("Failed to subscribe agent disconnects", zap.Error(err))
	}

	// Collaboration engine. Sessions replicate across shard gossip nodes
	// over the in-process transport.
	shardMgr := shard.NewManager(cfg.Collab.Shards, cfg.Collab.ShardCapacity, cfg.Collab.VirtualNodes, log)
	sessionMgr := session.NewManager(shardMgr, gossip.NewLocalTransport(), eventBus, log)
	sessionMgr.Start(ctx)
	defer sessionMgr.Stop()

	// Dashboard hub.
	dispatcher := ws.NewDispatcher()
	gatewayws.RegisterDispatchers(dispatcher, scheduler, reg)
	hub := gatewayws.NewHub(dispatcher, log)
	if err := gatewayws.BindEventBus(hub, eventBus, log); err != nil {
		log.Fatal("Failed to bind hub to event bus", zap.Error(err))
	}

	// HTTP surface.
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(httpmw.RequestLogger(log, "operator"))
	router.Use(gin.Recovery())
	router.Use(httpmw.OperatorHeaders(cfg.Policy.CatalogPath))

	agenthandlers.New(reg, scheduler, cfg.Registry.AgentSecret, log).RegisterRoutes(router)
	task.NewHandler(scheduler).RegisterRoutes(router)
	ledger.NewHandler(ledgerSvc).RegisterRoutes(router)
	policy.NewHandler(policyEngine).RegisterRoutes(router)
	session.NewHTTPHandler(sessionMgr).RegisterRoutes(router)
	gatewayws.NewHandler(hub, log).RegisterRoutes(router)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"components": gin.H{
				"event_bus": gin.H{"connected": eventBus.IsConnected()},
				"ledger":    gin.H{"events": ledgerSvc.Count()},
				"policy":    policyEngine.Health(),
				"registry":  gin.H{"agents": len(reg.List())},
				"scheduler": gin.H{"queue_depth": scheduler.QueueDepth()},
				"collab":    shardMgr.Stats(),
				"dashboard": gin.H{"clients": hub.ClientCount()},
			},
		})
	})
	router.GET("/version", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"version": version.Version, "commit": version.Commit})
	})

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		log.Info("HTTP server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error("Operator exited with error", zap.Error(err))
		os.Exit(1)
	}
	log.Info("Operator stopped")
}
