// Command cisd is the CIS node daemon: it wires node identity, storage,
// the Agent Pool, the Multi-Agent DAG Executor, the Federation Nucleus,
// Access Control, and the HTTP/WebSocket transport into one process.
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
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cisnet/cis/internal/acl"
	agentacp "github.com/cisnet/cis/internal/agent/acp"
	"github.com/cisnet/cis/internal/agent/credentials"
	"github.com/cisnet/cis/internal/api"
	"github.com/cisnet/cis/internal/common/config"
	"github.com/cisnet/cis/internal/common/logger"
	"github.com/cisnet/cis/internal/contextstore"
	"github.com/cisnet/cis/internal/eventbus"
	"github.com/cisnet/cis/internal/executor"
	"github.com/cisnet/cis/internal/federation"
	"github.com/cisnet/cis/internal/identity"
	orchacp "github.com/cisnet/cis/internal/orchestrator/acp"
	"github.com/cisnet/cis/internal/pool"
	dockerruntime "github.com/cisnet/cis/internal/pool/runtime/docker"
	"github.com/cisnet/cis/internal/pool/runtime/native"
	"github.com/cisnet/cis/internal/syncqueue"
	"github.com/cisnet/cis/internal/transport/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("starting cisd")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := os.MkdirAll(cfg.Storage.Dir, 0700); err != nil {
		log.Fatal("failed to create storage dir", zap.Error(err))
	}

	nodeID := cfg.Node.ID
	if nodeID == "" {
		nodeID = uuid.NewString()
		log.Warn("no node.id configured, generated a transient one", zap.String("node_id", nodeID))
	}
	node, err := identity.New(nodeID)
	if err != nil {
		log.Fatal("failed to generate node identity", zap.Error(err))
	}
	log.Info("node identity ready", zap.String("did", node.DID))

	peers, err := federation.LoadRegistry(cfg.Storage.PeersPath)
	if err != nil {
		log.Fatal("failed to load peer registry", zap.Error(err))
	}

	aclDoc, err := acl.LoadDocument(cfg.Storage.ACLPath)
	if err != nil {
		log.Fatal("failed to load acl document", zap.Error(err))
	}
	aclRules, err := acl.LoadRules(cfg.Storage.ACLRulesPath)
	if err != nil {
		log.Fatal("failed to load acl rules", zap.Error(err))
	}
	accessControl := acl.New(aclDoc, aclRules, acl.NewAuditLog())
	log.Info("access control loaded", zap.String("mode", string(aclDoc.Mode)))

	var store contextstore.Store
	if cfg.Storage.PostgresDSN != "" {
		store, err = contextstore.NewPostgresStore(ctx, cfg.Storage.PostgresDSN, cfg.Security.MaxScrollbackLines)
	} else {
		store, err = contextstore.NewSQLiteStore(cfg.Storage.ContextStorePath, cfg.Security.MaxScrollbackLines)
	}
	if err != nil {
		log.Fatal("failed to open context store", zap.Error(err))
	}
	log.Info("context store ready")

	var bus eventbus.Bus
	if cfg.NATS.URL != "" {
		natsBus, err := eventbus.NewNATSBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("failed to connect to NATS", zap.Error(err))
		}
		bus = natsBus
		log.Info("connected to NATS event bus", zap.String("url", cfg.NATS.URL))
	} else {
		bus = eventbus.NewMemoryBus(log)
		log.Info("using in-memory event bus")
	}

	queueCfg := syncqueue.DefaultConfig()
	queueCfg.MaxQueueSize = cfg.Federation.MaxQueueSize
	queueCfg.MaxRetries = cfg.Federation.MaxRetries
	queueCfg.BatchSize = cfg.Federation.BatchSize
	queueCfg.BatchTimeout = time.Duration(cfg.Federation.BatchTimeoutMs) * time.Millisecond
	queueCfg.WorkerCount = cfg.Federation.WorkerCount
	queue := syncqueue.New(queueCfg, log)

	agentPool := pool.New(pool.DefaultConfig(), log)
	nativeRuntime := native.New(log)
	if err := agentPool.RegisterRuntime(nativeRuntime); err != nil {
		log.Fatal("failed to register native runtime", zap.Error(err))
	}

	dockerClient, err := dockerruntime.NewClient(log)
	if err != nil {
		log.Warn("docker unavailable, agents will run natively only", zap.Error(err))
	} else {
		if err := agentPool.RegisterRuntime(dockerruntime.New(dockerClient, log)); err != nil {
			log.Fatal("failed to register docker runtime", zap.Error(err))
		}
		defer dockerClient.Close()
		log.Info("docker runtime registered")
	}
	agentPool.StartHealthTick(ctx)

	exec := executor.New(executor.DefaultConfig(), agentPool, store, log)

	acpSessions := agentacp.NewSessionManager(bus, log)
	acpHandler := orchacp.NewHandler(orchacp.NewMemoryMessageStore(1000), log)
	exec.SetACPSupport(acpSessions, acpHandler)

	credsManager := credentials.NewManager(log)
	credsManager.AddProvider(credentials.NewEnvProvider(cfg.Node.CredentialPrefix))
	exec.SetCredentials(credsManager)

	nucleus := federation.New(node, bus, queue, peers, peers, log)
	queue.Start(ctx, func(ctx context.Context, targetNode string, batch []*syncqueue.SyncTask) error {
		return dialAndDeliver(ctx, targetNode, batch, peers, log)
	})

	manager := ws.NewManager()
	wsServer := ws.NewServer(node.NodeID, accessControl, nucleus, manager, cfg.Security.RequireSignatures, log)

	handler := api.NewHandler(agentPool, store, exec, nucleus, accessControl, log)

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	api.SetupRoutes(router, handler, log)
	router.GET("/federation/ws", wsServer.HandleConnection)
	router.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("HTTP API listening", zap.Int("port", cfg.Server.Port))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down cisd")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	queue.Shutdown()

	if err := agentPool.ShutdownAll(); err != nil {
		log.Error("agent pool shutdown error", zap.Error(err))
	}

	if err := accessControl.Save(cfg.Storage.ACLPath, cfg.Storage.ACLRulesPath); err != nil {
		log.Error("failed to persist acl", zap.Error(err))
	}
	if err := peers.Save(cfg.Storage.PeersPath); err != nil {
		log.Error("failed to persist peer registry", zap.Error(err))
	}

	log.Info("cisd stopped")
}

// dialAndDeliver is the syncqueue processor: each batch targets one peer
// DID, resolved through the peer registry into a verifying key. Peer
// dial addresses are not yet tracked by the registry, so delivery is
// logged and dropped rather than attempted; wiring a real address book
// is future work once peers exchange reachable endpoints during the
// WebSocket handshake.
func dialAndDeliver(ctx context.Context, targetNode string, batch []*syncqueue.SyncTask, peers *federation.Registry, log *logger.Logger) error {
	_, ok := peers.Resolve(targetNode)
	if !ok {
		log.Warn("dropping sync batch for unknown peer", zap.String("target", targetNode), zap.Int("count", len(batch)))
		return nil
	}
	log.Debug("sync batch ready for delivery", zap.String("target", targetNode), zap.Int("count", len(batch)))
	return nil
}
