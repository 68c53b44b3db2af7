package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"chatsync/internal/cache"
	"chatsync/internal/config"
	"chatsync/internal/core"
	"chatsync/internal/db"
	"chatsync/internal/engine"
	"chatsync/internal/handlers"
	"chatsync/internal/ingest"
	"chatsync/internal/invites"
	"chatsync/internal/jobs"
	"chatsync/internal/notify"
	"chatsync/internal/observability"
	"chatsync/internal/protocol"
	"chatsync/internal/rabbitmq"
	"chatsync/internal/reconcile"
	"chatsync/internal/repositories"
	"chatsync/internal/storage"
	"chatsync/internal/telemetry"
	"chatsync/internal/writers"
)

func main() {
	cfg := config.Load()
	observability.SetupLogging(cfg.LogLevel)
	gin.SetMode(cfg.GinMode)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.InitTracing(ctx, cfg.OTLPEndpoint, cfg.ServiceName)
	if err != nil {
		slog.Error("tracing init failed", "err", err)
		os.Exit(1)
	}
	defer shutdownTracing(context.Background())

	store, err := db.Open(cfg.DatabasePath)
	if err != nil {
		slog.Error("database open failed", "err", err)
		os.Exit(1)
	}
	defer store.Close()

	images, err := cache.NewImageCache(cfg.CacheDir)
	if err != nil {
		slog.Error("image cache init failed", "err", err)
		os.Exit(1)
	}

	objects, err := storage.NewMinioStore(ctx, cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
	if err != nil {
		slog.Error("object storage init failed", "err", err)
		os.Exit(1)
	}

	signer, err := invites.LoadSigner(cfg.SignerKey)
	if err != nil {
		slog.Error("invite signer init failed", "err", err)
		os.Exit(1)
	}

	publisher := rabbitmq.NewPublisher(cfg.AMQPURL, cfg.AMQPExchange)
	defer publisher.Close()
	audit := telemetry.NewAuditEmitter(publisher, cfg.AuditRoutingKey, cfg.ServiceName, cfg.Environment)

	convs := repositories.NewConversationRepo(store)
	members := repositories.NewMemberRepo(store)
	messages := repositories.NewMessageRepo(store)
	reactions := repositories.NewReactionRepo(store)
	invitesRepo := repositories.NewInviteRepo(store)
	device := repositories.NewDeviceStateRepo(store)

	inviteWriter := invites.NewInviteWriter(store, invitesRepo, signer)
	notifier := notify.NewChannelNotifier(64)

	client := engine.NewClient(cfg.EngineAPIURL)

	ingestor := ingest.NewIngestor(store, convs, members, messages, reactions, notifier, cfg.SelfMemberID)
	prefetcher := reconcile.NewPrefetcher(objects, images)
	reconciler := reconcile.NewReconciler(store, convs, members, messages, inviteWriter, client, ingestor, prefetcher)

	sessions := writers.NewSessionCache(client)
	defer sessions.Close()

	messageWriter := writers.NewMessageWriter(store, convs, messages, reactions, device, sessions, objects, cfg.SelfMemberID)
	explosionWriter := writers.NewExplosionWriter(store, convs, members, messages, sessions, client, notifier, audit, images, cfg.SelfMemberID)

	sweep := jobs.NewExpirySweep(convs, explosionWriter, cfg.ExpirySweepSpec)
	if err := sweep.Start(ctx); err != nil {
		slog.Error("expiry sweep start failed", "err", err)
		os.Exit(1)
	}
	defer sweep.Stop()

	stream := protocol.DialStream(ctx, cfg.EngineStreamURL)
	defer stream.Close()

	syncCore := core.NewSyncCore(store, convs, reconciler, ingestor, client, stream)
	go syncCore.SyncAll(ctx)
	go messageWriter.ResumePendingUploads(ctx)

	status := handlers.NewStatusHandler(convs, device, audit)
	server := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: status.Router(cfg.ServiceName),
	}
	go func() {
		slog.Info("http listening", "addr", cfg.HTTPAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("http server failed", "err", err)
		}
	}()

	if err := syncCore.Run(ctx); err != nil && ctx.Err() == nil {
		slog.Error("sync core stopped", "err", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	slog.Info("shutdown complete")
}
