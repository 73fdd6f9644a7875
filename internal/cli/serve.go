package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"phaseforge/internal/agents/conversation"
	"phaseforge/internal/api"
	"phaseforge/internal/build"
	"phaseforge/internal/cache"
	"phaseforge/internal/config"
	"phaseforge/internal/events"
	"phaseforge/internal/imageurl"
	"phaseforge/internal/inference"
	"phaseforge/internal/logging"
	"phaseforge/internal/storage"
	"phaseforge/internal/store"
	"phaseforge/internal/websocket"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the session API and build loops",
	Long: `Serve the HTTP and WebSocket API. Each session owns a conversation and a
build loop; build events are fanned out to WebSocket clients and, when
NATS_URL is set, to NATS subjects.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		defer logging.Sync()
		if port, _ := cmd.Flags().GetString("port"); port != "" {
			cfg.Server.Port = port
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg, log)
	},
}

func init() {
	serveCmd.Flags().String("port", "", "Port to listen on (overrides PORT)")
}

func serve(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	executor := inference.NewOpenAIExecutor(inference.OpenAIConfig{
		BaseURL:           cfg.LLM.BaseURL,
		APIKey:            cfg.LLM.APIKey,
		Model:             cfg.LLM.Model,
		VisionModel:       cfg.LLM.VisionModel,
		RequestsPerMinute: cfg.LLM.RequestsPerMinute,
		Timeout:           cfg.LLM.Timeout,
	}, log)

	redisCache, err := cache.NewFromURL(cfg.Redis.URL, cache.DefaultCacheConfig())
	if err != nil {
		log.Warn("redis unavailable, image checks cached in memory", zap.Error(err))
	}
	defer redisCache.Close()
	images := imageurl.NewValidator(imageurl.Options{
		BatchSize: cfg.Images.BatchSize,
		Timeout:   cfg.Images.Timeout,
		Cache:     cache.NewImageCheckCache(redisCache, cfg.Images.CacheTTL),
		Logger:    log,
		RecentTTL: cfg.Images.CacheTTL,
	})

	st, err := store.Open(cfg.Database, log)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	screenshots, err := storage.New(ctx, cfg.Storage, log)
	if err != nil {
		return fmt.Errorf("screenshot storage: %w", err)
	}

	var bus events.MultiBus
	if cfg.NATS.URL != "" {
		nc, err := events.ConnectNATS(cfg.NATS.URL, log)
		if err != nil {
			log.Warn("nats unavailable, events stay local", zap.Error(err))
		} else {
			defer nc.Close()
			bus = append(bus, events.NewNATSBus(nc, cfg.NATS.SubjectPrefix, log))
		}
	}

	var srv *api.Server
	hub := websocket.NewHub(func(ctx context.Context, roomID string, msg websocket.Message) {
		srv.HandleInbound(ctx, roomID, msg)
	}, log)
	go hub.Run()
	defer hub.Shutdown()
	bus = append(bus, hub)

	deps := api.Deps{
		Config:      cfg,
		Executor:    executor,
		Store:       st,
		Screenshots: screenshots,
		Images:      images,
		Bus:         bus,
		Logger:      log,
	}
	if cfg.Sandbox.BaseURL != "" {
		deps.Sandbox = build.NewHTTPSandbox(cfg.Sandbox, log)
	}
	if cfg.Search.Endpoint != "" {
		deps.Search = conversation.NewSearchClient(conversation.SearchConfig{
			Endpoint: cfg.Search.Endpoint,
			APIKey:   cfg.Search.APIKey,
			Logger:   log,
		})
	}

	sessions := api.NewSessions(ctx, deps)
	srv = api.NewServer(sessions, hub)

	httpServer := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serverErrors := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrors <- err
		}
	}()
	log.Info("phaseforge listening", zap.String("port", cfg.Server.Port))

	select {
	case err := <-serverErrors:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
		log.Info("shutting down")
	}

	timeout := cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("http server shutdown", zap.Error(err))
	}
	sessions.Close()
	log.Info("shutdown complete")
	return nil
}
