package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"chat-sync/internal/attachment"
	"chat-sync/internal/config"
	"chat-sync/internal/db"
	"chat-sync/internal/domain"
	apihttp "chat-sync/internal/http"
	"chat-sync/internal/llm"
	"chat-sync/internal/repository"
	"chat-sync/internal/service"
)

const (
	localSnapshotFile = "conversations.json"
	markerFile        = "markers.json"
	stubDelay         = 5 * time.Millisecond
)

// Runtime agrupa el grafo de dependencias de una sesión de dispositivo.
type Runtime struct {
	Config     *config.Config
	Controller *service.ConversationController
	Identities *service.IdentityService
	Codec      *attachment.Codec
	Stub       *apihttp.StubHandler

	closers []func()
}

// Build arma stores, notifier, cliente de modelo y controlador a partir de la configuración.
// Sin DATABASE_URL el store remoto vive en memoria; sin REDIS_ADDR el change feed también.
func Build(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Runtime, error) {
	rt := &Runtime{Config: cfg}

	if err := os.MkdirAll(cfg.LocalDataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create local data dir: %w", err)
	}
	local := repository.NewFileLocalStore(filepath.Join(cfg.LocalDataDir, localSnapshotFile), logger)
	markers := repository.NewFileMarkerStore(filepath.Join(cfg.LocalDataDir, markerFile))

	notifier := rt.notifier(ctx, cfg, logger)

	var remote repository.RemoteStore
	if cfg.DatabaseURL != "" {
		pool, err := db.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("db connect: %w", err)
		}
		rt.closers = append(rt.closers, pool.Close)
		if err := db.EnsureSchema(ctx, pool); err != nil {
			rt.Close()
			return nil, fmt.Errorf("ensure schema: %w", err)
		}
		remote = repository.NewPgRemoteStore(pool, notifier, logger)
	} else {
		logger.Warn("DATABASE_URL not set; using in-memory remote store")
		remote = repository.NewMemoryRemoteStore(notifier, logger)
	}

	rt.Stub = apihttp.NewStubHandler(logger, stubDelay)
	baseURL, format := cfg.LLMBaseURL, cfg.LLMStreamFormat
	if cfg.StubBackend {
		url, err := rt.startStub(logger)
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("start stub backend: %w", err)
		}
		baseURL, format = url, llm.FormatText
	}
	client := llm.NewHTTPClient(baseURL, cfg.LLMAPIKey, format, logger)

	rt.Codec = attachment.NewCodec(cfg.AttachmentMaxBytes, cfg.AttachmentMediaTypes)
	rt.Identities = service.NewIdentityService(cfg.JWTSecret, cfg.JWTIssuer, 24*time.Hour)
	if cfg.JWTSecret == "" {
		logger.Warn("jwt secret not configured; sign-in disabled")
	}

	ctrl, err := service.NewConversationController(ctx, service.ControllerDeps{
		Local:     local,
		Remote:    remote,
		Migration: service.NewMigrationService(local, remote, markers, logger),
		Assembler: service.NewStreamAssembler(client, logger),
		Codec:     rt.Codec,
		Generation: service.GenerationParams{
			Model:       cfg.LLMModel,
			Temperature: cfg.LLMTemperature,
			MaxTokens:   cfg.LLMMaxTokens,
		},
		Logger: logger,
	}, domain.Anonymous)
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.Controller = ctrl
	return rt, nil
}

// Close libera recursos en orden inverso de creación.
func (rt *Runtime) Close() {
	if rt.Controller != nil {
		_ = rt.Controller.Close()
	}
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
	rt.closers = nil
}

func (rt *Runtime) notifier(ctx context.Context, cfg *config.Config, logger *zap.Logger) repository.Notifier {
	if cfg.RedisAddr == "" {
		return repository.NewMemoryNotifier()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	ctxPing, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(ctxPing).Err(); err != nil {
		logger.Warn("redis ping failed; using in-memory change feed", zap.Error(err))
		_ = client.Close()
		return repository.NewMemoryNotifier()
	}
	rt.closers = append(rt.closers, func() { _ = client.Close() })
	return repository.NewRedisNotifier(client, logger)
}

// startStub levanta el backend de eco en un puerto local efímero.
func (rt *Runtime) startStub(logger *zap.Logger) (string, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", err
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.POST("/api/chat", rt.Stub.Chat)
	srv := &http.Server{Handler: engine, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("stub backend stopped", zap.Error(err))
		}
	}()
	rt.closers = append(rt.closers, func() { _ = srv.Close() })
	url := "http://" + ln.Addr().String() + "/api/chat"
	logger.Info("stub backend listening", zap.String("url", url))
	return url, nil
}
