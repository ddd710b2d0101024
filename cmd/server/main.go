package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/RichardoC/llamachat/internal/api"
	"github.com/RichardoC/llamachat/internal/config"
	"github.com/RichardoC/llamachat/internal/controller"
	"github.com/RichardoC/llamachat/internal/db"
	"github.com/RichardoC/llamachat/internal/llm"
	"github.com/RichardoC/llamachat/internal/store"
	"github.com/RichardoC/llamachat/internal/web"
)

func main() {
	configPath := flag.String("config", config.DefaultPath, "path to the TOML config file")
	envFile := flag.String("env", ".env", "path to a .env file")
	flag.Parse()

	cfg, err := config.Load(*configPath, *envFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "llamachat: %v\n", err)
		os.Exit(1)
	}

	logger, err := cfg.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "llamachat: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sessions, err := store.Open(cfg.Store.Path, logger)
	if err != nil {
		logger.Fatal("failed to open session store",
			zap.Error(err),
			zap.String("path", cfg.Store.Path))
	}

	var database *db.Database
	if cfg.Audit.Path != "" {
		database, err = db.New(cfg.Audit.Path)
		if err != nil {
			logger.Fatal("failed to initialize audit database",
				zap.Error(err),
				zap.String("dbPath", cfg.Audit.Path))
		}
		defer database.Close()
	}

	catalog := llm.FallbackCatalog{
		Primary:  llm.NewRemoteCatalog(cfg.LLM.BaseURL, cfg.LLM.APIKey, cfg.LLM.DefaultContextLength),
		Fallback: llm.StaticCatalog(cfg.StaticModels()),
		Logger:   logger,
	}
	listCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	available, err := catalog.List(listCtx)
	cancel()
	if err != nil {
		logger.Fatal("failed to load model catalog", zap.Error(err))
	}

	var gateway llm.Gateway
	if cfg.HasCredential() {
		svc, err := llm.New(cfg.LLM.BaseURL, cfg.LLM.APIKey, available[0].ID, cfg.LLM.Timeout)
		if err != nil {
			logger.Fatal("failed to initialize LLM service", zap.Error(err))
		}
		gateway = llm.NewLimited(svc, cfg.LLM.RequestsPerMinute)
		if database != nil {
			gateway = llm.NewAudited(gateway, database, logger)
		}
	} else {
		logger.Warn("TOGETHER_API_KEY is not set; sessions can be browsed but no messages can be sent")
	}

	chat, err := controller.New(controller.Config{
		Greeting: cfg.Chat.Greeting,
		Defaults: cfg.DefaultParams(),
		Models:   available,
		Gateway:  gateway,
		Store:    sessions,
		Logger:   logger,
	})
	if err != nil {
		logger.Fatal("failed to initialize chat", zap.Error(err))
	}
	if loadErr := sessions.LoadErr(); loadErr != nil {
		chat.SetWarning(fmt.Sprintf("Saved sessions could not be read (%v); saving will replace %s.", loadErr, sessions.Path()))
	}

	if cfg.Store.Watch {
		err := sessions.Watch(ctx, func(path string) {
			chat.SetWarning(fmt.Sprintf("%s was changed by another program; the next save overwrites those changes.", path))
		})
		if err != nil {
			logger.Warn("failed to watch session file", zap.Error(err))
		}
	}

	var audit api.AuditLog
	if database != nil {
		audit = database
	}
	handler := api.NewHandler(chat, audit, logger)

	mux := http.NewServeMux()
	handler.Register(mux)
	mux.Handle("/", web.Handler())

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.Chain(api.RequestID(), api.Logging(logger), api.Recovery(logger))(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shut down server", zap.Error(err))
		}
	}()

	logger.Info("Starting server",
		zap.String("addr", cfg.Server.Addr),
		zap.String("sessions", sessions.Path()),
		zap.Int("models", len(available)),
		zap.Bool("ready", gateway != nil))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("failed to start server", zap.Error(err))
	}
}
