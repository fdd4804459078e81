package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/totegamma/canvasd/internal/config"
	"github.com/totegamma/canvasd/internal/document"
	"github.com/totegamma/canvasd/internal/engine"
	"github.com/totegamma/canvasd/internal/enrich"
	"github.com/totegamma/canvasd/internal/infra/database"
	"github.com/totegamma/canvasd/internal/infra/gateway"
	"github.com/totegamma/canvasd/internal/infra/repository"
	"github.com/totegamma/canvasd/internal/metadata"
	"github.com/totegamma/canvasd/internal/netguard"
	"github.com/totegamma/canvasd/internal/present/rest"
	"github.com/totegamma/canvasd/internal/service"
	"github.com/totegamma/canvasd/internal/session"
	"github.com/totegamma/canvasd/internal/usecase"
)

const serviceName = "canvasd"

func main() {
	configPath := flag.String("config", "/etc/canvasd/config.yaml", "path to config file")
	flag.Parse()

	conf, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(conf.Server.LogLevel)})))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if conf.Server.EnableTrace {
		cleanup, err := setupTraceProvider(ctx, conf.Server.TraceEndpoint)
		if err != nil {
			slog.Error("failed to setup trace provider", slog.String("error", err.Error()))
			os.Exit(1)
		}
		defer cleanup()
	}

	db, err := database.NewPostgres(conf.Server.PostgresDsn)
	if err != nil {
		slog.Error("failed to connect database", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if err := database.MigratePostgres(db); err != nil {
		slog.Error("failed to migrate database", slog.String("error", err.Error()))
		os.Exit(1)
	}

	var rdb *redis.Client
	if conf.Server.RedisAddr != "" {
		rdb, err = database.NewRedis(ctx, conf.Server.RedisAddr, conf.Server.RedisPassword, conf.Server.RedisDB)
		if err != nil {
			slog.Error("failed to connect redis", slog.String("error", err.Error()))
			os.Exit(1)
		}
		defer rdb.Close()
	}

	var metaCache metadata.Cache
	if conf.Server.MemcachedAddr != "" {
		metaCache = database.NewMemcached(conf.Server.MemcachedAddr)
	}

	endpoint := conf.Enrichment.Endpoint
	if endpoint == "" {
		endpoint = "http://127.0.0.1" + conf.Server.Listen
	}

	canvasRepo := repository.NewCanvasRepository(db)
	canvasUsecase := usecase.NewCanvasUsecase(canvasRepo)
	enrichGateway := gateway.NewEnrichmentGateway(endpoint, conf.Enrichment.Timeout)
	guard := netguard.New(conf.Enrichment.AllowPrivate)
	prober := enrich.NewHTTPProber(guard, conf.Enrichment.ProbeAttempts, conf.Enrichment.ProbeInterval)
	events := service.NewEventService(rdb)
	extractor := metadata.NewExtractor(metaCache, metadata.Options{
		Timeout: conf.Enrichment.Timeout,
		Guard:   guard,
	})

	sessions := session.NewManager(canvasUsecase, enrichGateway, prober, events, session.Options{
		Document: document.Options{AssetDelay: conf.Sync.AssetDelay},
		Engine: engine.Options{
			Quiet:       conf.Sync.QuietPeriod,
			MinInterval: conf.Sync.MinInterval,
			Settle:      conf.Sync.SettlePeriod,
		},
		Pipeline: enrich.Options{
			PollAttempts:     conf.Enrichment.PollAttempts,
			PollInterval:     conf.Enrichment.PollInterval,
			PlaceholderImage: conf.Enrichment.PlaceholderImage,
			CacheTTL:         conf.Enrichment.CacheTTL,
		},
		FlushOnClose: conf.Sync.FlushOnClose,
	})

	handler := rest.NewHandler(sessions, canvasUsecase, extractor, events)

	e := echo.New()
	e.HideBanner = true
	if conf.Server.EnableTrace {
		e.Use(otelecho.Middleware(serviceName, otelecho.WithSkipper(
			func(c echo.Context) bool {
				return c.Path() == "/health"
			},
		)))
	}
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	handler.RegisterRoutes(e)

	go func() {
		if err := e.Start(conf.Server.Listen); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server stopped", slog.String("error", err.Error()))
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	sessions.CloseAll(shutdownCtx)
	if err := e.Shutdown(shutdownCtx); err != nil {
		slog.Error("failed to shutdown server", slog.String("error", err.Error()))
	}
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func setupTraceProvider(ctx context.Context, endpoint string) (func(), error) {
	exporter, err := otlptracehttp.New(
		ctx,
		otlptracehttp.WithEndpoint(endpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	res := resource.NewSchemaless(
		attribute.String("service.name", serviceName),
	)

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(0.1))),
	)
	otel.SetTracerProvider(provider)

	cleanup := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown tracer provider", slog.String("error", err.Error()))
		}
	}
	return cleanup, nil
}
