package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fundus-screen/backend/internal/api"
	"github.com/fundus-screen/backend/internal/classify"
	"github.com/fundus-screen/backend/internal/config"
	"github.com/fundus-screen/backend/internal/inference"
	"github.com/fundus-screen/backend/internal/janitor"
	"github.com/fundus-screen/backend/internal/logger"
	"github.com/fundus-screen/backend/internal/preprocess"
	"github.com/fundus-screen/backend/internal/report"
	"github.com/fundus-screen/backend/internal/screening"
	"github.com/fundus-screen/backend/internal/storage"
	"github.com/fundus-screen/backend/internal/upload"
	"github.com/fundus-screen/backend/internal/web"
)

// Version info (set during build)
var (
	Version   = "dev"
	BuildTime = "unknown"
)

const shutdownTimeout = 15 * time.Second

func main() {
	// Get the executable's directory for config resolution
	exePath, err := os.Executable()
	if err != nil {
		fmt.Printf("Failed to get executable path: %v\n", err)
		os.Exit(1)
	}
	defaultConfig := filepath.Join(filepath.Dir(exePath), "config.yaml")

	configPath := flag.String("config", defaultConfig, "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Advanced.LogLevel)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(cfg, *configPath, log); err != nil {
		log.Fatal("server exited", zap.Error(err))
	}
}

func run(cfg *config.AppConfig, configPath string, log *zap.Logger) error {
	// Ensure all data directories exist
	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	engine := inference.NewEngine(inference.Config{
		ModelPath:    cfg.Model.Path,
		MetadataPath: cfg.Model.MetadataPath,
		InputShape:   preprocess.Shape,
	}, inference.NewONNXLoader(cfg.Model.LibraryPath), log.Named("inference"))
	if err := engine.Init(); err != nil {
		return err
	}
	defer engine.Close()

	policy, err := loadPolicy(cfg.Processing.PolicyPath, log)
	if err != nil {
		return err
	}
	classifier, err := classify.New(policy)
	if err != nil {
		return err
	}

	store, err := storage.NewLocalStore(cfg.GetUploadDir(), log.Named("storage"))
	if err != nil {
		return err
	}

	validator, err := upload.NewValidator(store, upload.Options{
		MaxBytes:   cfg.Storage.MaxUploadBytes,
		Extensions: cfg.Storage.AllowedExtensions,
	}, log.Named("upload"))
	if err != nil {
		return err
	}

	modelName := cfg.Model.Name
	if name := engine.Metadata().ModelName; name != "" {
		modelName = name
	}

	svc := screening.NewService(screening.Deps{
		Validator:    validator,
		Store:        store,
		Preprocessor: preprocess.New(int64(cfg.Processing.MaxImagePixels)),
		Model:        engine,
		Classifier:   classifier,
		Reports:      report.NewGenerator(classifier.Policy(), report.Options{ModelName: modelName}, log.Named("report")),
	}, screening.Options{
		AnalysisTimeout:   cfg.Processing.AnalysisTimeout,
		DeleteAfterReport: cfg.Storage.DeleteAfterReport,
	}, log.Named("screening"))

	sweeper := janitor.New(janitor.Options{
		Dir:       cfg.GetUploadDir(),
		Retention: cfg.Storage.Retention,
		Interval:  cfg.Storage.SweepInterval,
	}, log)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	api.SetupMiddleware(e, api.MiddlewareConfig{
		BodyLimit:      cfg.Server.BodyLimit,
		RequestTimeout: cfg.Processing.AnalysisTimeout + 10*time.Second,
		RequestLogging: cfg.Advanced.EnableRequestLogging,
		EnableCORS:     cfg.Server.EnableCORS,
		AllowOrigins:   cfg.Server.AllowOrigins,
		VerboseErrors:  cfg.Advanced.LogLevel == "debug",
	}, log.Named("http"))

	handlers := api.NewHandlers(&api.Dependencies{Pipeline: svc, Version: Version})
	api.RegisterRoutes(e, handlers, api.RouteOptions{
		AnalysisRate:  cfg.Processing.AnalysisRateLimit,
		AnalysisBurst: cfg.Processing.AnalysisBurst,
	})

	if web.HasEmbeddedFiles() {
		if err := web.RegisterRoutes(e); err != nil {
			log.Warn("failed to register upload page", zap.Error(err))
		}
	}

	// Configure server with settings from config
	s := &http.Server{
		Addr:         cfg.GetServerAddr(),
		Handler:      e,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	printBanner(cfg, configPath, modelName)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return sweeper.Run(ctx)
	})

	g.Go(func() error {
		log.Info("listening", zap.String("addr", s.Addr))
		if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// loadPolicy reads the policy file, falling back to the built-in table when it does not exist.
func loadPolicy(path string, log *zap.Logger) (classify.Policy, error) {
	if path == "" {
		return classify.DefaultPolicy(), nil
	}
	policy, err := classify.LoadPolicyFile(path)
	if errors.Is(err, os.ErrNotExist) {
		log.Info("policy file not found, using built-in policy", zap.String("path", path))
		return classify.DefaultPolicy(), nil
	}
	return policy, err
}

func printBanner(cfg *config.AppConfig, configPath, modelName string) {
	fmt.Printf("\n")
	fmt.Printf("╔═══════════════════════════════════════════════════════════╗\n")
	fmt.Printf("║           AI Glaucoma Screening Server                    ║\n")
	fmt.Printf("╠═══════════════════════════════════════════════════════════╣\n")
	fmt.Printf("║  Version:    %-45s║\n", Version)
	fmt.Printf("║  Build Time: %-45s║\n", BuildTime)
	fmt.Printf("║  Model:      %-45s║\n", modelName)
	fmt.Printf("╠═══════════════════════════════════════════════════════════╣\n")
	fmt.Printf("║  Config:    %-46s║\n", configPath)
	fmt.Printf("║  Listen:    http://%-38s║\n", cfg.GetServerAddr())
	fmt.Printf("║  Uploads:   %-46s║\n", cfg.GetUploadDir())
	fmt.Printf("║  Retention: %-46s║\n", cfg.Storage.Retention)
	fmt.Printf("╚═══════════════════════════════════════════════════════════╝\n")
	fmt.Printf("\n")
}
