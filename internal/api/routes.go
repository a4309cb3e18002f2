// routes.go - Route registration helpers
// This file provides a clean way to register all API routes
package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Dependencies holds all handler dependencies
type Dependencies struct {
	Pipeline Pipeline
	Version  string
}

// Handlers holds all handler instances
type Handlers struct {
	Health    HealthHandler
	Screening ScreeningHandler
}

// NewHandlers creates all handler instances
func NewHandlers(deps *Dependencies) *Handlers {
	return &Handlers{
		Health:    NewHealthHandler(deps.Version, deps.Pipeline),
		Screening: NewScreeningHandler(deps.Pipeline),
	}
}

// RouteOptions tunes per-route middleware
type RouteOptions struct {
	// AnalysisRate is the sustained analyze requests per second per client; 0 disables limiting
	AnalysisRate  float64
	AnalysisBurst int
}

// RegisterRoutes registers all API routes with the Echo instance
func RegisterRoutes(e *echo.Echo, handlers *Handlers, opts RouteOptions) {
	e.GET("/health", handlers.Health.HandleHealth)

	var analyzeMW []echo.MiddlewareFunc
	if opts.AnalysisRate > 0 {
		analyzeMW = append(analyzeMW, analysisRateLimiter(opts.AnalysisRate, opts.AnalysisBurst))
	}
	e.POST("/", handlers.Screening.HandleAnalyze, analyzeMW...)

	e.GET("/uploads/:id", handlers.Screening.HandleGetUpload)
	e.POST("/download_report", handlers.Screening.HandleDownloadReport)
}

func analysisRateLimiter(perSecond float64, burst int) echo.MiddlewareFunc {
	if burst <= 0 {
		burst = 1
	}
	store := middleware.NewRateLimiterMemoryStoreWithConfig(middleware.RateLimiterMemoryStoreConfig{
		Rate:      rate.Limit(perSecond),
		Burst:     burst,
		ExpiresIn: 3 * time.Minute,
	})
	return middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
		Store: store,
		IdentifierExtractor: func(c echo.Context) (string, error) {
			return c.RealIP(), nil
		},
		ErrorHandler: func(c echo.Context, err error) error {
			return NewTooManyRequestsError()
		},
		DenyHandler: func(c echo.Context, identifier string, err error) error {
			return NewTooManyRequestsError()
		},
	})
}

// MiddlewareConfig selects the common middleware
type MiddlewareConfig struct {
	BodyLimit      string
	RequestTimeout time.Duration
	RequestLogging bool
	EnableCORS     bool
	AllowOrigins   string
	VerboseErrors  bool
}

// SetupMiddleware configures common middleware
func SetupMiddleware(e *echo.Echo, cfg MiddlewareConfig, log *zap.Logger) {
	e.HTTPErrorHandler = ErrorHandler(log, cfg.VerboseErrors)

	if cfg.RequestLogging {
		e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
			Skipper: func(c echo.Context) bool {
				return c.Request().URL.Path == "/health"
			},
			LogMethod:   true,
			LogURI:      true,
			LogStatus:   true,
			LogLatency:  true,
			LogRemoteIP: true,
			LogError:    true,
			HandleError: true,
			LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
				fields := []zap.Field{
					zap.String("method", v.Method),
					zap.String("uri", v.URI),
					zap.Int("status", v.Status),
					zap.Duration("latency", v.Latency),
					zap.String("remote_ip", v.RemoteIP),
				}
				if v.Error != nil {
					fields = append(fields, zap.Error(v.Error))
				}
				log.Info("request", fields...)
				return nil
			},
		}))
	}

	e.Use(middleware.RecoverWithConfig(middleware.RecoverConfig{
		StackSize: 1024 * 4,
		LogErrorFunc: func(c echo.Context, err error, stack []byte) error {
			log.Error("panic recovered", zap.Error(err), zap.ByteString("stack", stack))
			return err
		},
	}))

	if cfg.RequestTimeout > 0 {
		e.Use(middleware.ContextTimeoutWithConfig(middleware.ContextTimeoutConfig{
			Timeout: cfg.RequestTimeout,
			ErrorHandler: func(err error, c echo.Context) error {
				return err
			},
		}))
	}

	if cfg.BodyLimit != "" {
		e.Use(middleware.BodyLimit(cfg.BodyLimit))
	}

	if cfg.EnableCORS {
		origins := strings.Split(cfg.AllowOrigins, ",")
		for i := range origins {
			origins[i] = strings.TrimSpace(origins[i])
		}
		if len(origins) == 0 || (len(origins) == 1 && origins[0] == "") {
			origins = []string{"*"}
		}
		e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOrigins: origins,
			AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept},
		}))
	}
}
