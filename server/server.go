// Package server wires the gateway's echo instance: middleware, route
// registration, and the shared error handler that maps internal/apierr
// kinds onto HTTP status codes, following the teacher's frontend service's
// middleware-construction idiom (server/router/frontend/service.go) one
// level up, now serving REST/JSON routes instead of an embedded SPA plus a
// connect/grpc-gateway mux.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/qcgateway/qcgateway/internal/apierr"
	"github.com/qcgateway/qcgateway/internal/broker"
	"github.com/qcgateway/qcgateway/internal/cleanup"
	"github.com/qcgateway/qcgateway/internal/config"
	"github.com/qcgateway/qcgateway/internal/metrics"
	"github.com/qcgateway/qcgateway/internal/resultbackend"
	"github.com/qcgateway/qcgateway/server/auth"
	"github.com/qcgateway/qcgateway/server/handlers"
)

// Server owns the echo instance and every dependency needed to build and
// tear it down in step with the process lifecycle.
type Server struct {
	settings *config.Settings
	echo     *echo.Echo
	cleanup  *cleanup.Pool
	log      *slog.Logger
}

// Dependencies bundles everything NewServer needs to wire routes. Built by
// the cmd/qcgateway entrypoint once at startup.
type Dependencies struct {
	Settings      *config.Settings
	Broker        broker.Client
	Backend       resultbackend.Client
	MetricsExport *metrics.Exporter
	Guard         *auth.Guard
	Exchanger     *auth.Exchanger
	Log           *slog.Logger
}

// NewServer builds the echo instance, middleware stack, and routes from
// deps, ready for Start.
func NewServer(deps Dependencies) *Server {
	log := deps.Log
	if log == nil {
		log = slog.Default()
	}

	instrumentedBroker := metrics.InstrumentBroker(deps.Broker, deps.MetricsExport)
	instrumentedBackend := metrics.InstrumentBackend(deps.Backend, deps.MetricsExport)

	pool := cleanup.NewPool(instrumentedBackend, log)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = httpErrorHandler(log)

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(requestLogger(log))
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOriginFunc: func(_ string) (bool, error) { return true, nil },
		AllowMethods:    []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:    []string{"*"},
	}))
	e.Use(middleware.GzipWithConfig(middleware.GzipConfig{Level: 5}))

	computeHandler := handlers.NewComputeHandler(deps.Settings, instrumentedBroker, instrumentedBackend, pool, deps.MetricsExport, log)
	oauthHandler := handlers.NewOAuthHandler(deps.Settings, deps.Guard, deps.Exchanger, log)
	openapiHandler := handlers.NewOpenAPIHandler(deps.Settings)

	computeGroup := e.Group(deps.Settings.APIV2Str + deps.Settings.APIComputePrefix)
	computeGroup.POST("", computeHandler.Submit, deps.Guard.Require("compute:public"))
	computeGroup.GET("/output/:task_id", computeHandler.Retrieve, deps.Guard.Require("compute:public"))

	oauthGroup := e.Group(deps.Settings.APIV2Str + deps.Settings.APIOAuthPrefix)
	oauthGroup.POST("/token", oauthHandler.Token)
	oauthGroup.GET("/auth0/callback", oauthHandler.Callback)

	e.GET(deps.Settings.APIV2Str+"/openapi.json", openapiHandler.Serve)
	e.GET("/metrics", echo.WrapHandler(deps.MetricsExport.Handler()))

	return &Server{settings: deps.Settings, echo: e, cleanup: pool, log: log}
}

// Start begins serving on settings.Addr:settings.Port. It blocks until the
// listener stops; a clean shutdown (http.ErrServerClosed) returns nil, and
// any other listener error is returned as is.
func (s *Server) Start(_ context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.settings.Addr, s.settings.Port)
	s.log.Info("starting qcgateway", "addr", addr)
	err := s.echo.Start(addr)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting new connections, drains in-flight requests, and
// waits for any scheduled cleanup jobs to finish before returning.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.echo.Shutdown(ctx); err != nil {
		return err
	}
	s.cleanup.Wait()
	return nil
}

func httpErrorHandler(log *slog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		var apiErr *apierr.Error
		if errors.As(err, &apiErr) {
			status := apierr.StatusFor(apiErr)
			if status >= http.StatusInternalServerError {
				log.Error("request failed", "status", status, "err", apiErr, "path", c.Path())
			}
			if apiErr.Kind == apierr.KindUpstreamOAuthError && apiErr.UpstreamBody != "" {
				if blobErr := c.Blob(status, echo.MIMEApplicationJSON, []byte(apiErr.UpstreamBody)); blobErr != nil {
					log.Error("write error response", "err", blobErr)
				}
				return
			}
			if jsonErr := c.JSON(status, map[string]string{"message": apiErr.Message}); jsonErr != nil {
				log.Error("write error response", "err", jsonErr)
			}
			return
		}

		var echoErr *echo.HTTPError
		if errors.As(err, &echoErr) {
			if jsonErr := c.JSON(echoErr.Code, echoErr); jsonErr != nil {
				log.Error("write error response", "err", jsonErr)
			}
			return
		}

		log.Error("unhandled error", "err", err, "path", c.Path())
		if jsonErr := c.JSON(http.StatusInternalServerError, map[string]string{"message": "internal error"}); jsonErr != nil {
			log.Error("write error response", "err", jsonErr)
		}
	}
}

// requestLogger emits one structured log line per request, the echo
// equivalent of the connect logging interceptor the v1 API wraps
// (NewLoggingInterceptor in server/router/api/v1).
func requestLogger(log *slog.Logger) echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:   true,
		LogURI:      true,
		LogMethod:   true,
		LogLatency:  true,
		LogRequestID: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			level := slog.LevelInfo
			if v.Status >= http.StatusInternalServerError {
				level = slog.LevelError
			} else if v.Status >= http.StatusBadRequest {
				level = slog.LevelWarn
			}
			log.LogAttrs(c.Request().Context(), level, "request",
				slog.String("method", v.Method),
				slog.String("uri", v.URI),
				slog.Int("status", v.Status),
				slog.Duration("latency", v.Latency),
				slog.String("request_id", v.RequestID),
			)
			return nil
		},
	})
}
