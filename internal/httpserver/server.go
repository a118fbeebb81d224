// Package httpserver wraps the fetch-handler contract behind an echo server:
// request dispatch to user handlers, the /__scheduled cron-trigger endpoint
// used by `edgerun trigger`, graceful shutdown, and a dashboard inspector
// surface for reading back recent spans, logs, and queue depths.
package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/sirupsen/logrus"

	"github.com/evalgo/edgerun/internal/adapter"
	"github.com/evalgo/edgerun/internal/bindingerr"
	"github.com/evalgo/edgerun/internal/cron"
)

// FetchHandler is the user's request handler, given the bindings bundle and
// asked to produce an HTTP response.
type FetchHandler func(c echo.Context, b *adapter.Bindings) error

// ScheduledHandler is the user's cron handler, invoked once per simulated
// trigger with the expression that fired and the nominal scheduled time.
type ScheduledHandler func(ctx context.Context, cronExpr string, scheduledTime time.Time, b *adapter.Bindings) error

// Server wraps the echo instance and its wired bindings.
type Server struct {
	echo      *echo.Echo
	bindings  *adapter.Bindings
	log       *logrus.Logger
	scheduled ScheduledHandler
}

// New constructs a server with the platform's standard middleware stack and
// registers fetch as the catch-all handler.
func New(log *logrus.Logger, b *adapter.Bindings, fetch FetchHandler, scheduled ScheduledHandler) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = customHTTPErrorHandler(log)

	e.Use(middleware.Recover())
	e.Use(requestLoggerMiddleware(log))
	e.Use(middleware.RequestID())

	s := &Server{echo: e, bindings: b, log: log, scheduled: scheduled}

	e.GET("/__health", healthCheckHandler)
	e.GET("/__scheduled", s.scheduledTriggerHandler)
	e.GET("/__dashboard/*", s.dashboardHandler)

	e.Any("/*", func(c echo.Context) error { return fetch(c, b) })

	return s
}

// ListenAndServe blocks serving on addr until ctx is canceled, then shuts
// down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.echo.Start(addr)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.echo.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

func healthCheckHandler(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// scheduledTriggerHandler lets `edgerun trigger` simulate a cron firing
// against a running dev server without waiting for the real clock.
func (s *Server) scheduledTriggerHandler(c echo.Context) error {
	expr := c.QueryParam("cron")
	if expr == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "cron query parameter is required")
	}
	if _, err := cron.Parse(expr); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid cron expression: "+err.Error())
	}

	now := time.Now()
	if s.scheduled != nil {
		if err := s.scheduled(c.Request().Context(), expr, now, s.bindings); err != nil {
			return err
		}
	}

	s.log.WithField("cron", expr).Info("http: simulated scheduled trigger")
	return c.JSON(http.StatusOK, map[string]string{"cron": expr, "status": "triggered"})
}

func customHTTPErrorHandler(log *logrus.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		message := "internal error"

		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if msg, ok := he.Message.(string); ok {
				message = msg
			}
		} else {
			switch err.(type) {
			case *bindingerr.ValidationError:
				code, message = http.StatusBadRequest, err.Error()
			case *bindingerr.NotFoundError:
				code, message = http.StatusNotFound, err.Error()
			case *bindingerr.PreconditionFailedError:
				code, message = http.StatusPreconditionFailed, err.Error()
			default:
				message = err.Error()
			}
		}

		log.WithError(err).WithField("path", c.Request().URL.Path).Error("http: request failed")
		if !c.Response().Committed {
			c.JSON(code, map[string]string{"error": message})
		}
	}
}

func requestLoggerMiddleware(log *logrus.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			log.WithFields(logrus.Fields{
				"method":   c.Request().Method,
				"path":     c.Request().URL.Path,
				"status":   c.Response().Status,
				"duration": time.Since(start).String(),
			}).Info("http: request handled")
			return err
		}
	}
}
