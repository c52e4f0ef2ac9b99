// Package webserver hosts the echo instance. Handlers register themselves through ApiGET,
// ApiPOST and ApiDELETE and are mounted when a Server is built.
package webserver

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/talkincode/wapair/internal/app"
)

const appContextKey = "wapair.app"

type route struct {
	method  string
	path    string
	handler echo.HandlerFunc
}

var (
	routesMu sync.Mutex
	routes   []route
)

func register(method, path string, h echo.HandlerFunc) {
	routesMu.Lock()
	defer routesMu.Unlock()
	routes = append(routes, route{method: method, path: path, handler: h})
}

func ApiGET(path string, h echo.HandlerFunc)    { register(http.MethodGet, path, h) }
func ApiPOST(path string, h echo.HandlerFunc)   { register(http.MethodPost, path, h) }
func ApiDELETE(path string, h echo.HandlerFunc) { register(http.MethodDelete, path, h) }

// GetAppContext returns the application context bound to the request.
func GetAppContext(c echo.Context) app.AppContext {
	return c.Get(appContextKey).(app.AppContext)
}

type Server struct {
	root   *echo.Echo
	appCtx app.AppContext
}

func NewServer(appCtx app.AppContext) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	cfg := appCtx.Config()
	e.Use(middleware.Recover())
	e.Use(middleware.BodyLimit("1M"))
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: cfg.Web.AllowOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
	}))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:        true,
		LogStatus:     true,
		LogMethod:     true,
		LogLatency:    true,
		LogRemoteIP:   true,
		LogError:      true,
		HandleError:   true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			fields := []zap.Field{
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency),
				zap.String("remote_ip", v.RemoteIP),
			}
			if v.Error != nil {
				zap.L().Warn("webserver: request failed", append(fields, zap.Error(v.Error))...)
				return nil
			}
			if cfg.System.Debug {
				zap.L().Debug("webserver: request", fields...)
			}
			return nil
		},
	}))
	reg := appCtx.MetricsRegistry()
	e.Use(echoprometheus.NewMiddlewareWithConfig(echoprometheus.MiddlewareConfig{
		Subsystem:  "http",
		Registerer: reg,
		Skipper: func(c echo.Context) bool {
			return c.Path() == "/metrics"
		},
	}))
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			c.Set(appContextKey, appCtx)
			return next(c)
		}
	})

	e.GET("/metrics", echoprometheus.NewHandlerWithConfig(echoprometheus.HandlerConfig{Gatherer: reg}))
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]interface{}{
			"status":   "ok",
			"sessions": appCtx.Pairing().Len(),
			"time":     time.Now().UTC(),
		})
	})

	routesMu.Lock()
	for _, r := range routes {
		e.Add(r.method, r.path, r.handler)
	}
	routesMu.Unlock()

	return &Server{root: e, appCtx: appCtx}
}

// Echo returns the underlying echo instance.
func (s *Server) Echo() *echo.Echo {
	return s.root
}

// Start blocks serving HTTP until Shutdown is called.
func (s *Server) Start() error {
	cfg := s.appCtx.Config()
	addr := fmt.Sprintf("%s:%d", cfg.Web.Host, cfg.Web.Port)
	zap.L().Info("webserver: listening", zap.String("addr", addr))
	if err := s.root.Start(addr); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.root.Shutdown(ctx)
}
