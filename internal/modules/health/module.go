package health

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/fx"

	"spot_agent/internal/metrics"
	"spot_agent/internal/modules/config"
	"spot_agent/internal/modules/health/service"
	"spot_agent/internal/modules/store"
	"spot_agent/pkg/logger"
)

type Config struct {
	Addr        string // например ":8080"
	Instruments []string
}

func NewConfig(cfg *config.Config) Config {
	return Config{Addr: cfg.Service.Addr, Instruments: cfg.Instruments}
}

// StatusFunc — расширенный статус инструмента; есть только у трейдера.
type StatusFunc func(ctx context.Context, instrument string) (any, error)

type Deps struct {
	fx.In

	Cfg    Config
	State  *service.State
	Repo   *store.Repo
	Status StatusFunc `optional:"true"`
}

func NewEcho(d Deps) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.JSONSerializer = sonicSerializer{}
	e.Use(middleware.Recover())

	h := &handler{cfg: d.Cfg, state: d.State, repo: d.Repo, status: d.Status}
	e.GET("/livez", h.livez)
	e.GET("/readyz", h.readyz)
	e.GET("/healthz", h.healthz)
	e.GET("/metrics", echo.WrapHandler(metrics.Handler()))

	g := e.Group("/api/v1", h.knownInstrument)
	g.GET("/status/:instrument", h.instrumentStatus)
	g.GET("/signal/:instrument", h.signal)
	g.GET("/trades/:instrument", h.trades)
	g.GET("/training/:instrument", h.training)
	return e
}

func RunHTTP(lc fx.Lifecycle, cfg Config, e *echo.Echo) {
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           e,
		ReadHeaderTimeout: 5 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			ln, err := net.Listen("tcp", cfg.Addr)
			if err != nil {
				return err
			}
			go func() {
				if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("[HTTP] serve: %v", err)
				}
			}()
			logger.Info("[HTTP] listening on %s", cfg.Addr)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return srv.Shutdown(ctx)
		},
	})
}

func Module() fx.Option {
	return fx.Module("health",
		fx.Provide(
			service.NewState,
			NewConfig,
			NewEcho,
		),
		fx.Invoke(RunHTTP),
	)
}
