package server

import (
	"context"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/hashicorp/go-hclog"

	"meetcast/internal/config"
	"meetcast/internal/control"
	"meetcast/internal/recorder"
)

// Recorder is the part of the recording session the HTTP surface drives.
type Recorder interface {
	Do(ctx context.Context, cmd recorder.Command) (recorder.Result, error)
	Snapshot() recorder.Snapshot
}

// HealthChecker reports the health of an optional dependency.
type HealthChecker interface {
	Health(ctx context.Context) map[string]string
}

type Deps struct {
	Recorder Recorder
	// Journal is nil when journaling is disabled.
	Journal HealthChecker
	// Hub is nil unless the control channel is served here.
	Hub *control.Hub
	Log hclog.Logger
}

type FiberServer struct {
	*fiber.App
	cfg      *config.Config
	recorder Recorder
	journal  HealthChecker
	hub      *control.Hub
	log      hclog.Logger
	started  time.Time
}

func New(cfg *config.Config, deps Deps) *FiberServer {
	log := deps.Log
	if log == nil {
		log = hclog.NewNullLogger()
	}

	app := fiber.New(fiber.Config{
		ServerHeader:          "meetcast",
		AppName:               "meetcast",
		ReadTimeout:           cfg.Server.ReadTimeout.Duration,
		WriteTimeout:          cfg.Server.WriteTimeout.Duration,
		IdleTimeout:           cfg.Server.IdleTimeout.Duration,
		DisableStartupMessage: true,
	})

	server := &FiberServer{
		App:      app,
		cfg:      cfg,
		recorder: deps.Recorder,
		journal:  deps.Journal,
		hub:      deps.Hub,
		log:      log,
		started:  time.Now(),
	}
	server.applyMiddleware()

	return server
}

func (s *FiberServer) applyMiddleware() {
	s.App.Use(recover.New())
	s.App.Use(s.requestLogger)

	corsConfig := cors.Config{
		AllowMethods:     "GET,POST,OPTIONS",
		AllowHeaders:     "Accept,Authorization,Content-Type,Range",
		AllowCredentials: false,
		MaxAge:           300,
	}
	if len(s.cfg.Security.CORSOrigins) > 0 {
		corsConfig.AllowOrigins = strings.Join(s.cfg.Security.CORSOrigins, ",")
	} else {
		corsConfig.AllowOriginsFunc = isLocalOrigin
		corsConfig.AllowCredentials = true
	}
	s.App.Use(cors.New(corsConfig))
}

func (s *FiberServer) requestLogger(c *fiber.Ctx) error {
	start := time.Now()
	err := c.Next()
	s.log.Debug("request",
		"method", c.Method(),
		"path", c.Path(),
		"status", c.Response().StatusCode(),
		"duration", time.Since(start),
		"ip", c.IP(),
	)
	return err
}
