package handlers

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/andesco/embedproxy/pkg/embedproxy"
	"github.com/andesco/embedproxy/pkg/metrics"
)

type ServerOptions struct {
	Prefork bool
	Metrics bool
	// BaseContext is handed to every request; cancelling it aborts in-flight
	// upstream fetches, e.g. on shutdown.
	BaseContext context.Context
}

// NewServer wires the proxy endpoint and its companions into a Fiber app.
func NewServer(p *embedproxy.Proxy, opts ServerOptions) *fiber.App {
	app := fiber.New(fiber.Config{
		Prefork:               opts.Prefork,
		DisableStartupMessage: true,
	})

	app.Use(recover.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,HEAD,OPTIONS",
	}))

	if opts.BaseContext != nil {
		base := opts.BaseContext
		app.Use(func(c *fiber.Ctx) error {
			c.SetUserContext(base)
			return c.Next()
		})
	}

	app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.SendString("ok")
	})
	if opts.Metrics {
		app.Get("/metrics", adaptor.HTTPHandler(metrics.Handler()))
	}
	app.Get("/proxy", ProxySite(p))

	return app
}
