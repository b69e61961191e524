package app

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/monitor"

	"pdfbridge/internal/config"
	"pdfbridge/internal/handlers"
	"pdfbridge/internal/host"
	"pdfbridge/internal/logging"
	"pdfbridge/internal/render"
	"pdfbridge/internal/templates"
)

// Deps are the collaborators the HTTP surface needs. Cache and Pools may be nil.
type Deps struct {
	Bridge    handlers.Downloader
	Renderer  render.Renderer
	Pools     handlers.PoolSource
	Cache     host.Cache
	Templates *templates.Catalog
}

// SetupApp creates and configures a new Fiber app instance
func SetupApp(cfg config.Config, deps Deps) *fiber.App {
	app := fiber.New(fiber.Config{
		Prefork:               cfg.Server.Prefork,
		DisableStartupMessage: true,
		// Leave room for form encoding overhead on top of the HTML limit.
		BodyLimit: max(cfg.Limits.MaxHTMLBytes*2, fiber.DefaultBodyLimit),
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			msg := "Internal Server Error"

			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
				msg = e.Message
			}

			logging.Warn("Request failed", "path", c.Path(), "status", code, "message", msg)

			return c.Status(code).JSON(fiber.Map{
				"error": fiber.Map{
					"code":    code,
					"message": msg,
				},
			})
		},
	})

	RegisterMiddleware(app, cfg)
	RegisterRoutes(app, cfg, deps)

	// Ensure all responses, including 404s, return JSON
	app.Use(func(c *fiber.Ctx) error {
		return fiber.NewError(fiber.StatusNotFound, "Not Found")
	})

	return app
}

// RegisterRoutes mounts all route handlers to the app
func RegisterRoutes(app *fiber.App, cfg config.Config, deps Deps) {
	v1 := app.Group("/v1")

	if deps.Bridge != nil {
		v1.Post("/download-pdf", handlers.HandleDownloadPDF(deps.Bridge, cfg.Limits.MaxHTMLBytes))
	}

	svc := handlers.NewPDFService(cfg, deps.Renderer, deps.Pools, deps.Cache)
	if deps.Renderer != nil {
		v1.Post("/pdf", svc.HandleConversion)
	}
	v1.Get("/chrome/stats", svc.HandleChromeStats)

	catalog := deps.Templates
	if catalog == nil {
		catalog, _ = templates.New(nil)
	}
	tpl := &handlers.TemplateService{Catalog: catalog}
	v1.Get("/templates", tpl.HandleList)
	v1.Get("/templates/:id", tpl.HandleGet)

	v1.Get("/monitor", monitor.New())
}
