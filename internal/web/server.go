// Package web provides the public HTTP surface of the browser-manager
// service: session loading, QR authentication, sampling, and the operator
// container endpoints.
package web

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/compress"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/rs/zerolog/log"

	"github.com/netresearch/browser-manager/internal/container"
	"github.com/netresearch/browser-manager/internal/crypto"
	"github.com/netresearch/browser-manager/internal/orchestrator"
	"github.com/netresearch/browser-manager/internal/pool"
	"github.com/netresearch/browser-manager/internal/session"
)

// App is the HTTP application fronting the orchestrator.
type App struct {
	orch  *orchestrator.Orchestrator
	fiber *fiber.App
}

// NewApp builds the Fiber application and registers all routes.
func NewApp(orch *orchestrator.Orchestrator) *App {
	f := fiber.New(fiber.Config{
		AppName:      "netresearch/browser-manager",
		BodyLimit:    8 * 1024 * 1024, // encrypted bundles and QR payloads are chunky
		ErrorHandler: handleError,
	})

	f.Use(recover.New())
	f.Use(compress.New(compress.Config{
		Level: compress.LevelBestSpeed,
	}))

	a := &App{orch: orch, fiber: f}
	a.setupRoutes()

	return a
}

// setupRoutes registers the public surface.
func (a *App) setupRoutes() {
	f := a.fiber

	f.Post("/load-session", a.loadSessionHandler)
	f.Get("/sessions", a.listSessionsHandler)

	f.Post("/auth/start/:sessionId", a.startAuthHandler)
	f.Get("/auth/poll/:authSessionId", a.pollAuthHandler)

	f.Post("/playwright/foryoupage/sample/:sessionId", a.sampleFeedHandler)
	f.Post("/playwright/watchhistory/sample/:sessionId", a.sampleHistoryHandler)

	f.Post("/modules/foryoupage/sample/:sessionId", a.moduleSampleHandler("foryoupage"))
	f.Post("/modules/watchhistory/sample/:sessionId", a.moduleSampleHandler("watchhistory"))

	f.Post("/containers/create", a.createContainerHandler)
	f.Delete("/containers/:id", a.destroyContainerHandler)
	f.Get("/containers", a.listContainersHandler)

	f.Get("/health", a.healthHandler)

	// The pre-orchestrator surface; kept so old dashboards get a clear
	// signal instead of a 404.
	f.All("/xordi/*", deprecatedHandler)
}

// Listen starts the background loops and serves HTTP until shutdown.
func (a *App) Listen(ctx context.Context, addr string) error {
	go a.orch.Run(ctx)

	return a.fiber.Listen(addr)
}

// Shutdown stops the HTTP server and tears down the orchestrator.
func (a *App) Shutdown(ctx context.Context) error {
	log.Info().Msg("Shutting down HTTP server...")
	if err := a.fiber.ShutdownWithContext(ctx); err != nil {
		log.Error().Err(err).Msg("Error shutting down Fiber server")
	}

	log.Info().Msg("Tearing down orchestrator...")
	a.orch.Shutdown(ctx)

	return nil
}

func deprecatedHandler(c *fiber.Ctx) error {
	return c.Status(fiber.StatusGone).JSON(fiber.Map{
		"error": "Deprecated: this endpoint moved to the orchestrator surface",
	})
}

// handleError maps the error taxonomy onto HTTP statuses with the
// { "error": "<kind>: <message>" } body shape.
func handleError(c *fiber.Ctx, err error) error {
	var fe *fiber.Error
	if errors.As(err, &fe) {
		return c.Status(fe.Code).JSON(fiber.Map{"error": fe.Message})
	}

	kind, status := classify(err)
	if status == fiber.StatusInternalServerError {
		log.Error().Err(err).Str("path", c.Path()).Msg("Request failed")
	}

	return c.Status(status).JSON(fiber.Map{
		"error": kind + ": " + err.Error(),
	})
}

// classify resolves an error to its taxonomy kind and HTTP status.
func classify(err error) (string, int) {
	switch {
	case errors.Is(err, session.ErrBadBundle):
		return "BadBundle", fiber.StatusBadRequest
	case errors.Is(err, crypto.ErrBadCiphertext):
		return "BadCiphertext", fiber.StatusBadRequest
	case errors.Is(err, session.ErrNotFound):
		return "SessionNotFound", fiber.StatusNotFound
	case errors.Is(err, session.ErrAuthNotFound):
		return "AuthSessionNotFound", fiber.StatusNotFound
	case errors.Is(err, pool.ErrNotFound):
		return "ContainerNotFound", fiber.StatusNotFound
	case errors.Is(err, orchestrator.ErrModuleNotFound):
		return "ModuleNotFound", fiber.StatusBadRequest
	case errors.Is(err, pool.ErrAtCapacity):
		return "AtCapacity", fiber.StatusInternalServerError
	case errors.Is(err, pool.ErrProxyConfig):
		return "ProxyConfig", fiber.StatusInternalServerError
	case errors.Is(err, container.ErrCreationFailed):
		return "ContainerCreationFailed", fiber.StatusInternalServerError
	case errors.Is(err, container.ErrNotReady):
		return "BrowserNotReady", fiber.StatusInternalServerError
	case errors.Is(err, orchestrator.ErrAuthTimeout):
		return "AuthTimeout", fiber.StatusInternalServerError
	case errors.Is(err, orchestrator.ErrQrExtraction):
		return "QrExtractionFailed", fiber.StatusInternalServerError
	case errors.Is(err, orchestrator.ErrQrValidation):
		return "QrValidationFailed", fiber.StatusInternalServerError
	case errors.Is(err, orchestrator.ErrSamplingScript):
		return "SamplingScriptFailed", fiber.StatusInternalServerError
	default:
		return "Internal", fiber.StatusInternalServerError
	}
}
