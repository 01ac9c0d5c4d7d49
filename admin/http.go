// Package admin exposes an optional operator-facing HTTP surface over a
// running container: a stats snapshot and a liveness probe. It is not
// part of the RPC/event wire protocol and a container with no admin
// server configured behaves identically. Grounded on
// components/http/http.go's fiber.New/fiber.Config setup and graceful
// Shutdown-on-context-done idiom.
package admin

import (
	"context"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
)

// StatsSource is the subset of container.Container capability the admin
// server depends on.
type StatsSource interface {
	Stats() map[string]interface{}
}

// Server is a fiber-backed admin HTTP server.
type Server struct {
	app *fiber.App
}

// New builds a Server exposing GET /stats (source.Stats()) and
// GET /healthz (always 200).
func New(source StatsSource) *Server {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
	})

	app.Get("/stats", func(c *fiber.Ctx) error {
		return c.JSON(source.Stats())
	})
	app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.SendStatus(http.StatusOK)
	})

	return &Server{app: app}
}

// Serve listens on addr until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.app.Listen(addr)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.app.ShutdownWithContext(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
