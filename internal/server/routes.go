package server

import (
	"github.com/gofiber/fiber/v2"
)

func (s *FiberServer) RegisterFiberRoutes() {
	s.App.Get("/", s.bannerHandler)
	s.App.Get("/health", s.healthHandler)

	// HLS output, re-read on every request while the recording grows.
	s.App.Static("/stream", s.cfg.Recorder.OutputDir, fiber.Static{
		CacheDuration: -1,
		ModifyResponse: func(c *fiber.Ctx) error {
			c.Set(fiber.HeaderCacheControl, "no-cache, no-store, must-revalidate")
			return nil
		},
	})

	api := s.App.Group("/api", s.rateLimiter(), s.authMiddleware)
	recording := api.Group("/recording")
	recording.Post("/start", s.startRecording)
	recording.Post("/stop", s.stopRecording)
	recording.Get("/status", s.recordingStatus)

	if s.hub != nil {
		s.App.Use("/ws/control", s.authMiddleware, s.hub.Upgrade)
		s.App.Get("/ws/control", s.hub.Handler())
	}
}

func (s *FiberServer) bannerHandler(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"message": "meetcast recorder",
		"stream":  "/stream/stream.m3u8",
	})
}
