package server

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"github.com/pkg/errors"

	"meetcast/internal/control"
	"meetcast/internal/playlist"
	"meetcast/internal/recorder"
	"meetcast/internal/transcoder"
)

func (s *FiberServer) startRecording(c *fiber.Ctx) error {
	var req control.StartPayload
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Invalid request body",
			})
		}
	}

	res, err := s.recorder.Do(c.UserContext(), recorder.Command{
		Kind:      recorder.CommandStart,
		TargetURL: req.URL(),
	})
	if err != nil {
		return s.commandError(c, res, err)
	}
	return c.Status(fiber.StatusOK).JSON(res.Snapshot)
}

func (s *FiberServer) stopRecording(c *fiber.Ctx) error {
	res, err := s.recorder.Do(c.UserContext(), recorder.Command{Kind: recorder.CommandStop})
	if err != nil {
		return s.commandError(c, res, err)
	}
	resp := fiber.Map{"recorder": res.Snapshot}
	if res.Noop {
		resp["detail"] = res.Detail
	}
	return c.Status(fiber.StatusOK).JSON(resp)
}

// recordingStatus serves the last published state. It does not go through
// the session, so polling never broadcasts to controllers.
func (s *FiberServer) recordingStatus(c *fiber.Ctx) error {
	snap := s.recorder.Snapshot()

	summary, err := playlist.Inspect(s.cfg.Recorder.OutputDir, transcoder.PlaylistName)
	if err != nil {
		s.log.Warn("failed to inspect playlist", "error", err)
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"recorder": snap,
		"playlist": summary,
	})
}

// commandError maps a failed session command onto an HTTP response.
func (s *FiberServer) commandError(c *fiber.Ctx, res recorder.Result, err error) error {
	status := fiber.StatusInternalServerError
	resp := fiber.Map{"error": err.Error()}

	var acqErr *recorder.AcquisitionError
	switch {
	case errors.Is(err, recorder.ErrInvalidTarget):
		status = fiber.StatusBadRequest
	case errors.Is(err, recorder.ErrSuperseded):
		status = fiber.StatusConflict
	case errors.Is(err, recorder.ErrClosed):
		status = fiber.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		status = fiber.StatusGatewayTimeout
	case errors.As(err, &acqErr):
		status = fiber.StatusBadGateway
		resp["step"] = string(acqErr.Step)
	}

	if res.Snapshot.StateName != "" {
		resp["recorder"] = res.Snapshot
	}
	s.log.Warn("recording command failed", "path", c.Path(), "status", status, "error", err)
	return c.Status(status).JSON(resp)
}
