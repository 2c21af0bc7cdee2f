package server

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
)

// HostStats is a point-in-time view of the machine the recorder runs on.
type HostStats struct {
	CPUPercent    float64 `json:"cpuPercent"`
	MemoryPercent float64 `json:"memoryPercent"`
	Load1         float64 `json:"load1"`
	DiskFreeBytes uint64  `json:"diskFreeBytes"`
	DiskPercent   float64 `json:"diskPercent"`
}

func (s *FiberServer) healthHandler(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), 3*time.Second)
	defer cancel()

	resp := fiber.Map{
		"status":   "ok",
		"uptime":   time.Since(s.started).Round(time.Second).String(),
		"recorder": s.recorder.Snapshot(),
		"host":     s.hostStats(ctx),
	}
	if s.journal != nil {
		journal := s.journal.Health(ctx)
		resp["journal"] = journal
		if journal["error"] != "" {
			resp["status"] = "degraded"
		}
	}
	return c.JSON(resp)
}

// hostStats collects what it can. Missing figures stay zero.
func (s *FiberServer) hostStats(ctx context.Context) HostStats {
	var stats HostStats

	if percents, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(percents) > 0 {
		stats.CPUPercent = percents[0]
	} else if err != nil {
		s.log.Debug("cpu stats unavailable", "error", err)
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		stats.MemoryPercent = vm.UsedPercent
	}
	if avg, err := load.AvgWithContext(ctx); err == nil {
		stats.Load1 = avg.Load1
	}
	if usage, err := disk.UsageWithContext(ctx, diskPath(s.cfg.Recorder.OutputDir)); err == nil {
		stats.DiskFreeBytes = usage.Free
		stats.DiskPercent = usage.UsedPercent
	}
	return stats
}

// diskPath returns dir or its nearest existing ancestor.
func diskPath(dir string) string {
	dir, err := filepath.Abs(dir)
	if err != nil {
		return "."
	}
	for {
		if _, err := os.Stat(dir); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return dir
		}
		dir = parent
	}
}
