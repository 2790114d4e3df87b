package media

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"

	"dingclaw/pkg/logger"
)

const (
	DefaultMaxAge        = time.Hour
	DefaultSweepSchedule = "@every 1h"
)

// Sweeper deletes scratch files older than MaxAge.
type Sweeper struct {
	dir      string
	maxAge   time.Duration
	schedule string
	now      func() time.Time
	log      *slog.Logger

	cron *cron.Cron
}

func NewSweeper(dir string, log *slog.Logger) *Sweeper {
	return &Sweeper{
		dir:      dir,
		maxAge:   DefaultMaxAge,
		schedule: DefaultSweepSchedule,
		now:      time.Now,
		log:      logger.Component(log, "media.sweeper"),
	}
}

// Sweep removes stale regular files and returns how many were deleted.
// A missing directory is not an error.
func (s *Sweeper) Sweep() int {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			s.log.Warn("Media sweep failed", "dir", s.dir, "error", err)
		}
		return 0
	}

	cutoff := s.now().Add(-s.maxAge)
	removed := 0
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(s.dir, entry.Name())
		if err := os.Remove(path); err != nil {
			s.log.Warn("Failed to remove stale media", "path", path, "error", err)
			continue
		}
		removed++
	}

	if removed > 0 {
		s.log.Info("Removed stale media files", "count", removed, "dir", s.dir)
	}
	return removed
}

// Start sweeps once and then on the hourly schedule until Stop.
func (s *Sweeper) Start() error {
	s.Sweep()

	c := cron.New()
	if _, err := c.AddFunc(s.schedule, func() { s.Sweep() }); err != nil {
		return fmt.Errorf("schedule media sweep: %w", err)
	}
	c.Start()
	s.cron = c
	return nil
}

// Stop cancels the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
	s.cron = nil
}
