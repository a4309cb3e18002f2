// Package janitor purges stale uploads from the upload directory.
package janitor

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultRetention = time.Hour
	DefaultInterval  = 5 * time.Minute
)

// Options configures a Janitor.
type Options struct {
	Dir       string
	Retention time.Duration
	Interval  time.Duration
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// SweepStats summarizes one sweep.
type SweepStats struct {
	Scanned int
	Removed int
	Failed  int
}

// Janitor deletes every regular file in Dir whose modification time is more
// than Retention in the past. It shares nothing with request handlers except
// the directory itself.
type Janitor struct {
	dir       string
	retention time.Duration
	interval  time.Duration
	now       func() time.Time
	log       *zap.Logger
}

// New creates a Janitor, filling unset durations with the defaults.
func New(opts Options, log *zap.Logger) *Janitor {
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Janitor{
		dir:       opts.Dir,
		retention: opts.Retention,
		interval:  opts.Interval,
		now:       opts.Now,
		log:       log.Named("janitor"),
	}
}

// Run sweeps immediately, then every interval until ctx is done, and once
// more before returning.
func (j *Janitor) Run(ctx context.Context) error {
	j.log.Info("janitor started",
		zap.String("dir", j.dir),
		zap.Duration("retention", j.retention),
		zap.Duration("interval", j.interval))

	j.Sweep()

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			j.Sweep()
			j.log.Info("janitor stopped")
			return nil
		case <-ticker.C:
			j.Sweep()
		}
	}
}

// Sweep makes one best-effort pass over the directory. Errors are logged and
// counted and never stop the pass.
func (j *Janitor) Sweep() SweepStats {
	var stats SweepStats

	entries, err := os.ReadDir(j.dir)
	if err != nil {
		j.log.Warn("failed to list upload directory", zap.Error(err))
		stats.Failed++
		return stats
	}

	cutoff := j.now().Add(-j.retention)
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		stats.Scanned++

		info, err := entry.Info()
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				j.log.Warn("failed to stat file", zap.String("file", entry.Name()), zap.Error(err))
				stats.Failed++
			}
			continue
		}
		if !info.ModTime().Before(cutoff) {
			continue
		}

		if err := os.Remove(filepath.Join(j.dir, entry.Name())); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			j.log.Warn("failed to remove stale file", zap.String("file", entry.Name()), zap.Error(err))
			stats.Failed++
			continue
		}
		stats.Removed++
	}

	if stats.Removed > 0 || stats.Failed > 0 {
		j.log.Info("sweep finished",
			zap.Int("scanned", stats.Scanned),
			zap.Int("removed", stats.Removed),
			zap.Int("failed", stats.Failed))
	}
	return stats
}
