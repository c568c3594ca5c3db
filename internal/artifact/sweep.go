package artifact

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

// Sweep removes job directories whose newest artifact is older than
// retention. It returns the IDs of purged jobs.
func (s *Store) Sweep(ctx context.Context, retention time.Duration, now time.Time) ([]string, error) {
	jobs, err := s.Jobs(ctx)
	if err != nil {
		return nil, err
	}

	cutoff := now.Add(-retention)
	var purged []string
	for _, jobID := range jobs {
		if err := ctx.Err(); err != nil {
			return purged, err
		}
		newest, err := newestModTime(filepath.Join(s.baseDir, jobID))
		if err != nil {
			s.logger.Warn("skipping job during sweep", zap.String("job_id", jobID), zap.Error(err))
			continue
		}
		if newest.After(cutoff) {
			continue
		}
		if err := s.DeleteJob(ctx, jobID); err != nil {
			return purged, fmt.Errorf("sweeping %s: %w", jobID, err)
		}
		purged = append(purged, jobID)
	}

	if len(purged) > 0 {
		s.logger.Info("artifact sweep completed",
			zap.Int("purged", len(purged)),
			zap.Duration("retention", retention),
		)
	}
	return purged, nil
}

// RunSweeper calls Sweep every interval until ctx is done.
func (s *Store) RunSweeper(ctx context.Context, interval, retention time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-ticker.C:
			if _, err := s.Sweep(ctx, retention, t); err != nil && ctx.Err() == nil {
				s.logger.Error("artifact sweep failed", zap.Error(err))
			}
		}
	}
}

func newestModTime(dir string) (time.Time, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return time.Time{}, err
	}
	newest := info.ModTime()

	entries, err := os.ReadDir(dir)
	if err != nil {
		return time.Time{}, err
	}
	for _, e := range entries {
		fi, err := e.Info()
		if err != nil {
			continue
		}
		if fi.ModTime().After(newest) {
			newest = fi.ModTime()
		}
	}
	return newest, nil
}
