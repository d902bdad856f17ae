package protocol

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

const DefaultSweepInterval = 60 * time.Second

var errEmptyPayload = errors.New("empty payload")

// RunSweeper calls Sweep every interval until ctx is done.
func (s *Server) RunSweeper(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	slog.Info("liveness sweeper started", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			slog.Info("liveness sweeper stopped")
			return nil
		case <-ticker.C:
			result := s.Sweep(s.opts.Now())
			if len(result.EvictedSessions) > 0 || len(result.DeletedRooms) > 0 {
				slog.Info("sweep finished",
					"evictedSessions", len(result.EvictedSessions),
					"deletedRooms", len(result.DeletedRooms))
			}
		}
	}
}
