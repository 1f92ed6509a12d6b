package auth

import (
	"context"
	"fmt"
	"time"
)

// DefaultSweepInterval is how often RunSweeper purges expired sessions.
const DefaultSweepInterval = 5 * time.Minute

// SweepExpired deletes every session that has expired and returns how many
// were removed.
func (s *Service) SweepExpired(ctx context.Context) (int, error) {
	n, err := s.sessions.DeleteExpiredSessions(ctx, s.now())
	if err != nil {
		return n, fmt.Errorf("sweeping expired sessions: %w", err)
	}
	return n, nil
}

// RunSweeper calls SweepExpired every interval until ctx is done.
func (s *Service) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.SweepExpired(ctx)
			if err != nil {
				s.logger.WarnContext(ctx, "session sweep failed", "error", err)
				continue
			}
			if n > 0 {
				s.logger.InfoContext(ctx, "expired sessions removed", "count", n)
			}
		}
	}
}
