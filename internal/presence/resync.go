package presence

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"
)

// Resync rebroadcasts the online-user list and every paired user's current
// status. It heals clients that missed a notice.
func (e *Engine) Resync() {
	batch := e.broadcaster.NewBatch()

	e.mu.Lock()
	batch.BroadcastOnlineList()
	pairs := e.tracker.Pairs()
	users := make([]string, 0, len(pairs))
	for u := range pairs {
		users = append(users, u)
	}
	sort.Strings(users)
	for _, u := range users {
		batch.SendStatus(u, pairs[u], e.resolve(u, pairs[u]))
	}
	e.updateGauges()
	e.mu.Unlock()

	e.broadcaster.Flush(batch)
}

// RunResync calls Resync every interval until ctx is done. It returns
// immediately when interval is not positive.
func (e *Engine) RunResync(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		e.logger.Info("periodic resync disabled")
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	e.logger.Info("periodic resync started", zap.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Resync()
		}
	}
}
