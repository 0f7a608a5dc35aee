package ws

import (
	"time"

	"go.uber.org/zap"
)

// HeartbeatConfig holds heartbeat tuning parameters.
type HeartbeatConfig struct {
	Interval time.Duration // how often to ping (default: 30s)
	Timeout  time.Duration // extra grace after Interval before a silent connection is dropped
}

// DefaultHeartbeatConfig returns sensible defaults for heartbeat monitoring.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval: 30 * time.Second,
		Timeout:  10 * time.Second,
	}
}

// startHeartbeat pings every connection each Interval and removes those that
// have been silent for longer than Interval + Timeout. The goroutine exits
// when the server's done channel is closed.
func (s *Server) startHeartbeat() {
	if s.heartbeat.Interval <= 0 {
		s.logger.Info("heartbeat disabled")
		return
	}
	go func() {
		ticker := time.NewTicker(s.heartbeat.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-s.done:
				return
			case now := <-ticker.C:
				s.checkConnections(now)
			}
		}
	}()
}

// checkConnections removes stale connections and pings the rest. A removed
// connection runs the same disconnect cascade as a socket error.
func (s *Server) checkConnections(now time.Time) {
	deadline := s.heartbeat.Interval + s.heartbeat.Timeout

	for _, c := range s.conns.All() {
		if idle := now.Sub(c.LastActive()); idle > deadline {
			s.logger.Info("heartbeat timeout",
				zap.String("conn_id", c.ID()),
				zap.String("user_id", c.UserID()),
				zap.Duration("idle", idle.Round(time.Second)))
			s.RemoveConnection(c)
			continue
		}

		// The browser answers protocol-level pings automatically.
		if err := c.WritePing(); err != nil {
			s.logger.Debug("heartbeat ping failed",
				zap.String("conn_id", c.ID()),
				zap.Error(err))
			s.RemoveConnection(c)
		}
	}
}
