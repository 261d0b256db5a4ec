package ws

import (
	"context"
	"time"
)

// HeartbeatConfig holds heartbeat tuning parameters.
type HeartbeatConfig struct {
	Interval time.Duration // how often to ping (default: 30s)
	Timeout  time.Duration // grace period after a missed ping (default: 10s)
}

// DefaultHeartbeatConfig returns sensible defaults for heartbeat monitoring.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval: 30 * time.Second,
		Timeout:  10 * time.Second,
	}
}

// StartHeartbeat pings every connection each Interval and evicts those with
// no inbound frame within Interval + Timeout. It returns immediately; the
// goroutine exits when the server shuts down.
func StartHeartbeat(server *Server, config HeartbeatConfig) {
	go func() {
		ticker := time.NewTicker(config.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-server.done:
				return
			case <-ticker.C:
				checkConnections(server, config, time.Now())
			}
		}
	}()
}

// checkConnections evicts stale connections and pings the rest. Pongs count
// as activity, so a healthy browser never goes stale.
func checkConnections(server *Server, config HeartbeatConfig, now time.Time) {
	deadline := config.Interval + config.Timeout

	for _, c := range server.Connections().All() {
		idle := now.Sub(c.LastActive())
		if idle > deadline {
			server.log.Info().Str("conn", c.ID).Str("user", c.UserID).Dur("idle", idle.Round(time.Second)).Msg("heartbeat timeout")
			server.RemoveConnection(c)
			continue
		}

		if err := c.WritePing(); err != nil {
			server.log.Debug().Err(err).Str("conn", c.ID).Msg("heartbeat ping failed")
			server.RemoveConnection(c)
			continue
		}

		if server.sessions != nil {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			if err := server.sessions.Touch(ctx, c.ID); err != nil {
				server.log.Debug().Err(err).Str("conn", c.ID).Msg("session touch failed")
			}
			cancel()
		}
	}
}
