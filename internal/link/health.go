package link

import (
	"context"
	"time"

	"github.com/chronologos/scopelink/internal/protocol"
)

// HealthPolicy controls idle probing. A zero Interval disables it.
type HealthPolicy struct {
	Interval      time.Duration // ticker period
	IdleThreshold time.Duration // probe only after this much idle time
}

// healthLoop probes conn with a position query whenever it has been idle
// longer than the threshold. A failed probe demotes the connection through
// Exchange, which wakes the supervisor.
func healthLoop(ctx context.Context, conn *Conn, policy HealthPolicy) {
	if policy.Interval <= 0 {
		return
	}
	ticker := time.NewTicker(policy.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if !conn.Connected() || conn.Busy() || conn.IdleFor() < policy.IdleThreshold {
			continue
		}
		if _, err := conn.Exec(protocol.CmdGetXY, nil, protocol.XYSize); err != nil {
			conn.log.Warn("health probe failed", "err", err)
		}
	}
}
