// Copyright 2026 The zeroclaw Authors
// SPDX-License-Identifier: Apache-2.0

package delivery

import "context"

// runSweeper transitions expired queued messages to dead_letter on a
// fixed interval, until ctx is canceled.
func (p *Pool) runSweeper(ctx context.Context) {
	ticker := p.clock.NewTicker(p.config.TTLSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			swept, err := p.registry.SweepExpiredMessages(ctx)
			if err != nil {
				p.logger.Error("TTL sweep failed", "error", err)
				continue
			}
			if swept > 0 {
				p.logger.Info("swept expired messages", "count", swept)
			}
		}
	}
}
