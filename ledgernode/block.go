package ledgernode

import (
	"context"
	"log/slog"
	"time"
)

// BlockProducer ticks the node at a fixed interval.
type BlockProducer struct {
	node     *Node
	interval time.Duration
	logger   *slog.Logger
}

func NewBlockProducer(node *Node, interval time.Duration, logger *slog.Logger) *BlockProducer {
	return &BlockProducer{
		node:     node,
		interval: interval,
		logger:   logger.With("component", "blocks"),
	}
}

// Run produces blocks until ctx is cancelled. Tick failures are logged and retried on
// the next interval.
func (b *BlockProducer) Run(ctx context.Context) error {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	b.logger.Info("producing blocks", "interval", b.interval)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			changed, err := b.node.Tick(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				b.logger.Error("failed to produce block", "err", err)
				continue
			}
			if changed > 0 {
				b.logger.Debug("block produced", "changed", changed)
			}
		}
	}
}
