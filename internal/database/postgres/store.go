package postgres

import (
	"context"
	"time"

	"github.com/bardlex/gomp-ethash/internal/validation"
)

// SaveShare upserts the share's miner and inserts the share in one
// transaction. It reports false when the share was already stored.
func (c *Client) SaveShare(ctx context.Context, share validation.Share) (bool, error) {
	var created bool
	err := c.InTx(ctx, func(tx DBTX) error {
		miner, err := NewMinerRepository(tx).Upsert(ctx, share.Miner, share.Created)
		if err != nil {
			return err
		}
		created, err = NewShareRepository(tx).CreateShare(ctx, NewShare(miner.ID, share))
		return err
	})
	return created, err
}

// SaveBlock records a block candidate as pending.
func (c *Client) SaveBlock(ctx context.Context, b *Block) error {
	return NewBlockRepository(c.db).CreateBlock(ctx, b)
}

// UpdateBlockStatus records a block submission outcome.
func (c *Client) UpdateBlockStatus(ctx context.Context, shareID, status, errMsg string, submittedAt time.Time) error {
	return NewBlockRepository(c.db).UpdateStatus(ctx, shareID, status, errMsg, submittedAt)
}

// RecentBlocks returns the latest blocks.
func (c *Client) RecentBlocks(ctx context.Context, limit int) ([]*Block, error) {
	return NewBlockRepository(c.db).GetRecentBlocks(ctx, limit)
}
