package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

// MinerRepository handles miner rows
type MinerRepository struct {
	db DBTX
}

// NewMinerRepository creates a new miner repository
func NewMinerRepository(db DBTX) *MinerRepository {
	return &MinerRepository{db: db}
}

// Upsert creates the miner on first sight and bumps last_seen_at otherwise.
func (r *MinerRepository) Upsert(ctx context.Context, address string, seen time.Time) (*Miner, error) {
	query := `
		INSERT INTO miners (address, created_at, last_seen_at)
		VALUES ($1, $2, $2)
		ON CONFLICT (address) DO UPDATE SET last_seen_at = GREATEST(miners.last_seen_at, EXCLUDED.last_seen_at)
		RETURNING id, address, created_at, last_seen_at`

	m := &Miner{}
	err := r.db.QueryRowContext(ctx, query, address, seen).Scan(&m.ID, &m.Address, &m.CreatedAt, &m.LastSeenAt)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert miner: %w", err)
	}
	return m, nil
}

// GetByAddress retrieves a miner by payout address
func (r *MinerRepository) GetByAddress(ctx context.Context, address string) (*Miner, error) {
	query := `SELECT id, address, created_at, last_seen_at FROM miners WHERE address = $1`

	m := &Miner{}
	err := r.db.QueryRowContext(ctx, query, address).Scan(&m.ID, &m.Address, &m.CreatedAt, &m.LastSeenAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get miner: %w", err)
	}
	return m, nil
}

// ShareRepository handles share rows
type ShareRepository struct {
	db DBTX
}

// NewShareRepository creates a new share repository
func NewShareRepository(db DBTX) *ShareRepository {
	return &ShareRepository{db: db}
}

// CreateShare inserts a share. Redelivered shares are ignored; the return
// value reports whether a row was written.
func (r *ShareRepository) CreateShare(ctx context.Context, s *Share) (bool, error) {
	query := `
		INSERT INTO shares (id, miner_id, worker, job_id, block_height, difficulty, actual_difficulty,
		                    is_block_candidate, nonce, header_hash, mix_digest, ip_address, user_agent, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO NOTHING`

	res, err := r.db.ExecContext(ctx, query,
		s.ID, s.MinerID, s.Worker, s.JobID, s.BlockHeight, s.Difficulty, s.ActualDifficulty,
		s.IsBlockCandidate, s.Nonce, s.HeaderHash, s.MixDigest, s.IPAddress, s.UserAgent, s.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to create share: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to create share: %w", err)
	}
	return n == 1, nil
}

// GetSharesByMiner returns a miner's most recent shares
func (r *ShareRepository) GetSharesByMiner(ctx context.Context, minerID int64, limit int) ([]*Share, error) {
	query := `
		SELECT id, miner_id, worker, job_id, block_height, difficulty, actual_difficulty,
		       is_block_candidate, nonce, header_hash, mix_digest, ip_address, user_agent, created_at
		FROM shares WHERE miner_id = $1
		ORDER BY created_at DESC LIMIT $2`

	rows, err := r.db.QueryContext(ctx, query, minerID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query shares: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var shares []*Share
	for rows.Next() {
		s := &Share{}
		if err := rows.Scan(
			&s.ID, &s.MinerID, &s.Worker, &s.JobID, &s.BlockHeight, &s.Difficulty, &s.ActualDifficulty,
			&s.IsBlockCandidate, &s.Nonce, &s.HeaderHash, &s.MixDigest, &s.IPAddress, &s.UserAgent, &s.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan share: %w", err)
		}
		shares = append(shares, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read shares: %w", err)
	}
	return shares, nil
}

// SumDifficultySince returns the credited difficulty a miner submitted
// since t.
func (r *ShareRepository) SumDifficultySince(ctx context.Context, minerID int64, since time.Time) (float64, error) {
	query := `SELECT COALESCE(SUM(difficulty), 0) FROM shares WHERE miner_id = $1 AND created_at >= $2`

	var total float64
	if err := r.db.QueryRowContext(ctx, query, minerID, since).Scan(&total); err != nil {
		return 0, fmt.Errorf("failed to sum share difficulty: %w", err)
	}
	return total, nil
}

// BlockRepository handles block rows
type BlockRepository struct {
	db DBTX
}

// NewBlockRepository creates a new block repository
func NewBlockRepository(db DBTX) *BlockRepository {
	return &BlockRepository{db: db}
}

// CreateBlock records a block candidate; a second insert for the same share
// is ignored.
func (r *BlockRepository) CreateBlock(ctx context.Context, b *Block) error {
	query := `
		INSERT INTO blocks (share_id, block_height, miner, worker, nonce, header_hash, mix_digest,
		                    confirmation_data, difficulty, status, error_message, found_at, submitted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (share_id) DO UPDATE SET share_id = EXCLUDED.share_id
		RETURNING id`

	if b.Status == "" {
		b.Status = BlockPending
	}
	err := r.db.QueryRowContext(ctx, query,
		b.ShareID, b.BlockHeight, b.Miner, b.Worker, b.Nonce, b.HeaderHash, b.MixDigest,
		b.ConfirmationData, b.Difficulty, b.Status, b.ErrorMessage, b.FoundAt, b.SubmittedAt,
	).Scan(&b.ID)
	if err != nil {
		return fmt.Errorf("failed to create block: %w", err)
	}
	return nil
}

// UpdateStatus records the submission outcome of a block.
func (r *BlockRepository) UpdateStatus(ctx context.Context, shareID, status, errMsg string, submittedAt time.Time) error {
	query := `UPDATE blocks SET status = $2, error_message = $3, submitted_at = $4 WHERE share_id = $1`

	res, err := r.db.ExecContext(ctx, query, shareID, status, errMsg, submittedAt)
	if err != nil {
		return fmt.Errorf("failed to update block status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update block status: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetRecentBlocks returns the most recently found blocks
func (r *BlockRepository) GetRecentBlocks(ctx context.Context, limit int) ([]*Block, error) {
	query := `
		SELECT id, share_id, block_height, miner, worker, nonce, header_hash, mix_digest,
		       confirmation_data, difficulty, status, error_message, found_at, submitted_at
		FROM blocks ORDER BY found_at DESC LIMIT $1`

	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query blocks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var blocks []*Block
	for rows.Next() {
		b := &Block{}
		var submitted sql.NullTime
		if err := rows.Scan(
			&b.ID, &b.ShareID, &b.BlockHeight, &b.Miner, &b.Worker, &b.Nonce, &b.HeaderHash, &b.MixDigest,
			&b.ConfirmationData, &b.Difficulty, &b.Status, &b.ErrorMessage, &b.FoundAt, &submitted,
		); err != nil {
			return nil, fmt.Errorf("failed to scan block: %w", err)
		}
		if submitted.Valid {
			t := submitted.Time
			b.SubmittedAt = &t
		}
		blocks = append(blocks, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read blocks: %w", err)
	}
	return blocks, nil
}
