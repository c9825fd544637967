package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"hostinbox/backend/internal/domain"
	"hostinbox/backend/internal/storage"
)

// 与 gorm 对 domain.MessageClaim 生成的表结构一致
const (
	claimSelectSQL = `SELECT claimed_by, claimed_at FROM message_claims WHERE account_address = $1 AND message_id = $2`
	claimInsertSQL = `INSERT INTO message_claims (account_address, message_id, claimed_by, claimed_at) VALUES ($1, $2, $3, $4)`
	claimDeleteSQL = `DELETE FROM message_claims WHERE account_address = $1 AND message_id = $2`
)

// PostgreSQL 错误码
const (
	codeSerializationFailure = "40001"
	codeUniqueViolation      = "23505"
)

// maxClaimAttempts 序列化失败时事务的最多尝试次数
const maxClaimAttempts = 5

// ErrClaimContended 多次序列化失败后仍未完成认领。没有任何一方持有认领，调用方可稍后重试。
var ErrClaimContended = errors.New("claim transaction kept failing serialization")

// txBeginner 由 *pgxpool.Pool 实现
type txBeginner interface {
	BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error)
}

// ClaimStore 使用 SERIALIZABLE 事务实现先读后写的认领，
// 并发事务中恰好一个提交成功。
type ClaimStore struct {
	client  *Client
	begin   txBeginner
	now     func() time.Time
	backoff time.Duration
}

var _ storage.ClaimRepository = (*ClaimStore)(nil)

// NewClaimStore 创建认领存储
func NewClaimStore(client *Client) *ClaimStore {
	return &ClaimStore{
		client:  client,
		begin:   client.pool,
		now:     func() time.Time { return time.Now().UTC() },
		backoff: 10 * time.Millisecond,
	}
}

// ClaimMessage 认领消息。记录已存在或违反唯一约束时返回 storage.ErrClaimExists。
// 序列化失败说明事务被中止、没有写入任何记录，此时整个事务重试。
func (s *ClaimStore) ClaimMessage(ctx context.Context, address, messageID, claimedBy string) error {
	var err error
	for attempt := 1; attempt <= maxClaimAttempts; attempt++ {
		err = s.tryClaim(ctx, address, messageID, claimedBy)
		if !isSerializationFailure(err) {
			return err
		}
		if attempt == maxClaimAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * s.backoff):
		}
	}
	return fmt.Errorf("%w: %s/%s after %d attempts: %w", ErrClaimContended, address, messageID, maxClaimAttempts, err)
}

// tryClaim 单次认领事务
func (s *ClaimStore) tryClaim(ctx context.Context, address, messageID, claimedBy string) error {
	tx, err := s.begin.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return fmt.Errorf("failed to begin claim transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var owner string
	var claimedAt time.Time
	err = tx.QueryRow(ctx, claimSelectSQL, address, messageID).Scan(&owner, &claimedAt)
	switch {
	case err == nil:
		return storage.ErrClaimExists
	case !errors.Is(err, pgx.ErrNoRows):
		return classifyClaimError(err)
	}

	if _, err := tx.Exec(ctx, claimInsertSQL, address, messageID, claimedBy, s.now()); err != nil {
		return classifyClaimError(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return classifyClaimError(err)
	}
	return nil
}

// GetClaim 获取认领标记
func (s *ClaimStore) GetClaim(ctx context.Context, address, messageID string) (*domain.MessageClaim, error) {
	claim := &domain.MessageClaim{AccountAddress: address, MessageID: messageID}
	err := s.client.pool.QueryRow(ctx, claimSelectSQL, address, messageID).Scan(&claim.ClaimedBy, &claim.ClaimedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrClaimNotFound
	}
	if err != nil {
		return nil, err
	}
	return claim, nil
}

// ReleaseClaim 删除认领标记
func (s *ClaimStore) ReleaseClaim(ctx context.Context, address, messageID string) error {
	tag, err := s.client.pool.Exec(ctx, claimDeleteSQL, address, messageID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrClaimNotFound
	}
	return nil
}

// classifyClaimError 只有唯一约束冲突表示已被认领，序列化失败原样返回以便重试
func classifyClaimError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == codeUniqueViolation {
		return storage.ErrClaimExists
	}
	return err
}

func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == codeSerializationFailure
}
