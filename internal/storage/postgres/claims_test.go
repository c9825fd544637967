package postgres

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hostinbox/backend/internal/storage"
)

// fakeTx 只实现认领事务用到的方法
type fakeTx struct {
	pgx.Tx
	selectErr error // nil 表示记录已存在
	execErr   error
	commitErr error
	committed bool
}

type fakeRow struct{ err error }

func (r fakeRow) Scan(dest ...any) error { return r.err }

func (t *fakeTx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return fakeRow{err: t.selectErr}
}

func (t *fakeTx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return pgconn.NewCommandTag("INSERT 0 1"), t.execErr
}

func (t *fakeTx) Commit(ctx context.Context) error {
	t.committed = t.commitErr == nil
	return t.commitErr
}

func (t *fakeTx) Rollback(ctx context.Context) error { return nil }

// fakeBeginner 按顺序返回事务，用完后重复最后一个
type fakeBeginner struct {
	txs    []*fakeTx
	begins int
}

func (b *fakeBeginner) BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error) {
	i := b.begins
	if i >= len(b.txs) {
		i = len(b.txs) - 1
	}
	b.begins++
	return b.txs[i], nil
}

func newFakeClaimStore(txs ...*fakeTx) (*ClaimStore, *fakeBeginner) {
	b := &fakeBeginner{txs: txs}
	return &ClaimStore{
		begin:   b,
		now:     func() time.Time { return time.Now().UTC() },
		backoff: time.Millisecond,
	}, b
}

var serializationFailure = &pgconn.PgError{Code: codeSerializationFailure}

func TestClaimStore_ClaimMessage(t *testing.T) {
	ctx := context.Background()

	t.Run("首次认领成功", func(t *testing.T) {
		tx := &fakeTx{selectErr: pgx.ErrNoRows}
		store, b := newFakeClaimStore(tx)

		require.NoError(t, store.ClaimMessage(ctx, "host@villarosa.it", "m1", "runner-a"))
		assert.True(t, tx.committed)
		assert.Equal(t, 1, b.begins)
	})

	t.Run("Existing row is a conflict", func(t *testing.T) {
		store, b := newFakeClaimStore(&fakeTx{selectErr: nil})

		err := store.ClaimMessage(ctx, "host@villarosa.it", "m1", "runner-b")
		assert.ErrorIs(t, err, storage.ErrClaimExists)
		assert.Equal(t, 1, b.begins)
	})

	t.Run("唯一约束冲突视为已被认领", func(t *testing.T) {
		store, _ := newFakeClaimStore(&fakeTx{
			selectErr: pgx.ErrNoRows,
			execErr:   fmt.Errorf("insert: %w", &pgconn.PgError{Code: codeUniqueViolation}),
		})

		assert.ErrorIs(t, store.ClaimMessage(ctx, "host@villarosa.it", "m1", "runner-b"), storage.ErrClaimExists)
	})

	t.Run("Serialization failure on commit is retried", func(t *testing.T) {
		aborted := &fakeTx{selectErr: pgx.ErrNoRows, commitErr: serializationFailure}
		retried := &fakeTx{selectErr: pgx.ErrNoRows}
		store, b := newFakeClaimStore(aborted, retried)

		require.NoError(t, store.ClaimMessage(ctx, "host@villarosa.it", "m2", "runner-a"))
		assert.Equal(t, 2, b.begins)
		assert.True(t, retried.committed)
	})

	t.Run("重试后发现他人已认领", func(t *testing.T) {
		store, b := newFakeClaimStore(
			&fakeTx{selectErr: pgx.ErrNoRows, execErr: serializationFailure},
			&fakeTx{selectErr: nil},
		)

		assert.ErrorIs(t, store.ClaimMessage(ctx, "host@villarosa.it", "m2", "runner-a"), storage.ErrClaimExists)
		assert.Equal(t, 2, b.begins)
	})

	t.Run("Exhausted retries are not a conflict", func(t *testing.T) {
		store, b := newFakeClaimStore(&fakeTx{selectErr: pgx.ErrNoRows, commitErr: serializationFailure})

		err := store.ClaimMessage(ctx, "host@villarosa.it", "m3", "runner-a")
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrClaimContended)
		assert.NotErrorIs(t, err, storage.ErrClaimExists)
		assert.Equal(t, maxClaimAttempts, b.begins)
	})

	t.Run("取消时停止重试", func(t *testing.T) {
		store, b := newFakeClaimStore(&fakeTx{selectErr: pgx.ErrNoRows, commitErr: serializationFailure})
		store.backoff = time.Hour

		cancelled, cancel := context.WithCancel(ctx)
		go func() {
			time.Sleep(10 * time.Millisecond)
			cancel()
		}()

		err := store.ClaimMessage(cancelled, "host@villarosa.it", "m4", "runner-a")
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, b.begins)
	})
}

func TestClassifyClaimError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"unique violation", fmt.Errorf("insert: %w", &pgconn.PgError{Code: codeUniqueViolation}), storage.ErrClaimExists},
		{"序列化失败原样返回", serializationFailure, nil},
		{"其他数据库错误", &pgconn.PgError{Code: "42P01"}, nil},
		{"plain error", errors.New("boom"), nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classifyClaimError(tt.err)
			if tt.want != nil {
				assert.ErrorIs(t, got, tt.want)
				return
			}
			assert.NotErrorIs(t, got, storage.ErrClaimExists)
			assert.Equal(t, tt.err, got)
		})
	}
	assert.True(t, isSerializationFailure(fmt.Errorf("commit: %w", serializationFailure)))
	assert.False(t, isSerializationFailure(errors.New("boom")))
}
