package db

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemTxRunnerAppliesOnCommit(t *testing.T) {
	r := NewMemTxRunner()
	var applied []string

	err := r.InTx(context.Background(), func(ctx context.Context) error {
		OnCommit(ctx, func() { applied = append(applied, "a") })
		assert.Empty(t, applied)
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, applied)
}

func TestMemTxRunnerRollsBackInReverse(t *testing.T) {
	r := NewMemTxRunner()
	var committed, undone []string
	boom := errors.New("boom")

	err := r.InTx(context.Background(), func(ctx context.Context) error {
		OnCommit(ctx, func() { committed = append(committed, "a") })
		OnRollback(ctx, func() { undone = append(undone, "first") })
		OnRollback(ctx, func() { undone = append(undone, "second") })
		return boom
	})

	assert.ErrorIs(t, err, boom)
	assert.Empty(t, committed)
	assert.Equal(t, []string{"second", "first"}, undone)
}

func TestMemTxRunnerNestedFailureKeepsOuter(t *testing.T) {
	r := NewMemTxRunner()
	var committed, undone []string

	err := r.InTx(context.Background(), func(ctx context.Context) error {
		OnCommit(ctx, func() { committed = append(committed, "outer") })

		inner := r.InTx(ctx, func(ctx context.Context) error {
			OnCommit(ctx, func() { committed = append(committed, "inner") })
			OnRollback(ctx, func() { undone = append(undone, "inner") })
			return errors.New("inner failed")
		})
		assert.Error(t, inner)
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, []string{"outer"}, committed)
	assert.Equal(t, []string{"inner"}, undone)
}

func TestMemTxRunnerOuterFailureUndoesNested(t *testing.T) {
	r := NewMemTxRunner()
	var undone []string

	err := r.InTx(context.Background(), func(ctx context.Context) error {
		require.NoError(t, r.InTx(ctx, func(ctx context.Context) error {
			OnRollback(ctx, func() { undone = append(undone, "inner") })
			return nil
		}))
		return errors.New("outer failed")
	})

	assert.Error(t, err)
	assert.Equal(t, []string{"inner"}, undone)
}

func TestMemTxRunnerSerializesOuterTransactions(t *testing.T) {
	r := NewMemTxRunner()
	counter := 0

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = r.InTx(context.Background(), func(ctx context.Context) error {
				v := counter
				OnCommit(ctx, func() { counter = v + 1 })
				return nil
			})
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, counter)
}

func TestOnCommitWithoutTransactionRunsImmediately(t *testing.T) {
	ran := false
	OnCommit(context.Background(), func() { ran = true })
	assert.True(t, ran)
}

func TestEmbeddedMigrationsAreOrdered(t *testing.T) {
	migrations, err := NewMigrator(nil, zerolog.Nop()).Load()
	require.NoError(t, err)
	require.NotEmpty(t, migrations)
	for i := 1; i < len(migrations); i++ {
		assert.Less(t, migrations[i-1].Version, migrations[i].Version)
	}
	assert.Contains(t, migrations[1].SQL, "EXCLUDE USING gist")
}
