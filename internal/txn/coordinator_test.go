package txn

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	sppb "cloud.google.com/go/spanner/apiv1/spannerpb"
	"github.com/MakeNowJust/heredoc/v2"
	"github.com/apstndb/spanner-txmgr/enums"
	"github.com/apstndb/spanner-txmgr/internal/backend"
	"github.com/apstndb/spanner-txmgr/internal/backend/memory"
	"github.com/apstndb/spanner-txmgr/internal/retry"
	"github.com/apstndb/spanner-txmgr/internal/session"
	"github.com/sourcegraph/conc/pool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testDatabase = "projects/p/instances/i/databases/d"

var singersDDL = heredoc.Doc(`
	CREATE TABLE Singers (
	  SingerId INT64 NOT NULL,
	  FirstName STRING(MAX)
	) PRIMARY KEY (SingerId)`)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// sleeper advances a fake clock instead of sleeping.
type sleeper struct {
	clock *fakeClock

	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleeper) Sleep(_ context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	s.clock.Advance(d)
	return nil
}

func (s *sleeper) Delays() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.delays
}

type fixture struct {
	server  *memory.Server
	pool    *session.Pool
	clock   *fakeClock
	sleeper *sleeper
}

func newFixture(t *testing.T, opts ...memory.Option) *fixture {
	t.Helper()
	ctx := context.Background()

	clock := &fakeClock{now: epoch}
	server := memory.New(append([]memory.Option{memory.WithClock(clock.Now)}, opts...)...)
	op, err := server.UpdateDDL(ctx, testDatabase, []string{singersDDL})
	require.NoError(t, err)
	require.NoError(t, op.Poll(ctx))

	p, err := session.NewPool(ctx, backend.NewConn(testDatabase, server, server), session.PoolConfig{Clock: clock.Now})
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close(context.Background()) })

	return &fixture{server: server, pool: p, clock: clock, sleeper: &sleeper{clock: clock}}
}

func (f *fixture) coordinator(t *testing.T, cfg Config) *Coordinator {
	t.Helper()
	cfg.Clock = f.clock.Now
	cfg.Sleep = f.sleeper.Sleep
	c := NewCoordinator(f.pool, cfg)
	t.Cleanup(c.Close)
	return c
}

func (f *fixture) rowCount(t *testing.T) int {
	t.Helper()
	n, err := f.server.RowCount("Singers")
	require.NoError(t, err)
	return n
}

func insertSinger(id int64, name string) Body {
	return func(ctx context.Context, tx *Tx) error {
		_, err := tx.Update(ctx, "INSERT INTO Singers (SingerId, FirstName) VALUES (@id, @name)", Params{"id": id, "name": name})
		return err
	}
}

func assertIncreasing(t *testing.T, seqnos []int64) {
	t.Helper()
	for i := 1; i < len(seqnos); i++ {
		assert.Greater(t, seqnos[i], seqnos[i-1], "seqnos: %v", seqnos)
	}
}

func TestCoordinator_WithTransactionCommits(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	c := f.coordinator(t, Config{})

	ts, err := c.WithTransaction(ctx, enums.TransactionModeReadWrite, func(ctx context.Context, tx *Tx) error {
		for i := range 5 {
			if _, err := tx.Update(ctx, "INSERT INTO Singers (SingerId, FirstName) VALUES (@id, @name)",
				Params{"id": int64(i + 1), "name": fmt.Sprintf("singer%d", i+1)}); err != nil {
				return err
			}
		}
		rows, err := tx.Query(ctx, "SELECT COUNT(*) AS n FROM Singers", nil)
		if err != nil {
			return err
		}
		row, err := rows.Next()
		if err != nil {
			return err
		}
		var n int64
		if err := row.Columns(&n); err != nil {
			return err
		}
		assert.Equal(t, int64(5), n)
		return nil
	})
	require.NoError(t, err)

	assert.WithinDuration(t, epoch, ts, 0)
	assert.Equal(t, 5, f.rowCount(t))
	assert.Equal(t, []int64{1, 2, 3, 4, 5}, f.server.Seqnos())
	assert.Equal(t, 1, f.server.CallCount(memory.MethodCommit))
}

func TestCoordinator_BodyErrorRollsBack(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	c := f.coordinator(t, Config{})

	boom := errors.New("boom")
	_, err := c.WithTransaction(ctx, enums.TransactionModeReadWrite, func(ctx context.Context, tx *Tx) error {
		if err := insertSinger(1, "Marc")(ctx, tx); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Zero(t, f.rowCount(t))
	assert.Equal(t, 1, f.server.CallCount(memory.MethodRollback))
	assert.Zero(t, f.server.CallCount(memory.MethodCommit))
}

func TestCoordinator_ErrRollback(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	c := f.coordinator(t, Config{})

	ts, err := c.WithTransaction(ctx, enums.TransactionModeReadWrite, func(ctx context.Context, tx *Tx) error {
		if err := insertSinger(1, "Marc")(ctx, tx); err != nil {
			return err
		}
		return fmt.Errorf("changed my mind: %w", ErrRollback)
	})
	require.NoError(t, err)
	assert.True(t, ts.IsZero())
	assert.Zero(t, f.rowCount(t))
	assert.Equal(t, 1, f.server.CallCount(memory.MethodRollback))
}

func TestCoordinator_RetriesAbortedCommit(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	c := f.coordinator(t, Config{})

	f.server.InjectFault(memory.MethodCommit, 2, memory.AbortedStatus(0))

	var calls int
	_, err := c.WithTransaction(ctx, enums.TransactionModeReadWrite, func(ctx context.Context, tx *Tx) error {
		calls++
		if err := insertSinger(1, "Marc")(ctx, tx); err != nil {
			return err
		}
		return insertSinger(2, "Catalina")(ctx, tx)
	})
	require.NoError(t, err)

	assert.Equal(t, 3, calls)
	assert.Equal(t, 2, f.rowCount(t))
	assert.Equal(t, 3, f.server.CallCount(memory.MethodCommit))
	assert.Equal(t, []time.Duration{time.Second, 1300 * time.Millisecond}, f.sleeper.Delays())

	seqnos := f.server.Seqnos()
	assert.Len(t, seqnos, 6)
	assertIncreasing(t, seqnos)
}

func TestCoordinator_ServerRetryDelay(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	c := f.coordinator(t, Config{})

	f.server.InjectFault(memory.MethodExecuteSql, 1, memory.AbortedStatus(3*time.Second))

	_, err := c.WithTransaction(ctx, enums.TransactionModeReadWrite, insertSinger(1, "Marc"))
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{3 * time.Second}, f.sleeper.Delays())
	assert.Equal(t, 1, f.rowCount(t))
}

func TestCoordinator_RetriesIgnoredFailure(t *testing.T) {
	t.Parallel()

	tests := []struct {
		desc           string
		fault          error
		wantDelays     []time.Duration
		wantNewSession bool
	}{
		{desc: "aborted", fault: memory.AbortedStatus(0), wantDelays: []time.Duration{time.Second}},
		{desc: "session not found", fault: memory.SessionNotFoundStatus("lost"), wantNewSession: true},
	}

	for _, tt := range tests {
		t.Run(tt.desc, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			f := newFixture(t)
			c := f.coordinator(t, Config{})

			f.server.InjectFault(memory.MethodExecuteSql, 1, tt.fault)

			var calls int
			_, err := c.WithTransaction(ctx, enums.TransactionModeReadWrite, func(ctx context.Context, tx *Tx) error {
				calls++
				_, _ = tx.Update(ctx, "INSERT INTO Singers (SingerId, FirstName) VALUES (1, 'Marc')", nil)
				return nil
			})
			require.NoError(t, err)

			assert.Equal(t, 2, calls)
			assert.Equal(t, 1, f.rowCount(t))
			assert.Equal(t, 1, f.server.CallCount(memory.MethodCommit))
			assert.Equal(t, tt.wantDelays, f.sleeper.Delays())
			if tt.wantNewSession {
				assert.Equal(t, 2, f.server.CallCount(memory.MethodCreateSession))
			}
		})
	}
}

func TestTx_CommitAfterAbort(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	c := f.coordinator(t, Config{})

	tx, err := c.Begin(ctx, enums.TransactionModeReadWrite)
	require.NoError(t, err)

	f.server.InjectFault(memory.MethodExecuteSql, 1, memory.AbortedStatus(0))
	_, err = tx.Update(ctx, "INSERT INTO Singers (SingerId, FirstName) VALUES (1, 'Marc')", nil)
	require.True(t, backend.IsAborted(err))
	assert.Equal(t, StateAborted, tx.State())

	_, err = tx.Commit(ctx)
	assert.ErrorIs(t, err, ErrTransactionFinished)
	assert.True(t, backend.IsAborted(err))
	assert.Zero(t, f.server.CallCount(memory.MethodCommit))
}

func TestCoordinator_GivesUpAfterDeadline(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	c := f.coordinator(t, Config{Retry: retry.Config{
		Deadline:       10 * time.Second,
		InitialBackoff: time.Second,
		Multiplier:     2,
		MaxBackoff:     32 * time.Second,
	}})

	f.server.InjectFault(memory.MethodCommit, 100, memory.AbortedStatus(0))

	_, err := c.WithTransaction(ctx, enums.TransactionModeReadWrite, insertSinger(1, "Marc"))
	require.Error(t, err)

	var giveUp *GiveUpError
	require.ErrorAs(t, err, &giveUp)
	assert.Equal(t, 5, giveUp.Attempts)

	var aborted *backend.AbortedError
	assert.ErrorAs(t, err, &aborted)

	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second}, f.sleeper.Delays())
	assert.Equal(t, 5, f.server.CallCount(memory.MethodCommit))
	assert.Zero(t, f.rowCount(t))
}

func TestCoordinator_GivesUpOnLostSessions(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	c := f.coordinator(t, Config{Retry: retry.Config{
		Deadline:       10 * time.Second,
		InitialBackoff: time.Second,
		Multiplier:     2,
		MaxBackoff:     32 * time.Second,
	}})

	f.server.InjectFault(memory.MethodCommit, 100, memory.SessionNotFoundStatus("lost"))

	_, err := c.WithTransaction(ctx, enums.TransactionModeReadWrite, insertSinger(1, "Marc"))

	var giveUp *GiveUpError
	require.ErrorAs(t, err, &giveUp)
	assert.Equal(t, 6, giveUp.Attempts)
	assert.True(t, backend.IsSessionNotFound(err))
	assert.False(t, backend.IsAborted(err))
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second}, f.sleeper.Delays())
	assert.Zero(t, f.rowCount(t))
}

func TestCoordinator_SleepInterrupted(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := NewCoordinator(f.pool, Config{
		Clock: f.clock.Now,
		Sleep: func(ctx context.Context, d time.Duration) error {
			cancel()
			return retry.Sleep(ctx, d)
		},
	})
	t.Cleanup(c.Close)

	f.server.InjectFault(memory.MethodCommit, 1, memory.AbortedStatus(time.Hour))

	_, err := c.WithTransaction(ctx, enums.TransactionModeReadWrite, insertSinger(1, "Marc"))
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, backend.IsAborted(err))
	assert.Equal(t, 1, f.server.CallCount(memory.MethodCommit))
}

func TestCoordinator_SessionLost(t *testing.T) {
	t.Parallel()

	tests := []struct {
		desc   string
		inject func(f *fixture, c *Coordinator)
	}{
		{
			desc: "expired before begin",
			inject: func(f *fixture, c *Coordinator) {
				for _, name := range f.server.Sessions() {
					f.server.ExpireSession(name)
				}
			},
		},
		{
			desc: "lost during statement",
			inject: func(f *fixture, c *Coordinator) {
				f.server.InjectFault(memory.MethodExecuteSql, 1, memory.SessionNotFoundStatus("lost"))
			},
		},
		{
			desc: "lost on commit",
			inject: func(f *fixture, c *Coordinator) {
				f.server.InjectFault(memory.MethodCommit, 1, memory.SessionNotFoundStatus("lost"))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.desc, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			f := newFixture(t)
			c := f.coordinator(t, Config{})

			require.True(t, c.Ping(ctx))
			tt.inject(f, c)

			_, err := c.WithTransaction(ctx, enums.TransactionModeReadWrite, insertSinger(1, "Marc"))
			require.NoError(t, err)

			assert.Equal(t, 1, f.rowCount(t))
			assert.Equal(t, 2, f.server.CallCount(memory.MethodCreateSession))
			assert.Empty(t, f.sleeper.Delays())
			assertIncreasing(t, f.server.Seqnos())
		})
	}
}

func TestCoordinator_NestedTransaction(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	c := f.coordinator(t, Config{})

	tx, err := c.Begin(ctx, enums.TransactionModeReadWrite)
	require.NoError(t, err)
	begins := f.server.CallCount(memory.MethodBeginTransaction)

	_, err = c.Begin(ctx, enums.TransactionModeReadOnly)
	var nested *NestedTransactionError
	require.ErrorAs(t, err, &nested)
	assert.ErrorIs(t, err, session.ErrNestedTransaction)

	_, err = c.WithTransaction(ctx, enums.TransactionModeReadWrite, insertSinger(1, "Marc"))
	assert.ErrorAs(t, err, &nested)
	assert.Equal(t, begins, f.server.CallCount(memory.MethodBeginTransaction))

	require.NoError(t, tx.Rollback(ctx))

	_, err = c.WithTransaction(ctx, enums.TransactionModeReadWrite, insertSinger(1, "Marc"))
	require.NoError(t, err)
}

func TestCoordinator_NestedInsideBody(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	c := f.coordinator(t, Config{})

	_, err := c.WithTransaction(ctx, enums.TransactionModeReadWrite, func(ctx context.Context, tx *Tx) error {
		_, err := c.WithTransaction(ctx, enums.TransactionModeReadWrite, insertSinger(1, "Marc"))
		return err
	})
	var nested *NestedTransactionError
	assert.ErrorAs(t, err, &nested)
	assert.Equal(t, 1, f.server.CallCount(memory.MethodBeginTransaction))
	assert.Zero(t, f.rowCount(t))
}

func TestCoordinator_ExplicitTransaction(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	c := f.coordinator(t, Config{})

	tx, err := c.Begin(ctx, enums.TransactionModeReadWrite, WithTransactionTag("app=test"))
	require.NoError(t, err)
	assert.Equal(t, StateActive, tx.State())

	require.NoError(t, insertSinger(1, "Marc")(ctx, tx))
	ts, err := tx.Commit(ctx)
	require.NoError(t, err)
	assert.WithinDuration(t, epoch, ts, 0)
	assert.Equal(t, StateCommitted, tx.State())

	_, err = tx.Update(ctx, "DELETE FROM Singers WHERE TRUE", nil)
	assert.ErrorIs(t, err, ErrTransactionFinished)
	assert.NoError(t, tx.Rollback(ctx))

	req := f.server.Requests(memory.MethodCommit)[0].(*sppb.CommitRequest)
	assert.Equal(t, "app=test", req.GetRequestOptions().GetTransactionTag())

	_, err = c.Begin(ctx, enums.TransactionModeFallbackToPDML)
	assert.Error(t, err)
}

func TestCoordinator_ReadOnly(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	c := f.coordinator(t, Config{})

	_, err := c.WithTransaction(ctx, enums.TransactionModeReadWrite, insertSinger(1, "Marc"))
	require.NoError(t, err)

	readAt := epoch.Add(-time.Minute)
	ts, err := c.WithTransaction(ctx, enums.TransactionModeReadOnly, func(ctx context.Context, tx *Tx) error {
		if _, err := tx.Update(ctx, "DELETE FROM Singers WHERE TRUE", nil); !errors.Is(err, ErrReadOnly) {
			return fmt.Errorf("expected ErrReadOnly, got %w", err)
		}
		if err := tx.BufferWrite(); !errors.Is(err, ErrReadOnly) {
			return fmt.Errorf("expected ErrReadOnly, got %w", err)
		}
		_, err := tx.Query(ctx, "SELECT * FROM Singers", nil)
		return err
	}, WithTimestampBound(ReadTimestamp(readAt)))
	require.NoError(t, err)
	assert.WithinDuration(t, readAt, ts, 0)

	commits := f.server.CallCount(memory.MethodCommit)
	ts, err = c.WithTransaction(ctx, enums.TransactionModeReadOnly, func(ctx context.Context, tx *Tx) error {
		_, err := tx.Query(ctx, "SELECT 1", nil)
		return err
	}, WithTimestampBound(MaxStaleness(10*time.Second)))
	require.NoError(t, err)
	assert.WithinDuration(t, epoch, ts, 0)
	assert.Equal(t, commits, f.server.CallCount(memory.MethodCommit))
}

func TestCoordinator_PartitionedDML(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	c := f.coordinator(t, Config{})

	for i := range 3 {
		_, err := c.WithTransaction(ctx, enums.TransactionModeReadWrite, insertSinger(int64(i+1), "x"))
		require.NoError(t, err)
	}

	var count int64
	ts, err := c.WithTransaction(ctx, enums.TransactionModePartitionedDML, func(ctx context.Context, tx *Tx) error {
		var err error
		count, err = tx.Update(ctx, "DELETE FROM Singers WHERE TRUE", nil)
		return err
	})
	require.NoError(t, err)
	assert.True(t, ts.IsZero())
	assert.Equal(t, int64(3), count)
	assert.Zero(t, f.rowCount(t))

	executes := f.server.CallCount(memory.MethodExecuteSql)
	_, err = c.WithTransaction(ctx, enums.TransactionModePartitionedDML, func(ctx context.Context, tx *Tx) error {
		if _, err := tx.Update(ctx, "DELETE FROM Singers WHERE TRUE", nil); err != nil {
			return err
		}
		_, err := tx.Update(ctx, "DELETE FROM Singers WHERE TRUE", nil)
		return err
	})
	assert.ErrorIs(t, err, ErrMultiStatementPDML)
	assert.Equal(t, executes+1, f.server.CallCount(memory.MethodExecuteSql))

	_, err = c.WithTransaction(ctx, enums.TransactionModePartitionedDML, func(ctx context.Context, tx *Tx) error {
		m, err := Delete("Singers")
		if err != nil {
			return err
		}
		return tx.BufferWrite(m)
	})
	assert.ErrorIs(t, err, ErrMutationsInPDML)
}

func TestCoordinator_FallbackToPDML(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, memory.WithMutationLimit(3))
	c := f.coordinator(t, Config{})

	for i := range 5 {
		_, err := c.WithTransaction(ctx, enums.TransactionModeReadWrite, insertSinger(int64(i+1), "x"))
		require.NoError(t, err)
	}
	commits := f.server.CallCount(memory.MethodCommit)

	var calls int
	ts, err := c.WithTransaction(ctx, enums.TransactionModeFallbackToPDML, func(ctx context.Context, tx *Tx) error {
		calls++
		_, err := tx.Update(ctx, "UPDATE Singers SET FirstName = 'y' WHERE TRUE", nil)
		return err
	})
	require.NoError(t, err)
	assert.True(t, ts.IsZero())
	assert.Equal(t, 2, calls)
	assert.Equal(t, commits+1, f.server.CallCount(memory.MethodCommit))
	assert.Empty(t, f.sleeper.Delays())

	begins := f.server.Requests(memory.MethodBeginTransaction)
	last := begins[len(begins)-1].(*sppb.BeginTransactionRequest)
	assert.NotNil(t, last.GetOptions().GetPartitionedDml())

	seqnos := f.server.Seqnos()
	assert.Equal(t, []int64{1, 2}, seqnos[len(seqnos)-2:])

	rows, err := c.Execute(ctx, "SELECT COUNT(*) AS n FROM Singers WHERE FirstName = 'y'", nil)
	require.NoError(t, err)
	row, err := rows.Next()
	require.NoError(t, err)
	var n int64
	require.NoError(t, row.Columns(&n))
	assert.Equal(t, int64(5), n)
}

func TestCoordinator_FallbackToPDMLMultipleStatements(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, memory.WithMutationLimit(3))
	c := f.coordinator(t, Config{})

	for i := range 5 {
		_, err := c.WithTransaction(ctx, enums.TransactionModeReadWrite, insertSinger(int64(i+1), "x"))
		require.NoError(t, err)
	}
	begins := f.server.CallCount(memory.MethodBeginTransaction)

	var calls int
	_, err := c.WithTransaction(ctx, enums.TransactionModeFallbackToPDML, func(ctx context.Context, tx *Tx) error {
		calls++
		if _, err := tx.Update(ctx, "UPDATE Singers SET FirstName = 'y' WHERE TRUE", nil); err != nil {
			return err
		}
		_, err := tx.Update(ctx, "UPDATE Singers SET FirstName = 'z' WHERE SingerId = 1", nil)
		return err
	})
	assert.ErrorIs(t, err, ErrMultiStatementPDML)
	assert.True(t, backend.IsMutationLimit(err))
	assert.Equal(t, 1, calls)
	assert.Equal(t, begins+1, f.server.CallCount(memory.MethodBeginTransaction))

	rows, err := c.Execute(ctx, "SELECT COUNT(*) AS n FROM Singers WHERE FirstName = 'x'", nil)
	require.NoError(t, err)
	row, err := rows.Next()
	require.NoError(t, err)
	var n int64
	require.NoError(t, row.Columns(&n))
	assert.Equal(t, int64(5), n)
}

func TestCoordinator_MutationLimitWithoutFallback(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, memory.WithMutationLimit(3))
	c := f.coordinator(t, Config{})

	_, err := c.WithTransaction(ctx, enums.TransactionModeReadWrite, func(ctx context.Context, tx *Tx) error {
		_, err := tx.Update(ctx, "INSERT INTO Singers (SingerId, FirstName) VALUES (1, 'a'), (2, 'b')", nil)
		return err
	})
	assert.True(t, backend.IsMutationLimit(err))
	assert.Zero(t, f.rowCount(t))
}

func TestCoordinator_BufferedMutations(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	c := f.coordinator(t, Config{})

	_, err := c.WithTransaction(ctx, enums.TransactionModeBufferedMutations, func(ctx context.Context, tx *Tx) error {
		m, err := Insert("Singers", []string{"SingerId", "FirstName"}, []any{int64(1), "Marc"}, []any{int64(2), "Catalina"})
		if err != nil {
			return err
		}
		if err := tx.BufferWrite(m); err != nil {
			return err
		}

		// buffered writes are not visible yet
		rows, err := tx.Query(ctx, "SELECT COUNT(*) FROM Singers", nil)
		if err != nil {
			return err
		}
		row, err := rows.Next()
		if err != nil {
			return err
		}
		var n int64
		if err := row.Columns(&n); err != nil {
			return err
		}
		assert.Zero(t, n)
		assert.Len(t, tx.Context().Mutations(), 1)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, f.rowCount(t))

	_, err = Insert("Singers", []string{"SingerId", "FirstName"}, []any{int64(3)})
	assert.Error(t, err)
}

func TestCoordinator_BatchUpdate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	c := f.coordinator(t, Config{})

	_, err := c.WithTransaction(ctx, enums.TransactionModeReadWrite, func(ctx context.Context, tx *Tx) error {
		counts, err := tx.BatchUpdate(ctx,
			Statement{SQL: "INSERT INTO Singers (SingerId, FirstName) VALUES (1, 'Marc')"},
			Statement{SQL: "INSERT INTO Singers (SingerId, FirstName) VALUES (@id, @name)", Params: Params{"id": 2, "name": "Catalina"}},
		)
		if err != nil {
			return err
		}
		assert.Equal(t, []int64{1, 1}, counts)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, f.rowCount(t))
	assert.Equal(t, []int64{1}, f.server.Seqnos())

	tx, err := c.Begin(ctx, enums.TransactionModeReadWrite)
	require.NoError(t, err)
	counts, err := tx.BatchUpdate(ctx,
		Statement{SQL: "INSERT INTO Singers (SingerId, FirstName) VALUES (3, 'Alice')"},
		Statement{SQL: "INSERT INTO Singers (SingerId, FirstName) VALUES (1, 'Marc')"},
	)
	assert.Error(t, err)
	assert.Equal(t, []int64{1}, counts)
	require.NoError(t, tx.Rollback(ctx))
	assert.Equal(t, 2, f.rowCount(t))
}

func TestCoordinator_Execute(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	c := f.coordinator(t, Config{})

	rows, err := c.Execute(ctx, "INSERT INTO Singers (SingerId, FirstName) VALUES (1, 'Marc')", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), rows.RowCount())
	assert.WithinDuration(t, epoch, rows.Timestamp(), 0)

	begins := f.server.CallCount(memory.MethodBeginTransaction)
	rows, err = c.Execute(ctx, "SELECT * FROM Singers WHERE SingerId = @id", Params{"id": 1})
	require.NoError(t, err)
	assert.Equal(t, begins, f.server.CallCount(memory.MethodBeginTransaction))
	assert.WithinDuration(t, epoch, rows.Timestamp(), 0)

	var names []string
	require.NoError(t, rows.Do(func(row *Row) error {
		var name string
		if err := row.ColumnByName("FirstName", &name); err != nil {
			return err
		}
		names = append(names, name)
		return nil
	}))
	assert.Equal(t, []string{"Marc"}, names)

	_, err = c.Execute(ctx, "CREATE TABLE T (Id INT64) PRIMARY KEY (Id)", nil)
	assert.ErrorIs(t, err, ErrDDLStatement)
}

func TestCoordinator_PinnedSessionIdle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	c := f.coordinator(t, Config{})

	require.True(t, c.Ping(ctx))
	f.clock.Advance(session.DefaultIdleTimeout)
	for _, name := range f.server.Sessions() {
		f.server.ExpireSession(name)
	}

	_, err := c.WithTransaction(ctx, enums.TransactionModeReadWrite, insertSinger(1, "Marc"))
	require.NoError(t, err)
	assert.Equal(t, 2, f.server.CallCount(memory.MethodCreateSession))
	assert.Equal(t, 1, f.server.CallCount(memory.MethodBeginTransaction))
}

func TestCoordinator_Concurrent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	wp := pool.New().WithErrors()
	for i := range 8 {
		c := f.coordinator(t, Config{})
		wp.Go(func() error {
			_, err := c.WithTransaction(ctx, enums.TransactionModeReadWrite, insertSinger(int64(i+1), "x"))
			return err
		})
	}
	require.NoError(t, wp.Wait())
	assert.Equal(t, 8, f.rowCount(t))
}
