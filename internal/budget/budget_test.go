package budget

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var start = time.Date(2025, 6, 1, 23, 50, 0, 0, time.UTC)

// ledgers returns every Ledger implementation backed by a throwaway store.
func ledgers(t *testing.T) map[string]Ledger {
	t.Helper()
	ctx := context.Background()

	db, err := OpenSQLite(filepath.Join(t.TempDir(), "nested", "budget.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	sqlLedger, err := NewSQLLedger(ctx, db, DialectSQLite)
	require.NoError(t, err)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	return map[string]Ledger{
		"memory": NewMemoryLedger(),
		"sqlite": sqlLedger,
		"redis":  NewRedisLedger(rdb),
	}
}

func TestController_RemainingNeverNegative(t *testing.T) {
	for name, ledger := range ledgers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			c := NewController(3, 0, ledger, clockwork.NewFakeClockAt(start))

			r, err := c.Remaining(ctx)
			require.NoError(t, err)
			assert.Equal(t, 3, r)

			for i := 0; i < 3; i++ {
				_, err := c.Consume(ctx, 1)
				require.NoError(t, err)
			}
			r, err = c.Remaining(ctx)
			require.NoError(t, err)
			assert.Equal(t, 0, r)

			left, err := c.Consume(ctx, 5)
			require.NoError(t, err)
			assert.Equal(t, 0, left)

			r, err = c.Remaining(ctx)
			require.NoError(t, err)
			assert.Equal(t, 0, r)
		})
	}
}

func TestController_DayRollover(t *testing.T) {
	for name, ledger := range ledgers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			fc := clockwork.NewFakeClockAt(start)
			c := NewController(10, 0, ledger, fc)

			_, err := c.Consume(ctx, 10)
			require.NoError(t, err)
			r, _ := c.Remaining(ctx)
			assert.Equal(t, 0, r)
			assert.Equal(t, "2025-06-01", c.Day())

			fc.Advance(15 * time.Minute)
			assert.Equal(t, "2025-06-02", c.Day())

			r, err = c.Remaining(ctx)
			require.NoError(t, err)
			assert.Equal(t, 10, r)

			left, err := c.Consume(ctx, 2)
			require.NoError(t, err)
			assert.Equal(t, 8, left)
		})
	}
}

func TestController_DayIsUTC(t *testing.T) {
	loc := time.FixedZone("UTC-7", -7*3600)
	// 20:00 local on June 1st is already June 2nd in UTC.
	fc := clockwork.NewFakeClockAt(time.Date(2025, 6, 1, 20, 0, 0, 0, loc))
	c := NewController(1, 0, NewMemoryLedger(), fc)
	assert.Equal(t, "2025-06-02", c.Day())
}

func TestController_ConsumeZeroIsRead(t *testing.T) {
	ctx := context.Background()
	c := NewController(5, 0, NewMemoryLedger(), clockwork.NewFakeClockAt(start))
	left, err := c.Consume(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 5, left)
}

func TestController_WaitMinInterval(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	fc := clockwork.NewFakeClockAt(start)
	c := NewController(100, time.Second, NewMemoryLedger(), fc)

	// First call never waits.
	require.NoError(t, c.WaitMinInterval(ctx))

	done := make(chan error, 1)
	go func() { done <- c.WaitMinInterval(ctx) }()

	require.NoError(t, fc.BlockUntilContext(ctx, 1))
	select {
	case <-done:
		t.Fatal("second call returned before the interval elapsed")
	default:
	}

	fc.Advance(time.Second)
	require.NoError(t, <-done)
}

func TestController_WaitMinIntervalAlreadyElapsed(t *testing.T) {
	ctx := context.Background()
	fc := clockwork.NewFakeClockAt(start)
	c := NewController(100, time.Second, NewMemoryLedger(), fc)

	require.NoError(t, c.WaitMinInterval(ctx))
	fc.Advance(2 * time.Second)
	require.NoError(t, c.WaitMinInterval(ctx))
}

func TestController_WaitMinIntervalCancelled(t *testing.T) {
	fc := clockwork.NewFakeClockAt(start)
	c := NewController(100, time.Hour, NewMemoryLedger(), fc)

	require.NoError(t, c.WaitMinInterval(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, c.WaitMinInterval(ctx), context.Canceled)
}

func TestSQLLedger_SharedAcrossControllers(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "budget.db")

	db, err := OpenSQLite(path)
	require.NoError(t, err)
	defer db.Close()

	l1, err := NewSQLLedger(ctx, db, DialectSQLite)
	require.NoError(t, err)
	l2, err := NewSQLLedger(ctx, db, DialectSQLite)
	require.NoError(t, err)

	fc := clockwork.NewFakeClockAt(start)
	a := NewController(5, 0, l1, fc)
	b := NewController(5, 0, l2, fc)

	_, err = a.Consume(ctx, 2)
	require.NoError(t, err)
	left, err := b.Consume(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 1, left)
}

func TestSQLLedger_Rebind(t *testing.T) {
	pg := &SQLLedger{dialect: DialectPostgres}
	assert.Equal(t, "SELECT $1, $2", pg.rebind("SELECT ?, ?"))

	lite := &SQLLedger{dialect: DialectSQLite}
	assert.Equal(t, "SELECT ?, ?", lite.rebind("SELECT ?, ?"))
}

func TestNewSQLLedger_UnknownDialect(t *testing.T) {
	_, err := NewSQLLedger(context.Background(), nil, "oracle")
	assert.Error(t, err)
}

func TestRedisLedger_SetsExpiry(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	l := NewRedisLedger(rdb)
	_, err := l.Add(ctx, "2025-06-01", 4)
	require.NoError(t, err)

	assert.Equal(t, 48*time.Hour, mr.TTL(redisKeyPrefix+"2025-06-01"))
	got, err := mr.Get(redisKeyPrefix + "2025-06-01")
	require.NoError(t, err)
	assert.Equal(t, "4", got)
}
