package ledger

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"floorescrow/internal/escrow"
	"floorescrow/internal/oracle"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLedger(t *testing.T) *PostgresLedger {
	t.Helper()
	dsn := os.Getenv("POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_TEST_DSN not set")
	}
	l, err := NewPostgresLedger(context.Background(), dsn)
	require.NoError(t, err)
	t.Cleanup(l.Close)
	return l
}

func identityFrom(s string) escrow.Identity {
	var id escrow.Identity
	copy(id[:], crypto.Keccak256([]byte(s)))
	return id
}

func TestPostgresLedgerRoundTrip(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	creator := identityFrom(uuid.NewString())
	cp := identityFrom(uuid.NewString())
	id := escrow.DeriveID(creator, uuid.NewString())

	rec := &escrow.Record{
		ID:             id,
		Creator:        creator,
		Counterparty:   &cp,
		AssetID:        "punks",
		PredictedValue: 5000,
		ExpiryTime:     10,
		Collateral:     1000,
		Initialized:    true,
	}
	err := l.Atomically(ctx, func(tx escrow.Tx) error {
		if err := tx.SetBalance(ctx, creator, 18446744073709551615); err != nil {
			return err
		}
		return tx.PutEscrow(ctx, rec)
	})
	require.NoError(t, err)

	err = l.Atomically(ctx, func(tx escrow.Tx) error {
		got, found, err := tx.GetEscrow(ctx, id)
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, rec, got)
		bal, err := tx.Balance(ctx, creator)
		require.NoError(t, err)
		require.Equal(t, uint64(18446744073709551615), bal)
		return nil
	})
	require.NoError(t, err)

	due, err := l.ListDue(ctx, 10, 1000)
	require.NoError(t, err)
	require.Contains(t, due, id)
}

func TestPostgresLedgerRollsBack(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	who := identityFrom(uuid.NewString())
	boom := errors.New("boom")

	err := l.Atomically(ctx, func(tx escrow.Tx) error {
		if err := tx.SetBalance(ctx, who, 500); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	err = l.Atomically(ctx, func(tx escrow.Tx) error {
		bal, err := tx.Balance(ctx, who)
		require.NoError(t, err)
		require.Zero(t, bal)
		_, found, err := tx.GetEscrow(ctx, escrow.DeriveID(who, ""))
		require.NoError(t, err)
		require.False(t, found)
		return nil
	})
	require.NoError(t, err)
}

func TestPostgresLedgerConcurrentDepositsToNewAccount(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	engine := escrow.NewEngine(l, oracle.NewManualOracle(), escrow.Config{})
	who := identityFrom(uuid.NewString())

	const n = 16
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := engine.Deposit(ctx, who, 10)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	bal, err := engine.Balance(ctx, who)
	require.NoError(t, err)
	require.Equal(t, uint64(n*10), bal)
}

// Two engines with independent in-process lockers stand in for two replicas
// sharing the database.
func TestPostgresLedgerConcurrentInitializeAcrossReplicas(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	expiry := time.Now().Add(time.Hour).Unix()

	for round := 0; round < 10; round++ {
		replicas := []*escrow.Engine{
			escrow.NewEngine(l, oracle.NewManualOracle(), escrow.Config{}),
			escrow.NewEngine(l, oracle.NewManualOracle(), escrow.Config{}),
		}
		creator := identityFrom(uuid.NewString())
		_, err := replicas[0].Deposit(ctx, creator, 2000)
		require.NoError(t, err)

		errs := make([]error, len(replicas))
		var wg sync.WaitGroup
		for i, e := range replicas {
			wg.Add(1)
			go func(i int, e *escrow.Engine) {
				defer wg.Done()
				_, errs[i] = e.Initialize(ctx, escrow.InitializeRequest{
					Creator:        creator,
					AssetID:        "punks",
					PredictedValue: 5000,
					ExpiryTime:     expiry,
					Collateral:     1000,
				})
			}(i, e)
		}
		wg.Wait()

		succeeded := 0
		for _, err := range errs {
			if err == nil {
				succeeded++
				continue
			}
			require.ErrorIs(t, err, escrow.ErrDuplicateEscrow)
		}
		require.Equal(t, 1, succeeded)

		bal, err := replicas[0].Balance(ctx, creator)
		require.NoError(t, err)
		require.Equal(t, uint64(1000), bal, "creator debited more than once")

		rec, err := replicas[0].Get(ctx, escrow.DeriveID(creator, ""))
		require.NoError(t, err)
		held, err := rec.HeldBalance()
		require.NoError(t, err)
		require.Equal(t, uint64(1000), held)
	}
}

func TestAdvisoryKeySeparatesSpaces(t *testing.T) {
	key := make([]byte, 32)
	require.NotEqual(t, advisoryKey(lockSpaceEscrow, key), advisoryKey(lockSpaceBalance, key))
	require.Equal(t, advisoryKey(lockSpaceEscrow, key), advisoryKey(lockSpaceEscrow, key))
}
