package fund

import (
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal {
	v, _ := decimal.NewFromString(s)
	return v
}

func TestReserveAndRelease(t *testing.T) {
	l := NewLedger()
	l.ConfirmExternal("USDT", d("100"))

	r, err := l.Reserve("USDT", d("60"))
	require.NoError(t, err)
	assert.True(t, l.Available("USDT").Equal(d("40")))

	l.Release(r)
	assert.True(t, l.Available("USDT").Equal(d("100")))
}

func TestReserveFailsWithoutMutation(t *testing.T) {
	l := NewLedger()
	l.ConfirmExternal("USDT", d("50"))

	_, err := l.Reserve("USDT", d("60"))
	require.ErrorIs(t, err, ErrInsufficientFunds)

	// Failed reserve must not change anything
	assert.True(t, l.Available("USDT").Equal(d("50")))

	r, err := l.Reserve("USDT", d("50"))
	require.NoError(t, err)
	assert.True(t, l.Available("USDT").IsZero())
	l.Release(r)
}

func TestReleaseIsIdempotent(t *testing.T) {
	l := NewLedger()
	l.ConfirmExternal("USDT", d("100"))

	r, err := l.Reserve("USDT", d("30"))
	require.NoError(t, err)

	l.Release(r)
	l.Release(r)
	l.Release(nil)

	assert.True(t, l.Available("USDT").Equal(d("100")))
}

func TestConfirmExternalDoesNotTouchReservations(t *testing.T) {
	l := NewLedger()
	l.ConfirmExternal("USDT", d("100"))

	_, err := l.Reserve("USDT", d("40"))
	require.NoError(t, err)

	l.ConfirmExternal("USDT", d("80"))
	assert.True(t, l.Available("USDT").Equal(d("40")))
}

func TestReserveRejectsNonPositive(t *testing.T) {
	l := NewLedger()
	l.ConfirmExternal("USDT", d("100"))

	_, err := l.Reserve("USDT", decimal.Zero)
	assert.Error(t, err)
	_, err = l.Reserve("USDT", d("-5"))
	assert.Error(t, err)
}

// Two concurrent callers each try to reserve 60 against 100 available:
// exactly one must succeed.
func TestConcurrentReserveSingleWinner(t *testing.T) {
	for i := 0; i < 50; i++ {
		l := NewLedger()
		l.ConfirmExternal("USDT", d("100"))

		var wg sync.WaitGroup
		results := make(chan error, 2)
		for j := 0; j < 2; j++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := l.Reserve("USDT", d("60"))
				results <- err
			}()
		}
		wg.Wait()
		close(results)

		var succeeded, failed int
		for err := range results {
			if err == nil {
				succeeded++
			} else {
				require.ErrorIs(t, err, ErrInsufficientFunds)
				failed++
			}
		}
		assert.Equal(t, 1, succeeded)
		assert.Equal(t, 1, failed)
		assert.True(t, l.Available("USDT").Equal(d("40")))
	}
}

func TestSnapshotConsistentUnderConcurrency(t *testing.T) {
	l := NewLedger()
	l.ConfirmExternal("USDT", d("1000"))
	l.ConfirmExternal("BTC", d("2"))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				r, err := l.Reserve("USDT", d("10"))
				if err == nil {
					l.Release(r)
				}
				_ = l.Snapshot()
			}
		}()
	}
	wg.Wait()

	snap := l.Snapshot()
	assert.True(t, snap.Available["USDT"].Equal(d("1000")))
	assert.True(t, snap.Available["BTC"].Equal(d("2")))
	assert.InDelta(t, 1000.0, snap.AvailableFloat("USDT"), 1e-9)
}

func TestCommitRetiresReservationOnAck(t *testing.T) {
	l := NewLedger()
	l.ConfirmExternal("USDT", d("1000"))

	r, err := l.Reserve("USDT", d("100"))
	require.NoError(t, err)

	// order acknowledged: the hold becomes an exchange-side lock
	l.Commit(r)
	assert.True(t, l.Available("USDT").Equal(d("900")))

	// a refresh reporting the same lock must not subtract it again
	l.ConfirmExternal("USDT", d("900"))
	assert.True(t, l.Available("USDT").Equal(d("900")))

	// settled handle: both further Commit and Release are no-ops
	l.Commit(r)
	l.Release(r)
	assert.True(t, l.Available("USDT").Equal(d("900")))
}

func TestCreditAddsProceeds(t *testing.T) {
	l := NewLedger()
	l.ConfirmExternal("USDT", d("900"))

	// buy fill delivers the base asset
	l.Credit("ZEC", d("1"))
	assert.True(t, l.Available("ZEC").Equal(d("1")))
	assert.True(t, l.Available("USDT").Equal(d("900")))

	// non-positive credits change nothing
	l.Credit("ZEC", decimal.Zero)
	l.Credit("ZEC", d("-3"))
	assert.True(t, l.Available("ZEC").Equal(d("1")))
}
