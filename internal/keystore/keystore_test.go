package keystore

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateKey_Format(t *testing.T) {
	key := GenerateKey()
	assert.True(t, strings.HasPrefix(key, "pg_"))
	assert.Len(t, key, 3+64, "pg_ prefix plus 64 hex characters")
	assert.NotEqual(t, key, GenerateKey(), "keys must be unique")
}

func TestDebit_Succeeds(t *testing.T) {
	s := New()
	rec := s.CreateKey(CreateParams{Name: "acme", Credits: 10})

	res, err := s.Debit(rec.Key, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(7), res.NewBalance)

	got, err := s.Get(rec.Key)
	require.NoError(t, err)
	assert.Equal(t, int64(7), got.Credits)
	assert.Equal(t, int64(3), got.TotalSpent)
	assert.Equal(t, int64(1), got.TotalCalls)
	assert.False(t, got.LastUsedAt.IsZero())
}

func TestDebit_InsufficientCredits(t *testing.T) {
	s := New()
	rec := s.CreateKey(CreateParams{Credits: 2})

	_, err := s.Debit(rec.Key, 3)
	assert.ErrorIs(t, err, ErrInsufficientCredits)

	got, _ := s.Get(rec.Key)
	assert.Equal(t, int64(2), got.Credits, "balance unchanged on failed debit")
	assert.Equal(t, int64(0), got.TotalSpent)
}

func TestDebit_LifecycleChecks(t *testing.T) {
	s := New()

	_, err := s.Debit("pg_missing", 1)
	assert.ErrorIs(t, err, ErrKeyNotFound)

	revoked := s.CreateKey(CreateParams{Credits: 10})
	require.NoError(t, s.Revoke(revoked.Key))
	_, err = s.Debit(revoked.Key, 1)
	assert.ErrorIs(t, err, ErrKeyInactive)

	suspended := s.CreateKey(CreateParams{Credits: 10})
	require.NoError(t, s.Suspend(suspended.Key))
	_, err = s.Debit(suspended.Key, 1)
	assert.ErrorIs(t, err, ErrKeySuspended)

	require.NoError(t, s.Resume(suspended.Key))
	_, err = s.Debit(suspended.Key, 1)
	assert.NoError(t, err)

	past := time.Now().Add(-time.Hour)
	expired := s.CreateKey(CreateParams{Credits: 10, ExpiresAt: &past})
	_, err = s.Debit(expired.Key, 1)
	assert.ErrorIs(t, err, ErrKeyExpired)
}

func TestRefund_RestoresBalance(t *testing.T) {
	s := New()
	rec := s.CreateKey(CreateParams{Credits: 10})

	_, err := s.Debit(rec.Key, 4)
	require.NoError(t, err)
	s.Refund(rec.Key, 4)

	got, _ := s.Get(rec.Key)
	assert.Equal(t, int64(10), got.Credits)
	assert.Equal(t, int64(0), got.TotalSpent)
	assert.Equal(t, int64(0), got.TotalCalls)

	// Refund on an unknown key is a silent no-op.
	s.Refund("pg_missing", 100)
}

func TestRefund_TotalSpentFloorsAtZero(t *testing.T) {
	s := New()
	rec := s.CreateKey(CreateParams{Credits: 10})
	s.Refund(rec.Key, 5)

	got, _ := s.Get(rec.Key)
	assert.Equal(t, int64(15), got.Credits)
	assert.Equal(t, int64(0), got.TotalSpent)
}

func TestTopUp_HonorsSpendingLimit(t *testing.T) {
	s := New()
	rec := s.CreateKey(CreateParams{Credits: 5, SpendingLimit: 20})

	bal, err := s.TopUp(rec.Key, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(15), bal)

	_, err = s.TopUp(rec.Key, 100)
	assert.ErrorIs(t, err, ErrSpendingLimitExceeded)
}

func TestQuota_LazyDailyReset(t *testing.T) {
	s := New()
	rec := s.CreateKey(CreateParams{
		Credits: 100,
		Quota:   &Quota{DailyCallLimit: 2},
	})

	base := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base }

	_, err := s.Debit(rec.Key, 1)
	require.NoError(t, err)
	_, err = s.Debit(rec.Key, 1)
	require.NoError(t, err)
	assert.EqualError(t, s.CheckQuota(rec.Key, 1), "daily_call_limit")

	// Next day: counters reset lazily on first access.
	s.now = func() time.Time { return base.Add(24 * time.Hour) }
	assert.NoError(t, s.CheckQuota(rec.Key, 1))

	got, _ := s.Get(rec.Key)
	assert.Equal(t, int64(0), got.Quota.DailyCalls)
	assert.Equal(t, int64(2), got.Quota.MonthlyCalls, "monthly counter survives the day roll")
}

func TestQuota_CreditLimits(t *testing.T) {
	s := New()
	rec := s.CreateKey(CreateParams{
		Credits: 100,
		Quota:   &Quota{DailyCreditLimit: 5, MonthlyCreditLimit: 8},
	})

	_, err := s.Debit(rec.Key, 4)
	require.NoError(t, err)
	assert.EqualError(t, s.CheckQuota(rec.Key, 2), "daily_credit_limit")
	assert.NoError(t, s.CheckQuota(rec.Key, 1))
}

func TestAutoTopup_CappedPerDay(t *testing.T) {
	s := New()
	rec := s.CreateKey(CreateParams{Credits: 1})
	require.NoError(t, s.SetAutoTopup(rec.Key, &AutoTopup{
		Threshold: 5,
		Amount:    10,
		MaxPerDay: 2,
	}))

	granted, ok := s.TryAutoTopup(rec.Key)
	require.True(t, ok)
	assert.Equal(t, int64(10), granted)

	got, _ := s.Get(rec.Key)
	assert.Equal(t, int64(11), got.Credits)

	// Above the threshold now, no grant.
	_, ok = s.TryAutoTopup(rec.Key)
	assert.False(t, ok)

	// Drain below the threshold and exhaust the daily cap.
	_, err := s.Debit(rec.Key, 10)
	require.NoError(t, err)
	_, ok = s.TryAutoTopup(rec.Key)
	require.True(t, ok)
	_, err = s.Debit(rec.Key, 10)
	require.NoError(t, err)
	_, ok = s.TryAutoTopup(rec.Key)
	assert.False(t, ok, "daily auto top-up cap reached")
}

func TestTransfer(t *testing.T) {
	s := New()
	a := s.CreateKey(CreateParams{Credits: 10})
	b := s.CreateKey(CreateParams{Credits: 0})

	require.NoError(t, s.Transfer(a.Key, b.Key, 4))

	ga, _ := s.Get(a.Key)
	gb, _ := s.Get(b.Key)
	assert.Equal(t, int64(6), ga.Credits)
	assert.Equal(t, int64(4), gb.Credits)

	assert.ErrorIs(t, s.Transfer(a.Key, b.Key, 100), ErrInsufficientCredits)
	assert.Error(t, s.Transfer(a.Key, a.Key, 1))
}

func TestSnapshotRestore_RoundTrip(t *testing.T) {
	s := New()
	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	rec := s.CreateKey(CreateParams{
		Name:          "round-trip",
		Credits:       42,
		SpendingLimit: 1000,
		AllowedTools:  []string{"read", "search"},
		DeniedTools:   []string{"delete"},
		Quota:         &Quota{DailyCallLimit: 100, MonthlyCreditLimit: 5000},
		IPAllowlist:   []string{"10.0.0.0/8"},
		Tags:          map[string]string{"team": "billing"},
		Namespace:     "prod",
		ExpiresAt:     &exp,
	})

	snap := s.Snapshot()
	restored := New()
	restored.Restore(snap)

	got, err := restored.Get(rec.Key)
	require.NoError(t, err)
	assert.Equal(t, "round-trip", got.Name)
	assert.Equal(t, int64(42), got.Credits)
	assert.Equal(t, int64(1000), got.SpendingLimit)
	assert.Equal(t, []string{"read", "search"}, got.AllowedTools)
	assert.Equal(t, []string{"delete"}, got.DeniedTools)
	assert.Equal(t, int64(100), got.Quota.DailyCallLimit)
	assert.Equal(t, []string{"10.0.0.0/8"}, got.IPAllowlist)
	assert.Equal(t, "billing", got.Tags["team"])
	assert.Equal(t, "prod", got.Namespace)
	require.NotNil(t, got.ExpiresAt)
	assert.True(t, got.ExpiresAt.Equal(exp))
}

func TestDebit_ConcurrentNeverNegative(t *testing.T) {
	s := New()
	rec := s.CreateKey(CreateParams{Credits: 50})

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Debit(rec.Key, 1)
		}()
	}
	wg.Wait()

	got, _ := s.Get(rec.Key)
	assert.Equal(t, int64(0), got.Credits, "exactly 50 of 100 debits succeed")
	assert.Equal(t, int64(50), got.TotalSpent)
	assert.GreaterOrEqual(t, got.Credits, int64(0))
}

func TestConcurrentReadersAndMutators(t *testing.T) {
	s := New()
	rec := s.CreateKey(CreateParams{Credits: 1_000_000, Quota: &Quota{DailyCreditLimit: 2_000_000}})

	const writers, readers, iters = 4, 4, 500

	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < iters; j++ {
				s.Debit(rec.Key, 1)
			}
		}()
	}
	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < iters; j++ {
				got, err := s.Get(rec.Key)
				if assert.NoError(t, err) {
					assert.Equal(t, int64(1_000_000), got.Credits+got.TotalSpent, "reader sees a consistent balance")
				}
				for _, r := range s.List() {
					_ = r.Quota.DailyCredits
				}
			}
		}()
	}
	wg.Wait()

	got, _ := s.Get(rec.Key)
	assert.Equal(t, int64(1_000_000-writers*iters), got.Credits)
	assert.Equal(t, int64(writers*iters), got.Quota.DailyCredits)
}

func TestCreateFromTemplate(t *testing.T) {
	s := New()
	tr := NewTemplateRegistry()
	require.NoError(t, tr.Save(&KeyTemplate{
		Name:         "trial",
		Credits:      100,
		AllowedTools: []string{"read"},
		Tags:         map[string]string{"tier": "trial"},
		TTLHours:     24,
	}))

	tpl, ok := tr.Get("trial")
	require.True(t, ok)

	rec := s.CreateFromTemplate(tpl, "trial-customer")
	assert.Equal(t, int64(100), rec.Credits)
	assert.Equal(t, []string{"read"}, rec.AllowedTools)
	assert.Equal(t, "trial", rec.Tags["tier"])
	require.NotNil(t, rec.ExpiresAt)
	assert.True(t, rec.ExpiresAt.After(time.Now()))

	// Mutating the minted key's tags must not touch the template.
	rec.Tags["tier"] = "changed"
	assert.Equal(t, "trial", tpl.Tags["tier"])
}

func TestTemplateRegistry_RoundTrip(t *testing.T) {
	tr := NewTemplateRegistry()
	require.NoError(t, tr.Save(&KeyTemplate{Name: "a", Credits: 1}))
	require.NoError(t, tr.Save(&KeyTemplate{Name: "b", Credits: 2, Plan: "pro"}))
	assert.Error(t, tr.Save(&KeyTemplate{}), "unnamed template rejected")

	restored := NewTemplateRegistry()
	restored.Restore(tr.Snapshot())

	b, ok := restored.Get("b")
	require.True(t, ok)
	assert.Equal(t, int64(2), b.Credits)
	assert.Equal(t, "pro", b.Plan)

	require.NoError(t, restored.Delete("a"))
	assert.Error(t, restored.Delete("a"))
}
