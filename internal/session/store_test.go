package session

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newSession(t *testing.T, now time.Time) *Session {
	t.Helper()
	id, err := NewID()
	require.NoError(t, err)
	tok, err := NewToken()
	require.NoError(t, err)
	return &Session{ID: id, LastActivity: now, CSRFToken: tok}
}

func stores(t *testing.T) map[string]Store {
	t.Helper()
	sqlStore, err := OpenSQL("sqlite", filepath.Join(t.TempDir(), "sessions.db"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlStore.Close() })

	badgerStore, err := OpenBadger("", time.Hour, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = badgerStore.Close() })

	return map[string]Store{
		"memory": NewMemoryStore(time.Hour),
		"sql":    sqlStore,
		"badger": badgerStore,
	}
}

func TestStoreConformance(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	for name, st := range stores(t) {
		t.Run(name, func(t *testing.T) {
			t.Run("missing", func(t *testing.T) {
				_, err := st.Get(ctx, "does-not-exist")
				require.ErrorIs(t, err, ErrNotFound)
			})

			t.Run("save and get", func(t *testing.T) {
				s := newSession(t, now)
				require.NoError(t, st.Save(ctx, s))
				got, err := st.Get(ctx, s.ID)
				require.NoError(t, err)
				assert.Equal(t, s.ID, got.ID)
				assert.Equal(t, s.CSRFToken, got.CSRFToken)
				assert.False(t, got.Authenticated)
				assert.True(t, s.LastActivity.Equal(got.LastActivity), "last activity %v != %v", s.LastActivity, got.LastActivity)
			})

			t.Run("returns copies", func(t *testing.T) {
				s := newSession(t, now)
				require.NoError(t, st.Save(ctx, s))
				got, err := st.Get(ctx, s.ID)
				require.NoError(t, err)
				got.Authenticated = true
				again, err := st.Get(ctx, s.ID)
				require.NoError(t, err)
				assert.False(t, again.Authenticated)
			})

			t.Run("save overwrites", func(t *testing.T) {
				s := newSession(t, now)
				require.NoError(t, st.Save(ctx, s))
				s.Authenticated = true
				s.LoginTime = now
				require.NoError(t, st.Save(ctx, s))
				got, err := st.Get(ctx, s.ID)
				require.NoError(t, err)
				assert.True(t, got.Authenticated)
			})

			t.Run("delete", func(t *testing.T) {
				s := newSession(t, now)
				require.NoError(t, st.Save(ctx, s))
				require.NoError(t, st.Delete(ctx, s.ID))
				_, err := st.Get(ctx, s.ID)
				require.ErrorIs(t, err, ErrNotFound)
				require.NoError(t, st.Delete(ctx, s.ID), "deleting twice is not an error")
			})

			t.Run("regenerate", func(t *testing.T) {
				old := newSession(t, now)
				require.NoError(t, st.Save(ctx, old))

				fresh := newSession(t, now)
				fresh.Authenticated = true
				require.NoError(t, st.Regenerate(ctx, old.ID, fresh))

				_, err := st.Get(ctx, old.ID)
				require.ErrorIs(t, err, ErrNotFound)
				got, err := st.Get(ctx, fresh.ID)
				require.NoError(t, err)
				assert.True(t, got.Authenticated)
			})
		})
	}
}

func TestSQLStoreDeleteIdle(t *testing.T) {
	ctx := context.Background()
	st, err := OpenSQL("sqlite", filepath.Join(t.TempDir(), "sessions.db"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	defer st.Close()

	now := time.Now().UTC()
	stale := newSession(t, now.Add(-2*time.Hour))
	live := newSession(t, now)
	require.NoError(t, st.Save(ctx, stale))
	require.NoError(t, st.Save(ctx, live))

	n, err := st.DeleteIdle(ctx, now.Add(-time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	_, err = st.Get(ctx, stale.ID)
	require.ErrorIs(t, err, ErrNotFound)
	_, err = st.Get(ctx, live.ID)
	require.NoError(t, err)
}

func TestOpenSQLUnknownDriver(t *testing.T) {
	_, err := OpenSQL("postgres", "", nil)
	require.Error(t, err)
}

func TestExpired(t *testing.T) {
	now := time.Now()
	s := &Session{LastActivity: now.Add(-31 * time.Minute)}
	assert.True(t, s.Expired(now, 30*time.Minute))
	s.LastActivity = now.Add(-29 * time.Minute)
	assert.False(t, s.Expired(now, 30*time.Minute))
}

func TestIdentifiersAreDistinct(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		id, err := NewID()
		require.NoError(t, err)
		require.Len(t, id, IDLength*2)
		require.False(t, seen[id])
		seen[id] = true
	}
}

func TestMemoryStoreEntries(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore(time.Hour)
	old := newSession(t, time.Now())
	require.NoError(t, m.Save(ctx, old))
	require.Equal(t, 1, m.Len())

	fresh := newSession(t, time.Now())
	require.NoError(t, m.Regenerate(ctx, old.ID, fresh))
	assert.Equal(t, 1, m.Len(), "regenerate replaces the old entry")

	require.NoError(t, m.Delete(ctx, fresh.ID))
	assert.Zero(t, m.Len())
}

func TestMemoryStoreEvictsAfterRetention(t *testing.T) {
	m := NewMemoryStore(50 * time.Millisecond)
	require.NoError(t, m.Save(context.Background(), newSession(t, time.Now())))
	assert.Eventually(t, func() bool { return m.Len() == 0 }, time.Second, 10*time.Millisecond)
}
