package state

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/hostguard/internal/clock"
	"grimm.is/hostguard/internal/errors"
)

func newTestStore(t *testing.T) (*SQLiteStore, *clock.MockClock) {
	t.Helper()
	clk := clock.NewMockClock(time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC))
	opts := DefaultOptions(":memory:")
	opts.CleanupInterval = 0
	opts.Clock = clk
	s, err := NewSQLiteStore(opts)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, clk
}

func TestNewSQLiteStore_DefaultBuckets(t *testing.T) {
	s, _ := newTestStore(t)

	for _, b := range DefaultBuckets {
		assert.ErrorIs(t, s.CreateBucket(b), ErrBucketExists, b)
	}
}

func TestNewSQLiteStore_FileBackendPersists(t *testing.T) {
	path := t.TempDir() + "/state.db"

	s, err := NewSQLiteStore(DefaultOptions(path))
	require.NoError(t, err)
	require.NoError(t, s.Set(BucketZones, "office", []byte("v1")))
	require.NoError(t, s.Close())

	s2, err := NewSQLiteStore(DefaultOptions(path))
	require.NoError(t, err)
	defer s2.Close()

	got, err := s2.Get(BucketZones, "office")
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), got)

	// Versions continue from the persisted maximum.
	require.NoError(t, s2.Set(BucketZones, "lab", []byte("v1")))
	assert.Equal(t, uint64(2), s2.version)
}

func TestCreateBucket_Duplicate(t *testing.T) {
	s, _ := newTestStore(t)

	require.NoError(t, s.CreateBucket("extra"))
	assert.ErrorIs(t, s.CreateBucket("extra"), ErrBucketExists)
}

func TestSetGetDelete(t *testing.T) {
	s, _ := newTestStore(t)

	_, err := s.Get(BucketZones, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.True(t, errors.IsKind(err, errors.KindNotFound))

	require.NoError(t, s.Set(BucketZones, "a", []byte("1")))
	require.NoError(t, s.Set(BucketZones, "a", []byte("2")))

	got, err := s.Get(BucketZones, "a")
	require.NoError(t, err)
	assert.Equal(t, []byte("2"), got)

	require.NoError(t, s.Delete(BucketZones, "a"))
	assert.ErrorIs(t, s.Delete(BucketZones, "a"), ErrNotFound)
}

func TestSet_MissingBucket(t *testing.T) {
	s, _ := newTestStore(t)
	assert.ErrorIs(t, s.Set("nope", "k", []byte("v")), ErrBucketMissing)
}

func TestJSONHelpers(t *testing.T) {
	s, _ := newTestStore(t)

	type policy struct {
		Mode   string   `json:"mode"`
		Routes []string `json:"routes"`
	}
	in := policy{Mode: "include", Routes: []string{"10.0.0.0/8"}}
	require.NoError(t, s.SetJSON(BucketEnforcement, "office", in))

	var out policy
	require.NoError(t, s.GetJSON(BucketEnforcement, "office", &out))
	assert.Equal(t, in, out)
}

func TestList(t *testing.T) {
	s, _ := newTestStore(t)
	require.NoError(t, s.Set(BucketReputation, "b", []byte("2")))
	require.NoError(t, s.Set(BucketReputation, "a", []byte("1")))

	all, err := s.List(BucketReputation)
	require.NoError(t, err)
	assert.Equal(t, map[string][]byte{"a": []byte("1"), "b": []byte("2")}, all)
}

func TestSetWithTTL(t *testing.T) {
	s, clk := newTestStore(t)

	require.NoError(t, s.SetWithTTL(BucketZones, "tmp", []byte("x"), time.Minute))
	_, err := s.Get(BucketZones, "tmp")
	require.NoError(t, err)

	clk.Advance(2 * time.Minute)
	_, err = s.Get(BucketZones, "tmp")
	assert.ErrorIs(t, err, ErrNotFound)

	all, err := s.List(BucketZones)
	require.NoError(t, err)
	assert.Empty(t, all)

	assert.Equal(t, 1, rowCount(t, s, BucketZones))
	s.cleanup()
	assert.Zero(t, rowCount(t, s, BucketZones))
}

func TestSetJSONWithTTL_ExpiresFromList(t *testing.T) {
	s, clk := newTestStore(t)

	require.NoError(t, s.SetJSONWithTTL(BucketBlocks, "short", map[string]int{"n": 1}, time.Minute))
	require.NoError(t, s.SetJSONWithTTL(BucketBlocks, "long", map[string]int{"n": 2}, time.Hour))

	var got map[string]int
	require.NoError(t, s.GetJSON(BucketBlocks, "short", &got))
	assert.Equal(t, 1, got["n"])

	clk.Advance(10 * time.Minute)
	all, err := s.List(BucketBlocks)
	require.NoError(t, err)
	assert.Len(t, all, 1)
	assert.Contains(t, all, "long")
}

func TestCleanupLoop_RemovesExpired(t *testing.T) {
	opts := DefaultOptions(":memory:")
	opts.CleanupInterval = 10 * time.Millisecond
	s, err := NewSQLiteStore(opts)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.SetWithTTL(BucketBlocks, "gone", []byte("x"), time.Millisecond))
	require.NoError(t, s.Set(BucketBlocks, "kept", []byte("y")))

	require.Eventually(t, func() bool {
		return rowCount(t, s, BucketBlocks) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func rowCount(t *testing.T, s *SQLiteStore, bucket string) int {
	t.Helper()
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int
	require.NoError(t, s.db.QueryRow("SELECT COUNT(*) FROM entries WHERE bucket = ?", bucket).Scan(&n))
	return n
}

func TestClosedStore(t *testing.T) {
	s, _ := newTestStore(t)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err := s.Get(BucketZones, "a")
	assert.ErrorIs(t, err, ErrStoreClosed)
}
