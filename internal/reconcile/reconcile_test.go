package reconcile

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"klinesync/internal/domain"
	"klinesync/internal/store"
)

func newPrimary(t *testing.T, bars ...domain.Bar) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "primary.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	for _, b := range bars {
		_, err := s.InsertBars(context.Background(), b.Symbol, []domain.Bar{b})
		require.NoError(t, err)
	}
	return s
}

func bar(t *testing.T, sym, date string, close float64) domain.Bar {
	t.Helper()
	d, err := domain.ParseDate(date)
	require.NoError(t, err)
	return domain.Bar{Symbol: domain.Symbol(sym), Date: d, Open: 10, High: 12, Low: 9, Close: close, Volume: 500}
}

func readAll(t *testing.T, s *store.SQLiteStore) []domain.Bar {
	t.Helper()
	all, err := s.ReadAll(context.Background())
	require.NoError(t, err)
	return all
}

func TestReconcileUnion(t *testing.T) {
	p := newPrimary(t, bar(t, "S", "2024-01-02", 11))
	backup := []domain.Bar{bar(t, "S", "2024-01-02", 11), bar(t, "S", "2024-01-03", 11.5)}

	results, err := New(p).Reconcile(context.Background(), backup, Options{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	res := results[0]
	assert.Equal(t, domain.Symbol("S"), res.Symbol)
	assert.Equal(t, 1, res.RowsAddedFromBackup)
	assert.Equal(t, 1, res.Identical)
	assert.Zero(t, res.ConflictsDetected())

	all := readAll(t, p)
	require.Len(t, all, 2)
	assert.Equal(t, "2024-01-03", all[1].Date.String())
}

func TestReconcileConflictLeavesBothSources(t *testing.T) {
	primaryBar := bar(t, "S", "2024-01-02", 11)
	p := newPrimary(t, primaryBar)
	backupBar := bar(t, "S", "2024-01-02", 11.25)
	backup := []domain.Bar{backupBar}

	results, err := New(p).Reconcile(context.Background(), backup, Options{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	res := results[0]
	require.Equal(t, 1, res.ConflictsDetected())
	c := res.Conflicts[0]
	assert.Equal(t, primaryBar.Key(), c.Key)
	assert.Equal(t, []string{"close"}, c.Fields)
	assert.Equal(t, 11.0, c.Primary.Close)
	assert.Equal(t, 11.25, c.Backup.Close)
	assert.Zero(t, res.RowsAddedFromBackup)

	all := readAll(t, p)
	require.Len(t, all, 1)
	assert.True(t, all[0].Equal(primaryBar), "primary must be untouched")
	assert.True(t, backup[0].Equal(backupBar), "backup must be untouched")
}

func TestReconcileIdempotent(t *testing.T) {
	p := newPrimary(t, bar(t, "S", "2024-01-02", 11), bar(t, "T", "2024-01-02", 11))
	backup := []domain.Bar{
		bar(t, "S", "2024-01-03", 11.5),
		bar(t, "S", "2024-01-04", 11.7),
		bar(t, "U", "2024-01-02", 10.5),
	}
	r := New(p)

	first, err := r.Reconcile(context.Background(), backup, Options{})
	require.NoError(t, err)
	added := 0
	for _, res := range first {
		added += res.RowsAddedFromBackup
	}
	assert.Equal(t, 3, added)

	second, err := r.Reconcile(context.Background(), backup, Options{})
	require.NoError(t, err)
	for _, res := range second {
		assert.Zero(t, res.RowsAddedFromBackup, res.Symbol)
		assert.Zero(t, res.ConflictsDetected(), res.Symbol)
	}
	assert.Len(t, readAll(t, p), 5)
}

func TestReconcilePrimaryOnlyCounted(t *testing.T) {
	p := newPrimary(t, bar(t, "S", "2024-01-02", 11), bar(t, "S", "2024-01-03", 11))
	results, err := New(p).Reconcile(context.Background(), []domain.Bar{bar(t, "S", "2024-01-03", 11)}, Options{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, 1, results[0].PrimaryOnly)
	assert.Equal(t, 1, results[0].Identical)
}

func TestReconcileDryRun(t *testing.T) {
	p := newPrimary(t)
	results, err := New(p).Reconcile(context.Background(), []domain.Bar{bar(t, "S", "2024-01-03", 11)}, Options{DryRun: true})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, 1, results[0].RowsAddedFromBackup)
	assert.Empty(t, readAll(t, p))
}

func TestReconcileRejectsInvalidBackupBars(t *testing.T) {
	p := newPrimary(t)
	bad := bar(t, "S", "2024-01-04", 11)
	bad.Low = 20
	dup := bar(t, "S", "2024-01-03", 11.1)

	results, err := New(p).Reconcile(context.Background(),
		[]domain.Bar{bar(t, "S", "2024-01-03", 11), bad, dup}, Options{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, 2, results[0].Rejected)
	assert.Equal(t, 1, results[0].RowsAddedFromBackup)

	all := readAll(t, p)
	require.Len(t, all, 1)
	assert.Equal(t, 11.0, all[0].Close)
}

func TestResolve(t *testing.T) {
	primaryBar := bar(t, "S", "2024-01-02", 11)
	backupBar := bar(t, "S", "2024-01-02", 11.25)
	backup := []domain.Bar{backupBar, bar(t, "S", "2024-01-03", 11)}
	ctx := context.Background()

	t.Run("prefer primary keeps stored values", func(t *testing.T) {
		p := newPrimary(t, primaryBar)
		c, err := New(p).Resolve(ctx, backup, primaryBar.Key(), PreferPrimary)
		require.NoError(t, err)
		assert.Equal(t, []string{"close"}, c.Fields)
		assert.True(t, readAll(t, p)[0].Equal(primaryBar))
	})

	t.Run("prefer primary closes the conflict", func(t *testing.T) {
		p := newPrimary(t, primaryBar)
		r := New(p)
		_, err := r.Resolve(ctx, backup, primaryBar.Key(), PreferPrimary)
		require.NoError(t, err)

		results, err := r.Reconcile(ctx, backup, Options{})
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.Zero(t, results[0].ConflictsDetected())
		assert.Equal(t, 1, results[0].Resolved)
		assert.Equal(t, 1, results[0].RowsAddedFromBackup)

		_, err = r.Resolve(ctx, backup, primaryBar.Key(), PreferPrimary)
		assert.ErrorIs(t, err, ErrNotInConflict, "the same decision is not recorded twice")

		all := readAll(t, p)
		require.Len(t, all, 2)
		assert.True(t, all[0].Equal(primaryBar))
	})

	t.Run("changed backup value is reported again", func(t *testing.T) {
		p := newPrimary(t, primaryBar)
		r := New(p)
		_, err := r.Resolve(ctx, backup, primaryBar.Key(), PreferPrimary)
		require.NoError(t, err)

		newer := bar(t, "S", "2024-01-02", 11.4)
		results, err := r.Reconcile(ctx, []domain.Bar{newer}, Options{})
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.Equal(t, 1, results[0].ConflictsDetected())
		assert.Zero(t, results[0].Resolved)
	})

	t.Run("decision can be changed to backup", func(t *testing.T) {
		p := newPrimary(t, primaryBar)
		r := New(p)
		_, err := r.Resolve(ctx, backup, primaryBar.Key(), PreferPrimary)
		require.NoError(t, err)
		_, err = r.Resolve(ctx, backup, primaryBar.Key(), PreferBackup)
		require.NoError(t, err)
		assert.True(t, readAll(t, p)[0].Equal(backupBar))
	})

	t.Run("prefer backup overwrites", func(t *testing.T) {
		p := newPrimary(t, primaryBar)
		r := New(p)
		_, err := r.Resolve(ctx, backup, primaryBar.Key(), PreferBackup)
		require.NoError(t, err)
		assert.True(t, readAll(t, p)[0].Equal(backupBar))

		// Once resolved the key is no longer in conflict.
		_, err = r.Resolve(ctx, backup, primaryBar.Key(), PreferBackup)
		assert.ErrorIs(t, err, ErrNotInConflict)
	})

	t.Run("key missing from primary is refused", func(t *testing.T) {
		p := newPrimary(t, primaryBar)
		_, err := New(p).Resolve(ctx, backup, backup[1].Key(), PreferBackup)
		assert.ErrorIs(t, err, ErrNotInConflict)
		assert.Len(t, readAll(t, p), 1)
	})

	t.Run("key missing from backup is refused", func(t *testing.T) {
		p := newPrimary(t, primaryBar)
		_, err := New(p).Resolve(ctx, nil, primaryBar.Key(), PreferBackup)
		assert.ErrorIs(t, err, ErrNotInConflict)
	})
}

func TestParsePreference(t *testing.T) {
	p, err := ParsePreference("backup")
	require.NoError(t, err)
	assert.Equal(t, PreferBackup, p)

	_, err = ParsePreference("newest")
	assert.Error(t, err)
}
