package anchoring

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yrippert-maker/papa-app-sub003/pkg/database"
)

func newSQLStore(t *testing.T) *SQLStore {
	t.Helper()
	ctx := context.Background()
	db, err := database.OpenSQLite(ctx, filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	s := NewSQLStore(db)
	require.NoError(t, s.Init(ctx))
	return s
}

func windowAnchor(id string, st Status, first, last int64, created time.Time) Anchor {
	root := "root-" + id
	return Anchor{
		ID:           id,
		Status:       st,
		MerkleRoot:   &root,
		FirstEventID: &first,
		LastEventID:  &last,
		EventCount:   int(last - first + 1),
		WindowStart:  created.Add(-time.Hour),
		WindowEnd:    created,
		Network:      "local",
		ChainID:      "0",
		CreatedAt:    created,
		UpdatedAt:    created,
	}
}

func TestStores(t *testing.T) {
	stores := map[string]func(*testing.T) Store{
		"memory": func(*testing.T) Store { return NewMemoryStore() },
		"sqlite": func(t *testing.T) Store { return newSQLStore(t) },
	}
	for name, open := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open(t)
			t0 := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

			covered, err := s.LastCoveredEventID(ctx)
			require.NoError(t, err)
			assert.Zero(t, covered)
			latest, err := s.Latest(ctx)
			require.NoError(t, err)
			assert.Nil(t, latest)

			require.NoError(t, s.Create(ctx, windowAnchor("a1", StatusFailed, 1, 5, t0)))
			require.NoError(t, s.Create(ctx, windowAnchor("a2", StatusPending, 1, 8, t0.Add(time.Hour))))
			require.NoError(t, s.Create(ctx, windowAnchor("a3", StatusConfirmed, 9, 12, t0.Add(2*time.Hour))))
			require.NoError(t, s.Create(ctx, Anchor{
				ID: "a4", Status: StatusEmpty, WindowStart: t0, WindowEnd: t0.Add(3 * time.Hour),
				Network: "local", ChainID: "0", CreatedAt: t0.Add(3 * time.Hour), UpdatedAt: t0.Add(3 * time.Hour),
			}))

			covered, err = s.LastCoveredEventID(ctx)
			require.NoError(t, err)
			assert.Equal(t, int64(12), covered)

			latest, err = s.Latest(ctx)
			require.NoError(t, err)
			require.NotNil(t, latest)
			assert.Equal(t, "a4", latest.ID)
			assert.Nil(t, latest.MerkleRoot)
			assert.Nil(t, latest.FirstEventID)

			best, err := s.Covering(ctx, 3)
			require.NoError(t, err)
			require.NotNil(t, best)
			assert.Equal(t, "a2", best.ID, "pending beats failed")
			none, err := s.Covering(ctx, 40)
			require.NoError(t, err)
			assert.Nil(t, none)

			failure, err := s.OldestOpenFailure(ctx)
			require.NoError(t, err)
			require.NotNil(t, failure)
			assert.Equal(t, "a1", failure.ID)
			n, err := s.Supersede(ctx, 1, "a2")
			require.NoError(t, err)
			assert.Equal(t, 1, n)
			failure, err = s.OldestOpenFailure(ctx)
			require.NoError(t, err)
			assert.Nil(t, failure)
			got, err := s.Get(ctx, "a1")
			require.NoError(t, err)
			require.NotNil(t, got.SupersededBy)
			assert.Equal(t, "a2", *got.SupersededBy)

			pending, err := s.ListPending(ctx)
			require.NoError(t, err)
			require.Len(t, pending, 1)

			confirmedAt := t0.Add(5 * time.Hour)
			block := int64(77)
			ref := "sha256:abc"
			next := pending[0]
			next.Status = StatusConfirmed
			next.BlockNumber = &block
			next.ReceiptRef = &ref
			next.ConfirmedAt = &confirmedAt
			next.UpdatedAt = confirmedAt
			require.NoError(t, s.Update(ctx, next, StatusPending))
			assert.ErrorIs(t, s.Update(ctx, next, StatusPending), errStale)
			assert.ErrorIs(t, s.Update(ctx, Anchor{ID: "nope"}, StatusPending), ErrNotFound)

			last, err := s.LastConfirmed(ctx)
			require.NoError(t, err)
			require.NotNil(t, last)
			assert.Equal(t, "a2", last.ID)
			assert.True(t, confirmedAt.Equal(*last.ConfirmedAt))
			assert.Equal(t, int64(77), *last.BlockNumber)

			since, err := s.ListSince(ctx, t0.Add(90*time.Minute))
			require.NoError(t, err)
			require.Len(t, since, 2)
			assert.Equal(t, "a3", since[0].ID)

			_, err = s.Get(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}
