package replica_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/duet/internal/domain"
	"github.com/gosuda/duet/internal/localstore"
	"github.com/gosuda/duet/internal/replica"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func task(id, title string, createdAt int64) domain.Task {
	return domain.Task{
		ID:        id,
		Title:     title,
		Priority:  domain.PriorityMedium,
		Assignee:  domain.AssignBoth,
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}
}

func openStore(t *testing.T, replicaID string, storage localstore.Storage) *replica.Store {
	t.Helper()
	s, err := replica.Open(replica.Options{ReplicaID: replicaID, Storage: storage})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s
}

// exchange ships each store's full state to the other, a first.
func exchange(t *testing.T, a, b *replica.Store) {
	t.Helper()
	sa, err := a.Doc().EncodeStateAsUpdate()
	require.NoError(t, err)
	sb, err := b.Doc().EncodeStateAsUpdate()
	require.NoError(t, err)
	require.NoError(t, b.ApplyEncodedUpdate(sa))
	require.NoError(t, a.ApplyEncodedUpdate(sb))
}

func titles(tasks []domain.Task) []string {
	out := make([]string, len(tasks))
	for i, tk := range tasks {
		out[i] = tk.ID + "=" + tk.Title
	}
	return out
}

// ---------------------------------------------------------------------------
// Convergence
// ---------------------------------------------------------------------------

func TestStore_ConvergesInEitherOrder(t *testing.T) {
	t.Parallel()

	for _, order := range []string{"a-first", "b-first"} {
		t.Run(order, func(t *testing.T) {
			t.Parallel()

			a := openStore(t, "replica-a", nil)
			b := openStore(t, "replica-b", nil)

			shared := task("shared", "groceries", 1)
			require.NoError(t, a.Upsert(shared))
			exchange(t, a, b)

			require.NoError(t, a.Upsert(task("a1", "laundry", 2)))
			require.NoError(t, a.Upsert(task("a2", "dishes", 3)))
			require.NoError(t, b.Upsert(task("b1", "taxes", 4)))
			require.NoError(t, b.Delete("shared"))

			if order == "a-first" {
				exchange(t, a, b)
			} else {
				exchange(t, b, a)
			}

			assert.Equal(t, titles(a.GetAll()), titles(b.GetAll()))
			assert.Equal(t, []string{"a1=laundry", "a2=dishes", "b1=taxes"}, titles(a.GetAll()))
		})
	}
}

func TestStore_SameKeyConflictIsDeterministic(t *testing.T) {
	t.Parallel()

	run := func(aFirst bool) (string, string) {
		a := openStore(t, "replica-a", nil)
		b := openStore(t, "replica-b", nil)
		require.NoError(t, a.Upsert(task("t1", "original", 1)))
		exchange(t, a, b)

		require.NoError(t, a.Mutate("t1", func(cur *domain.Task) *domain.Task {
			cur.Title = "edited on a"
			return cur
		}))
		require.NoError(t, b.Mutate("t1", func(cur *domain.Task) *domain.Task {
			cur.Title = "edited on b"
			return cur
		}))

		if aFirst {
			exchange(t, a, b)
		} else {
			exchange(t, b, a)
		}
		return a.GetAll()[0].Title, b.GetAll()[0].Title
	}

	a1, b1 := run(true)
	a2, b2 := run(false)

	assert.Equal(t, a1, b1)
	assert.Equal(t, a2, b2)
	assert.Equal(t, a1, a2, "winner must not depend on exchange order")
	// Equal counters: the larger replica id wins the tie.
	assert.Equal(t, "edited on b", a1)
}

func TestStore_WallClockIsNotMergeAuthority(t *testing.T) {
	t.Parallel()

	a := openStore(t, "replica-a", nil)
	b := openStore(t, "replica-b", nil)
	require.NoError(t, a.Upsert(task("t1", "v0", 1)))
	exchange(t, a, b)

	stale := task("t1", "stale wall clock", 1)
	stale.UpdatedAt = 1
	require.NoError(t, b.Upsert(stale))

	fresh := task("t1", "future wall clock", 1)
	fresh.UpdatedAt = time.Now().Add(24 * time.Hour).UnixMilli()
	require.NoError(t, a.Upsert(fresh))
	require.NoError(t, a.Upsert(fresh))

	exchange(t, a, b)

	// a wrote twice after the merge, so its logical clock is ahead.
	assert.Equal(t, "future wall clock", b.GetAll()[0].Title)
	assert.Equal(t, a.GetAll(), b.GetAll())
}

// ---------------------------------------------------------------------------
// Hard delete
// ---------------------------------------------------------------------------

func TestStore_HardDeleteSurvivesReloadAndStaleReplay(t *testing.T) {
	t.Parallel()

	storage := localstore.NewMemoryStorage()
	a, err := replica.Open(replica.Options{ReplicaID: "replica-a", Storage: storage})
	require.NoError(t, err)

	require.NoError(t, a.Upsert(task("gone", "to delete", 1)))
	staleUpdate, err := a.Doc().EncodeStateAsUpdate()
	require.NoError(t, err)

	require.NoError(t, a.Delete("gone"))
	require.NoError(t, a.Close(context.Background()))

	reloaded := openStore(t, "replica-a", storage)
	assert.Empty(t, reloaded.GetAll())

	require.NoError(t, reloaded.ApplyEncodedUpdate(staleUpdate))
	assert.Empty(t, reloaded.GetAll(), "replaying an older update must not resurrect a deleted key")
}

func TestStore_SoftDeleteStaysReplicated(t *testing.T) {
	t.Parallel()

	s := openStore(t, "replica-a", nil)
	require.NoError(t, s.Upsert(task("t1", "soft", 1)))
	require.NoError(t, s.Mutate("t1", func(cur *domain.Task) *domain.Task {
		now := domain.NowMillis()
		cur.DeletedAt = &now
		return cur
	}))

	all := s.GetAll()
	require.Len(t, all, 1)
	assert.False(t, all[0].Active())
	assert.Empty(t, domain.ActiveTasks(all))
}

// ---------------------------------------------------------------------------
// Contract
// ---------------------------------------------------------------------------

func TestStore_GetAllReturnsOrderedCopies(t *testing.T) {
	t.Parallel()

	s := openStore(t, "replica-a", nil)
	require.NoError(t, s.Upsert(task("late", "late", 30)))
	require.NoError(t, s.Upsert(task("early", "early", 10)))
	done := int64(5)
	mid := task("mid", "mid", 20)
	mid.CompletedAt = &done
	require.NoError(t, s.Upsert(mid))

	all := s.GetAll()
	assert.Equal(t, []string{"early=early", "mid=mid", "late=late"}, titles(all))

	all[1].Title = "mutated"
	*all[1].CompletedAt = 99
	again := s.GetAll()
	assert.Equal(t, "mid", again[1].Title)
	assert.Equal(t, int64(5), *again[1].CompletedAt)
}

func TestStore_UpsertRejectsMissingID(t *testing.T) {
	t.Parallel()

	s := openStore(t, "replica-a", nil)
	err := s.Upsert(domain.Task{Title: "no id"})
	require.ErrorIs(t, err, domain.ErrInvalidTask)
}

func TestStore_MutateDeletesOnNil(t *testing.T) {
	t.Parallel()

	s := openStore(t, "replica-a", nil)
	require.NoError(t, s.Upsert(task("t1", "x", 1)))

	var sawCurrent bool
	require.NoError(t, s.Mutate("t1", func(cur *domain.Task) *domain.Task {
		sawCurrent = cur != nil
		return nil
	}))
	assert.True(t, sawCurrent)
	assert.Empty(t, s.GetAll())

	require.NoError(t, s.Mutate("new", func(cur *domain.Task) *domain.Task {
		assert.Nil(t, cur)
		tk := task("ignored", "created by mutate", 2)
		return &tk
	}))
	all := s.GetAll()
	require.Len(t, all, 1)
	assert.Equal(t, "new", all[0].ID, "mutate pins the id")
}

func TestStore_ReplaceAllTagsOrigin(t *testing.T) {
	t.Parallel()

	s := openStore(t, "replica-a", nil)
	require.NoError(t, s.Upsert(task("old", "old", 1)))

	var origins []replica.Origin
	s.Doc().OnUpdate(func(_ []byte, origin replica.Origin) {
		origins = append(origins, origin)
	})

	require.NoError(t, s.ReplaceAll([]domain.Task{task("n1", "new", 2)}, replica.OriginRemote))
	require.NoError(t, s.ReplaceAll([]domain.Task{task("n2", "import", 3)}, replica.OriginLocal))

	assert.Equal(t, []replica.Origin{replica.OriginRemote, replica.OriginLocal}, origins)
	assert.Equal(t, []string{"n2=import"}, titles(s.GetAll()))
}

func TestStore_SubscribeEmitsImmediately(t *testing.T) {
	t.Parallel()

	s := openStore(t, "replica-a", nil)
	require.NoError(t, s.Upsert(task("t1", "existing", 1)))

	var got [][]string
	off := s.Subscribe(func(tasks []domain.Task) {
		got = append(got, titles(tasks))
	})
	require.Len(t, got, 1)
	assert.Equal(t, []string{"t1=existing"}, got[0])

	require.NoError(t, s.Upsert(task("t2", "next", 2)))
	require.Len(t, got, 2)

	off()
	require.NoError(t, s.Upsert(task("t3", "unseen", 3)))
	assert.Len(t, got, 2)
}

func TestStore_ListenerMayMutate(t *testing.T) {
	t.Parallel()

	s := openStore(t, "replica-a", nil)
	var calls int
	s.Subscribe(func(tasks []domain.Task) {
		calls++
		for _, tk := range tasks {
			if tk.ID == "t1" && !tk.Completed {
				tk.Completed = true
				require.NoError(t, s.Upsert(tk))
			}
		}
	})

	require.NoError(t, s.Upsert(task("t1", "auto-complete", 1)))

	require.Len(t, s.GetAll(), 1)
	assert.True(t, s.GetAll()[0].Completed)
	assert.Equal(t, 3, calls, "initial emit, upsert, nested upsert")
}

// ---------------------------------------------------------------------------
// Persistence
// ---------------------------------------------------------------------------

func TestStore_PersistsAndHydrates(t *testing.T) {
	t.Parallel()

	storage := localstore.NewMemoryStorage()
	s, err := replica.Open(replica.Options{ReplicaID: "replica-a", Storage: storage})
	require.NoError(t, err)
	require.NoError(t, s.Upsert(task("t1", "persist me", 1)))
	require.NoError(t, s.Flush(context.Background()))

	raw, ok, err := storage.Get(replica.DefaultSnapshotKey)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, byte('['), raw[0], "snapshot is stored as a numeric array")
	require.NoError(t, s.Close(context.Background()))

	seed := []domain.Task{task("seed", "ignored seed", 0)}
	reloaded, err := replica.Open(replica.Options{ReplicaID: "replica-a", Storage: storage, InitialTasks: seed})
	require.NoError(t, err)
	assert.Equal(t, []string{"t1=persist me"}, titles(reloaded.GetAll()))
}

func TestStore_SeedsWhenNoSnapshot(t *testing.T) {
	t.Parallel()

	s, err := replica.Open(replica.Options{
		Storage:      localstore.NewMemoryStorage(),
		InitialTasks: []domain.Task{task("seed", "seeded", 1)},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"seed=seeded"}, titles(s.GetAll()))
}

func TestStore_CorruptSnapshotStartsEmpty(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		raw  string
	}{
		{name: "not json", raw: "{{{"},
		{name: "byte out of range", raw: "[1,2,300]"},
		{name: "not a cbor update", raw: "[1,2,3]"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			storage := localstore.NewMemoryStorage()
			require.NoError(t, storage.Set(replica.DefaultSnapshotKey, []byte(tc.raw)))

			var warnings []error
			s, err := replica.Open(replica.Options{
				Storage:   storage,
				OnWarning: func(err error) { warnings = append(warnings, err) },
			})
			require.NoError(t, err)
			assert.Empty(t, s.GetAll())
			require.Len(t, warnings, 1)
			assert.ErrorIs(t, warnings[0], replica.ErrCorruptSnapshot)
		})
	}
}

func TestStore_SnapshotReflectsLatestState(t *testing.T) {
	t.Parallel()

	storage := localstore.NewMemoryStorage()
	s := openStore(t, "replica-a", storage)
	for i := 0; i < 20; i++ {
		require.NoError(t, s.Upsert(task(fmt.Sprintf("t%02d", i), "burst", int64(i))))
	}
	require.NoError(t, s.Flush(context.Background()))

	other := openStore(t, "replica-b", storage)
	assert.Len(t, other.GetAll(), 20)
}
