package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/niczy/gitreview/internal/models"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisStorage(t *testing.T) (*RedisStorage, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
	})
	return NewRedisStorage(client, NewInMemoryObjectStore(), "test"), mr
}

func storageFactories() []struct {
	name    string
	factory func(t *testing.T) Storage
} {
	return []struct {
		name    string
		factory func(t *testing.T) Storage
	}{
		{
			name: "in-memory",
			factory: func(t *testing.T) Storage {
				t.Helper()
				return NewInMemoryStorage()
			},
		},
		{
			name: "redis",
			factory: func(t *testing.T) Storage {
				t.Helper()
				st, _ := newRedisStorage(t)
				return st
			},
		},
	}
}

func TestStorageCompliance(t *testing.T) {
	for _, tc := range storageFactories() {
		t.Run(tc.name, func(t *testing.T) {
			runStorageContract(context.Background(), t, tc.factory(t))
		})
	}
}

func runStorageContract(ctx context.Context, t *testing.T, st Storage) {
	t.Helper()

	require.NoError(t, st.Ping(ctx))

	// Accounts
	alice := &models.Account{Username: "alice", FullName: "Alice", PreferredEmail: "alice@example.com", Emails: []string{"alice@example.com"}}
	require.NoError(t, st.CreateAccount(ctx, alice))
	require.NotZero(t, alice.ID)
	dup := &models.Account{Username: "alice2", Emails: []string{"ALICE@example.com"}}
	assert.ErrorIs(t, st.CreateAccount(ctx, dup), ErrEntryExists)

	byEmail, err := st.ResolveAccount(ctx, "Alice@Example.com")
	require.NoError(t, err)
	assert.Equal(t, alice.ID, byEmail.ID)
	byName, err := st.ResolveAccount(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, alice.ID, byName.ID)
	_, err = st.ResolveAccount(ctx, "nobody")
	assert.ErrorIs(t, err, ErrAccountNotFound)

	// Changes
	id, err := st.NextChangeID(ctx)
	require.NoError(t, err)
	id2, err := st.NextChangeID(ctx)
	require.NoError(t, err)
	assert.Greater(t, id2, id)

	now := time.Now()
	change := &models.Change{ID: id, Key: "Iabc", Project: "proj", Dest: "refs/heads/master", Owner: alice.ID, Status: models.ChangeStatusNew, CurrentPatchSet: 1, NumPatchSets: 1, CreatedOn: now}
	require.NoError(t, st.CreateChange(ctx, change))
	assert.ErrorIs(t, st.CreateChange(ctx, change), ErrEntryExists)

	other := &models.Change{ID: id2, Key: "Iabc", Project: "proj", Dest: "refs/heads/master", Status: models.ChangeStatusMerged, CurrentPatchSet: 1, NumPatchSets: 1}
	require.NoError(t, st.CreateChange(ctx, other))

	byKey, err := st.ListChangesByKey(ctx, "proj", "Iabc")
	require.NoError(t, err)
	require.Len(t, byKey, 2)
	assert.Equal(t, id, byKey[0].ID)

	open, err := st.ListOpenChanges(ctx, "proj")
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, id, open[0].ID)

	none, err := st.ListChangesByKey(ctx, "other-proj", "Iabc")
	require.NoError(t, err)
	assert.Empty(t, none)

	// Compare-and-update
	updated, err := st.AtomicUpdateChange(ctx, id, func(c models.Change) (models.Change, bool) {
		if c.Status.IsClosed() {
			return c, false
		}
		return c.NextPatchSet(), true
	})
	require.NoError(t, err)
	assert.Equal(t, 1, updated.CurrentPatchSet)
	assert.Equal(t, 2, updated.NumPatchSets)

	_, err = st.AtomicUpdateChange(ctx, id2, func(c models.Change) (models.Change, bool) {
		if c.Status.IsClosed() {
			return c, false
		}
		return c.NextPatchSet(), true
	})
	assert.ErrorIs(t, err, ErrUpdateAborted)
	unchanged, err := st.GetChange(ctx, id2)
	require.NoError(t, err)
	assert.Equal(t, 1, unchanged.NumPatchSets)

	_, err = st.AtomicUpdateChange(ctx, 9999, func(c models.Change) (models.Change, bool) { return c, true })
	assert.ErrorIs(t, err, ErrChangeNotFound)

	// Patch sets
	ps1 := &models.PatchSet{ID: models.PatchSetID{ChangeID: id, PatchSetNum: 1}, Revision: "aaaa", Uploader: alice.ID, CreatedOn: now, Ancestors: []string{"p1"}}
	ps2 := &models.PatchSet{ID: models.PatchSetID{ChangeID: id, PatchSetNum: 2}, Revision: "bbbb", Uploader: alice.ID, CreatedOn: now}
	require.NoError(t, st.CreatePatchSet(ctx, ps2))
	require.NoError(t, st.CreatePatchSet(ctx, ps1))

	sameRev := &models.PatchSet{ID: models.PatchSetID{ChangeID: id2, PatchSetNum: 1}, Revision: "aaaa"}
	assert.ErrorIs(t, st.CreatePatchSet(ctx, sameRev), ErrRevisionExists)

	list, err := st.ListPatchSets(ctx, id)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, 1, list[0].ID.PatchSetNum)
	assert.Equal(t, []string{"p1"}, list[0].Ancestors)

	require.NoError(t, st.DeletePatchSet(ctx, ps2.ID))
	_, err = st.GetPatchSet(ctx, ps2.ID)
	assert.ErrorIs(t, err, ErrPatchSetNotFound)
	// The revision is free again once its patch set is gone.
	reuse := &models.PatchSet{ID: models.PatchSetID{ChangeID: id2, PatchSetNum: 1}, Revision: "bbbb"}
	require.NoError(t, st.CreatePatchSet(ctx, reuse))

	// Approvals
	veto := &models.PatchSetApproval{PatchSetID: ps1.ID, AccountID: alice.ID, CategoryID: "CRVW", Value: -2, Granted: now, ChangeOpen: true}
	require.NoError(t, st.InsertApprovals(ctx, []*models.PatchSetApproval{veto}))
	assert.ErrorIs(t, st.InsertApprovals(ctx, []*models.PatchSetApproval{veto}), ErrEntryExists)

	veto.ChangeOpen = false
	require.NoError(t, st.UpdateApprovals(ctx, []*models.PatchSetApproval{veto}))
	approvals, err := st.ListApprovalsByChange(ctx, id)
	require.NoError(t, err)
	require.Len(t, approvals, 1)
	assert.False(t, approvals[0].ChangeOpen)
	assert.Equal(t, int16(-2), approvals[0].Value)

	missing := &models.PatchSetApproval{PatchSetID: ps1.ID, AccountID: 42, CategoryID: "CRVW"}
	assert.ErrorIs(t, st.UpdateApprovals(ctx, []*models.PatchSetApproval{missing}), ErrEntryNotFound)

	require.NoError(t, st.DeleteApprovals(ctx, ps1.ID))
	approvals, err = st.ListApprovalsByChange(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, approvals)

	// Messages
	require.NoError(t, st.AddChangeMessage(ctx, &models.ChangeMessage{ChangeID: id, UUID: "m1", Author: alice.ID, Message: "first"}))
	require.NoError(t, st.AddChangeMessage(ctx, &models.ChangeMessage{ChangeID: id, UUID: "m2", Author: alice.ID, Message: "second"}))
	msgs, err := st.ListChangeMessages(ctx, id)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "first", msgs[0].Message)
	assert.Equal(t, "second", msgs[1].Message)
	assert.ErrorIs(t, st.AddChangeMessage(ctx, &models.ChangeMessage{ChangeID: 9999, UUID: "m3"}), ErrChangeNotFound)
}

func TestAtomicUpdateChangeConcurrent(t *testing.T) {
	for _, tc := range storageFactories() {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			st := tc.factory(t)
			require.NoError(t, st.CreateChange(ctx, &models.Change{ID: 7, Key: "Iconc", Project: "proj", Status: models.ChangeStatusNew, CurrentPatchSet: 1, NumPatchSets: 1}))

			const workers = 4
			const perWorker = 5
			var mu sync.Mutex
			seen := make(map[int]bool)

			var wg sync.WaitGroup
			for w := 0; w < workers; w++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					for i := 0; i < perWorker; i++ {
						for {
							c, err := st.AtomicUpdateChange(ctx, 7, func(c models.Change) (models.Change, bool) {
								return c.NextPatchSet(), true
							})
							if errors.Is(err, ErrTooManyConflicts) {
								continue
							}
							if !assert.NoError(t, err) {
								return
							}
							mu.Lock()
							assert.False(t, seen[c.NumPatchSets], "patch set number %d handed out twice", c.NumPatchSets)
							seen[c.NumPatchSets] = true
							mu.Unlock()
							break
						}
					}
				}()
			}
			wg.Wait()

			final, err := st.GetChange(ctx, 7)
			require.NoError(t, err)
			assert.Equal(t, 1+workers*perWorker, final.NumPatchSets)
		})
	}
}

func TestRedisStorageRestoresFromArchive(t *testing.T) {
	ctx := context.Background()
	st, mr := newRedisStorage(t)

	change := &models.Change{ID: 3, Key: "Iarch", Project: "proj", Dest: "refs/heads/main", Status: models.ChangeStatusNew, CurrentPatchSet: 1, NumPatchSets: 1}
	require.NoError(t, st.CreateChange(ctx, change))
	require.NoError(t, st.CreatePatchSet(ctx, &models.PatchSet{ID: models.PatchSetID{ChangeID: 3, PatchSetNum: 1}, Revision: "cafe"}))

	mr.FlushAll()

	restored, err := st.GetChange(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, "Iarch", restored.Key)

	patchSets, err := st.ListPatchSets(ctx, 3)
	require.NoError(t, err)
	require.Len(t, patchSets, 1)
	assert.Equal(t, "cafe", patchSets[0].Revision)

	byKey, err := st.ListChangesByKey(ctx, "proj", "Iarch")
	require.NoError(t, err)
	assert.Len(t, byKey, 1)
}
