// Package dbstest holds the behaviour every dbs.Backend must share, as a test
// suite storage packages run against their own implementation.
package dbstest

import (
	"context"
	"testing"

	"github.com/bionicotaku/lingo-dbs/dbs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory returns an empty backend. The suite closes it.
type Factory func(t *testing.T) dbs.Backend

// RunBackendTests runs the backend contract against fresh backends from newBackend.
func RunBackendTests(t *testing.T, newBackend Factory) {
	t.Run("ApplyAndRead", func(t *testing.T) { testApplyAndRead(t, open(t, newBackend)) })
	t.Run("ApplyIsAtomic", func(t *testing.T) { testApplyIsAtomic(t, open(t, newBackend)) })
	t.Run("UpdateMissing", func(t *testing.T) { testUpdateMissing(t, open(t, newBackend)) })
	t.Run("Children", func(t *testing.T) { testChildren(t, open(t, newBackend)) })
	t.Run("QueryKeyValue", func(t *testing.T) { testQueryKeyValue(t, open(t, newBackend)) })
	t.Run("NewIDUnique", func(t *testing.T) { testNewIDUnique(t, open(t, newBackend)) })
}

func open(t *testing.T, newBackend Factory) dbs.Backend {
	t.Helper()
	b := newBackend(t)
	t.Cleanup(func() { _ = b.Close(context.Background()) })
	return b
}

func testApplyAndRead(t *testing.T, b dbs.Backend) {
	ctx := context.Background()
	require.NoError(t, b.Apply(ctx, dbs.Batch{Creates: []dbs.State{
		{dbs.KeyID: "a", "title": "first", "n": 1},
		{dbs.KeyID: "b", "title": "second"},
	}}))

	got, err := b.ReadState(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "first", got["title"])
	assert.True(t, got.Matches("n", 1))

	states, err := b.ReadStates(ctx, []string{"b", "missing", "a"})
	require.NoError(t, err)
	require.Len(t, states, 2)
	assert.Equal(t, "b", states[0].ID())
	assert.Equal(t, "a", states[1].ID())

	require.NoError(t, b.Apply(ctx, dbs.Batch{
		Updates: []dbs.State{{dbs.KeyID: "a", "title": "changed"}},
		Deletes: []string{"b", "never-existed"},
	}))
	got, err = b.ReadState(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "changed", got["title"])
	assert.NotContains(t, got, "n")

	_, err = b.ReadState(ctx, "b")
	assert.ErrorIs(t, err, dbs.ErrNotFound)
	require.NoError(t, b.Apply(ctx, dbs.Batch{}))
}

func testApplyIsAtomic(t *testing.T, b dbs.Backend) {
	ctx := context.Background()
	require.NoError(t, b.Apply(ctx, dbs.Batch{Creates: []dbs.State{{dbs.KeyID: "taken"}}}))

	err := b.Apply(ctx, dbs.Batch{Creates: []dbs.State{
		{dbs.KeyID: "new-one"},
		{dbs.KeyID: "taken"},
	}})
	assert.ErrorIs(t, err, dbs.ErrDuplicateID)

	_, err = b.ReadState(ctx, "new-one")
	assert.ErrorIs(t, err, dbs.ErrNotFound, "failed batch leaves no partial writes")
}

func testUpdateMissing(t *testing.T, b dbs.Backend) {
	err := b.Apply(context.Background(), dbs.Batch{Updates: []dbs.State{{dbs.KeyID: "ghost"}}})
	assert.ErrorIs(t, err, dbs.ErrNotFound)
}

func testChildren(t *testing.T, b dbs.Backend) {
	ctx := context.Background()
	require.NoError(t, b.Apply(ctx, dbs.Batch{Creates: []dbs.State{
		{dbs.KeyID: "p"},
		{dbs.KeyID: "c1", dbs.KeyParentID: "p", dbs.KeyName: "one"},
		{dbs.KeyID: "c2", dbs.KeyParentID: "p", dbs.KeyName: "two"},
	}}))

	child, err := b.ReadChildState(ctx, "p", "one", nil)
	require.NoError(t, err)
	assert.Equal(t, "c1", child.ID())

	ok, err := b.HasChild(ctx, "p", "two", nil)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.HasChild(ctx, "p", "two", dbs.NewIDSet("c2"))
	require.NoError(t, err)
	assert.False(t, ok, "ignored ids are invisible")

	_, err = b.ReadChildState(ctx, "p", "one", dbs.NewIDSet("c1"))
	assert.ErrorIs(t, err, dbs.ErrNotFound)
	_, err = b.ReadChildState(ctx, "p", "three", nil)
	assert.ErrorIs(t, err, dbs.ErrNotFound)
}

func testQueryKeyValue(t *testing.T, b dbs.Backend) {
	ctx := context.Background()
	require.NoError(t, b.Apply(ctx, dbs.Batch{Creates: []dbs.State{
		{dbs.KeyID: "x", "color": "red", "size": 3},
		{dbs.KeyID: "y", "color": "blue", "size": 3},
		{dbs.KeyID: "z", "color": "red"},
	}}))

	reds, err := b.QueryKeyValue(ctx, "color", "red", nil)
	require.NoError(t, err)
	require.Len(t, reds, 2)
	assert.Equal(t, "x", reds[0].ID())
	assert.Equal(t, "z", reds[1].ID())

	sized, err := b.QueryKeyValue(ctx, "size", 3, dbs.NewIDSet("x"))
	require.NoError(t, err)
	require.Len(t, sized, 1)
	assert.Equal(t, "y", sized[0].ID())

	ok, err := b.QueryKeyValuePresence(ctx, "color", "blue", nil)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = b.QueryKeyValuePresence(ctx, "color", "blue", dbs.NewIDSet("y"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func testNewIDUnique(t *testing.T, b dbs.Backend) {
	seen := make(map[string]struct{})
	for i := 0; i < 100; i++ {
		id := b.NewID()
		require.NotEmpty(t, id)
		_, dup := seen[id]
		require.False(t, dup)
		seen[id] = struct{}{}
	}
}
