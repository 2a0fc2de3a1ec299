package dbs_test

import (
	"context"
	"testing"

	"github.com/bionicotaku/lingo-dbs/dbs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func standaloneSession(t *testing.T) (dbs.Session, *countingBackend) {
	t.Helper()
	backend := newCountingBackend()
	repo, _ := newRepository(t, backend, nil)
	s, err := repo.Session(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, backend
}

// TestSession_AutoCommitOutsideBegin 验证未开启事务时写入立即落盘
func TestSession_AutoCommitOutsideBegin(t *testing.T) {
	s, backend := standaloneSession(t)
	ctx := context.Background()

	id, err := s.CreateDocument(ctx, dbs.State{dbs.KeyName: "a"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	require.NoError(t, s.UpdateDocument(ctx, id, dbs.StateDiff{"title": "t"}))
	require.NoError(t, s.RemoveDocuments(ctx, id))

	assert.Equal(t, int32(3), backend.applies.Load())
	assert.Equal(t, 0, backend.Len())
}

// TestSession_BufferedUntilCommit 验证事务内写入缓冲，提交时一次批量写入
func TestSession_BufferedUntilCommit(t *testing.T) {
	s, backend := standaloneSession(t)
	ctx := context.Background()

	_, err := s.CreateDocument(ctx, dbs.State{dbs.KeyID: "existing", "n": 1})
	require.NoError(t, err)
	_, err = s.CreateDocument(ctx, dbs.State{dbs.KeyID: "gone"})
	require.NoError(t, err)
	backend.applies.Store(0)

	require.NoError(t, s.Begin(ctx))
	assert.ErrorIs(t, s.Begin(ctx), dbs.ErrTransactionInProgress)

	_, err = s.CreateDocument(ctx, dbs.State{dbs.KeyID: "fresh", "n": 2})
	require.NoError(t, err)
	require.NoError(t, s.UpdateDocument(ctx, "existing", dbs.StateDiff{"n": 10, "extra": "x"}))
	require.NoError(t, s.RemoveDocuments(ctx, "gone"))

	got, err := s.GetDocument(ctx, "existing")
	require.NoError(t, err)
	assert.True(t, got.Matches("n", 10), "读到自己的写入")
	_, err = s.GetDocument(ctx, "gone")
	assert.True(t, dbs.IsNotFound(err))

	docs, err := s.GetDocuments(ctx, []string{"fresh", "gone", "existing", "missing"})
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "fresh", docs[0].ID())
	assert.Equal(t, "existing", docs[1].ID())

	assert.Equal(t, int32(0), backend.applies.Load())
	require.NoError(t, s.Commit(ctx))
	assert.Equal(t, int32(1), backend.applies.Load())

	stored, err := backend.ReadState(ctx, "existing")
	require.NoError(t, err)
	assert.Equal(t, "x", stored["extra"])
	_, err = backend.ReadState(ctx, "gone")
	assert.True(t, dbs.IsNotFound(err))
	_, err = backend.ReadState(ctx, "fresh")
	assert.NoError(t, err)
}

func TestSession_RollbackDiscards(t *testing.T) {
	s, backend := standaloneSession(t)
	ctx := context.Background()

	require.NoError(t, s.Begin(ctx))
	_, err := s.CreateDocument(ctx, dbs.State{dbs.KeyID: "tmp"})
	require.NoError(t, err)
	require.NoError(t, s.Rollback(ctx))

	_, err = s.GetDocument(ctx, "tmp")
	assert.True(t, dbs.IsNotFound(err))
	assert.Equal(t, int32(0), backend.applies.Load())
}

func TestSession_DuplicateID(t *testing.T) {
	s, _ := standaloneSession(t)
	ctx := context.Background()

	_, err := s.CreateDocument(ctx, dbs.State{dbs.KeyID: "dup"})
	require.NoError(t, err)
	_, err = s.CreateDocument(ctx, dbs.State{dbs.KeyID: "dup"})
	assert.ErrorIs(t, err, dbs.ErrDuplicateID)

	require.NoError(t, s.Begin(ctx))
	_, err = s.CreateDocument(ctx, dbs.State{dbs.KeyID: "dup"})
	assert.ErrorIs(t, err, dbs.ErrDuplicateID)

	// 同一事务内删除后重建
	require.NoError(t, s.RemoveDocuments(ctx, "dup"))
	_, err = s.CreateDocument(ctx, dbs.State{dbs.KeyID: "dup", "v": "again"})
	require.NoError(t, err)
	require.NoError(t, s.Commit(ctx))

	got, err := s.GetDocument(ctx, "dup")
	require.NoError(t, err)
	assert.Equal(t, "again", got["v"])
}

func TestSession_UpdateMissing(t *testing.T) {
	s, _ := standaloneSession(t)
	err := s.UpdateDocument(context.Background(), "nope", dbs.StateDiff{"a": 1})
	assert.True(t, dbs.IsNotFound(err))
}

func TestSession_UpdateRemovesNilKeys(t *testing.T) {
	s, _ := standaloneSession(t)
	ctx := context.Background()

	_, err := s.CreateDocument(ctx, dbs.State{dbs.KeyID: "d", "a": 1, "b": 2})
	require.NoError(t, err)
	require.NoError(t, s.UpdateDocument(ctx, "d", dbs.StateDiff{"a": nil, dbs.KeyID: "other"}))

	got, err := s.GetDocument(ctx, "d")
	require.NoError(t, err)
	assert.NotContains(t, got, "a")
	assert.Equal(t, "d", got.ID(), "更新不能改写 id")
}

// TestSession_ChildLookupSeesTransientMoves 验证子节点查询覆盖未提交的改名和删除
func TestSession_ChildLookupSeesTransientMoves(t *testing.T) {
	s, _ := standaloneSession(t)
	ctx := context.Background()

	_, err := s.CreateDocument(ctx, dbs.State{dbs.KeyID: "p"})
	require.NoError(t, err)
	_, err = s.CreateDocument(ctx, dbs.State{dbs.KeyID: "c1", dbs.KeyParentID: "p", dbs.KeyName: "one"})
	require.NoError(t, err)
	_, err = s.CreateDocument(ctx, dbs.State{dbs.KeyID: "c2", dbs.KeyParentID: "p", dbs.KeyName: "two"})
	require.NoError(t, err)

	require.NoError(t, s.Begin(ctx))
	require.NoError(t, s.UpdateDocument(ctx, "c1", dbs.StateDiff{dbs.KeyName: "renamed"}))
	require.NoError(t, s.RemoveDocuments(ctx, "c2"))
	_, err = s.CreateDocument(ctx, dbs.State{dbs.KeyID: "c3", dbs.KeyParentID: "p", dbs.KeyName: "three"})
	require.NoError(t, err)

	ok, err := s.HasChild(ctx, "p", "one")
	require.NoError(t, err)
	assert.False(t, ok, "改名后旧名字不可见")
	ok, err = s.HasChild(ctx, "p", "two")
	require.NoError(t, err)
	assert.False(t, ok, "删除后不可见")

	child, err := s.GetChild(ctx, "p", "renamed")
	require.NoError(t, err)
	assert.Equal(t, "c1", child.ID())
	child, err = s.GetChild(ctx, "p", "three")
	require.NoError(t, err)
	assert.Equal(t, "c3", child.ID())

	_, err = s.GetChild(ctx, "p", "two")
	assert.True(t, dbs.IsNotFound(err))
}

func TestSession_QueryKeyValue(t *testing.T) {
	s, _ := standaloneSession(t)
	ctx := context.Background()

	for _, st := range []dbs.State{
		{dbs.KeyID: "a", "color": "red"},
		{dbs.KeyID: "b", "color": "blue"},
		{dbs.KeyID: "c", "color": "red"},
	} {
		_, err := s.CreateDocument(ctx, st)
		require.NoError(t, err)
	}

	require.NoError(t, s.Begin(ctx))
	require.NoError(t, s.UpdateDocument(ctx, "c", dbs.StateDiff{"color": "green"}))
	require.NoError(t, s.UpdateDocument(ctx, "b", dbs.StateDiff{"color": "red"}))
	_, err := s.CreateDocument(ctx, dbs.State{dbs.KeyID: "d", "color": "red"})
	require.NoError(t, err)

	reds, err := s.QueryKeyValue(ctx, "color", "red")
	require.NoError(t, err)
	ids := make([]string, 0, len(reds))
	for _, st := range reds {
		ids = append(ids, st.ID())
	}
	assert.Equal(t, []string{"a", "b", "d"}, ids)

	ok, err := s.QueryKeyValuePresence(ctx, "color", "green")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.QueryKeyValuePresence(ctx, "color", "purple")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSession_ReturnedStatesAreCopies(t *testing.T) {
	s, _ := standaloneSession(t)
	ctx := context.Background()

	input := dbs.State{dbs.KeyID: "d", "tags": []any{"x"}}
	_, err := s.CreateDocument(ctx, input)
	require.NoError(t, err)
	input["tags"].([]any)[0] = "mutated"

	got, err := s.GetDocument(ctx, "d")
	require.NoError(t, err)
	assert.Equal(t, []any{"x"}, got["tags"])
	got["tags"] = "changed"

	again, err := s.GetDocument(ctx, "d")
	require.NoError(t, err)
	assert.Equal(t, []any{"x"}, again["tags"])
}

func TestSession_CloseDiscardsAndIsIdempotent(t *testing.T) {
	s, backend := standaloneSession(t)
	ctx := context.Background()

	require.NoError(t, s.Begin(ctx))
	_, err := s.CreateDocument(ctx, dbs.State{dbs.KeyID: "pending"})
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	assert.False(t, s.IsLive())
	assert.ErrorIs(t, s.Commit(ctx), dbs.ErrSessionClosed)
	_, err = s.NewID()
	assert.ErrorIs(t, err, dbs.ErrSessionClosed)
	assert.Equal(t, 0, backend.Len())
}

func TestState_Apply(t *testing.T) {
	base := dbs.State{"a": 1, "nested": map[string]any{"k": "v"}}
	next := base.Apply(dbs.StateDiff{"a": nil, "b": 2})

	assert.Equal(t, dbs.State{"b": 2, "nested": map[string]any{"k": "v"}}, next)
	assert.Contains(t, base, "a", "原状态不变")

	next["nested"].(map[string]any)["k"] = "changed"
	assert.Equal(t, "v", base["nested"].(map[string]any)["k"])
}

func TestState_Matches(t *testing.T) {
	st := dbs.State{"n": float64(3), "s": "x", "list": []any{"a", "b"}}
	assert.True(t, st.Matches("n", 3))
	assert.True(t, st.Matches("n", int64(3)))
	assert.False(t, st.Matches("n", 4))
	assert.True(t, st.Matches("s", "x"))
	assert.True(t, st.Matches("list", []any{"a", "b"}))
	assert.False(t, st.Matches("missing", nil))
}

// TestState_MatchesNestedValues 嵌套数值、类型化切片在存储往返前后一致
func TestState_MatchesNestedValues(t *testing.T) {
	type point struct{ x, y int }
	st := dbs.State{
		"acl":    []any{map[string]any{"rank": float64(2), "tags": []any{"a"}}},
		"sizes":  map[string]any{"w": float64(640), "h": float64(480)},
		"owners": []any{"alice", "bob"},
		"empty":  []any{},
		"pt":     point{x: 1, y: 2},
	}
	assert.True(t, st.Matches("acl", []any{map[string]any{"rank": 2, "tags": []string{"a"}}}))
	assert.True(t, st.Matches("sizes", map[string]int{"w": 640, "h": 480}))
	assert.True(t, st.Matches("owners", []string{"alice", "bob"}))
	assert.True(t, st.Matches("empty", []string(nil)))
	assert.False(t, st.Matches("sizes", map[string]any{"w": 640}))

	// 含未导出字段的结构体不应 panic
	assert.NotPanics(t, func() {
		assert.True(t, st.Matches("pt", point{x: 1, y: 2}))
		assert.False(t, st.Matches("pt", point{x: 2, y: 1}))
	})
}
