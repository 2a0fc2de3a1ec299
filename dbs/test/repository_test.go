package dbs_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/bionicotaku/lingo-dbs/dbs"
	"github.com/bionicotaku/lingo-dbs/txmanager"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"golang.org/x/sync/errgroup"
)

// TestSession_SharedHandlesCommitOnce 验证同一事务内多个句柄共享底层会话，且只提交一次
func TestSession_SharedHandlesCommitOnce(t *testing.T) {
	backend := newCountingBackend()
	mgr := newManager()
	repo, registry := newRepository(t, backend, mgr)

	ctx, tx, err := mgr.Begin(context.Background(), txmanager.TxOptions{})
	require.NoError(t, err)

	h1, err := repo.Session(ctx)
	require.NoError(t, err)
	h2, err := repo.Session(ctx)
	require.NoError(t, err)
	assert.False(t, h1.Equal(h2), "不同句柄不相等")
	assert.True(t, h1.Equal(h1))

	id, err := h1.CreateDocument(ctx, dbs.State{dbs.KeyName: "doc", "title": "draft"})
	require.NoError(t, err)

	// H2 能读到 H1 尚未提交的写入
	got, err := h2.GetDocument(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "draft", got["title"])

	// 提交前存储中不可见
	_, err = backend.ReadState(ctx, id)
	assert.True(t, dbs.IsNotFound(err))

	ctxn, ok := registry.Lookup("test", tx.ID())
	require.True(t, ok)
	assert.Equal(t, 2, ctxn.Handles())
	assert.Equal(t, 1, repo.ActiveSessionsCount())

	require.NoError(t, mgr.Commit(ctx))

	assert.Equal(t, int32(1), backend.applies.Load(), "底层会话只提交一次")
	assert.False(t, h1.IsLive())
	assert.False(t, h2.IsLive())
	assert.Equal(t, 0, repo.ActiveSessionsCount())
	assert.True(t, ctxn.Completed())

	stored, err := backend.ReadState(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "draft", stored["title"])
}

// TestSession_HandlesClosedIndependently 验证每个句柄独立关闭也不会提前提交
func TestSession_HandlesClosedIndependently(t *testing.T) {
	backend := newCountingBackend()
	mgr := newManager()
	repo, _ := newRepository(t, backend, mgr)

	ctx, _, err := mgr.Begin(context.Background(), txmanager.TxOptions{})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		s, err := repo.Session(ctx)
		require.NoError(t, err)
		_, err = s.CreateDocument(ctx, dbs.State{dbs.KeyName: fmt.Sprintf("doc-%d", i)})
		require.NoError(t, err)
		require.NoError(t, s.Close())
	}
	assert.Equal(t, int32(0), backend.applies.Load(), "关闭句柄不触发提交")

	require.NoError(t, mgr.Commit(ctx))
	assert.Equal(t, int32(1), backend.applies.Load())
	assert.Equal(t, 5, backend.Len())
}

// TestHandle_UnusableAfterCompletion 验证事务结束后句柄失效
func TestHandle_UnusableAfterCompletion(t *testing.T) {
	mgr := newManager()
	repo, _ := newRepository(t, newCountingBackend(), mgr)

	ctx, _, err := mgr.Begin(context.Background(), txmanager.TxOptions{})
	require.NoError(t, err)
	h, err := repo.Session(ctx)
	require.NoError(t, err)
	require.NoError(t, mgr.Rollback(ctx))

	assert.False(t, h.IsLive())
	assert.Equal(t, "test", h.Repository(), "身份查询不受关闭影响")

	_, err = h.GetDocument(ctx, "x")
	assert.ErrorIs(t, err, dbs.ErrClosedHandle)
	_, err = h.CreateDocument(ctx, dbs.State{})
	assert.ErrorIs(t, err, dbs.ErrClosedHandle)
	assert.ErrorIs(t, h.UpdateDocument(ctx, "x", dbs.StateDiff{"a": 1}), dbs.ErrClosedHandle)
	assert.ErrorIs(t, h.RemoveDocuments(ctx, "x"), dbs.ErrClosedHandle)
	_, err = h.QueryKeyValue(ctx, "a", 1)
	assert.ErrorIs(t, err, dbs.ErrClosedHandle)
	_, err = h.HasChild(ctx, "p", "n")
	assert.ErrorIs(t, err, dbs.ErrClosedHandle)
	_, err = h.NewID()
	assert.ErrorIs(t, err, dbs.ErrClosedHandle)
	assert.ErrorIs(t, h.Commit(ctx), dbs.ErrClosedHandle)
	assert.NoError(t, h.Close(), "关闭已失效句柄不报错")
}

// TestHandle_DoubleCloseIsolated 验证重复关闭幂等且不影响同事务其他句柄
func TestHandle_DoubleCloseIsolated(t *testing.T) {
	mgr := newManager()
	repo, registry := newRepository(t, newCountingBackend(), mgr)

	ctx, tx, err := mgr.Begin(context.Background(), txmanager.TxOptions{})
	require.NoError(t, err)
	h1, err := repo.Session(ctx)
	require.NoError(t, err)
	h2, err := repo.Session(ctx)
	require.NoError(t, err)

	require.NoError(t, h1.Close())
	require.NoError(t, h1.Close())

	txc, ok := registry.Lookup("test", tx.ID())
	require.True(t, ok)
	assert.Equal(t, 1, txc.Handles())
	assert.False(t, h1.IsLive())
	assert.True(t, h2.IsLive())

	id, err := h2.CreateDocument(ctx, dbs.State{dbs.KeyName: "still-works"})
	require.NoError(t, err)
	_, err = h2.GetDocument(ctx, id)
	assert.NoError(t, err)

	require.NoError(t, mgr.Rollback(ctx))
}

// TestHandle_TransactionBoundaryManaged 验证句柄不能自行控制事务边界
func TestHandle_TransactionBoundaryManaged(t *testing.T) {
	backend := newCountingBackend()
	mgr := newManager()
	repo, _ := newRepository(t, backend, mgr)

	ctx, _, err := mgr.Begin(context.Background(), txmanager.TxOptions{})
	require.NoError(t, err)
	h, err := repo.Session(ctx)
	require.NoError(t, err)

	_, err = h.CreateDocument(ctx, dbs.State{dbs.KeyName: "doc"})
	require.NoError(t, err)
	assert.ErrorIs(t, h.Begin(ctx), dbs.ErrManagedTransaction)
	assert.ErrorIs(t, h.Commit(ctx), dbs.ErrManagedTransaction)
	assert.ErrorIs(t, h.Rollback(ctx), dbs.ErrManagedTransaction)
	assert.Equal(t, int32(0), backend.applies.Load())

	require.NoError(t, mgr.Commit(ctx))
	assert.Equal(t, int32(1), backend.applies.Load())
}

// TestSession_StandaloneWithoutTransaction 验证无事务时返回调用方自管的独立会话
func TestSession_StandaloneWithoutTransaction(t *testing.T) {
	backend := newCountingBackend()
	mgr := newManager()
	repo, registry := newRepository(t, backend, mgr)
	ctx := context.Background()

	s, err := repo.Session(ctx)
	require.NoError(t, err)
	other, err := repo.Session(ctx)
	require.NoError(t, err)
	assert.False(t, s.Equal(other), "每次获取新的独立会话")

	require.NoError(t, s.Begin(ctx))
	_, err = s.CreateDocument(ctx, dbs.State{dbs.KeyName: "a"})
	require.NoError(t, err)
	assert.Equal(t, 0, registry.Len(), "独立会话不进入注册表")
	require.NoError(t, s.Commit(ctx))
	require.NoError(t, s.Close())

	assert.Equal(t, int32(1), backend.applies.Load())
	assert.Equal(t, 0, registry.Len())
	assert.False(t, s.IsLive())
	_, err = s.GetDocument(ctx, "a")
	assert.ErrorIs(t, err, dbs.ErrSessionClosed)
}

// TestSession_CommitScenario 对应场景：两个句柄，H1 写 H2 读，提交后两者失效
func TestSession_CommitScenario(t *testing.T) {
	backend := newCountingBackend()
	mgr := newManager()
	repo, _ := newRepository(t, backend, mgr)

	err := mgr.WithinTx(context.Background(), txmanager.TxOptions{}, func(ctx context.Context) error {
		h1, err := repo.Session(ctx)
		if err != nil {
			return err
		}
		h2, err := repo.Session(ctx)
		if err != nil {
			return err
		}
		if _, err := h1.CreateDocument(ctx, dbs.State{dbs.KeyID: "doc-1", "v": 1}); err != nil {
			return err
		}
		got, err := h2.GetDocument(ctx, "doc-1")
		if err != nil {
			return err
		}
		assert.True(t, got.Matches("v", 1))
		t.Cleanup(func() {
			assert.False(t, h1.IsLive())
			assert.False(t, h2.IsLive())
		})
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int32(1), backend.applies.Load())
}

// TestSession_RollbackAfterEarlyClose 对应场景：提前关闭句柄后回滚，仍会回滚且清理注册表
func TestSession_RollbackAfterEarlyClose(t *testing.T) {
	backend := newCountingBackend()
	mgr := newManager()
	repo, registry := newRepository(t, backend, mgr)

	ctx, tx, err := mgr.Begin(context.Background(), txmanager.TxOptions{})
	require.NoError(t, err)
	h1, err := repo.Session(ctx)
	require.NoError(t, err)
	id, err := h1.CreateDocument(ctx, dbs.State{dbs.KeyName: "doomed"})
	require.NoError(t, err)
	require.NoError(t, h1.Close())

	txc, ok := registry.Lookup("test", tx.ID())
	require.True(t, ok)

	require.NoError(t, mgr.Rollback(ctx))

	assert.True(t, txc.Completed())
	_, ok = registry.Lookup("test", tx.ID())
	assert.False(t, ok, "回滚后注册表不再包含该事务")
	assert.Equal(t, int32(0), backend.applies.Load())
	_, err = backend.ReadState(context.Background(), id)
	assert.True(t, dbs.IsNotFound(err))
}

// TestSession_ConcurrentTransactions 验证并发事务各自拥有独立上下文
func TestSession_ConcurrentTransactions(t *testing.T) {
	backend := newCountingBackend()
	mgr := newManager()
	repo, registry := newRepository(t, backend, mgr)

	ctx1, tx1, err := mgr.Begin(context.Background(), txmanager.TxOptions{})
	require.NoError(t, err)
	ctx2, tx2, err := mgr.Begin(context.Background(), txmanager.TxOptions{})
	require.NoError(t, err)

	handles := make([]dbs.Session, 2)
	var g errgroup.Group
	for i, ctx := range []context.Context{ctx1, ctx2} {
		g.Go(func() error {
			s, err := repo.Session(ctx)
			if err != nil {
				return err
			}
			handles[i] = s
			_, err = s.CreateDocument(ctx, dbs.State{dbs.KeyID: fmt.Sprintf("doc-%d", i)})
			return err
		})
	}
	require.NoError(t, g.Wait())

	c1, ok := registry.Lookup("test", tx1.ID())
	require.True(t, ok)
	c2, ok := registry.Lookup("test", tx2.ID())
	require.True(t, ok)
	assert.NotSame(t, c1, c2)
	assert.Equal(t, 2, repo.ActiveSessionsCount())

	// T2 看不到 T1 的未提交写入
	_, err = handles[1].GetDocument(ctx2, "doc-0")
	assert.True(t, dbs.IsNotFound(err))

	require.NoError(t, mgr.Commit(ctx1))
	assert.False(t, handles[0].IsLive())
	assert.True(t, handles[1].IsLive(), "完成 T1 不影响 T2 的句柄")

	got, err := handles[1].GetDocument(ctx2, "doc-0")
	require.NoError(t, err, "T1 提交后 T2 可读到")
	assert.Equal(t, "doc-0", got.ID())

	require.NoError(t, mgr.Commit(ctx2))
	assert.Equal(t, int32(2), backend.applies.Load())
	assert.Equal(t, 0, registry.Len())
}

// TestSession_ConcurrentFirstAcquisition 验证同一事务并发首次获取只创建一个上下文
func TestSession_ConcurrentFirstAcquisition(t *testing.T) {
	backend := newCountingBackend()
	mgr := newManager()
	repo, registry := newRepository(t, backend, mgr)

	ctx, tx, err := mgr.Begin(context.Background(), txmanager.TxOptions{})
	require.NoError(t, err)

	const workers = 16
	var g errgroup.Group
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			s, err := repo.Session(ctx)
			if err != nil {
				return err
			}
			_, err = s.CreateDocument(ctx, dbs.State{dbs.KeyID: fmt.Sprintf("w-%02d", i)})
			return err
		})
	}
	require.NoError(t, g.Wait())

	txc, ok := registry.Lookup("test", tx.ID())
	require.True(t, ok)
	assert.Equal(t, workers, txc.Handles())
	assert.Equal(t, 1, registry.Len())

	require.NoError(t, mgr.Commit(ctx))
	assert.Equal(t, int32(1), backend.applies.Load())
	assert.Equal(t, workers, backend.Len())
}

// TestSession_LookupFailureFallsBack 验证事务查询失败时降级为独立会话
func TestSession_LookupFailureFallsBack(t *testing.T) {
	backend := newCountingBackend()
	lookup := &fakeLookup{err: errLookup}
	repo, registry := newRepository(t, backend, lookup)
	ctx := context.Background()

	s, err := repo.Session(ctx)
	require.NoError(t, err, "查询失败不应返回错误")
	assert.Equal(t, 0, registry.Len())

	_, err = s.CreateDocument(ctx, dbs.State{dbs.KeyName: "direct"})
	require.NoError(t, err)
	assert.Equal(t, int32(1), backend.applies.Load(), "独立会话自动提交")
	require.NoError(t, s.Close())
}

// TestSession_StatusFailureFallsBack 验证事务状态查询失败时同样降级
func TestSession_StatusFailureFallsBack(t *testing.T) {
	tx := &fakeTx{id: "tx-1", statusErr: errLookup}
	repo, registry := newRepository(t, newCountingBackend(), &fakeLookup{tx: tx})

	s, err := repo.Session(context.Background())
	require.NoError(t, err)
	assert.True(t, s.IsLive())
	assert.Equal(t, 0, registry.Len())
	assert.Empty(t, tx.syncs)
}

// TestSession_InactiveTransactionIsStandalone 验证非 active 事务不共享会话
func TestSession_InactiveTransactionIsStandalone(t *testing.T) {
	tx := &fakeTx{id: "tx-1", status: txmanager.StatusMarkedRollback}
	repo, registry := newRepository(t, newCountingBackend(), &fakeLookup{tx: tx})

	s, err := repo.Session(context.Background())
	require.NoError(t, err)
	require.NoError(t, s.Begin(context.Background()), "独立会话可自行开启事务")
	assert.Equal(t, 0, registry.Len())
}

// TestSession_RegistrationFailure 验证注册完成回调失败时报错且不留残留
func TestSession_RegistrationFailure(t *testing.T) {
	registerErr := errors.New("synchronization list frozen")
	tx := &fakeTx{id: "tx-1", status: txmanager.StatusActive, registerErr: registerErr}
	repo, registry := newRepository(t, newCountingBackend(), &fakeLookup{tx: tx})

	s, err := repo.Session(context.Background())
	assert.Nil(t, s)
	require.Error(t, err)
	assert.ErrorIs(t, err, dbs.ErrRegistration)
	assert.ErrorIs(t, err, registerErr)
	assert.Equal(t, 0, registry.Len())
}

// TestCompletion_OtherStatusStillCleansUp 验证异常完成状态仍然清理资源
func TestCompletion_OtherStatusStillCleansUp(t *testing.T) {
	backend := newCountingBackend()
	tx := &fakeTx{id: "tx-1", status: txmanager.StatusActive}
	repo, registry := newRepository(t, backend, &fakeLookup{tx: tx})
	ctx := context.Background()

	h, err := repo.Session(ctx)
	require.NoError(t, err)
	_, err = h.CreateDocument(ctx, dbs.State{dbs.KeyName: "lost"})
	require.NoError(t, err)

	tx.complete(ctx, txmanager.StatusUnknown)

	assert.False(t, h.IsLive())
	assert.Equal(t, 0, registry.Len())
	assert.Equal(t, int32(0), backend.applies.Load(), "未知状态既不提交也不回滚到存储")

	// 第二次完成回调被忽略
	tx.complete(ctx, txmanager.StatusCommitted)
	assert.Equal(t, int32(0), backend.applies.Load())
}

// TestSession_HandleAfterCompletionIsRefused 验证完成后的上下文不再发放句柄
func TestSession_HandleAfterCompletionIsRefused(t *testing.T) {
	tx := &fakeTx{id: "tx-1", status: txmanager.StatusActive}
	repo, registry := newRepository(t, newCountingBackend(), &fakeLookup{tx: tx})
	ctx := context.Background()

	_, err := repo.Session(ctx)
	require.NoError(t, err)
	tx.complete(ctx, txmanager.StatusCommitted)
	assert.Equal(t, 0, registry.Len())

	// 事务标识被复用时视为新事务
	h, err := repo.Session(ctx)
	require.NoError(t, err)
	assert.True(t, h.IsLive())
	assert.Equal(t, 1, registry.Len())
}

func TestRepository_InitRoot(t *testing.T) {
	backend := newCountingBackend()
	repo, _ := newRepository(t, backend, nil)
	ctx := context.Background()

	require.NoError(t, repo.InitRoot(ctx))
	require.NoError(t, repo.InitRoot(ctx), "重复初始化是幂等的")

	root, err := backend.ReadState(ctx, dbs.DefaultRootID)
	require.NoError(t, err)
	assert.Equal(t, dbs.RootType, root[dbs.KeyPrimaryType])
	assert.Equal(t, dbs.DefaultRootID, repo.RootID())
	assert.Equal(t, int32(1), backend.applies.Load())
}

func TestRepository_InitRootInsideTransaction(t *testing.T) {
	backend := newCountingBackend()
	mgr := newManager()
	repo, _ := newRepository(t, backend, mgr)

	ctx, _, err := mgr.Begin(context.Background(), txmanager.TxOptions{})
	require.NoError(t, err)
	require.NoError(t, repo.InitRoot(ctx))
	assert.Equal(t, 0, backend.Len(), "事务提交前根节点不可见")

	require.NoError(t, mgr.Commit(ctx))
	assert.Equal(t, 1, backend.Len())
}

func TestRepository_Close(t *testing.T) {
	repo, _ := newRepository(t, newCountingBackend(), nil)
	require.NoError(t, repo.Close(context.Background()))
	require.NoError(t, repo.Close(context.Background()))

	_, err := repo.Session(context.Background())
	assert.ErrorIs(t, err, dbs.ErrRepositoryClosed)
}

func TestNewRepository_Validation(t *testing.T) {
	_, err := dbs.NewRepository(dbs.Config{}, nil, nil, dbs.NewRegistry())
	assert.Error(t, err)
	_, err = dbs.NewRepository(dbs.Config{}, newCountingBackend(), nil, nil)
	assert.Error(t, err)

	repo, err := dbs.NewRepository(dbs.Config{}, newCountingBackend(), nil, dbs.NewRegistry(), dbs.WithMetricsEnabled(false))
	require.NoError(t, err)
	assert.Equal(t, "default", repo.Name())
}

func TestRegistry_SharedAcrossRepositories(t *testing.T) {
	mgr := newManager()
	registry := dbs.NewRegistry()
	opts := dbs.WithMetricsEnabled(false)
	a, err := dbs.NewRepository(dbs.Config{Name: "a"}, newCountingBackend(), mgr, registry, opts)
	require.NoError(t, err)
	b, err := dbs.NewRepository(dbs.Config{Name: "b"}, newCountingBackend(), mgr, registry, opts)
	require.NoError(t, err)

	ctx, tx, err := mgr.Begin(context.Background(), txmanager.TxOptions{})
	require.NoError(t, err)
	sa, err := a.Session(ctx)
	require.NoError(t, err)
	sb, err := b.Session(ctx)
	require.NoError(t, err)

	assert.Equal(t, 2, registry.Len())
	assert.Equal(t, 1, a.ActiveSessionsCount())
	assert.Equal(t, "a", sa.Repository())
	assert.Equal(t, "b", sb.Repository())
	_, ok := registry.Lookup("b", tx.ID())
	assert.True(t, ok)

	require.NoError(t, mgr.Commit(ctx))
	assert.Equal(t, 0, registry.Len())
}

func TestRepository_Metrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	mgr := newManager()
	registry := dbs.NewRegistry()
	repo, err := dbs.NewRepository(dbs.Config{Name: "metered"}, newCountingBackend(), mgr, registry,
		dbs.WithMeter(provider.Meter("dbs-test")))
	require.NoError(t, err)

	_, err = repo.Session(context.Background())
	require.NoError(t, err)
	ctx, _, err := mgr.Begin(context.Background(), txmanager.TxOptions{})
	require.NoError(t, err)
	_, err = repo.Session(ctx)
	require.NoError(t, err)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	assert.Equal(t, int64(1), gaugeValue(t, rm, "dbs.tx_context.active"))

	require.NoError(t, mgr.Commit(ctx))

	rm = metricdata.ResourceMetrics{}
	require.NoError(t, reader.Collect(context.Background(), &rm))
	assert.Equal(t, int64(2), sumValue(t, rm, "dbs.session.acquired"))
	assert.Equal(t, int64(1), sumValue(t, rm, "dbs.tx_context.completed"))
	assert.Equal(t, int64(1), sumValue(t, rm, "dbs.handle.forced_closes"))
	assert.Equal(t, int64(0), gaugeValue(t, rm, "dbs.tx_context.active"))
}

func findMetric(t *testing.T, rm metricdata.ResourceMetrics, name string) metricdata.Metrics {
	t.Helper()
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				return m
			}
		}
	}
	t.Fatalf("metric %s not found", name)
	return metricdata.Metrics{}
}

func sumValue(t *testing.T, rm metricdata.ResourceMetrics, name string) int64 {
	t.Helper()
	sum, ok := findMetric(t, rm, name).Data.(metricdata.Sum[int64])
	require.True(t, ok, "metric %s is not an int64 sum", name)
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}

func gaugeValue(t *testing.T, rm metricdata.ResourceMetrics, name string) int64 {
	t.Helper()
	gauge, ok := findMetric(t, rm, name).Data.(metricdata.Gauge[int64])
	require.True(t, ok, "metric %s is not an int64 gauge", name)
	require.NotEmpty(t, gauge.DataPoints)
	return gauge.DataPoints[0].Value
}
