package txmanager_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/bionicotaku/lingo-dbs/gclog"
	"github.com/bionicotaku/lingo-dbs/txmanager"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestLogging_TransactionLabels 事务相关日志带 tx_id 与 tx_method 标签
func TestLogging_TransactionLabels(t *testing.T) {
	logger, buf, err := gclog.NewTestLogger(gclog.WithService("txmanager-test"), gclog.WithVersion("v1"))
	require.NoError(t, err)
	mgr := newManager(txmanager.WithLogger(logger))

	var txID string
	boom := errors.New("boom")
	err = mgr.WithinTx(context.Background(), txmanager.TxOptions{TraceName: "import"}, func(ctx context.Context) error {
		tx, _ := mgr.Current(ctx)
		txID = tx.ID()
		return boom
	})
	require.ErrorIs(t, err, boom)

	var seen int
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var entry map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &entry))
		labels, _ := entry["logging.googleapis.com/labels"].(map[string]any)
		if labels["tx_id"] == nil {
			continue
		}
		seen++
		assert.Equal(t, txID, labels["tx_id"])
		assert.Equal(t, "import", labels["tx_method"])
	}
	assert.GreaterOrEqual(t, seen, 2, "begin and fn error lines carry the transaction")
}
