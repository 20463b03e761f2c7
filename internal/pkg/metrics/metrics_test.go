package metrics

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordStoreOperation(t *testing.T) {
	before := testutil.ToFloat64(StoreOperations.WithLabelValues("insert", "ok"))

	RecordStoreOperation("file", "insert", "ok", 3*time.Millisecond)

	after := testutil.ToFloat64(StoreOperations.WithLabelValues("insert", "ok"))
	assert.Equal(t, before+1, after)
}

func TestRecordPartitionSize(t *testing.T) {
	RecordPartitionSize("pending", 4)
	assert.Equal(t, float64(4), testutil.ToFloat64(PartitionIncidents.WithLabelValues("pending")))
}

func TestWriteTextfile(t *testing.T) {
	RecordPartitionSize("resolved", 2)
	path := filepath.Join(t.TempDir(), "incidentdesk.prom")

	require.NoError(t, WriteTextfile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `incidentdesk_store_partition_incidents{partition="resolved"} 2`)
}
