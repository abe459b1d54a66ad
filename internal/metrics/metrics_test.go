package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNewRegistersCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.BackupRunsTotal.WithLabelValues("success").Inc()
	m.BackupBytesTotal.Add(1024)
	m.RetentionDeletedTotal.WithLabelValues("orphan_purge").Inc()
	m.SchedulerNextRunSeconds.Set(1753833600)

	assert.Equal(t, float64(1024), testutil.ToFloat64(m.BackupBytesTotal))
	assert.Equal(t, float64(1753833600), testutil.ToFloat64(m.SchedulerNextRunSeconds))
	assert.Equal(t, 1, testutil.CollectAndCount(m.BackupRunsTotal))
	assert.Equal(t, 1, testutil.CollectAndCount(m.RetentionDeletedTotal))
}

func TestNewPanicsOnDoubleRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)
	assert.Panics(t, func() { New(reg) })
}
