package db

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolStatsCollector_Describe(t *testing.T) {
	collector := NewPoolStatsCollector(nil, "meetpipe", "worker")

	ch := make(chan *prometheus.Desc, 10)
	collector.Describe(ch)
	close(ch)

	var names []string
	for desc := range ch {
		s := desc.String()
		assert.Contains(t, s, `component="worker"`)
		names = append(names, s)
	}
	require.Len(t, names, 4)
	for i, want := range []string{"total_conns", "idle_conns", "acquired_conns", "max_conns"} {
		assert.True(t, strings.Contains(names[i], "meetpipe_db_pool_"+want), names[i])
	}
}

func TestPoolStatsCollector_Collect_NilPool(t *testing.T) {
	collector := NewPoolStatsCollector(nil, "meetpipe", "worker")

	ch := make(chan prometheus.Metric, 10)
	collector.Collect(ch)
	close(ch)

	assert.Empty(t, ch)
}

func TestRegisterPoolStatsCollector_Twice(t *testing.T) {
	reg := prometheus.NewRegistry()

	_, err := RegisterPoolStatsCollector(reg, nil, "meetpipe", "worker")
	require.NoError(t, err)

	_, err = RegisterPoolStatsCollector(reg, nil, "meetpipe", "worker")
	require.NoError(t, err)

	_, err = reg.Gather()
	require.NoError(t, err)
}

func TestPoolStatsCollector_Lint(t *testing.T) {
	problems, err := testutil.CollectAndLint(NewPoolStatsCollector(nil, "meetpipe", "cli"))
	require.NoError(t, err)
	assert.Empty(t, problems)
}
