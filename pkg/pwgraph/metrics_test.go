package pwgraph

import (
	"io"
	"net/http"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestMetricsSnapshot(t *testing.T) {
	m := newGraphMetrics(zaptest.NewLogger(t).Sugar())

	m.set(graphSnapshot{
		nodes:             4,
		devices:           1,
		links:             6,
		linkGroups:        3,
		metadata:          2,
		initialized:       true,
		peak:              0.5,
		hasDefaultSink:    true,
		defaultSinkVolume: 0.75,
		defaultSinkMuted:  true,
	})

	assert.Equal(t, 4.0, testutil.ToFloat64(m.objects.WithLabelValues("node")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.objects.WithLabelValues("link_group")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.initialized))
	assert.Equal(t, 0.5, testutil.ToFloat64(m.peak))
	assert.Equal(t, 0.75, testutil.ToFloat64(m.defaultSinkVolume))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.defaultSinkMuted))

	m.set(graphSnapshot{nodes: 4})
	assert.Zero(t, testutil.ToFloat64(m.defaultSinkVolume), "no default sink")
	assert.Zero(t, testutil.ToFloat64(m.initialized))
}

func TestMetricsEndpoint(t *testing.T) {
	m := newGraphMetrics(zaptest.NewLogger(t).Sugar())
	m.set(graphSnapshot{nodes: 2})

	require.NoError(t, m.serve("127.0.0.1:0"))
	t.Cleanup(m.stop)

	resp, err := http.Get("http://" + m.address() + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `pwgraph_objects{kind="node"} 2`)
}

func TestMetricsListenFailure(t *testing.T) {
	m := newGraphMetrics(zaptest.NewLogger(t).Sugar())

	assert.Error(t, m.serve("256.0.0.1:0"))
	assert.Empty(t, m.address())
	m.stop()
}
