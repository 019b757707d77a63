package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"ems-bench/internal/energy"
	"ems-bench/internal/trace"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_CountsEvents(t *testing.T) {
	m := New(nil)

	m.TraceSelect(trace.Select{CPU: -1})
	m.TraceSelect(trace.Select{CPU: 3, IdleWinner: true})
	m.TraceSelect(trace.Select{CPU: 2})
	m.TraceMigration(trace.Migration{Outcome: trace.Moved})
	m.TraceMigration(trace.Migration{Outcome: trace.Aborted})
	m.TraceMigration(trace.Migration{Outcome: trace.Aborted})
	m.ScanRan()
	m.ScanDropped()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.placements.WithLabelValues("none")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.placements.WithLabelValues("idle")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.migrations.WithLabelValues("aborted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.scans))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.droppedScans))
}

func TestMetrics_ExportsCapacity(t *testing.T) {
	topo := energy.NewTopology(2, nil)
	m := New(topo)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)

	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `ems_cpu_capacity{cpu="1",mode="normal"} 1024`), body)
	assert.True(t, strings.Contains(body, `ems_cpu_capacity_ratio{cpu="0"} 1024`), body)
}
