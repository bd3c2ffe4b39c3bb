package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCounters(t *testing.T) {
	m := New()
	m.CommandResult("new-change", "OK")
	m.CommandResult("new-change", "OK")
	m.ChangeCreated()
	m.Replication(ReplicationDropped)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.commands.WithLabelValues("new-change", "OK")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.changes))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.replication.WithLabelValues(ReplicationDropped)))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.CommandResult("x", "y")
	m.ChangeCreated()
	m.PatchSetReplaced()
	m.MergedByPush()
	m.Replication(ReplicationPushed)
}

func TestHandler(t *testing.T) {
	m := New()
	m.MergedByPush()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "gitreview_changes_merged_by_push_total 1"))
}
