package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorderCounts(t *testing.T) {
	r := NewRecorder()
	r.Inbound("cloud", "accepted")
	r.Inbound("cloud", "accepted")
	r.Inbound("cloud", "duplicate")
	r.Transition("area", "has_lawyer")
	r.Send(nil)
	r.Send(errors.New("boom"))
	r.Escalation("armed")
	r.SetPending(3)
	r.VersionConflict()

	assert.Equal(t, 2.0, testutil.ToFloat64(r.inbound.WithLabelValues("cloud", "accepted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.inbound.WithLabelValues("cloud", "duplicate")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.transitions.WithLabelValues("area", "has_lawyer")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.sends.WithLabelValues(ResultOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.sends.WithLabelValues(ResultError)))
	assert.Equal(t, 3.0, testutil.ToFloat64(r.pending))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.conflicts))
}

func TestRecorderHandlerExposesMetrics(t *testing.T) {
	r := NewRecorder()
	r.Escalation("fired")

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	body, _ := io.ReadAll(rec.Body)
	assert.True(t, strings.Contains(string(body), `triagepipe_escalations_total{event="fired"} 1`))
}

func TestNilRecorderIsSafe(t *testing.T) {
	var r *Recorder
	assert.NotPanics(t, func() {
		r.Inbound("x", "y")
		r.Transition("a", "b")
		r.Send(nil)
		r.Escalation("armed")
		r.SetPending(1)
		r.StoreError("get")
		r.LeadUpsert(nil)
		r.Reply("ok")
		r.VersionConflict()
	})
	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 404, rec.Code)
}
