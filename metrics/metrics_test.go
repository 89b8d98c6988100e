package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordIngest(t *testing.T) {
	m := New("meshpit")

	m.RecordIngest(SourceGossip, false, nil, time.Millisecond)
	m.RecordIngest(SourceGossip, true, nil, time.Millisecond)
	m.RecordIngest(SourceGossip, false, errors.New("bad"), time.Millisecond)
	m.RecordIngest(SourceSync, false, nil, time.Millisecond)
	m.RecordRejected(SourceGossip)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Ingested.WithLabelValues(SourceGossip)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Ingested.WithLabelValues(SourceSync)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Duplicates.WithLabelValues(SourceGossip)))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Rejected.WithLabelValues(SourceGossip)))
}

func TestNilMetricsAreNoops(t *testing.T) {
	var m *Metrics
	m.RecordIngest(SourceLocal, false, nil, 0)
	m.RecordRejected(SourceLocal)
	m.RecordSocketError("read")
	m.SetKnownAuthors(3)
	m.DatagramReceived()
	m.OperationCreated()
	m.PayloadForwarded()
	m.BroadcastSent()
}

func TestSeparateRegistries(t *testing.T) {
	a, b := New("meshpit"), New("meshpit")
	a.DatagramReceived()

	assert.Equal(t, 1.0, testutil.ToFloat64(a.DatagramsReceived))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.DatagramsReceived))
}

func TestHandler(t *testing.T) {
	m := New("meshpit")
	m.BroadcastSent()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "meshpit_broadcasts_sent_total 1"))
}
