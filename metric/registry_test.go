package metric

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CiaranWoodward/commbridge/errors"
)

func TestRegisterAndDuplicate(t *testing.T) {
	r := NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Namespace: Namespace, Name: "test_total", Help: "test"})
	require.NoError(t, r.Register("svc", "test", c))

	err := r.Register("svc", "test", c)
	assert.True(t, errors.IsInvalid(err))

	c.Add(3)
	assert.Equal(t, 3.0, testutil.ToFloat64(c))

	assert.True(t, r.Unregister("svc", "test"))
	assert.False(t, r.Unregister("svc", "test"))
}

func TestHandlerExposesMetrics(t *testing.T) {
	r := NewRegistry()
	g := prometheus.NewGauge(prometheus.GaugeOpts{Namespace: Namespace, Name: "things", Help: "things"})
	require.NoError(t, r.Register("svc", "things", g))
	g.Set(7)

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "commbridge_things 7"))
}

func TestRegisterAllLogsFailures(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))
	r := NewRegistry()

	a := prometheus.NewCounter(prometheus.CounterOpts{Namespace: Namespace, Name: "a_total", Help: "a"})
	b := prometheus.NewCounter(prometheus.CounterOpts{Namespace: Namespace, Name: "b_total", Help: "b"})
	require.NoError(t, r.RegisterAll(logger, "svc", Named{"a", a}, Named{"b", b}))
	assert.Empty(t, logs.String())

	c := prometheus.NewCounter(prometheus.CounterOpts{Namespace: Namespace, Name: "c_total", Help: "c"})
	err := r.RegisterAll(logger, "svc", Named{"a", a}, Named{"c", c})
	assert.True(t, errors.IsInvalid(err))
	assert.Contains(t, logs.String(), "Metric not exported")
	assert.Contains(t, logs.String(), "metric=a")
	assert.NotContains(t, logs.String(), "metric=c")

	assert.Equal(t, 3, r.UnregisterService("svc"))
	assert.Zero(t, r.UnregisterService("svc"))
	require.NoError(t, r.RegisterAll(logger, "svc", Named{"a", a}))
}
