package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewInstancesAreIndependent(t *testing.T) {
	a := New()
	b := New()

	a.MessagesRouted.WithLabelValues("true").Inc()
	a.UsersOnline.Set(2)

	assert.Equal(t, 1.0, testutil.ToFloat64(a.MessagesRouted.WithLabelValues("true")))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.MessagesRouted.WithLabelValues("true")))
	assert.Equal(t, 2.0, testutil.ToFloat64(a.UsersOnline))
}

func TestHandlerExposesRelayMetrics(t *testing.T) {
	m := New()
	m.AuthFailures.WithLabelValues("invalid_credentials").Inc()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody))

	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `relay_auth_failures_total{reason="invalid_credentials"} 1`)
	assert.Contains(t, string(body), "relay_connections 0")
}
