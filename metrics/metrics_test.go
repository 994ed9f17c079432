package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics(t *testing.T) {
	t.Run("counters and gauge move", func(t *testing.T) {
		reg := prometheus.NewRegistry()
		m, err := New(reg)
		require.NoError(t, err)

		m.SessionOpened()
		m.SessionOpened()
		m.SessionClosed()
		m.Login(LoginOK)
		m.Login(LoginDenied)
		m.Reaped()
		m.DispatchError("call")

		assert.Equal(t, 1.0, testutil.ToFloat64(m.sessionsOpen))
		assert.Equal(t, 1.0, testutil.ToFloat64(m.logins.WithLabelValues(LoginDenied)))
		assert.Equal(t, 1.0, testutil.ToFloat64(m.reaped))
		assert.Equal(t, 1.0, testutil.ToFloat64(m.dispatchErrors.WithLabelValues("call")))
	})

	t.Run("registering twice reuses collectors", func(t *testing.T) {
		reg := prometheus.NewRegistry()
		a, err := New(reg)
		require.NoError(t, err)
		b, err := New(reg)
		require.NoError(t, err)

		a.Reaped()
		assert.Equal(t, 1.0, testutil.ToFloat64(b.reaped))
	})

	t.Run("nil metrics record nothing", func(t *testing.T) {
		var m *Metrics
		assert.NotPanics(t, func() {
			m.SessionOpened()
			m.SessionClosed()
			m.Login(LoginFailed)
			m.Reaped()
			m.DispatchError("x")
		})
	})

	t.Run("handler serves the registry", func(t *testing.T) {
		reg := prometheus.NewRegistry()
		m, err := New(reg)
		require.NoError(t, err)
		m.SessionOpened()

		rec := httptest.NewRecorder()
		Handler(reg).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
		assert.True(t, strings.Contains(rec.Body.String(), "remotedb_sessions_open 1"))
	})
}
