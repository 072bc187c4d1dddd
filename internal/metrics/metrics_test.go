package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCommandMetrics(t *testing.T) {
	t.Run("CommandsSubmitted", func(t *testing.T) {
		before := testutil.ToFloat64(CommandsSubmitted.WithLabelValues("kernel"))
		CommandsSubmitted.WithLabelValues("kernel").Inc()
		CommandsSubmitted.WithLabelValues("kernel").Inc()
		assert.Equal(t, before+2, testutil.ToFloat64(CommandsSubmitted.WithLabelValues("kernel")))
	})

	t.Run("CommandsSettled", func(t *testing.T) {
		before := testutil.ToFloat64(CommandsSettled.WithLabelValues("memcpy", "dropped"))
		CommandsSettled.WithLabelValues("memcpy", "dropped").Inc()
		assert.Equal(t, before+1, testutil.ToFloat64(CommandsSettled.WithLabelValues("memcpy", "dropped")))
	})

	t.Run("CommandDuration", func(t *testing.T) {
		assert.NotPanics(t, func() {
			CommandDuration.WithLabelValues("kernel").Observe(0.002)
		})
	})

	t.Run("StreamsActive", func(t *testing.T) {
		StreamsActive.Set(3)
		assert.Equal(t, float64(3), testutil.ToFloat64(StreamsActive))
	})
}

func TestMemoryAndIPCMetrics(t *testing.T) {
	DeviceMemoryUsedBytes.WithLabelValues("0").Set(2 << 20)
	assert.Equal(t, float64(2<<20), testutil.ToFloat64(DeviceMemoryUsedBytes.WithLabelValues("0")))

	HostPinnedUsedBytes.Set(4096)
	assert.Equal(t, float64(4096), testutil.ToFloat64(HostPinnedUsedBytes))

	IPCExportsActive.Set(1)
	assert.Equal(t, float64(1), testutil.ToFloat64(IPCExportsActive))

	before := testutil.ToFloat64(IPCImports.WithLabelValues("not_authorized"))
	IPCImports.WithLabelValues("not_authorized").Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(IPCImports.WithLabelValues("not_authorized")))
}

func TestMetricsRegistration(t *testing.T) {
	metrics := []prometheus.Collector{
		CommandsSubmitted,
		CommandsSettled,
		CommandDuration,
		StreamsPoisoned,
		StreamsActive,
		DeviceMemoryUsedBytes,
		HostPinnedUsedBytes,
		IPCExportsActive,
		IPCImports,
		Callbacks,
		HTTPResponses,
	}

	for _, metric := range metrics {
		// promauto already registered them; a second registration must collide.
		err := prometheus.Register(metric)
		assert.Error(t, err)
		var already prometheus.AlreadyRegisteredError
		assert.ErrorAs(t, err, &already)
	}
}

func TestMiddleware(t *testing.T) {
	handler := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}), "/teapot")

	before := testutil.ToFloat64(HTTPResponses.WithLabelValues("/teapot", "418"))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/teapot", nil))

	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, before+1, testutil.ToFloat64(HTTPResponses.WithLabelValues("/teapot", "418")))
}

func BenchmarkMetricsObservation(b *testing.B) {
	b.Run("ObserveDuration", func(b *testing.B) {
		h := CommandDuration.WithLabelValues("kernel")
		for i := 0; i < b.N; i++ {
			h.Observe(float64(i%1000) * 1e-6)
		}
	})

	b.Run("IncCounter", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			CommandsSubmitted.WithLabelValues("barrier").Inc()
		}
	})
}
