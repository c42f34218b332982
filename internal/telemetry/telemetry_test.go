package telemetry

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestMiddlewareRecordsRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/state/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "418"))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/state/1", nil))

	require.Equal(t, http.StatusTeapot, rec.Code)
	require.Equal(t, before+1, testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "418")))
	require.Equal(t, 1, testutil.CollectAndCount(httpRequestDurationSeconds, "chunkwatch_http_request_duration_seconds"))
}

func TestObserveSnapshotSave(t *testing.T) {
	ObserveSnapshotSave("file", nil)
	ObserveSnapshotSave("file", errors.New("disk full"))
	require.GreaterOrEqual(t, testutil.ToFloat64(snapshotSavesTotal.WithLabelValues("file", "success")), 1.0)
	require.GreaterOrEqual(t, testutil.ToFloat64(snapshotSavesTotal.WithLabelValues("file", "error")), 1.0)
}

func TestObserveRateLimitDelay(t *testing.T) {
	ObserveRateLimitDelay("10.0.0.1", 20*time.Millisecond)
	require.GreaterOrEqual(t, testutil.CollectAndCount(rateLimitDelaySeconds), 1)
}

func TestInitTracerProvider(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp, err := InitTracerProvider(context.Background(), "chunkwatch-test", sdktrace.WithSyncer(exporter))
	require.NoError(t, err)
	defer func() { require.NoError(t, tp.Shutdown(context.Background())) }()

	_, span := otel.Tracer("test").Start(context.Background(), "cycle")
	span.End()
	require.Len(t, exporter.GetSpans(), 1)
	require.Equal(t, "cycle", exporter.GetSpans()[0].Name)
}
