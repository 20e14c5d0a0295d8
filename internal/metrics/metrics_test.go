package metrics_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/bourse/settlement-engine/internal/metrics"
)

func TestMiddleware_LabelsByRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(metrics.Middleware)
	r.Get("/companies/{companyID}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	counter := metrics.HTTPRequestsTotal.WithLabelValues("GET", "/companies/{companyID}", "418")
	before := testutil.ToFloat64(counter)

	for _, id := range []string{"a", "b", "c"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/companies/"+id, nil))
	}
	assert.Equal(t, before+3, testutil.ToFloat64(counter))
}

func TestObserveSettlement(t *testing.T) {
	counter := metrics.SettlementsTotal.WithLabelValues("buy", "insufficient_funds")
	before := testutil.ToFloat64(counter)

	metrics.ObserveSettlement("buy", "insufficient_funds", time.Now())
	assert.Equal(t, before+1, testutil.ToFloat64(counter))
}
