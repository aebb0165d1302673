package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"e2ee-sessions/internal/observability/metrics"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
)

func TestRequestAndTraceIDs(t *testing.T) {
	var gotReq, gotTrace string
	h := WithRequestAndTrace(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotReq = RequestIDFromContext(r.Context())
		gotTrace = TraceIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "req-1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if gotReq != "req-1" || rec.Header().Get("X-Request-ID") != "req-1" {
		t.Fatalf("request id = %q, header = %q", gotReq, rec.Header().Get("X-Request-ID"))
	}
	if gotTrace == "" || rec.Header().Get("X-Trace-ID") != gotTrace {
		t.Fatalf("trace id = %q, header = %q", gotTrace, rec.Header().Get("X-Trace-ID"))
	}
}

func TestWithMetricsUsesRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(WithMetrics)
	r.Get("/v1/mappings/lid/{pn}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	reg := prometheus.NewRegistry()
	reg.MustRegister(metrics.HTTPRequestsTotal)
	count := func() float64 {
		families, err := reg.Gather()
		if err != nil {
			t.Fatalf("gather: %v", err)
		}
		for _, mf := range families {
			for _, m := range mf.GetMetric() {
				labels := map[string]string{}
				for _, lp := range m.GetLabel() {
					labels[lp.GetName()] = lp.GetValue()
				}
				if labels["path"] == "/v1/mappings/lid/{pn}" && labels["status"] == "404" {
					return m.GetCounter().GetValue()
				}
			}
		}
		return 0
	}

	before := count()
	for _, pn := range []string{"5511900000001", "5511900000002"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/mappings/lid/"+pn, nil))
	}
	if got := count() - before; got != 2 {
		t.Fatalf("counter delta = %v, want 2", got)
	}
}
