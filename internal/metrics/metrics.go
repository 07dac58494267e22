package metrics

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type ctxKey string

const routeLabelKey ctxKey = "metrics_route"

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "leadflow_http_requests_total",
		Help: "Total number of HTTP requests processed.",
	}, []string{"method", "route"})

	httpErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "leadflow_http_errors_total",
		Help: "Total number of HTTP requests resulting in server errors.",
	}, []string{"method", "route", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "leadflow_http_request_duration_seconds",
		Help:    "Histogram of latencies for HTTP requests.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route", "status"})

	dbLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "leadflow_db_latency_seconds",
		Help:    "Histogram of database operation latencies.",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation", "route"})

	crmLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "leadflow_crm_request_duration_seconds",
		Help:    "Histogram of CRM API call latencies.",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation", "status"})

	webhookEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "leadflow_webhook_events_total",
		Help: "Webhook deliveries by event type and outcome.",
	}, []string{"type", "outcome"})

	dialsUpserted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "leadflow_dials_upserted_total",
		Help: "Dial rows written by the call processor.",
	})

	appointmentLinks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "leadflow_appointment_links_total",
		Help: "Dial to appointment links by direction.",
	}, []string{"direction"})

	tokenRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "leadflow_token_refresh_total",
		Help: "OAuth token refresh attempts by result.",
	}, []string{"result"})

	locationRecoveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "leadflow_location_recovery_total",
		Help: "Location recovery probes by result.",
	}, []string{"result"})

	backfillItems = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "leadflow_backfill_items_total",
		Help: "Backfill items by result.",
	}, []string{"result"})
)

// Middleware records request metrics and enriches the context with labels for downstream instrumentation.
func Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := context.WithValue(r.Context(), routeLabelKey, r.URL.Path)

			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r.WithContext(ctx))

			// chi resolves the pattern while routing, so read it afterwards.
			route := routePattern(r)
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			statusCode := strconv.Itoa(status)

			httpRequestsTotal.WithLabelValues(r.Method, route).Inc()
			httpRequestDuration.WithLabelValues(r.Method, route, statusCode).Observe(time.Since(start).Seconds())
			if status >= http.StatusInternalServerError {
				httpErrorsTotal.WithLabelValues(r.Method, route, statusCode).Inc()
			}
		})
	}
}

// Handler exposes the Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveDBLatency records database latency for a given operation, associating it with request labels when available.
func ObserveDBLatency(ctx context.Context, operation string, start time.Time) {
	dbLatency.WithLabelValues(operation, routeFromContext(ctx)).Observe(time.Since(start).Seconds())
}

// ObserveCRMLatency records one CRM API call. status is the HTTP status, or 0 for transport errors.
func ObserveCRMLatency(operation string, status int, start time.Time) {
	crmLatency.WithLabelValues(operation, strconv.Itoa(status)).Observe(time.Since(start).Seconds())
}

func WebhookEvent(eventType, outcome string) {
	webhookEvents.WithLabelValues(eventType, outcome).Inc()
}

func DialUpserted() {
	dialsUpserted.Inc()
}

// AppointmentLinked counts a link made from the dial side ("dial") or the appointment side ("appointment").
func AppointmentLinked(direction string) {
	appointmentLinks.WithLabelValues(direction).Inc()
}

func TokenRefresh(result string) {
	tokenRefreshes.WithLabelValues(result).Inc()
}

func LocationRecovery(result string) {
	locationRecoveries.WithLabelValues(result).Inc()
}

func BackfillItem(result string) {
	backfillItems.WithLabelValues(result).Inc()
}

func routeFromContext(ctx context.Context) string {
	if route, ok := ctx.Value(routeLabelKey).(string); ok && route != "" {
		return route
	}
	return "unknown"
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := strings.TrimSpace(rctx.RoutePattern()); pattern != "" {
			return pattern
		}
	}
	return r.URL.Path
}
