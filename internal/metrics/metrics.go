// Package metrics holds the Prometheus collectors of the filter and the
// optional HTTP endpoint exposing them.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Connections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "couriergrey_connections_total",
			Help: "Connections accepted on the filter socket.",
		},
	)

	Verdicts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "couriergrey_verdicts_total",
			Help: "Filter decisions, known values: authenticated, spf-pass, whitelisted, greylist-window-elapsed, deferred, missing-mta-address, missing-recipient, storage-error.",
		},
		[]string{
			"verdict",
		},
	)

	DecisionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "couriergrey_decision_duration_seconds",
			Help:    "Time from accepting a connection to writing the response, in seconds.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		},
	)

	StoreOpenRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "couriergrey_store_open_retries_total",
			Help: "Failed attempts to open the delivery attempt store.",
		},
	)

	ExpiredRecords = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "couriergrey_expired_records_total",
			Help: "Delivery attempt records removed by expiry.",
		},
	)
)

const shutdownTimeout = 5 * time.Second

// Serve exposes /metrics on addr until ctx is done. An empty addr disables the
// endpoint and Serve returns immediately.
func Serve(ctx context.Context, addr string) error {
	if addr == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("Metrics endpoint listening", "address", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn("Metrics endpoint shutdown failed", "error", err)
		}
		return nil
	}
}
