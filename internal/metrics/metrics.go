// Package metrics exposes transport counters to Prometheus.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "obfsbridge"

var (
	connectAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "connect_attempts_total",
		Help:      "Connection attempts started, by target",
	}, []string{"target"})

	opens = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "connection_opens_total",
		Help:      "Connections that reached the open state, by target",
	}, []string{"target"})

	closes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "connection_closes_total",
		Help:      "Connections that closed, by target",
	}, []string{"target"})

	connected = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "connected",
		Help:      "1 while the transport has an open connection",
	}, []string{"target"})

	reconnectDelay = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "reconnect_delay_seconds",
		Help:      "Delay scheduled before a reconnect attempt",
		Buckets:   []float64{0, 0.1, 0.5, 1, 2, 5, 10, 30},
	})

	bytesOut = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "bytes_out_total",
		Help:      "Bytes written to connections, including preambles",
	})

	bytesIn = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "bytes_in_total",
		Help:      "Bytes read from connections",
	})

	payloadsSent = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "payloads_sent_total",
		Help:      "Framed payloads written to connections",
	})

	payloadsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "payloads_dropped_total",
		Help:      "Inbound payloads discarded, by reason",
	}, []string{"reason"})

	pending = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "pending_entries",
		Help:      "Entries in the pending send queue",
	})

	dispatchErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dispatch_errors_total",
		Help:      "Inbound dispatch failures, by stage",
	}, []string{"stage"})
)

func IncConnectAttempts(target string) { connectAttempts.WithLabelValues(target).Inc() }
func IncOpens(target string)           { opens.WithLabelValues(target).Inc() }
func IncCloses(target string)          { closes.WithLabelValues(target).Inc() }

func SetConnected(target string, up bool) {
	v := 0.0
	if up {
		v = 1
	}
	connected.WithLabelValues(target).Set(v)
}

func ObserveReconnectDelay(d time.Duration) { reconnectDelay.Observe(d.Seconds()) }
func AddBytesOut(n int)                     { bytesOut.Add(float64(n)) }
func AddBytesIn(n int)                      { bytesIn.Add(float64(n)) }
func IncPayloadsSent()                      { payloadsSent.Inc() }
func IncPayloadsDropped(reason string)      { payloadsDropped.WithLabelValues(reason).Inc() }
func SetPending(n int)                      { pending.Set(float64(n)) }
func IncDispatchErrors(stage string)        { dispatchErrors.WithLabelValues(stage).Inc() }

// Handler serves the default registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Serve exposes /metrics on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
