// Package metrics содержит Prometheus метрики софтфона.
//
// Метрики регистрируются в реестре по умолчанию при загрузке пакета,
// поэтому экспортируются через promhttp.Handler без дополнительной настройки.
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

const namespace = "sipphone"

var (
	// CallsTotal считает завершенные звонки по результату
	CallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "call",
		Name:      "calls_total",
		Help:      "Total number of finished calls by result",
	}, []string{"result"})

	// CallsActive текущее количество незавершенных звонков
	CallsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "call",
		Name:      "calls_active",
		Help:      "Number of calls that are not terminated yet",
	})

	// StateTransitions считает переходы состояний звонка
	StateTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "call",
		Name:      "state_transitions_total",
		Help:      "Call state transitions",
	}, []string{"from", "to"})

	// CallDuration длительность разговора в состоянии Established
	CallDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "call",
		Name:      "established_duration_seconds",
		Help:      "Time spent in the established state",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
	})

	// TransactionsTotal считает созданные клиентские транзакции
	TransactionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "transaction",
		Name:      "transactions_total",
		Help:      "Client transactions created by method",
	}, []string{"method"})

	// Retransmissions считает повторные передачи запросов
	Retransmissions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "transaction",
		Name:      "retransmissions_total",
		Help:      "Request retransmissions by method",
	}, []string{"method"})

	// TransactionTimeouts считает транзакции, завершенные по таймауту
	TransactionTimeouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "transaction",
		Name:      "timeouts_total",
		Help:      "Client transactions that timed out by method",
	}, []string{"method"})

	// RTPPackets считает RTP пакеты по направлению
	RTPPackets = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "rtp",
		Name:      "packets_total",
		Help:      "RTP packets by direction",
	}, []string{"direction"})

	// DTMFEvents считает принятые DTMF события
	DTMFEvents = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "rtp",
		Name:      "dtmf_events_total",
		Help:      "Completed telephone-events received",
	})

	// CodecErrors считает отброшенные из-за ошибки кодека кадры
	CodecErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "rtp",
		Name:      "codec_errors_total",
		Help:      "Frames dropped because of encode/decode failure",
	}, []string{"codec"})

	// PortsLeased количество выделенных пар RTP/RTCP
	PortsLeased = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "ports",
		Name:      "leased",
		Help:      "Leased RTP/RTCP port pairs",
	})
)

// Serve поднимает HTTP endpoint с метриками и блокируется до отмены ctx
func Serve(ctx context.Context, listen, path string) error {
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.Handler())

	srv := &http.Server{
		Addr:              listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
