package main

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"gorm.io/gorm"
)

// Metrics holds the Prometheus instruments this service exposes for
// the wallet, authentication, task, and gateway concerns.
type Metrics struct {
	HTTPRequestsTotal *prometheus.CounterVec

	AuthAttemptsTotal  *prometheus.CounterVec
	AuthAttemptsFail   *prometheus.CounterVec

	TransferAttemptsTotal   prometheus.Counter
	TransferAttemptsSuccess prometheus.Counter
	TransferAttemptsFail    prometheus.Counter
	WalletLockContention    prometheus.Counter

	TaskPayoutsTotal      prometheus.Counter
	TaskPayoutsRefundOnly prometheus.Counter

	GatewayTransactionsTotal *prometheus.CounterVec

	WalletBalanceByCurrency *prometheus.GaugeVec
}

// NewMetrics initializes and registers Prometheus metrics against the
// default registry.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(nil)
}

// NewMetricsWithRegistry initializes and registers Prometheus metrics
// with a custom registry, for isolated test registration.
func NewMetricsWithRegistry(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "commons_http_requests_total",
				Help: "Total HTTP requests by route and status class",
			},
			[]string{"route", "status"},
		),
		AuthAttemptsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "commons_auth_attempts_total",
				Help: "Total primary authentication attempts",
			},
			[]string{"mechanism"},
		),
		AuthAttemptsFail: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "commons_auth_attempts_fail_total",
				Help: "Total failed primary authentication attempts",
			},
			[]string{"mechanism"},
		),
		TransferAttemptsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "commons_transfer_attempts_total",
			Help: "Total ledger transfer attempts",
		}),
		TransferAttemptsSuccess: factory.NewCounter(prometheus.CounterOpts{
			Name: "commons_transfer_attempts_success_total",
			Help: "Total successful ledger transfers",
		}),
		TransferAttemptsFail: factory.NewCounter(prometheus.CounterOpts{
			Name: "commons_transfer_attempts_fail_total",
			Help: "Total failed ledger transfers",
		}),
		WalletLockContention: factory.NewCounter(prometheus.CounterOpts{
			Name: "commons_wallet_lock_contention_total",
			Help: "Total transfer attempts that failed to acquire a wallet lock",
		}),
		TaskPayoutsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "commons_task_payouts_total",
			Help: "Total task payouts processed (sweep or explicit)",
		}),
		TaskPayoutsRefundOnly: factory.NewCounter(prometheus.CounterOpts{
			Name: "commons_task_payouts_refund_only_total",
			Help: "Total task payouts that resulted in a full donor refund (zero deliveries)",
		}),
		GatewayTransactionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "commons_gateway_transactions_total",
				Help: "Total gateway bridge transactions by kind and status",
			},
			[]string{"kind", "status"},
		),
		WalletBalanceByCurrency: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "commons_app_gateway_wallet_balance",
				Help: "Current app_gateway_wallet balance by currency",
			},
			[]string{"currency"},
		),
	}
}

// RecordMetricsPeriodically refreshes gauges that must be computed from
// storage rather than updated inline by the operation that changed them.
func (m *Metrics) RecordMetricsPeriodically(db *gorm.DB, logger Logger) {
	logger = logger.NewSystem("metrics")
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for range ticker.C {
		m.updateGatewayWalletBalance(db, logger)
	}
}

func (m *Metrics) updateGatewayWalletBalance(db *gorm.DB, logger Logger) {
	balances, err := GetBalances(db, AppGatewayWalletID)
	if err != nil {
		logger.Error("failed to refresh gateway wallet balance metric", "error", err)
		return
	}

	m.WalletBalanceByCurrency.Reset()
	for _, b := range balances {
		f, _ := b.Balance.Decimal().Float64()
		m.WalletBalanceByCurrency.WithLabelValues(string(b.Currency)).Set(f)
	}
}
