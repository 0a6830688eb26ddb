// Package metrics registers the facilitator's prometheus collectors. A nil
// *Metrics is valid and records nothing, so callers never need to guard.
package metrics

import (
	"math/big"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every collector the facilitator publishes.
type Metrics struct {
	VerifyTotal    *prometheus.CounterVec
	SettleTotal    *prometheus.CounterVec
	VerifySeconds  *prometheus.HistogramVec
	SettleSeconds  *prometheus.HistogramVec
	WalletBalance  *prometheus.GaugeVec
	WalletPending  *prometheus.GaugeVec
	HealthyWallets *prometheus.GaugeVec
}

// New registers the collectors with reg. A nil reg uses the default
// registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		VerifyTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "facilitator_verify_total",
			Help: "Verification outcomes by network, scheme and reason.",
		}, []string{"network", "scheme", "outcome", "reason"}),
		SettleTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "facilitator_settle_total",
			Help: "Settlement outcomes by network, scheme and reason.",
		}, []string{"network", "scheme", "outcome", "reason"}),
		VerifySeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "facilitator_verify_duration_seconds",
			Help:    "Verification latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"network", "scheme"}),
		SettleSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "facilitator_settle_duration_seconds",
			Help:    "Settlement latency including confirmation wait.",
			Buckets: []float64{0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"network", "scheme"}),
		WalletBalance: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "facilitator_wallet_native_balance",
			Help: "Native balance per wallet in base units (wei or lamports).",
		}, []string{"network", "wallet"}),
		WalletPending: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "facilitator_wallet_pending_transactions",
			Help: "In-flight settlements per wallet.",
		}, []string{"network", "wallet"}),
		HealthyWallets: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "facilitator_wallets_healthy",
			Help: "Healthy wallets per network.",
		}, []string{"network"}),
	}
}

// ObserveVerify records one verification outcome. reason is empty for valid
// payments.
func (m *Metrics) ObserveVerify(network, scheme string, valid bool, reason string, seconds float64) {
	if m == nil {
		return
	}
	outcome := "valid"
	if !valid {
		outcome = "invalid"
	}
	m.VerifyTotal.WithLabelValues(network, scheme, outcome, reason).Inc()
	m.VerifySeconds.WithLabelValues(network, scheme).Observe(seconds)
}

// ObserveSettle records one settlement outcome. reason is empty on success.
func (m *Metrics) ObserveSettle(network, scheme string, success bool, reason string, seconds float64) {
	if m == nil {
		return
	}
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	m.SettleTotal.WithLabelValues(network, scheme, outcome, reason).Inc()
	m.SettleSeconds.WithLabelValues(network, scheme).Observe(seconds)
}

// SetWalletBalance publishes a wallet's native balance.
func (m *Metrics) SetWalletBalance(network, wallet string, balance *big.Int) {
	if m == nil || balance == nil {
		return
	}
	value, _ := new(big.Float).SetInt(balance).Float64()
	m.WalletBalance.WithLabelValues(network, wallet).Set(value)
}

// SetWalletPending publishes a wallet's in-flight settlement count.
func (m *Metrics) SetWalletPending(network, wallet string, pending int) {
	if m == nil {
		return
	}
	m.WalletPending.WithLabelValues(network, wallet).Set(float64(pending))
}

// SetHealthyWallets publishes the healthy wallet count for a network.
func (m *Metrics) SetHealthyWallets(network string, healthy int) {
	if m == nil {
		return
	}
	m.HealthyWallets.WithLabelValues(network).Set(float64(healthy))
}
