package obs

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	domainOnce sync.Once

	// PaymentInitiateTotal counts initiate attempts by result.
	PaymentInitiateTotal *prometheus.CounterVec
	// PaymentConfirmationTotal counts ledger outcomes by confirmation source.
	PaymentConfirmationTotal *prometheus.CounterVec
	// PaymentWebhookTotal counts inbound webhook deliveries by event and result.
	PaymentWebhookTotal *prometheus.CounterVec
	// EntitlementGrantTotal counts grant attempts by result.
	EntitlementGrantTotal *prometheus.CounterVec
	// EntitlementPending is the number of grants waiting for a retry, as seen by the last sweep.
	EntitlementPending prometheus.Gauge
	// LedgerExpiredTotal counts intents moved to EXPIRED by the sweep.
	LedgerExpiredTotal prometheus.Counter
)

// MustRegisterDomainMetrics initialises and registers the payment collectors. Safe to
// call more than once; later calls are no-ops.
func MustRegisterDomainMetrics(namespace string, reg prometheus.Registerer) {
	domainOnce.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		PaymentInitiateTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_initiate_total",
			Help:      "Payment initiation attempts by result.",
		}, []string{"result"})
		PaymentConfirmationTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_confirmation_total",
			Help:      "Confirmation events applied to the ledger by source and outcome.",
		}, []string{"source", "outcome"})
		PaymentWebhookTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_webhook_total",
			Help:      "Inbound gateway webhooks by event and result.",
		}, []string{"event", "result"})
		EntitlementGrantTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "entitlement_grant_total",
			Help:      "Entitlement grant attempts by result.",
		}, []string{"result"})
		EntitlementPending = prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "entitlement_pending",
			Help:      "Confirmed payments whose entitlement is awaiting retry.",
		})
		LedgerExpiredTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_expired_total",
			Help:      "Payment intents expired by the sweep.",
		})

		mustRegisterCollector(reg, PaymentInitiateTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				PaymentInitiateTotal = v
			}
		})
		mustRegisterCollector(reg, PaymentConfirmationTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				PaymentConfirmationTotal = v
			}
		})
		mustRegisterCollector(reg, PaymentWebhookTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				PaymentWebhookTotal = v
			}
		})
		mustRegisterCollector(reg, EntitlementGrantTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				EntitlementGrantTotal = v
			}
		})
		mustRegisterCollector(reg, EntitlementPending, func(existing prometheus.Collector) {
			if v, ok := existing.(prometheus.Gauge); ok {
				EntitlementPending = v
			}
		})
		mustRegisterCollector(reg, LedgerExpiredTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(prometheus.Counter); ok {
				LedgerExpiredTotal = v
			}
		})
	})
}

// The helpers below tolerate unregistered collectors so packages can be used
// without a metrics registry, as in unit tests.

func IncInitiate(result string) {
	if PaymentInitiateTotal != nil {
		PaymentInitiateTotal.WithLabelValues(result).Inc()
	}
}

func IncConfirmation(source, outcome string) {
	if PaymentConfirmationTotal != nil {
		PaymentConfirmationTotal.WithLabelValues(source, outcome).Inc()
	}
}

func IncWebhook(event, result string) {
	if PaymentWebhookTotal != nil {
		PaymentWebhookTotal.WithLabelValues(event, result).Inc()
	}
}

func IncGrant(result string) {
	if EntitlementGrantTotal != nil {
		EntitlementGrantTotal.WithLabelValues(result).Inc()
	}
}

func SetPendingGrants(n int) {
	if EntitlementPending != nil {
		EntitlementPending.Set(float64(n))
	}
}

func AddExpired(n int) {
	if LedgerExpiredTotal != nil {
		LedgerExpiredTotal.Add(float64(n))
	}
}

func mustRegisterCollector(reg prometheus.Registerer, collector prometheus.Collector, reuse func(prometheus.Collector)) {
	if err := reg.Register(collector); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if reuse != nil {
				reuse(are.ExistingCollector)
			}
			return
		}
		panic(fmt.Errorf("register domain metric: %w", err))
	}
}
