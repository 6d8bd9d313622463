// Package metrics is the single Prometheus registry a node builds at
// startup and hands to every component as its narrow Metrics interface
// (§11): routing, store, session, broker, remote and lookup each get the
// same *Registry back through a different view.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/harrowgate/kadnet/internal/wire"
)

// Namespace prefixes every metric this node exports.
const Namespace = "kadnet"

// Registry holds every counter and gauge a node-scoped component reports
// through. Built once per node and registered against a
// *prometheus.Registry by the caller.
type Registry struct {
	routingSplits           prometheus.Counter
	routingCapacityRefusals prometheus.Counter

	storePuts    prometheus.Counter
	storeGetHits prometheus.Counter
	storeGetMiss prometheus.Counter
	storeExpired prometheus.Counter

	sessionsOpened        prometheus.Counter
	sessionsClosed        prometheus.Counter
	sessionRequestsFailed prometheus.Counter

	brokerSessionCount     prometheus.Gauge
	brokerEvictions        prometheus.Counter
	brokerSelfShortCircuit prometheus.Counter
	brokerDialFailures     prometheus.Counter

	remoteRequests *prometheus.CounterVec

	lookupRounds    *prometheus.CounterVec
	lookupVisited   *prometheus.CounterVec
	lookupSuccesses *prometheus.CounterVec
}

// New builds a Registry with every metric instantiated but not yet
// registered; call Collectors and register the result against a
// *prometheus.Registry (or prometheus.DefaultRegisterer).
func New() *Registry {
	return &Registry{
		routingSplits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "routing",
			Name:      "splits_total",
			Help:      "Number of k-bucket splits performed on the owner's path.",
		}),
		routingCapacityRefusals: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "routing",
			Name:      "capacity_refusals_total",
			Help:      "Number of peers rejected because their bucket was full and not splittable.",
		}),
		storePuts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "store",
			Name:      "puts_total",
			Help:      "Number of values accepted by the local value store.",
		}),
		storeGetHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "store",
			Name:      "get_hits_total",
			Help:      "Number of local Get lookups that found a live value.",
		}),
		storeGetMiss: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "store",
			Name:      "get_misses_total",
			Help:      "Number of local Get lookups that found nothing.",
		}),
		storeExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "store",
			Name:      "expired_total",
			Help:      "Number of values reaped by TTL expiry sweeps.",
		}),
		sessionsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "session",
			Name:      "opened_total",
			Help:      "Number of per-peer sessions opened, inbound or outbound.",
		}),
		sessionsClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "session",
			Name:      "closed_total",
			Help:      "Number of per-peer sessions closed, for any reason.",
		}),
		sessionRequestsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "session",
			Name:      "requests_failed_total",
			Help:      "Number of outbound requests that received a success=false reply.",
		}),
		brokerSessionCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "broker",
			Name:      "session_count",
			Help:      "Current number of sessions held open by the connection broker.",
		}),
		brokerEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "broker",
			Name:      "evictions_total",
			Help:      "Number of sessions closed to make room under the MRU session cap.",
		}),
		brokerSelfShortCircuit: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "broker",
			Name:      "self_short_circuits_total",
			Help:      "Number of sends resolved locally instead of opening a loopback session.",
		}),
		brokerDialFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "broker",
			Name:      "dial_failures_total",
			Help:      "Number of outbound dials that failed to establish a session.",
		}),
		remoteRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "remote",
			Name:      "requests_total",
			Help:      "Number of inbound requests handled, by operation.",
		}, []string{"op"}),
		lookupRounds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "lookup",
			Name:      "rounds_total",
			Help:      "Number of iterative-lookup rounds run, by operation.",
		}, []string{"op"}),
		lookupVisited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "lookup",
			Name:      "visited_total",
			Help:      "Number of distinct peers visited across lookups, by operation.",
		}, []string{"op"}),
		lookupSuccesses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "lookup",
			Name:      "successes_total",
			Help:      "Number of successful per-peer replies across lookups, by operation.",
		}, []string{"op"}),
	}
}

// Collectors returns every metric so the caller can register them in one
// call: prometheus.NewRegistry().MustRegister(reg.Collectors()...).
func (r *Registry) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		r.routingSplits,
		r.routingCapacityRefusals,
		r.storePuts,
		r.storeGetHits,
		r.storeGetMiss,
		r.storeExpired,
		r.sessionsOpened,
		r.sessionsClosed,
		r.sessionRequestsFailed,
		r.brokerSessionCount,
		r.brokerEvictions,
		r.brokerSelfShortCircuit,
		r.brokerDialFailures,
		r.remoteRequests,
		r.lookupRounds,
		r.lookupVisited,
		r.lookupSuccesses,
	}
}

// RoutingSplit implements routing.Metrics.
func (r *Registry) RoutingSplit() { r.routingSplits.Inc() }

// RoutingCapacityRefusal implements routing.Metrics.
func (r *Registry) RoutingCapacityRefusal() { r.routingCapacityRefusals.Inc() }

// StorePut implements store.Metrics.
func (r *Registry) StorePut() { r.storePuts.Inc() }

// StoreGetHit implements store.Metrics.
func (r *Registry) StoreGetHit() { r.storeGetHits.Inc() }

// StoreGetMiss implements store.Metrics.
func (r *Registry) StoreGetMiss() { r.storeGetMiss.Inc() }

// StoreExpired implements store.Metrics.
func (r *Registry) StoreExpired(n int) { r.storeExpired.Add(float64(n)) }

// SessionOpened implements session.Metrics.
func (r *Registry) SessionOpened() { r.sessionsOpened.Inc() }

// SessionClosed implements session.Metrics.
func (r *Registry) SessionClosed() { r.sessionsClosed.Inc() }

// SessionRequestFailed implements session.Metrics.
func (r *Registry) SessionRequestFailed() { r.sessionRequestsFailed.Inc() }

// BrokerSessionCount implements broker.Metrics.
func (r *Registry) BrokerSessionCount(n int) { r.brokerSessionCount.Set(float64(n)) }

// BrokerEviction implements broker.Metrics.
func (r *Registry) BrokerEviction() { r.brokerEvictions.Inc() }

// BrokerSelfShortCircuit implements broker.Metrics.
func (r *Registry) BrokerSelfShortCircuit() { r.brokerSelfShortCircuit.Inc() }

// BrokerDialFailure implements broker.Metrics.
func (r *Registry) BrokerDialFailure() { r.brokerDialFailures.Inc() }

// RemoteRequest implements remote.Metrics.
func (r *Registry) RemoteRequest(op wire.Operation) {
	r.remoteRequests.WithLabelValues(op.String()).Inc()
}

// LookupRound implements lookup.Metrics.
func (r *Registry) LookupRound(op wire.Operation) {
	r.lookupRounds.WithLabelValues(op.String()).Inc()
}

// LookupVisited implements lookup.Metrics.
func (r *Registry) LookupVisited(op wire.Operation, n int) {
	r.lookupVisited.WithLabelValues(op.String()).Add(float64(n))
}

// LookupSuccesses implements lookup.Metrics.
func (r *Registry) LookupSuccesses(op wire.Operation, n int) {
	r.lookupSuccesses.WithLabelValues(op.String()).Add(float64(n))
}
