package resolver

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	lookupsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "onvm",
		Subsystem: "resolver",
		Name:      "info_lookups_total",
		Help:      "Metadata lookups by the tier that answered them.",
	}, []string{"source"})

	contentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "onvm",
		Subsystem: "resolver",
		Name:      "content_opens_total",
		Help:      "Content streams opened by tier.",
	}, []string{"source"})

	hydrationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "onvm",
		Subsystem: "resolver",
		Name:      "hydrations_total",
		Help:      "Origin blobs copied into the local store by outcome.",
	}, []string{"outcome"})

	verificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "onvm",
		Subsystem: "resolver",
		Name:      "verifications_total",
		Help:      "Local blob integrity checks by outcome.",
	}, []string{"outcome"})
)
