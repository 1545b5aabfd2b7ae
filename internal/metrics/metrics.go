// Package metrics exposes Prometheus collectors for the control plane.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// InstancesByStatus is refreshed by the watchdog each pass.
	InstancesByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "roundhouse",
		Name:      "instances",
		Help:      "Instances currently in each lifecycle status.",
	}, []string{"provider", "status"})

	ActionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "roundhouse",
		Name:      "actions_total",
		Help:      "Control-plane actions by type and outcome.",
	}, []string{"action", "outcome"})

	ProvisionSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "roundhouse",
		Name:      "provision_duration_seconds",
		Help:      "Time from create request to provider resource running.",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
	})

	HeartbeatsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "roundhouse",
		Name:      "heartbeats_total",
		Help:      "Worker heartbeats received, by result.",
	}, []string{"result"})

	CommandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "roundhouse",
		Name:      "commands_total",
		Help:      "Bus commands received, by command name.",
	}, []string{"command"})

	DriftDetectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "roundhouse",
		Name:      "drift_detected_total",
		Help:      "Reconciliation drift events, by kind (orphan, vanished, zombie).",
	}, []string{"kind"})
)
