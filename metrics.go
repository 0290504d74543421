// metrics.go - Prometheus counters for the audio subsystem

package main

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricContextsKicked = promauto.NewCounter(prometheus.CounterOpts{
		Name: "xenon_apu_contexts_kicked_total",
		Help: "XMA contexts scheduled for decode via the kick register.",
	})
	metricPacketsDecoded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "xenon_apu_packets_decoded_total",
		Help: "Compressed 2KB packets handed to a decoder.",
	})
	metricPacketsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "xenon_apu_packets_dropped_total",
		Help: "Packets discarded after a decode failure.",
	})
	metricFramesSubmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "xenon_apu_frames_submitted_total",
		Help: "Rendered audio frames submitted by guest clients.",
	})
)
