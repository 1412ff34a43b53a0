// SPDX-FileCopyrightText: Copyright (C) 2025 The Wisp Authors
// SPDX-License-Identifier: AGPL-3.0-only

package circuit

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricsNamespace = "wisp"
	metricsSubsystem = "circuit"
)

var (
	circuitsBuilt = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "builds_total",
			Subsystem: metricsSubsystem,
			Help:      "Number of circuits built to completion",
		},
	)
	circuitsDestroyed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "teardowns_total",
			Subsystem: metricsSubsystem,
			Help:      "Number of circuits torn down",
		},
	)
	cellsSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "sent_relay_cells_total",
			Subsystem: metricsSubsystem,
			Help:      "Number of relay cells sent",
		},
	)
	cellsReceived = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "received_relay_cells_total",
			Subsystem: metricsSubsystem,
			Help:      "Number of relay cells recognized and delivered",
		},
	)
	unrecognizedCells = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "unrecognized_relay_cells_total",
			Subsystem: metricsSubsystem,
			Help:      "Number of inbound relay cells discarded as corrupt or foreign",
		},
	)
	droppedStreamCells = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "dropped_stream_cells_total",
			Subsystem: metricsSubsystem,
			Help:      "Number of relay cells dropped for unknown or closed streams",
		},
	)
	streamsOpened = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "opened_streams_total",
			Subsystem: metricsSubsystem,
			Help:      "Number of streams opened",
		},
	)
	streamOpenFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "stream_open_failures_total",
			Subsystem: metricsSubsystem,
			Help:      "Number of stream opens refused or timed out",
		},
	)
)

func init() {
	prometheus.MustRegister(circuitsBuilt)
	prometheus.MustRegister(circuitsDestroyed)
	prometheus.MustRegister(cellsSent)
	prometheus.MustRegister(cellsReceived)
	prometheus.MustRegister(unrecognizedCells)
	prometheus.MustRegister(droppedStreamCells)
	prometheus.MustRegister(streamsOpened)
	prometheus.MustRegister(streamOpenFailures)
}
