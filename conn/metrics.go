// SPDX-FileCopyrightText: Copyright (C) 2025 The Wisp Authors
// SPDX-License-Identifier: AGPL-3.0-only

package conn

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricsNamespace = "wisp"
	metricsSubsystem = "conn"
)

var (
	sentCells = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "sent_cells_total",
			Subsystem: metricsSubsystem,
			Help:      "Number of link cells written",
		},
	)
	receivedCells = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "received_cells_total",
			Subsystem: metricsSubsystem,
			Help:      "Number of link cells read",
		},
	)
	droppedCells = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "dropped_cells_total",
			Subsystem: metricsSubsystem,
			Help:      "Number of inbound cells dropped as undecodable, unexpected or unroutable",
		},
	)
	keepAlivesSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "keepalives_total",
			Subsystem: metricsSubsystem,
			Help:      "Number of Padding keepalive cells written",
		},
	)
)

func init() {
	prometheus.MustRegister(sentCells)
	prometheus.MustRegister(receivedCells)
	prometheus.MustRegister(droppedCells)
	prometheus.MustRegister(keepAlivesSent)
}
