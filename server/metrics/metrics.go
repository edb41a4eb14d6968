// SPDX-FileCopyrightText: 2021 Softbear, Inc.
// SPDX-License-Identifier: AGPL-3.0-or-later

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	Connections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "flopfight_connections",
		Help: "Number of open websocket connections",
	})

	ConnectionsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flopfight_connections_rejected_total",
		Help: "Connection attempts rejected by the ban gate",
	}, []string{"reason"})

	MessagesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flopfight_messages_dropped_total",
		Help: "Inbound messages dropped before reaching a room",
	}, []string{"reason"})

	BansIssued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flopfight_bans_issued_total",
		Help: "Ban records written",
	}, []string{"reason"})

	ThrottleErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flopfight_throttle_errors_total",
		Help: "Store errors in the ban gate (all failed open)",
	}, []string{"operation"})

	RoomEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flopfight_room_events_total",
		Help: "Room state machine outcomes",
	}, []string{"event"})

	Relayed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flopfight_relayed_total",
		Help: "Messages relayed between opponents",
	}, []string{"type"})

	RecipientsGone = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flopfight_recipients_gone_total",
		Help: "Pushes addressed to closed connections",
	})

	IPSetUpdates = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flopfight_ip_set_updates_total",
		Help: "Edge IP set reconciliation attempts by result",
	}, []string{"result"})
)
