/*
 *
 * Copyright 2025 gRPC authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

// Package metrics holds the prometheus collectors shared by the transport and
// the dispatcher.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// ChannelMessages counts frames accepted by or delivered from a channel.
	ChannelMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ipclink_channel_messages_total",
			Help: "Frames moved through a channel, by operation",
		},
		[]string{"channel", "op"},
	)

	// ChannelErrors counts failed channel operations by reason.
	ChannelErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ipclink_channel_errors_total",
			Help: "Failed channel operations, by operation and reason",
		},
		[]string{"channel", "op", "reason"},
	)

	// HandshakeTransitions counts status changes made by the readiness handshake.
	HandshakeTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ipclink_handshake_transitions_total",
			Help: "Status transitions performed by the channel handshake",
		},
		[]string{"channel", "role", "status"},
	)

	DispatchedMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ipclink_dispatch_messages_total",
			Help: "Inbound messages routed to a handler group",
		},
		[]string{"link", "group"},
	)

	UnknownMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ipclink_dispatch_unknown_total",
			Help: "Inbound messages with no handler for their message ID",
		},
		[]string{"link"},
	)

	// CallDuration observes correlated exchanges from lock acquisition to the
	// final response or error.
	CallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ipclink_call_duration_seconds",
			Help:    "Latency of correlated request/response exchanges",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		},
		[]string{"link", "msg", "result"},
	)

	StaleResponses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ipclink_call_stale_responses_total",
			Help: "Responses discarded because they belonged to an earlier exchange",
		},
		[]string{"link"},
	)

	// Heartbeat records the unix time of the last heartbeat event per link.
	Heartbeat = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ipclink_heartbeat_timestamp_seconds",
			Help: "Unix time of the last heartbeat event received on a link",
		},
		[]string{"link"},
	)
)

func init() {
	prometheus.MustRegister(
		ChannelMessages,
		ChannelErrors,
		HandshakeTransitions,
		DispatchedMessages,
		UnknownMessages,
		CallDuration,
		StaleResponses,
		Heartbeat,
	)
}
