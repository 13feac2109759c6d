// Package metrics holds the relay's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal counts accepted connections per transport and role.
	ConnectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_connections_total",
		Help: "The total number of connections admitted by the relay.",
	}, []string{"transport", "role"})

	// AuthRejectedTotal counts rejected connection attempts by reason.
	AuthRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_auth_rejected_total",
		Help: "The total number of rejected connection attempts.",
	}, []string{"transport", "reason"})

	// PolicyViolationsTotal counts denied publishes and subscribes.
	PolicyViolationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_policy_violations_total",
		Help: "The total number of denied publish or subscribe requests.",
	}, []string{"action", "role"})

	// RelayedMessagesTotal counts messages forwarded per direction and transport.
	RelayedMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_messages_forwarded_total",
		Help: "The total number of messages forwarded by the relay.",
	}, []string{"direction", "transport"})

	// OfflineNotificationsTotal counts synthetic offline notifications.
	OfflineNotificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_offline_notifications_total",
		Help: "The total number of device offline notifications sent.",
	}, []string{"cause"})

	// MappingRefreshTotal counts identity mapping rebuilds by result.
	MappingRefreshTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_mapping_refresh_total",
		Help: "The total number of identity mapping rebuilds.",
	}, []string{"kind", "result"})

	// OnlineClients tracks connected clients per transport.
	OnlineClients = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "relay_online_clients",
		Help: "The number of clients currently connected.",
	}, []string{"transport"})
)

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
