// Package topic holds the relay's fixed topic namespace.
package topic

import "strings"

const (
	BroadcastPrefix = "/broadcast/"
	DevicePrefix    = "/device/"
	UserPrefix      = "/user/"
	DatamapUpdate   = "/datamap/update"
	Heartbeat       = "/heartbeat"
)

// Broadcast is the topic a user or device publishes to for fan-out to its peers.
func Broadcast(id string) string {
	return BroadcastPrefix + id
}

// Device is a device's inbox.
func Device(sn string) string {
	return DevicePrefix + sn
}

// User is a user application's inbox.
func User(userID string) string {
	return UserPrefix + userID
}

// DeviceFrom extracts the serial from a device inbox topic. The serial must
// be a single non-empty topic level.
func DeviceFrom(t string) (string, bool) {
	sn, ok := strings.CutPrefix(t, DevicePrefix)
	if !ok || sn == "" || strings.Contains(sn, "/") {
		return "", false
	}
	return sn, true
}
