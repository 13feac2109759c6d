// Package identity classifies raw MQTT client identifiers into relay roles.
//
// Device clients connect as "D:<serial>", user applications as "U:<key>".
// The relay's own internal client uses a random "super:" identifier that is
// compared verbatim and never matched by pattern.
package identity

import (
	"strings"

	"github.com/google/uuid"
)

type Role int

const (
	RoleInvalid Role = iota
	RoleSuper
	RoleDevice
	RoleUser
)

const (
	DevicePrefix = "D:"
	UserPrefix   = "U:"
	SuperPrefix  = "super:"
)

func (r Role) String() string {
	switch r {
	case RoleSuper:
		return "super"
	case RoleDevice:
		return "device"
	case RoleUser:
		return "user"
	default:
		return "invalid"
	}
}

// Classify returns RoleDevice or RoleUser for identifiers carrying the
// matching prefix and a non-empty key, RoleInvalid otherwise.
func Classify(rawID string) Role {
	switch {
	case len(rawID) > len(DevicePrefix) && strings.HasPrefix(rawID, DevicePrefix):
		return RoleDevice
	case len(rawID) > len(UserPrefix) && strings.HasPrefix(rawID, UserPrefix):
		return RoleUser
	default:
		return RoleInvalid
	}
}

func IsPrivileged(rawID, superID string) bool {
	return superID != "" && rawID == superID
}

// NewSuperID returns a fresh identifier for the internal relay client.
func NewSuperID() string {
	return SuperPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

func DeviceClientID(sn string) string {
	return DevicePrefix + sn
}

func UserClientID(key string) string {
	return UserPrefix + key
}

// Credentials is what a client presents when it connects.
type Credentials struct {
	Transport string
	ClientID  string
	Username  string
	Password  string
}

// Client is the identity bound to one authenticated connection.
// DeviceID is set for devices, UserID for users.
type Client struct {
	ID        string
	Role      Role
	DeviceID  string
	UserID    string
	Transport string
}

func (c Client) IsSuper() bool  { return c.Role == RoleSuper }
func (c Client) IsDevice() bool { return c.Role == RoleDevice }
func (c Client) IsUser() bool   { return c.Role == RoleUser }

// LogicalID is the device serial or user id the client acts for.
func (c Client) LogicalID() string {
	switch c.Role {
	case RoleDevice:
		return c.DeviceID
	case RoleUser:
		return c.UserID
	default:
		return c.ID
	}
}
