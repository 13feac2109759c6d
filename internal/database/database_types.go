package database

import (
	"context"
	"errors"
)

const DeviceCollectionName = "devices"

var (
	ErrEmptyIdentifier = errors.New("identifier is empty")
	ErrUnavailable     = errors.New("record store unavailable")
)

// Device is one binding record: a device serial registered with its secret
// and bound to the user that owns it.
type Device struct {
	SN        string `bson:"sn" json:"sn"`
	Secret    string `bson:"secret" json:"secret,omitempty"`
	OpenID    string `bson:"_openid" json:"_openid"`
	Activated bool   `bson:"activated" json:"activated"`
}

// Binding associates a device serial with a user id.
type Binding struct {
	DeviceID string
	UserID   string
}

// RecordStore is the remote source of truth for device bindings.
//
// A returned error means the store could not answer; an empty slice or a
// false match is a successful answer.
type RecordStore interface {
	BindingsByDevice(ctx context.Context, sn string) ([]Binding, error)
	BindingsByUser(ctx context.Context, userID string) ([]Binding, error)
	ActivateDevice(ctx context.Context, sn, secret string) (bool, error)
	Close(ctx context.Context) error
}

func bindingsOf(devices []Device) []Binding {
	bindings := make([]Binding, 0, len(devices))
	for _, d := range devices {
		bindings = append(bindings, Binding{DeviceID: d.SN, UserID: d.OpenID})
	}
	return bindings
}
