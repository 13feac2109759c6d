// Package relay forwards messages between users and their devices across
// every transport and substitutes offline notifications for messages whose
// device is not connected anywhere.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/life-stream-dev/life-stream-go-device-relay/internal/identity"
	"github.com/life-stream-dev/life-stream-go-device-relay/internal/logger"
	"github.com/life-stream-dev/life-stream-go-device-relay/internal/mapping"
	"github.com/life-stream-dev/life-stream-go-device-relay/internal/metrics"
	"github.com/life-stream-dev/life-stream-go-device-relay/internal/topic"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	ErrEmptyRemap  = errors.New("remap request names no identity")
	ErrBadRemap    = errors.New("malformed remap request")
	ErrRemapFailed = errors.New("remap failed")
	ErrUnroutable  = errors.New("no route for topic")
)

const (
	directionToDevice = "to_device"
	directionToUser   = "to_user"
)

// Transport is one listener the relay can deliver through.
//
// Publish with an empty target originates the message from the relay's own
// client and lets subscription routing deliver it. A non-empty target names
// the client the message is meant for; it is dropped if that client is not
// connected on this transport.
type Transport interface {
	Name() string
	IsOnline(clientID string) bool
	Publish(target, topic string, payload []byte) error
}

// Mappings is the view of the identity mapping the relay needs.
type Mappings interface {
	ResolveForUser(ctx context.Context, userID string) (mapping.Set, error)
	UsersOf(sn string) (mapping.Set, bool)
	InvalidateAndRebuild(ctx context.Context, userID, sn string) error
}

// Offline is the notification sent in place of an undeliverable message.
type Offline struct {
	Response string `json:"response"`
	SN       string `json:"sn"`
}

// OfflineNotification encodes the notification for device sn.
func OfflineNotification(sn string) []byte {
	b, _ := json.Marshal(Offline{Response: "offline", SN: sn})
	return b
}

// RemapRequest is the body of a datamap update.
type RemapRequest struct {
	OpenID string `json:"openid"`
	SN     string `json:"sn"`
}

func ParseRemap(payload []byte) (RemapRequest, error) {
	var req RemapRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return req, fmt.Errorf("%w: %w", ErrBadRemap, err)
	}
	return req, nil
}

type Engine struct {
	mappings       Mappings
	transports     []Transport
	resolveTimeout time.Duration
	log            *slog.Logger
}

func NewEngine(mappings Mappings, resolveTimeout time.Duration, transports ...Transport) *Engine {
	return &Engine{
		mappings:       mappings,
		transports:     transports,
		resolveTimeout: resolveTimeout,
		log:            logger.Component("relay"),
	}
}

func (e *Engine) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.resolveTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, e.resolveTimeout)
}

// HandlePublish forwards an authorized publish. A failed datamap update and a
// topic the relay has no route for are reported; delivery problems are logged
// and absorbed.
func (e *Engine) HandlePublish(ctx context.Context, origin identity.Client, t string, payload []byte) error {
	if t == topic.Heartbeat {
		return nil
	}
	switch origin.Role {
	case identity.RoleUser:
		return e.fromUser(ctx, origin, t, payload)
	case identity.RoleDevice:
		if t == topic.Broadcast(origin.DeviceID) {
			e.broadcastToOwners(origin.DeviceID, payload, directionToUser)
			return nil
		}
		return fmt.Errorf("%w: %s from %s", ErrUnroutable, t, origin.ID)
	}
	return nil
}

func (e *Engine) fromUser(ctx context.Context, origin identity.Client, t string, payload []byte) error {
	if t == topic.Broadcast(origin.UserID) {
		devices := e.devicesOf(ctx, origin.UserID)
		for _, sn := range devices.Sorted() {
			e.deliverToDevice(origin, sn, payload)
		}
		return nil
	}
	if sn, ok := topic.DeviceFrom(t); ok {
		e.deliverToDevice(origin, sn, payload)
		return nil
	}
	if t == topic.DatamapUpdate {
		req, err := ParseRemap(payload)
		if err != nil {
			e.log.Warn("Ignoring datamap update", "client", origin.ID, "error", err)
			return err
		}
		return e.Remap(ctx, req)
	}
	return fmt.Errorf("%w: %s from %s", ErrUnroutable, t, origin.ID)
}

// devicesOf resolves the user's devices, treating a failure as no devices.
func (e *Engine) devicesOf(ctx context.Context, userID string) mapping.Set {
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()
	devices, err := e.mappings.ResolveForUser(ctx, userID)
	if err != nil {
		e.log.Warn("Broadcast without resolved devices", "user", userID, "error", err)
		return mapping.Set{}
	}
	return devices
}

// deliverToDevice forwards payload to the device inbox on every transport the
// device is connected to, or tells the originating user the device is offline.
func (e *Engine) deliverToDevice(origin identity.Client, sn string, payload []byte) {
	target := identity.DeviceClientID(sn)
	delivered := false
	for _, tr := range e.transports {
		if !tr.IsOnline(target) {
			continue
		}
		if err := tr.Publish(target, topic.Device(sn), payload); err != nil {
			e.log.Error("Forward to device failed", "transport", tr.Name(), "device", sn, "error", err)
			continue
		}
		delivered = true
		metrics.RelayedMessagesTotal.WithLabelValues(directionToDevice, tr.Name()).Inc()
	}
	if delivered {
		return
	}

	e.log.Info("Device offline, notifying sender", "device", sn, "user", origin.UserID)
	notice := OfflineNotification(sn)
	for _, tr := range e.transports {
		if !tr.IsOnline(origin.ID) {
			continue
		}
		if err := tr.Publish(origin.ID, topic.User(origin.UserID), notice); err != nil {
			e.log.Error("Offline notification failed", "transport", tr.Name(), "user", origin.UserID, "error", err)
			continue
		}
		metrics.OfflineNotificationsTotal.WithLabelValues("unreachable").Inc()
	}
}

// broadcastToOwners sends payload to the inbox of every user the device is
// cached as bound to, on every transport. User inboxes are not presence gated.
func (e *Engine) broadcastToOwners(sn string, payload []byte, direction string) int {
	users, ok := e.mappings.UsersOf(sn)
	if !ok || len(users) == 0 {
		e.log.Debug("No owners to broadcast to", "device", sn)
		return 0
	}
	sent := 0
	for _, uid := range users.Sorted() {
		for _, tr := range e.transports {
			if err := tr.Publish("", topic.User(uid), payload); err != nil {
				e.log.Error("Forward to user failed", "transport", tr.Name(), "user", uid, "error", err)
				continue
			}
			sent++
			metrics.RelayedMessagesTotal.WithLabelValues(direction, tr.Name()).Inc()
		}
	}
	return sent
}

// HandleDisconnect tells every user bound to a disconnecting device that it
// went offline.
func (e *Engine) HandleDisconnect(client identity.Client) {
	if !client.IsDevice() {
		return
	}
	sent := e.broadcastToOwners(client.DeviceID, OfflineNotification(client.DeviceID), directionToUser)
	if sent > 0 {
		metrics.OfflineNotificationsTotal.WithLabelValues("disconnect").Add(float64(sent))
	}
	e.log.Info("Device went offline", "device", client.DeviceID, "notifications", sent)
}

// Remap rebuilds the mapping entries named by req. Any failure is returned.
func (e *Engine) Remap(ctx context.Context, req RemapRequest) error {
	if req.OpenID == "" && req.SN == "" {
		return ErrEmptyRemap
	}
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()
	if err := e.mappings.InvalidateAndRebuild(ctx, req.OpenID, req.SN); err != nil {
		e.log.Error("Datamap update failed", "openid", req.OpenID, "sn", req.SN, "error", err)
		return fmt.Errorf("%w: %w", ErrRemapFailed, err)
	}
	e.log.Info("Datamap updated", "openid", req.OpenID, "sn", req.SN)
	return nil
}
