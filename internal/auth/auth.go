// Package auth admits connections and checks topic access for each role.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/life-stream-dev/life-stream-go-device-relay/internal/database"
	"github.com/life-stream-dev/life-stream-go-device-relay/internal/identity"
	"github.com/life-stream-dev/life-stream-go-device-relay/internal/logger"
	"github.com/life-stream-dev/life-stream-go-device-relay/internal/mapping"
	"github.com/life-stream-dev/life-stream-go-device-relay/internal/topic"
)

var (
	ErrInvalidIdentifier      = errors.New("invalid client identifier")
	ErrDuplicateSession       = errors.New("client already online")
	ErrMissingCredentials     = errors.New("missing credentials")
	ErrActivationMismatch     = errors.New("device activation did not match")
	ErrRecordStoreUnavailable = errors.New("record store unavailable")
	ErrPolicyViolation        = errors.New("policy violation")
)

// RejectReason is a short label for a rejection error, used in logs and metrics.
func RejectReason(err error) string {
	switch {
	case errors.Is(err, ErrInvalidIdentifier):
		return "invalid_identifier"
	case errors.Is(err, ErrDuplicateSession):
		return "duplicate_session"
	case errors.Is(err, ErrMissingCredentials):
		return "missing_credentials"
	case errors.Is(err, ErrActivationMismatch):
		return "activation_mismatch"
	case errors.Is(err, ErrRecordStoreUnavailable):
		return "record_store_unavailable"
	default:
		return "other"
	}
}

// Activator marks a device as activated when serial and secret match a record.
type Activator interface {
	ActivateDevice(ctx context.Context, sn, secret string) (bool, error)
}

// Mappings is refreshed whenever an identity authenticates.
type Mappings interface {
	RebuildUser(ctx context.Context, userID string) (mapping.Set, error)
	RebuildDevice(ctx context.Context, sn string) (mapping.Set, error)
}

// Presence answers whether a client id is connected on one transport.
type Presence interface {
	IsOnline(clientID string) bool
}

type Engine struct {
	activator Activator
	mappings  Mappings
	presences []Presence
	log       *slog.Logger

	superIDs sync.Map

	mu      sync.Mutex
	pending *expirable.LRU[string, *Session]
}

// NewEngine builds an engine consulting every transport's presence for
// duplicate detection. claimTimeout bounds how long an authenticated but not
// yet online session blocks its client id.
func NewEngine(activator Activator, mappings Mappings, claimTimeout time.Duration, presences ...Presence) *Engine {
	return &Engine{
		activator: activator,
		mappings:  mappings,
		presences: presences,
		log:       logger.Component("auth"),
		pending:   expirable.NewLRU[string, *Session](0, nil, claimTimeout),
	}
}

// RegisterSuper admits the given id as the relay's own client.
func (e *Engine) RegisterSuper(id string) {
	e.superIDs.Store(id, struct{}{})
}

func (e *Engine) isSuper(rawID string) bool {
	privileged := false
	e.superIDs.Range(func(key, _ any) bool {
		privileged = identity.IsPrivileged(rawID, key.(string))
		return !privileged
	})
	return privileged
}

// IsOnline reports whether the client id is connected on any transport.
func (e *Engine) IsOnline(clientID string) bool {
	for _, p := range e.presences {
		if p.IsOnline(clientID) {
			return true
		}
	}
	return false
}

func (e *Engine) busy(sess *Session) bool {
	if e.IsOnline(sess.ClientID) {
		return true
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	other, ok := e.pending.Get(sess.ClientID)
	return ok && other != sess
}

// claim reserves the client id for sess until it goes online or is released.
func (e *Engine) claim(sess *Session) bool {
	if e.IsOnline(sess.ClientID) {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if other, ok := e.pending.Get(sess.ClientID); ok && other != sess {
		return false
	}
	e.pending.Add(sess.ClientID, sess)
	return true
}

// Release drops the reservation taken by sess, if it still holds it.
// Transports call it once the session is registered online or torn down.
func (e *Engine) Release(sess *Session) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if other, ok := e.pending.Peek(sess.ClientID); ok && other == sess {
		e.pending.Remove(sess.ClientID)
	}
}

// Authenticate decides whether a connection is admitted. On success the
// returned session is Authenticated; otherwise it is Rejected and the error
// carries the reason. The reason is never sent to the client.
func (e *Engine) Authenticate(ctx context.Context, creds identity.Credentials) (*Session, error) {
	sess := NewSession(creds.Transport, creds.ClientID)
	client, err := e.authenticate(ctx, sess, creds)
	if err != nil {
		_, _ = sess.Transition(StateRejected)
		e.log.Warn("Connection rejected", "transport", creds.Transport, "client", creds.ClientID, "reason", RejectReason(err))
		return sess, err
	}
	if err := sess.authenticate(client); err != nil {
		e.Release(sess)
		return sess, err
	}
	e.log.Info("Connection authenticated", "transport", creds.Transport, "client", creds.ClientID, "role", client.Role.String(), "identity", client.LogicalID())
	return sess, nil
}

func (e *Engine) authenticate(ctx context.Context, sess *Session, creds identity.Credentials) (identity.Client, error) {
	client := identity.Client{ID: creds.ClientID, Transport: creds.Transport}

	if e.isSuper(creds.ClientID) {
		client.Role = identity.RoleSuper
		return client, nil
	}

	client.Role = identity.Classify(creds.ClientID)
	if client.Role == identity.RoleInvalid {
		return client, ErrInvalidIdentifier
	}
	if e.busy(sess) {
		return client, ErrDuplicateSession
	}

	switch client.Role {
	case identity.RoleDevice:
		client.DeviceID = strings.TrimPrefix(creds.ClientID, identity.DevicePrefix)
		if err := e.verifyDevice(ctx, client.DeviceID, creds); err != nil {
			return client, err
		}
	case identity.RoleUser:
		if creds.Username == "" {
			return client, ErrMissingCredentials
		}
		client.UserID = creds.Username
	}

	// the record store round trip may have raced another connection
	if !e.claim(sess) {
		return client, ErrDuplicateSession
	}

	e.refreshMapping(ctx, client)
	return client, nil
}

// verifyDevice requires the credential serial to name the device the client id
// claims and the secret to match its record.
func (e *Engine) verifyDevice(ctx context.Context, sn string, creds identity.Credentials) error {
	if creds.Username == "" || creds.Password == "" {
		return ErrMissingCredentials
	}
	if creds.Username != sn {
		return fmt.Errorf("%w: serial %q does not match client id", ErrInvalidIdentifier, creds.Username)
	}
	matched, err := e.activator.ActivateDevice(ctx, sn, creds.Password)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrRecordStoreUnavailable, err)
	}
	if !matched {
		return ErrActivationMismatch
	}
	return nil
}

// refreshMapping rebuilds the mapping of a freshly authenticated identity.
// A failure leaves the mapping to be resolved lazily and never rejects.
func (e *Engine) refreshMapping(ctx context.Context, client identity.Client) {
	var err error
	switch client.Role {
	case identity.RoleDevice:
		_, err = e.mappings.RebuildDevice(ctx, client.DeviceID)
	case identity.RoleUser:
		_, err = e.mappings.RebuildUser(ctx, client.UserID)
	}
	if err != nil {
		e.log.Warn("Mapping not populated at authentication", "client", client.ID, "error", err)
	}
}

// AuthorizePublish allows the relay client anything and the heartbeat topic
// to everyone. A user may publish to its own broadcast topic, any device
// inbox and the datamap control topic. A device may publish only to its own
// broadcast topic.
func (e *Engine) AuthorizePublish(client identity.Client, t string) error {
	if client.IsSuper() || t == topic.Heartbeat {
		return nil
	}
	_, deviceInbox := topic.DeviceFrom(t)
	switch {
	case client.IsUser() && (t == topic.Broadcast(client.UserID) || deviceInbox || t == topic.DatamapUpdate):
		return nil
	case client.IsDevice() && t == topic.Broadcast(client.DeviceID):
		return nil
	}
	e.log.Warn("Publish denied", "client", client.ID, "role", client.Role.String(), "topic", t)
	return fmt.Errorf("%w: %s may not publish to %s", ErrPolicyViolation, client.Role, t)
}

// AuthorizeSubscribe allows a user or device to subscribe to its own inbox only.
func (e *Engine) AuthorizeSubscribe(client identity.Client, filter string) error {
	switch {
	case client.IsSuper():
		return nil
	case client.IsUser() && filter == topic.User(client.UserID):
		return nil
	case client.IsDevice() && filter == topic.Device(client.DeviceID):
		return nil
	}
	e.log.Warn("Subscribe denied", "client", client.ID, "role", client.Role.String(), "filter", filter)
	return fmt.Errorf("%w: %s may not subscribe to %s", ErrPolicyViolation, client.Role, filter)
}

var _ Activator = (database.RecordStore)(nil)
