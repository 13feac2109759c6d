// Package broker joins authentication, authorization and relaying into the
// hook set every transport calls.
package broker

import (
	"context"
	"errors"
	"log/slog"

	"github.com/life-stream-dev/life-stream-go-device-relay/internal/auth"
	"github.com/life-stream-dev/life-stream-go-device-relay/internal/identity"
	"github.com/life-stream-dev/life-stream-go-device-relay/internal/logger"
	"github.com/life-stream-dev/life-stream-go-device-relay/internal/metrics"
	"github.com/life-stream-dev/life-stream-go-device-relay/internal/relay"
	"github.com/life-stream-dev/life-stream-go-device-relay/internal/server"
)

type Broker struct {
	auth  *auth.Engine
	relay *relay.Engine
	log   *slog.Logger
}

var _ server.Hooks = (*Broker)(nil)

func New(authEngine *auth.Engine, relayEngine *relay.Engine) *Broker {
	return &Broker{
		auth:  authEngine,
		relay: relayEngine,
		log:   logger.Component("broker"),
	}
}

func (b *Broker) OnAuthenticate(ctx context.Context, creds identity.Credentials) (*auth.Session, error) {
	sess, err := b.auth.Authenticate(ctx, creds)
	if err != nil {
		metrics.AuthRejectedTotal.WithLabelValues(creds.Transport, auth.RejectReason(err)).Inc()
		return nil, err
	}
	return sess, nil
}

func (b *Broker) OnConnect(sess *auth.Session) {
	b.auth.Release(sess)
	client := sess.Client()
	metrics.ConnectionsTotal.WithLabelValues(sess.Transport, client.Role.String()).Inc()
	b.log.Info("Client online", "transport", sess.Transport, "client", client.ID, "role", client.Role.String(), "identity", client.LogicalID())
}

func (b *Broker) OnAuthorizePublish(client identity.Client, topic string) error {
	err := b.auth.AuthorizePublish(client, topic)
	if err != nil {
		metrics.PolicyViolationsTotal.WithLabelValues("publish", client.Role.String()).Inc()
	}
	return err
}

func (b *Broker) OnAuthorizeSubscribe(client identity.Client, filter string) error {
	err := b.auth.AuthorizeSubscribe(client, filter)
	if err != nil {
		metrics.PolicyViolationsTotal.WithLabelValues("subscribe", client.Role.String()).Inc()
	}
	return err
}

func (b *Broker) OnPublish(ctx context.Context, client identity.Client, topic string, payload []byte) {
	if err := b.relay.HandlePublish(ctx, client, topic, payload); err != nil {
		level := slog.LevelError
		if errors.Is(err, relay.ErrBadRemap) || errors.Is(err, relay.ErrEmptyRemap) || errors.Is(err, relay.ErrUnroutable) {
			level = slog.LevelWarn
		}
		b.log.Log(ctx, level, "Publish not handled", "client", client.ID, "topic", topic, "error", err)
	}
}

func (b *Broker) OnDisconnect(sess *auth.Session, wasOnline bool) {
	b.auth.Release(sess)
	if !wasOnline {
		return
	}
	client := sess.Client()
	b.log.Info("Client offline", "transport", sess.Transport, "client", client.ID, "identity", client.LogicalID())
	b.relay.HandleDisconnect(client)
}

// Remap rebuilds the mappings named by req on behalf of an administrator.
func (b *Broker) Remap(ctx context.Context, req relay.RemapRequest) error {
	return b.relay.Remap(ctx, req)
}
