package server

import (
	"bytes"
	"context"

	mqtt "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/packets"

	"github.com/life-stream-dev/life-stream-go-device-relay/internal/auth"
	"github.com/life-stream-dev/life-stream-go-device-relay/internal/connection"
	"github.com/life-stream-dev/life-stream-go-device-relay/internal/identity"
)

// Hooks is what a transport calls on connection events. One implementation
// is shared by every transport.
type Hooks interface {
	// OnAuthenticate admits or rejects a connection. A nil error admits it.
	OnAuthenticate(ctx context.Context, creds identity.Credentials) (*auth.Session, error)
	// OnConnect is called once an admitted session is online.
	OnConnect(sess *auth.Session)
	OnAuthorizePublish(client identity.Client, topic string) error
	OnAuthorizeSubscribe(client identity.Client, filter string) error
	// OnPublish handles an authorized publish of a user or device.
	OnPublish(ctx context.Context, client identity.Client, topic string, payload []byte)
	// OnDisconnect is called for every admitted session when it ends,
	// including those that never got online.
	OnDisconnect(sess *auth.Session, wasOnline bool)
}

// entry binds an engine client to its session. owner is compared by
// identity so events of a replaced connection never touch its successor.
type entry struct {
	owner any
	sess  *auth.Session
	conn  *connection.Connection
}

func (t *Transport) lookup(owner any, clientID string) *entry {
	v, ok := t.sessions.Load(clientID)
	if !ok {
		return nil
	}
	e := v.(*entry)
	if e.owner != owner {
		return nil
	}
	return e
}

func (t *Transport) authenticate(owner any, creds identity.Credentials) bool {
	h := t.registered()
	if h == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), t.authTimeout)
	defer cancel()

	sess, err := h.OnAuthenticate(ctx, creds)
	if err != nil {
		return false
	}
	t.sessions.Store(creds.ClientID, &entry{owner: owner, sess: sess})
	return true
}

// establish registers an authenticated session as online. It returns false
// when the connection must be dropped.
func (t *Transport) establish(owner any, clientID, remote string, closed bool) bool {
	e := t.lookup(owner, clientID)
	if e == nil {
		return false
	}
	if closed {
		t.log.Info("Connection closed before going online", "client", clientID)
		t.teardown(e, clientID, nil)
		return false
	}

	client := e.sess.Client()
	if !client.IsSuper() {
		conn := &connection.Connection{
			ClientID:    clientID,
			Identity:    client,
			RemoteAddr:  remote,
			ConnectedAt: e.sess.CreatedAt,
		}
		if !t.presence.AddConnection(conn) {
			t.teardown(e, clientID, auth.ErrDuplicateSession)
			return false
		}
		e.conn = conn
	}
	if _, err := e.sess.Transition(auth.StateOnline); err != nil {
		t.log.Warn("Session cannot go online", "client", clientID, "error", err)
		t.teardown(e, clientID, err)
		return false
	}
	if h := t.registered(); h != nil {
		h.OnConnect(e.sess)
	}
	return true
}

func (t *Transport) aclCheck(owner any, clientID, topic string, write bool) bool {
	e := t.lookup(owner, clientID)
	h := t.registered()
	if e == nil || h == nil {
		return false
	}
	client := e.sess.Client()
	if write {
		return h.OnAuthorizePublish(client, topic) == nil
	}
	return h.OnAuthorizeSubscribe(client, topic) == nil
}

// publish hands a client publish to the hooks. It returns true when the
// engine should route the message itself, which only the relay client's
// messages are.
func (t *Transport) publish(owner any, clientID, topic string, payload []byte) bool {
	e := t.lookup(owner, clientID)
	h := t.registered()
	if e == nil || h == nil {
		return false
	}
	client := e.sess.Client()
	if client.IsSuper() {
		return true
	}
	h.OnPublish(context.Background(), client, topic, payload)
	return false
}

func (t *Transport) disconnect(owner any, clientID string, err error) {
	e := t.lookup(owner, clientID)
	if e == nil {
		return
	}
	t.teardown(e, clientID, err)
}

func (t *Transport) teardown(e *entry, clientID string, err error) {
	if !t.sessions.CompareAndDelete(clientID, e) {
		return
	}
	from, terr := e.sess.Transition(auth.StateDisconnected)
	if e.conn != nil {
		t.presence.RemoveConnection(e.conn)
	}
	connection.HandleCloseReason(t.Name(), clientID, err)
	if h := t.registered(); h != nil {
		h.OnDisconnect(e.sess, terr == nil && from == auth.StateOnline)
	}
}

// relayHook adapts mochi hook callbacks to the transport.
type relayHook struct {
	mqtt.HookBase
	t *Transport
}

func (h *relayHook) ID() string {
	return "relay-" + h.t.Name()
}

func (h *relayHook) Provides(b byte) bool {
	return bytes.Contains([]byte{
		mqtt.OnConnectAuthenticate,
		mqtt.OnACLCheck,
		mqtt.OnSessionEstablished,
		mqtt.OnPublish,
		mqtt.OnDisconnect,
	}, []byte{b})
}

func (h *relayHook) OnConnectAuthenticate(cl *mqtt.Client, pk packets.Packet) bool {
	return h.t.authenticate(cl, identity.Credentials{
		Transport: h.t.Name(),
		ClientID:  cl.ID,
		Username:  string(pk.Connect.Username),
		Password:  string(pk.Connect.Password),
	})
}

func (h *relayHook) OnSessionEstablished(cl *mqtt.Client, _ packets.Packet) {
	if !h.t.establish(cl, cl.ID, cl.Net.Remote, cl.Closed()) {
		cl.Stop(auth.ErrDuplicateSession)
	}
}

func (h *relayHook) OnACLCheck(cl *mqtt.Client, topic string, write bool) bool {
	return h.t.aclCheck(cl, cl.ID, topic, write)
}

func (h *relayHook) OnPublish(cl *mqtt.Client, pk packets.Packet) (packets.Packet, error) {
	if h.t.publish(cl, cl.ID, pk.TopicName, pk.Payload) {
		return pk, nil
	}
	return pk, packets.CodeSuccessIgnore
}

func (h *relayHook) OnDisconnect(cl *mqtt.Client, err error, _ bool) {
	h.t.disconnect(cl, cl.ID, err)
}
