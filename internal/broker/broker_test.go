package broker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/life-stream-dev/life-stream-go-device-relay/internal/auth"
	"github.com/life-stream-dev/life-stream-go-device-relay/internal/database"
	"github.com/life-stream-dev/life-stream-go-device-relay/internal/identity"
	"github.com/life-stream-dev/life-stream-go-device-relay/internal/mapping"
	"github.com/life-stream-dev/life-stream-go-device-relay/internal/relay"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sent struct {
	target, topic, payload string
}

type fakeTransport struct {
	mu     sync.Mutex
	online map[string]bool
	sent   []sent
}

func (f *fakeTransport) Name() string { return "tcp" }

func (f *fakeTransport) IsOnline(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.online[id]
}

func (f *fakeTransport) Publish(target, topic string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sent{target, topic, string(payload)})
	return nil
}

func newBroker(t *testing.T) (*Broker, *fakeTransport, *mapping.Store) {
	t.Helper()
	records := database.NewMemoryStore(
		database.Device{SN: "D1", Secret: "pw", OpenID: "U1"},
		database.Device{SN: "D1", Secret: "pw", OpenID: "U2"},
	)
	store := mapping.NewStore(records)
	tr := &fakeTransport{online: map[string]bool{}}
	engine := auth.NewEngine(records, store, time.Minute, tr)
	return New(engine, relay.NewEngine(store, time.Second, tr)), tr, store
}

func TestRejectedAuthenticationReturnsNoSession(t *testing.T) {
	b, _, _ := newBroker(t)
	sess, err := b.OnAuthenticate(context.Background(), identity.Credentials{Transport: "tcp", ClientID: "nope"})
	assert.ErrorIs(t, err, auth.ErrInvalidIdentifier)
	assert.Nil(t, sess)
}

func TestDeviceDisconnectNotifiesOwners(t *testing.T) {
	b, tr, store := newBroker(t)
	sess, err := b.OnAuthenticate(context.Background(), identity.Credentials{
		Transport: "tcp", ClientID: "D:D1", Username: "D1", Password: "pw",
	})
	require.NoError(t, err)

	users, ok := store.UsersOf("D1")
	require.True(t, ok, "authentication populates the device mapping")
	assert.Equal(t, []string{"U1", "U2"}, users.Sorted())

	_, err = sess.Transition(auth.StateOnline)
	require.NoError(t, err)
	b.OnConnect(sess)
	_, err = sess.Transition(auth.StateDisconnected)
	require.NoError(t, err)
	b.OnDisconnect(sess, true)

	offline := `{"response":"offline","sn":"D1"}`
	assert.Equal(t, []sent{{"", "/user/U1", offline}, {"", "/user/U2", offline}}, tr.sent)
}

func TestAbortedSessionIsSilent(t *testing.T) {
	b, tr, _ := newBroker(t)
	sess, err := b.OnAuthenticate(context.Background(), identity.Credentials{
		Transport: "tcp", ClientID: "D:D1", Username: "D1", Password: "pw",
	})
	require.NoError(t, err)
	b.OnDisconnect(sess, false)
	assert.Empty(t, tr.sent)

	// the claim was released
	_, err = b.OnAuthenticate(context.Background(), identity.Credentials{
		Transport: "tcp", ClientID: "D:D1", Username: "D1", Password: "pw",
	})
	assert.NoError(t, err)
}

func TestPolicyHooks(t *testing.T) {
	b, _, _ := newBroker(t)
	user := identity.Client{ID: "U:a", Role: identity.RoleUser, UserID: "U1"}
	assert.NoError(t, b.OnAuthorizePublish(user, "/broadcast/U1"))
	assert.ErrorIs(t, b.OnAuthorizePublish(user, "/user/U1"), auth.ErrPolicyViolation)
	assert.NoError(t, b.OnAuthorizeSubscribe(user, "/user/U1"))
	assert.ErrorIs(t, b.OnAuthorizeSubscribe(user, "/device/D1"), auth.ErrPolicyViolation)
}

func TestPublishAndRemap(t *testing.T) {
	b, tr, store := newBroker(t)
	user := identity.Client{ID: "U:a", Role: identity.RoleUser, UserID: "U1"}
	tr.online["U:a"] = true
	tr.online["D:D1"] = true

	b.OnPublish(context.Background(), user, "/device/D1", []byte("on"))
	assert.Equal(t, []sent{{"D:D1", "/device/D1", "on"}}, tr.sent)

	require.NoError(t, b.Remap(context.Background(), relay.RemapRequest{OpenID: "U1"}))
	devices, ok := store.DevicesOf("U1")
	require.True(t, ok)
	assert.Equal(t, []string{"D1"}, devices.Sorted())

	// malformed control messages are logged, not raised
	b.OnPublish(context.Background(), user, "/datamap/update", []byte("{"))
	assert.ErrorIs(t, b.Remap(context.Background(), relay.RemapRequest{}), relay.ErrEmptyRemap)
}
