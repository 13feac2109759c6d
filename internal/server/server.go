// Package server runs one MQTT listener per transport on top of the mochi
// engine and exposes it to the relay as a Transport.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/listeners"

	"github.com/life-stream-dev/life-stream-go-device-relay/internal/connection"
	"github.com/life-stream-dev/life-stream-go-device-relay/internal/identity"
	"github.com/life-stream-dev/life-stream-go-device-relay/internal/logger"
)

type Kind string

const (
	KindTCP       Kind = "tcp"
	KindWebsocket Kind = "ws"
)

var (
	ErrNoHooks        = errors.New("transport has no hooks registered")
	ErrSuperNotReady  = errors.New("relay client not connected")
	ErrUnknownKind    = errors.New("unknown transport kind")
	ErrAlreadyStarted = errors.New("transport already started")
)

type Options struct {
	Kind Kind
	// Address is the listen address, e.g. ":1883".
	Address string
	// Presence tracks the clients online on this transport.
	Presence *connection.Manager
	// AuthTimeout bounds one authentication round trip.
	AuthTimeout time.Duration
	// ConnectTimeout bounds the relay client connect and each of its publishes.
	ConnectTimeout time.Duration
}

type Transport struct {
	kind           Kind
	address        string
	authTimeout    time.Duration
	connectTimeout time.Duration
	presence       *connection.Manager
	server         *mqtt.Server
	superID        string
	log            *slog.Logger

	// newPublisher dials the relay client; replaced in tests
	newPublisher func(brokerURL, clientID string, timeout time.Duration) (publisher, error)

	mu      sync.RWMutex
	hooks   Hooks
	super   publisher
	started bool

	sessions sync.Map // client id -> *entry
}

func New(opts Options) (*Transport, error) {
	if opts.Kind != KindTCP && opts.Kind != KindWebsocket {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, opts.Kind)
	}
	if opts.Presence == nil {
		opts.Presence = connection.NewManager(string(opts.Kind))
	}
	if opts.AuthTimeout <= 0 {
		opts.AuthTimeout = 10 * time.Second
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 5 * time.Second
	}

	log := logger.Component("transport").With("transport", string(opts.Kind))
	t := &Transport{
		kind:           opts.Kind,
		address:        opts.Address,
		authTimeout:    opts.AuthTimeout,
		connectTimeout: opts.ConnectTimeout,
		presence:       opts.Presence,
		superID:        identity.NewSuperID(),
		log:            log,
		newPublisher:   dialSuperClient,
	}

	t.server = mqtt.New(&mqtt.Options{Logger: log.With("engine", "mochi")})
	if err := t.server.AddHook(&relayHook{t: t}, nil); err != nil {
		return nil, fmt.Errorf("add relay hook: %w", err)
	}

	listenerID := "relay-" + string(opts.Kind)
	var l listeners.Listener
	if opts.Kind == KindTCP {
		l = listeners.NewTCP(listeners.Config{ID: listenerID, Address: opts.Address})
	} else {
		l = listeners.NewWebsocket(listeners.Config{ID: listenerID, Address: opts.Address})
	}
	if err := t.server.AddListener(l); err != nil {
		return nil, fmt.Errorf("add %s listener: %w", opts.Kind, err)
	}
	return t, nil
}

// Register installs the hooks the transport calls for every connection event.
func (t *Transport) Register(h Hooks) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.hooks = h
}

func (t *Transport) registered() Hooks {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.hooks
}

func (t *Transport) Name() string {
	return string(t.kind)
}

// SuperID is the identifier of this transport's relay client.
func (t *Transport) SuperID() string {
	return t.superID
}

func (t *Transport) Address() string {
	return t.address
}

// OnlineCount is the number of clients connected on this transport.
func (t *Transport) OnlineCount() int {
	return t.presence.Count()
}

// OnlineClients lists the client ids connected on this transport.
func (t *Transport) OnlineClients() []string {
	return t.presence.Snapshot()
}

func (t *Transport) IsOnline(clientID string) bool {
	return t.presence.IsOnline(clientID)
}

func (t *Transport) brokerURL() string {
	host, port := splitAddress(t.address)
	if t.kind == KindWebsocket {
		return fmt.Sprintf("ws://%s:%s/", host, port)
	}
	return fmt.Sprintf("tcp://%s:%s", host, port)
}

// Start opens the listener and connects the relay client to it.
func (t *Transport) Start(ctx context.Context) error {
	if t.registered() == nil {
		return ErrNoHooks
	}
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return ErrAlreadyStarted
	}
	t.started = true
	t.mu.Unlock()

	if err := t.server.Serve(); err != nil {
		return fmt.Errorf("serve %s: %w", t.kind, err)
	}
	t.log.Info("Listener started", "address", t.address)

	super, err := t.newPublisher(t.brokerURL(), t.superID, t.connectTimeout)
	if err != nil {
		return fmt.Errorf("connect relay client on %s: %w", t.kind, err)
	}
	t.mu.Lock()
	t.super = super
	t.mu.Unlock()
	t.log.Info("Relay client ready", "client", t.superID)

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

// SuperConnected reports whether the relay client is connected.
func (t *Transport) SuperConnected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.super != nil && t.super.Connected()
}

// Publish originates a message from the relay client. A non-empty target
// must be online on this transport or the message is dropped.
func (t *Transport) Publish(target, topic string, payload []byte) error {
	if target != "" && !t.IsOnline(target) {
		t.log.Warn("Target not online, message dropped", "target", target, "topic", topic)
		return nil
	}
	t.mu.RLock()
	super := t.super
	t.mu.RUnlock()
	if super == nil || !super.Connected() {
		return ErrSuperNotReady
	}
	if err := super.Publish(topic, payload); err != nil {
		return fmt.Errorf("publish %s on %s: %w", topic, t.kind, err)
	}
	t.log.Debug("Published", "topic", topic, "target", target, "bytes", len(payload))
	return nil
}

func (t *Transport) Close() error {
	t.mu.Lock()
	super := t.super
	t.super = nil
	t.mu.Unlock()
	if super != nil {
		super.Close()
	}
	err := t.server.Close()
	t.log.Info("Listener closed")
	return err
}

// Invoke closes the transport on shutdown.
func (t *Transport) Invoke(context.Context) error {
	return t.Close()
}
