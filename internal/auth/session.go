package auth

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/life-stream-dev/life-stream-go-device-relay/internal/identity"
)

var ErrInvalidTransition = errors.New("invalid session transition")

// State is the lifecycle position of one connection.
type State int

const (
	StateConnecting State = iota
	StateAuthenticated
	StateOnline
	StateRejected
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateOnline:
		return "online"
	case StateRejected:
		return "rejected"
	case StateDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateRejected || s == StateDisconnected
}

var transitions = map[State][]State{
	StateConnecting:    {StateAuthenticated, StateRejected, StateDisconnected},
	StateAuthenticated: {StateOnline, StateDisconnected},
	StateOnline:        {StateDisconnected},
}

// Session follows one connection from CONNECT to disconnect.
type Session struct {
	Transport string
	ClientID  string
	CreatedAt time.Time

	mu     sync.Mutex
	state  State
	client identity.Client
}

func NewSession(transport, clientID string) *Session {
	return &Session{
		Transport: transport,
		ClientID:  clientID,
		CreatedAt: time.Now(),
		state:     StateConnecting,
	}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Client is the identity bound at authentication. It is the zero value
// until the session is authenticated.
func (s *Session) Client() identity.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client
}

// Transition moves the session to the given state and returns the state it left.
func (s *Session) Transition(to State) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	from := s.state
	for _, next := range transitions[from] {
		if next == to {
			s.state = to
			return from, nil
		}
	}
	return from, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

func (s *Session) authenticate(client identity.Client) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateConnecting {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.state, StateAuthenticated)
	}
	s.client = client
	s.state = StateAuthenticated
	return nil
}
