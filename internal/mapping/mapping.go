// Package mapping caches the bindings between users and devices.
//
// The two directions are cached independently from the record store and
// never derived from each other. A missing key means the identity has not
// been resolved yet or resolved to nothing.
package mapping

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/life-stream-dev/life-stream-go-device-relay/internal/database"
	"github.com/life-stream-dev/life-stream-go-device-relay/internal/logger"
	"github.com/life-stream-dev/life-stream-go-device-relay/internal/metrics"
	"golang.org/x/sync/singleflight"
)

var ErrResolveFailed = errors.New("mapping resolve failed")

// Set is a set of device serials or user ids.
type Set map[string]struct{}

func NewSet(ids ...string) Set {
	s := make(Set, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

func (s Set) Has(id string) bool {
	_, ok := s[id]
	return ok
}

// Sorted returns the members in lexical order.
func (s Set) Sorted() []string {
	ids := make([]string, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s Set) clone() Set {
	c := make(Set, len(s))
	for id := range s {
		c[id] = struct{}{}
	}
	return c
}

// Bindings is the part of the record store the mapping reads from.
type Bindings interface {
	BindingsByDevice(ctx context.Context, sn string) ([]database.Binding, error)
	BindingsByUser(ctx context.Context, userID string) ([]database.Binding, error)
}

type Store struct {
	records Bindings

	mu               sync.RWMutex
	userToDevices    map[string]Set
	deviceToUsers    map[string]Set
	userGeneration   map[string]uint64
	deviceGeneration map[string]uint64

	flight singleflight.Group
}

func NewStore(records Bindings) *Store {
	return &Store{
		records:          records,
		userToDevices:    make(map[string]Set),
		deviceToUsers:    make(map[string]Set),
		userGeneration:   make(map[string]uint64),
		deviceGeneration: make(map[string]uint64),
	}
}

// DevicesOf returns the cached device set of a user without touching the record store.
func (s *Store) DevicesOf(userID string) (Set, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set, ok := s.userToDevices[userID]
	if !ok {
		return nil, false
	}
	return set.clone(), true
}

// UsersOf returns the cached user set of a device without touching the record store.
func (s *Store) UsersOf(sn string) (Set, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set, ok := s.deviceToUsers[sn]
	if !ok {
		return nil, false
	}
	return set.clone(), true
}

// ResolveForUser returns the cached device set of a user, querying the
// record store when the user was never resolved. On failure nothing is cached.
func (s *Store) ResolveForUser(ctx context.Context, userID string) (Set, error) {
	if set, ok := s.DevicesOf(userID); ok {
		return set, nil
	}
	return s.resolve(ctx, "user", userID, false)
}

// ResolveForDevice is the device-side counterpart of ResolveForUser.
func (s *Store) ResolveForDevice(ctx context.Context, sn string) (Set, error) {
	if set, ok := s.UsersOf(sn); ok {
		return set, nil
	}
	return s.resolve(ctx, "device", sn, false)
}

// RebuildUser fetches the user's devices again and replaces the cached set.
// A failed fetch keeps the previous set.
func (s *Store) RebuildUser(ctx context.Context, userID string) (Set, error) {
	return s.resolve(ctx, "user", userID, true)
}

func (s *Store) RebuildDevice(ctx context.Context, sn string) (Set, error) {
	return s.resolve(ctx, "device", sn, true)
}

// InvalidateAndRebuild rebuilds every non-empty identity given.
func (s *Store) InvalidateAndRebuild(ctx context.Context, userID, sn string) error {
	var errs []error
	if userID != "" {
		if _, err := s.RebuildUser(ctx, userID); err != nil {
			errs = append(errs, err)
		}
	}
	if sn != "" {
		if _, err := s.RebuildDevice(ctx, sn); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Store) fetch(ctx context.Context, kind, id string) (Set, error) {
	var (
		bindings []database.Binding
		err      error
	)
	if kind == "user" {
		bindings, err = s.records.BindingsByUser(ctx, id)
	} else {
		bindings, err = s.records.BindingsByDevice(ctx, id)
	}
	if err != nil {
		return nil, err
	}
	set := make(Set, len(bindings))
	for _, b := range bindings {
		if kind == "user" {
			set[b.DeviceID] = struct{}{}
		} else {
			set[b.UserID] = struct{}{}
		}
	}
	return set, nil
}

func (s *Store) tables(kind string) (map[string]Set, map[string]uint64) {
	if kind == "user" {
		return s.userToDevices, s.userGeneration
	}
	return s.deviceToUsers, s.deviceGeneration
}

// resolve fetches one identity. Concurrent lookups of the same key share a
// single remote call; a rebuild never joins a plain lookup so it always sees
// a fresh answer.
func (s *Store) resolve(ctx context.Context, kind, id string, overwrite bool) (Set, error) {
	if id == "" {
		return Set{}, nil
	}

	key := kind + "\x00" + id
	if overwrite {
		key = "rebuild\x00" + key
	}

	s.mu.RLock()
	_, gens := s.tables(kind)
	startGen := gens[id]
	s.mu.RUnlock()

	v, err, _ := s.flight.Do(key, func() (interface{}, error) {
		return s.fetch(ctx, kind, id)
	})
	if err != nil {
		if overwrite {
			metrics.MappingRefreshTotal.WithLabelValues(kind, "failure").Inc()
		}
		logger.WarnF("Fail to resolve %s mapping for %s, details: %v", kind, id, err)
		return nil, fmt.Errorf("%w: %s %s: %w", ErrResolveFailed, kind, id, err)
	}
	set := v.(Set)

	s.mu.Lock()
	defer s.mu.Unlock()
	table, gens := s.tables(kind)
	switch {
	case overwrite:
		table[id] = set.clone()
		gens[id]++
		metrics.MappingRefreshTotal.WithLabelValues(kind, "success").Inc()
		logger.DebugF("Rebuilt %s mapping for %s: %v", kind, id, set.Sorted())
	case gens[id] != startGen:
		// a rebuild landed while this lookup was in flight
		if current, ok := table[id]; ok {
			return current.clone(), nil
		}
	default:
		if current, ok := table[id]; ok {
			return current.clone(), nil
		}
		table[id] = set.clone()
		logger.DebugF("Resolved %s mapping for %s: %v", kind, id, set.Sorted())
	}
	return set.clone(), nil
}
